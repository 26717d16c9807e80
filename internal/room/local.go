package room

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Local is an in-process broadcaster. Rooms are created on first join and
// dropped when their last member leaves.
type Local struct {
	rooms *xsync.MapOf[string, mapset.Set[Member]]
}

func NewLocal() *Local {
	return &Local{rooms: xsync.NewMapOf[string, mapset.Set[Member]]()}
}

// join reports whether m is the first member of the room.
func (l *Local) join(roomKey string, m Member) (first bool) {
	l.rooms.Compute(roomKey, func(members mapset.Set[Member], loaded bool) (mapset.Set[Member], bool) {
		if !loaded {
			members = mapset.NewSet[Member]()
			first = true
		}
		members.Add(m)
		return members, false
	})
	return first
}

// leave reports whether the room became empty.
func (l *Local) leave(roomKey string, m Member) (last bool) {
	l.rooms.Compute(roomKey, func(members mapset.Set[Member], loaded bool) (mapset.Set[Member], bool) {
		if !loaded {
			return members, true
		}
		members.Remove(m)
		last = members.Cardinality() == 0
		return members, last
	})
	return last
}

func (l *Local) deliver(ev Event) int {
	members, ok := l.rooms.Load(ev.Room)
	if !ok {
		return 0
	}
	n := 0
	for _, m := range members.ToSlice() {
		if m.ID() == ev.Sender {
			continue
		}
		m.Deliver(ev)
		n++
	}
	return n
}

// Members is the number of members currently registered in a room.
func (l *Local) Members(roomKey string) int {
	members, ok := l.rooms.Load(roomKey)
	if !ok {
		return 0
	}
	return members.Cardinality()
}

func (l *Local) Join(_ context.Context, roomKey string, m Member) error {
	l.join(roomKey, m)
	return nil
}

func (l *Local) Leave(_ context.Context, roomKey string, m Member) error {
	l.leave(roomKey, m)
	return nil
}

func (l *Local) Send(_ context.Context, ev Event) error {
	l.deliver(ev)
	return nil
}

func (l *Local) Close() error {
	l.rooms.Clear()
	return nil
}

var _ Broadcaster = (*Local)(nil)
