// Package session runs one collaborative editing session per connection:
// it resolves the pairing, validates and orders submitted edits against
// the revision store and fans accepted edits out to the partner.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"lovesync/internal/metrics"
	"lovesync/internal/pairing"
	"lovesync/internal/room"
	"lovesync/internal/store"
)

// Conn is the message transport of one client. Close must be safe to call
// concurrently with Read and Write and must unblock a pending Read. Read
// returns io.EOF after a normal close.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

type Options struct {
	HeartbeatInterval time.Duration
	MaxMessageSize    int
	SendQueue         int
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    10 * 1024,
		SendQueue:         256,
	}
}

// Hub owns the collaborators shared by all sessions and tracks the
// sessions that are currently active.
type Hub struct {
	store   store.Store
	rooms   room.Broadcaster
	pairing pairing.Resolver
	opts    Options
	log     *slog.Logger

	sessions *xsync.MapOf[string, *Session]
	// locks serializes find-or-create per room and append+broadcast per
	// document within this process.
	locks stripes
}

func NewHub(st store.Store, rooms room.Broadcaster, pairs pairing.Resolver, opts Options, log *slog.Logger) *Hub {
	def := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = def.SendQueue
	}
	return &Hub{
		store:    st,
		rooms:    rooms,
		pairing:  pairs,
		opts:     opts,
		log:      log.With("component", "session"),
		sessions: xsync.NewMapOf[string, *Session](),
	}
}

// Serve runs a session for userID over conn until the connection ends.
// It returns nil when the client closed normally.
func (h *Hub) Serve(ctx context.Context, conn Conn, userID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := h.newSession(conn, userID)
	go s.writeLoop(ctx)

	if perr := s.connect(ctx); perr != nil {
		s.fail(perr)
		<-s.writerDone
		s.setState(StateDisconnected)
		return perr
	}

	defer h.untrack(s)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeat(ctx)
	}()

	err := s.readLoop(ctx)
	s.disconnect(context.WithoutCancel(ctx))
	cancel()
	wg.Wait()
	<-s.writerDone
	s.abort(websocket.CloseNormalClosure, "")
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Hub) track(s *Session) {
	h.sessions.Store(s.id, s)
	metrics.SessionsActive.Inc()
}

func (h *Hub) untrack(s *Session) {
	if _, ok := h.sessions.LoadAndDelete(s.id); ok {
		metrics.SessionsActive.Dec()
	}
}

// Active is the number of active sessions.
func (h *Hub) Active() int {
	return h.sessions.Size()
}

// Shutdown closes every active session. Each session persists its state
// on the way out.
func (h *Hub) Shutdown() {
	h.sessions.Range(func(_ string, s *Session) bool {
		s.abort(websocket.CloseGoingAway, "server shutting down")
		return true
	})
}

type stripes [64]sync.Mutex

func (s *stripes) lock(key string) (unlock func()) {
	m := &s[xxhash.Sum64String(key)%uint64(len(s))]
	m.Lock()
	return m.Unlock
}
