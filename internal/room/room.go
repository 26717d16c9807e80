// Package room fans events out to the sessions collaborating on one
// document.
package room

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event is a message addressed to every member of a room except its sender.
type Event struct {
	Room    string          `json:"room"`
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent encodes msg as the payload of an event of type typ.
func NewEvent(roomKey, sender, typ string, msg any) (Event, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", typ, err)
	}
	return Event{Room: roomKey, Sender: sender, Type: typ, Payload: payload}, nil
}

// Member is a session registered in a room. Deliver must not block.
type Member interface {
	ID() string
	Deliver(ev Event)
}

type Broadcaster interface {
	Join(ctx context.Context, roomKey string, m Member) error
	Leave(ctx context.Context, roomKey string, m Member) error
	// Send delivers ev to every member of ev.Room other than ev.Sender.
	// It is called under a document lock and must not wait on the network.
	Send(ctx context.Context, ev Event) error
	Close() error
}
