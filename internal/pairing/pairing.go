// Package pairing resolves which partner a user shares a diary with.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNoPartner = errors.New("user has no partner")

// Pairing links a user to their partner. RoomKey is the same for both
// sides of the pair.
type Pairing struct {
	UserID    string
	PartnerID string
	RoomKey   string
}

func New(userID, partnerID string) Pairing {
	return Pairing{UserID: userID, PartnerID: partnerID, RoomKey: RoomKey(userID, partnerID)}
}

// RoomKey orders the two ids so both partners land in the same room.
func RoomKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "diary_" + a + "_" + b
}

type Resolver interface {
	// Resolve returns ErrNoPartner when the user is not paired.
	Resolve(ctx context.Context, userID string) (Pairing, error)
}

// Static resolves from a fixed partner table.
type Static struct {
	partners map[string]string
}

// NewStatic builds a resolver from user -> partner links. Links are made
// symmetric.
func NewStatic(links map[string]string) *Static {
	partners := make(map[string]string, 2*len(links))
	for a, b := range links {
		partners[a] = b
		partners[b] = a
	}
	return &Static{partners: partners}
}

func (s *Static) Resolve(_ context.Context, userID string) (Pairing, error) {
	partner, ok := s.partners[userID]
	if !ok || partner == "" || partner == userID {
		return Pairing{}, ErrNoPartner
	}
	return New(userID, partner), nil
}

// ParsePairs reads "alice:bob,carol:dave".
func ParsePairs(s string) (map[string]string, error) {
	links := map[string]string{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		a, b, ok := strings.Cut(item, ":")
		a, b = strings.TrimSpace(a), strings.TrimSpace(b)
		if !ok || a == "" || b == "" || a == b {
			return nil, fmt.Errorf("bad pair %q, want user:partner", item)
		}
		if prev, dup := links[a]; dup && prev != b {
			return nil, fmt.Errorf("user %q paired twice", a)
		}
		if prev, dup := links[b]; dup && prev != a {
			return nil, fmt.Errorf("user %q paired twice", b)
		}
		links[a], links[b] = b, a
	}
	return links, nil
}

// Chain asks each resolver in turn until one knows the user.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, userID string) (Pairing, error) {
	for _, r := range c {
		p, err := r.Resolve(ctx, userID)
		if errors.Is(err, ErrNoPartner) {
			continue
		}
		return p, err
	}
	return Pairing{}, ErrNoPartner
}
