package pairing

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisPartnersKey = "lovesync:partners"

// Redis resolves partners from a Redis hash of user id -> partner id.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, key: redisPartnersKey}
}

func (r *Redis) Resolve(ctx context.Context, userID string) (Pairing, error) {
	partner, err := r.client.HGet(ctx, r.key, userID).Result()
	if errors.Is(err, redis.Nil) || (err == nil && (partner == "" || partner == userID)) {
		return Pairing{}, ErrNoPartner
	}
	if err != nil {
		return Pairing{}, fmt.Errorf("lookup partner of %s: %w", userID, err)
	}
	return New(userID, partner), nil
}

// Link pairs a and b in both directions.
func (r *Redis) Link(ctx context.Context, a, b string) error {
	return r.client.HSet(ctx, r.key, a, b, b, a).Err()
}

// Unlink removes the user and their partner from the table.
func (r *Redis) Unlink(ctx context.Context, userID string) error {
	p, err := r.Resolve(ctx, userID)
	if errors.Is(err, ErrNoPartner) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.client.HDel(ctx, r.key, p.UserID, p.PartnerID).Err()
}
