package pairing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, "diary_alice_bob", RoomKey("alice", "bob"))
	assert.Equal(t, RoomKey("alice", "bob"), RoomKey("bob", "alice"))
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	r := NewStatic(map[string]string{"alice": "bob"})

	p, err := r.Resolve(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, Pairing{UserID: "bob", PartnerID: "alice", RoomKey: "diary_alice_bob"}, p)

	_, err = r.Resolve(ctx, "carol")
	assert.ErrorIs(t, err, ErrNoPartner)
}

func TestParsePairs(t *testing.T) {
	links, err := ParsePairs(" alice:bob, carol:dave ,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "bob", "bob": "alice", "carol": "dave", "dave": "carol"}, links)

	for _, bad := range []string{"alice", "alice:", "alice:alice", "alice:bob,alice:carol"} {
		_, err := ParsePairs(bad)
		assert.Error(t, err, bad)
	}
	links, err = ParsePairs("")
	require.NoError(t, err)
	assert.Empty(t, links)
}

type countingResolver struct {
	Resolver
	calls int
}

func (c *countingResolver) Resolve(ctx context.Context, userID string) (Pairing, error) {
	c.calls++
	return c.Resolver.Resolve(ctx, userID)
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	next := &countingResolver{Resolver: NewStatic(map[string]string{"alice": "bob"})}
	c := NewCached(next, 16, time.Minute)

	for i := 0; i < 3; i++ {
		p, err := c.Resolve(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "bob", p.PartnerID)
	}
	assert.Equal(t, 1, next.calls)

	for i := 0; i < 2; i++ {
		_, err := c.Resolve(ctx, "carol")
		assert.ErrorIs(t, err, ErrNoPartner)
	}
	assert.Equal(t, 3, next.calls)

	c.Forget("alice")
	_, err := c.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, next.calls)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("LOVESYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LOVESYNC_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r := NewRedis(redis.NewClient(&redis.Options{Addr: addr}))
	r.key = "lovesync:test:partners"
	defer r.client.Del(ctx, r.key)

	require.NoError(t, r.Link(ctx, "alice", "bob"))
	p, err := r.Resolve(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.PartnerID)

	require.NoError(t, r.Unlink(ctx, "alice"))
	_, err = r.Resolve(ctx, "bob")
	assert.ErrorIs(t, err, ErrNoPartner)
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	c := Chain{
		NewStatic(map[string]string{"alice": "bob"}),
		NewStatic(map[string]string{"carol": "dave"}),
	}
	p, err := c.Resolve(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, "carol", p.PartnerID)

	p, err = c.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.PartnerID)

	_, err = c.Resolve(ctx, "erin")
	assert.ErrorIs(t, err, ErrNoPartner)
	_, err = Chain{}.Resolve(ctx, "alice")
	assert.ErrorIs(t, err, ErrNoPartner)
}
