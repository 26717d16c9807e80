package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "postgres://diary:xxxxx@db:5432/lovesync", redactURL("postgres://diary:hunter2@db:5432/lovesync"))
	assert.Equal(t, "memory://", redactURL("memory://"))
	assert.Equal(t, "sqlite:///var/lib/lovesync.db", redactURL("sqlite:///var/lib/lovesync.db"))
	assert.Equal(t, "postgres://diary@db/lovesync", redactURL("postgres://diary@db/lovesync"))
}

func TestTokenNeedsSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	assert.Error(t, mainInner([]string{"token", "alice"}))
}

func TestPairNeedsRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	assert.Error(t, mainInner([]string{"pair", "alice", "bob"}))
}

func TestTokenIssued(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	assert.NoError(t, mainInner([]string{"token", "alice", "--ttl=1h"}))
}
