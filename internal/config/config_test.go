package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	c, err := Load(env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.True(t, c.DevAuth())
	assert.Equal(t, 30*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 10240, c.MaxMessageSize)
}

func TestLoad(t *testing.T) {
	c, err := Load(env(map[string]string{
		"LOVESYNC_ADDR":      "127.0.0.1:9000",
		"DATABASE_URL":       "sqlite:///tmp/diary.db",
		"REDIS_ADDR":         "localhost:6379",
		"JWT_SECRET":         "k",
		"PAIRS":              "alice:bob",
		"HEARTBEAT_INTERVAL": "5s",
		"MAX_MESSAGE_SIZE":   "2048",
		"SEND_QUEUE":         "8",
		"PAIRING_CACHE_TTL":  "10s",
		"MDNS":               "true",
		"LOG_LEVEL":          "debug",
	}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.Addr)
	assert.Equal(t, "sqlite:///tmp/diary.db", c.DatabaseURL)
	assert.Equal(t, "localhost:6379", c.RedisAddr)
	assert.False(t, c.DevAuth())
	assert.Equal(t, map[string]string{"alice": "bob", "bob": "alice"}, c.Pairs)
	assert.Equal(t, 5*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 2048, c.MaxMessageSize)
	assert.Equal(t, 8, c.SendQueue)
	assert.Equal(t, 10*time.Second, c.PairingCacheTTL)
	assert.True(t, c.MDNS)
	assert.Equal(t, slog.LevelDebug, c.LogLevel)
}

func TestLoadErrors(t *testing.T) {
	for name, vars := range map[string]map[string]string{
		"bad duration":   {"HEARTBEAT_INTERVAL": "soon"},
		"tiny heartbeat": {"HEARTBEAT_INTERVAL": "10ms"},
		"bad number":     {"SEND_QUEUE": "lots"},
		"zero queue":     {"SEND_QUEUE": "0"},
		"tiny messages":  {"MAX_MESSAGE_SIZE": "10"},
		"bad pairs":      {"PAIRS": "alice"},
		"bad bool":       {"MDNS": "maybe"},
		"bad level":      {"LOG_LEVEL": "loud"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(env(vars))
			assert.Error(t, err)
		})
	}
}
