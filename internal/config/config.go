// Package config reads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"lovesync/internal/pairing"
)

type Config struct {
	Addr        string
	DatabaseURL string
	// RedisAddr enables Redis rooms and pairing when set.
	RedisAddr string
	// JWTSecret empty means dev auth with ?user=.
	JWTSecret string
	JWTIssuer string
	Pairs     map[string]string

	HeartbeatInterval time.Duration
	MaxMessageSize    int
	SendQueue         int
	PairingCacheTTL   time.Duration
	PairingCacheSize  int
	MDNS              bool
	LogLevel          slog.Level
}

func Default() Config {
	return Config{
		Addr:              ":8081",
		DatabaseURL:       "memory://",
		JWTIssuer:         "lovesync",
		Pairs:             map[string]string{},
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    10 * 1024,
		SendQueue:         256,
		PairingCacheTTL:   time.Minute,
		PairingCacheSize:  1024,
		LogLevel:          slog.LevelInfo,
	}
}

// FromEnv overlays the process environment on the defaults.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load overlays variables found by lookup on the defaults.
func Load(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LOVESYNC_ADDR", &c.Addr)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("JWT_SECRET", &c.JWTSecret)
	str("JWT_ISSUER", &c.JWTIssuer)
	dur("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	num("MAX_MESSAGE_SIZE", &c.MaxMessageSize)
	num("SEND_QUEUE", &c.SendQueue)
	dur("PAIRING_CACHE_TTL", &c.PairingCacheTTL)
	num("PAIRING_CACHE_SIZE", &c.PairingCacheSize)

	if v, ok := lookup("PAIRS"); ok {
		pairs, err := pairing.ParsePairs(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PAIRS: %w", err))
		} else {
			c.Pairs = pairs
		}
	}
	if v, ok := lookup("MDNS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MDNS: %w", err))
		}
		c.MDNS = b
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database url is empty"))
	}
	if c.HeartbeatInterval < time.Second {
		errs = append(errs, fmt.Errorf("heartbeat interval %s is below 1s", c.HeartbeatInterval))
	}
	if c.MaxMessageSize < 256 {
		errs = append(errs, fmt.Errorf("max message size %d is below 256 bytes", c.MaxMessageSize))
	}
	if c.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("send queue %d must be positive", c.SendQueue))
	}
	if c.PairingCacheSize < 1 {
		errs = append(errs, fmt.Errorf("pairing cache size %d must be positive", c.PairingCacheSize))
	}
	if c.PairingCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("pairing cache ttl %s is negative", c.PairingCacheTTL))
	}
	return errors.Join(errs...)
}

// DevAuth reports whether connections are identified by ?user= instead of
// a token.
func (c Config) DevAuth() bool {
	return c.JWTSecret == ""
}
