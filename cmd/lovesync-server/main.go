package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"lovesync/internal/auth"
	"lovesync/internal/config"
	"lovesync/internal/metrics"
	"lovesync/internal/pairing"
	"lovesync/internal/room"
	"lovesync/internal/server"
	"lovesync/internal/session"
	"lovesync/internal/store"
)

const LocalVersion = "0.0.0-local"

const usage = `LoveSync collaborative diary server.

Settings come from the environment (LOVESYNC_ADDR, DATABASE_URL, REDIS_ADDR,
JWT_SECRET, JWT_ISSUER, PAIRS, HEARTBEAT_INTERVAL, MAX_MESSAGE_SIZE, SEND_QUEUE,
PAIRING_CACHE_TTL, MDNS, LOG_LEVEL); flags override them.

Usage:
    lovesync-server [serve] [--addr=<addr>] [--database=<url>] [--redis=<addr>] [--mdns]
    lovesync-server token <user> [--ttl=<ttl>]
    lovesync-server pair <user> <partner> [--redis=<addr>]
    lovesync-server -h | --help
    lovesync-server --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --addr=<addr>        Listen address.
    --database=<url>     memory://, postgres://..., sqlite://path or bolt://path.
    --redis=<addr>       Redis address for shared rooms and pairing.
    --mdns               Advertise the server on the local network.
    --ttl=<ttl>          Token lifetime [default: 720h].`

func main() {
	if err := mainInner(os.Args[1:]); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func version() string {
	if v := os.Getenv("LOVESYNC_VERSION"); v != "" {
		return v
	}
	return LocalVersion
}

func mainInner(args []string) error {
	opts, err := docopt.ParseArgs(usage, args, version())
	if err != nil {
		return err
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if v, _ := opts.String("--addr"); v != "" {
		cfg.Addr = v
	}
	if v, _ := opts.String("--database"); v != "" {
		cfg.DatabaseURL = v
	}
	if v, _ := opts.String("--redis"); v != "" {
		cfg.RedisAddr = v
	}
	if v, _ := opts.Bool("--mdns"); v {
		cfg.MDNS = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	if v, _ := opts.Bool("token"); v {
		return issueToken(cfg, opts)
	}
	if v, _ := opts.Bool("pair"); v {
		return pair(cfg, opts)
	}
	return serve(cfg, log)
}

func issueToken(cfg config.Config, opts docopt.Opts) error {
	if cfg.DevAuth() {
		return errors.New("JWT_SECRET is not set")
	}
	user, _ := opts.String("<user>")
	rawTTL, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(rawTTL)
	if err != nil {
		return fmt.Errorf("--ttl: %w", err)
	}
	token, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer).Issue(user, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func pair(cfg config.Config, opts docopt.Opts) error {
	if cfg.RedisAddr == "" {
		return errors.New("pairing needs REDIS_ADDR or --redis")
	}
	user, _ := opts.String("<user>")
	partner, _ := opts.String("<partner>")
	if user == "" || partner == "" || user == partner {
		return errors.New("need two different users")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pairing.NewRedis(rdb).Link(ctx, user, partner); err != nil {
		return fmt.Errorf("link %s and %s: %w", user, partner, err)
	}
	slog.Info("paired", "user", user, "partner", partner, "room", pairing.RoomKey(user, partner))
	return nil
}

func serve(cfg config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("opening store", "url", redactURL(cfg.DatabaseURL))
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	var rooms room.Broadcaster = room.NewLocal()
	var resolver pairing.Resolver = pairing.NewStatic(cfg.Pairs)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		rooms = room.NewRedis(ctx, rdb, log.With("component", "room"))
		resolver = pairing.Chain{resolver, pairing.NewRedis(rdb)}
		log.Info("using redis for rooms and pairing", "addr", cfg.RedisAddr)
	}
	defer rooms.Close()
	if cfg.PairingCacheTTL > 0 {
		resolver = pairing.NewCached(resolver, cfg.PairingCacheSize, cfg.PairingCacheTTL)
	}

	var authn auth.Authenticator
	if cfg.DevAuth() {
		log.Warn("JWT_SECRET is not set, trusting the ?user= parameter")
		authn = auth.Dev{}
	} else {
		authn = auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return err
	}

	opts := session.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxMessageSize:    cfg.MaxMessageSize,
		SendQueue:         cfg.SendQueue,
	}
	hub := session.NewHub(st, rooms, resolver, opts, log)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(hub, st, resolver, authn, reg, opts, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	log.Info("listening", "addr", listener.Addr().String())

	if cfg.MDNS {
		port := listener.Addr().(*net.TCPAddr).Port
		if err := server.Advertise(ctx, port, log); err != nil {
			log.Warn("mdns disabled", "err", err)
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		log.Info("signal caught", "sig", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	hub.Shutdown()
	for hub.Active() > 0 && shutdownCtx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	log.Info("stopped", "open_sessions", hub.Active())
	return nil
}

// redactURL hides the password of a database url in logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	return u.Redacted()
}
