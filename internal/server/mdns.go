package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_lovesync._tcp"
	mdnsDomain  = "local."
)

// Advertise announces the server on the local network until ctx ends.
func Advertise(ctx context.Context, port int, log *slog.Logger) error {
	host, _ := os.Hostname()
	srv, err := zeroconf.Register(fmt.Sprintf("LoveSync-%s", host), ServiceType, mdnsDomain, port, []string{"path=/ws"}, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	log.Info("mdns service registered", "service", ServiceType, "port", port)
	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()
	return nil
}

// Discover browses the local network for servers and returns the first
// one found as host:port.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, mdnsDomain, entries); err != nil {
		return "", fmt.Errorf("browse mdns: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no %s service found within %s", ServiceType, timeout)
		case e, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("no %s service found", ServiceType)
			}
			if len(e.AddrIPv4) > 0 {
				return fmt.Sprintf("%s:%d", e.AddrIPv4[0], e.Port), nil
			}
			if len(e.AddrIPv6) > 0 {
				return fmt.Sprintf("[%s]:%d", e.AddrIPv6[0], e.Port), nil
			}
		}
	}
}
