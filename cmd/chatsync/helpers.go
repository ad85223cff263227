package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/prismer-ai/chatsync"
	"github.com/prismer-ai/chatsync/gateway"
	"github.com/prismer-ai/chatsync/localdb"
)

// newLogger builds a console logger for humans or JSON for pipelines.
func newLogger(c ConfigLog) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	var l zerolog.Logger
	if c.Format == "json" {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l.Level(level).With().Timestamp().Logger(), nil
}

// engineOptions turns the [client] section into engine options. Empty or
// zero fields keep the library defaults.
func engineOptions(c ConfigClient, log zerolog.Logger) ([]chatsync.Option, error) {
	opts := []chatsync.Option{chatsync.WithLogger(log)}
	if c.MaxDeliveryAttempts > 0 {
		opts = append(opts, chatsync.WithMaxDeliveryAttempts(c.MaxDeliveryAttempts))
	}
	base, err := parseDuration("retry_base_delay", c.RetryBaseDelay)
	if err != nil {
		return nil, err
	}
	maxDelay, err := parseDuration("retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return nil, err
	}
	if base > 0 || maxDelay > 0 {
		opts = append(opts, chatsync.WithRetryDelay(base, maxDelay))
	}
	heartbeat, err := parseDuration("heartbeat_interval", c.HeartbeatInterval)
	if err != nil {
		return nil, err
	}
	if heartbeat > 0 {
		opts = append(opts, chatsync.WithHeartbeatInterval(heartbeat))
	}
	typing, err := parseDuration("typing_timeout", c.TypingTimeout)
	if err != nil {
		return nil, err
	}
	if typing > 0 {
		opts = append(opts, chatsync.WithTypingTimeout(typing))
	}
	return opts, nil
}

func parseDuration(name, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// gatewayProbe dials the gateway's host to decide connectivity.
func gatewayProbe(gatewayURL string) (chatsync.DialProbe, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil || u.Host == "" {
		return chatsync.DialProbe{}, fmt.Errorf("bad gateway url %q", gatewayURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return chatsync.DialProbe{Address: net.JoinHostPort(u.Hostname(), port), Timeout: 2 * time.Second}, nil
}

// session is a started client bound to the configured user.
type session struct {
	*chatsync.Client
	userID   string
	registry *prometheus.Registry
	stop     context.CancelFunc
}

// openSession opens the local cache, connects to the gateway and starts
// syncing. Presence is announced only when withPresence is set.
func openSession(ctx context.Context, withPresence bool) (*session, error) {
	c := cfg.Client
	if c.GatewayURL == "" || c.UserID == "" {
		return nil, fmt.Errorf("no gateway or user configured; run 'chatsync init <gateway-url> <user-id>' first")
	}
	opts, err := engineOptions(c, logger)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
	probe, err := gatewayProbe(c.GatewayURL)
	if err != nil {
		return nil, err
	}

	dir := c.CacheDir
	if dir == "" {
		base, err := configDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "cache", c.UserID)
	}
	cache, err := localdb.Open(dir, logger)
	if err != nil {
		return nil, err
	}

	remote := gateway.NewClient(c.GatewayURL, gateway.WithClientToken(c.Token), gateway.WithClientLogger(logger))
	monitor := chatsync.NewConnectivityMonitor(probe.Probe(ctx))
	watchCtx, stop := context.WithCancel(context.Background())
	go monitor.Watch(watchCtx, probe, 5*time.Second)

	client := chatsync.New(remote, cache, monitor, opts...)
	auth := chatsync.StaticAuth("")
	if withPresence {
		auth = chatsync.StaticAuth(c.UserID)
	}
	if err := client.StartAs(auth, c.AllowOnline); err != nil {
		stop()
		_ = client.Close()
		_ = remote.Close()
		return nil, err
	}
	return &session{Client: client, userID: c.UserID, registry: reg, stop: stop}, nil
}

func (s *session) Close() error {
	s.stop()
	err := s.Client.Close()
	if closer, ok := s.Remote.(interface{ Close() error }); ok {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// waitSettled blocks until the message leaves the outbox, fails, or ctx ends.
func waitSettled(ctx context.Context, s *session, id string) chatsync.MessageStatus {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, _ := s.Sync.Status(id)
		if !status.Pending() {
			return status
		}
		select {
		case <-ctx.Done():
			return status
		case <-ticker.C:
		}
	}
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
