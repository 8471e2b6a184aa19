package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	chatual "github.com/chatual/chatual-go"
)

const defaultRedisURL = "redis://localhost:6379/0"

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}

// openStorage opens the durable store selected by queue.store.
func openStorage(ctx context.Context, cfg *Config) (chatual.Storage, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	switch cfg.Queue.Store {
	case "", "sqlite":
		path := valueOrDefault(cfg.Queue.Path, filepath.Join(dir, "state.db"))
		return chatual.NewSQLiteStorage(path)
	case "bolt":
		return chatual.NewBoltStorage(valueOrDefault(cfg.Queue.Path, filepath.Join(dir, "state.bolt")))
	case "redis":
		return chatual.NewRedisStorage(ctx, valueOrDefault(cfg.Queue.RedisURL, defaultRedisURL), "chatual:")
	case "memory":
		return chatual.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown queue store %q", cfg.Queue.Store)
	}
}

// getClient loads the config and builds a client over the configured store.
func getClient(ctx context.Context) (*Config, *chatual.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	storage, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s store: %w", valueOrDefault(cfg.Queue.Store, "sqlite"), err)
	}
	client := chatual.NewClient(cfg.Default.Origin,
		chatual.WithLogger(logger),
		chatual.WithStorage(storage),
		chatual.WithQueueOptions(chatual.QueueOptions{
			MaxQueueSize: cfg.Queue.MaxSize,
			MaxRetries:   cfg.Queue.MaxRetries,
		}),
	)
	return cfg, client, nil
}

func realtimeConfig(cfg *Config) (*chatual.RealtimeConfig, error) {
	rc := &chatual.RealtimeConfig{MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts}
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"realtime.reconnect_base_delay", cfg.Realtime.ReconnectBaseDelay, &rc.ReconnectBaseDelay},
		{"realtime.reconnect_max_delay", cfg.Realtime.ReconnectMaxDelay, &rc.ReconnectMaxDelay},
		{"realtime.ping_interval", cfg.Realtime.PingInterval, &rc.PingInterval},
		{"realtime.typing_timeout", cfg.Realtime.TypingTimeout, &rc.TypingTimeout},
	}
	for _, f := range fields {
		d, err := parseDuration(f.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return rc, nil
}

// connectSession starts a manager for the logged-in user and joins room when
// given. The caller owns the returned manager.
func connectSession(ctx context.Context, cfg *Config, client *chatual.Client, room string) (*chatual.Manager, *chatual.Session, error) {
	sess, err := client.Session(ctx)
	if errors.Is(err, chatual.ErrNotFound) {
		return nil, nil, fmt.Errorf("not logged in; run 'chatual login <user-id>' first")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}
	rc, err := realtimeConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	rt := client.Realtime(rc)
	if room != "" {
		rt.JoinRoom(room)
	}
	rt.Connect(sess.UserID)
	return rt, sess, nil
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
