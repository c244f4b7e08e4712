package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/relaychat/chatsync"
)

// newLogger builds a colored terminal logger, or JSON when log.format is
// "json".
func newLogger(cfg *Config) *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	writer := os.Stderr
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(writer, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// printNotifier shows engine notifications on stderr.
func printNotifier(n chatsync.Notification) {
	prefix := "*"
	if n.Variant == chatsync.VariantDestructive {
		prefix = "!"
	}
	fmt.Fprintf(os.Stderr, "%s %s: %s\n", prefix, n.Title, n.Description)
}

// getEngine creates an engine authenticated with the stored session.
func getEngine(cfg *Config, opts ...chatsync.Option) (*chatsync.Engine, error) {
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("no server URL; run 'chatsync init <server-url>' first")
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("not logged in; run 'chatsync login' first")
	}
	auth := chatsync.StaticAuth{
		Token:    cfg.Auth.Token,
		UserID:   cfg.Auth.UserID,
		Username: cfg.Auth.Username,
	}
	opts = append([]chatsync.Option{
		chatsync.WithLogger(newLogger(cfg)),
		chatsync.WithNotifier(chatsync.NotifierFunc(printNotifier)),
	}, opts...)
	return chatsync.NewEngine(cfg.Server.URL, auth, opts...), nil
}

// connectEngine loads the config and returns a connected engine.
func connectEngine(ctx context.Context, opts ...chatsync.Option) (*chatsync.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	engine, err := getEngine(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := engine.Connect(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

// waitFor blocks until cond holds for a published snapshot or the context
// ends, and returns the last snapshot seen.
func waitFor(ctx context.Context, engine *chatsync.Engine, cond func(chatsync.State) bool) (chatsync.State, error) {
	ch := make(chan chatsync.State, 16)
	unsubscribe := engine.Subscribe(func(s chatsync.State) {
		select {
		case ch <- s:
		default:
		}
	})
	defer unsubscribe()

	last := engine.Snapshot()
	if cond(last) {
		return last, nil
	}
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case s := <-ch:
			last = s
			if cond(s) {
				return s, nil
			}
		}
	}
}

// settle waits briefly so the server can answer the initial handshake before
// a one-shot command runs.
func settle(ctx context.Context, engine *chatsync.Engine) chatsync.State {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s, _ := waitFor(wctx, engine, func(s chatsync.State) bool { return len(s.Groups) > 0 })
	return s
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
