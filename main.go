package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"realtime-hub/auth"
	"realtime-hub/config"
	"realtime-hub/httpapi"
	"realtime-hub/hub"
	"realtime-hub/metrics"
	"realtime-hub/protocol"
	"realtime-hub/store"
	ws "realtime-hub/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, reg)

	var (
		presence store.Store = store.NewMemoryStore()
		rdb      *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			slog.Warn("redis unreachable, presence writes will fail until it is back", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		presence = store.NewRedisStore(rdb, cfg.RedisPrefix, cfg.PresenceTTL)
	}

	sessions := hub.New(hub.WithRecorder(m), hub.WithObserver(store.NewObserver(presence)))
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if !verifier.Enabled() {
		slog.Warn("JWT_SECRET not set, clients are trusted by user id")
	}
	handler := protocol.NewHandler(sessions, verifier,
		protocol.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		protocol.WithMaxMessageLength(cfg.MaxMessageLen),
		protocol.WithRecorder(m),
	)

	wsServer := ws.NewServer(handler, ws.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: protocol.FrameLimit(cfg.MaxMessageLen),
	})
	router := httpapi.NewRouter(sessions, presence, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		NotifyAPIKey:   cfg.NotifyAPIKey,
		WebSocket:      wsServer,
		Metrics:        m.Handler(),
		Observer:       m,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		sessions.Run(ctx)
	}()

	go func() {
		slog.Info("server starting", "addr", cfg.Addr, "redis", cfg.RedisAddr != "", "auth", verifier.Enabled())
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			slog.Info("server shutting down")
			// Shutdown does not wait for hijacked websocket connections.
			err := server.Shutdown(ctx)
			err = errors.Join(err, sessions.Shutdown(ctx))
			// Run flushes the offline transitions to the store once stopped.
			stop()
			select {
			case <-hubDone:
			case <-ctx.Done():
				err = errors.Join(err, ctx.Err())
			}
			if rdb != nil {
				err = errors.Join(err, rdb.Close())
			}
			return err
		},
	})

	code := <-wait
	slog.Info("server stopped", "code", code)
	os.Exit(code)
}

func setupLogger(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}
