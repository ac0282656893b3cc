// Command server runs the BlockRemote control plane: HTTP API, WebSocket
// kill-switch fabric, and the in-process analyzer worker pool.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/blockremote/backend/internal/access"
	"github.com/blockremote/backend/internal/analyzer"
	"github.com/blockremote/backend/internal/api"
	"github.com/blockremote/backend/internal/config"
	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/killswitch"
	"github.com/blockremote/backend/internal/security"
	"github.com/blockremote/backend/internal/store"
)

func main() {
	// Local development convenience; production injects real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	slog.Info("starting", "app", cfg.AppName, "env", cfg.Environment)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer st.Close()

	redis, err := infra.NewRedisAdapter(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer redis.Close()

	tokens := security.NewTokenService(cfg, redis)
	acc := access.New(st)
	an := analyzer.New(cfg, redis, st, tokens)
	hub := killswitch.NewHub(redis)
	sockets := killswitch.NewSocketServer(cfg, hub, tokens, acc, redis)

	an.Start()
	defer an.Stop()

	server := api.NewServer(cfg, st, redis, tokens, acc, an, sockets)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown incomplete", "err", err)
	}
}
