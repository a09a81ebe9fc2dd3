package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mangofish163/procurator/internal/api"
	"github.com/mangofish163/procurator/internal/config"
	"github.com/mangofish163/procurator/internal/events"
	"github.com/mangofish163/procurator/internal/hooks"
	"github.com/mangofish163/procurator/internal/logger"
	"github.com/mangofish163/procurator/internal/queue"
	"github.com/mangofish163/procurator/internal/tasks"
	"github.com/mangofish163/procurator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	log := logger.Get()
	log.Info().Msg("Starting broker...")

	manager := queue.NewManager(cfg)
	defer manager.Close()

	dispatcher := worker.NewDispatcher()
	tasks.RegisterBuiltins(dispatcher)

	var bus events.Bus
	hk := hooks.Hooks(hooks.Nop{})
	if sb := manager.StreamBackend(); sb != nil {
		redisBus := events.NewRedisBus(sb.Client())
		bus = redisBus
		hk = hooks.NewEventHooks(redisBus)
	}

	server := api.NewServer(cfg, manager, dispatcher, hk, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server.Start(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down broker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	server.Stop()

	log.Info().Msg("Broker stopped")
}
