package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mangofish163/procurator/internal/config"
	"github.com/mangofish163/procurator/internal/events"
	"github.com/mangofish163/procurator/internal/hooks"
	"github.com/mangofish163/procurator/internal/logger"
	"github.com/mangofish163/procurator/internal/queue"
	"github.com/mangofish163/procurator/internal/tasks"
	"github.com/mangofish163/procurator/internal/webhook"
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
	log.Info().Msg("Starting worker...")

	manager := queue.NewManager(cfg)
	defer manager.Close()

	dispatcher := worker.NewDispatcher()
	tasks.RegisterBuiltins(dispatcher)

	notifier := webhook.NewNotifier(cfg.Worker.WebhookTimeout)

	var publisher events.Publisher
	hk := hooks.Hooks(hooks.Nop{})
	var sweeper *queue.Sweeper
	if sb := manager.StreamBackend(); sb != nil {
		bus := events.NewRedisBus(sb.Client())
		publisher = bus
		hk = hooks.NewEventHooks(bus)
		sweeper = queue.NewSweeper(sb, cfg.Queue.Queues, cfg.Queue.SweepInterval)
	}

	pool := worker.NewPool(&cfg.Worker, cfg.Queue.Queues, manager, dispatcher, hk, notifier, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	if sweeper != nil {
		sweeper.Start(ctx)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if sweeper != nil {
		sweeper.Stop()
	}
	pool.Stop(shutdownCtx)

	log.Info().Msg("Worker stopped")
}
