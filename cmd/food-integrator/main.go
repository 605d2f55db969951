package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mokk-dev/food-integrator/pkg/broker"
	"github.com/mokk-dev/food-integrator/pkg/cache"
	"github.com/mokk-dev/food-integrator/pkg/config"
	"github.com/mokk-dev/food-integrator/pkg/ingestion"
	"github.com/mokk-dev/food-integrator/pkg/processor"
	"github.com/mokk-dev/food-integrator/pkg/store"
	"github.com/mokk-dev/food-integrator/pkg/telemetry"
	"github.com/mokk-dev/food-integrator/pkg/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/food-integrator")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry()

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize repository: ", err)
	}
	defer repo.Close()

	if err := repo.Ping(ctx); err != nil {
		log.Fatal("Inbox store is not reachable: ", err)
	}
	logInboxStats(ctx, repo, cfg.Worker.MaxRetries)

	var wg sync.WaitGroup

	if cfg.Worker.Enabled {
		handler, closeHandler := newEventHandler(ctx, cfg)
		defer closeHandler()

		worker := processor.NewInboxProcessor(repo, handler, cfg.Worker)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	if cfg.HTTP.Enabled {
		if cfg.Cache.URL == "" {
			log.Fatal("cache.url is required when http is enabled")
		}
		dedup, err := cache.NewRedisCache(ctx, cfg.Cache)
		if err != nil {
			log.Fatal("Failed to initialize cache: ", err)
		}
		defer dedup.Close()

		router := webhook.NewRouter(webhook.Dependencies{
			Submitter:   ingestion.NewCoordinator(dedup, repo, cfg.Ingestion),
			Store:       repo,
			Cache:       dedup,
			Token:       cfg.HTTP.WebhookToken,
			Version:     cfg.Version,
			Environment: cfg.AppEnv,
		})
		srv := webhook.NewServer(cfg.HTTP, router)

		go func() {
			log.Printf("Webhook server listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("server: %v", err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("http shutdown error: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("Shutdown signal received")
	wg.Wait()
	logInboxStats(context.Background(), repo, cfg.Worker.MaxRetries)
}

// newEventHandler publishes claimed events to the configured broker, or only
// logs them when no broker is configured.
func newEventHandler(ctx context.Context, cfg *config.Settings) (processor.Handler, func()) {
	if cfg.Broker.Type == "" {
		log.Printf("No broker configured, events will only be logged")
		return processor.NoopHandler{}, func() {}
	}

	b, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		log.Fatal("Failed to initialize broker: ", err)
	}
	return broker.NewHandler(b), func() {
		if err := b.Close(); err != nil {
			log.Printf("broker close error: %v", err)
		}
	}
}

func logInboxStats(ctx context.Context, repo store.InboxRepository, maxRetries int) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stats, err := repo.Stats(ctx, maxRetries)
	if err != nil {
		log.Printf("Failed to read inbox stats: %v", err)
		return
	}
	log.Printf("Inbox: pending=%d processed=%d failed=%d exhausted=%d",
		stats.Pending, stats.Processed, stats.Failed, stats.Exhausted)
}
