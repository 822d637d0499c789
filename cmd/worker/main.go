package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/packrelay/api"
	"github.com/angelmondragon/packrelay/internal/relay"
	"github.com/angelmondragon/packrelay/pkg/config"
	"github.com/angelmondragon/packrelay/pkg/db"
	"github.com/angelmondragon/packrelay/pkg/enums"
	"github.com/angelmondragon/packrelay/pkg/health"
	"github.com/angelmondragon/packrelay/pkg/idempotency"
	"github.com/angelmondragon/packrelay/pkg/instance"
	"github.com/angelmondragon/packrelay/pkg/logger"
	"github.com/angelmondragon/packrelay/pkg/metrics"
	"github.com/angelmondragon/packrelay/pkg/migrate"
	"github.com/angelmondragon/packrelay/pkg/notify"
	"github.com/angelmondragon/packrelay/pkg/pubsub"
	"github.com/angelmondragon/packrelay/pkg/queue"
	redisclient "github.com/angelmondragon/packrelay/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "packrelay-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "packrelay-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	workerID := instance.GetID()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":       cfg.App.Env,
		"worker_id": workerID,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	closers := []func() error{dbClient.Close}

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	store := queue.NewStore(dbClient.DB())
	registry := queue.NewRegistry()

	if cfg.GCP.ProjectID != "" {
		redisClient, err := redisclient.New(ctx, cfg.Redis, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap redis", err)
			os.Exit(1)
		}
		closers = append(closers, redisClient.Close)

		pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		closers = append(closers, pubsubClient.Close)

		topics, err := relay.NewTopicMap(cfg.PubSub)
		if err != nil {
			logg.Error(ctx, "failed to build relay topic map", err)
			os.Exit(1)
		}
		guard, err := idempotency.NewManager(redisClient, cfg.Redis.IdempotencyTTL)
		if err != nil {
			logg.Error(ctx, "failed to build idempotency manager", err)
			os.Exit(1)
		}
		relayHandler, err := relay.NewHandler(relay.HandlerParams{
			Topics:      topics,
			PubSub:      pubsubClient,
			Idempotency: guard,
			Logger:      logg,
		})
		if err != nil {
			logg.Error(ctx, "failed to build relay handler", err)
			os.Exit(1)
		}
		registry.Register(enums.KindOutboxEvent, relayHandler)
	} else {
		logg.Warn(ctx, "pubsub relay disabled: no GCP project configured")
	}

	// The notification channel is a latency optimization; the worker still
	// polls on the configured interval when the listener cannot be opened.
	var waiter *notify.Listener
	listener, err := notify.NewListener(cfg.DB.DSN, cfg.Queue.Channel, logg)
	if err != nil {
		logg.Warn(logg.WithField(ctx, "error", err.Error()), "queue listener unavailable; polling only")
	} else {
		waiter = listener
		closers = append(closers, listener.Close)
	}

	monitor := health.NewMonitor(cfg.Queue.StalenessThreshold())
	promRegistry := prometheus.NewRegistry()
	workerMetrics := metrics.NewWorkerMetrics(promRegistry)

	healthServer := &http.Server{
		Addr:              ":" + cfg.Health.Port,
		Handler:           api.NewHandler(workerID, monitor, promRegistry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "health server stopped unexpectedly", err)
		}
	}()

	serviceParams := ServiceParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Store:    store,
		Registry: registry,
		Monitor:  monitor,
		Metrics:  workerMetrics,
		WorkerID: workerID,
	}
	if waiter != nil {
		serviceParams.Listener = waiter
	}
	service, err := NewService(serviceParams)
	if err != nil {
		logg.Error(ctx, "failed to create worker service", err)
		os.Exit(1)
	}

	logg.Info(logg.WithField(ctx, "kinds", registry.Kinds()), "starting queue worker")

	runErr := service.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	closeErr := healthServer.Shutdown(shutdownCtx)
	for _, closeFn := range closers {
		closeErr = multierr.Append(closeErr, closeFn())
	}
	if closeErr != nil {
		logg.Error(ctx, "error during shutdown", closeErr)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logg.Error(ctx, "queue worker stopped unexpectedly", runErr)
		os.Exit(1)
	}

	logg.Info(ctx, "queue worker shutting down gracefully")
}
