/**
 * @description
 * This is the main entry point for the crowdfunding worker.
 * It is a non-HTTP, long-running process that announces campaign outcomes on a cron
 * schedule and records published campaign events into the activity log.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/transfa/crowdfunding-service/internal/app"
	"github.com/transfa/crowdfunding-service/internal/config"
	"github.com/transfa/crowdfunding-service/internal/store"
	rmrabbit "github.com/transfa/crowdfunding-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found; using environment")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required for the worker")
		os.Exit(1)
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewPostgresRepository(dbpool)
	if err := repository.EnsureSchema(ctx); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	var publisher rmrabbit.Publisher
	if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("rabbitmq producer unavailable; outcomes will be recorded without events", "error", err)
	} else {
		defer producer.Close()
		publisher = producer
	}

	var consumer *rmrabbit.Consumer
	if publisher != nil {
		consumer, err = rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("rabbitmq consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		activity := app.NewActivityConsumer(repository)
		if err := consumer.ConsumeWithBindings(cfg.EventExchange, cfg.ActivityQueue, activity.Bindings()); err != nil {
			logger.Error("activity consumer start failed", "error", err)
			os.Exit(1)
		}
		logger.Info("activity consumer started", "queue", cfg.ActivityQueue)
	}

	jobs := app.NewJobs(repository, publisher, cfg.EventExchange, app.SystemClock{}, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.OutcomeJobSchedule)
	if err := scheduler.Start(); err != nil {
		os.Exit(1)
	}
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
