/**
 * @description
 * This is the main entry point for the crowdfunding-service HTTP API. It loads
 * configuration, opens the store (PostgreSQL, or an in-memory ledger when no
 * DATABASE_URL is set), connects the optional RabbitMQ and Redis collaborators,
 * and serves the campaign routes until it receives a termination signal.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads a local .env file for development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Donation rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/crowdfunding-service/internal/api"
	"github.com/transfa/crowdfunding-service/internal/app"
	"github.com/transfa/crowdfunding-service/internal/config"
	"github.com/transfa/crowdfunding-service/internal/store"
	rmrabbit "github.com/transfa/crowdfunding-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting crowdfunding-service\" port=%s", cfg.ServerPort)

	var repository store.Repository
	embeddedWorker := false
	if cfg.DatabaseURL == "" {
		log.Println("level=warn component=bootstrap msg=\"DATABASE_URL not set; using in-memory ledger\"")
		repository = store.NewMemoryRepository()
		embeddedWorker = true
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()

		postgresRepository := store.NewPostgresRepository(dbpool)
		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
		if err := postgresRepository.EnsureSchema(schemaCtx); err != nil {
			cancelSchema()
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		cancelSchema()
		repository = postgresRepository
		log.Println("level=info component=bootstrap msg=\"database connected\"")
	}

	var publisher rmrabbit.Publisher
	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"RABBITMQ_URL not set; events will not be published\"")
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer producer.Close()
		publisher = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var redisClient *redis.Client
	if cfg.DonationRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; donation rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; donation rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; donation rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
				cancelPing()
			}
		}
	}

	clock := app.SystemClock{}
	campaignService := app.NewService(repository, publisher, cfg.EventExchange, app.RentExemptReserve(cfg.ReserveRatePerByte), clock)
	if redisClient != nil {
		campaignService.SetDonationRateLimiter(
			app.NewRedisDonationRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.DonationRateLimitPerMinute),
		)
	}

	// Without a shared database no separate worker can see this ledger, so the
	// outcome job and activity consumer run in-process.
	if embeddedWorker {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
		jobs := app.NewJobs(repository, publisher, cfg.EventExchange, clock, logger)
		scheduler := app.NewScheduler(jobs, logger, cfg.OutcomeJobSchedule)
		if err := scheduler.Start(); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"outcome scheduler start failed\" err=%v", err)
		}
		defer func() { <-scheduler.Stop().Done() }()

		if cfg.RabbitMQURL != "" {
			consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
			if err != nil {
				log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; activity log disabled\" err=%v", err)
			} else {
				defer consumer.Close()
				activity := app.NewActivityConsumer(repository)
				if err := consumer.ConsumeWithBindings(cfg.EventExchange, cfg.ActivityQueue, activity.Bindings()); err != nil {
					log.Printf("level=warn component=bootstrap msg=\"activity consumer start failed\" err=%v", err)
				}
			}
		}
	}

	handlers := api.NewCampaignHandlers(campaignService, cfg.CurrencyExponent)
	router := api.CampaignRoutes(handlers, api.RouterConfig{
		Auth: api.AuthConfig{
			JWKSURL:    cfg.JWKSURL,
			HMACSecret: cfg.JWTHMACSecret,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
		},
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("level=info component=http msg=\"shutdown started\"")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}
