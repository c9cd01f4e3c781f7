/**
 * @description
 * This is the main entry point for the rewards-service. It loads configuration, connects
 * to PostgreSQL, Redis, RabbitMQ, and the payout provider, wires the rewards engines
 * together, and starts the admin HTTP API, the payout webhook consumer, and the
 * maintenance scheduler.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Distributed cycle lock.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/payoutclient: Client for the batch payout provider.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/rewards-service/internal/api"
	"github.com/transfa/rewards-service/internal/app"
	"github.com/transfa/rewards-service/internal/config"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/logging"
	"github.com/transfa/rewards-service/pkg/metrics"
	"github.com/transfa/rewards-service/pkg/payoutclient"
	rmrabbit "github.com/transfa/rewards-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const webhookPrefetch = 20

func main() {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=bootstrap msg=\".env load failed\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer logger.Sync()
	bootLog := logging.Component(logger, "bootstrap")

	if strings.TrimSpace(cfg.InternalAPIKey) == "" && strings.TrimSpace(cfg.AdminJWKSURL) == "" {
		bootLog.Fatal("no operator authentication configured", zap.Strings("env", []string{"INTERNAL_API_KEY", "ADMIN_JWKS_URL"}))
	}
	bootLog.Info("starting rewards-service", zap.String("port", cfg.ServerPort))

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		bootLog.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()
	bootLog.Info("database connected")

	recorder := metrics.NewRecorder()

	// Without Redis the cycle lock only serialises operations inside this process.
	var locker app.CycleLocker
	if redisClient := connectRedis(cfg.RedisURL, bootLog); redisClient != nil {
		defer redisClient.Close()
		locker = app.NewRedisCycleLocker(redisClient, cfg.RedisLockPrefix, cfg.CycleLockTTL(), cfg.CycleLockWait(),
			recorder, logging.Component(logger, "cycle_lock"))
	} else {
		bootLog.Warn("redis unavailable; cycle lock is process-local")
		locker = app.NewLocalCycleLocker(cfg.CycleLockWait(), recorder)
	}

	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	} else {
		publisher = rabbitProducer
		bootLog.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	// A nil provider keeps selection available while payouts answer provider_unavailable.
	var provider app.PayoutProvider
	if strings.TrimSpace(cfg.PayoutProviderBaseURL) == "" {
		bootLog.Warn("payout provider not configured; disbursements disabled", zap.String("env", "PAYOUT_PROVIDER_BASE_URL"))
	} else {
		provider = payoutclient.NewClient(cfg.PayoutProviderBaseURL, cfg.PayoutProviderAPIKey, cfg.ProviderTimeout(),
			logging.Component(logger, "payout_client"))
	}

	var drawer *app.Drawer
	if cfg.SelectionSeed != 0 {
		bootLog.Warn("selection draws are seeded; use only for replaying a draw", zap.Uint64("seed", cfg.SelectionSeed))
		drawer = app.NewSeededDrawer(cfg.SelectionSeed)
	}

	repository := store.NewPostgresRepository(dbpool)
	rewardsService := app.NewService(app.ServiceDeps{
		Repo:      repository,
		Provider:  provider,
		Publisher: publisher,
		Locker:    locker,
		Drawer:    drawer,
		Settings: app.PayoutSettings{
			Currency:             cfg.PayoutCurrency,
			ChunkSize:            cfg.PayoutChunkSize,
			ProviderTimeout:      cfg.ProviderTimeout(),
			RetryWindow:          cfg.RetryWindow(),
			MaxAttempts:          cfg.PayoutMaxAttempts,
			UnclaimedPolicy:      app.ParseUnclaimedPolicy(cfg.UnclaimedPolicy),
			ReconcileConcurrency: cfg.ReconcileConcurrency,
			EmailSubject:         cfg.PayoutEmailSubject,
		},
		Metrics: recorder,
		Logger:  logger,
	})
	defer rewardsService.Close()

	// Provider webhooks arrive on the event bus; without a consumer the scheduler's
	// reconcile job is the only way item outcomes are learned.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn("rabbitmq consumer unavailable; relying on polling reconciliation", zap.Error(err))
	} else {
		defer rabbitConsumer.Close()
		payoutConsumer := app.NewPayoutStatusConsumer(rewardsService.Reconciler(), recorder, logging.Component(logger, "consumer"))
		bindings := map[string]func([]byte) bool{
			app.RoutingPatternPayoutItems: payoutConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(app.EventsExchange, cfg.PayoutEventQueue, webhookPrefetch, bindings); err != nil {
			bootLog.Fatal("payout webhook consumer start failed", zap.Error(err))
		}
	}

	scheduler := app.NewScheduler(app.NewJobs(rewardsService, logging.Component(logger, "jobs")), logging.Component(logger, "scheduler"),
		app.JobSchedules{
			Resume:    cfg.ResumeJobSchedule,
			Reconcile: cfg.ReconcileJobSchedule,
			Retry:     cfg.RetryJobSchedule,
		})
	scheduler.Start()

	handlers := api.NewRewardsHandlers(rewardsService, logging.Component(logger, "http"))
	router := api.RewardsRoutes(handlers, api.AuthOptions{
		JWKSURL:        cfg.AdminJWKSURL,
		Audience:       cfg.AdminJWTAudience,
		Issuer:         cfg.AdminJWTIssuer,
		InternalAPIKey: cfg.InternalAPIKey,
	}, recorder.Handler())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Component(logger, "http").Info("server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			bootLog.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	bootLog.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		bootLog.Error("http shutdown failed", zap.Error(err))
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		bootLog.Warn("scheduler jobs still running at shutdown")
	}

	bootLog.Info("shutdown complete")
}

// connectRedis returns a pinged client, or nil when Redis is not configured or unreachable.
func connectRedis(redisURL string, logger *zap.Logger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed", zap.Error(err))
		return nil
	}
	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
