package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"food-payments/config"
	"food-payments/internal/api"
	"food-payments/internal/breaker"
	"food-payments/internal/broker"
	"food-payments/internal/gateway"
	"food-payments/internal/redisclient"
	"food-payments/internal/retry"
	"food-payments/internal/service"
	"food-payments/internal/store"
	"food-payments/internal/tasks"
	"food-payments/internal/util"
	"food-payments/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serviceName = "food-payments"

func main() {

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, serviceName); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting payment service",
		zap.String("role", cfg.Server.Role),
		zap.String("task_broker", cfg.Tasks.Broker))

	tp, err := util.InitTracer(serviceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	checks := map[string]api.ReadinessCheck{}

	var db service.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer pg.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = pg.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		checks["database"] = pg.Ping
		db = pg
		logger.Info("Database connected")
	} else {
		logger.Warn("DATABASE_URL not set, keeping orders in memory")
		db = store.NewMemoryStore()
	}

	var (
		taskBroker tasks.Broker
		locker     service.Locker
	)
	switch cfg.Tasks.Broker {
	case config.TaskBrokerRedis:
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		checks["redis"] = redisClient.Ping
		taskBroker = tasks.NewRedisBroker(redisClient.GetClient())
		locker = redisClient
	default:
		logger.Warn("Using in-process task broker; tasks do not survive restarts")
		taskBroker = tasks.NewMemoryBroker()
		locker = service.NewLocalLocker()
	}

	scheduler := tasks.NewScheduler(taskBroker,
		breaker.New("task-broker", cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout))
	checks["task_broker"] = scheduler.Healthy

	paypal := gateway.NewGuarded(
		gateway.NewPayPalClient(gateway.PayPalConfig{
			BaseURL:      cfg.PayPal.BaseURL,
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			ReturnURL:    cfg.PayPal.ReturnURL,
			CancelURL:    cfg.PayPal.CancelURL,
		}),
		breaker.New("paypal", cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout),
	)

	var events service.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		events = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		logger.Warn("KAFKA_BROKERS not set, order events are not published")
	}

	payments := service.NewPaymentOrchestrator(db, paypal, scheduler, locker, events, service.PaymentConfig{
		GracePeriod:    cfg.Payment.GracePeriod,
		LockTTL:        cfg.Payment.LockTTL,
		LockRetryDelay: cfg.Payment.LockRetry,
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Factor:      cfg.Retry.Factor,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
	})
	orderService := service.NewOrderService(db, payments, scheduler, locker, events, cfg.Payment.Currency)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var paymentWorker *worker.PaymentWorker
	if cfg.Server.Role != config.RoleAPI {
		paymentWorker = worker.NewPaymentWorker(taskBroker, payments,
			cfg.Tasks.Workers, cfg.Tasks.PollInterval, cfg.Tasks.Timeout)
		go func() {
			if err := paymentWorker.Start(workerCtx); err != nil {
				logger.Error("Payment worker error", zap.Error(err))
			}
		}()
	}

	var srv *http.Server
	if cfg.Server.Role != config.RoleWorker {
		if cfg.Server.Env == "production" {
			gin.SetMode(gin.ReleaseMode)
		}

		router := gin.New()
		handler := api.NewHandler(orderService, payments, checks)
		handler.SetupRoutes(router)

		srv = &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
			Handler: router,
		}

		go func() {
			logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Failed to start server", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Tasks.Timeout+10*time.Second)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
	}

	if paymentWorker != nil {
		if err := paymentWorker.Stop(shutdownCtx); err != nil {
			logger.Error("Payment worker did not stop in time", zap.Error(err))
		}
	}

	logger.Info("Service exited")
}
