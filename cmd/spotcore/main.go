package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/spotcore/spotcore/internal/config"
	"github.com/spotcore/spotcore/internal/engine"
	"github.com/spotcore/spotcore/internal/handlers"
	"github.com/spotcore/spotcore/internal/health"
	"github.com/spotcore/spotcore/internal/httpmiddleware"
	"github.com/spotcore/spotcore/internal/kafka"
	"github.com/spotcore/spotcore/internal/logging"
	"github.com/spotcore/spotcore/internal/metrics"
	"github.com/spotcore/spotcore/internal/notify"
	"github.com/spotcore/spotcore/internal/rate"
	"github.com/spotcore/spotcore/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpMetrics := metrics.NewHTTP(registry)
	engineMetrics := engine.NewMetrics(registry)

	ready := health.NewManager(false)

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	notifier, closeNotifier, err := buildNotifier(cfg, logger, registry)
	if err != nil {
		logger.Error("notifier init failed", "error", err)
		os.Exit(1)
	}
	defer closeNotifier()

	commissionRate, err := decimal.NewFromString(cfg.Exchange.CommissionRate)
	if err != nil {
		logger.Error("invalid commission rate", "value", cfg.Exchange.CommissionRate, "error", err)
		os.Exit(1)
	}

	svc := engine.New(store, cfg.Exchange.Symbols, commissionRate, notifier, logger, engineMetrics)

	limiter := buildLimiter(cfg, logger)

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, httpMetrics))
	router.Use(httpmiddleware.Recovery(logger))

	router.GET("/healthz", health.Liveness)
	router.GET("/readyz", ready.Readiness)
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.New(svc, limiter, logger).Register(router, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	ready.SetReady(true)

	go func() {
		logger.Info("spotcore http starting", "addr", httpServer.Addr, "store", cfg.Store.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, logger)
}

func buildStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Store.Backend == "memory" {
		logger.Warn("using in-memory store, state is not durable")
		return storage.NewMemory(cfg.Exchange.LockTimeout), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return storage.NewPostgres(pool), nil
}

func buildNotifier(cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (engine.Notifier, func(), error) {
	if !cfg.Kafka.Enabled {
		return engine.NopNotifier{}, func() {}, nil
	}

	producer, err := kafka.NewProducer(kafka.Options{
		Brokers:      cfg.Kafka.Brokers,
		Version:      cfg.Kafka.Version,
		RetryMax:     cfg.Kafka.Producer.RetryMax,
		RetryBackoff: cfg.Kafka.Producer.RetryBackoff,
		DLQTopic:     cfg.Kafka.Topics.DeadLetter,
	}, logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}

	notifier := notify.NewKafkaNotifier(producer, cfg.Kafka.Topics.TradesMatched, logger)
	return notifier, func() { _ = producer.Close() }, nil
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) rate.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	if cfg.RateLimit.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		return rate.NewRedisLimiter(client, cfg.RateLimit.Limit, cfg.RateLimit.Window, "")
	}
	logger.Info("using in-memory rate limiter")
	return rate.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window)
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
