// Package main is the entry point for the payops agent service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"payops-agent/internal/config"
	"payops-agent/internal/controlloop"
	"payops-agent/internal/decisionlog"
	apperrors "payops-agent/internal/errors"
	"payops-agent/internal/ingest"
	"payops-agent/internal/kafka"
	"payops-agent/internal/logging"
	"payops-agent/internal/metrics"
	"payops-agent/internal/redisfeed"
	"payops-agent/internal/schema"
	"payops-agent/internal/startup"
)

func main() {
	// Bootstrap logger until the configured one is available
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		slog.Error("invalid logging config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	apperrors.SetProductionMode(cfg.Server.Production)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"tick_interval", cfg.Loop.TickInterval,
		"auth_enabled", cfg.Auth.Enabled,
		"api_keys", cfg.Auth.APIKeys,
		"kafka_enabled", cfg.Kafka.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(ctx)
	if diag.HasErrors() {
		slog.Error("startup diagnostics failed, refusing to start")
		os.Exit(1)
	}

	m := metrics.New()

	// Decision record sinks
	var sinks []decisionlog.Sink
	var producer *kafka.Producer
	var redisSink *redisfeed.Sink

	if cfg.Kafka.Enabled {
		if cfg.Kafka.EnsureTopics {
			if err := kafka.EnsureTopics(ctx, cfg.Kafka, logger); err != nil {
				slog.Error("failed to ensure kafka topics", "error", err)
				os.Exit(1)
			}
		}
		if cfg.Kafka.DecisionTopic != "" {
			producer, err = kafka.NewProducer(cfg.Kafka, logger)
			if err != nil {
				slog.Error("failed to create kafka producer", "error", err)
				os.Exit(1)
			}
			sinks = append(sinks, producer)
		}
	}

	if cfg.Redis.Enabled {
		client, err := redisfeed.NewGoRedisClient(cfg.Redis)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err, "addr", cfg.Redis.Addr)
			os.Exit(1)
		}
		redisSink = redisfeed.NewSink(client, cfg.Redis)
		sinks = append(sinks, redisSink)
	}

	// The publisher outlives the loop so the last records are flushed
	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()

	publisher := decisionlog.NewPublisher(cfg.DecisionLog, sinks...)
	publisher.Start(pubCtx)

	controller := controlloop.New(cfg.Settings(),
		controlloop.WithMetrics(m),
		controlloop.WithRecordSink(publisher),
	)

	validator := schema.NewValidatorWithConfig(cfg.ValidatorConfig())

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled && cfg.Kafka.TransactionTopic != "" {
		consumer, err = kafka.NewConsumer(cfg.Kafka, validator, controller.Enqueue, logger)
		if err != nil {
			slog.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
		consumer.WithDropCounter(controller.CountDropped)
		if err := consumer.StartAsync(); err != nil {
			slog.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
	}

	var loopWG sync.WaitGroup
	loopWG.Add(1)
	go func() {
		defer loopWG.Done()
		if err := controller.Run(ctx); err != nil {
			slog.Error("control loop error", "error", err)
		}
	}()

	// Setup HTTP routes
	handler := ingest.NewHandler(controller, validator).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize).
		WithMaxPage(cfg.Ingest.MaxDecisionsPage)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", m.Handler())

	var limiter *ingest.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = ingest.NewRateLimiter(cfg.RateLimit)
		defer limiter.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(mux, cfg, m, limiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting api server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests and transactions
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
	}

	// Stop the loop, then flush its records
	cancel()
	loopWG.Wait()
	publisher.Stop()
	pubCancel()

	if producer != nil {
		if err := producer.Close(); err != nil {
			slog.Error("kafka producer close error", "error", err)
		}
	}
	if redisSink != nil {
		if err := redisSink.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	st := controller.Status()
	pm := publisher.Metrics()
	slog.Info("shutdown complete",
		"ticks", st.Tick,
		"transactions_pushed", st.Feed.Pushed,
		"transactions_dropped", st.Feed.Dropped,
		"records_published", pm.Published,
		"records_dropped", pm.Dropped,
		"publish_errors", pm.Errors,
	)
}
