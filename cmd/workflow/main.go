// Package main provides the Inngest workflow worker entry point for slough-ai.
// It runs batched ingestion, the corrected-feedback sync and persona refreshes,
// and consumes ingestion requests queued on NATS.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/juanpark/slough-ai/internal/app"
	"github.com/juanpark/slough-ai/internal/config"
	"github.com/juanpark/slough-ai/internal/queue"
	"github.com/juanpark/slough-ai/internal/workflow"
)

var (
	logger   *zap.Logger
	logLevel = flag.String("log-level", "", "Log level (debug, info, warn, error); default LOG_LEVEL")
	addr     = flag.String("addr", "", "Address to listen on for Inngest events (default: :8080, or ADDR env var)")
	appID    = flag.String("app-id", "", "Inngest App ID; default INNGEST_APP_ID")
	noNATS   = flag.Bool("no-nats", false, "Do not consume ingestion requests from NATS")
)

func main() {
	flag.Parse()

	if *addr == "" {
		*addr = os.Getenv("ADDR")
		if *addr == "" {
			*addr = ":8080"
		}
	}

	cfg := config.DefaultConfig()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *appID != "" {
		cfg.InngestAppID = *appID
	}

	initLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting slough-ai workflow worker",
		zap.String("addr", *addr),
		zap.String("app_id", cfg.InngestAppID),
		zap.String("vector_store", string(cfg.StoreBackend)))

	shutdownCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(shutdownCtx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close()

	jobs := workflow.Jobs{
		Ingester: a.Service,
		Persona:  a.Persona,
	}
	if a.QA != nil {
		jobs.Feedback = a.Service
		jobs.Tenants = a.QA
	} else {
		logger.Warn("No DATABASE_URL; feedback sync and the daily persona refresh are disabled")
	}

	workflowSvc, err := workflow.NewService(workflow.Config{
		AppID:      cfg.InngestAppID,
		SigningKey: cfg.InngestAPIKey,
		EventKey:   cfg.InngestEvent,
		Logger:     logger,
	}, jobs)
	if err != nil {
		logger.Fatal("Failed to create workflow service", zap.Error(err))
	}

	var consumer *queue.IngestConsumer
	if !*noNATS {
		nc, err := queue.Connect(cfg.NATSAddress, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()

		consumer = queue.NewIngestConsumer(nc, a.Service, logger)
		if err := consumer.Start(shutdownCtx); err != nil {
			logger.Fatal("Failed to start ingest consumer", zap.Error(err))
		}
	}

	workflowSvc.Serve(*addr)

	<-shutdownCtx.Done()
	logger.Info("Shutdown signal received, stopping workflow service")

	if consumer != nil {
		consumer.Stop()
	}
	stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := workflowSvc.Shutdown(stopCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	logger.Info("Workflow worker stopped gracefully")
}

func initLogger(level string) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewDevelopmentConfig()
	config.Level = zapLevel
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ = config.Build()
}
