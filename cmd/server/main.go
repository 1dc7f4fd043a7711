// Package main is the slough-ai HTTP API: answers, streamed answers,
// ingestion and feedback.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/juanpark/slough-ai/internal/app"
	"github.com/juanpark/slough-ai/internal/config"
	"github.com/juanpark/slough-ai/internal/queue"
	"github.com/juanpark/slough-ai/internal/server"
)

var (
	logger   *zap.Logger
	logLevel = flag.String("log-level", "", "Log level (debug, info, warn, error); default LOG_LEVEL")
	port     = flag.String("port", "", "HTTP port; default PORT")
	noNATS   = flag.Bool("no-nats", false, "Run without publishing events to NATS")
)

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *port != "" {
		cfg.Port = *port
	}

	initLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close()

	deps := server.Deps{
		Service: a.Service,
		Limiter: a.Limiter,
	}
	if a.QA != nil {
		deps.QA = a.QA
	}

	if !*noNATS {
		nc, err := queue.Connect(cfg.NATSAddress, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Drain()
		pub := queue.NewPublisher(nc, logger)
		deps.Events = pub
		deps.IngestQueue = pub
		logger.Info("Connected to NATS", zap.String("url", cfg.NATSAddress))
	}

	srv := server.NewServer(deps, logger)
	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		// Streams outlive any fixed write timeout; each websocket frame sets
		// its own deadline.
		WriteTimeout: 0,
	}

	go func() {
		logger.Info("HTTP server starting", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func initLogger(level string) {
	zapLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewDevelopmentConfig()
	config.Level = zapLevel
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ = config.Build()
}
