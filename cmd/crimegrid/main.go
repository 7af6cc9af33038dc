// Command crimegrid consumes crime events from Kafka, maintains per-cell
// hourly aggregates and serves grid, forecast and nearby queries over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	httpadapter "github.com/couchcryptid/crime-grid-engine/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/crime-grid-engine/internal/adapter/kafka"
	"github.com/couchcryptid/crime-grid-engine/internal/config"
	"github.com/couchcryptid/crime-grid-engine/internal/engine"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
	"github.com/couchcryptid/crime-grid-engine/internal/pipeline"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	eng, st, err := engine.FromConfig(cfg, clockwork.NewRealClock(), metrics, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	reader := kafkaadapter.NewReader(cfg, logger)
	var (
		writer    *kafkaadapter.Writer
		publisher pipeline.Publisher
	)
	if cfg.KafkaPublishAggregates {
		writer = kafkaadapter.NewWriter(cfg, logger)
		publisher = writer
	} else {
		logger.Info("aggregate publishing disabled")
	}
	transformer := pipeline.NewTransformer(logger)

	p := pipeline.New(reader, transformer, eng, publisher, logger, metrics, cfg.BatchSize)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	// The reader, writer and store stay open until the in-flight batch is
	// ingested and flushed.
	select {
	case <-pipelineDone:
	case <-shutdownCtx.Done():
		logger.Error("pipeline did not stop before shutdown timeout")
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}
