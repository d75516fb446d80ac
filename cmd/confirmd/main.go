// confirmd is the long-running service: HTTP API, worker pool and the
// document processing pipeline.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/confirmd/confirmd/internal/async"
	"github.com/confirmd/confirmd/internal/claim"
	"github.com/confirmd/confirmd/internal/common"
	"github.com/confirmd/confirmd/internal/export"
	"github.com/confirmd/confirmd/internal/extract/gemini"
	"github.com/confirmd/confirmd/internal/gate"
	"github.com/confirmd/confirmd/internal/ingest"
	"github.com/confirmd/confirmd/internal/judge"
	"github.com/confirmd/confirmd/internal/pipeline"
	"github.com/confirmd/confirmd/internal/prescan"
	"github.com/confirmd/confirmd/internal/repository"
	"github.com/confirmd/confirmd/internal/repository/memory"
	"github.com/confirmd/confirmd/internal/score"
	"github.com/confirmd/confirmd/internal/server"
	"github.com/confirmd/confirmd/internal/validate"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("confirmd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	// Storage: SQL when a DSN is configured, in-process stores otherwise.
	var (
		queueStore  ingest.QueueStore
		queueFull   claim.Store
		queueReader server.QueueReader
		traceStore  pipeline.TraceRecorder
		traceReader server.TraceReader
		runLister   export.RunLister
		suppliers   prescan.SupplierDirectory
		health      func(ctx context.Context) error
	)
	if cfg.Database.DSN != "" {
		db, err := repository.Open(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		queue := repository.NewQueueRepository(db)
		trace := repository.NewTraceRepository(db)
		queueStore, queueFull, queueReader = queue, queue, queue
		traceStore, traceReader, runLister = trace, trace, trace
		suppliers = repository.NewSupplierRepository(db)
		health = db.HealthCheck
	} else {
		logger.Warn("DB_URL not set, using in-memory stores (data is lost on restart)")
		queue := memory.NewQueueStore()
		trace := memory.NewTraceStore()
		queueStore, queueFull, queueReader = queue, queue, queue
		traceStore, traceReader, runLister = trace, trace, trace
		suppliers = memory.NewSupplierStore()
	}

	validator, err := validate.New()
	if err != nil {
		return err
	}

	extractor := gemini.New(gemini.Config{
		BaseURL:     cfg.Extraction.BaseURL,
		APIKey:      cfg.Extraction.APIKey,
		Model:       cfg.Extraction.Model,
		JudgeModel:  cfg.Extraction.JudgeModel,
		Temperature: cfg.Extraction.Temperature,
		Timeout:     cfg.Extraction.Timeout,
	}, logger)

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Logger:           logger,
		Gate:             gate.New(logger, cfg.Gate.MinFileBytes, cfg.Gate.MaxFileSizeMB, cfg.Gate.MaxPageCount),
		PreScan:          prescan.New(logger, suppliers),
		Extractor:        extractor,
		Judge:            judge.NewCoordinator(logger, extractor, validator),
		Validator:        validator,
		Scorer:           score.NewEngine(score.DefaultConfig()),
		Suppliers:        suppliers,
		Trace:            traceStore,
		Retry:            pipeline.DefaultRetryPolicy(cfg.Extraction.MaxAttempts, cfg.Extraction.RetryBackoff),
		ArchiveThreshold: cfg.Scoring.ArchiveThreshold,
	})

	ingestSvc := ingest.NewService(logger, queueStore, orch, cfg.Server.DataDir)

	jobs := async.NewProcessorQueue(ingestSvc, logger,
		async.WithWorkers(cfg.Workers.Count),
		async.WithQueueSize(cfg.Workers.QueueSize),
		async.WithProcessTimeout(cfg.Workers.ProcessTimeout),
	)

	srv := server.New(
		logger,
		ingestSvc,
		queueReader,
		traceReader,
		claim.NewManager(logger, queueFull, cfg.Claim.TTL),
		export.NewService(runLister, logger),
		jobs,
		health,
	)
	httpSrv := srv.NewHTTPServer(cfg.Server.Addr)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http serving", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	jobs.Shutdown(shutdownCtx)
	logger.Info("stopped")
	return nil
}
