// confirm-batch runs the processing pipeline over a directory of documents
// without the HTTP service, printing a per-file summary and optionally
// writing the run report workbook.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/common"
	"github.com/confirmd/confirmd/internal/export"
	"github.com/confirmd/confirmd/internal/extract/gemini"
	"github.com/confirmd/confirmd/internal/gate"
	"github.com/confirmd/confirmd/internal/judge"
	"github.com/confirmd/confirmd/internal/pipeline"
	"github.com/confirmd/confirmd/internal/prescan"
	"github.com/confirmd/confirmd/internal/repository/memory"
	"github.com/confirmd/confirmd/internal/score"
	"github.com/confirmd/confirmd/internal/validate"
)

var (
	dirFlag     string
	outFlag     string
	workersFlag int
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "confirm-batch",
	Short: "Process a directory of purchase confirmations",
	Long: "confirm-batch runs every document in a directory through the full\n" +
		"pipeline (gate, prescan, extraction, repair, scoring) and prints the\n" +
		"resulting status and score per file.",
	RunE: runBatch,
}

func init() {
	rootCmd.Flags().StringVar(&dirFlag, "dir", "", "directory to process (required)")
	rootCmd.Flags().StringVar(&outFlag, "out", "", "write the run report XLSX to this path")
	rootCmd.Flags().IntVar(&workersFlag, "workers", 4, "concurrent documents")
	rootCmd.Flags().BoolVar(&verboseFlag, "verbose", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("dir")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type fileResult struct {
	Filename string
	Status   constants.DocStatus
	Score    int
	Reason   string
	Err      error
}

func runBatch(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	level := slog.LevelWarn
	if verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := collectFiles(dirFlag)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no processable files in %s", dirFlag)
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

	suppliers := memory.NewSupplierStore()
	trace := memory.NewTraceStore()

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Logger:           logger,
		Gate:             gate.New(logger, cfg.Gate.MinFileBytes, cfg.Gate.MaxFileSizeMB, cfg.Gate.MaxPageCount),
		PreScan:          prescan.New(logger, suppliers),
		Extractor:        extractor,
		Judge:            judge.NewCoordinator(logger, extractor, validator),
		Validator:        validator,
		Scorer:           score.NewEngine(score.DefaultConfig()),
		Suppliers:        suppliers,
		Trace:            trace,
		Retry:            pipeline.DefaultRetryPolicy(cfg.Extraction.MaxAttempts, cfg.Extraction.RetryBackoff),
		ArchiveThreshold: cfg.Scoring.ArchiveThreshold,
		PipelineMode:     "batch",
	})

	results := processAll(ctx, orch, paths, workersFlag)

	sort.Slice(results, func(i, j int) bool { return results[i].Filename < results[j].Filename })
	var archived, review, rejected, failed int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			fmt.Printf("%-50s ERROR      %v\n", r.Filename, r.Err)
		case r.Status == constants.StatusQuarantine:
			rejected++
			fmt.Printf("%-50s QUARANTINE %s\n", r.Filename, r.Reason)
		case r.Status == constants.StatusValid:
			archived++
			fmt.Printf("%-50s VALID      score=%d\n", r.Filename, r.Score)
		default:
			review++
			fmt.Printf("%-50s %-10s score=%d\n", r.Filename, r.Status, r.Score)
		}
	}
	fmt.Printf("\n%d files: %d archived, %d for review, %d rejected, %d failed\n",
		len(results), archived, review, rejected, failed)

	if outFlag != "" {
		data, err := export.NewService(trace, logger).ExportRunsXLSX(ctx, len(results))
		if err != nil {
			return fmt.Errorf("build report: %w", err)
		}
		if err := os.WriteFile(outFlag, data, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Printf("report written to %s\n", outFlag)
	}

	if failed > 0 {
		return fmt.Errorf("%d files failed", failed)
	}
	return nil
}

func processAll(ctx context.Context, orch *pipeline.Orchestrator, paths []string, workers int) []fileResult {
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan string)
	out := make(chan fileResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				out <- processOne(ctx, orch, path)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, p := range paths {
			select {
			case jobs <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() { wg.Wait(); close(out) }()

	var results []fileResult
	for r := range out {
		results = append(results, r)
	}
	return results
}

func processOne(ctx context.Context, orch *pipeline.Orchestrator, path string) fileResult {
	name := filepath.Base(path)
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return fileResult{Filename: name, Err: err}
	}
	res, err := orch.ProcessDocument(ctx, fileBytes, name, nil)
	if err != nil {
		return fileResult{Filename: name, Err: err}
	}
	return fileResult{Filename: name, Status: res.Status, Score: res.Score, Reason: res.RejectionReason}
}

func collectFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := constants.NormalizeExt(strings.ToLower(filepath.Ext(e.Name())))
		if _, ok := constants.AllowedExtensions[ext]; !ok {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}
