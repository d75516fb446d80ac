// Package export renders downstream artifacts: the per-confirmation XML
// handoff payload and the XLSX run report for the KPI dashboard.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/confirmd/confirmd/internal/entity"
)

// RunLister is the slice of the audit trail the report needs.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]entity.ProcessingRun, error)
}

// Service is a tiny façade over the trace repository that produces XLSX
// bytes for the run report.
type Service struct {
	trace  RunLister
	logger *slog.Logger
}

func NewService(trace RunLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{trace: trace, logger: logger}
}

// ExportRunsXLSX returns an XLSX workbook (as bytes) covering the most
// recent runs: one row per run plus a summary sheet with the repair KPIs.
func (s *Service) ExportRunsXLSX(ctx context.Context, limit int) ([]byte, error) {
	start := time.Now()

	runs, err := s.trace.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Runs"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Started",
		"Filename",
		"Status",
		"Initial Score",
		"Final Score",
		"Improvement",
		"Schema Repair",
		"Business Repair",
		"Pages",
		"Duration (ms)",
		"Error",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	var (
		schemaAttempted, schemaOK     int
		businessAttempted, businessOK int
		totalImprovement              int
	)

	row := 2
	for _, r := range runs {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, r.StartedAt.Format("2006-01-02 15:04:05"))
		write(2, r.Filename)
		write(3, string(r.FinalStatus))
		write(4, r.InitialScore)
		write(5, r.FinalScore)
		write(6, r.ScoreImprovement)
		write(7, repairCell(r.SchemaRepairAttempted, r.SchemaRepairSuccess))
		write(8, repairCell(r.BusinessRepairAttempted, r.BusinessRepairSuccess))
		write(9, r.PageCount)
		write(10, r.DurationMS)
		write(11, truncate(r.ErrorMessage, 140))

		if r.SchemaRepairAttempted {
			schemaAttempted++
			if r.SchemaRepairSuccess {
				schemaOK++
			}
		}
		if r.BusinessRepairAttempted {
			businessAttempted++
			if r.BusinessRepairSuccess {
				businessOK++
			}
			totalImprovement += r.ScoreImprovement
		}
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 20)
	_ = f.SetColWidth(sheet, "B", "B", 42)
	_ = f.SetColWidth(sheet, "C", "C", 22)
	_ = f.SetColWidth(sheet, "D", "F", 12)
	_ = f.SetColWidth(sheet, "G", "H", 16)
	_ = f.SetColWidth(sheet, "K", "K", 48)

	const summary = "Summary"
	if _, err := f.NewSheet(summary); err != nil {
		return nil, err
	}
	kpis := [][]any{
		{"Runs", len(runs)},
		{"Schema repairs attempted", schemaAttempted},
		{"Schema repairs successful", schemaOK},
		{"Business repairs attempted", businessAttempted},
		{"Business repairs successful", businessOK},
		{"Total score improvement", totalImprovement},
	}
	for i, kv := range kpis {
		keyCell, _ := excelize.CoordinatesToCellName(1, i+1)
		valCell, _ := excelize.CoordinatesToCellName(2, i+1)
		_ = f.SetCellValue(summary, keyCell, kv[0])
		_ = f.SetCellValue(summary, valCell, kv[1])
	}
	_ = f.SetColWidth(summary, "A", "A", 30)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(runs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func repairCell(attempted, success bool) string {
	switch {
	case !attempted:
		return ""
	case success:
		return "ok"
	default:
		return "failed"
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
