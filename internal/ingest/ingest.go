// Package ingest owns the upload-to-queue path: it persists incoming files
// under the data directory, creates the operative queue row, and runs the
// pipeline for queued documents, mirroring the outcome back onto the row.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/common"
	"github.com/confirmd/confirmd/internal/entity"
	"github.com/confirmd/confirmd/internal/pipeline"
)

// QueueStore is the slice of the queue repository ingest needs.
type QueueStore interface {
	Create(ctx context.Context, doc *entity.QueueDocument) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.QueueDocument, error)
	SetStatus(ctx context.Context, id uuid.UUID, status constants.DocStatus, now time.Time) error
	ApplyOutcome(ctx context.Context, id uuid.UUID, status constants.DocStatus, baNumber, vendorName string, totalValue *float64, score *int, now time.Time) error
}

// Service wires uploads into the queue and the queue into the pipeline.
type Service struct {
	logger  *slog.Logger
	queue   QueueStore
	orch    *pipeline.Orchestrator
	dataDir string
	now     func() time.Time
}

func NewService(logger *slog.Logger, queue QueueStore, orch *pipeline.Orchestrator, dataDir string) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger, queue: queue, orch: orch, dataDir: dataDir, now: time.Now}
}

// Accept stores the uploaded bytes and creates a NEW queue document. The
// file lands under dataDir/<id>/<filename> so concurrent uploads of the same
// filename never collide.
func (s *Service) Accept(ctx context.Context, fileBytes []byte, filename string) (*entity.QueueDocument, error) {
	if len(fileBytes) == 0 {
		return nil, common.NewAppError("INVALID_INPUT", "empty upload", common.ErrInvalidInput)
	}
	filename = filepath.Base(filename)
	if filename == "" || filename == "." {
		return nil, common.NewAppError("INVALID_INPUT", "filename is required", common.ErrInvalidInput)
	}
	ext := constants.NormalizeExt(filepath.Ext(filename))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		return nil, common.NewAppError("UNSUPPORTED_TYPE",
			fmt.Sprintf("unsupported file extension %q", ext), common.ErrStructuralInput)
	}

	id := uuid.New()
	dir := filepath.Join(s.dataDir, id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, fileBytes, 0o644); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}

	now := s.now()
	doc := &entity.QueueDocument{
		ID:        id,
		Status:    constants.StatusNew,
		Filename:  filename,
		FilePath:  path,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.queue.Create(ctx, doc); err != nil {
		return nil, err
	}

	s.logger.Info("ingest.accepted", "document_id", id, "filename", filename, "bytes", len(fileBytes))
	return doc, nil
}

// ProcessQueued runs the pipeline for one queue document and mirrors the
// outcome onto the row. Terminal documents are skipped; reprocessing one
// requires a fresh upload.
func (s *Service) ProcessQueued(ctx context.Context, docID uuid.UUID) error {
	doc, err := s.queue.GetByID(ctx, docID)
	if err != nil {
		return err
	}
	if doc.Status.Terminal() {
		s.logger.Warn("ingest.process.skipped_terminal", "document_id", docID, "status", doc.Status)
		return nil
	}

	fileBytes, err := os.ReadFile(doc.FilePath)
	if err != nil {
		_ = s.queue.SetStatus(ctx, docID, constants.StatusError, s.now())
		return common.WrapError(err, "read stored file")
	}

	if err := s.queue.SetStatus(ctx, docID, constants.StatusOCRRunning, s.now()); err != nil {
		return err
	}

	out, perr := s.orch.ProcessDocument(ctx, fileBytes, doc.Filename, &docID)

	baNumber, vendorName, totalValue := summarize(out)
	var score *int
	if out.Run != nil && out.Status != constants.StatusQuarantine && out.Status != constants.StatusError {
		v := out.Score
		score = &v
	}
	if err := s.queue.ApplyOutcome(ctx, docID, out.Status, baNumber, vendorName, totalValue, score, s.now()); err != nil {
		return err
	}
	return perr
}

// summarize lifts the first extracted document's business fields onto the
// queue row for list views.
func summarize(out pipeline.Outcome) (baNumber, vendorName string, totalValue *float64) {
	if len(out.Documents) == 0 {
		return "", "", nil
	}
	first := out.Documents[0]
	return first.BANumber, first.VendorName, first.NetTotal
}
