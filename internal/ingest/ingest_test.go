package ingest

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/common"
	"github.com/confirmd/confirmd/internal/entity"
	"github.com/confirmd/confirmd/internal/extract"
	"github.com/confirmd/confirmd/internal/gate"
	"github.com/confirmd/confirmd/internal/judge"
	"github.com/confirmd/confirmd/internal/pipeline"
	"github.com/confirmd/confirmd/internal/prescan"
	"github.com/confirmd/confirmd/internal/repository/memory"
	"github.com/confirmd/confirmd/internal/score"
	"github.com/confirmd/confirmd/internal/validate"
)

const confirmationJSON = `{"documents":[{
	"doc_type":"100",
	"ba_number":"4512345678",
	"vendor_name":"Stahlbau Nord GmbH",
	"document_date":"05#03#2026",
	"currency":"EUR",
	"net_total":350,
	"items":[
		{"position":10,"quantity":10,"unit_price":20,"line_total":200},
		{"position":20,"quantity":30,"unit_price":5,"line_total":150}
	],
	"reasoning":"All fields read directly from the document header."
}]}`

type gateOK struct{}

func (gateOK) Inspect(fileBytes []byte, _ string) gate.Result {
	return gate.Result{Valid: true, DocKind: "pdf", PageCount: 1, NormalizedBytes: fileBytes}
}

type noScan struct{}

func (noScan) Scan(context.Context, []byte, string) prescan.Result { return prescan.Result{} }

// countingExtractor returns a fixed payload and counts invocations.
type countingExtractor struct{ calls int }

func (e *countingExtractor) Extract(context.Context, []byte, string, *extract.TemplateHint) (extract.Result, error) {
	e.calls++
	return extract.Result{RawJSON: []byte(confirmationJSON), ModelID: "test-model"}, nil
}

type noRepair struct{}

func (noRepair) Repair(context.Context, judge.Request) (judge.Response, error) {
	return judge.Response{}, errors.New("repair must not run in these tests")
}

func newTestService(t *testing.T) (*Service, *memory.QueueStore, *countingExtractor) {
	t.Helper()
	validator, err := validate.New()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	suppliers := memory.NewSupplierStore()
	suppliers.Seed(entity.Supplier{ID: uuid.New(), Name: "Stahlbau Nord GmbH"}, []string{"4512345678"}, nil)

	ext := &countingExtractor{}
	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Gate:             gateOK{},
		PreScan:          noScan{},
		Extractor:        ext,
		Judge:            judge.NewCoordinator(nil, noRepair{}, validator),
		Validator:        validator,
		Scorer:           score.NewEngine(score.DefaultConfig()),
		Suppliers:        suppliers,
		Retry:            pipeline.DefaultRetryPolicy(1, 0),
		ArchiveThreshold: 85,
	})

	queue := memory.NewQueueStore()
	return NewService(nil, queue, orch, t.TempDir()), queue, ext
}

func TestAcceptStoresFileAndCreatesRow(t *testing.T) {
	svc, queue, _ := newTestService(t)
	ctx := context.Background()

	doc, err := svc.Accept(ctx, []byte("%PDF-1.4 body"), "order.pdf")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if doc.Status != constants.StatusNew {
		t.Errorf("expected NEW, got %s", doc.Status)
	}
	stored, err := os.ReadFile(doc.FilePath)
	if err != nil {
		t.Fatalf("stored file unreadable: %v", err)
	}
	if string(stored) != "%PDF-1.4 body" {
		t.Errorf("stored bytes differ from upload")
	}
	if _, err := queue.GetByID(ctx, doc.ID); err != nil {
		t.Errorf("queue row missing: %v", err)
	}

	// Same filename again lands in its own directory.
	doc2, err := svc.Accept(ctx, []byte("%PDF-1.4 other"), "order.pdf")
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if doc2.FilePath == doc.FilePath {
		t.Errorf("colliding file paths for independent uploads: %s", doc.FilePath)
	}
}

func TestAcceptRejectsBadUploads(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, nil, "order.pdf"); !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("empty upload: expected invalid input, got %v", err)
	}
	if _, err := svc.Accept(ctx, []byte("PK fake"), "notes.docx"); !errors.Is(err, common.ErrStructuralInput) {
		t.Errorf("bad extension: expected structural rejection, got %v", err)
	}
}

func TestProcessQueuedMirrorsOutcome(t *testing.T) {
	svc, queue, _ := newTestService(t)
	ctx := context.Background()

	doc, err := svc.Accept(ctx, []byte("%PDF-1.4 body"), "order.pdf")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.ProcessQueued(ctx, doc.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := queue.GetByID(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != constants.StatusValid {
		t.Errorf("expected VALID, got %s", got.Status)
	}
	if got.BANumber != "4512345678" || got.VendorName != "Stahlbau Nord GmbH" {
		t.Errorf("business summary not mirrored: %+v", got)
	}
	if got.Score == nil || *got.Score != 100 {
		t.Errorf("expected score 100, got %v", got.Score)
	}
}

func TestProcessQueuedSkipsTerminalDocuments(t *testing.T) {
	svc, queue, ext := newTestService(t)
	ctx := context.Background()

	doc, err := svc.Accept(ctx, []byte("%PDF-1.4 body"), "order.pdf")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := queue.SetStatus(ctx, doc.ID, constants.StatusQuarantine, time.Now()); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if err := svc.ProcessQueued(ctx, doc.ID); err != nil {
		t.Fatalf("process terminal: %v", err)
	}
	if ext.calls != 0 {
		t.Errorf("terminal document must not reach extraction, got %d calls", ext.calls)
	}
	got, _ := queue.GetByID(ctx, doc.ID)
	if got.Status != constants.StatusQuarantine {
		t.Errorf("terminal status must not change, got %s", got.Status)
	}
}
