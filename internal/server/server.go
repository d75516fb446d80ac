// Package server exposes the HTTP API: uploads, queue listing, claiming,
// annotation saves and the run report export.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/urfave/negroni"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/async"
	"github.com/confirmd/confirmd/internal/claim"
	"github.com/confirmd/confirmd/internal/entity"
	"github.com/confirmd/confirmd/internal/export"
	"github.com/confirmd/confirmd/internal/ingest"
)

// QueueReader is the read side of the queue the API serves.
type QueueReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.QueueDocument, error)
	List(ctx context.Context, status constants.DocStatus, limit int) ([]entity.QueueDocument, error)
}

// TraceReader is the read side of the audit trail: run summaries and the
// per-run extraction results with their itemized score breakdown.
type TraceReader interface {
	ListRuns(ctx context.Context, limit int) ([]entity.ProcessingRun, error)
	ListDocumentsForRun(ctx context.Context, runID uuid.UUID) ([]entity.ExtractedDocument, error)
}

// Server holds the handler dependencies.
type Server struct {
	logger *slog.Logger
	ingest *ingest.Service
	queue  QueueReader
	trace  TraceReader
	claims *claim.Manager
	export *export.Service
	jobs   async.Queue

	// health pings the backing store; nil means always healthy (dev mode).
	health func(ctx context.Context) error
}

func New(logger *slog.Logger, ing *ingest.Service, queue QueueReader, trace TraceReader, claims *claim.Manager, exp *export.Service, jobs async.Queue, health func(ctx context.Context) error) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, ingest: ing, queue: queue, trace: trace, claims: claims, export: exp, jobs: jobs, health: health}
}

// Routes builds the router with recovery and request logging middleware.
func (s *Server) Routes() *negroni.Negroni {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	r.HandleFunc("/documents", s.handleUpload).Methods("POST")
	r.HandleFunc("/documents/{id}", s.handleGetDocument).Methods("GET")
	r.HandleFunc("/documents/{id}/process", s.handleProcess).Methods("POST")
	r.HandleFunc("/documents/{id}/claim", s.handleClaim).Methods("POST")
	r.HandleFunc("/documents/{id}/release", s.handleRelease).Methods("POST")
	r.HandleFunc("/documents/{id}/escalate", s.handleEscalate).Methods("POST")
	r.HandleFunc("/documents/{id}/annotations", s.handleListAnnotations).Methods("GET")
	r.HandleFunc("/documents/{id}/annotations", s.handleSaveAnnotation).Methods("PUT")

	r.HandleFunc("/queue", s.handleListQueue).Methods("GET")
	r.HandleFunc("/runs", s.handleListRuns).Methods("GET")
	r.HandleFunc("/runs/{id}/documents", s.handleListRunDocuments).Methods("GET")
	r.HandleFunc("/export/runs.xlsx", s.handleExportRuns).Methods("GET")

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.Use(negroni.NewLogger())
	n.UseHandler(r)
	return n
}

// NewHTTPServer wraps the handler in an http.Server with sane timeouts. The
// write timeout leaves room for the XLSX export on large traces.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}
