package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
)

// ProcessingRun is one record per extraction attempt on one input file.
// Created at pipeline start, mutated only by the orchestrator, and treated
// as an append-only audit record once FinishedAt is set.
type ProcessingRun struct {
	ID uuid.UUID

	Filename      string
	FileSizeBytes int
	PageCount     int
	IsScanned     bool

	StartedAt  time.Time
	FinishedAt *time.Time
	DurationMS int64

	Success      bool
	ErrorMessage string
	FinalStatus  constants.DocStatus

	PipelineMode string
	OCRModel     string
	JudgeModel   string

	RawJSON       []byte
	ReasoningText string

	// Repair tracking for the KPI dashboard.
	SchemaRepairAttempted   bool
	SchemaRepairSuccess     bool
	BusinessRepairAttempted bool
	BusinessRepairSuccess   bool

	InitialScore int
	FinalScore   int
	// ScoreImprovement = FinalScore - InitialScore; only meaningful when
	// business repair was attempted.
	ScoreImprovement int
}

// ExtractedDocument is one record per distinct business document found
// inside a run's input.
type ExtractedDocument struct {
	ID            uuid.UUID
	RunID         uuid.UUID
	DocumentIndex int

	BANumber     string
	VendorNumber int
	VendorName   string
	DocumentDate *time.Time
	DocumentType string
	NetTotal     *float64
	ItemCount    int

	Score        int
	InitialScore int
	NeedsReview  bool
	HasTemplate  bool

	ExportXML string

	// Optional reference into the operative queue; the trace and queue
	// worlds are linked by this, never by a hard join.
	QueueDocumentID *uuid.UUID

	Penalties []ScorePenalty
	Signals   []ScoreSignal
}

// ScorePenalty is an immutable child record explaining one deduction.
type ScorePenalty struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Points     int
	Reason     string
	Category   constants.PenaltyCategory
}

// ScoreSignal is an immutable child record for an informational signal or a
// bonus that was applied.
type ScoreSignal struct {
	ID          uuid.UUID
	DocumentID  uuid.UUID
	Text        string
	Bonus       bool
	BonusPoints int
}
