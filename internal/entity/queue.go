package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
)

// QueueDocument is the operative entity: one row per uploaded file. Its
// lifecycle is independent from ProcessingRun/ExtractedDocument.
type QueueDocument struct {
	ID     uuid.UUID
	Status constants.DocStatus

	// Business summary mirrored from the latest successful extraction.
	BANumber   string
	VendorName string
	TotalValue *float64
	Score      *int

	Filename string
	FilePath string

	// Claiming: which operator holds the edit lock, and until when.
	ClaimedBy      string
	ClaimExpiresAt *time.Time

	// Version is the optimistic concurrency counter; every annotation save
	// increments it.
	Version int

	SupplierID *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClaimActive reports whether the document is validly locked at the given
// instant.
func (d QueueDocument) ClaimActive(now time.Time) bool {
	if d.ClaimedBy == "" || d.ClaimExpiresAt == nil {
		return false
	}
	return d.ClaimExpiresAt.After(now)
}

// BBox is a field location on a rendered page.
type BBox struct {
	Page int     `json:"page"`
	X0   float64 `json:"x0"`
	Y0   float64 `json:"y0"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
}

// FieldAnnotation is one asserted field value with its location.
type FieldAnnotation struct {
	Value any   `json:"value"`
	BBox  *BBox `json:"bbox,omitempty"`
}

// Annotation is a versioned snapshot of user/AI-asserted field values.
// Every save creates a new row; prior versions remain queryable history.
type Annotation struct {
	ID         uuid.UUID
	DocumentID uuid.UUID

	Author string
	Source string // "model" or "user"

	Fields map[string]FieldAnnotation

	Version   int
	UpdatedAt time.Time
}
