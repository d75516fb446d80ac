// Package claim implements the review queue's edit locking and versioned
// annotation saves. Locks are leases: they expire on their own after the
// TTL, so an operator closing a browser tab never wedges a document.
package claim

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/common"
	"github.com/confirmd/confirmd/internal/entity"
)

// Store is the queue persistence the manager drives. Both the SQL and the
// in-memory repositories satisfy it.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.QueueDocument, error)
	TryClaim(ctx context.Context, id uuid.UUID, user string, expiresAt, now time.Time) error
	ClearClaim(ctx context.Context, id uuid.UUID, user string, now time.Time) error
	SaveAnnotation(ctx context.Context, ann *entity.Annotation, expectedVersion int, now time.Time) error
	SetStatus(ctx context.Context, id uuid.UUID, status constants.DocStatus, now time.Time) error
	LatestAnnotation(ctx context.Context, docID uuid.UUID) (*entity.Annotation, error)
	ListAnnotations(ctx context.Context, docID uuid.UUID) ([]entity.Annotation, error)
}

// Manager enforces the claim lifecycle on top of the store's CAS primitives.
type Manager struct {
	logger *slog.Logger
	store  Store
	ttl    time.Duration

	// now is injectable for deterministic expiry tests.
	now func() time.Time
}

func NewManager(logger *slog.Logger, store Store, ttl time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Manager{logger: logger, store: store, ttl: ttl, now: time.Now}
}

// Claim acquires or refreshes the edit lock on a document for user. It
// succeeds on unclaimed documents, the caller's own claim and expired claims
// by anyone; a live foreign claim returns common.ErrConflict.
func (m *Manager) Claim(ctx context.Context, id uuid.UUID, user string) (*entity.QueueDocument, error) {
	if user == "" {
		return nil, common.NewAppError("INVALID_INPUT", "user is required to claim", common.ErrInvalidInput)
	}
	now := m.now()
	if err := m.store.TryClaim(ctx, id, user, now.Add(m.ttl), now); err != nil {
		return nil, err
	}
	m.logger.Info("claim.acquired", "document_id", id, "user", user, "ttl", m.ttl)
	return m.store.GetByID(ctx, id)
}

// Release drops the caller's claim. Releasing an already unclaimed document
// is a no-op; a live claim held by someone else is a conflict.
func (m *Manager) Release(ctx context.Context, id uuid.UUID, user string) error {
	if user == "" {
		return common.NewAppError("INVALID_INPUT", "user is required to release", common.ErrInvalidInput)
	}
	if err := m.store.ClearClaim(ctx, id, user, m.now()); err != nil {
		return err
	}
	m.logger.Info("claim.released", "document_id", id, "user", user)
	return nil
}

// SaveAnnotation persists a new annotation version. The caller must hold a
// live claim and pass the document version it read; a stale version returns
// common.ErrConflict and the caller re-reads before retrying. User-sourced
// saves also move the document to HEALED.
func (m *Manager) SaveAnnotation(ctx context.Context, docID uuid.UUID, user, source string, fields map[string]entity.FieldAnnotation, expectedVersion int) (*entity.Annotation, error) {
	if user == "" {
		return nil, common.NewAppError("INVALID_INPUT", "user is required to annotate", common.ErrInvalidInput)
	}
	if source != "user" && source != "model" {
		return nil, common.NewAppError("INVALID_INPUT", "source must be 'user' or 'model'", common.ErrInvalidInput)
	}
	now := m.now()

	doc, err := m.store.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if source == "user" {
		if !doc.ClaimActive(now) || doc.ClaimedBy != user {
			return nil, common.NewAppError("CONFLICT", "document is not claimed by this user", common.ErrConflict)
		}
	}

	ann := &entity.Annotation{
		ID:         uuid.New(),
		DocumentID: docID,
		Author:     user,
		Source:     source,
		Fields:     fields,
	}
	if err := m.store.SaveAnnotation(ctx, ann, expectedVersion, now); err != nil {
		return nil, err
	}

	if source == "user" && doc.Status != constants.StatusHealed {
		if err := m.store.SetStatus(ctx, docID, constants.StatusHealed, now); err != nil {
			return nil, err
		}
	}

	m.logger.Info("claim.annotation_saved",
		"document_id", docID,
		"user", user,
		"source", source,
		"version", ann.Version,
	)
	return ann, nil
}

// Escalate moves a claimed document to the critical review tier. The caller
// must hold a live claim; terminal documents cannot be escalated.
func (m *Manager) Escalate(ctx context.Context, docID uuid.UUID, user string) error {
	if user == "" {
		return common.NewAppError("INVALID_INPUT", "user is required to escalate", common.ErrInvalidInput)
	}
	now := m.now()

	doc, err := m.store.GetByID(ctx, docID)
	if err != nil {
		return err
	}
	if !doc.ClaimActive(now) || doc.ClaimedBy != user {
		return common.NewAppError("CONFLICT", "document is not claimed by this user", common.ErrConflict)
	}
	if doc.Status.Terminal() {
		return common.NewAppError("CONFLICT",
			"terminal documents cannot be escalated", common.ErrConflict)
	}

	if err := m.store.SetStatus(ctx, docID, constants.StatusNeedsReviewCritical, now); err != nil {
		return err
	}
	m.logger.Info("claim.escalated", "document_id", docID, "user", user)
	return nil
}

// Latest returns the newest annotation for a document.
func (m *Manager) Latest(ctx context.Context, docID uuid.UUID) (*entity.Annotation, error) {
	return m.store.LatestAnnotation(ctx, docID)
}

// History returns the full annotation history, newest first.
func (m *Manager) History(ctx context.Context, docID uuid.UUID) ([]entity.Annotation, error) {
	return m.store.ListAnnotations(ctx, docID)
}
