// Package memory provides in-process implementations of the repository
// contracts. They back the dev/demo mode (empty DB_URL) and the tests; the
// concurrency semantics, in particular the claim and version predicates,
// mirror the SQL implementations exactly.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/common"
	"github.com/confirmd/confirmd/internal/entity"
)

// QueueStore is the in-memory operative queue.
type QueueStore struct {
	mu          sync.Mutex
	docs        map[uuid.UUID]*entity.QueueDocument
	annotations map[uuid.UUID][]entity.Annotation
}

func NewQueueStore() *QueueStore {
	return &QueueStore{
		docs:        make(map[uuid.UUID]*entity.QueueDocument),
		annotations: make(map[uuid.UUID][]entity.Annotation),
	}
}

func (s *QueueStore) Create(ctx context.Context, doc *entity.QueueDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

func (s *QueueStore) GetByID(ctx context.Context, id uuid.UUID) (*entity.QueueDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, common.NewAppError("NOT_FOUND", fmt.Sprintf("queue document %s", id), common.ErrNotFound)
	}
	cp := *doc
	return &cp, nil
}

func (s *QueueStore) List(ctx context.Context, status constants.DocStatus, limit int) ([]entity.QueueDocument, error) {
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.QueueDocument
	for _, doc := range s.docs {
		if status != "" && doc.Status != status {
			continue
		}
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *QueueStore) SetStatus(ctx context.Context, id uuid.UUID, status constants.DocStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return common.NewAppError("NOT_FOUND", fmt.Sprintf("queue document %s", id), common.ErrNotFound)
	}
	doc.Status = status
	doc.UpdatedAt = now
	return nil
}

func (s *QueueStore) ApplyOutcome(ctx context.Context, id uuid.UUID, status constants.DocStatus, baNumber, vendorName string, totalValue *float64, score *int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return common.NewAppError("NOT_FOUND", fmt.Sprintf("queue document %s", id), common.ErrNotFound)
	}
	doc.Status = status
	doc.BANumber = baNumber
	doc.VendorName = vendorName
	doc.TotalValue = totalValue
	doc.Score = score
	doc.UpdatedAt = now
	return nil
}

func (s *QueueStore) TryClaim(ctx context.Context, id uuid.UUID, user string, expiresAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return common.NewAppError("NOT_FOUND", fmt.Sprintf("queue document %s", id), common.ErrNotFound)
	}
	if doc.ClaimActive(now) && doc.ClaimedBy != user {
		return common.NewAppError("CONFLICT", "document is claimed by another user", common.ErrConflict)
	}
	exp := expiresAt
	doc.ClaimedBy = user
	doc.ClaimExpiresAt = &exp
	doc.UpdatedAt = now
	return nil
}

func (s *QueueStore) ClearClaim(ctx context.Context, id uuid.UUID, user string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return common.NewAppError("NOT_FOUND", fmt.Sprintf("queue document %s", id), common.ErrNotFound)
	}
	if doc.ClaimActive(now) && doc.ClaimedBy != user {
		return common.NewAppError("CONFLICT", "document is claimed by another user", common.ErrConflict)
	}
	doc.ClaimedBy = ""
	doc.ClaimExpiresAt = nil
	doc.UpdatedAt = now
	return nil
}

func (s *QueueStore) SaveAnnotation(ctx context.Context, ann *entity.Annotation, expectedVersion int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ann.DocumentID]
	if !ok {
		return common.NewAppError("NOT_FOUND", fmt.Sprintf("queue document %s", ann.DocumentID), common.ErrNotFound)
	}
	if doc.Version != expectedVersion {
		return common.NewAppError("CONFLICT",
			fmt.Sprintf("stale version %d for document %s", expectedVersion, ann.DocumentID),
			common.ErrConflict)
	}
	doc.Version++
	doc.UpdatedAt = now
	ann.Version = doc.Version
	ann.UpdatedAt = now
	s.annotations[ann.DocumentID] = append(s.annotations[ann.DocumentID], *ann)
	return nil
}

func (s *QueueStore) LatestAnnotation(ctx context.Context, docID uuid.UUID) (*entity.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	anns := s.annotations[docID]
	if len(anns) == 0 {
		return nil, common.NewAppError("NOT_FOUND", fmt.Sprintf("no annotations for document %s", docID), common.ErrNotFound)
	}
	cp := anns[len(anns)-1]
	return &cp, nil
}

func (s *QueueStore) ListAnnotations(ctx context.Context, docID uuid.UUID) ([]entity.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	anns := s.annotations[docID]
	out := make([]entity.Annotation, len(anns))
	for i := range anns {
		out[len(anns)-1-i] = anns[i]
	}
	return out, nil
}

// TraceStore is the in-memory audit trail.
type TraceStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*entity.ProcessingRun
	docs map[uuid.UUID][]entity.ExtractedDocument
}

func NewTraceStore() *TraceStore {
	return &TraceStore{
		runs: make(map[uuid.UUID]*entity.ProcessingRun),
		docs: make(map[uuid.UUID][]entity.ExtractedDocument),
	}
}

func (s *TraceStore) RecordRun(ctx context.Context, run *entity.ProcessingRun, docs []entity.ExtractedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return nil
	}
	cp := *run
	s.runs[run.ID] = &cp
	s.docs[run.ID] = append([]entity.ExtractedDocument(nil), docs...)
	return nil
}

func (s *TraceStore) ListRuns(ctx context.Context, limit int) ([]entity.ProcessingRun, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.ProcessingRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TraceStore) ListDocumentsForRun(ctx context.Context, runID uuid.UUID) ([]entity.ExtractedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.ExtractedDocument(nil), s.docs[runID]...), nil
}

// SupplierStore is the in-memory master data directory.
type SupplierStore struct {
	mu        sync.Mutex
	suppliers map[uuid.UUID]entity.Supplier
	templates map[uuid.UUID]map[string]any // by supplier
	baIndex   map[string]uuid.UUID
}

func NewSupplierStore() *SupplierStore {
	return &SupplierStore{
		suppliers: make(map[uuid.UUID]entity.Supplier),
		templates: make(map[uuid.UUID]map[string]any),
		baIndex:   make(map[string]uuid.UUID),
	}
}

// Seed registers a supplier with its BA numbers and an optional template.
func (s *SupplierStore) Seed(sup entity.Supplier, baNumbers []string, template map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppliers[sup.ID] = sup
	for _, ba := range baNumbers {
		s.baIndex[ba] = sup.ID
	}
	if template != nil {
		s.templates[sup.ID] = template
	}
}

func (s *SupplierStore) LookupBA(ctx context.Context, baNumber string) (*entity.SupplierMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.baIndex[baNumber]
	if !ok {
		return &entity.SupplierMatch{}, nil
	}
	sup := s.suppliers[sid]
	return &entity.SupplierMatch{
		Known:        true,
		SupplierID:   sid,
		SupplierName: sup.Name,
		Template:     s.templates[sid],
	}, nil
}

func (s *SupplierStore) ListSuppliers(ctx context.Context) ([]entity.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Supplier, 0, len(s.suppliers))
	for _, sup := range s.suppliers {
		out = append(out, sup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
