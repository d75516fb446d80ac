package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/common"
	"github.com/confirmd/confirmd/internal/entity"
	"github.com/confirmd/confirmd/internal/repository/memory"
)

func newTestManager(t *testing.T) (*Manager, *memory.QueueStore, uuid.UUID) {
	t.Helper()
	store := memory.NewQueueStore()
	m := NewManager(nil, store, 15*time.Minute)

	id := uuid.New()
	now := time.Now()
	err := store.Create(context.Background(), &entity.QueueDocument{
		ID:        id,
		Status:    constants.StatusNeedsReview,
		Filename:  "order.pdf",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return m, store, id
}

func TestClaimLifecycle(t *testing.T) {
	m, _, id := newTestManager(t)
	ctx := context.Background()

	doc, err := m.Claim(ctx, id, "alice")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if doc.ClaimedBy != "alice" || doc.ClaimExpiresAt == nil {
		t.Fatalf("claim not recorded: %+v", doc)
	}

	// Refreshing one's own claim extends the lease.
	if _, err := m.Claim(ctx, id, "alice"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// A second user bounces off the live claim.
	if _, err := m.Claim(ctx, id, "bob"); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected conflict for bob, got %v", err)
	}

	if err := m.Release(ctx, id, "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Releasing an unclaimed document stays a no-op.
	if err := m.Release(ctx, id, "alice"); err != nil {
		t.Fatalf("idempotent release: %v", err)
	}

	if _, err := m.Claim(ctx, id, "bob"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestReleaseForeignClaimConflicts(t *testing.T) {
	m, _, id := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Claim(ctx, id, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := m.Release(ctx, id, "bob"); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected conflict releasing a foreign claim, got %v", err)
	}
}

func TestExpiredClaimIsTakeable(t *testing.T) {
	m, _, id := newTestManager(t)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	if _, err := m.Claim(ctx, id, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// One second past the lease, bob may take over.
	m.now = func() time.Time { return base.Add(15*time.Minute + time.Second) }
	doc, err := m.Claim(ctx, id, "bob")
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if doc.ClaimedBy != "bob" {
		t.Errorf("expected bob to hold the claim, got %q", doc.ClaimedBy)
	}
}

func TestSaveAnnotationVersioning(t *testing.T) {
	m, store, id := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Claim(ctx, id, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	fields := map[string]entity.FieldAnnotation{
		"ba_number": {Value: "4512345678", BBox: &entity.BBox{Page: 1, X0: 10, Y0: 20, X1: 110, Y1: 35}},
	}
	ann, err := m.SaveAnnotation(ctx, id, "alice", "user", fields, 0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if ann.Version != 1 {
		t.Errorf("expected version 1, got %d", ann.Version)
	}

	doc, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("document version not bumped: %d", doc.Version)
	}
	if doc.Status != constants.StatusHealed {
		t.Errorf("user save must move the document to HEALED, got %s", doc.Status)
	}

	// Re-sending the stale version must conflict, not overwrite.
	if _, err := m.SaveAnnotation(ctx, id, "alice", "user", fields, 0); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}

	// Saving against the fresh version appends a second row.
	if _, err := m.SaveAnnotation(ctx, id, "alice", "user", fields, 1); err != nil {
		t.Fatalf("second save: %v", err)
	}
	history, err := m.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 annotation versions, got %d", len(history))
	}
	if history[0].Version != 2 || history[1].Version != 1 {
		t.Errorf("history must be newest first: %d, %d", history[0].Version, history[1].Version)
	}

	latest, err := m.Latest(ctx, id)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("expected latest version 2, got %d", latest.Version)
	}
}

func TestSaveAnnotationRequiresClaim(t *testing.T) {
	m, _, id := newTestManager(t)
	ctx := context.Background()

	fields := map[string]entity.FieldAnnotation{"vendor_name": {Value: "Stahlbau Nord GmbH"}}
	if _, err := m.SaveAnnotation(ctx, id, "alice", "user", fields, 0); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected conflict without a claim, got %v", err)
	}

	// Model-sourced annotations bypass the claim requirement.
	if _, err := m.SaveAnnotation(ctx, id, "pipeline", "model", fields, 0); err != nil {
		t.Fatalf("model save: %v", err)
	}
}

func TestEscalateRequiresLiveClaim(t *testing.T) {
	m, store, id := newTestManager(t)
	ctx := context.Background()

	if err := m.Escalate(ctx, id, "alice"); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("escalate without claim: expected conflict, got %v", err)
	}
	if _, err := m.Claim(ctx, id, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := m.Escalate(ctx, id, "bob"); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("foreign escalate: expected conflict, got %v", err)
	}
	if err := m.Escalate(ctx, id, "alice"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	doc, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Status != constants.StatusNeedsReviewCritical {
		t.Errorf("expected NEEDS_REVIEW_CRITICAL, got %s", doc.Status)
	}

	// Terminal documents are off limits even for the claim holder.
	if err := store.SetStatus(ctx, id, constants.StatusValid, time.Now()); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := m.Escalate(ctx, id, "alice"); !errors.Is(err, common.ErrConflict) {
		t.Errorf("terminal escalate: expected conflict, got %v", err)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	m, _, id := newTestManager(t)
	ctx := context.Background()

	const users = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := string(rune('a' + n))
			if _, err := m.Claim(ctx, id, user); err == nil {
				mu.Lock()
				wins = append(wins, user)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("expected exactly one winning claim, got %d (%v)", len(wins), wins)
	}
}
