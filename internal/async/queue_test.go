package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// panickyProcessor panics on the configured document and records everything
// else it processed.
type panickyProcessor struct {
	mu      sync.Mutex
	panicOn uuid.UUID
	done    []uuid.UUID
	seen    chan uuid.UUID
}

func newPanickyProcessor(panicOn uuid.UUID) *panickyProcessor {
	return &panickyProcessor{panicOn: panicOn, seen: make(chan uuid.UUID, 16)}
}

func (p *panickyProcessor) ProcessQueued(_ context.Context, docID uuid.UUID) error {
	defer func() { p.seen <- docID }()
	if docID == p.panicOn {
		panic("slice bounds out of range")
	}
	p.mu.Lock()
	p.done = append(p.done, docID)
	p.mu.Unlock()
	return nil
}

func TestWorkerSurvivesProcessorPanic(t *testing.T) {
	bad := uuid.New()
	good := uuid.New()
	proc := newPanickyProcessor(bad)

	q := NewProcessorQueue(proc, nil, WithWorkers(1), WithQueueSize(4))

	if err := q.Enqueue(context.Background(), Job{DocumentID: bad, SubmittedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(context.Background(), Job{DocumentID: good, SubmittedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The single worker must survive the first job's panic and still
	// process the second one.
	for i := 0; i < 2; i++ {
		select {
		case <-proc.seen:
		case <-time.After(5 * time.Second):
			t.Fatal("worker stalled: the panic was not confined to its job")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.done) != 1 || proc.done[0] != good {
		t.Errorf("expected the non-panicking job to complete, got %v", proc.done)
	}
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	proc := newPanickyProcessor(uuid.Nil)

	q := NewProcessorQueue(proc, nil, WithWorkers(2), WithQueueSize(8))
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		id := uuid.New()
		ids = append(ids, id)
		if err := q.Enqueue(context.Background(), Job{DocumentID: id, SubmittedAt: time.Now()}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.done) != len(ids) {
		t.Errorf("expected %d drained jobs, got %d", len(ids), len(proc.done))
	}

	// Enqueue after shutdown is a logged no-op, never a send on a closed
	// channel.
	if err := q.Enqueue(context.Background(), Job{DocumentID: uuid.New()}); err != nil {
		t.Errorf("post-shutdown enqueue must not fail: %v", err)
	}
}
