package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/async"
	"github.com/confirmd/confirmd/internal/claim"
	"github.com/confirmd/confirmd/internal/entity"
	"github.com/confirmd/confirmd/internal/export"
	"github.com/confirmd/confirmd/internal/ingest"
	"github.com/confirmd/confirmd/internal/repository/memory"
)

// recordingQueue captures enqueued jobs without running workers, so the
// handler tests stay synchronous.
type recordingQueue struct{ jobs []async.Job }

func (q *recordingQueue) Enqueue(_ context.Context, job async.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}
func (q *recordingQueue) Shutdown(context.Context) {}

func newTestServer(t *testing.T) (*httptest.Server, *recordingQueue, *memory.TraceStore) {
	t.Helper()
	queue := memory.NewQueueStore()
	trace := memory.NewTraceStore()
	jobs := &recordingQueue{}

	srv := New(
		nil,
		ingest.NewService(nil, queue, nil, t.TempDir()),
		queue,
		trace,
		claim.NewManager(nil, queue, 15*time.Minute),
		export.NewService(trace, nil),
		jobs,
		nil,
	)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, jobs, trace
}

func uploadFile(t *testing.T, url, filename string, content []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	resp, err := http.Post(url+"/documents", w.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decodeDoc(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(payload)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestUploadCreatesAndEnqueues(t *testing.T) {
	ts, jobs, _ := newTestServer(t)

	resp := uploadFile(t, ts.URL, "order.pdf", []byte("%PDF-1.4 test body"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	doc := decodeDoc(t, resp)
	if doc["status"] != "NEW" {
		t.Errorf("expected NEW, got %v", doc["status"])
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected one queued job, got %d", len(jobs.jobs))
	}

	// The document shows up in the queue listing.
	listResp, err := http.Get(ts.URL + "/queue?status=NEW")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	list := decodeDoc(t, listResp)
	docs := list["documents"].([]any)
	if len(docs) != 1 {
		t.Fatalf("expected one document in queue, got %d", len(docs))
	}
}

func TestUploadWithoutFileRejected(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/documents", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadUnsupportedExtensionRejected(t *testing.T) {
	ts, jobs, _ := newTestServer(t)
	resp := uploadFile(t, ts.URL, "notes.docx", []byte("PK fake archive"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
	if len(jobs.jobs) != 0 {
		t.Errorf("rejected upload must not enqueue a job")
	}
}

func TestGetUnknownDocumentIs404(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/documents/6a1f4e9e-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestClaimConflictMapsTo409(t *testing.T) {
	ts, _, _ := newTestServer(t)
	doc := decodeDoc(t, uploadFile(t, ts.URL, "order.pdf", []byte("%PDF-1.4 test")))
	id := doc["id"].(string)

	resp := postJSON(t, fmt.Sprintf("%s/documents/%s/claim", ts.URL, id), map[string]string{"user": "alice"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first claim: expected 200, got %d", resp.StatusCode)
	}

	resp = postJSON(t, fmt.Sprintf("%s/documents/%s/claim", ts.URL, id), map[string]string{"user": "bob"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("foreign claim: expected 409, got %d", resp.StatusCode)
	}
}

func TestAnnotationSaveAndConflict(t *testing.T) {
	ts, _, _ := newTestServer(t)
	doc := decodeDoc(t, uploadFile(t, ts.URL, "order.pdf", []byte("%PDF-1.4 test")))
	id := doc["id"].(string)

	resp := postJSON(t, fmt.Sprintf("%s/documents/%s/claim", ts.URL, id), map[string]string{"user": "alice"})
	resp.Body.Close()

	save := map[string]any{
		"user":    "alice",
		"source":  "user",
		"fields":  map[string]any{"ba_number": map[string]any{"value": "4512345678"}},
		"version": 0,
	}
	b, _ := json.Marshal(save)
	req, _ := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/documents/%s/annotations", ts.URL, id), bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	ann := decodeDoc(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save: expected 200, got %d (%v)", resp.StatusCode, ann)
	}
	if ann["version"].(float64) != 1 {
		t.Errorf("expected version 1, got %v", ann["version"])
	}

	// Replaying the same stale version is a 409.
	req, _ = http.NewRequest(http.MethodPut, fmt.Sprintf("%s/documents/%s/annotations", ts.URL, id), bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stale save: expected 409, got %d", resp.StatusCode)
	}

	// The history endpoint returns the single saved version.
	histResp, err := http.Get(fmt.Sprintf("%s/documents/%s/annotations", ts.URL, id))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	hist := decodeDoc(t, histResp)
	if anns := hist["annotations"].([]any); len(anns) != 1 {
		t.Errorf("expected one annotation, got %d", len(anns))
	}
}

func TestRunDocumentsIncludeScoreBreakdown(t *testing.T) {
	ts, _, trace := newTestServer(t)

	runID := uuid.New()
	docID := uuid.New()
	run := &entity.ProcessingRun{
		ID:           runID,
		Filename:     "order.pdf",
		StartedAt:    time.Now(),
		FinalStatus:  constants.StatusNeedsReview,
		Success:      true,
		InitialScore: 49,
		FinalScore:   49,
	}
	docs := []entity.ExtractedDocument{{
		ID:           docID,
		RunID:        runID,
		BANumber:     "4512345678",
		DocumentType: "100",
		Score:        49,
		InitialScore: 49,
		NeedsReview:  true,
		Penalties: []entity.ScorePenalty{
			{ID: uuid.New(), DocumentID: docID, Points: 20, Reason: "document date missing or unreadable", Category: constants.CategoryMissingField},
			{ID: uuid.New(), DocumentID: docID, Points: 16, Reason: "arithmetic errors in 3 line items", Category: constants.CategoryMathError},
		},
		Signals: []entity.ScoreSignal{
			{ID: uuid.New(), DocumentID: docID, Text: "rationale present"},
		},
	}}
	if err := trace.RecordRun(context.Background(), run, docs); err != nil {
		t.Fatalf("record run: %v", err)
	}

	listResp, err := http.Get(ts.URL + "/runs")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	list := decodeDoc(t, listResp)
	if runs := list["runs"].([]any); len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}

	detailResp, err := http.Get(fmt.Sprintf("%s/runs/%s/documents", ts.URL, runID))
	if err != nil {
		t.Fatalf("run documents: %v", err)
	}
	detail := decodeDoc(t, detailResp)
	got := detail["documents"].([]any)
	if len(got) != 1 {
		t.Fatalf("expected one document, got %d", len(got))
	}
	doc := got[0].(map[string]any)
	penalties := doc["penalties"].([]any)
	if len(penalties) != 2 {
		t.Fatalf("expected two penalties, got %d", len(penalties))
	}
	first := penalties[0].(map[string]any)
	if first["points"].(float64) != 20 || first["reason"] == "" {
		t.Errorf("penalty breakdown incomplete: %v", first)
	}
	signals := doc["signals"].([]any)
	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(signals))
	}
}

func TestExportRunsXLSX(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/export/runs.xlsx")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Errorf("unexpected content type %q", ct)
	}
}
