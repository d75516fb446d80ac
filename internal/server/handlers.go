package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/async"
	"github.com/confirmd/confirmd/internal/common"
	"github.com/confirmd/confirmd/internal/entity"
)

// maxUploadBytes bounds the multipart body; the gate enforces the business
// limit, this only protects the parser.
const maxUploadBytes = 64 << 20

type documentResponse struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	BANumber       string     `json:"ba_number,omitempty"`
	VendorName     string     `json:"vendor_name,omitempty"`
	TotalValue     *float64   `json:"total_value,omitempty"`
	Score          *int       `json:"score,omitempty"`
	Filename       string     `json:"filename"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toDocumentResponse(d *entity.QueueDocument) documentResponse {
	return documentResponse{
		ID:             d.ID.String(),
		Status:         string(d.Status),
		BANumber:       d.BANumber,
		VendorName:     d.VendorName,
		TotalValue:     d.TotalValue,
		Score:          d.Score,
		Filename:       d.Filename,
		ClaimedBy:      d.ClaimedBy,
		ClaimExpiresAt: d.ClaimExpiresAt,
		Version:        d.Version,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

type annotationResponse struct {
	ID         string                            `json:"id"`
	DocumentID string                            `json:"document_id"`
	Author     string                            `json:"author"`
	Source     string                            `json:"source"`
	Fields     map[string]entity.FieldAnnotation `json:"fields"`
	Version    int                               `json:"version"`
	UpdatedAt  time.Time                         `json:"updated_at"`
}

func toAnnotationResponse(a *entity.Annotation) annotationResponse {
	return annotationResponse{
		ID:         a.ID.String(),
		DocumentID: a.DocumentID.String(),
		Author:     a.Author,
		Source:     a.Source,
		Fields:     a.Fields,
		Version:    a.Version,
		UpdatedAt:  a.UpdatedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.writeError(w, r, fmt.Errorf("health check: %w", err))
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, r, common.NewAppError("INVALID_INPUT", "invalid multipart body", common.ErrInvalidInput))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, common.NewAppError("INVALID_INPUT", "missing 'file' part", common.ErrInvalidInput))
		return
	}
	defer file.Close()

	fileBytes, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	doc, err := s.ingest.Accept(r.Context(), fileBytes, header.Filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.jobs.Enqueue(r.Context(), async.Job{DocumentID: doc.ID, SubmittedAt: time.Now()}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, toDocumentResponse(doc))
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.queue.GetByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.queue.GetByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if doc.Status.Terminal() {
		s.writeError(w, r, common.NewAppError("CONFLICT",
			fmt.Sprintf("document is %s and cannot be reprocessed", doc.Status), common.ErrConflict))
		return
	}
	if err := s.jobs.Enqueue(r.Context(), async.Job{DocumentID: id, SubmittedAt: time.Now()}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, toDocumentResponse(doc))
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	status := constants.DocStatus(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, common.NewAppError("INVALID_INPUT", "limit must be a non-negative integer", common.ErrInvalidInput))
			return
		}
		limit = n
	}

	docs, err := s.queue.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for i := range docs {
		out = append(out, toDocumentResponse(&docs[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

type claimRequest struct {
	User string `json:"user"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, common.NewAppError("INVALID_INPUT", "invalid json body", common.ErrInvalidInput))
		return
	}
	doc, err := s.claims.Claim(r.Context(), id, req.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, common.NewAppError("INVALID_INPUT", "invalid json body", common.ErrInvalidInput))
		return
	}
	if err := s.claims.Release(r.Context(), id, req.User); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, common.NewAppError("INVALID_INPUT", "invalid json body", common.ErrInvalidInput))
		return
	}
	if err := s.claims.Escalate(r.Context(), id, req.User); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type saveAnnotationRequest struct {
	User    string                            `json:"user"`
	Source  string                            `json:"source"`
	Fields  map[string]entity.FieldAnnotation `json:"fields"`
	Version int                               `json:"version"`
}

func (s *Server) handleSaveAnnotation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req saveAnnotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, common.NewAppError("INVALID_INPUT", "invalid json body", common.ErrInvalidInput))
		return
	}
	if req.Source == "" {
		req.Source = "user"
	}
	ann, err := s.claims.SaveAnnotation(r.Context(), id, req.User, req.Source, req.Fields, req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toAnnotationResponse(ann))
}

func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("latest") == "true" {
		ann, err := s.claims.Latest(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, toAnnotationResponse(ann))
		return
	}
	anns, err := s.claims.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]annotationResponse, 0, len(anns))
	for i := range anns {
		out = append(out, toAnnotationResponse(&anns[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"annotations": out})
}

type runResponse struct {
	ID                      string     `json:"id"`
	Filename                string     `json:"filename"`
	FinalStatus             string     `json:"final_status"`
	Success                 bool       `json:"success"`
	ErrorMessage            string     `json:"error_message,omitempty"`
	PageCount               int        `json:"page_count"`
	IsScanned               bool       `json:"is_scanned"`
	StartedAt               time.Time  `json:"started_at"`
	FinishedAt              *time.Time `json:"finished_at,omitempty"`
	DurationMS              int64      `json:"duration_ms"`
	OCRModel                string     `json:"ocr_model,omitempty"`
	JudgeModel              string     `json:"judge_model,omitempty"`
	SchemaRepairAttempted   bool       `json:"schema_repair_attempted"`
	SchemaRepairSuccess     bool       `json:"schema_repair_success"`
	BusinessRepairAttempted bool       `json:"business_repair_attempted"`
	BusinessRepairSuccess   bool       `json:"business_repair_success"`
	InitialScore            int        `json:"initial_score"`
	FinalScore              int        `json:"final_score"`
	ScoreImprovement        int        `json:"score_improvement"`
}

func toRunResponse(run *entity.ProcessingRun) runResponse {
	return runResponse{
		ID:                      run.ID.String(),
		Filename:                run.Filename,
		FinalStatus:             string(run.FinalStatus),
		Success:                 run.Success,
		ErrorMessage:            run.ErrorMessage,
		PageCount:               run.PageCount,
		IsScanned:               run.IsScanned,
		StartedAt:               run.StartedAt,
		FinishedAt:              run.FinishedAt,
		DurationMS:              run.DurationMS,
		OCRModel:                run.OCRModel,
		JudgeModel:              run.JudgeModel,
		SchemaRepairAttempted:   run.SchemaRepairAttempted,
		SchemaRepairSuccess:     run.SchemaRepairSuccess,
		BusinessRepairAttempted: run.BusinessRepairAttempted,
		BusinessRepairSuccess:   run.BusinessRepairSuccess,
		InitialScore:            run.InitialScore,
		FinalScore:              run.FinalScore,
		ScoreImprovement:        run.ScoreImprovement,
	}
}

type penaltyResponse struct {
	Points   int    `json:"points"`
	Reason   string `json:"reason"`
	Category string `json:"category"`
}

type signalResponse struct {
	Text        string `json:"text"`
	Bonus       bool   `json:"bonus"`
	BonusPoints int    `json:"bonus_points,omitempty"`
}

type extractedDocumentResponse struct {
	ID              string            `json:"id"`
	DocumentIndex   int               `json:"document_index"`
	BANumber        string            `json:"ba_number,omitempty"`
	VendorNumber    int               `json:"vendor_number,omitempty"`
	VendorName      string            `json:"vendor_name,omitempty"`
	DocumentDate    *time.Time        `json:"document_date,omitempty"`
	DocumentType    string            `json:"document_type"`
	NetTotal        *float64          `json:"net_total,omitempty"`
	ItemCount       int               `json:"item_count"`
	Score           int               `json:"score"`
	InitialScore    int               `json:"initial_score"`
	NeedsReview     bool              `json:"needs_review"`
	HasTemplate     bool              `json:"has_template"`
	QueueDocumentID string            `json:"queue_document_id,omitempty"`
	Penalties       []penaltyResponse `json:"penalties"`
	Signals         []signalResponse  `json:"signals"`
}

func toExtractedDocumentResponse(d *entity.ExtractedDocument) extractedDocumentResponse {
	out := extractedDocumentResponse{
		ID:            d.ID.String(),
		DocumentIndex: d.DocumentIndex,
		BANumber:      d.BANumber,
		VendorNumber:  d.VendorNumber,
		VendorName:    d.VendorName,
		DocumentDate:  d.DocumentDate,
		DocumentType:  d.DocumentType,
		NetTotal:      d.NetTotal,
		ItemCount:     d.ItemCount,
		Score:         d.Score,
		InitialScore:  d.InitialScore,
		NeedsReview:   d.NeedsReview,
		HasTemplate:   d.HasTemplate,
		Penalties:     make([]penaltyResponse, 0, len(d.Penalties)),
		Signals:       make([]signalResponse, 0, len(d.Signals)),
	}
	if d.QueueDocumentID != nil {
		out.QueueDocumentID = d.QueueDocumentID.String()
	}
	for _, p := range d.Penalties {
		out.Penalties = append(out.Penalties, penaltyResponse{
			Points:   p.Points,
			Reason:   p.Reason,
			Category: string(p.Category),
		})
	}
	for _, sig := range d.Signals {
		out.Signals = append(out.Signals, signalResponse{
			Text:        sig.Text,
			Bonus:       sig.Bonus,
			BonusPoints: sig.BonusPoints,
		})
	}
	return out
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, common.NewAppError("INVALID_INPUT", "limit must be a non-negative integer", common.ErrInvalidInput))
			return
		}
		limit = n
	}
	runs, err := s.trace.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for i := range runs {
		out = append(out, toRunResponse(&runs[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleListRunDocuments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	docs, err := s.trace.ListDocumentsForRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]extractedDocumentResponse, 0, len(docs))
	for i := range docs {
		out = append(out, toExtractedDocumentResponse(&docs[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) handleExportRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, common.NewAppError("INVALID_INPUT", "limit must be a non-negative integer", common.ErrInvalidInput))
			return
		}
		limit = n
	}
	data, err := s.export.ExportRunsXLSX(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="runs.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, common.NewAppError("INVALID_INPUT", fmt.Sprintf("invalid document id %q", raw), common.ErrInvalidInput)
	}
	return id, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("server.write_json_error", "error", err)
	}
}

// writeError maps the domain sentinels onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, common.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrStructuralInput):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("server.request_failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	msg := err.Error()
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}
