// Package pipeline orchestrates one document's journey from upload to a
// terminal status: gate, prescan, extraction, validation, the two repair
// stages, scoring and routing. Every run ends in exactly one of QUARANTINE,
// VALID, NEEDS_REVIEW or ERROR, and every run leaves an audit record
// regardless of how it ended.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/entity"
	"github.com/confirmd/confirmd/internal/export"
	"github.com/confirmd/confirmd/internal/extract"
	"github.com/confirmd/confirmd/internal/gate"
	"github.com/confirmd/confirmd/internal/judge"
	"github.com/confirmd/confirmd/internal/prescan"
	"github.com/confirmd/confirmd/internal/schema"
	"github.com/confirmd/confirmd/internal/score"
	"github.com/confirmd/confirmd/internal/validate"
)

// Gate is the structural input check the orchestrator runs first.
type Gate interface {
	Inspect(fileBytes []byte, filename string) gate.Result
}

// PreScanner finds the BA number and supplier template before extraction.
type PreScanner interface {
	Scan(ctx context.Context, fileBytes []byte, filename string) prescan.Result
}

// TraceRecorder persists the audit record of a finished run. Recording is
// best-effort: a trace failure is logged but never changes the outcome.
type TraceRecorder interface {
	RecordRun(ctx context.Context, run *entity.ProcessingRun, docs []entity.ExtractedDocument) error
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Logger    *slog.Logger
	Gate      Gate
	PreScan   PreScanner
	Extractor extract.Extractor
	Judge     *judge.Coordinator
	Validator *validate.Validator
	Scorer    *score.Engine
	Suppliers prescan.SupplierDirectory
	Trace     TraceRecorder

	Retry            RetryPolicy
	ArchiveThreshold int
	PipelineMode     string

	// Now is injectable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// Outcome is the result of one pipeline run: the terminal status plus the
// full audit payload for the caller to mirror into the queue.
type Outcome struct {
	Run       *entity.ProcessingRun
	Documents []entity.ExtractedDocument
	Status    constants.DocStatus
	Score     int
	// RejectionReason is set for QUARANTINE outcomes.
	RejectionReason string
	// Payload is the final raw JSON, post-repair when a repair succeeded.
	// Populated for every outcome that got past extraction, including
	// schema-repair quarantines, so reviewers can see what the model produced.
	Payload []byte
}

// Orchestrator runs the full processing state machine.
type Orchestrator struct {
	deps Deps
}

func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Retry.MaxAttempts < 1 {
		deps.Retry = DefaultRetryPolicy(2, 2*time.Second)
	}
	if deps.ArchiveThreshold <= 0 {
		deps.ArchiveThreshold = 85
	}
	if deps.PipelineMode == "" {
		deps.PipelineMode = "standard"
	}
	return &Orchestrator{deps: deps}
}

// ProcessDocument runs one file through the pipeline. queueDocID links the
// audit record to the operative queue row, and may be nil for batch runs.
//
// The returned error is non-nil only for technical failures (extraction
// exhausted, context cancelled); business escalations such as NEEDS_REVIEW
// are successful runs with a non-archival status.
func (o *Orchestrator) ProcessDocument(ctx context.Context, fileBytes []byte, filename string, queueDocID *uuid.UUID) (Outcome, error) {
	d := o.deps
	start := d.Now()

	run := &entity.ProcessingRun{
		ID:            uuid.New(),
		Filename:      filename,
		FileSizeBytes: len(fileBytes),
		StartedAt:     start,
		PipelineMode:  d.PipelineMode,
	}

	d.Logger.Info("pipeline.run.start", "run_id", run.ID, "filename", filename, "file_bytes", len(fileBytes))

	// Step 1: structural gate. Rejections are final, never retried.
	gres := d.Gate.Inspect(fileBytes, filename)
	run.PageCount = gres.PageCount
	run.IsScanned = gres.IsScanned
	if !gres.Valid {
		d.Logger.Warn("pipeline.gate.rejected", "run_id", run.ID, "filename", filename, "reason", gres.RejectionReason)
		out := Outcome{Status: constants.StatusQuarantine, RejectionReason: gres.RejectionReason}
		o.finish(ctx, run, &out, nil, gres.RejectionReason)
		return out, nil
	}
	fileBytes = gres.NormalizedBytes

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, run, err)
	}

	// Step 2: advisory prescan. A miss costs nothing but the template bonus.
	pres := d.PreScan.Scan(ctx, fileBytes, filename)
	hint := templateHint(pres)

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, run, err)
	}

	// Step 3: extraction, with one bounded retry class for transient faults.
	eres, err := o.extractWithRetry(ctx, fileBytes, filename, hint)
	if err != nil {
		d.Logger.Error("pipeline.extract.exhausted", "run_id", run.ID, "filename", filename, "error", err)
		return o.fail(ctx, run, err)
	}
	run.OCRModel = eres.ModelID
	run.RawJSON = eres.RawJSON
	run.ReasoningText = eres.Reasoning

	// Step 4: structural validation, then stage-1 repair on defects.
	// Content-quality findings do not gate here; the score engine prices
	// them and stage 2 handles the repair.
	rawPayload := eres.RawJSON
	vres := d.Validator.Validate(rawPayload)
	if len(vres.Findings) > 0 {
		d.Logger.Debug("pipeline.validate.findings",
			"run_id", run.ID,
			"filename", filename,
			"findings", validate.Summary(vres.Findings),
		)
	}
	if !vres.OK {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, run, err)
		}
		run.SchemaRepairAttempted = true
		so := d.Judge.RepairSchema(ctx, fileBytes, filename, rawPayload, vres.Errors, templateCoords(pres))
		run.SchemaRepairSuccess = so.Succeeded
		if so.ModelID != "" {
			run.JudgeModel = so.ModelID
		}
		if !so.Succeeded {
			// The payload never became well-formed. Quarantine the run but
			// keep the payload so reviewers can see what the model produced.
			reason := validate.Summary(so.Errors)
			d.Logger.Warn("pipeline.validate.unrepairable",
				"run_id", run.ID,
				"filename", filename,
				"errors", reason,
			)
			out := Outcome{Status: constants.StatusQuarantine, RejectionReason: reason, Payload: rawPayload}
			o.finish(ctx, run, &out, nil, reason)
			return out, nil
		}
		rawPayload = so.Payload
		run.RawJSON = rawPayload
	}

	payload, err := schema.Decode(rawPayload)
	if err != nil {
		// Validator passed, so this cannot normally happen; treat as technical.
		return o.fail(ctx, run, fmt.Errorf("decode validated payload: %w", err))
	}

	// Step 5: initial scoring across all documents in the file.
	initial, cards, matches, err := o.scorePayload(ctx, payload)
	if err != nil {
		return o.fail(ctx, run, err)
	}
	run.InitialScore = initial
	finalScore := initial

	// Step 6: stage-2 business repair when the score misses the threshold.
	if initial < d.ArchiveThreshold {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, run, err)
		}
		run.BusinessRepairAttempted = true
		rescore := func(ctx context.Context, p schema.Payload) (int, []score.Card, error) {
			s, cs, _, err := o.scorePayload(ctx, p)
			return s, cs, err
		}
		bo := d.Judge.RepairBusiness(ctx, fileBytes, filename, rawPayload, initial, cards, templateCoords(pres), rescore)
		run.BusinessRepairSuccess = bo.Succeeded
		if bo.ModelID != "" {
			run.JudgeModel = bo.ModelID
		}
		if bo.Succeeded {
			rawPayload = bo.Payload
			run.RawJSON = rawPayload
			p2, derr := schema.Decode(rawPayload)
			if derr != nil {
				return o.fail(ctx, run, fmt.Errorf("decode repaired payload: %w", derr))
			}
			payload = p2
			finalScore = bo.Score
			cards = bo.Cards
			_, _, matches, err = o.scorePayload(ctx, payload)
			if err != nil {
				return o.fail(ctx, run, err)
			}
		}
	}
	run.FinalScore = finalScore
	run.ScoreImprovement = finalScore - initial

	// Step 7: routing. One run, one terminal status.
	status := constants.StatusNeedsReview
	if finalScore >= d.ArchiveThreshold {
		status = constants.StatusValid
	}

	docs, err := o.buildDocuments(run, payload, cards, matches, status, queueDocID)
	if err != nil {
		return o.fail(ctx, run, err)
	}

	out := Outcome{Status: status, Score: finalScore, Payload: rawPayload, Documents: docs}
	o.finish(ctx, run, &out, docs, "")

	d.Logger.Info("pipeline.run.done",
		"run_id", run.ID,
		"filename", filename,
		"status", status,
		"initial_score", initial,
		"final_score", finalScore,
		"documents", len(docs),
		"elapsed_ms", run.DurationMS,
	)
	return out, nil
}

func (o *Orchestrator) extractWithRetry(ctx context.Context, fileBytes []byte, filename string, hint *extract.TemplateHint) (extract.Result, error) {
	d := o.deps
	var last error
	for attempt := 1; attempt <= d.Retry.MaxAttempts; attempt++ {
		res, err := d.Extractor.Extract(ctx, fileBytes, filename, hint)
		if err == nil {
			return res, nil
		}
		last = err
		if !extract.Transient(err) || attempt == d.Retry.MaxAttempts {
			break
		}
		wait := d.Retry.Backoff(attempt)
		d.Logger.Warn("pipeline.extract.retry",
			"filename", filename,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return extract.Result{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return extract.Result{}, last
}

// scorePayload derives the checks and evaluates every document, resolving
// each document's supplier independently by its own BA number.
func (o *Orchestrator) scorePayload(ctx context.Context, p schema.Payload) (int, []score.Card, []*entity.SupplierMatch, error) {
	d := o.deps
	now := d.Now()

	cards := make([]score.Card, len(p.Documents))
	matches := make([]*entity.SupplierMatch, len(p.Documents))
	for i, doc := range p.Documents {
		var match *entity.SupplierMatch
		if d.Suppliers != nil && schema.BANumberPattern.MatchString(doc.BANumber) {
			m, err := d.Suppliers.LookupBA(ctx, doc.BANumber)
			if err != nil {
				return 0, nil, nil, fmt.Errorf("supplier lookup for %s: %w", doc.BANumber, err)
			}
			match = m
		}
		matches[i] = match

		known := match != nil && match.Known
		template := match != nil && match.HasTemplate()
		checks := validate.Analyze(doc, now)
		cards[i] = d.Scorer.Evaluate(doc, checks, known, template)
	}
	return score.Average(cards), cards, matches, nil
}

func (o *Orchestrator) buildDocuments(run *entity.ProcessingRun, p schema.Payload, cards []score.Card, matches []*entity.SupplierMatch, status constants.DocStatus, queueDocID *uuid.UUID) ([]entity.ExtractedDocument, error) {
	docs := make([]entity.ExtractedDocument, 0, len(p.Documents))
	for i, c := range p.Documents {
		doc := entity.ExtractedDocument{
			ID:              uuid.New(),
			RunID:           run.ID,
			DocumentIndex:   i,
			BANumber:        c.BANumber,
			VendorNumber:    c.VendorNumber,
			VendorName:      c.VendorName,
			DocumentType:    c.DocType,
			NetTotal:        c.NetTotal,
			ItemCount:       len(c.Items),
			Score:           cards[i].Value,
			InitialScore:    run.InitialScore,
			NeedsReview:     status != constants.StatusValid,
			QueueDocumentID: queueDocID,
		}
		if t, err := schema.ParseDate(c.DocumentDate); err == nil {
			doc.DocumentDate = &t
		}
		if m := matches[i]; m != nil {
			doc.HasTemplate = m.HasTemplate()
			if doc.VendorName == "" && m.Known {
				doc.VendorName = m.SupplierName
			}
		}
		if status == constants.StatusValid {
			xmlStr, err := export.EncodeConfirmationXML(c)
			if err != nil {
				return nil, fmt.Errorf("export payload for document %d: %w", i, err)
			}
			doc.ExportXML = xmlStr
		}
		for _, pen := range cards[i].Penalties {
			doc.Penalties = append(doc.Penalties, entity.ScorePenalty{
				ID:         uuid.New(),
				DocumentID: doc.ID,
				Points:     pen.Points,
				Reason:     pen.Reason,
				Category:   pen.Category,
			})
		}
		for _, sig := range cards[i].Signals {
			doc.Signals = append(doc.Signals, entity.ScoreSignal{
				ID:          uuid.New(),
				DocumentID:  doc.ID,
				Text:        sig.Text,
				Bonus:       sig.Bonus,
				BonusPoints: sig.Points,
			})
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// finish closes the run record and writes the audit trace.
func (o *Orchestrator) finish(ctx context.Context, run *entity.ProcessingRun, out *Outcome, docs []entity.ExtractedDocument, errMsg string) {
	d := o.deps
	end := d.Now()
	run.FinishedAt = &end
	run.DurationMS = end.Sub(run.StartedAt).Milliseconds()
	run.FinalStatus = out.Status
	run.Success = out.Status == constants.StatusValid || out.Status == constants.StatusNeedsReview
	run.ErrorMessage = errMsg
	out.Run = run

	if d.Trace == nil {
		return
	}
	// The trace must survive caller cancellation; give it its own deadline.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.Trace.RecordRun(tctx, run, docs); err != nil {
		d.Logger.Error("pipeline.trace.record_failed", "run_id", run.ID, "error", err)
	}
}

// fail terminates the run with a technical ERROR status.
func (o *Orchestrator) fail(ctx context.Context, run *entity.ProcessingRun, err error) (Outcome, error) {
	out := Outcome{Status: constants.StatusError}
	o.finish(ctx, run, &out, nil, err.Error())
	return out, err
}

func templateHint(p prescan.Result) *extract.TemplateHint {
	if p.BANumber == "" {
		return nil
	}
	h := &extract.TemplateHint{BANumber: p.BANumber}
	if p.Match != nil {
		h.Coordinates = p.Match.Template
	}
	return h
}

func templateCoords(p prescan.Result) map[string]any {
	if p.Match == nil {
		return nil
	}
	return p.Match.Template
}
