// Package judge coordinates the AI-assisted self-healing stages. Stage 1
// repairs structural defects reported by the validator; stage 2 repairs
// business-quality defects reported by the score engine. Each stage gets
// exactly one attempt per run; a failed repair terminates that escalation
// path instead of looping.
package judge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/confirmd/confirmd/internal/schema"
	"github.com/confirmd/confirmd/internal/score"
	"github.com/confirmd/confirmd/internal/validate"
)

// Feedback is one defect handed to the repair model: a validator error for
// stage 1, an itemized score penalty for stage 2.
type Feedback struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Request is the multimodal document-plus-feedback repair contract.
type Request struct {
	FileBytes      []byte
	Filename       string
	CurrentPayload []byte
	Feedback       []Feedback
	TemplateCoords map[string]any
}

// Response is the raw repair output.
type Response struct {
	Payload []byte
	ModelID string
}

// RepairCaller is the external repair capability; both stages share it.
type RepairCaller interface {
	Repair(ctx context.Context, req Request) (Response, error)
}

// SchemaOutcome reports a stage-1 attempt.
type SchemaOutcome struct {
	Attempted bool
	Succeeded bool
	Payload   []byte // repaired payload when Succeeded
	Errors    []validate.FieldError
	ModelID   string
}

// BusinessOutcome reports a stage-2 attempt.
type BusinessOutcome struct {
	Attempted bool
	Succeeded bool
	Payload   []byte
	Score     int
	Cards     []score.Card
	ModelID   string
}

// RescoreFunc recomputes the average score and per-document cards for a
// candidate payload. Supplied by the orchestrator because scoring needs
// master-data lookups the judge must not own.
type RescoreFunc func(ctx context.Context, p schema.Payload) (int, []score.Card, error)

// Coordinator owns the success predicates of both repair stages.
type Coordinator struct {
	logger    *slog.Logger
	caller    RepairCaller
	validator *validate.Validator
}

func NewCoordinator(logger *slog.Logger, caller RepairCaller, validator *validate.Validator) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger, caller: caller, validator: validator}
}

// RepairSchema runs stage 1. Success iff the validator subsequently reports
// zero errors on the repaired payload.
func (c *Coordinator) RepairSchema(ctx context.Context, fileBytes []byte, filename string, rawPayload []byte, errs []validate.FieldError, templateCoords map[string]any) SchemaOutcome {
	start := time.Now()
	out := SchemaOutcome{Attempted: true, Errors: errs}

	resp, err := c.caller.Repair(ctx, Request{
		FileBytes:      fileBytes,
		Filename:       filename,
		CurrentPayload: rawPayload,
		Feedback:       FromFieldErrors(errs),
		TemplateCoords: templateCoords,
	})
	if err != nil {
		c.logger.Warn("judge.schema_repair.call_failed", "filename", filename, "error", err)
		return out
	}
	out.ModelID = resp.ModelID

	res := c.validator.Validate(resp.Payload)
	if !res.OK {
		c.logger.Info("judge.schema_repair.still_invalid",
			"filename", filename,
			"remaining_errors", len(res.Errors),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		out.Errors = res.Errors
		return out
	}

	c.logger.Info("judge.schema_repair.ok", "filename", filename, "elapsed_ms", time.Since(start).Milliseconds())
	out.Succeeded = true
	out.Payload = resp.Payload
	out.Errors = nil
	return out
}

// RepairBusiness runs stage 2. Success iff the recomputed score is strictly
// higher than before and the payload remains structurally valid.
func (c *Coordinator) RepairBusiness(ctx context.Context, fileBytes []byte, filename string, currentPayload []byte, currentScore int, cards []score.Card, templateCoords map[string]any, rescore RescoreFunc) BusinessOutcome {
	start := time.Now()
	out := BusinessOutcome{Attempted: true, Score: currentScore, Cards: cards}

	feedback := FromPenalties(cards)
	if len(feedback) == 0 {
		c.logger.Info("judge.business_repair.no_penalties", "filename", filename)
		return out
	}

	resp, err := c.caller.Repair(ctx, Request{
		FileBytes:      fileBytes,
		Filename:       filename,
		CurrentPayload: currentPayload,
		Feedback:       feedback,
		TemplateCoords: templateCoords,
	})
	if err != nil {
		c.logger.Warn("judge.business_repair.call_failed", "filename", filename, "error", err)
		return out
	}
	out.ModelID = resp.ModelID

	res := c.validator.Validate(resp.Payload)
	if !res.OK {
		c.logger.Warn("judge.business_repair.broke_schema", "filename", filename, "errors", len(res.Errors))
		return out
	}

	payload, err := schema.Decode(resp.Payload)
	if err != nil {
		c.logger.Warn("judge.business_repair.decode_failed", "filename", filename, "error", err)
		return out
	}

	newScore, newCards, err := rescore(ctx, payload)
	if err != nil {
		c.logger.Warn("judge.business_repair.rescore_failed", "filename", filename, "error", err)
		return out
	}

	if newScore <= currentScore {
		c.logger.Info("judge.business_repair.no_improvement",
			"filename", filename,
			"score_before", currentScore,
			"score_after", newScore,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return out
	}

	c.logger.Info("judge.business_repair.ok",
		"filename", filename,
		"score_before", currentScore,
		"score_after", newScore,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	out.Succeeded = true
	out.Payload = resp.Payload
	out.Score = newScore
	out.Cards = newCards
	return out
}

// FromFieldErrors converts validator errors to repair feedback.
func FromFieldErrors(errs []validate.FieldError) []Feedback {
	fb := make([]Feedback, len(errs))
	for i, e := range errs {
		fb[i] = Feedback{Field: e.FieldPath, Message: e.Message}
	}
	return fb
}

// FromPenalties converts itemized score penalties to repair feedback. The
// business stage sees business feedback, never raw validator output.
func FromPenalties(cards []score.Card) []Feedback {
	var fb []Feedback
	for idx, card := range cards {
		for _, p := range card.Penalties {
			fb = append(fb, Feedback{
				Field:   fmt.Sprintf("documents[%d]", idx),
				Message: fmt.Sprintf("-%d points: %s", p.Points, p.Reason),
			})
		}
	}
	return fb
}
