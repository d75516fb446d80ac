package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/common"
	"github.com/confirmd/confirmd/internal/extract"
	"github.com/confirmd/confirmd/internal/judge"
	"github.com/confirmd/confirmd/internal/schema"
)

var mimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
}

// Extract implements extract.Extractor using multimodal generateContent
// with a structured-output schema constraint.
func (c *Client) Extract(ctx context.Context, fileBytes []byte, filename string, hint *extract.TemplateHint) (extract.Result, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("gemini.extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"filename", filename,
		"file_bytes", len(fileBytes),
		"has_template", hint != nil && hint.Coordinates != nil,
	)

	prompt := buildExtractionPrompt(hint)
	raw, err := c.generate(ctx, c.cfg.Model, fileBytes, filename, prompt)
	if err != nil {
		c.log.Error("gemini.extract.failed", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return extract.Result{}, err
	}

	text, err := firstCandidateText(raw)
	if err != nil {
		c.log.Error("gemini.extract.decode_error", "req_id", rid, "error", err)
		return extract.Result{}, err
	}
	if strings.TrimSpace(text) == "" {
		return extract.Result{}, fmt.Errorf("extraction returned empty text")
	}

	payloadJSON := []byte(strings.TrimSpace(text))
	if !json.Valid(payloadJSON) {
		return extract.Result{RawText: text}, fmt.Errorf("extraction returned invalid JSON")
	}

	reasoning := collectReasoning(payloadJSON)

	c.log.Info("gemini.extract.ok",
		"req_id", rid,
		"payload_bytes", len(payloadJSON),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return extract.Result{
		RawJSON:   payloadJSON,
		RawText:   text,
		Reasoning: reasoning,
		ModelID:   c.cfg.Model,
		Elapsed:   time.Since(start),
	}, nil
}

// Repair implements judge.RepairCaller: same multimodal contract, with the
// defect list appended to the prompt.
func (c *Client) Repair(ctx context.Context, req judge.Request) (judge.Response, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("gemini.repair.start",
		"req_id", rid,
		"model", c.cfg.JudgeModel,
		"filename", req.Filename,
		"defects", len(req.Feedback),
	)

	prompt := buildRepairPrompt(req)
	raw, err := c.generate(ctx, c.cfg.JudgeModel, req.FileBytes, req.Filename, prompt)
	if err != nil {
		c.log.Error("gemini.repair.failed", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return judge.Response{}, err
	}

	text, err := firstCandidateText(raw)
	if err != nil {
		return judge.Response{}, err
	}
	payloadJSON := []byte(strings.TrimSpace(text))
	if !json.Valid(payloadJSON) {
		return judge.Response{}, fmt.Errorf("repair returned invalid JSON: %w", common.ErrRepairFailed)
	}

	c.log.Info("gemini.repair.ok", "req_id", rid, "elapsed_ms", time.Since(start).Milliseconds())
	return judge.Response{Payload: payloadJSON, ModelID: c.cfg.JudgeModel}, nil
}

func (c *Client) generate(ctx context.Context, model string, fileBytes []byte, filename, prompt string) ([]byte, error) {
	ext := constants.NormalizeExt(filepath.Ext(filename))
	mime, ok := mimeTypes[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported mime type for %q", filename)
	}

	body := map[string]any{
		"contents": []map[string]any{{
			"role": "user",
			"parts": []map[string]any{
				{"inline_data": map[string]any{
					"mime_type": mime,
					"data":      base64.StdEncoding.EncodeToString(fileBytes),
				}},
				{"text": prompt},
			},
		}},
		"generationConfig": map[string]any{
			"temperature":        c.cfg.Temperature,
			"response_mime_type": "application/json",
			"response_schema":    cleanSchema(schema.BuildConfirmationJSONSchema()),
		},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(c.cfg.BaseURL, "/"), model)
	raw, _, err := extract.SendJSON(ctx, c.http, url, body, map[string]string{"x-goog-api-key": c.cfg.APIKey}, c.log)
	return raw, err
}

func firstCandidateText(raw []byte) (string, error) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no candidates in gemini response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// collectReasoning joins the per-document rationale fields for the audit
// record; a missing one just shortens the text.
func collectReasoning(payloadJSON []byte) string {
	p, err := schema.Decode(payloadJSON)
	if err != nil {
		return ""
	}
	var parts []string
	for _, doc := range p.Documents {
		if r := strings.TrimSpace(doc.Reasoning); r != "" {
			parts = append(parts, r)
		}
	}
	return strings.Join(parts, "\n---\n")
}

// cleanSchema strips keywords the Gemini structured-output endpoint rejects.
func cleanSchema(s map[string]any) map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		if k == "additionalProperties" || k == "pattern" {
			continue
		}
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cleanSchema(vv)
		default:
			out[k] = v
		}
	}
	return out
}

func buildExtractionPrompt(hint *extract.TemplateHint) string {
	var b strings.Builder
	b.WriteString("Extract every purchase confirmation in this document into the given JSON schema. ")
	b.WriteString("Use the dd#mm#yyyy date format. Explain field decisions in the per-document 'reasoning' field. ")
	b.WriteString("Return ONLY JSON.")
	if hint != nil {
		if hint.BANumber != "" {
			fmt.Fprintf(&b, "\nA pre-scan found the procurement reference %s on the first pages; verify it against the document.", hint.BANumber)
		}
		if hint.Coordinates != nil {
			if coords, err := json.Marshal(hint.Coordinates); err == nil {
				fmt.Fprintf(&b, "\nKnown field coordinates for this supplier's layout: %s", coords)
			}
		}
	}
	return b.String()
}

func buildRepairPrompt(req judge.Request) string {
	var b strings.Builder
	b.WriteString("The JSON below was extracted from the attached document but has defects. ")
	b.WriteString("Re-read the document and return a corrected version of the FULL JSON, fixing only what the defect list requires. Return ONLY JSON.\n\n")
	b.WriteString("Current JSON:\n")
	b.Write(req.CurrentPayload)
	b.WriteString("\n\nDefects:\n")
	for _, f := range req.Feedback {
		fmt.Fprintf(&b, "- field %q: %s\n", f.Field, f.Message)
	}
	if req.TemplateCoords != nil {
		if coords, err := json.Marshal(req.TemplateCoords); err == nil {
			fmt.Fprintf(&b, "\nKnown field coordinates for this supplier's layout: %s\n", coords)
		}
	}
	return b.String()
}
