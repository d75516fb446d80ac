package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/entity"
)

// TraceRepository persists the append-only processing audit trail.
type TraceRepository struct {
	db *DB
}

func NewTraceRepository(db *DB) *TraceRepository {
	return &TraceRepository{db: db}
}

// RecordRun writes a finished run with its documents, penalties and signals
// in one transaction. Keyed by run ID with conflict-skip inserts, so a
// retried recording of the same run is a no-op.
func (r *TraceRepository) RecordRun(ctx context.Context, run *entity.ProcessingRun, docs []entity.ExtractedDocument) error {
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.db.rebind(`
			INSERT INTO processing_runs (
				id, filename, file_size_bytes, page_count, is_scanned,
				started_at, finished_at, duration_ms,
				success, error_message, final_status, pipeline_mode,
				ocr_model, judge_model, raw_json, reasoning_text,
				schema_repair_attempted, schema_repair_success,
				business_repair_attempted, business_repair_success,
				initial_score, final_score, score_improvement
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (id) DO NOTHING`),
			run.ID.String(), run.Filename, run.FileSizeBytes, run.PageCount, boolInt(run.IsScanned),
			encodeTime(run.StartedAt), encodeTimePtr(run.FinishedAt), run.DurationMS,
			boolInt(run.Success), run.ErrorMessage, string(run.FinalStatus), run.PipelineMode,
			run.OCRModel, run.JudgeModel, string(run.RawJSON), run.ReasoningText,
			boolInt(run.SchemaRepairAttempted), boolInt(run.SchemaRepairSuccess),
			boolInt(run.BusinessRepairAttempted), boolInt(run.BusinessRepairSuccess),
			run.InitialScore, run.FinalScore, run.ScoreImprovement,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already recorded; documents were written with it.
			return nil
		}

		for _, doc := range docs {
			var queueID any
			if doc.QueueDocumentID != nil {
				queueID = doc.QueueDocumentID.String()
			}
			var docDate any
			if doc.DocumentDate != nil {
				docDate = encodeTime(*doc.DocumentDate)
			}
			if _, err := tx.ExecContext(ctx, r.db.rebind(`
				INSERT INTO extracted_documents (
					id, run_id, document_index, ba_number, vendor_number,
					vendor_name, document_date, document_type, net_total,
					item_count, score, initial_score, needs_review,
					has_template, export_xml, queue_document_id
				) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
				doc.ID.String(), doc.RunID.String(), doc.DocumentIndex, doc.BANumber, doc.VendorNumber,
				doc.VendorName, docDate, doc.DocumentType, doc.NetTotal,
				doc.ItemCount, doc.Score, doc.InitialScore, boolInt(doc.NeedsReview),
				boolInt(doc.HasTemplate), doc.ExportXML, queueID,
			); err != nil {
				return fmt.Errorf("insert document %d: %w", doc.DocumentIndex, err)
			}

			for _, p := range doc.Penalties {
				if _, err := tx.ExecContext(ctx, r.db.rebind(
					`INSERT INTO score_penalties (id, document_id, points, reason, category) VALUES (?,?,?,?,?)`),
					p.ID.String(), doc.ID.String(), p.Points, p.Reason, string(p.Category),
				); err != nil {
					return fmt.Errorf("insert penalty: %w", err)
				}
			}
			for _, s := range doc.Signals {
				if _, err := tx.ExecContext(ctx, r.db.rebind(
					`INSERT INTO score_signals (id, document_id, text, bonus, bonus_points) VALUES (?,?,?,?,?)`),
					s.ID.String(), doc.ID.String(), s.Text, boolInt(s.Bonus), s.BonusPoints,
				); err != nil {
					return fmt.Errorf("insert signal: %w", err)
				}
			}
		}
		return nil
	})
}

// ListRuns returns the most recent runs, newest first.
func (r *TraceRepository) ListRuns(ctx context.Context, limit int) ([]entity.ProcessingRun, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.query(ctx, `
		SELECT id, filename, file_size_bytes, page_count, is_scanned,
		       started_at, finished_at, duration_ms,
		       success, error_message, final_status, pipeline_mode,
		       ocr_model, judge_model, reasoning_text,
		       schema_repair_attempted, schema_repair_success,
		       business_repair_attempted, business_repair_success,
		       initial_score, final_score, score_improvement
		FROM processing_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []entity.ProcessingRun
	for rows.Next() {
		var (
			run                     entity.ProcessingRun
			id, startedAt, status   string
			finishedAt              sql.NullString
			isScanned, success      int
			schemaAtt, schemaOK     int
			businessAtt, businessOK int
		)
		if err := rows.Scan(
			&id, &run.Filename, &run.FileSizeBytes, &run.PageCount, &isScanned,
			&startedAt, &finishedAt, &run.DurationMS,
			&success, &run.ErrorMessage, &status, &run.PipelineMode,
			&run.OCRModel, &run.JudgeModel, &run.ReasoningText,
			&schemaAtt, &schemaOK, &businessAtt, &businessOK,
			&run.InitialScore, &run.FinalScore, &run.ScoreImprovement,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		run.StartedAt, err = decodeTime(startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		run.FinishedAt, err = decodeTimePtr(finishedAt)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		run.IsScanned = isScanned != 0
		run.Success = success != 0
		run.FinalStatus = constants.DocStatus(status)
		run.SchemaRepairAttempted = schemaAtt != 0
		run.SchemaRepairSuccess = schemaOK != 0
		run.BusinessRepairAttempted = businessAtt != 0
		run.BusinessRepairSuccess = businessOK != 0
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListDocumentsForRun returns the extracted documents of one run, ordered
// by their position in the file, with the itemized penalties and signals
// attached.
func (r *TraceRepository) ListDocumentsForRun(ctx context.Context, runID uuid.UUID) ([]entity.ExtractedDocument, error) {
	rows, err := r.db.query(ctx, `
		SELECT id, document_index, ba_number, vendor_number, vendor_name,
		       document_date, document_type, net_total, item_count,
		       score, initial_score, needs_review, has_template,
		       export_xml, queue_document_id
		FROM extracted_documents
		WHERE run_id = ?
		ORDER BY document_index`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []entity.ExtractedDocument
	for rows.Next() {
		var (
			doc              entity.ExtractedDocument
			id               string
			docDate, queueID sql.NullString
			needsReview      int
			hasTemplate      int
			netTotal         sql.NullFloat64
		)
		if err := rows.Scan(
			&id, &doc.DocumentIndex, &doc.BANumber, &doc.VendorNumber, &doc.VendorName,
			&docDate, &doc.DocumentType, &netTotal, &doc.ItemCount,
			&doc.Score, &doc.InitialScore, &needsReview, &hasTemplate,
			&doc.ExportXML, &queueID,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse document id: %w", err)
		}
		doc.RunID = runID
		doc.DocumentDate, err = decodeTimePtr(docDate)
		if err != nil {
			return nil, fmt.Errorf("parse document_date: %w", err)
		}
		if netTotal.Valid {
			doc.NetTotal = &netTotal.Float64
		}
		doc.NeedsReview = needsReview != 0
		doc.HasTemplate = hasTemplate != 0
		if queueID.Valid && queueID.String != "" {
			qid, err := uuid.Parse(queueID.String)
			if err != nil {
				return nil, fmt.Errorf("parse queue document id: %w", err)
			}
			doc.QueueDocumentID = &qid
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range docs {
		if err := r.loadScoreBreakdown(ctx, &docs[i]); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// loadScoreBreakdown attaches the per-document penalties and signals.
func (r *TraceRepository) loadScoreBreakdown(ctx context.Context, doc *entity.ExtractedDocument) error {
	prows, err := r.db.query(ctx, `
		SELECT id, points, reason, category
		FROM score_penalties
		WHERE document_id = ?
		ORDER BY points DESC, reason`, doc.ID.String())
	if err != nil {
		return fmt.Errorf("list penalties: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var (
			p       entity.ScorePenalty
			id, cat string
		)
		if err := prows.Scan(&id, &p.Points, &p.Reason, &cat); err != nil {
			return fmt.Errorf("scan penalty: %w", err)
		}
		p.ID, err = uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("parse penalty id: %w", err)
		}
		p.DocumentID = doc.ID
		p.Category = constants.PenaltyCategory(cat)
		doc.Penalties = append(doc.Penalties, p)
	}
	if err := prows.Err(); err != nil {
		return err
	}

	srows, err := r.db.query(ctx, `
		SELECT id, text, bonus, bonus_points
		FROM score_signals
		WHERE document_id = ?
		ORDER BY bonus DESC, text`, doc.ID.String())
	if err != nil {
		return fmt.Errorf("list signals: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var (
			s     entity.ScoreSignal
			id    string
			bonus int
		)
		if err := srows.Scan(&id, &s.Text, &bonus, &s.BonusPoints); err != nil {
			return fmt.Errorf("scan signal: %w", err)
		}
		s.ID, err = uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("parse signal id: %w", err)
		}
		s.DocumentID = doc.ID
		s.Bonus = bonus != 0
		doc.Signals = append(doc.Signals, s)
	}
	return srows.Err()
}
