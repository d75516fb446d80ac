package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/common"
	"github.com/confirmd/confirmd/internal/entity"
)

// QueueRepository owns the operative queue_documents rows and their
// annotation history. All concurrent mutations go through compare-and-set
// predicates in SQL so two API instances can share one database.
type QueueRepository struct {
	db *DB
}

func NewQueueRepository(db *DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Create inserts a freshly uploaded document.
func (r *QueueRepository) Create(ctx context.Context, doc *entity.QueueDocument) error {
	var supplierID any
	if doc.SupplierID != nil {
		supplierID = doc.SupplierID.String()
	}
	_, err := r.db.exec(ctx, `
		INSERT INTO queue_documents (
			id, status, ba_number, vendor_name, total_value, score,
			filename, file_path, claimed_by, claim_expires_at,
			version, supplier_id, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		doc.ID.String(), string(doc.Status), doc.BANumber, doc.VendorName, doc.TotalValue, doc.Score,
		doc.Filename, doc.FilePath, doc.ClaimedBy, encodeTimePtr(doc.ClaimExpiresAt),
		doc.Version, supplierID, encodeTime(doc.CreatedAt), encodeTime(doc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert queue document: %w", err)
	}
	return nil
}

const queueColumns = `id, status, ba_number, vendor_name, total_value, score,
	filename, file_path, claimed_by, claim_expires_at,
	version, supplier_id, created_at, updated_at`

// GetByID returns one document or common.ErrNotFound.
func (r *QueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.QueueDocument, error) {
	row := r.db.queryRow(ctx, `SELECT `+queueColumns+` FROM queue_documents WHERE id = ?`, id.String())
	doc, err := scanQueueDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewAppError("NOT_FOUND", fmt.Sprintf("queue document %s", id), common.ErrNotFound)
	}
	return doc, err
}

// List returns documents, optionally filtered by status, newest first.
func (r *QueueRepository) List(ctx context.Context, status constants.DocStatus, limit int) ([]entity.QueueDocument, error) {
	if limit <= 0 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = r.db.query(ctx,
			`SELECT `+queueColumns+` FROM queue_documents ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = r.db.query(ctx,
			`SELECT `+queueColumns+` FROM queue_documents WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list queue documents: %w", err)
	}
	defer rows.Close()

	var docs []entity.QueueDocument
	for rows.Next() {
		doc, err := scanQueueDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// SetStatus moves a document to a new status unconditionally.
func (r *QueueRepository) SetStatus(ctx context.Context, id uuid.UUID, status constants.DocStatus, now time.Time) error {
	res, err := r.db.exec(ctx,
		`UPDATE queue_documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), encodeTime(now), id.String())
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return requireRow(res, id)
}

// ApplyOutcome mirrors a pipeline result into the queue row.
func (r *QueueRepository) ApplyOutcome(ctx context.Context, id uuid.UUID, status constants.DocStatus, baNumber, vendorName string, totalValue *float64, score *int, now time.Time) error {
	res, err := r.db.exec(ctx, `
		UPDATE queue_documents
		SET status = ?, ba_number = ?, vendor_name = ?, total_value = ?, score = ?, updated_at = ?
		WHERE id = ?`,
		string(status), baNumber, vendorName, totalValue, score, encodeTime(now), id.String())
	if err != nil {
		return fmt.Errorf("apply outcome: %w", err)
	}
	return requireRow(res, id)
}

// TryClaim acquires the edit lock for user until expiresAt. The predicate
// admits unclaimed rows, the caller's own claim (refresh) and expired claims
// held by anyone. A live claim by another user yields common.ErrConflict.
func (r *QueueRepository) TryClaim(ctx context.Context, id uuid.UUID, user string, expiresAt, now time.Time) error {
	res, err := r.db.exec(ctx, `
		UPDATE queue_documents
		SET claimed_by = ?, claim_expires_at = ?, updated_at = ?
		WHERE id = ?
		  AND (claimed_by = '' OR claimed_by = ? OR claim_expires_at IS NULL OR claim_expires_at < ?)`,
		user, encodeTime(expiresAt), encodeTime(now),
		id.String(), user, encodeTime(now))
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim rows: %w", err)
	}
	if n == 0 {
		if _, gerr := r.GetByID(ctx, id); gerr != nil {
			return gerr
		}
		return common.NewAppError("CONFLICT", "document is claimed by another user", common.ErrConflict)
	}
	return nil
}

// ClearClaim releases the edit lock. Releasing an unclaimed document is a
// no-op; releasing someone else's live claim is a conflict.
func (r *QueueRepository) ClearClaim(ctx context.Context, id uuid.UUID, user string, now time.Time) error {
	res, err := r.db.exec(ctx, `
		UPDATE queue_documents
		SET claimed_by = '', claim_expires_at = NULL, updated_at = ?
		WHERE id = ? AND (claimed_by = ? OR claim_expires_at IS NULL OR claim_expires_at < ?)`,
		encodeTime(now), id.String(), user, encodeTime(now))
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release rows: %w", err)
	}
	if n == 0 {
		doc, gerr := r.GetByID(ctx, id)
		if gerr != nil {
			return gerr
		}
		if doc.ClaimActive(now) && doc.ClaimedBy != user {
			return common.NewAppError("CONFLICT", "document is claimed by another user", common.ErrConflict)
		}
	}
	return nil
}

// SaveAnnotation appends a new annotation version and bumps the document's
// version counter in one transaction. expectedVersion must match the current
// document version or the save fails with common.ErrConflict; prior
// annotation rows are never mutated.
func (r *QueueRepository) SaveAnnotation(ctx context.Context, ann *entity.Annotation, expectedVersion int, now time.Time) error {
	fields, err := json.Marshal(ann.Fields)
	if err != nil {
		return fmt.Errorf("encode annotation fields: %w", err)
	}
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.db.rebind(`
			UPDATE queue_documents
			SET version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`),
			encodeTime(now), ann.DocumentID.String(), expectedVersion)
		if err != nil {
			return fmt.Errorf("bump version: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("bump rows: %w", err)
		}
		if n == 0 {
			return common.NewAppError("CONFLICT",
				fmt.Sprintf("stale version %d for document %s", expectedVersion, ann.DocumentID),
				common.ErrConflict)
		}

		ann.Version = expectedVersion + 1
		ann.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, r.db.rebind(`
			INSERT INTO annotations (id, document_id, author, source, fields_json, version, updated_at)
			VALUES (?,?,?,?,?,?,?)`),
			ann.ID.String(), ann.DocumentID.String(), ann.Author, ann.Source,
			string(fields), ann.Version, encodeTime(now),
		); err != nil {
			return fmt.Errorf("insert annotation: %w", err)
		}
		return nil
	})
}

// LatestAnnotation returns the newest annotation for a document, or
// common.ErrNotFound when none exists yet.
func (r *QueueRepository) LatestAnnotation(ctx context.Context, docID uuid.UUID) (*entity.Annotation, error) {
	row := r.db.queryRow(ctx, `
		SELECT id, document_id, author, source, fields_json, version, updated_at
		FROM annotations
		WHERE document_id = ?
		ORDER BY version DESC
		LIMIT 1`, docID.String())
	ann, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewAppError("NOT_FOUND", fmt.Sprintf("no annotations for document %s", docID), common.ErrNotFound)
	}
	return ann, err
}

// ListAnnotations returns the full annotation history, newest first.
func (r *QueueRepository) ListAnnotations(ctx context.Context, docID uuid.UUID) ([]entity.Annotation, error) {
	rows, err := r.db.query(ctx, `
		SELECT id, document_id, author, source, fields_json, version, updated_at
		FROM annotations
		WHERE document_id = ?
		ORDER BY version DESC`, docID.String())
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var anns []entity.Annotation
	for rows.Next() {
		ann, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		anns = append(anns, *ann)
	}
	return anns, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQueueDocument(s scanner) (*entity.QueueDocument, error) {
	var (
		doc                  entity.QueueDocument
		id, status           string
		totalValue           sql.NullFloat64
		score                sql.NullInt64
		claimExpires         sql.NullString
		supplierID           sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(
		&id, &status, &doc.BANumber, &doc.VendorName, &totalValue, &score,
		&doc.Filename, &doc.FilePath, &doc.ClaimedBy, &claimExpires,
		&doc.Version, &supplierID, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if doc.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse document id: %w", err)
	}
	doc.Status = constants.DocStatus(status)
	if totalValue.Valid {
		doc.TotalValue = &totalValue.Float64
	}
	if score.Valid {
		v := int(score.Int64)
		doc.Score = &v
	}
	if doc.ClaimExpiresAt, err = decodeTimePtr(claimExpires); err != nil {
		return nil, fmt.Errorf("parse claim_expires_at: %w", err)
	}
	if supplierID.Valid && supplierID.String != "" {
		sid, err := uuid.Parse(supplierID.String)
		if err != nil {
			return nil, fmt.Errorf("parse supplier id: %w", err)
		}
		doc.SupplierID = &sid
	}
	if doc.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if doc.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &doc, nil
}

func scanAnnotation(s scanner) (*entity.Annotation, error) {
	var (
		ann        entity.Annotation
		id, docID  string
		fieldsJSON string
		updatedAt  string
	)
	if err := s.Scan(&id, &docID, &ann.Author, &ann.Source, &fieldsJSON, &ann.Version, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if ann.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse annotation id: %w", err)
	}
	if ann.DocumentID, err = uuid.Parse(docID); err != nil {
		return nil, fmt.Errorf("parse annotation document id: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &ann.Fields); err != nil {
		return nil, fmt.Errorf("decode annotation fields: %w", err)
	}
	if ann.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse annotation updated_at: %w", err)
	}
	return &ann, nil
}

func requireRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return common.NewAppError("NOT_FOUND", fmt.Sprintf("queue document %s", id), common.ErrNotFound)
	}
	return nil
}
