package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/internal/entity"
)

// SupplierRepository is the read-mostly master data store. Its LookupBA
// satisfies the prescan and scoring directory contract.
type SupplierRepository struct {
	db *DB
}

func NewSupplierRepository(db *DB) *SupplierRepository {
	return &SupplierRepository{db: db}
}

// LookupBA resolves a BA number to its supplier and coordinate template.
// An unknown BA number is not an error; it returns Known=false.
func (r *SupplierRepository) LookupBA(ctx context.Context, baNumber string) (*entity.SupplierMatch, error) {
	row := r.db.queryRow(ctx, `
		SELECT s.id, s.name, t.coordinates_json
		FROM valid_ba_numbers v
		JOIN suppliers s ON s.id = v.supplier_id
		LEFT JOIN supplier_templates t ON t.supplier_id = s.id
		WHERE v.ba_number = ?`, baNumber)

	var (
		id, name string
		coords   sql.NullString
	)
	if err := row.Scan(&id, &name, &coords); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &entity.SupplierMatch{}, nil
		}
		return nil, fmt.Errorf("lookup ba %s: %w", baNumber, err)
	}

	sid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse supplier id: %w", err)
	}
	match := &entity.SupplierMatch{Known: true, SupplierID: sid, SupplierName: name}
	if coords.Valid && coords.String != "" {
		if err := json.Unmarshal([]byte(coords.String), &match.Template); err != nil {
			return nil, fmt.Errorf("decode template coordinates: %w", err)
		}
	}
	return match, nil
}

// UpsertSupplier creates or updates a supplier record.
func (r *SupplierRepository) UpsertSupplier(ctx context.Context, s *entity.Supplier) error {
	_, err := r.db.exec(ctx, `
		INSERT INTO suppliers (id, name, supplier_code, contact_email)
		VALUES (?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			supplier_code = excluded.supplier_code,
			contact_email = excluded.contact_email`,
		s.ID.String(), s.Name, s.SupplierCode, s.ContactEmail)
	if err != nil {
		return fmt.Errorf("upsert supplier: %w", err)
	}
	return nil
}

// RegisterBANumbers links BA numbers to a supplier; duplicates are skipped.
func (r *SupplierRepository) RegisterBANumbers(ctx context.Context, supplierID uuid.UUID, baNumbers []string) error {
	for _, ba := range baNumbers {
		if _, err := r.db.exec(ctx, `
			INSERT INTO valid_ba_numbers (ba_number, supplier_id)
			VALUES (?,?)
			ON CONFLICT (ba_number) DO NOTHING`,
			ba, supplierID.String()); err != nil {
			return fmt.Errorf("register ba %s: %w", ba, err)
		}
	}
	return nil
}

// SaveTemplate stores the coordinate template for a supplier, replacing any
// previous one.
func (r *SupplierRepository) SaveTemplate(ctx context.Context, t *entity.SupplierTemplate) error {
	coords, err := json.Marshal(t.Coordinates)
	if err != nil {
		return fmt.Errorf("encode template coordinates: %w", err)
	}
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.rebind(
			`DELETE FROM supplier_templates WHERE supplier_id = ?`), t.SupplierID.String()); err != nil {
			return fmt.Errorf("clear template: %w", err)
		}
		if _, err := tx.ExecContext(ctx, r.db.rebind(
			`INSERT INTO supplier_templates (id, supplier_id, coordinates_json) VALUES (?,?,?)`),
			t.ID.String(), t.SupplierID.String(), string(coords)); err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
		return nil
	})
}

// ListSuppliers returns all suppliers ordered by name.
func (r *SupplierRepository) ListSuppliers(ctx context.Context) ([]entity.Supplier, error) {
	rows, err := r.db.query(ctx,
		`SELECT id, name, supplier_code, contact_email FROM suppliers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list suppliers: %w", err)
	}
	defer rows.Close()

	var out []entity.Supplier
	for rows.Next() {
		var (
			s  entity.Supplier
			id string
		)
		if err := rows.Scan(&id, &s.Name, &s.SupplierCode, &s.ContactEmail); err != nil {
			return nil, fmt.Errorf("scan supplier: %w", err)
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse supplier id: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
