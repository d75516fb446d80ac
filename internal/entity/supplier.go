package entity

import "github.com/google/uuid"

// Supplier is a master data record.
type Supplier struct {
	ID           uuid.UUID
	Name         string
	SupplierCode string // ERP number, e.g. "7000123"
	ContactEmail string
}

// SupplierTemplate stores coordinate hints for a known supplier's document
// layout, used to improve extraction accuracy.
type SupplierTemplate struct {
	ID          uuid.UUID
	SupplierID  uuid.UUID
	Coordinates map[string]any
}

// SupplierMatch is the result of a directory lookup keyed by BA number.
type SupplierMatch struct {
	Known        bool
	SupplierID   uuid.UUID
	SupplierName string
	// Template is nil when no coordinate template exists for the supplier.
	Template map[string]any
}

// HasTemplate reports whether a coordinate template is available.
func (m SupplierMatch) HasTemplate() bool {
	return m.Known && m.Template != nil
}
