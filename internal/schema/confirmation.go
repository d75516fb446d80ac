// Package schema defines the typed extraction payload for purchase
// confirmations. The extraction collaborator is constrained to this shape
// via a JSON schema, and the validator checks the same shape locally, so the
// two can never drift apart.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Wire formats pinned by the ERP interface.
const (
	// DateLayout is the delimiter-specific document date encoding (dd#mm#yyyy).
	DateLayout = "02#01#2006"

	// DocTypeConfirmation is the only document type code this pipeline handles.
	DocTypeConfirmation = "100"
)

// BANumberPattern matches the fixed-format procurement reference: prefix 45
// followed by eight digits.
var BANumberPattern = regexp.MustCompile(`^45\d{8}$`)

// Payload is the root extraction result. A single input file may contain
// several distinct confirmations, one per BA number.
type Payload struct {
	Documents []Confirmation `json:"documents"`
}

// Confirmation holds the business fields of one purchase confirmation.
type Confirmation struct {
	DocType      string     `json:"doc_type"`                  // expected "100"
	BANumber     string     `json:"ba_number"`                 // 45xxxxxxxx
	SalesRef     string     `json:"sales_reference,omitempty"`
	VendorName   string     `json:"vendor_name,omitempty"`
	VendorNumber int        `json:"vendor_number,omitempty"`
	DocumentDate string     `json:"document_date"`             // dd#mm#yyyy
	Currency     string     `json:"currency,omitempty"`        // ISO 4217
	NetTotal     *float64   `json:"net_total,omitempty"`       // footer total
	Items        []LineItem `json:"items"`
	Reasoning    string     `json:"reasoning,omitempty"`       // model rationale, scored
}

// LineItem is one order position.
type LineItem struct {
	Position     int     `json:"position"`
	Description  string  `json:"description,omitempty"`
	Quantity     float64 `json:"quantity"`
	UnitPrice    float64 `json:"unit_price"`
	LineTotal    float64 `json:"line_total"`
	DeliveryDate string  `json:"delivery_date,omitempty"` // dd#mm#yyyy
}

// ParseDate parses the dd#mm#yyyy wire format.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// Decode unmarshals a raw extraction payload.
func Decode(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Encode marshals a payload back to its wire form.
func Encode(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// LineSum returns the sum of all line totals.
func (c Confirmation) LineSum() float64 {
	var sum float64
	for _, it := range c.Items {
		sum += it.LineTotal
	}
	return sum
}
