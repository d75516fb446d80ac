package validate

import (
	"time"

	"github.com/confirmd/confirmd/internal/schema"
)

// SumStatus classifies the footer total consistency of one confirmation.
type SumStatus int

const (
	SumOK SumStatus = iota
	SumMissing
	SumMismatch
)

// DocumentChecks is the validation context consumed by the score engine.
// It is a pure function of the confirmation, so re-deriving it for the same
// payload always yields the same score.
type DocumentChecks struct {
	DocTypeOK bool

	DateMissing bool
	DateWarning bool // implausible but parseable (e.g. far in the future)
	DateError   bool // unparseable

	Sum SumStatus

	MathMismatches int
	ZeroQtyLines   int
}

// Analyze derives the per-document check flags.
func Analyze(doc schema.Confirmation, now time.Time) DocumentChecks {
	c := DocumentChecks{DocTypeOK: doc.DocType == schema.DocTypeConfirmation}

	switch d, err := schema.ParseDate(doc.DocumentDate); {
	case doc.DocumentDate == "":
		c.DateMissing = true
	case err != nil:
		c.DateError = true
	case d.After(now.AddDate(1, 0, 0)) || d.Before(now.AddDate(-10, 0, 0)):
		// A confirmation dated more than a year ahead or a decade back is
		// suspicious, not fatal.
		c.DateWarning = true
	}

	switch {
	case doc.NetTotal == nil:
		c.Sum = SumMissing
	case abs(*doc.NetTotal-doc.LineSum()) > moneyTolerance:
		c.Sum = SumMismatch
	default:
		c.Sum = SumOK
	}

	for _, it := range doc.Items {
		if abs(it.Quantity*it.UnitPrice-it.LineTotal) > moneyTolerance {
			c.MathMismatches++
		}
		if it.Quantity == 0 || it.UnitPrice == 0 {
			c.ZeroQtyLines++
		}
	}
	return c
}
