package score

import (
	"testing"
	"time"

	"github.com/confirmd/confirmd/internal/schema"
	"github.com/confirmd/confirmd/internal/validate"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func cleanDoc() schema.Confirmation {
	return schema.Confirmation{
		DocType:      schema.DocTypeConfirmation,
		BANumber:     "4512345678",
		VendorName:   "Stahlbau Nord GmbH",
		VendorNumber: 7000123,
		DocumentDate: "05#03#2026",
		Currency:     "EUR",
		NetTotal:     f64(350.0),
		Items: []schema.LineItem{
			{Position: 10, Description: "Flansch DN80", Quantity: 10, UnitPrice: 20, LineTotal: 200},
			{Position: 20, Description: "Dichtung", Quantity: 30, UnitPrice: 5, LineTotal: 150},
		},
		Reasoning: "All fields read directly from the header and item table.",
	}
}

func evaluate(t *testing.T, doc schema.Confirmation, known, template bool) Card {
	t.Helper()
	eng := NewEngine(DefaultConfig())
	return eng.Evaluate(doc, validate.Analyze(doc, testNow), known, template)
}

func TestEvaluateCleanDocumentArchives(t *testing.T) {
	card := evaluate(t, cleanDoc(), true, true)
	if card.Value != 100 {
		t.Errorf("expected 100 for clean document with bonuses, got %d", card.Value)
	}
	if len(card.Penalties) != 0 {
		t.Errorf("expected no penalties, got %+v", card.Penalties)
	}
	if card.BonusPoints() != 25 {
		t.Errorf("expected 25 bonus points, got %d", card.BonusPoints())
	}
}

func TestEvaluateUnknownSupplierStillArchivable(t *testing.T) {
	card := evaluate(t, cleanDoc(), false, false)
	// Only the unknown supplier penalty applies: 100 - 15 = 85.
	if card.Value != 85 {
		t.Errorf("expected 85, got %d (penalties %+v)", card.Value, card.Penalties)
	}
}

func TestEvaluateWrongDocTypeIsShowstopper(t *testing.T) {
	doc := cleanDoc()
	doc.DocType = "200"
	card := evaluate(t, doc, true, true)
	if card.Value >= 50 {
		t.Errorf("wrong doc type must never stay archivable, got %d", card.Value)
	}
	found := false
	for _, p := range card.Penalties {
		if p.Points == DefaultConfig().Penalties.WrongDocType {
			found = true
		}
	}
	if !found {
		t.Error("expected the wrong-doc-type penalty to be itemized")
	}
}

func TestEvaluateMissingFooterDeductsOnce(t *testing.T) {
	doc := cleanDoc()
	doc.NetTotal = nil
	card := evaluate(t, doc, true, true)

	cfg := DefaultConfig().Penalties
	var sum int
	for _, p := range card.Penalties {
		sum += p.Points
	}
	// A missing footer is one defect: the sum-not-verifiable deduction and
	// nothing else stacked on top of it.
	if sum != cfg.SumMissing {
		t.Errorf("expected only the %d-point sum penalty, got %d (%+v)", cfg.SumMissing, sum, card.Penalties)
	}
	if card.Value != 100 {
		t.Errorf("expected 100 - %d + 25 bonus clamped to 100, got %d", cfg.SumMissing, card.Value)
	}
}

func TestEvaluateMissingDatePenalized(t *testing.T) {
	doc := cleanDoc()
	doc.DocumentDate = ""
	card := evaluate(t, doc, false, false)

	cfg := DefaultConfig().Penalties
	// Missing date plus unknown supplier: 100 - 20 - 15 = 65.
	if card.Value != 65 {
		t.Errorf("expected 65, got %d (penalties %+v)", card.Value, card.Penalties)
	}
	found := false
	for _, p := range card.Penalties {
		if p.Points == cfg.MissingDate {
			found = true
		}
	}
	if !found {
		t.Error("expected the missing-date penalty to be itemized")
	}
}

func TestEvaluateEmptyItemsCeiling(t *testing.T) {
	doc := cleanDoc()
	doc.Items = nil
	doc.NetTotal = nil
	// Bonuses must not lift an empty extraction over the ceiling.
	card := evaluate(t, doc, true, true)
	ceiling := 100 - DefaultConfig().Penalties.MissingItems
	if card.Value > ceiling {
		t.Errorf("empty items score %d exceeds ceiling %d", card.Value, ceiling)
	}
}

func TestEvaluateLineMathCapped(t *testing.T) {
	doc := cleanDoc()
	doc.Items = nil
	for i := 0; i < 15; i++ {
		doc.Items = append(doc.Items, schema.LineItem{
			Position: (i + 1) * 10, Quantity: 2, UnitPrice: 10, LineTotal: 99,
		})
	}
	doc.NetTotal = f64(15 * 99)
	card := evaluate(t, doc, true, false)

	cfg := DefaultConfig().Penalties
	var mathPoints int
	for _, p := range card.Penalties {
		if p.Points > mathPoints && p.Points <= cfg.LineMathCap {
			mathPoints = p.Points
		}
	}
	// 10 + 15*2 = 40 raw, capped at 30.
	if mathPoints != cfg.LineMathCap {
		t.Errorf("expected the math penalty to cap at %d, got %d", cfg.LineMathCap, mathPoints)
	}
}

func TestEvaluateNeverBelowZeroOrAbove100(t *testing.T) {
	worst := schema.Confirmation{DocType: "999"}
	card := evaluate(t, worst, false, false)
	if card.Value < 0 || card.Value > 100 {
		t.Errorf("score out of range: %d", card.Value)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	doc := cleanDoc()
	doc.NetTotal = f64(999) // forces a sum mismatch penalty
	a := evaluate(t, doc, false, false)
	b := evaluate(t, doc, false, false)
	if a.Value != b.Value || len(a.Penalties) != len(b.Penalties) {
		t.Errorf("same input must score identically: %d vs %d", a.Value, b.Value)
	}
}

func TestAverage(t *testing.T) {
	if got := Average(nil); got != 0 {
		t.Errorf("empty average: got %d", got)
	}
	cards := []Card{{Value: 90}, {Value: 71}}
	if got := Average(cards); got != 80 {
		t.Errorf("expected 80, got %d", got)
	}
}
