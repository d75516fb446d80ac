// Package score computes the 0-100 quality score for an extracted
// confirmation. Every deduction and bonus is returned as an individually
// inspectable record: reviewers see why a document escalated, and the
// business-repair stage feeds the same records back to the model.
package score

import (
	"fmt"
	"strings"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/schema"
	"github.com/confirmd/confirmd/internal/validate"
)

// Penalty is one deduction with its reason.
type Penalty struct {
	Points   int
	Reason   string
	Category constants.PenaltyCategory
}

// Signal is an informational note or an applied bonus.
type Signal struct {
	Text   string
	Bonus  bool
	Points int
}

// Card collects the scoring result for a single document.
type Card struct {
	Value     int
	Penalties []Penalty
	Signals   []Signal
}

// PenaltyPoints returns the sum of all deductions.
func (c Card) PenaltyPoints() int {
	var n int
	for _, p := range c.Penalties {
		n += p.Points
	}
	return n
}

// BonusPoints returns the sum of all applied bonuses.
func (c Card) BonusPoints() int {
	var n int
	for _, s := range c.Signals {
		if s.Bonus {
			n += s.Points
		}
	}
	return n
}

// Penalties holds the deduction amounts. All values are externally
// configurable; zero values fall back to the defaults.
type Penalties struct {
	ReasoningMissing int
	MissingDate      int
	MissingBA        int
	MissingItems     int
	UnknownSupplier  int
	WrongDocType     int
	DateWarning      int
	DateError        int
	SumMissing       int
	SumMismatch      int
	LineMathBase     int
	LineMathPerError int
	LineMathCap      int
	ZeroQuantity     int
}

// Bonuses holds the bonus amounts.
type Bonuses struct {
	KnownSupplier int
	TemplateMatch int
}

// Config is the full scoring parameter set.
type Config struct {
	Penalties Penalties
	Bonuses   Bonuses
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Penalties: Penalties{
			ReasoningMissing: 5,
			MissingDate:      20,
			MissingBA:        25,
			MissingItems:     50,
			UnknownSupplier:  15,
			WrongDocType:     100,
			DateWarning:      10,
			DateError:        15,
			SumMissing:       5,
			SumMismatch:      20,
			LineMathBase:     10,
			LineMathPerError: 2,
			LineMathCap:      30,
			ZeroQuantity:     5,
		},
		Bonuses: Bonuses{
			KnownSupplier: 10,
			TemplateMatch: 15,
		},
	}
}

// Engine evaluates documents. Pure: no hidden state, no I/O.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate runs the five check groups and returns the itemized card.
//
// Final score = 100 - sum(penalties) + sum(bonuses), clamped to [0,100].
// A document without line items is additionally capped at
// 100 - MissingItems so unrelated bonuses can never push an empty
// extraction over the archive threshold.
func (e *Engine) Evaluate(doc schema.Confirmation, checks validate.DocumentChecks, knownSupplier, templateMatch bool) Card {
	var card Card

	e.checkReasoning(doc, &card)
	e.checkMandatoryFields(doc, &card)
	e.checkStatusFlags(checks, &card)
	e.checkLineMath(checks, &card)
	e.checkMasterData(doc, knownSupplier, templateMatch, &card)

	value := 100 - card.PenaltyPoints() + card.BonusPoints()
	if len(doc.Items) == 0 {
		if ceiling := 100 - e.cfg.Penalties.MissingItems; value > ceiling {
			value = ceiling
		}
	}
	card.Value = clamp(value)
	return card
}

func (e *Engine) checkReasoning(doc schema.Confirmation, card *Card) {
	r := strings.TrimSpace(doc.Reasoning)
	switch {
	case len(r) < 20:
		card.penalize(e.cfg.Penalties.ReasoningMissing, "no or insufficient rationale in 'reasoning'", constants.CategoryReasoning)
	case strings.Contains(strings.ToLower(r), "not found") || strings.Contains(strings.ToLower(r), "uncertain"):
		card.penalize(e.cfg.Penalties.ReasoningMissing, "rationale indicates uncertainty", constants.CategoryReasoning)
	default:
		card.note("rationale present")
	}
}

func (e *Engine) checkMandatoryFields(doc schema.Confirmation, card *Card) {
	if doc.BANumber == "" || !schema.BANumberPattern.MatchString(doc.BANumber) {
		card.penalize(e.cfg.Penalties.MissingBA, "BA number missing or malformed", constants.CategoryMissingField)
	}
	if len(doc.Items) == 0 {
		card.penalize(e.cfg.Penalties.MissingItems, "no line items found (empty array)", constants.CategoryMissingField)
	}
}

func (e *Engine) checkStatusFlags(checks validate.DocumentChecks, card *Card) {
	if !checks.DocTypeOK {
		// Showstopper: a misclassified document must never auto-archive.
		card.penalize(e.cfg.Penalties.WrongDocType, "wrong document type", constants.CategoryWrongType)
	}

	switch {
	case checks.DateMissing:
		card.penalize(e.cfg.Penalties.MissingDate, "document date missing or unreadable", constants.CategoryMissingField)
	case checks.DateError:
		card.penalize(e.cfg.Penalties.DateError, "document date unparseable", constants.CategoryDateError)
	case checks.DateWarning:
		card.penalize(e.cfg.Penalties.DateWarning, "document date implausible", constants.CategoryDateError)
	}

	switch checks.Sum {
	case validate.SumMissing:
		card.penalize(e.cfg.Penalties.SumMissing, "footer total missing, sum not verifiable", constants.CategoryValidation)
	case validate.SumMismatch:
		card.penalize(e.cfg.Penalties.SumMismatch, "footer total does not match line sum", constants.CategoryValidation)
	default:
		card.note("footer total verified")
	}
}

func (e *Engine) checkLineMath(checks validate.DocumentChecks, card *Card) {
	if n := checks.MathMismatches; n > 0 {
		points := e.cfg.Penalties.LineMathBase + n*e.cfg.Penalties.LineMathPerError
		if points > e.cfg.Penalties.LineMathCap {
			points = e.cfg.Penalties.LineMathCap
		}
		card.penalize(points, fmt.Sprintf("arithmetic errors in %d line items", n), constants.CategoryMathError)
	}
	if n := checks.ZeroQtyLines; n > 0 {
		card.penalize(e.cfg.Penalties.ZeroQuantity, fmt.Sprintf("%d line items with quantity or price of 0", n), constants.CategoryMathError)
	}
}

func (e *Engine) checkMasterData(doc schema.Confirmation, knownSupplier, templateMatch bool, card *Card) {
	if knownSupplier {
		card.bonus(e.cfg.Bonuses.KnownSupplier, "supplier verified against master data")
	} else {
		card.penalize(e.cfg.Penalties.UnknownSupplier, "supplier unknown (BA number not in master data)", constants.CategoryMasterData)
	}
	if templateMatch {
		card.bonus(e.cfg.Bonuses.TemplateMatch, "coordinate template available for supplier")
	}
	if doc.VendorNumber == 0 && !knownSupplier {
		card.note("no vendor number extracted from document")
	}
}

func (c *Card) penalize(points int, reason string, cat constants.PenaltyCategory) {
	c.Penalties = append(c.Penalties, Penalty{Points: points, Reason: reason, Category: cat})
}

func (c *Card) bonus(points int, text string) {
	c.Signals = append(c.Signals, Signal{Text: text, Bonus: true, Points: points})
}

func (c *Card) note(text string) {
	c.Signals = append(c.Signals, Signal{Text: text})
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Average returns the integer mean of card values, 0 for an empty slice.
func Average(cards []Card) int {
	if len(cards) == 0 {
		return 0
	}
	var sum int
	for _, c := range cards {
		sum += c.Value
	}
	return sum / len(cards)
}
