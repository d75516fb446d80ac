// Package validate checks extraction payloads. Structural conformance
// against the confirmation JSON schema decides whether a payload is usable
// at all; the typed cross-field rules report content-quality findings that
// feed the score engine without blocking the pipeline. The validator is pure
// and both lists are deterministically ordered so that repair prompts stay
// reproducible across runs.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/confirmd/confirmd/internal/schema"
)

// FieldError is one validation finding.
type FieldError struct {
	FieldPath string `json:"field"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.FieldPath, e.Message, e.Code)
}

// Result is the outcome of validating one payload. Errors are structural
// defects that make the payload unusable; Findings are content-quality
// observations on a usable payload. Only Errors decide OK.
type Result struct {
	OK       bool
	Errors   []FieldError
	Findings []FieldError
}

// Stable error codes, also used in repair feedback.
const (
	CodeSchema       = "schema"
	CodeBadJSON      = "bad_json"
	CodeMissingField = "missing_field"
	CodeBadFormat    = "bad_format"
	CodeLineMath     = "line_math"
	CodeFooterSum    = "footer_sum"
	CodeDateOrder    = "date_order"
	CodeWrongDocType = "wrong_doc_type"
)

// moneyTolerance is the absolute tolerance for money comparisons.
const moneyTolerance = 0.01

// Validator validates raw extraction payloads.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the confirmation schema once.
func New() (*Validator, error) {
	b, err := json.Marshal(schema.BuildConfirmationJSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("confirmation.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile("confirmation.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate runs the structural pass and, when the payload decodes, the
// cross-field pass. Structural defects land in Errors and fail the result;
// cross-field findings are advisory and never do. Both lists are ordered by
// field path, then code.
func (v *Validator) Validate(raw []byte) Result {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Result{Errors: []FieldError{{FieldPath: "$", Code: CodeBadJSON, Message: err.Error()}}}
	}

	var errs []FieldError
	if err := v.schema.Validate(generic); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			errs = append(errs, flatten(ve)...)
		} else {
			errs = append(errs, FieldError{FieldPath: "$", Code: CodeSchema, Message: err.Error()})
		}
	}

	var findings []FieldError
	payload, err := schema.Decode(raw)
	if err == nil {
		findings = CrossFieldErrors(payload)
	}

	sortErrors(errs)
	sortErrors(findings)
	return Result{OK: len(errs) == 0, Errors: errs, Findings: findings}
}

// CrossFieldErrors applies the typed rules that the JSON schema cannot
// express: identifier formats, date parsing, line arithmetic and footer
// sums within tolerance. These are quality findings, not gate conditions;
// the score engine turns the same defects into penalties.
func CrossFieldErrors(p schema.Payload) []FieldError {
	var errs []FieldError
	for i, doc := range p.Documents {
		prefix := fmt.Sprintf("documents[%d]", i)

		if doc.DocType != schema.DocTypeConfirmation {
			errs = append(errs, FieldError{
				FieldPath: prefix + ".doc_type",
				Code:      CodeWrongDocType,
				Message:   fmt.Sprintf("document type %q is not an order confirmation (%s)", doc.DocType, schema.DocTypeConfirmation),
			})
		}

		if doc.BANumber != "" && !schema.BANumberPattern.MatchString(doc.BANumber) {
			errs = append(errs, FieldError{
				FieldPath: prefix + ".ba_number",
				Code:      CodeBadFormat,
				Message:   fmt.Sprintf("%q does not match the 45xxxxxxxx reference format", doc.BANumber),
			})
		}

		docDate, dateErr := schema.ParseDate(doc.DocumentDate)
		if doc.DocumentDate == "" {
			errs = append(errs, FieldError{
				FieldPath: prefix + ".document_date",
				Code:      CodeMissingField,
				Message:   "document date is required",
			})
		} else if dateErr != nil {
			errs = append(errs, FieldError{
				FieldPath: prefix + ".document_date",
				Code:      CodeBadFormat,
				Message:   fmt.Sprintf("%q is not a dd#mm#yyyy date", doc.DocumentDate),
			})
		}

		for j, it := range doc.Items {
			itemPath := fmt.Sprintf("%s.items[%d]", prefix, j)

			if diff := it.Quantity*it.UnitPrice - it.LineTotal; abs(diff) > moneyTolerance {
				errs = append(errs, FieldError{
					FieldPath: itemPath + ".line_total",
					Code:      CodeLineMath,
					Message: fmt.Sprintf("quantity %.4g x unit price %.4g = %.2f, but line total is %.2f",
						it.Quantity, it.UnitPrice, it.Quantity*it.UnitPrice, it.LineTotal),
				})
			}

			if it.DeliveryDate != "" && dateErr == nil {
				if del, err := schema.ParseDate(it.DeliveryDate); err != nil {
					errs = append(errs, FieldError{
						FieldPath: itemPath + ".delivery_date",
						Code:      CodeBadFormat,
						Message:   fmt.Sprintf("%q is not a dd#mm#yyyy date", it.DeliveryDate),
					})
				} else if del.Before(docDate) {
					errs = append(errs, FieldError{
						FieldPath: itemPath + ".delivery_date",
						Code:      CodeDateOrder,
						Message:   fmt.Sprintf("delivery date %s precedes document date %s", it.DeliveryDate, doc.DocumentDate),
					})
				}
			}
		}

		if doc.NetTotal != nil && len(doc.Items) > 0 {
			if diff := *doc.NetTotal - doc.LineSum(); abs(diff) > moneyTolerance {
				errs = append(errs, FieldError{
					FieldPath: prefix + ".net_total",
					Code:      CodeFooterSum,
					Message:   fmt.Sprintf("footer total %.2f does not equal line sum %.2f", *doc.NetTotal, doc.LineSum()),
				})
			}
		}
	}
	return errs
}

func flatten(ve *jsonschema.ValidationError) []FieldError {
	var errs []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := e.InstanceLocation
			if path == "" {
				path = "$"
			}
			errs = append(errs, FieldError{FieldPath: path, Code: CodeSchema, Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return errs
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

func sortErrors(errs []FieldError) {
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].FieldPath != errs[j].FieldPath {
			return errs[i].FieldPath < errs[j].FieldPath
		}
		if errs[i].Code != errs[j].Code {
			return errs[i].Code < errs[j].Code
		}
		return errs[i].Message < errs[j].Message
	})
}

// Summary joins errors into a single human-readable line.
func Summary(errs []FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, " | ")
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
