package constants

// DocStatus is the canonical status for rows in queue_documents.
type DocStatus string

// Stable values (store these exact strings in DB).
const (
	StatusNew                 DocStatus = "NEW"                   // uploaded, not yet processed
	StatusOCRRunning          DocStatus = "OCR_RUNNING"           // extraction in progress
	StatusOCRDone             DocStatus = "OCR_DONE"              // extraction finished, routing pending
	StatusNeedsReview         DocStatus = "NEEDS_REVIEW"          // score below archive threshold
	StatusNeedsReviewCritical DocStatus = "NEEDS_REVIEW_CRITICAL" // operator escalation tier, set manually
	StatusHealed              DocStatus = "HEALED"                // manually corrected by an operator
	StatusValid               DocStatus = "VALID"                 // auto-archived, ready for export
	StatusError               DocStatus = "ERROR"                 // technical failure
	StatusExported            DocStatus = "EXPORTED"              // handed off to the ERP
	StatusQuarantine          DocStatus = "QUARANTINE"            // rejected input or unrecoverable run
)

// Terminal reports whether a pipeline run may no longer mutate a document in
// this status. Re-processing a terminal document starts a new run.
func (s DocStatus) Terminal() bool {
	switch s {
	case StatusQuarantine, StatusValid, StatusExported:
		return true
	}
	return false
}

// PenaltyCategory groups score penalties for dashboards and repair feedback.
type PenaltyCategory string

const (
	CategoryMissingField PenaltyCategory = "missing_field"
	CategoryWrongType    PenaltyCategory = "wrong_type"
	CategoryMathError    PenaltyCategory = "math_error"
	CategoryDateError    PenaltyCategory = "date_error"
	CategoryReasoning    PenaltyCategory = "reasoning"
	CategoryValidation   PenaltyCategory = "validation"
	CategoryMasterData   PenaltyCategory = "master_data"
	CategoryOther        PenaltyCategory = "other"
)
