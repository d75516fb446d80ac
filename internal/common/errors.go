package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Error taxonomy. These sentinels decide retry/routing behavior, so every
// layer wraps rather than replaces them.
var (
	// ErrStructuralInput marks input gate rejections. Never retried; the
	// document goes straight to quarantine.
	ErrStructuralInput = errors.New("structural input error")

	// ErrTransientExtraction marks network/timeout failures of the
	// extraction collaborator. Retried once, then escalated.
	ErrTransientExtraction = errors.New("transient extraction error")

	// ErrRepairFailed marks a repair stage that did not resolve its issue.
	// Expected outcome, drives escalation rather than a crash.
	ErrRepairFailed = errors.New("repair failed")

	// ErrConflict marks claim/version mismatches. Surfaced to the caller
	// for retry, never auto-resolved.
	ErrConflict = errors.New("concurrency conflict")

	ErrNotFound = errors.New("resource not found")

	// ErrConfiguration is fatal at startup, not per-document.
	ErrConfiguration = errors.New("configuration error")

	ErrInvalidInput = errors.New("invalid input")
)

func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
