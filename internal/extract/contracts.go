// Package extract defines the extraction collaborator contract the pipeline
// depends on. Implementations live in subpackages.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confirmd/confirmd/internal/common"
)

// TemplateHint carries prescan findings into the extraction call.
type TemplateHint struct {
	BANumber    string
	Coordinates map[string]any
}

// Result is one extraction outcome.
type Result struct {
	RawJSON   []byte
	RawText   string
	Reasoning string
	ModelID   string
	Elapsed   time.Duration
}

// Extractor is the interface the pipeline depends on.
type Extractor interface {
	Extract(ctx context.Context, fileBytes []byte, filename string, hint *TemplateHint) (Result, error)
}

// TransientError marks failures worth a bounded retry (timeouts, rate
// limits, 5xx). Everything else is fatal for the run.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient extraction error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient reports whether err is worth retrying. Implementations signal
// transience either with *TransientError or by wrapping the sentinel.
func Transient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, common.ErrTransientExtraction)
}
