// Package prescan runs a cheap text pass over the first pages of a PDF to
// find the BA number before the expensive extraction call is made. A miss
// here never blocks the pipeline; it only forgoes the confidence and
// coordinate benefits of template injection downstream.
package prescan

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/confirmd/confirmd/constants"
	"github.com/confirmd/confirmd/internal/entity"
)

// baNumberPattern matches procurement references: prefix 45 followed by
// eight digits, with word boundaries so it never fires inside longer numbers.
var baNumberPattern = regexp.MustCompile(`\b45\d{8}\b`)

// SupplierDirectory is the read-only master data lookup.
type SupplierDirectory interface {
	// LookupBA returns nil when the BA number is unknown.
	LookupBA(ctx context.Context, baNumber string) (*entity.SupplierMatch, error)
}

// Result carries the advisory findings of one scan.
type Result struct {
	BANumber string
	Match    *entity.SupplierMatch
}

// Service scans documents and resolves templates. Read-only, no side effects.
type Service struct {
	logger   *slog.Logger
	dir      SupplierDirectory
	maxPages int
}

func New(logger *slog.Logger, dir SupplierDirectory) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger, dir: dir, maxPages: constants.PreScanMaxPages}
}

// Scan looks for a BA number in the first pages and, if found, resolves the
// supplier and its coordinate template. Errors are logged and swallowed:
// prescan is purely advisory.
func (s *Service) Scan(ctx context.Context, fileBytes []byte, filename string) Result {
	start := time.Now()

	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return Result{}
	}

	ba := FindBANumber(extractText(fileBytes, s.maxPages))
	if ba == "" {
		s.logger.Debug("prescan.miss", "filename", filename, "elapsed_ms", time.Since(start).Milliseconds())
		return Result{}
	}

	res := Result{BANumber: ba}
	if s.dir != nil {
		match, err := s.dir.LookupBA(ctx, ba)
		if err != nil {
			s.logger.Warn("prescan.lookup_failed", "ba_number", ba, "error", err)
		} else {
			res.Match = match
		}
	}

	hasTemplate := res.Match != nil && res.Match.HasTemplate()
	s.logger.Info("prescan.hit",
		"filename", filename,
		"ba_number", ba,
		"template", hasTemplate,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res
}

// FindBANumber returns the first BA number in text, or "".
func FindBANumber(text string) string {
	return baNumberPattern.FindString(text)
}

// extractText collects plain text from at most maxPages pages. The PDF
// library panics on malformed content streams; a panic here degrades to an
// empty text pass, which is just a prescan miss.
func extractText(fileBytes []byte, maxPages int) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(fileBytes), int64(len(fileBytes)))
	if err != nil {
		return ""
	}
	var b strings.Builder
	pages := r.NumPage()
	if pages > maxPages {
		pages = maxPages
	}
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		if text, err := page.GetPlainText(nil); err == nil {
			b.WriteString(text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
