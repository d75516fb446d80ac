// Package gate validates files before any paid extraction call is made.
// Failures here are structural properties of the file, never retried.
package gate

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/confirmd/confirmd/constants"
)

// Result is the outcome of inspecting one file.
type Result struct {
	Valid           bool
	NormalizedBytes []byte
	DocKind         string // "pdf", "jpg", "png"
	PageCount       int
	BlankPages      []int // 1-based indexes excluded from PageCount
	IsScanned       bool  // no usable text layer
	SizeMB          float64
	RejectionReason string
}

// Gate performs the structural input checks, in order, short-circuiting on
// the first failure.
type Gate struct {
	logger       *slog.Logger
	minFileBytes int
	maxSizeMB    float64
	maxPages     int
}

func New(logger *slog.Logger, minFileBytes int, maxSizeMB float64, maxPages int) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if minFileBytes <= 0 {
		minFileBytes = constants.MinFileBytes
	}
	if maxSizeMB <= 0 {
		maxSizeMB = constants.MaxFileSizeMB
	}
	if maxPages <= 0 {
		maxPages = constants.MaxPageCount
	}
	return &Gate{logger: logger, minFileBytes: minFileBytes, maxSizeMB: maxSizeMB, maxPages: maxPages}
}

// Inspect validates fileBytes against the declared filename. On rejection
// the result carries a human-readable reason and Valid=false; the caller is
// expected to quarantine without invoking extraction.
func (g *Gate) Inspect(fileBytes []byte, filename string) Result {
	ext := constants.NormalizeExt(filepath.Ext(filename))
	sizeMB := float64(len(fileBytes)) / (1024 * 1024)

	g.logger.Debug("gate.inspect", "filename", filename, "size_mb", fmt.Sprintf("%.2f", sizeMB), "ext", ext)

	if _, ok := constants.AllowedExtensions[ext]; !ok {
		return reject(sizeMB, fmt.Sprintf("unsupported file type: .%s", ext))
	}

	// (a) magic-byte signature matches the declared type
	if expected := constants.MagicBytes[ext]; expected != nil && !bytes.HasPrefix(fileBytes, expected) {
		return reject(sizeMB, fmt.Sprintf("invalid %s signature", strings.ToUpper(ext)))
	}

	// (b) size window
	if len(fileBytes) < g.minFileBytes {
		return reject(sizeMB, "file too small, likely corrupt")
	}
	if sizeMB > g.maxSizeMB {
		return reject(sizeMB, fmt.Sprintf("file too large: %.1fMB > %.0fMB", sizeMB, g.maxSizeMB))
	}

	if ext != "pdf" {
		return Result{Valid: true, NormalizedBytes: fileBytes, DocKind: ext, PageCount: 1, IsScanned: true, SizeMB: sizeMB}
	}
	return g.inspectPDF(fileBytes, sizeMB)
}

// inspectPDF runs checks (c)-(e): encryption, page limit, blank pages.
// The PDF library panics on malformed xref tables and content streams, so
// the whole pass runs behind a recover that turns a panic into a rejection.
func (g *Gate) inspectPDF(fileBytes []byte, sizeMB float64) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Warn("gate.pdf_parse_panic", "panic", p)
			res = reject(sizeMB, fmt.Sprintf("PDF structure not parseable: %v", p))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(fileBytes), int64(len(fileBytes)))
	if err != nil {
		if strings.Contains(err.Error(), "password") || strings.Contains(err.Error(), "encrypted") {
			return reject(sizeMB, "PDF is password-protected")
		}
		return reject(sizeMB, fmt.Sprintf("PDF not readable: %v", err))
	}

	pageCount := r.NumPage()
	if pageCount == 0 {
		return reject(sizeMB, "PDF has no pages")
	}
	if pageCount > g.maxPages {
		return reject(sizeMB, fmt.Sprintf("too many pages: %d > %d", pageCount, g.maxPages))
	}

	blank := blankPages(r, pageCount)

	// A PDF where no page carries text or drawings is a scan (image-only
	// content streams are invisible to the text pass). Keep every page and
	// let the multimodal extractor deal with it.
	if len(blank) == pageCount {
		return Result{
			Valid:           true,
			NormalizedBytes: fileBytes,
			DocKind:         "pdf",
			PageCount:       pageCount,
			IsScanned:       true,
			SizeMB:          sizeMB,
		}
	}

	effective := pageCount - len(blank)
	if len(blank) > 0 {
		g.logger.Info("gate.blank_pages_excluded", "count", len(blank))
	}

	return Result{
		Valid:           true,
		NormalizedBytes: fileBytes,
		DocKind:         "pdf",
		PageCount:       effective,
		BlankPages:      blank,
		SizeMB:          sizeMB,
	}
}

// blankPages returns 1-based indexes of pages with neither extractable text
// nor drawing rectangles.
func blankPages(r *pdf.Reader, pageCount int) []int {
	var blank []int
	for i := 1; i <= pageCount; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			blank = append(blank, i)
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue // unreadable fonts are not evidence of a blank page
		}
		if strings.TrimSpace(text) == "" && len(page.Content().Rect) == 0 {
			blank = append(blank, i)
		}
	}
	return blank
}

func reject(sizeMB float64, reason string) Result {
	return Result{Valid: false, SizeMB: sizeMB, RejectionReason: reason}
}
