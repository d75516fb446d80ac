package gate

import (
	"bytes"
	"strings"
	"testing"

	"github.com/confirmd/confirmd/constants"
)

// pngBytes builds a byte slice with a valid PNG signature padded to size.
func pngBytes(size int) []byte {
	b := make([]byte, size)
	copy(b, constants.MagicBytes["png"])
	return b
}

func jpgBytes(size int) []byte {
	b := make([]byte, size)
	copy(b, constants.MagicBytes["jpg"])
	return b
}

func newGate(t *testing.T) *Gate {
	t.Helper()
	return New(nil, constants.MinFileBytes, constants.MaxFileSizeMB, constants.MaxPageCount)
}

func TestInspectRejectsUnsupportedExtension(t *testing.T) {
	res := newGate(t).Inspect(pngBytes(1024), "notes.docx")
	if res.Valid {
		t.Fatal("expected rejection for .docx")
	}
	if !strings.Contains(res.RejectionReason, "unsupported file type") {
		t.Errorf("unexpected reason: %s", res.RejectionReason)
	}
}

func TestInspectRejectsMagicByteMismatch(t *testing.T) {
	// A PNG body declared as .pdf must fail the signature check.
	res := newGate(t).Inspect(pngBytes(1024), "scan.pdf")
	if res.Valid {
		t.Fatal("expected rejection for mismatched signature")
	}
	if !strings.Contains(res.RejectionReason, "signature") {
		t.Errorf("unexpected reason: %s", res.RejectionReason)
	}
}

func TestInspectRejectsTooSmall(t *testing.T) {
	res := newGate(t).Inspect(pngBytes(constants.MinFileBytes-1), "tiny.png")
	if res.Valid {
		t.Fatal("expected rejection below the minimum size")
	}
}

func TestInspectRejectsTooLarge(t *testing.T) {
	g := New(nil, constants.MinFileBytes, 0.001, constants.MaxPageCount) // ~1KB cap
	res := g.Inspect(pngBytes(64*1024), "big.png")
	if res.Valid {
		t.Fatal("expected rejection above the size cap")
	}
	if !strings.Contains(res.RejectionReason, "too large") {
		t.Errorf("unexpected reason: %s", res.RejectionReason)
	}
}

func TestInspectAcceptsImages(t *testing.T) {
	for _, tc := range []struct {
		name string
		b    []byte
	}{
		{"photo.png", pngBytes(4096)},
		{"photo.jpg", jpgBytes(4096)},
		{"photo.JPEG", jpgBytes(4096)},
	} {
		res := newGate(t).Inspect(tc.b, tc.name)
		if !res.Valid {
			t.Errorf("%s: expected acceptance, got %q", tc.name, res.RejectionReason)
			continue
		}
		// Images have no text layer and count as a single scanned page.
		if !res.IsScanned || res.PageCount != 1 {
			t.Errorf("%s: scanned=%v pages=%d", tc.name, res.IsScanned, res.PageCount)
		}
	}
}

func TestInspectRejectsCorruptPDF(t *testing.T) {
	b := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0xAB}, 512)...)
	res := newGate(t).Inspect(b, "broken.pdf")
	if res.Valid {
		t.Fatal("expected rejection for a PDF without a valid xref table")
	}
	if !strings.Contains(res.RejectionReason, "PDF") {
		t.Errorf("unexpected reason: %s", res.RejectionReason)
	}
}

func TestInspectRejectsMalformedXref(t *testing.T) {
	// A structurally plausible PDF whose cross-reference table is garbage.
	// The parser must not take the process down; the file gets rejected.
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	b.WriteString("% padding so the file clears the minimum size check\n")
	b.WriteString(strings.Repeat("% filler line for the corrupt fixture\n", 4))
	b.WriteString("1 0 obj\n<< /Type /Catalog >>\nendobj\n")
	b.WriteString("xref\n0 2\nnot-an-entry\n")
	b.WriteString("trailer\n<< /Root 1 0 R /Size 2 >>\nstartxref\n57\n%%EOF\n")

	res := newGate(t).Inspect(b.Bytes(), "mangled.pdf")
	if res.Valid {
		t.Fatal("expected rejection for a mangled cross-reference table")
	}
	if !strings.Contains(res.RejectionReason, "PDF") {
		t.Errorf("unexpected reason: %s", res.RejectionReason)
	}
}

func TestInspectChecksRunInOrder(t *testing.T) {
	// A .docx that is also too small must fail on the extension first.
	res := newGate(t).Inspect([]byte("x"), "tiny.docx")
	if !strings.Contains(res.RejectionReason, "unsupported file type") {
		t.Errorf("expected the extension check to fire first, got %q", res.RejectionReason)
	}
}
