package prescan

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/confirmd/confirmd/internal/entity"
)

type stubDirectory struct {
	match *entity.SupplierMatch
	err   error
	calls int
}

func (d *stubDirectory) LookupBA(_ context.Context, _ string) (*entity.SupplierMatch, error) {
	d.calls++
	return d.match, d.err
}

func TestFindBANumber(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"plain", "Bestellung 4512345678 vom 05.03.2026", "4512345678"},
		{"start_of_text", "4599999999", "4599999999"},
		{"wrong_prefix", "Bestellung 9912345678", ""},
		{"too_long", "145123456789", ""},
		{"embedded_in_number", "Artikel 34512345678", ""},
		{"too_short", "451234567", ""},
		{"first_of_many", "4511111111 und 4522222222", "4511111111"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FindBANumber(tc.text); got != tc.want {
				t.Errorf("FindBANumber(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestScanSkipsNonPDF(t *testing.T) {
	dir := &stubDirectory{}
	s := New(nil, dir)
	res := s.Scan(context.Background(), []byte{0xFF, 0xD8, 0xFF}, "photo.jpg")
	if res.BANumber != "" || res.Match != nil {
		t.Errorf("expected empty result for image input, got %+v", res)
	}
	if dir.calls != 0 {
		t.Errorf("directory must not be queried without a BA number, got %d calls", dir.calls)
	}
}

func TestScanUnreadablePDFIsAdvisoryMiss(t *testing.T) {
	s := New(nil, &stubDirectory{})
	res := s.Scan(context.Background(), []byte("%PDF-1.4 garbage"), "broken.pdf")
	if res.BANumber != "" {
		t.Errorf("expected miss on unreadable PDF, got %q", res.BANumber)
	}
}

func TestSupplierMatchTemplate(t *testing.T) {
	m := entity.SupplierMatch{Known: true, SupplierID: uuid.New(), SupplierName: "Stahlbau Nord"}
	if m.HasTemplate() {
		t.Error("match without coordinates must not report a template")
	}
	m.Template = map[string]any{"ba_number": map[string]any{"page": 1}}
	if !m.HasTemplate() {
		t.Error("match with coordinates must report a template")
	}
	unknown := entity.SupplierMatch{Template: map[string]any{"x": 1}}
	if unknown.HasTemplate() {
		t.Error("unknown supplier must not report a template")
	}
}
