package export

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/confirmd/confirmd/internal/schema"
)

func TestEncodeConfirmationXML(t *testing.T) {
	nt := 350.0
	doc := schema.Confirmation{
		DocType:      "100",
		BANumber:     "4512345678",
		VendorName:   "Stahlbau Nord GmbH",
		VendorNumber: 7000123,
		DocumentDate: "05#03#2026",
		Currency:     "EUR",
		NetTotal:     &nt,
		Items: []schema.LineItem{
			{Position: 10, Description: "Flansch DN80", Quantity: 10, UnitPrice: 20, LineTotal: 200},
			{Position: 20, Quantity: 30, UnitPrice: 5, LineTotal: 150, DeliveryDate: "20#03#2026"},
		},
	}

	out, err := EncodeConfirmationXML(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(out, xml.Header) {
		t.Error("missing XML declaration")
	}
	for _, want := range []string{
		"<BANumber>4512345678</BANumber>",
		"<DocumentDate>05#03#2026</DocumentDate>",
		"<Item>",
		"<Position>10</Position>",
		"<DeliveryDate>20#03#2026</DeliveryDate>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s:\n%s", want, out)
		}
	}

	// The payload must round-trip through a generic XML decoder.
	var decoded confirmationXML
	if err := xml.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("round-trip: %v", err)
	}
	if decoded.BANumber != doc.BANumber || len(decoded.Items) != 2 {
		t.Errorf("round-trip mismatch: %+v", decoded)
	}
}

func TestEncodeConfirmationXMLOmitsEmptyOptionals(t *testing.T) {
	doc := schema.Confirmation{DocType: "100", BANumber: "4512345678", DocumentDate: "05#03#2026"}
	out, err := EncodeConfirmationXML(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, absent := range []string{"<VendorName>", "<NetTotal>", "<Currency>", "<SalesReference>"} {
		if strings.Contains(out, absent) {
			t.Errorf("empty optional %s must be omitted:\n%s", absent, out)
		}
	}
}
