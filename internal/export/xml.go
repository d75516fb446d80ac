package export

import (
	"encoding/xml"
	"fmt"

	"github.com/confirmd/confirmd/internal/schema"
)

// confirmationXML is the ERP handoff shape for one archived confirmation.
// Field order is part of the downstream contract.
type confirmationXML struct {
	XMLName      xml.Name      `xml:"Confirmation"`
	DocType      string        `xml:"DocType"`
	BANumber     string        `xml:"BANumber"`
	SalesRef     string        `xml:"SalesReference,omitempty"`
	VendorNumber int           `xml:"VendorNumber,omitempty"`
	VendorName   string        `xml:"VendorName,omitempty"`
	DocumentDate string        `xml:"DocumentDate"`
	Currency     string        `xml:"Currency,omitempty"`
	NetTotal     *float64      `xml:"NetTotal,omitempty"`
	Items        []lineItemXML `xml:"Items>Item"`
}

type lineItemXML struct {
	Position     int     `xml:"Position"`
	Description  string  `xml:"Description,omitempty"`
	Quantity     float64 `xml:"Quantity"`
	UnitPrice    float64 `xml:"UnitPrice"`
	LineTotal    float64 `xml:"LineTotal"`
	DeliveryDate string  `xml:"DeliveryDate,omitempty"`
}

// EncodeConfirmationXML renders the ERP export payload for one confirmation.
// Only auto-archived documents get one; review-queue documents are exported
// after an operator heals them.
func EncodeConfirmationXML(doc schema.Confirmation) (string, error) {
	c := confirmationXML{
		DocType:      doc.DocType,
		BANumber:     doc.BANumber,
		SalesRef:     doc.SalesRef,
		VendorNumber: doc.VendorNumber,
		VendorName:   doc.VendorName,
		DocumentDate: doc.DocumentDate,
		Currency:     doc.Currency,
		NetTotal:     doc.NetTotal,
	}
	for _, it := range doc.Items {
		c.Items = append(c.Items, lineItemXML{
			Position:     it.Position,
			Description:  it.Description,
			Quantity:     it.Quantity,
			UnitPrice:    it.UnitPrice,
			LineTotal:    it.LineTotal,
			DeliveryDate: it.DeliveryDate,
		})
	}
	b, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode confirmation xml: %w", err)
	}
	return xml.Header + string(b) + "\n", nil
}
