package extraction

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestExtraction(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Extraction Suite")
}

const validResponse = `{
	"shop_name": "REWE Markt",
	"shop_address": "Hauptstr. 1",
	"bill_date": "2026-08-30",
	"total_amount": 17.43,
	"confidence": 0.95,
	"items": [
		{"description": "VOLLMILCH 3,5%", "quantity": 2, "unit_price": 1.19, "total_price": 2.38, "category_suggestion": "Dairy", "confidence": 0.9},
		{"description": "BANANEN", "quantity": 1, "unit_price": 2.35, "total_price": 2.35, "category_suggestion": "Fruit"}
	]
}`

const validItem = `{"description": "x", "quantity": 1, "unit_price": 1, "total_price": 1, "category_suggestion": "Other"}`

var _ = Describe("ParseResponse", func() {
	It("decodes a valid provider response", func() {
		receipt, err := ParseResponse([]byte(validResponse))
		Expect(err).NotTo(HaveOccurred())
		Expect(receipt.ShopName).To(Equal("REWE Markt"))
		Expect(*receipt.ShopAddress).To(Equal("Hauptstr. 1"))
		Expect(receipt.BillDate).To(Equal("2026-08-30"))
		Expect(receipt.TotalAmount).To(Equal(17.43))
		Expect(receipt.Items).To(HaveLen(2))
		Expect(receipt.Items[0].Quantity).To(Equal(2.0))
		Expect(receipt.Items[0].CategorySuggestion).To(Equal("Dairy"))
		Expect(receipt.Items[1].Confidence).To(BeNil())
	})

	It("rejects malformed JSON", func() {
		_, err := ParseResponse([]byte(`{"shop_name": `))
		Expect(err).To(HaveOccurred())
		Expect(isTransient(err)).To(BeFalse())
	})

	It("rejects a missing shop name", func() {
		_, err := ParseResponse([]byte(`{"bill_date": "2026-08-30", "total_amount": 1, "items": [` + validItem + `]}`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects an empty item list", func() {
		_, err := ParseResponse([]byte(`{"shop_name": "A", "bill_date": "2026-08-30", "total_amount": 1, "items": []}`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a non ISO date", func() {
		_, err := ParseResponse([]byte(`{"shop_name": "A", "bill_date": "30.08.2026", "total_amount": 1, "items": [` + validItem + `]}`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects zero quantities", func() {
		_, err := ParseResponse([]byte(`{"shop_name": "A", "bill_date": "2026-08-30", "total_amount": 1, "items": [{"description": "x", "quantity": 0, "unit_price": 1, "total_price": 0, "category_suggestion": "Other"}]}`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects an item without a line total", func() {
		_, err := ParseResponse([]byte(`{"shop_name": "A", "bill_date": "2026-08-30", "total_amount": 1, "items": [{"description": "x", "quantity": 1, "unit_price": 1, "category_suggestion": "Other"}]}`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects negative totals", func() {
		_, err := ParseResponse([]byte(`{"shop_name": "A", "bill_date": "2026-08-30", "total_amount": -5, "items": [` + validItem + `]}`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects unknown fields", func() {
		_, err := ParseResponse([]byte(`{"shop_name": "A", "bill_date": "2026-08-30", "total_amount": 1, "surprise": true, "items": [` + validItem + `]}`))
		Expect(err).To(HaveOccurred())
	})
})

func isTransient(err error) bool {
	var extErr *ExtractionError
	return errors.As(err, &extErr) && extErr.Transient
}
