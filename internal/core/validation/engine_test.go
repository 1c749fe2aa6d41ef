package validation

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/SnapSpend/receipt-service/internal/core/bills"
)

func TestValidation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Validation Suite")
}

func ptr(v float64) *float64 { return &v }

var _ = Describe("Engine", func() {
	var engine *Engine

	BeforeEach(func() {
		engine = NewEngine(0.01, 0.80)
	})

	Describe("Evaluate", func() {
		It("completes a bill whose items sum to the declared total", func() {
			result := engine.Evaluate(5.97, []bills.NewItem{
				{Quantity: 3, UnitPrice: 1.99, Confidence: ptr(0.95)},
			})
			Expect(result.Status).To(Equal(bills.StatusCompleted))
			Expect(result.Reasons).To(BeEmpty())
		})

		It("tolerates deviation within one percent of the total", func() {
			result := engine.Evaluate(100.00, []bills.NewItem{
				{Quantity: 1, UnitPrice: 99.10, Confidence: ptr(0.95)},
			})
			Expect(result.Status).To(Equal(bills.StatusCompleted))
			Expect(result.TotalMismatch).To(BeFalse())
		})

		It("routes a larger deviation to verification", func() {
			result := engine.Evaluate(100.00, []bills.NewItem{
				{Quantity: 1, UnitPrice: 95.00, Confidence: ptr(0.95)},
			})
			Expect(result.Status).To(Equal(bills.StatusToVerify))
			Expect(result.TotalMismatch).To(BeTrue())
			Expect(result.Reasons).NotTo(BeEmpty())
		})

		It("keeps at least a one cent tolerance on tiny receipts", func() {
			result := engine.Evaluate(0.50, []bills.NewItem{
				{Quantity: 1, UnitPrice: 0.51, Confidence: ptr(0.95)},
			})
			Expect(result.Status).To(Equal(bills.StatusCompleted))
		})

		It("routes low item confidence to verification", func() {
			result := engine.Evaluate(1.19, []bills.NewItem{
				{Quantity: 1, UnitPrice: 1.19, Confidence: ptr(0.60)},
			})
			Expect(result.Status).To(Equal(bills.StatusToVerify))
			Expect(result.TotalMismatch).To(BeFalse())
		})

		It("collects every failing reason", func() {
			result := engine.Evaluate(50.00, []bills.NewItem{
				{ItemOrder: 0, RawText: "a", Quantity: 1, UnitPrice: 10.00, Confidence: ptr(0.50)},
				{ItemOrder: 1, RawText: "b", Quantity: 1, UnitPrice: 10.00, Confidence: ptr(0.70)},
			})
			Expect(result.Status).To(Equal(bills.StatusToVerify))
			Expect(result.Reasons).To(HaveLen(3))
		})

		It("treats items without confidence as trusted", func() {
			result := engine.Evaluate(1.19, []bills.NewItem{
				{Quantity: 1, UnitPrice: 1.19},
			})
			Expect(result.Status).To(Equal(bills.StatusCompleted))
		})
	})

	Describe("CombineConfidence", func() {
		It("takes the weaker of extraction and tier confidence", func() {
			Expect(CombineConfidence(ptr(0.5), 0.85)).To(Equal(0.5))
			Expect(CombineConfidence(ptr(0.99), 0.85)).To(Equal(0.85))
		})

		It("uses the tier confidence when extraction gave none", func() {
			Expect(CombineConfidence(nil, 0.85)).To(Equal(0.85))
		})
	})
})
