package bills

import (
	"io"
	"log/slog"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBills(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Bills Suite")
}

var _ = Describe("Status", func() {
	Describe("Transition", func() {
		It("allows pending to processing", func() {
			next, err := StatusPending.Transition(StatusProcessing)
			Expect(err).NotTo(HaveOccurred())
			Expect(next).To(Equal(StatusProcessing))
		})

		It("allows processing to each terminal status", func() {
			for _, terminal := range []Status{StatusCompleted, StatusToVerify, StatusError} {
				next, err := StatusProcessing.Transition(terminal)
				Expect(err).NotTo(HaveOccurred())
				Expect(next).To(Equal(terminal))
			}
		})

		It("allows retrying an errored bill", func() {
			_, err := StatusError.Transition(StatusProcessing)
			Expect(err).NotTo(HaveOccurred())
		})

		It("allows completing a bill under review", func() {
			_, err := StatusToVerify.Transition(StatusCompleted)
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects skipping processing", func() {
			_, err := StatusPending.Transition(StatusCompleted)
			Expect(err).To(HaveOccurred())
		})

		It("rejects leaving completed", func() {
			for _, target := range []Status{StatusPending, StatusProcessing, StatusToVerify, StatusError} {
				_, err := StatusCompleted.Transition(target)
				Expect(err).To(HaveOccurred())
			}
		})

		It("rejects unknown statuses", func() {
			_, err := Status("bogus").Transition(StatusProcessing)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Terminal", func() {
		It("marks each run outcome as terminal", func() {
			for _, s := range []Status{StatusCompleted, StatusToVerify, StatusError} {
				Expect(s.Terminal()).To(BeTrue())
			}
		})

		It("does not mark pending or processing as terminal", func() {
			Expect(StatusPending.Terminal()).To(BeFalse())
			Expect(StatusProcessing.Terminal()).To(BeFalse())
		})
	})
})

var _ = Describe("RoundMoney", func() {
	It("rounds to two decimals", func() {
		Expect(RoundMoney(1.005)).To(BeNumerically("~", 1.0, 0.011))
		Expect(RoundMoney(2.344)).To(Equal(2.34))
		Expect(RoundMoney(2.346)).To(Equal(2.35))
	})
})

var _ = Describe("NewItem", func() {
	It("computes the line total from quantity and unit price", func() {
		item := NewItem{Quantity: 3, UnitPrice: 1.99}
		Expect(item.TotalPrice()).To(Equal(5.97))
	})

	It("rounds fractional quantities", func() {
		item := NewItem{Quantity: 0.454, UnitPrice: 9.80}
		Expect(item.TotalPrice()).To(Equal(4.45))
	})
})
