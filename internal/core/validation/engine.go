package validation

import (
	"fmt"
	"math"

	"github.com/SnapSpend/receipt-service/internal/core/bills"
)

// minAbsoluteTolerance keeps the total check meaningful for tiny
// receipts, where a percentage of the total rounds below one cent.
const minAbsoluteTolerance = 0.01

// Result is the verdict on one extracted bill: the terminal status it
// should finalize into and the reasons it was routed to review.
type Result struct {
	Status        bills.Status
	TotalMismatch bool
	Reasons       []string
}

// Engine decides whether a processed bill can complete on its own or
// needs a human pass.
type Engine struct {
	tolerancePct   float64
	confidenceGate float64
}

func NewEngine(tolerancePct, confidenceGate float64) *Engine {
	return &Engine{
		tolerancePct:   tolerancePct,
		confidenceGate: confidenceGate,
	}
}

// Evaluate checks the declared total against the item sum and every
// item confidence against the gate. Any failure routes the bill to
// verification instead of failing the run; the extracted data is kept.
func (e *Engine) Evaluate(declaredTotal float64, items []bills.NewItem) Result {
	result := Result{Status: bills.StatusCompleted}

	sum := 0.0
	for _, item := range items {
		sum += item.TotalPrice()
	}
	sum = bills.RoundMoney(sum)

	tolerance := math.Max(minAbsoluteTolerance, e.tolerancePct*declaredTotal)
	if diff := math.Abs(sum - declaredTotal); diff > tolerance {
		result.Status = bills.StatusToVerify
		result.TotalMismatch = true
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("item sum %.2f deviates from declared total %.2f by %.2f (tolerance %.2f)",
				sum, declaredTotal, diff, tolerance))
	}

	for _, item := range items {
		if item.Confidence != nil && *item.Confidence < e.confidenceGate {
			result.Status = bills.StatusToVerify
			result.Reasons = append(result.Reasons,
				fmt.Sprintf("item %d %q confidence %.2f below gate %.2f",
					item.ItemOrder, item.RawText, *item.Confidence, e.confidenceGate))
		}
	}

	return result
}

// CombineConfidence folds the extraction-side confidence into the
// resolution tier confidence. The weaker signal wins.
func CombineConfidence(extracted *float64, tier float64) float64 {
	if extracted != nil && *extracted < tier {
		return *extracted
	}
	return tier
}
