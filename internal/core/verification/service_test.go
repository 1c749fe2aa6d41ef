package verification

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"

	"github.com/SnapSpend/receipt-service/internal/core/bills"
	"github.com/SnapSpend/receipt-service/internal/core/catalog"
)

func TestVerification(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Verification Suite")
}

// mockBillStore is an in-memory implementation of BillStore
type mockBillStore struct {
	bills map[uuid.UUID]*bills.Bill
	items map[uuid.UUID]*bills.BillItem
}

func newMockBillStore() *mockBillStore {
	return &mockBillStore{
		bills: make(map[uuid.UUID]*bills.Bill),
		items: make(map[uuid.UUID]*bills.BillItem),
	}
}

func (m *mockBillStore) addBill(status bills.Status) *bills.Bill {
	bill := &bills.Bill{ID: uuid.New(), UserID: uuid.New(), Status: status}
	m.bills[bill.ID] = bill
	return bill
}

func (m *mockBillStore) addItem(billID uuid.UUID, rawText string, quantity, unitPrice float64) *bills.BillItem {
	item := &bills.BillItem{
		ID:        uuid.New(),
		BillID:    billID,
		RawText:   rawText,
		Quantity:  quantity,
		UnitPrice: unitPrice,
	}
	m.items[item.ID] = item
	return item
}

func (m *mockBillStore) Get(_ context.Context, id uuid.UUID) (*bills.Bill, error) {
	bill, ok := m.bills[id]
	if !ok {
		return nil, bills.ErrNotFound
	}
	copied := *bill
	return &copied, nil
}

func (m *mockBillStore) GetItem(_ context.Context, itemID uuid.UUID) (*bills.BillItem, error) {
	item, ok := m.items[itemID]
	if !ok {
		return nil, bills.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (m *mockBillStore) ApplyItemCorrection(_ context.Context, itemID uuid.UUID, corr bills.ItemCorrection) (*bills.BillItem, error) {
	item, ok := m.items[itemID]
	if !ok {
		return nil, bills.ErrNotFound
	}
	if corr.Quantity != nil {
		item.Quantity = *corr.Quantity
	}
	if corr.UnitPrice != nil {
		item.UnitPrice = *corr.UnitPrice
	}
	if corr.ProductID != nil {
		item.ProductID = corr.ProductID
	}
	item.TotalPrice = bills.RoundMoney(item.Quantity * item.UnitPrice)
	item.IsVerified = true
	item.VerificationSource = corr.Source
	copied := *item
	return &copied, nil
}

func (m *mockBillStore) CompleteIfFullyVerified(_ context.Context, billID uuid.UUID) (bool, error) {
	bill, ok := m.bills[billID]
	if !ok {
		return false, bills.ErrNotFound
	}
	if bill.Status != bills.StatusToVerify {
		return false, nil
	}
	for _, item := range m.items {
		if item.BillID == billID && !item.IsVerified {
			return false, nil
		}
	}
	bill.Status = bills.StatusCompleted
	return true, nil
}

func (m *mockBillStore) ListByStatus(_ context.Context, status bills.Status, limit, offset int) ([]*bills.Bill, error) {
	var out []*bills.Bill
	for _, bill := range m.bills {
		if bill.Status == status {
			out = append(out, bill)
		}
	}
	return out, nil
}

func (m *mockBillStore) GetWithItems(ctx context.Context, billID uuid.UUID) (*bills.BillWithItems, error) {
	bill, err := m.Get(ctx, billID)
	if err != nil {
		return nil, err
	}
	result := &bills.BillWithItems{Bill: *bill}
	for _, item := range m.items {
		if item.BillID == billID {
			result.Items = append(result.Items, *item)
		}
	}
	return result, nil
}

// mockAliasStore records upserted aliases
type mockAliasStore struct {
	upserts map[string]uuid.UUID
}

func newMockAliasStore() *mockAliasStore {
	return &mockAliasStore{upserts: make(map[string]uuid.UUID)}
}

func (m *mockAliasStore) UpsertAlias(_ context.Context, rawText string, productID uuid.UUID, _, _ *uuid.UUID) (*catalog.Alias, error) {
	m.upserts[strings.ToLower(rawText)] = productID
	return &catalog.Alias{ID: uuid.New(), RawText: rawText, ProductID: productID, ConfirmationCount: 1}, nil
}

// mockNotifier records finalized bills
type mockNotifier struct {
	finalized []*bills.Bill
}

func (m *mockNotifier) BillFinalized(_ context.Context, bill *bills.Bill) {
	m.finalized = append(m.finalized, bill)
}

var _ = Describe("Service", func() {
	var (
		store    *mockBillStore
		aliases  *mockAliasStore
		notifier *mockNotifier
		service  *Service
		ctx      context.Context
		bill     *bills.Bill
	)

	ptr := func(v float64) *float64 { return &v }

	BeforeEach(func() {
		store = newMockBillStore()
		aliases = newMockAliasStore()
		notifier = &mockNotifier{}
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		service = NewService(store, aliases, notifier, logger)
		ctx = context.Background()

		bill = store.addBill(bills.StatusToVerify)
	})

	Describe("VerifyItem", func() {
		It("marks the item verified and recomputes its total", func() {
			item := store.addItem(bill.ID, "VOLLMILCH", 1, 1.19)
			store.addItem(bill.ID, "BANANEN", 1, 2.35)

			updated, completed, err := service.VerifyItem(ctx, item.ID, bills.ItemCorrection{
				Quantity: ptr(2),
				Source:   bills.SourceUser,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.IsVerified).To(BeTrue())
			Expect(updated.Quantity).To(Equal(2.0))
			Expect(updated.TotalPrice).To(Equal(2.38))
			Expect(updated.VerificationSource).To(Equal(bills.SourceUser))
			Expect(completed).To(BeFalse())
		})

		It("completes the bill when the last item is verified", func() {
			first := store.addItem(bill.ID, "VOLLMILCH", 1, 1.19)
			second := store.addItem(bill.ID, "BANANEN", 1, 2.35)

			_, completed, err := service.VerifyItem(ctx, first.ID, bills.ItemCorrection{Source: bills.SourceUser})
			Expect(err).NotTo(HaveOccurred())
			Expect(completed).To(BeFalse())

			_, completed, err = service.VerifyItem(ctx, second.ID, bills.ItemCorrection{Source: bills.SourceUser})
			Expect(err).NotTo(HaveOccurred())
			Expect(completed).To(BeTrue())
			Expect(store.bills[bill.ID].Status).To(Equal(bills.StatusCompleted))
			Expect(notifier.finalized).To(HaveLen(1))
		})

		It("records a confirmed product binding as an alias", func() {
			item := store.addItem(bill.ID, "VOLLMILCH 3,5%", 1, 1.19)
			productID := uuid.New()

			_, _, err := service.VerifyItem(ctx, item.ID, bills.ItemCorrection{
				ProductID: &productID,
				Source:    bills.SourceAdmin,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(aliases.upserts).To(HaveKeyWithValue("vollmilch 3,5%", productID))
		})

		It("rejects corrections on a processing bill", func() {
			processing := store.addBill(bills.StatusProcessing)
			item := store.addItem(processing.ID, "VOLLMILCH", 1, 1.19)

			_, _, err := service.VerifyItem(ctx, item.ID, bills.ItemCorrection{Source: bills.SourceUser})
			Expect(err).To(MatchError(ErrBillNotReviewable))
		})

		It("rejects an automatic source", func() {
			item := store.addItem(bill.ID, "VOLLMILCH", 1, 1.19)

			_, _, err := service.VerifyItem(ctx, item.ID, bills.ItemCorrection{Source: bills.SourceAuto})
			Expect(err).To(MatchError(ErrBadCorrection))
		})

		It("rejects non-positive quantities", func() {
			item := store.addItem(bill.ID, "VOLLMILCH", 1, 1.19)

			_, _, err := service.VerifyItem(ctx, item.ID, bills.ItemCorrection{
				Quantity: ptr(0),
				Source:   bills.SourceUser,
			})
			Expect(err).To(MatchError(ErrBadCorrection))
		})

		It("rejects negative prices", func() {
			item := store.addItem(bill.ID, "VOLLMILCH", 1, 1.19)

			_, _, err := service.VerifyItem(ctx, item.ID, bills.ItemCorrection{
				UnitPrice: ptr(-1),
				Source:    bills.SourceUser,
			})
			Expect(err).To(MatchError(ErrBadCorrection))
		})

		It("returns not found for unknown items", func() {
			_, _, err := service.VerifyItem(ctx, uuid.New(), bills.ItemCorrection{Source: bills.SourceUser})
			Expect(err).To(MatchError(bills.ErrNotFound))
		})
	})

	Describe("ListPending", func() {
		It("returns only bills waiting for review", func() {
			store.addBill(bills.StatusCompleted)
			store.addBill(bills.StatusPending)

			pending, err := service.ListPending(ctx, 20, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ID).To(Equal(bill.ID))
		})
	})
})
