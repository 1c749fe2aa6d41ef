package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/SnapSpend/receipt-service/internal/core/bills"
	"github.com/SnapSpend/receipt-service/internal/core/catalog"
	"github.com/SnapSpend/receipt-service/internal/core/notify"
)

var tracer = otel.Tracer("verification-service")

var (
	ErrBillNotReviewable = errors.New("bill is not in a reviewable state")
	ErrBadCorrection     = errors.New("invalid correction")
)

// BillStore is the slice of bill persistence the workflow needs.
type BillStore interface {
	Get(ctx context.Context, id uuid.UUID) (*bills.Bill, error)
	GetItem(ctx context.Context, itemID uuid.UUID) (*bills.BillItem, error)
	ApplyItemCorrection(ctx context.Context, itemID uuid.UUID, corr bills.ItemCorrection) (*bills.BillItem, error)
	CompleteIfFullyVerified(ctx context.Context, billID uuid.UUID) (bool, error)
	ListByStatus(ctx context.Context, status bills.Status, limit, offset int) ([]*bills.Bill, error)
	GetWithItems(ctx context.Context, billID uuid.UUID) (*bills.BillWithItems, error)
}

// AliasStore records user-confirmed product bindings back into the
// catalog so the next receipt resolves the same text on tier one.
type AliasStore interface {
	UpsertAlias(ctx context.Context, rawText string, productID uuid.UUID, shopID, userID *uuid.UUID) (*catalog.Alias, error)
}

// Service runs the human review loop over bills routed to to_verify.
type Service struct {
	bills    BillStore
	catalog  AliasStore
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewService(billStore BillStore, aliasStore AliasStore, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		bills:    billStore,
		catalog:  aliasStore,
		notifier: notifier,
		logger:   logger,
	}
}

// VerifyItem applies a reviewer's correction to one item and marks it
// verified. When the last unverified item of a to_verify bill is
// cleared, the bill completes and the user is notified. The returned
// bool reports whether that flip happened.
func (s *Service) VerifyItem(ctx context.Context, itemID uuid.UUID, corr bills.ItemCorrection) (*bills.BillItem, bool, error) {
	ctx, span := tracer.Start(ctx, "verification.VerifyItem")
	defer span.End()

	if err := validateCorrection(corr); err != nil {
		return nil, false, err
	}

	item, err := s.bills.GetItem(ctx, itemID)
	if err != nil {
		return nil, false, err
	}

	bill, err := s.bills.Get(ctx, item.BillID)
	if err != nil {
		return nil, false, err
	}
	if bill.Status != bills.StatusToVerify && bill.Status != bills.StatusCompleted {
		return nil, false, fmt.Errorf("%w: bill %s is %s", ErrBillNotReviewable, bill.ID, bill.Status)
	}

	updated, err := s.bills.ApplyItemCorrection(ctx, itemID, corr)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	// A human binding the text to a product is the strongest alias
	// confirmation there is.
	if corr.ProductID != nil {
		if _, err := s.catalog.UpsertAlias(ctx, updated.RawText, *corr.ProductID, bill.ShopID, &bill.UserID); err != nil {
			s.logger.Warn("Failed to record verified alias",
				"item_id", itemID,
				"product_id", corr.ProductID,
				"error", err)
		}
	}

	completed, err := s.bills.CompleteIfFullyVerified(ctx, item.BillID)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	if completed {
		s.logger.Info("Bill fully verified", "bill_id", item.BillID)
		if finalized, err := s.bills.Get(ctx, item.BillID); err == nil {
			s.notifier.BillFinalized(ctx, finalized)
		}
	}

	return updated, completed, nil
}

// ListPending returns bills waiting for review, newest first.
func (s *Service) ListPending(ctx context.Context, limit, offset int) ([]*bills.Bill, error) {
	ctx, span := tracer.Start(ctx, "verification.ListPending")
	defer span.End()

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	return s.bills.ListByStatus(ctx, bills.StatusToVerify, limit, offset)
}

// GetBillForReview returns one bill with its items for the review UI.
func (s *Service) GetBillForReview(ctx context.Context, billID uuid.UUID) (*bills.BillWithItems, error) {
	ctx, span := tracer.Start(ctx, "verification.GetBillForReview")
	defer span.End()

	return s.bills.GetWithItems(ctx, billID)
}

func validateCorrection(corr bills.ItemCorrection) error {
	switch corr.Source {
	case bills.SourceUser, bills.SourceAdmin:
	default:
		return fmt.Errorf("%w: source must be user or admin", ErrBadCorrection)
	}
	if corr.Quantity != nil && *corr.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrBadCorrection)
	}
	if corr.UnitPrice != nil && *corr.UnitPrice < 0 {
		return fmt.Errorf("%w: unit price cannot be negative", ErrBadCorrection)
	}
	return nil
}
