package bills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SnapSpend/receipt-service/internal/infra/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("bills-repository")

// ErrNotFound is returned when a bill or item does not exist.
var ErrNotFound = errors.New("bill not found")

// Repository persists bills and their items.
type Repository struct {
	db     postgres.DB
	logger *slog.Logger
}

func NewRepository(db postgres.DB, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const billColumns = `id, user_id, bill_date, total_amount, status, error_message,
       shop_id, image_ref, image_hash, created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var bill Bill
	err := row.Scan(
		&bill.ID, &bill.UserID, &bill.BillDate, &bill.TotalAmount,
		&bill.Status, &bill.ErrorMessage, &bill.ShopID, &bill.ImageRef,
		&bill.ImageHash, &bill.CreatedAt, &bill.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &bill, nil
}

func (r *Repository) Create(ctx context.Context, req CreateBillRequest) (*Bill, error) {
	ctx, span := tracer.Start(ctx, "bills.Create")
	defer span.End()

	query := `
		INSERT INTO bills (id, user_id, status, image_ref, image_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING ` + billColumns

	bill, err := scanBill(r.db.QueryRow(ctx, query, uuid.New(), req.UserID, StatusPending, req.ImageRef, req.ImageHash))
	if err != nil {
		span.RecordError(err)
		r.logger.Error("Failed to create bill",
			"error", err,
			"user_id", req.UserID,
			"image_ref", req.ImageRef)
		return nil, fmt.Errorf("failed to create bill: %w", err)
	}

	return bill, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Bill, error) {
	ctx, span := tracer.Start(ctx, "bills.Get")
	defer span.End()

	query := `SELECT ` + billColumns + ` FROM bills WHERE id = $1`

	bill, err := scanBill(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}

	return bill, nil
}

// TryBeginProcessing is the single-writer gate. The transition into
// processing succeeds only if the bill currently sits in pending or
// error; a concurrent run observes zero affected rows and backs off.
func (r *Repository) TryBeginProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := tracer.Start(ctx, "bills.TryBeginProcessing")
	defer span.End()

	query := `
		UPDATE bills
		SET status = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`

	tag, err := r.db.Exec(ctx, query, id, StatusProcessing, StatusPending, StatusError)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to begin processing: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// SetImageHash records the content hash of the fetched image bytes.
func (r *Repository) SetImageHash(ctx context.Context, id uuid.UUID, hash string) error {
	ctx, span := tracer.Start(ctx, "bills.SetImageHash")
	defer span.End()

	_, err := r.db.Exec(ctx, `UPDATE bills SET image_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set image hash: %w", err)
	}
	return nil
}

// FindCompletedByImageHash backs the dedup short-circuit: a completed
// bill for the same user and image content is returned instead of
// reprocessing.
func (r *Repository) FindCompletedByImageHash(ctx context.Context, userID uuid.UUID, hash string) (*Bill, error) {
	ctx, span := tracer.Start(ctx, "bills.FindCompletedByImageHash")
	defer span.End()

	query := `SELECT ` + billColumns + ` FROM bills WHERE user_id = $1 AND image_hash = $2 AND status = $3`

	bill, err := scanBill(r.db.QueryRow(ctx, query, userID, hash, StatusCompleted))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to look up bill by image hash: %w", err)
	}

	return bill, nil
}

// MarkError records a terminal run failure verbatim. The conditional
// status guard keeps the transition inside the legal edge set.
func (r *Repository) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	ctx, span := tracer.Start(ctx, "bills.MarkError")
	defer span.End()

	query := `
		UPDATE bills
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`

	tag, err := r.db.Exec(ctx, query, id, StatusError, message, StatusProcessing)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark bill as errored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("illegal bill status transition to %s: bill %s is not processing", StatusError, id)
	}

	return nil
}

// Finalize commits the outcome of one successful run as a single atomic
// unit: prior items are replaced by the new set and the bill moves to
// its terminal status. A crash mid-pipeline therefore never leaves
// items behind without the matching status.
func (r *Repository) Finalize(ctx context.Context, req FinalizeRequest) error {
	ctx, span := tracer.Start(ctx, "bills.Finalize")
	defer span.End()

	if _, err := StatusProcessing.Transition(req.Status); err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM bill_items WHERE bill_id = $1`, req.BillID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear prior bill items: %w", err)
	}

	insertQuery := `
		INSERT INTO bill_items (
			id, bill_id, item_order, raw_text, quantity, unit_price, total_price,
			confidence, is_verified, verification_source, product_id, category_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`

	for _, item := range req.Items {
		_, err := tx.Exec(ctx, insertQuery,
			uuid.New(), req.BillID, item.ItemOrder, item.RawText,
			item.Quantity, item.UnitPrice, item.TotalPrice(),
			item.Confidence, false, SourceAuto, item.ProductID, item.CategoryID,
		)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert bill item %d: %w", item.ItemOrder, err)
		}
	}

	updateQuery := `
		UPDATE bills
		SET status = $2, shop_id = $3, bill_date = $4, total_amount = $5,
		    error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`

	tag, err := tx.Exec(ctx, updateQuery,
		req.BillID, req.Status, req.ShopID, req.BillDate, req.TotalAmount, StatusProcessing)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to finalize bill status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("illegal bill status transition to %s: bill %s is not processing", req.Status, req.BillID)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit finalize transaction: %w", err)
	}

	return nil
}

const itemColumns = `id, bill_id, item_order, raw_text, quantity, unit_price, total_price,
       confidence, is_verified, verification_source, product_id, category_id,
       created_at, updated_at`

func scanItem(row pgx.Row) (*BillItem, error) {
	var item BillItem
	err := row.Scan(
		&item.ID, &item.BillID, &item.ItemOrder, &item.RawText,
		&item.Quantity, &item.UnitPrice, &item.TotalPrice,
		&item.Confidence, &item.IsVerified, &item.VerificationSource,
		&item.ProductID, &item.CategoryID, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Repository) GetItems(ctx context.Context, billID uuid.UUID) ([]*BillItem, error) {
	ctx, span := tracer.Start(ctx, "bills.GetItems")
	defer span.End()

	query := `SELECT ` + itemColumns + ` FROM bill_items WHERE bill_id = $1 ORDER BY item_order`

	rows, err := r.db.Query(ctx, query, billID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get bill items: %w", err)
	}
	defer rows.Close()

	var items []*BillItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan bill item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to iterate bill items: %w", err)
	}

	return items, nil
}

func (r *Repository) GetItem(ctx context.Context, itemID uuid.UUID) (*BillItem, error) {
	ctx, span := tracer.Start(ctx, "bills.GetItem")
	defer span.End()

	query := `SELECT ` + itemColumns + ` FROM bill_items WHERE id = $1`

	item, err := scanItem(r.db.QueryRow(ctx, query, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get bill item: %w", err)
	}

	return item, nil
}

// GetWithItems retrieves a bill together with all its items.
func (r *Repository) GetWithItems(ctx context.Context, billID uuid.UUID) (*BillWithItems, error) {
	ctx, span := tracer.Start(ctx, "bills.GetWithItems")
	defer span.End()

	bill, err := r.Get(ctx, billID)
	if err != nil {
		return nil, err
	}

	items, err := r.GetItems(ctx, billID)
	if err != nil {
		return nil, err
	}

	result := &BillWithItems{Bill: *bill}
	for _, item := range items {
		result.Items = append(result.Items, *item)
	}

	return result, nil
}

// ListByStatus retrieves bills in a given state, newest first. The
// verification workflow reads to_verify bills through this.
func (r *Repository) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Bill, error) {
	ctx, span := tracer.Start(ctx, "bills.ListByStatus")
	defer span.End()

	query := `SELECT ` + billColumns + ` FROM bills WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list bills: %w", err)
	}
	defer rows.Close()

	var result []*Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan bill: %w", err)
		}
		result = append(result, bill)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to iterate bills: %w", err)
	}

	return result, nil
}

// ApplyItemCorrection marks one item verified, applying optional
// quantity/price/product corrections and recomputing the line total.
func (r *Repository) ApplyItemCorrection(ctx context.Context, itemID uuid.UUID, corr ItemCorrection) (*BillItem, error) {
	ctx, span := tracer.Start(ctx, "bills.ApplyItemCorrection")
	defer span.End()

	item, err := r.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	quantity := item.Quantity
	unitPrice := item.UnitPrice
	if corr.Quantity != nil {
		quantity = *corr.Quantity
	}
	if corr.UnitPrice != nil {
		unitPrice = *corr.UnitPrice
	}
	productID := item.ProductID
	if corr.ProductID != nil {
		productID = corr.ProductID
	}

	query := `
		UPDATE bill_items
		SET quantity = $2, unit_price = $3, total_price = $4, product_id = $5,
		    is_verified = TRUE, verification_source = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + itemColumns

	updated, err := scanItem(r.db.QueryRow(ctx, query,
		itemID, quantity, unitPrice, RoundMoney(quantity*unitPrice), productID, corr.Source))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to apply item correction: %w", err)
	}

	return updated, nil
}

// CompleteIfFullyVerified flips a to_verify bill to completed once no
// unverified items remain. Returns whether the flip happened.
func (r *Repository) CompleteIfFullyVerified(ctx context.Context, billID uuid.UUID) (bool, error) {
	ctx, span := tracer.Start(ctx, "bills.CompleteIfFullyVerified")
	defer span.End()

	query := `
		UPDATE bills
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		  AND NOT EXISTS (SELECT 1 FROM bill_items WHERE bill_id = $1 AND NOT is_verified)
	`

	tag, err := r.db.Exec(ctx, query, billID, StatusCompleted, StatusToVerify)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to complete verified bill: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ResetStale moves bills stuck in processing beyond the given age back
// to error so an abandoned run is always recoverable.
func (r *Repository) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span := tracer.Start(ctx, "bills.ResetStale")
	defer span.End()

	query := `
		UPDATE bills
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE status = $3 AND updated_at < NOW() - $4::interval
	`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	tag, err := r.db.Exec(ctx, query, StatusError, "processing timed out", StatusProcessing, interval)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to reset stale bills: %w", err)
	}

	return tag.RowsAffected(), nil
}
