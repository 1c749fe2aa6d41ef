package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/SnapSpend/receipt-service/config"
	"github.com/SnapSpend/receipt-service/internal/core/bills"
	"github.com/SnapSpend/receipt-service/internal/core/catalog"
	"github.com/SnapSpend/receipt-service/internal/core/extraction"
	"github.com/SnapSpend/receipt-service/internal/core/notify"
	"github.com/SnapSpend/receipt-service/internal/core/shops"
	"github.com/SnapSpend/receipt-service/internal/core/validation"
	"github.com/SnapSpend/receipt-service/pkg/telemetry"
)

var tracer = otel.Tracer("pipeline-service")

var (
	// ErrBillNotProcessable is returned when the processing gate
	// refuses entry because the bill is already processing or sits in
	// a terminal state.
	ErrBillNotProcessable = errors.New("bill cannot enter processing")

	ErrImageTooLarge = errors.New("receipt image exceeds the size limit")
	ErrBadImage      = errors.New("unsupported receipt image format")
)

// BillStore is the bill persistence surface the pipeline drives.
type BillStore interface {
	Create(ctx context.Context, req bills.CreateBillRequest) (*bills.Bill, error)
	Get(ctx context.Context, id uuid.UUID) (*bills.Bill, error)
	GetWithItems(ctx context.Context, id uuid.UUID) (*bills.BillWithItems, error)
	TryBeginProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	FindCompletedByImageHash(ctx context.Context, userID uuid.UUID, hash string) (*bills.Bill, error)
	MarkError(ctx context.Context, id uuid.UUID, message string) error
	Finalize(ctx context.Context, req bills.FinalizeRequest) error
	ResetStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ShopResolver resolves extracted shop header text to a shop row.
type ShopResolver interface {
	GetOrCreate(ctx context.Context, rawName string, address *string) (*shops.Shop, error)
}

// ProductResolver pushes raw item text through the resolution funnel.
type ProductResolver interface {
	Resolve(ctx context.Context, in catalog.ResolveInput) (*catalog.Resolution, error)
}

// Extractor turns receipt image bytes into a structured receipt.
type Extractor interface {
	ExtractReceipt(ctx context.Context, image []byte) (*extraction.ExtractedReceipt, error)
}

// ImageStore fetches and stores receipt images by ref.
type ImageStore interface {
	Store(ctx context.Context, data []byte, contentType string) (string, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Dedup fronts the completed-bill image hash lookup. Best effort.
type Dedup interface {
	Lookup(ctx context.Context, userID uuid.UUID, imageHash string) (uuid.UUID, bool)
	Remember(ctx context.Context, userID uuid.UUID, imageHash string, billID uuid.UUID)
}

// Service orchestrates one receipt through submission, extraction,
// resolution, validation, and finalization.
type Service struct {
	billStore BillStore
	shops     ShopResolver
	products  ProductResolver
	extractor Extractor
	images    ImageStore
	dedup     Dedup
	validator *validation.Engine
	notifier  notify.Notifier
	config    config.PipelineConfig
	logger    *slog.Logger
}

func NewService(
	billStore BillStore,
	shopResolver ShopResolver,
	productResolver ProductResolver,
	extractor Extractor,
	images ImageStore,
	dedup Dedup,
	validator *validation.Engine,
	notifier notify.Notifier,
	cfg config.PipelineConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		billStore: billStore,
		shops:     shopResolver,
		products:  productResolver,
		extractor: extractor,
		images:    images,
		dedup:     dedup,
		validator: validator,
		notifier:  notifier,
		config:    cfg,
		logger:    logger,
	}
}

// Submit stores an uploaded receipt image and creates the pending
// bill. The image is validated and hashed here so every later dedup
// check can rely on the stored hash.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, image []byte) (*bills.Bill, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Submit")
	defer span.End()

	if int64(len(image)) > s.config.MaxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrImageTooLarge, len(image), s.config.MaxImageBytes)
	}
	contentType, ok := extraction.SniffImageType(image)
	if !ok {
		return nil, ErrBadImage
	}

	sum := sha256.Sum256(image)
	hash := hex.EncodeToString(sum[:])

	ref, err := s.images.Store(ctx, image, contentType)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store receipt image: %w", err)
	}

	bill, err := s.billStore.Create(ctx, bills.CreateBillRequest{
		UserID:    userID,
		ImageRef:  ref,
		ImageHash: &hash,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("Receipt submitted",
		"bill_id", bill.ID,
		"user_id", userID,
		"image_ref", ref,
		"bytes", len(image))

	return bill, nil
}

// Process runs one bill through the pipeline. A duplicate image short
// circuits to the prior completed bill. Any failure after the gate
// lands the bill in error with the cause recorded; the errored bill is
// returned, not an error, because the run itself concluded.
func (s *Service) Process(ctx context.Context, billID uuid.UUID) (*bills.Bill, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Process")
	defer span.End()
	span.SetAttributes(attribute.String("bill.id", billID.String()))

	bill, err := s.billStore.Get(ctx, billID)
	if err != nil {
		return nil, err
	}

	if prior := s.findDuplicate(ctx, bill); prior != nil {
		s.logger.Info("Duplicate receipt, returning prior bill",
			"bill_id", bill.ID,
			"prior_bill_id", prior.ID)
		if telemetry.DedupShortCircuits != nil {
			telemetry.DedupShortCircuits.Add(ctx, 1)
		}
		return prior, nil
	}

	ok, err := s.billStore.TryBeginProcessing(ctx, billID)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, getErr := s.billStore.Get(ctx, billID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: bill %s is %s", ErrBillNotProcessable, billID, current.Status)
	}

	if telemetry.BillsInProcessing != nil {
		telemetry.BillsInProcessing.Add(ctx, 1)
		defer telemetry.BillsInProcessing.Add(ctx, -1)
	}

	start := time.Now()
	status, err := s.run(ctx, bill)
	if err != nil {
		return s.failRun(ctx, bill, err)
	}

	if telemetry.PipelineDuration != nil {
		telemetry.PipelineDuration.Record(ctx, time.Since(start).Seconds())
	}
	if telemetry.BillsProcessedTotal != nil {
		telemetry.BillsProcessedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", string(status))))
	}

	finalized, err := s.billStore.Get(ctx, billID)
	if err != nil {
		return nil, err
	}

	if finalized.Status == bills.StatusCompleted && finalized.ImageHash != nil {
		s.dedup.Remember(ctx, finalized.UserID, *finalized.ImageHash, finalized.ID)
	}
	s.notifier.BillFinalized(ctx, finalized)

	return finalized, nil
}

// run carries a bill from processing to its finalized terminal status
// and returns that status.
func (s *Service) run(ctx context.Context, bill *bills.Bill) (bills.Status, error) {
	image, err := s.images.Fetch(ctx, bill.ImageRef)
	if err != nil {
		return "", fmt.Errorf("failed to fetch receipt image: %w", err)
	}

	receipt, err := s.extractor.ExtractReceipt(ctx, image)
	if err != nil {
		return "", err
	}

	forceReview := false
	var reviewReasons []string

	var shopID *uuid.UUID
	shop, err := s.shops.GetOrCreate(ctx, receipt.ShopName, receipt.ShopAddress)
	switch {
	case errors.Is(err, shops.ErrEmptyName):
		forceReview = true
		reviewReasons = append(reviewReasons, "shop name missing from receipt")
	case err != nil:
		return "", err
	default:
		shopID = &shop.ID
	}

	billDate, err := time.Parse("2006-01-02", receipt.BillDate)
	if err != nil {
		return "", fmt.Errorf("extraction returned unparseable bill date %q: %w", receipt.BillDate, err)
	}
	if billDate.After(time.Now().Add(24 * time.Hour)) {
		forceReview = true
		reviewReasons = append(reviewReasons, fmt.Sprintf("bill date %s is in the future", receipt.BillDate))
	}

	items, err := s.resolveItems(ctx, bill, receipt, shopID)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", errors.New("no usable items extracted from receipt")
	}

	verdict := s.validator.Evaluate(receipt.TotalAmount, items)
	status := verdict.Status
	if forceReview {
		status = bills.StatusToVerify
	}

	if verdict.TotalMismatch && telemetry.ValidationMismatches != nil {
		telemetry.ValidationMismatches.Add(ctx, 1)
	}
	if status == bills.StatusToVerify {
		s.logger.Info("Bill routed to verification",
			"bill_id", bill.ID,
			"reasons", append(reviewReasons, verdict.Reasons...))
	}

	total := bills.RoundMoney(receipt.TotalAmount)
	err = s.billStore.Finalize(ctx, bills.FinalizeRequest{
		BillID:      bill.ID,
		Status:      status,
		ShopID:      shopID,
		BillDate:    &billDate,
		TotalAmount: &total,
		Items:       items,
	})
	if err != nil {
		return "", err
	}

	return status, nil
}

func (s *Service) resolveItems(ctx context.Context, bill *bills.Bill, receipt *extraction.ExtractedReceipt, shopID *uuid.UUID) ([]bills.NewItem, error) {
	items := make([]bills.NewItem, 0, len(receipt.Items))
	order := 0

	for _, extracted := range receipt.Items {
		resolution, err := s.products.Resolve(ctx, catalog.ResolveInput{
			RawText:      extracted.Description,
			CategoryHint: extracted.CategorySuggestion,
			ShopID:       shopID,
			UserID:       &bill.UserID,
		})
		if errors.Is(err, catalog.ErrEmptyText) {
			s.logger.Warn("Dropping item with empty text")
			continue
		}
		if err != nil {
			return nil, err
		}

		itemConfidence := extracted.Confidence
		if itemConfidence == nil {
			itemConfidence = receipt.Confidence
		}
		confidence := validation.CombineConfidence(itemConfidence, resolution.Confidence)

		if telemetry.ItemConfidenceScores != nil {
			telemetry.ItemConfidenceScores.Record(ctx, confidence,
				metric.WithAttributes(attribute.String("tier", string(resolution.Tier))))
		}

		items = append(items, bills.NewItem{
			ItemOrder:  order,
			RawText:    extracted.Description,
			Quantity:   extracted.Quantity,
			UnitPrice:  bills.RoundMoney(extracted.UnitPrice),
			Confidence: &confidence,
			ProductID:  resolution.ProductID,
			CategoryID: resolution.CategoryID,
		})
		order++
	}

	return items, nil
}

func (s *Service) failRun(ctx context.Context, bill *bills.Bill, cause error) (*bills.Bill, error) {
	s.logger.Error("Pipeline run failed",
		"bill_id", bill.ID,
		"error", cause)

	if telemetry.PipelineErrorsTotal != nil {
		telemetry.PipelineErrorsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("cause", causeLabel(cause))))
	}
	if telemetry.BillsProcessedTotal != nil {
		telemetry.BillsProcessedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", string(bills.StatusError))))
	}

	if err := s.billStore.MarkError(ctx, bill.ID, cause.Error()); err != nil {
		return nil, errors.Join(cause, err)
	}

	errored, err := s.billStore.Get(ctx, bill.ID)
	if err != nil {
		return nil, err
	}
	s.notifier.BillFinalized(ctx, errored)

	return errored, nil
}

func (s *Service) findDuplicate(ctx context.Context, bill *bills.Bill) *bills.Bill {
	if bill.ImageHash == nil {
		return nil
	}

	if priorID, hit := s.dedup.Lookup(ctx, bill.UserID, *bill.ImageHash); hit && priorID != bill.ID {
		if prior, err := s.billStore.Get(ctx, priorID); err == nil && prior.Status == bills.StatusCompleted {
			return prior
		}
	}

	prior, err := s.billStore.FindCompletedByImageHash(ctx, bill.UserID, *bill.ImageHash)
	if err != nil {
		s.logger.Warn("Dedup lookup failed, proceeding without it", "error", err)
		return nil
	}
	if prior == nil || prior.ID == bill.ID {
		return nil
	}

	s.dedup.Remember(ctx, bill.UserID, *bill.ImageHash, prior.ID)
	return prior
}

func causeLabel(err error) string {
	var fileErr *extraction.FileValidationError
	var extErr *extraction.ExtractionError
	switch {
	case errors.As(err, &fileErr):
		return "file_validation"
	case errors.As(err, &extErr):
		return "extraction_" + extErr.Stage
	default:
		return "internal"
	}
}

// SweepStale resets bills stuck in processing past the configured age
// and reports how many were reset.
func (s *Service) SweepStale(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "pipeline.SweepStale")
	defer span.End()

	reset, err := s.billStore.ResetStale(ctx, s.config.StaleProcessingAge)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	if reset > 0 {
		s.logger.Warn("Reset stale processing bills", "count", reset)
		if telemetry.StaleProcessingResets != nil {
			telemetry.StaleProcessingResets.Add(ctx, reset)
		}
	}

	return reset, nil
}

// StartStaleSweeper runs SweepStale on a fixed interval until the
// context is cancelled.
func (s *Service) StartStaleSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepStale(ctx); err != nil {
					s.logger.Error("Stale sweep failed", "error", err)
				}
			}
		}
	}()
}
