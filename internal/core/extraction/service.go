package extraction

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("extraction-service")

// Provider turns image bytes into a structured receipt.
type Provider interface {
	Extract(ctx context.Context, image []byte, contentType string) (*ExtractedReceipt, error)
}

// Service validates receipt images and delegates to the configured
// vision provider. All cheap local checks run before any network call.
type Service struct {
	provider      Provider
	maxImageBytes int64
	logger        *slog.Logger
}

func NewService(provider Provider, maxImageBytes int64, logger *slog.Logger) *Service {
	return &Service{
		provider:      provider,
		maxImageBytes: maxImageBytes,
		logger:        logger,
	}
}

func (s *Service) ExtractReceipt(ctx context.Context, image []byte) (*ExtractedReceipt, error) {
	ctx, span := tracer.Start(ctx, "extraction.ExtractReceipt")
	defer span.End()

	if len(image) == 0 {
		return nil, &FileValidationError{Reason: "image is empty"}
	}
	if int64(len(image)) > s.maxImageBytes {
		return nil, &FileValidationError{
			Reason: fmt.Sprintf("image is %d bytes, limit is %d", len(image), s.maxImageBytes),
		}
	}

	contentType, ok := SniffImageType(image)
	if !ok {
		return nil, &FileValidationError{Reason: "unsupported image format, expected JPEG, PNG or WEBP"}
	}

	receipt, err := s.provider.Extract(ctx, image, contentType)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Debug("Extracted receipt",
		"shop_name", receipt.ShopName,
		"bill_date", receipt.BillDate,
		"items", len(receipt.Items))

	return receipt, nil
}

// SniffImageType detects the image format by magic bytes. The upload
// path never trusts file extensions or client headers.
func SniffImageType(data []byte) (string, bool) {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg", true
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png", true
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp", true
	default:
		return "", false
	}
}
