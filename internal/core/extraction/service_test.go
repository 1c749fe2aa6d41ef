package extraction

import (
	"context"
	"io"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46}
	pngHeader  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}
	webpHeader = append([]byte("RIFF"), append([]byte{0x24, 0x00, 0x00, 0x00}, []byte("WEBPVP8 ")...)...)
)

// mockProvider is a mock implementation of Provider
type mockProvider struct {
	receipt     *ExtractedReceipt
	err         error
	calls       int
	gotImage    []byte
	gotMimeType string
}

func (m *mockProvider) Extract(_ context.Context, image []byte, contentType string) (*ExtractedReceipt, error) {
	m.calls++
	m.gotImage = image
	m.gotMimeType = contentType
	if m.err != nil {
		return nil, m.err
	}
	return m.receipt, nil
}

var _ = Describe("SniffImageType", func() {
	It("detects JPEG", func() {
		contentType, ok := SniffImageType(jpegHeader)
		Expect(ok).To(BeTrue())
		Expect(contentType).To(Equal("image/jpeg"))
	})

	It("detects PNG", func() {
		contentType, ok := SniffImageType(pngHeader)
		Expect(ok).To(BeTrue())
		Expect(contentType).To(Equal("image/png"))
	})

	It("detects WEBP", func() {
		contentType, ok := SniffImageType(webpHeader)
		Expect(ok).To(BeTrue())
		Expect(contentType).To(Equal("image/webp"))
	})

	It("rejects PDFs", func() {
		_, ok := SniffImageType([]byte("%PDF-1.7 rest"))
		Expect(ok).To(BeFalse())
	})

	It("rejects truncated headers", func() {
		_, ok := SniffImageType([]byte{0xFF})
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Service", func() {
	var (
		provider *mockProvider
		service  *Service
		ctx      context.Context
	)

	BeforeEach(func() {
		provider = &mockProvider{receipt: &ExtractedReceipt{ShopName: "REWE"}}
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		service = NewService(provider, 64, logger)
		ctx = context.Background()
	})

	It("rejects empty images without calling the provider", func() {
		_, err := service.ExtractReceipt(ctx, nil)
		Expect(err).To(BeAssignableToTypeOf(&FileValidationError{}))
		Expect(provider.calls).To(BeZero())
	})

	It("rejects oversized images without calling the provider", func() {
		big := make([]byte, 65)
		copy(big, jpegHeader)
		_, err := service.ExtractReceipt(ctx, big)
		Expect(err).To(BeAssignableToTypeOf(&FileValidationError{}))
		Expect(provider.calls).To(BeZero())
	})

	It("rejects unsupported formats without calling the provider", func() {
		_, err := service.ExtractReceipt(ctx, []byte("GIF89a trailer bytes"))
		Expect(err).To(BeAssignableToTypeOf(&FileValidationError{}))
		Expect(provider.calls).To(BeZero())
	})

	It("passes the sniffed content type to the provider", func() {
		receipt, err := service.ExtractReceipt(ctx, pngHeader)
		Expect(err).NotTo(HaveOccurred())
		Expect(receipt.ShopName).To(Equal("REWE"))
		Expect(provider.gotMimeType).To(Equal("image/png"))
	})

	It("propagates provider errors", func() {
		provider.err = newTransientError("provider", context.DeadlineExceeded)
		_, err := service.ExtractReceipt(ctx, jpegHeader)
		Expect(err).To(HaveOccurred())
		Expect(isTransient(err)).To(BeTrue())
	})
})
