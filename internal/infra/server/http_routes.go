package server

import (
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/favicon"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogfiber "github.com/samber/slog-fiber"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"

	"github.com/SnapSpend/receipt-service/config"
	"github.com/SnapSpend/receipt-service/internal/core/bills"
	"github.com/SnapSpend/receipt-service/internal/core/catalog"
	"github.com/SnapSpend/receipt-service/internal/core/pipeline"
	"github.com/SnapSpend/receipt-service/internal/core/users"
	"github.com/SnapSpend/receipt-service/internal/core/verification"
)

var (
	httpRequestsCounter  api.Int64Counter
	httpRequestHistogram api.Float64Histogram
)

func initGlobalMiddlewares(app *fiber.App, cfg *config.Config) {
	app.Use(
		compress.New(compress.Config{
			Level: compress.LevelDefault,
		}),

		slogfiber.NewWithFilters(slog.Default(), slogfiber.IgnorePath("/health")),

		cors.New(cors.Config{
			AllowOrigins: "*", // TODO - add allowed origins
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
		}),

		favicon.New(),
		limiter.New(limiter.Config{
			Max:               cfg.RateLimitMax,
			Expiration:        time.Duration(cfg.RateLimitWindow) * time.Second,
			LimiterMiddleware: limiter.SlidingWindow{},
		}),
	)

	app.Use(otelfiber.Middleware())
}

type handlers struct {
	pipeline     *pipeline.Service
	verification *verification.Service
	bills        *bills.Repository
	catalog      *catalog.Repository
	users        *users.Service
	logger       *slog.Logger
}

func (h *handlers) register(app *fiber.App) {
	meter := otel.Meter("http")
	httpRequestsCounter, _ = meter.Int64Counter("http.requests.total",
		api.WithDescription("Total HTTP requests"))
	httpRequestHistogram, _ = meter.Float64Histogram("http.request.duration_ms",
		api.WithDescription("HTTP request duration in milliseconds"))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "timestamp": time.Now().Unix()})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/v1")

	v1.Post("/bills", withMetrics(h.submitBill))
	v1.Get("/bills/:id", withMetrics(h.getBill))
	v1.Post("/bills/:id/process", withMetrics(h.processBill))
	v1.Post("/bills/:id/retry", withMetrics(h.processBill))

	v1.Get("/verification/bills", withMetrics(h.listBillsToVerify))
	v1.Get("/verification/bills/:id", withMetrics(h.getBillForReview))
	v1.Post("/items/:id/verify", withMetrics(h.verifyItem))

	v1.Get("/candidates", withMetrics(h.listCandidates))
	v1.Post("/candidates/:id/approve", withMetrics(h.approveCandidate))
	v1.Post("/candidates/:id/reject", withMetrics(h.rejectCandidate))
}

// submitBill accepts a multipart upload with the receipt image and the
// submitting user, creates the pending bill, and returns it.
func (h *handlers) submitBill(c *fiber.Ctx) error {
	userID, err := h.resolveUser(c)
	if err != nil {
		return err
	}

	fileHeader, err := c.FormFile("image")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "image file is required")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "cannot read uploaded image")
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "cannot read uploaded image")
	}

	bill, err := h.pipeline.Submit(c.UserContext(), userID, image)
	if err != nil {
		return mapDomainError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(bill)
}

func (h *handlers) resolveUser(c *fiber.Ctx) (uuid.UUID, error) {
	if raw := c.FormValue("user_id"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "user_id is not a valid UUID")
		}
		return userID, nil
	}

	if raw := c.FormValue("telegram_id"); raw != "" {
		telegramID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "telegram_id is not a valid integer")
		}
		var username *string
		if u := c.FormValue("username"); u != "" {
			username = &u
		}
		user, err := h.users.GetOrCreateByTelegramID(c.UserContext(), telegramID, username, c.FormValue("first_name"))
		if err != nil {
			return uuid.Nil, err
		}
		return user.ID, nil
	}

	return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "user_id or telegram_id is required")
}

func (h *handlers) getBill(c *fiber.Ctx) error {
	billID, err := parseID(c)
	if err != nil {
		return err
	}

	bill, err := h.bills.GetWithItems(c.UserContext(), billID)
	if err != nil {
		return mapDomainError(err)
	}

	return c.JSON(bill)
}

func (h *handlers) processBill(c *fiber.Ctx) error {
	billID, err := parseID(c)
	if err != nil {
		return err
	}

	bill, err := h.pipeline.Process(c.UserContext(), billID)
	if err != nil {
		return mapDomainError(err)
	}

	return c.JSON(bill)
}

func (h *handlers) listBillsToVerify(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)

	pending, err := h.verification.ListPending(c.UserContext(), limit, offset)
	if err != nil {
		return mapDomainError(err)
	}

	return c.JSON(fiber.Map{"bills": pending})
}

func (h *handlers) getBillForReview(c *fiber.Ctx) error {
	billID, err := parseID(c)
	if err != nil {
		return err
	}

	bill, err := h.verification.GetBillForReview(c.UserContext(), billID)
	if err != nil {
		return mapDomainError(err)
	}

	return c.JSON(bill)
}

type verifyItemRequest struct {
	Quantity  *float64   `json:"quantity"`
	UnitPrice *float64   `json:"unit_price"`
	ProductID *uuid.UUID `json:"product_id"`
	Source    string     `json:"source"`
}

func (h *handlers) verifyItem(c *fiber.Ctx) error {
	itemID, err := parseID(c)
	if err != nil {
		return err
	}

	var req verifyItemRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Source == "" {
		req.Source = string(bills.SourceUser)
	}

	item, billCompleted, err := h.verification.VerifyItem(c.UserContext(), itemID, bills.ItemCorrection{
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
		ProductID: req.ProductID,
		Source:    bills.VerificationSource(req.Source),
	})
	if err != nil {
		return mapDomainError(err)
	}

	return c.JSON(fiber.Map{"item": item, "bill_completed": billCompleted})
}

func (h *handlers) listCandidates(c *fiber.Ctx) error {
	candidates, err := h.catalog.ListPendingCandidates(c.UserContext())
	if err != nil {
		return mapDomainError(err)
	}

	return c.JSON(fiber.Map{"candidates": candidates})
}

func (h *handlers) approveCandidate(c *fiber.Ctx) error {
	candidateID, err := parseID(c)
	if err != nil {
		return err
	}

	candidate, err := h.catalog.GetCandidate(c.UserContext(), candidateID)
	if err != nil {
		return mapDomainError(err)
	}
	if candidate.Status != catalog.CandidatePending {
		return fiber.NewError(fiber.StatusConflict, "candidate is no longer pending")
	}

	defaultCategory, err := h.catalog.DefaultCategory(c.UserContext())
	if err != nil {
		return mapDomainError(err)
	}

	product, err := h.catalog.PromoteCandidate(c.UserContext(), candidate, &defaultCategory.ID)
	if err != nil {
		return mapDomainError(err)
	}

	return c.JSON(product)
}

func (h *handlers) rejectCandidate(c *fiber.Ctx) error {
	candidateID, err := parseID(c)
	if err != nil {
		return err
	}

	candidate, err := h.catalog.SetCandidateStatus(c.UserContext(), candidateID, catalog.CandidateRejected)
	if err != nil {
		return mapDomainError(err)
	}

	return c.JSON(candidate)
}

func parseID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "id is not a valid UUID")
	}
	return id, nil
}

func mapDomainError(err error) error {
	switch {
	case errors.Is(err, bills.ErrNotFound), errors.Is(err, catalog.ErrNotFound), errors.Is(err, users.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrBillNotProcessable), errors.Is(err, verification.ErrBillNotReviewable):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrImageTooLarge):
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, pipeline.ErrBadImage):
		return fiber.NewError(fiber.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, verification.ErrBadCorrection):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return err
	}
}

func withMetrics(handler fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := handler(c)

		durationMs := float64(time.Since(start).Milliseconds())

		if httpRequestsCounter != nil {
			httpRequestsCounter.Add(c.UserContext(), 1,
				api.WithAttributes(
					attribute.String("method", c.Method()),
					attribute.String("path", c.Route().Path),
					attribute.Int("status_code", c.Response().StatusCode()),
				),
			)
		}

		if httpRequestHistogram != nil {
			httpRequestHistogram.Record(c.UserContext(), durationMs,
				api.WithAttributes(
					attribute.String("method", c.Method()),
					attribute.String("path", c.Route().Path),
					attribute.Int("status_code", c.Response().StatusCode()),
				),
			)
		}

		return err
	}
}
