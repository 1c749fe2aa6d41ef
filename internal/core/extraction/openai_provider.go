package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/SnapSpend/receipt-service/config"
)

const extractionPrompt = `You are a receipt parser. Read the attached photo of a retail receipt and respond with a single JSON object, no prose, matching exactly this shape:
{"shop_name": string, "shop_address": string (optional), "bill_date": "YYYY-MM-DD", "total_amount": number, "confidence": number 0..1 (optional), "items": [{"description": string, "quantity": number, "unit_price": number, "total_price": number, "category_suggestion": string, "confidence": number 0..1 (optional)}]}
Rules: description is the item line exactly as printed. quantity defaults to 1 when the line shows no quantity. unit_price is the single-unit price and total_price the printed line total. category_suggestion is your best one-word grocery category guess, or "Other". total_amount is the grand total printed on the receipt. Do not invent items.`

// OpenAIProvider extracts structured receipts through an OpenAI
// compatible chat completions endpoint with vision input.
type OpenAIProvider struct {
	config config.ExtractorConfig
	client *http.Client
	logger *slog.Logger
	tracer trace.Tracer

	requestDuration metric.Float64Histogram
	requestCounter  metric.Int64Counter
	retryCounter    metric.Int64Counter
}

func NewOpenAIProvider(cfg config.ExtractorConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("extractor API key is required")
	}

	meter := otel.Meter("extraction-provider")

	requestDuration, err := meter.Float64Histogram("extraction.request.duration_seconds",
		metric.WithDescription("Duration of vision extraction requests"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration metric: %w", err)
	}

	requestCounter, err := meter.Int64Counter("extraction.requests.total",
		metric.WithDescription("Total vision extraction requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	retryCounter, err := meter.Int64Counter("extraction.retries.total",
		metric.WithDescription("Total retried vision extraction attempts"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %w", err)
	}

	return &OpenAIProvider{
		config:          cfg,
		client:          &http.Client{Timeout: cfg.Timeout},
		logger:          logger,
		tracer:          otel.Tracer("extraction-provider"),
		requestDuration: requestDuration,
		requestCounter:  requestCounter,
		retryCounter:    retryCounter,
	}, nil
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Extract runs the vision call with exponential backoff on transient
// failures. Permanent failures (auth, schema violations, malformed
// output) abort immediately.
func (p *OpenAIProvider) Extract(ctx context.Context, image []byte, contentType string) (*ExtractedReceipt, error) {
	ctx, span := p.tracer.Start(ctx, "extraction.Extract")
	defer span.End()

	delay := p.config.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		receipt, err := p.extractOnce(ctx, image, contentType)
		if err == nil {
			span.SetAttributes(attribute.Int("extraction.attempts", attempt))
			return receipt, nil
		}
		lastErr = err

		var extErr *ExtractionError
		if !errors.As(err, &extErr) || !extErr.Transient {
			span.RecordError(err)
			return nil, err
		}
		if attempt == p.config.MaxAttempts {
			break
		}

		p.logger.Warn("Transient extraction failure, retrying",
			"attempt", attempt,
			"delay", delay.String(),
			"error", err)
		p.retryCounter.Add(ctx, 1)

		select {
		case <-ctx.Done():
			return nil, newPermanentError("retry", ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.config.MaxDelay {
			delay = p.config.MaxDelay
		}
	}

	span.RecordError(lastErr)
	return nil, fmt.Errorf("extraction failed after %d attempts: %w", p.config.MaxAttempts, lastErr)
}

func (p *OpenAIProvider) extractOnce(ctx context.Context, image []byte, contentType string) (*ExtractedReceipt, error) {
	start := time.Now()

	dataURI := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(image))
	payload := chatRequest{
		Model: p.config.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: extractionPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
			},
		}},
		MaxTokens:      p.config.MaxTokens,
		Temperature:    p.config.Temperature,
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newPermanentError("marshal", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, newPermanentError("request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		p.recordRequest(ctx, start, "network_error")
		return nil, newTransientError("transport", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordRequest(ctx, start, "read_error")
		return nil, newTransientError("read", err)
	}

	if resp.StatusCode != http.StatusOK {
		p.recordRequest(ctx, start, fmt.Sprintf("http_%d", resp.StatusCode))
		err := fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(respBody, 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, newTransientError("provider", err)
		}
		return nil, newPermanentError("provider", err)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		p.recordRequest(ctx, start, "decode_error")
		return nil, newPermanentError("decode", err)
	}
	if chat.Error != nil {
		p.recordRequest(ctx, start, "api_error")
		return nil, newPermanentError("provider", fmt.Errorf("%s: %s", chat.Error.Type, chat.Error.Message))
	}
	if len(chat.Choices) == 0 {
		p.recordRequest(ctx, start, "empty_response")
		return nil, newPermanentError("provider", errors.New("provider returned no choices"))
	}

	receipt, err := ParseResponse([]byte(chat.Choices[0].Message.Content))
	if err != nil {
		p.recordRequest(ctx, start, "schema_error")
		return nil, err
	}

	p.recordRequest(ctx, start, "success")
	return receipt, nil
}

func (p *OpenAIProvider) recordRequest(ctx context.Context, start time.Time, outcome string) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	p.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	p.requestCounter.Add(ctx, 1, attrs)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
