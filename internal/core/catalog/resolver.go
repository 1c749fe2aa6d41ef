package catalog

import (
	"context"
	"errors"
	"log/slog"

	"github.com/SnapSpend/receipt-service/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store is the persistence surface the resolver needs. Satisfied by
// Repository in production and by in-memory fakes in tests.
type Store interface {
	GetProduct(ctx context.Context, id uuid.UUID) (*Product, error)
	ListProducts(ctx context.Context) ([]*Product, error)
	ListAliases(ctx context.Context) ([]*Alias, error)
	TouchAlias(ctx context.Context, rawText string) (*Alias, error)
	UpsertAlias(ctx context.Context, rawText string, productID uuid.UUID, shopID, userID *uuid.UUID) (*Alias, error)
	UpsertCandidate(ctx context.Context, name string, suggestedCategoryID *uuid.UUID) (*Candidate, error)
	ListPendingCandidates(ctx context.Context) ([]*Candidate, error)
	PromoteCandidate(ctx context.Context, candidate *Candidate, categoryID *uuid.UUID) (*Product, error)
	CategoryByName(ctx context.Context, name string) (*Category, error)
	DefaultCategory(ctx context.Context) (*Category, error)
}

// ErrEmptyText is returned when an item text normalizes to nothing.
var ErrEmptyText = errors.New("item text is empty after normalization")

// ResolveInput is one raw item sighting: the OCR text plus the receipt
// context it was seen in and the extractor's category suggestion.
type ResolveInput struct {
	RawText      string
	CategoryHint string
	ShopID       *uuid.UUID
	UserID       *uuid.UUID
}

// Resolver pushes raw item text through the three-tier resolution
// funnel: exact alias hit, then fuzzy match against the product index,
// then the candidate ledger with promotion once a text has been seen
// often enough. A repository failure never aborts the caller's run;
// the resolver degrades to the unresolved candidate outcome instead.
type Resolver struct {
	store              Store
	logger             *slog.Logger
	fuzzyThreshold     float64
	promotionThreshold int
}

func NewResolver(store Store, logger *slog.Logger, fuzzyThreshold float64, promotionThreshold int) *Resolver {
	return &Resolver{
		store:              store,
		logger:             logger,
		fuzzyThreshold:     fuzzyThreshold,
		promotionThreshold: promotionThreshold,
	}
}

func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	normalized := NormalizeText(in.RawText)
	if normalized == "" {
		return nil, ErrEmptyText
	}

	suggested := r.suggestedCategory(ctx, in.CategoryHint)

	if res := r.resolveExact(ctx, normalized); res != nil {
		return res, nil
	}
	if res := r.resolveFuzzy(ctx, normalized, in); res != nil {
		return res, nil
	}
	return r.resolveCandidate(ctx, normalized, suggested), nil
}

func (r *Resolver) resolveExact(ctx context.Context, normalized string) *Resolution {
	alias, err := r.store.TouchAlias(ctx, normalized)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		r.logger.Warn("Exact alias lookup failed, falling through",
			"raw_text", normalized,
			"error", err)
		return nil
	}

	product, err := r.store.GetProduct(ctx, alias.ProductID)
	if err != nil {
		r.logger.Warn("Failed to load product for alias, falling through",
			"alias_id", alias.ID,
			"error", err)
		return nil
	}

	if telemetry.AliasExactHits != nil {
		telemetry.AliasExactHits.Add(ctx, 1)
	}

	return &Resolution{
		ProductID:  &product.ID,
		CategoryID: r.categoryOrDefault(ctx, product),
		Tier:       TierExact,
		Confidence: ConfidenceExact,
	}
}

func (r *Resolver) resolveFuzzy(ctx context.Context, normalized string, in ResolveInput) *Resolution {
	products, err := r.store.ListProducts(ctx)
	if err != nil {
		r.logger.Warn("Failed to load product index, falling through",
			"error", err)
		return nil
	}

	var best *Product
	bestScore := 0.0
	for _, product := range products {
		score := Similarity(normalized, NormalizeText(product.Name))
		for _, syn := range product.Synonyms {
			if s := Similarity(normalized, NormalizeText(syn)); s > score {
				score = s
			}
		}
		if score > bestScore {
			best = product
			bestScore = score
		}
	}

	// Known alias texts count too: an OCR variant is often closer to a
	// previously seen spelling than to the canonical product name.
	aliases, err := r.store.ListAliases(ctx)
	if err != nil {
		r.logger.Warn("Failed to load alias table for fuzzy scan", "error", err)
		aliases = nil
	}
	var bestAlias *Alias
	for _, alias := range aliases {
		if s := Similarity(normalized, NormalizeText(alias.RawText)); s > bestScore {
			bestAlias = alias
			bestScore = s
		}
	}
	if bestAlias != nil {
		product, err := r.store.GetProduct(ctx, bestAlias.ProductID)
		if err != nil {
			r.logger.Warn("Failed to load product for fuzzy alias match, falling through",
				"alias_id", bestAlias.ID,
				"error", err)
			return nil
		}
		best = product
	}

	if best == nil || bestScore < r.fuzzyThreshold {
		return nil
	}

	if _, err := r.store.UpsertAlias(ctx, normalized, best.ID, in.ShopID, in.UserID); err != nil {
		r.logger.Warn("Failed to bind fuzzy alias, falling through",
			"raw_text", normalized,
			"product_id", best.ID,
			"error", err)
		return nil
	}

	r.logger.Debug("Bound item text to product by fuzzy match",
		"raw_text", normalized,
		"product", best.Name,
		"score", bestScore)

	if telemetry.AliasFuzzyBinds != nil {
		telemetry.AliasFuzzyBinds.Add(ctx, 1)
	}

	return &Resolution{
		ProductID:  &best.ID,
		CategoryID: r.categoryOrDefault(ctx, best),
		Tier:       TierFuzzy,
		Confidence: ConfidenceFuzzy,
	}
}

func (r *Resolver) resolveCandidate(ctx context.Context, normalized string, suggested *uuid.UUID) *Resolution {
	unresolved := &Resolution{
		CategoryID: suggested,
		Tier:       TierCandidate,
		Confidence: ConfidenceCandidate,
	}

	// Merge OCR variants onto an existing pending candidate when one is
	// close enough, instead of splitting counts across spellings.
	name := normalized
	pending, err := r.store.ListPendingCandidates(ctx)
	if err != nil {
		r.logger.Warn("Failed to load pending candidates", "error", err)
		return unresolved
	}
	bestScore := 0.0
	for _, c := range pending {
		if score := Similarity(normalized, NormalizeText(c.RepresentativeName)); score >= r.fuzzyThreshold && score > bestScore {
			name = c.RepresentativeName
			bestScore = score
		}
	}

	candidate, err := r.store.UpsertCandidate(ctx, name, suggested)
	if err != nil {
		r.logger.Warn("Failed to record candidate", "name", name, "error", err)
		return unresolved
	}

	if telemetry.CandidateConfirmation != nil {
		telemetry.CandidateConfirmation.Add(ctx, 1)
	}

	if candidate.Status == CandidatePending && candidate.ConfirmationCount >= r.promotionThreshold {
		fallback := r.defaultCategoryID(ctx)
		product, err := r.store.PromoteCandidate(ctx, candidate, fallback)
		if err != nil {
			r.logger.Warn("Failed to promote candidate",
				"candidate_id", candidate.ID,
				"error", err)
			unresolved.CategoryID = coalesceCategory(candidate.SuggestedCategoryID, suggested)
			return unresolved
		}

		if telemetry.CandidatePromotions != nil {
			telemetry.CandidatePromotions.Add(ctx, 1,
				metric.WithAttributes(attribute.String("product", product.Name)))
		}

		return &Resolution{
			ProductID:  &product.ID,
			CategoryID: product.CategoryID,
			Tier:       TierPromoted,
			Confidence: ConfidencePromoted,
		}
	}

	unresolved.CategoryID = coalesceCategory(candidate.SuggestedCategoryID, suggested)
	if unresolved.CategoryID == nil {
		unresolved.CategoryID = r.defaultCategoryID(ctx)
	}
	return unresolved
}

// suggestedCategory maps the extractor's free-text category hint onto
// the taxonomy. An unrecognized hint is simply dropped.
func (r *Resolver) suggestedCategory(ctx context.Context, hint string) *uuid.UUID {
	if NormalizeText(hint) == "" {
		return nil
	}
	category, err := r.store.CategoryByName(ctx, hint)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("Category hint lookup failed", "hint", hint, "error", err)
		}
		return nil
	}
	return &category.ID
}

func (r *Resolver) categoryOrDefault(ctx context.Context, product *Product) *uuid.UUID {
	if product.CategoryID != nil {
		return product.CategoryID
	}
	return r.defaultCategoryID(ctx)
}

func (r *Resolver) defaultCategoryID(ctx context.Context) *uuid.UUID {
	category, err := r.store.DefaultCategory(ctx)
	if err != nil {
		r.logger.Warn("Failed to load default category", "error", err)
		return nil
	}
	return &category.ID
}

func coalesceCategory(ids ...*uuid.UUID) *uuid.UUID {
	for _, id := range ids {
		if id != nil {
			return id
		}
	}
	return nil
}
