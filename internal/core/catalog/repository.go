package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SnapSpend/receipt-service/internal/infra/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("catalog-repository")

var ErrNotFound = errors.New("catalog entry not found")

// Repository persists the product index, alias table, candidate
// ledger, and category taxonomy.
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

const productColumns = `id, name, synonyms, category_id, created_at, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.Synonyms, &p.CategoryID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	ctx, span := tracer.Start(ctx, "catalog.GetProduct")
	defer span.End()

	p, err := scanProduct(r.db.QueryRow(ctx, `SELECT `+productColumns+` FROM product_index WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// ListProducts loads the full index for fuzzy scanning. The index is
// small enough that a full scan per item is cheaper than maintaining a
// search structure.
func (r *Repository) ListProducts(ctx context.Context) ([]*Product, error) {
	ctx, span := tracer.Start(ctx, "catalog.ListProducts")
	defer span.End()

	rows, err := r.db.Query(ctx, `SELECT `+productColumns+` FROM product_index ORDER BY name`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}

	return products, nil
}

const aliasColumns = `id, raw_text, product_id, confirmation_count, shop_id, user_id, first_seen, last_seen`

func scanAlias(row pgx.Row) (*Alias, error) {
	var a Alias
	err := row.Scan(&a.ID, &a.RawText, &a.ProductID, &a.ConfirmationCount, &a.ShopID, &a.UserID, &a.FirstSeen, &a.LastSeen)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// TouchAlias looks up an alias by normalized raw text and bumps its
// confirmation count in the same statement, so concurrent receipts
// never lose an increment. A text rebound by verification can carry
// bindings to more than one product; only the most confirmed one is
// touched and returned.
func (r *Repository) TouchAlias(ctx context.Context, rawText string) (*Alias, error) {
	ctx, span := tracer.Start(ctx, "catalog.TouchAlias")
	defer span.End()

	query := `
		WITH strongest AS (
			SELECT id FROM product_aliases
			WHERE LOWER(raw_text) = LOWER($1)
			ORDER BY confirmation_count DESC, last_seen DESC
			LIMIT 1
		)
		UPDATE product_aliases a
		SET confirmation_count = a.confirmation_count + 1, last_seen = NOW()
		FROM strongest
		WHERE a.id = strongest.id
		RETURNING a.id, a.raw_text, a.product_id, a.confirmation_count, a.shop_id, a.user_id, a.first_seen, a.last_seen`

	alias, err := scanAlias(r.db.QueryRow(ctx, query, rawText))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to touch alias: %w", err)
	}

	return alias, nil
}

// ListAliases loads the full alias table for fuzzy scanning, like
// ListProducts.
func (r *Repository) ListAliases(ctx context.Context) ([]*Alias, error) {
	ctx, span := tracer.Start(ctx, "catalog.ListAliases")
	defer span.End()

	rows, err := r.db.Query(ctx, `SELECT `+aliasColumns+` FROM product_aliases ORDER BY raw_text`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	var aliases []*Alias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		aliases = append(aliases, a)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to iterate aliases: %w", err)
	}

	return aliases, nil
}

// UpsertAlias records a raw text to product binding. A repeated
// binding counts as a confirmation instead of a duplicate; the shop and
// user of the first sighting are kept.
func (r *Repository) UpsertAlias(ctx context.Context, rawText string, productID uuid.UUID, shopID, userID *uuid.UUID) (*Alias, error) {
	ctx, span := tracer.Start(ctx, "catalog.UpsertAlias")
	defer span.End()

	query := `
		INSERT INTO product_aliases (id, raw_text, product_id, confirmation_count, shop_id, user_id, first_seen, last_seen)
		VALUES ($1, $2, $3, 1, $4, $5, NOW(), NOW())
		ON CONFLICT (LOWER(raw_text), product_id) DO UPDATE
		SET confirmation_count = product_aliases.confirmation_count + 1, last_seen = NOW()
		RETURNING ` + aliasColumns

	alias, err := scanAlias(r.db.QueryRow(ctx, query, uuid.New(), rawText, productID, shopID, userID))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to upsert alias: %w", err)
	}

	return alias, nil
}

const candidateColumns = `id, representative_name, confirmation_count, suggested_category_id, product_id, status, created_at, updated_at`

func scanCandidate(row pgx.Row) (*Candidate, error) {
	var c Candidate
	err := row.Scan(&c.ID, &c.RepresentativeName, &c.ConfirmationCount, &c.SuggestedCategoryID, &c.ProductID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCandidate records one more sighting of an unrecognized item
// text. The increment applies only while the candidate is pending;
// rejected candidates keep their count frozen. The first non-null
// category suggestion sticks.
func (r *Repository) UpsertCandidate(ctx context.Context, name string, suggestedCategoryID *uuid.UUID) (*Candidate, error) {
	ctx, span := tracer.Start(ctx, "catalog.UpsertCandidate")
	defer span.End()

	query := `
		INSERT INTO product_candidates (id, representative_name, confirmation_count, suggested_category_id, status, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, NOW(), NOW())
		ON CONFLICT (LOWER(representative_name)) DO UPDATE
		SET confirmation_count = CASE
				WHEN product_candidates.status = 'pending'
				THEN product_candidates.confirmation_count + 1
				ELSE product_candidates.confirmation_count
			END,
			suggested_category_id = COALESCE(product_candidates.suggested_category_id, EXCLUDED.suggested_category_id),
			updated_at = NOW()
		RETURNING ` + candidateColumns

	candidate, err := scanCandidate(r.db.QueryRow(ctx, query, uuid.New(), name, suggestedCategoryID, CandidatePending))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to upsert candidate: %w", err)
	}

	return candidate, nil
}

func (r *Repository) GetCandidate(ctx context.Context, id uuid.UUID) (*Candidate, error) {
	ctx, span := tracer.Start(ctx, "catalog.GetCandidate")
	defer span.End()

	c, err := scanCandidate(r.db.QueryRow(ctx, `SELECT `+candidateColumns+` FROM product_candidates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	return c, nil
}

func (r *Repository) ListPendingCandidates(ctx context.Context) ([]*Candidate, error) {
	ctx, span := tracer.Start(ctx, "catalog.ListPendingCandidates")
	defer span.End()

	query := `SELECT ` + candidateColumns + ` FROM product_candidates WHERE status = $1 ORDER BY confirmation_count DESC`

	rows, err := r.db.Query(ctx, query, CandidatePending)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list pending candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to iterate candidates: %w", err)
	}

	return candidates, nil
}

// PromoteCandidate turns a matured candidate into a product index
// entry atomically: the product is created, the candidate approved and
// linked to it, and the representative name bound as the first alias.
// The candidate's suggested category wins over the fallback.
func (r *Repository) PromoteCandidate(ctx context.Context, candidate *Candidate, categoryID *uuid.UUID) (*Product, error) {
	ctx, span := tracer.Start(ctx, "catalog.PromoteCandidate")
	defer span.End()

	if candidate.SuggestedCategoryID != nil {
		categoryID = candidate.SuggestedCategoryID
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin promotion transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	productQuery := `
		INSERT INTO product_index (id, name, synonyms, category_id, created_at, updated_at)
		VALUES ($1, $2, '{}', $3, NOW(), NOW())
		RETURNING ` + productColumns

	product, err := scanProduct(tx.QueryRow(ctx, productQuery, uuid.New(), candidate.RepresentativeName, categoryID))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create product from candidate: %w", err)
	}

	approveQuery := `
		UPDATE product_candidates SET status = $2, product_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`

	tag, err := tx.Exec(ctx, approveQuery, candidate.ID, CandidateApproved, product.ID, CandidatePending)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to approve candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("candidate %s is no longer pending", candidate.ID)
	}

	aliasQuery := `
		INSERT INTO product_aliases (id, raw_text, product_id, confirmation_count, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`

	if _, err := tx.Exec(ctx, aliasQuery, uuid.New(), candidate.RepresentativeName, product.ID, candidate.ConfirmationCount); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create promotion alias: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit promotion: %w", err)
	}

	r.logger.Info("Promoted candidate to product",
		"candidate_id", candidate.ID,
		"product_id", product.ID,
		"name", product.Name,
		"confirmations", candidate.ConfirmationCount)

	return product, nil
}

// SetCandidateStatus approves or rejects a pending candidate by hand.
func (r *Repository) SetCandidateStatus(ctx context.Context, id uuid.UUID, status CandidateStatus) (*Candidate, error) {
	ctx, span := tracer.Start(ctx, "catalog.SetCandidateStatus")
	defer span.End()

	query := `
		UPDATE product_candidates SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + candidateColumns

	candidate, err := scanCandidate(r.db.QueryRow(ctx, query, id, status, CandidatePending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update candidate status: %w", err)
	}

	return candidate, nil
}

// CategoryByName resolves an extraction category suggestion to a
// taxonomy node, case-insensitively.
func (r *Repository) CategoryByName(ctx context.Context, name string) (*Category, error) {
	ctx, span := tracer.Start(ctx, "catalog.CategoryByName")
	defer span.End()

	var c Category
	err := r.db.QueryRow(ctx,
		`SELECT id, name, parent_id, created_at FROM categories WHERE LOWER(name) = LOWER($1)`,
		name,
	).Scan(&c.ID, &c.Name, &c.ParentID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to look up category %q: %w", name, err)
	}

	return &c, nil
}

// DefaultCategory returns the fallback leaf used for products that
// arrive without a recognizable category.
func (r *Repository) DefaultCategory(ctx context.Context) (*Category, error) {
	ctx, span := tracer.Start(ctx, "catalog.DefaultCategory")
	defer span.End()

	var c Category
	err := r.db.QueryRow(ctx,
		`SELECT id, name, parent_id, created_at FROM categories WHERE name = $1 AND parent_id IS NULL`,
		DefaultCategoryName,
	).Scan(&c.ID, &c.Name, &c.ParentID, &c.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load default category: %w", err)
	}

	return &c, nil
}
