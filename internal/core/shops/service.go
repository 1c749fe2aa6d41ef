package shops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SnapSpend/receipt-service/internal/infra/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("shops-service")

// ErrEmptyName is returned when the extracted shop name normalizes to
// nothing usable.
var ErrEmptyName = errors.New("shop name is empty after normalization")

// Service resolves extracted shop header text to shop rows.
type Service struct {
	db     postgres.DB
	logger *slog.Logger
}

func NewService(db postgres.DB, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
	}
}

const shopColumns = `id, name, normalized_key, address, created_at, updated_at`

func scanShop(row pgx.Row) (*Shop, error) {
	var shop Shop
	err := row.Scan(&shop.ID, &shop.Name, &shop.NormalizedKey, &shop.Address, &shop.CreatedAt, &shop.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &shop, nil
}

// GetOrCreate resolves a raw shop name to a shop, creating it on first
// sight. Two concurrent runs for the same new shop converge on one
// row: the loser of the insert race refetches by normalized key.
func (s *Service) GetOrCreate(ctx context.Context, rawName string, address *string) (*Shop, error) {
	ctx, span := tracer.Start(ctx, "shops.GetOrCreate")
	defer span.End()

	key := NormalizeKey(rawName, address)
	if key == "" {
		return nil, ErrEmptyName
	}

	shop, err := s.getByKey(ctx, key)
	if err == nil {
		return shop, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to look up shop: %w", err)
	}

	insertQuery := `
		INSERT INTO shops (id, name, normalized_key, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING ` + shopColumns

	shop, err = scanShop(s.db.QueryRow(ctx, insertQuery, uuid.New(), rawName, key, address))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			s.logger.Debug("Shop insert race lost, refetching", "normalized_key", key)
			return s.getByKey(ctx, key)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create shop: %w", err)
	}

	s.logger.Info("Created shop", "shop_id", shop.ID, "name", shop.Name)
	return shop, nil
}

func (s *Service) getByKey(ctx context.Context, key string) (*Shop, error) {
	return scanShop(s.db.QueryRow(ctx, `SELECT `+shopColumns+` FROM shops WHERE normalized_key = $1`, key))
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Shop, error) {
	ctx, span := tracer.Start(ctx, "shops.Get")
	defer span.End()

	shop, err := scanShop(s.db.QueryRow(ctx, `SELECT `+shopColumns+` FROM shops WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("shop %s not found", id)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get shop: %w", err)
	}
	return shop, nil
}
