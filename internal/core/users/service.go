package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/SnapSpend/receipt-service/internal/infra/postgres"
)

var tracer = otel.Tracer("users-service")

var ErrNotFound = errors.New("user not found")

type User struct {
	ID         uuid.UUID `json:"id" db:"id"`
	TelegramID int64     `json:"telegram_id" db:"telegram_id"`
	Username   *string   `json:"username" db:"username"`
	FirstName  string    `json:"first_name" db:"first_name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

type Service struct {
	db postgres.DB
}

func NewService(db postgres.DB) *Service {
	return &Service{db: db}
}

const userColumns = `id, telegram_id, username, first_name, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()

	user, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetOrCreateByTelegramID registers a Telegram user on first contact
// and refreshes the profile fields on every later one.
func (s *Service) GetOrCreateByTelegramID(ctx context.Context, telegramID int64, username *string, firstName string) (*User, error) {
	ctx, span := tracer.Start(ctx, "users.GetOrCreateByTelegramID")
	defer span.End()

	query := `
		INSERT INTO users (id, telegram_id, username, first_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (telegram_id) DO UPDATE
		SET username = EXCLUDED.username, first_name = EXCLUDED.first_name, updated_at = NOW()
		RETURNING ` + userColumns

	user, err := scanUser(s.db.QueryRow(ctx, query, uuid.New(), telegramID, username, firstName))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get or create user: %w", err)
	}

	return user, nil
}
