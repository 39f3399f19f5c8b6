package postgres

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/petitio/token-billing/models"
)

// balanceRepository implements models.BalanceRepository over the user_tokens
// table. Both mutations are single SQL statements so concurrent callers can
// never lose an update.
type balanceRepository struct {
	db *sql.DB
}

// NewBalanceRepository creates a new BalanceRepository
func NewBalanceRepository(db *sql.DB) models.BalanceRepository {
	return &balanceRepository{db: db}
}

// Get returns the current balance, 0 for users without a row yet.
func (repo *balanceRepository) Get(ctx context.Context, userID string) (int, error) {
	const q = `SELECT tokens FROM user_tokens WHERE user_id = $1`

	var tokens int
	err := repo.db.QueryRowContext(ctx, q, userID).Scan(&tokens)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}

	return tokens, nil
}

// Increment adds amount to the balance, creating the row lazily.
func (repo *balanceRepository) Increment(ctx context.Context, userID string, amount int) (int, error) {
	const q = `INSERT INTO user_tokens (user_id, tokens, updated_at) VALUES ($1, $2, NOW())
	           ON CONFLICT (user_id) DO UPDATE SET tokens = user_tokens.tokens + EXCLUDED.tokens, updated_at = NOW()
	           RETURNING tokens`

	var newBalance int
	if err := repo.db.QueryRowContext(ctx, q, userID, amount).Scan(&newBalance); err != nil {
		return 0, err
	}

	return newBalance, nil
}

// DecrementIfEnough subtracts amount only when the balance covers it. The
// WHERE clause makes the check-and-decrement a single atomic operation; when
// no row matches the balance was insufficient.
func (repo *balanceRepository) DecrementIfEnough(ctx context.Context, userID string, amount int) (int, error) {
	const q = `UPDATE user_tokens SET tokens = tokens - $2, updated_at = NOW()
	           WHERE user_id = $1 AND tokens >= $2
	           RETURNING tokens`

	var newBalance int
	err := repo.db.QueryRowContext(ctx, q, userID, amount).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrInsufficientBalance
		}
		return 0, err
	}

	return newBalance, nil
}
