package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/petitio/token-billing/models"
)

// transactionRepository implements models.TransactionRepository over the
// append-only token_transactions table.
type transactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository creates a new TransactionRepository
func NewTransactionRepository(db *sql.DB) models.TransactionRepository {
	return &transactionRepository{db: db}
}

// Append inserts a new ledger record. Records are never updated or deleted.
func (repo *transactionRepository) Append(ctx context.Context, txn *models.TokenTransaction) error {
	const q = `INSERT INTO token_transactions (id, user_id, amount, transaction_type, description, metadata, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`

	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	metaJSON, err := json.Marshal(txn.Metadata)
	if err != nil {
		return err
	}

	_, err = repo.db.ExecContext(ctx, q, txn.ID, txn.UserID, txn.Amount, string(txn.Kind),
		txn.Description, string(metaJSON), txn.CreatedAt)

	return err
}

// ExistsByDedupeKey reports whether any record carries the dedupe key.
func (repo *transactionRepository) ExistsByDedupeKey(ctx context.Context, key string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM token_transactions WHERE metadata->>'dedupe_key' = $1)`

	var exists bool
	if err := repo.db.QueryRowContext(ctx, q, key).Scan(&exists); err != nil {
		return false, err
	}

	return exists, nil
}

// ListByUser returns the most recent records for a user, newest first.
func (repo *transactionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.TokenTransaction, error) {
	const q = `SELECT id, user_id, amount, transaction_type, COALESCE(description, ''), COALESCE(metadata, '{}'::jsonb), created_at
	           FROM token_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`

	if limit <= 0 {
		limit = 50
	}

	rows, err := repo.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []models.TokenTransaction
	for rows.Next() {
		var (
			txn      models.TokenTransaction
			kind     string
			metaJSON []byte
		)
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Amount, &kind, &txn.Description, &metaJSON, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txn.Kind = models.TransactionKind(kind)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &txn.Metadata); err != nil {
				return nil, err
			}
		}
		txns = append(txns, txn)
	}

	return txns, rows.Err()
}

// SumByUser returns the signed sum of all records for a user. Used to audit
// that the transaction log and the balance agree.
func (repo *transactionRepository) SumByUser(ctx context.Context, userID string) (int, error) {
	const q = `SELECT COALESCE(SUM(amount), 0) FROM token_transactions WHERE user_id = $1`

	var sum int
	if err := repo.db.QueryRowContext(ctx, q, userID).Scan(&sum); err != nil {
		return 0, err
	}

	return sum, nil
}
