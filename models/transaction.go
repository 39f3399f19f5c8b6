package models

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientBalance is returned when a debit exceeds the current balance.
// No mutation happens in that case.
var ErrInsufficientBalance = errors.New("insufficient token balance")

// TransactionKind classifies a ledger entry.
type TransactionKind string

const (
	KindSubscription     TransactionKind = "subscription"
	KindPurchase         TransactionKind = "purchase"
	KindAdjustment       TransactionKind = "adjustment"
	KindAnnualGrant      TransactionKind = "annual_grant"
	KindPetitionCreation TransactionKind = "petition_creation"
)

// MetaDedupeKey is the metadata entry that makes a transaction record act as an
// idempotency marker for provider-triggered grants.
const MetaDedupeKey = "dedupe_key"

// TokenTransaction is an immutable, append-only ledger entry. Amount is signed:
// positive for credits, negative for debits.
type TokenTransaction struct {
	ID          string
	UserID      string
	Amount      int
	Kind        TransactionKind
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// BalanceRepository owns the user_tokens table. Increment and DecrementIfEnough
// must be single atomic operations at the storage layer, never read-then-write.
type BalanceRepository interface {
	// Get returns the current balance, 0 for users without a row yet.
	Get(ctx context.Context, userID string) (int, error)

	// Increment adds amount (>0) to the balance, creating the row lazily,
	// and returns the new balance.
	Increment(ctx context.Context, userID string, amount int) (int, error)

	// DecrementIfEnough subtracts amount (>0) only when the balance covers it,
	// returning the new balance or ErrInsufficientBalance.
	DecrementIfEnough(ctx context.Context, userID string, amount int) (int, error)
}

// TransactionRepository owns the token_transactions table.
type TransactionRepository interface {
	Append(ctx context.Context, txn *TokenTransaction) error

	// ExistsByDedupeKey reports whether any record carries the given dedupe key
	// in its metadata. This is the idempotency primitive.
	ExistsByDedupeKey(ctx context.Context, key string) (bool, error)

	// ListByUser returns the most recent records for a user, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]TokenTransaction, error)

	// SumByUser returns the signed sum of all records for a user (audit).
	SumByUser(ctx context.Context, userID string) (int, error)
}
