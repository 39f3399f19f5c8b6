// Package ledger implements the durable token credit ledger: per-user balances
// plus an append-only transaction log. All balance mutations in the system go
// through this package.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/petitio/token-billing/models"
)

// ErrInsufficientBalance is returned by Debit when the amount exceeds the
// user's current balance. No mutation happens in that case.
var ErrInsufficientBalance = models.ErrInsufficientBalance

// Invalidator drops externally cached balance state for a user. Called after
// every successful balance mutation so cached reads never outlive a credit or
// debit by more than the call itself.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// Service coordinates balance mutations with the transaction log.
//
// Balance correctness takes priority over log completeness: when the balance
// mutation succeeds but the log append fails, the operation still reports
// success and the missing audit entry is logged as a recoverable
// inconsistency. A paying customer is never shortchanged to keep the log
// consistent. This asymmetry is intentional.
type Service struct {
	balances models.BalanceRepository
	txns     models.TransactionRepository
	cache    Invalidator
	logger   *zap.Logger
}

type Option func(*Service)

// WithCache registers a balance cache to invalidate on every mutation.
func WithCache(cache Invalidator) Option {
	return func(s *Service) { s.cache = cache }
}

func New(balances models.BalanceRepository, txns models.TransactionRepository, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{balances: balances, txns: txns, logger: logger}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Credit adds amount (>0) tokens to the user's balance and appends a
// transaction record. Callers granting tokens for provider events MUST check
// HasDeduped with the grant's dedupe key immediately before calling Credit.
func (s *Service) Credit(ctx context.Context, userID string, amount int, kind models.TransactionKind, description string, metadata map[string]any) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	newBalance, err := s.balances.Increment(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("failed to increment balance: %w", err)
	}
	s.invalidate(ctx, userID)

	if err := s.appendRecord(ctx, userID, amount, kind, description, metadata); err != nil {
		s.logger.Warn("balance credited but transaction log write failed",
			zap.String("user_id", userID),
			zap.Int("amount", amount),
			zap.String("kind", string(kind)),
			zap.Bool("recoverable_inconsistency", true),
			zap.Error(err),
		)
	}

	return newBalance, nil
}

// Debit removes amount (>0) tokens from the user's balance, failing with
// ErrInsufficientBalance when the balance does not cover it. The decrement is
// a single conditional update at the storage layer, so concurrent spends on
// the same balance cannot overdraw it.
func (s *Service) Debit(ctx context.Context, userID string, amount int, kind models.TransactionKind, description string, metadata map[string]any) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	newBalance, err := s.balances.DecrementIfEnough(ctx, userID, amount)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return 0, ErrInsufficientBalance
		}
		return 0, fmt.Errorf("failed to decrement balance: %w", err)
	}
	s.invalidate(ctx, userID)

	if err := s.appendRecord(ctx, userID, -amount, kind, description, metadata); err != nil {
		s.logger.Warn("balance debited but transaction log write failed",
			zap.String("user_id", userID),
			zap.Int("amount", -amount),
			zap.String("kind", string(kind)),
			zap.Bool("recoverable_inconsistency", true),
			zap.Error(err),
		)
	}

	return newBalance, nil
}

// HasDeduped reports whether a transaction record bearing the dedupe key
// already exists. Every reconciliation path consults this before crediting.
func (s *Service) HasDeduped(ctx context.Context, dedupeKey string) (bool, error) {
	exists, err := s.txns.ExistsByDedupeKey(ctx, dedupeKey)
	if err != nil {
		return false, fmt.Errorf("failed to check dedupe key %q: %w", dedupeKey, err)
	}

	return exists, nil
}

// Balance returns the user's current token balance, 0 when no row exists yet.
func (s *Service) Balance(ctx context.Context, userID string) (int, error) {
	return s.balances.Get(ctx, userID)
}

// History returns the user's most recent transaction records, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.TokenTransaction, error) {
	return s.txns.ListByUser(ctx, userID, limit)
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, userID)
	}
}

func (s *Service) appendRecord(ctx context.Context, userID string, amount int, kind models.TransactionKind, description string, metadata map[string]any) error {
	txn := &models.TokenTransaction{
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		Metadata:    metadata,
	}

	return s.txns.Append(ctx, txn)
}
