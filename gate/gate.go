// Package gate is the pre-spend check on petition creation: tokens are
// debited before the petition exists, and re-credited with an explicit
// adjustment entry when creation fails afterwards. The ledger has no
// multi-resource transaction, so the compensation is application logic.
package gate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/petitio/token-billing/ledger"
	"github.com/petitio/token-billing/models"
)

// Ledger is the subset of the credit ledger the gate uses.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int, error)
	Debit(ctx context.Context, userID string, amount int, kind models.TransactionKind, description string, metadata map[string]any) (int, error)
	Credit(ctx context.Context, userID string, amount int, kind models.TransactionKind, description string, metadata map[string]any) (int, error)
}

// CreateFunc produces the billable artifact once the debit holds. It returns
// the artifact id.
type CreateFunc func(ctx context.Context) (string, error)

// ChargeResult reports a successful charge.
type ChargeResult struct {
	ArtifactID string
	NewBalance int
}

type Gate struct {
	ledger Ledger
	logger *zap.Logger
}

func New(l Ledger, logger *zap.Logger) *Gate {
	return &Gate{ledger: l, logger: logger}
}

// ChargeForPetition debits cost tokens from the user and runs create. When
// create fails after the debit succeeded, the same amount is re-credited as an
// adjustment referencing the failed operation — an audit entry, not a silent
// revert. A failed compensation is fatal and flagged for manual
// reconciliation.
//
// Returns ledger.ErrInsufficientBalance, with no mutation, when the balance
// does not cover the cost.
func (g *Gate) ChargeForPetition(ctx context.Context, userID string, cost int, create CreateFunc) (ChargeResult, error) {
	if cost <= 0 {
		return ChargeResult{}, fmt.Errorf("petition cost must be positive, got %d", cost)
	}

	balance, err := g.ledger.Balance(ctx, userID)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("failed to read balance: %w", err)
	}

	if balance < cost {
		return ChargeResult{}, ledger.ErrInsufficientBalance
	}

	// The debit itself re-checks atomically; the read above only produces a
	// friendlier early failure.
	newBalance, err := g.ledger.Debit(ctx, userID, cost, models.KindPetitionCreation,
		fmt.Sprintf("Criação de petição (%d tokens)", cost),
		map[string]any{"token_cost": cost})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return ChargeResult{}, ledger.ErrInsufficientBalance
		}
		return ChargeResult{}, fmt.Errorf("failed to debit tokens: %w", err)
	}

	artifactID, err := create(ctx)
	if err != nil {
		return ChargeResult{}, g.compensate(ctx, userID, cost, err)
	}

	return ChargeResult{ArtifactID: artifactID, NewBalance: newBalance}, nil
}

func (g *Gate) compensate(ctx context.Context, userID string, cost int, cause error) error {
	_, creditErr := g.ledger.Credit(ctx, userID, cost, models.KindAdjustment,
		fmt.Sprintf("Estorno de %d tokens: falha na criação da petição", cost),
		map[string]any{
			"token_cost":     cost,
			"failure_reason": cause.Error(),
		})
	if creditErr != nil {
		g.logger.Error("compensating credit failed after petition creation failure",
			zap.String("user_id", userID),
			zap.Int("amount", cost),
			zap.Bool("manual_reconciliation", true),
			zap.NamedError("creation_error", cause),
			zap.Error(creditErr),
		)
		return fmt.Errorf("petition creation failed and compensation failed: %w", creditErr)
	}

	g.logger.Warn("petition creation failed after debit, tokens re-credited",
		zap.String("user_id", userID),
		zap.Int("amount", cost),
		zap.Error(cause),
	)

	return fmt.Errorf("petition creation failed: %w", cause)
}
