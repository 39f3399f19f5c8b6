package web

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/models"
)

// TokenReader is the read side of the credit ledger.
type TokenReader interface {
	Balance(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, userID string, limit int) ([]models.TokenTransaction, error)
}

// BalanceCache fronts balance reads. Implementations must treat misses and
// backend errors identically (return false) so the handler falls through to
// the ledger.
type BalanceCache interface {
	Get(ctx context.Context, userID string) (int, bool)
	Set(ctx context.Context, userID string, balance int)
}

// TokensHandler serves balance and transaction history reads.
type TokensHandler struct {
	ledger TokenReader
	cache  BalanceCache
	logger *zap.Logger
}

func NewTokensHandler(ledger TokenReader, cache BalanceCache, logger *zap.Logger) *TokensHandler {
	return &TokensHandler{ledger: ledger, cache: cache, logger: logger}
}

// Balance handles GET /api/tokens/balance.
func (h *TokensHandler) Balance(c echo.Context) error {
	uid := userID(c)
	if uid == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
	}

	ctx := c.Request().Context()

	if h.cache != nil {
		if balance, ok := h.cache.Get(ctx, uid); ok {
			return c.JSON(http.StatusOK, map[string]any{"balance": balance, "cached": true})
		}
	}

	balance, err := h.ledger.Balance(ctx, uid)
	if err != nil {
		h.logger.Error("balance read failed", zap.String("user_id", uid), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read balance"})
	}

	if h.cache != nil {
		h.cache.Set(ctx, uid, balance)
	}

	return c.JSON(http.StatusOK, map[string]any{"balance": balance, "cached": false})
}

// Transactions handles GET /api/tokens/transactions.
func (h *TokensHandler) Transactions(c echo.Context) error {
	uid := userID(c)
	if uid == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = parsed
	}

	txns, err := h.ledger.History(c.Request().Context(), uid, limit)
	if err != nil {
		h.logger.Error("transaction history read failed", zap.String("user_id", uid), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read transactions"})
	}

	return c.JSON(http.StatusOK, map[string]any{"transactions": txns})
}
