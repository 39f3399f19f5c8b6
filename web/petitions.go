package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/gate"
	"github.com/petitio/token-billing/models"
)

// Charger is the consumption gate contract.
type Charger interface {
	ChargeForPetition(ctx context.Context, userID string, cost int, create gate.CreateFunc) (gate.ChargeResult, error)
}

// ArtifactCreator creates the petition in the external petitions service and
// returns its id. Failures after the debit trigger the gate's compensation.
type ArtifactCreator interface {
	CreatePetition(ctx context.Context, userID string, payload json.RawMessage) (string, error)
}

// CostProvider supplies the configured token cost of a petition.
type CostProvider interface {
	PetitionTokenCost(ctx context.Context) (int, error)
}

// PetitionsHandler serves the petition charge endpoint.
type PetitionsHandler struct {
	gate    Charger
	creator ArtifactCreator
	costs   CostProvider
	logger  *zap.Logger
}

func NewPetitionsHandler(charger Charger, creator ArtifactCreator, costs CostProvider, logger *zap.Logger) *PetitionsHandler {
	return &PetitionsHandler{
		gate:    charger,
		creator: creator,
		costs:   costs,
		logger:  logger,
	}
}

type chargeRequest struct {
	Petition json.RawMessage `json:"petition"`
}

// Charge handles POST /api/petitions/charge: verifies the balance covers the
// configured cost, debits it, and creates the petition. An insufficient
// balance is a user-visible 402, never a server error.
func (h *PetitionsHandler) Charge(c echo.Context) error {
	uid := userID(c)
	if uid == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
	}

	var req chargeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ctx := c.Request().Context()

	cost, err := h.costs.PetitionTokenCost(ctx)
	if err != nil {
		h.logger.Error("failed to load petition token cost", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load token cost"})
	}

	result, err := h.gate.ChargeForPetition(ctx, uid, cost, func(ctx context.Context) (string, error) {
		return h.creator.CreatePetition(ctx, uid, req.Petition)
	})
	if err != nil {
		if errors.Is(err, models.ErrInsufficientBalance) {
			return c.JSON(http.StatusPaymentRequired, map[string]any{
				"error": "insufficient token balance",
				"cost":  cost,
			})
		}
		h.logger.Error("petition charge failed", zap.String("user_id", uid), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to charge for petition"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"petition_id": result.ArtifactID,
		"new_balance": result.NewBalance,
		"cost":        cost,
	})
}
