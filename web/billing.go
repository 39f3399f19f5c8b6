package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/models"
	"github.com/petitio/token-billing/stripeclient"
)

// ProfileReader looks up a user's profile for the customer link.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (models.Profile, error)
}

// ReturnURLProvider supplies the configured billing portal return URL.
type ReturnURLProvider interface {
	BillingPortalReturnURL(ctx context.Context) (string, error)
}

// BillingHandler creates Stripe billing portal sessions so customers manage
// their subscription directly with the provider.
type BillingHandler struct {
	stripe   stripeclient.Client
	profiles ProfileReader
	urls     ReturnURLProvider
	logger   *zap.Logger
}

func NewBillingHandler(sc stripeclient.Client, profiles ProfileReader, urls ReturnURLProvider, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{stripe: sc, profiles: profiles, urls: urls, logger: logger}
}

// CreatePortalSession handles POST /api/billing/portal.
func (h *BillingHandler) CreatePortalSession(c echo.Context) error {
	uid := userID(c)
	if uid == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
	}

	ctx := c.Request().Context()

	profile, err := h.profiles.GetByID(ctx, uid)
	if err != nil {
		if errors.Is(err, models.ErrProfileNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
		}
		h.logger.Error("profile lookup failed", zap.String("user_id", uid), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load profile"})
	}

	if profile.StripeCustomerID == "" {
		return c.JSON(http.StatusConflict, map[string]string{"error": "user has no billing account yet"})
	}

	returnURL, err := h.urls.BillingPortalReturnURL(ctx)
	if err != nil {
		h.logger.Error("billing portal return url not configured", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "billing portal not configured"})
	}

	session, err := h.stripe.CreateBillingPortalSession(ctx, profile.StripeCustomerID, returnURL)
	if err != nil {
		h.logger.Error("failed to create billing portal session",
			zap.String("user_id", uid),
			zap.String("customer_id", profile.StripeCustomerID),
			zap.Error(err),
		)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to create portal session"})
	}

	return c.JSON(http.StatusOK, map[string]string{"url": session.URL})
}
