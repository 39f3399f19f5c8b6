package web

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/models"
	"github.com/petitio/token-billing/stripeclient"
)

// SubscriptionsHandler is an operator tool: it re-reads a subscription's live
// state from Stripe and brings the renewal tracker back in line. Used when a
// missed or mis-ordered webhook left the tracker stale.
type SubscriptionsHandler struct {
	stripe   stripeclient.Client
	trackers models.TrackerRepository
	logger   *zap.Logger
}

func NewSubscriptionsHandler(sc stripeclient.Client, trackers models.TrackerRepository, logger *zap.Logger) *SubscriptionsHandler {
	return &SubscriptionsHandler{stripe: sc, trackers: trackers, logger: logger}
}

// Sync handles POST /internal/subscriptions/:id/sync.
func (h *SubscriptionsHandler) Sync(c echo.Context) error {
	subID := c.Param("id")
	if subID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing subscription id"})
	}

	ctx := c.Request().Context()

	sub, err := h.stripe.GetSubscription(ctx, subID)
	if err != nil {
		h.logger.Error("failed to fetch subscription", zap.String("subscription_id", subID), zap.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to fetch subscription"})
	}

	tracker, err := h.trackers.GetBySubscriptionID(ctx, subID)
	if err != nil {
		if errors.Is(err, models.ErrTrackerNotFound) {
			// Monthly plans never have a tracker; annual ones get theirs from
			// the next paid invoice.
			return c.JSON(http.StatusOK, map[string]any{
				"subscription_id": subID,
				"status":          string(sub.Status),
				"tracker":         nil,
			})
		}
		h.logger.Error("tracker lookup failed", zap.String("subscription_id", subID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load tracker"})
	}

	desired := trackerStatusFor(sub.Status)
	if desired != tracker.Status {
		if err := h.trackers.SetStatus(ctx, subID, desired); err != nil {
			h.logger.Error("failed to sync tracker status", zap.String("subscription_id", subID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update tracker"})
		}

		h.logger.Info("tracker status synced from provider",
			zap.String("subscription_id", subID),
			zap.String("from", string(tracker.Status)),
			zap.String("to", string(desired)),
		)
		tracker.Status = desired
	}

	return c.JSON(http.StatusOK, map[string]any{
		"subscription_id": subID,
		"status":          string(sub.Status),
		"tracker": map[string]any{
			"status":          string(tracker.Status),
			"granted_months":  tracker.GrantedMonths,
			"next_grant_date": tracker.NextGrantDate,
		},
	})
}

func trackerStatusFor(status stripe.SubscriptionStatus) models.TrackerStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.TrackerActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.TrackerPaymentFailed
	case stripe.SubscriptionStatusCanceled:
		return models.TrackerCanceled
	default:
		return models.TrackerInactive
	}
}
