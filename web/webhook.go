package web

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/stripeclient"
)

// EventProcessor reconciles a verified Stripe event against the ledger.
type EventProcessor interface {
	Process(ctx context.Context, event *stripe.Event) error
}

// WebhookHandler handles Stripe webhook deliveries. Stripe retries on any
// non-2xx, so the handler returns 200 for everything past signature
// verification: processing failures are logged and reconciled out of band
// rather than redelivered forever.
type WebhookHandler struct {
	stripe        stripeclient.Client
	processor     EventProcessor
	webhookSecret string
	logger        *zap.Logger
}

func NewWebhookHandler(sc stripeclient.Client, processor EventProcessor, webhookSecret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		stripe:        sc,
		processor:     processor,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// Handle handles POST /webhooks/stripe.
func (h *WebhookHandler) Handle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}

	signature := c.Request().Header.Get("Stripe-Signature")
	if signature == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing Stripe-Signature header"})
	}

	event, err := h.stripe.VerifyWebhook(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid webhook signature"})
	}

	h.logger.Info("webhook event received",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	if err := h.processor.Process(c.Request().Context(), event); err != nil {
		h.logger.Error("webhook event processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}

	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}
