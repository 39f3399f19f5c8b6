// Package web exposes the billing HTTP surface: the Stripe webhook endpoint,
// token balance and history reads, the petition charge endpoint, and the
// internal trigger for the renewal batch.
package web

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Config struct {
	Addr  string
	Debug bool
}

type Server struct {
	e      *echo.Echo
	cfg    Config
	logger *zap.Logger
}

// Handlers groups the route handlers the server mounts.
type Handlers struct {
	Webhook       *WebhookHandler
	Tokens        *TokensHandler
	Petitions     *PetitionsHandler
	Renewals      *RenewalsHandler
	Billing       *BillingHandler
	Subscriptions *SubscriptionsHandler
}

func NewServer(cfg Config, logger *zap.Logger, h Handlers) *Server {
	e := echo.New()
	e.Debug = cfg.Debug
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.POST("/webhooks/stripe", h.Webhook.Handle)
	e.GET("/api/tokens/balance", h.Tokens.Balance)
	e.GET("/api/tokens/transactions", h.Tokens.Transactions)
	e.POST("/api/petitions/charge", h.Petitions.Charge)
	e.POST("/api/billing/portal", h.Billing.CreatePortalSession)
	e.POST("/internal/renewals/process", h.Renewals.Process)
	e.POST("/internal/subscriptions/:id/sync", h.Subscriptions.Sync)

	return &Server{e: e, cfg: cfg, logger: logger}
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := s.e.Shutdown(context.Background()); err != nil {
			s.logger.Warn("http shutdown failed", zap.Error(err))
		}
	}()

	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))

	err := s.e.Start(s.cfg.Addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// userID extracts the authenticated user from the header set by the upstream
// auth proxy. Auth verification itself happens before requests reach us.
func userID(c echo.Context) string {
	return c.Request().Header.Get("X-User-ID")
}
