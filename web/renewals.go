package web

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/drip"
)

// RenewalRunner runs one drip batch over due annual trackers.
type RenewalRunner interface {
	Run(ctx context.Context) (drip.Result, error)
}

// RenewalsHandler exposes the drip batch to the external cron. The same batch
// also runs as a periodic asynq task; both paths converge via dedupe keys.
type RenewalsHandler struct {
	runner RenewalRunner
	logger *zap.Logger
}

func NewRenewalsHandler(runner RenewalRunner, logger *zap.Logger) *RenewalsHandler {
	return &RenewalsHandler{runner: runner, logger: logger}
}

// Process handles POST /internal/renewals/process.
func (h *RenewalsHandler) Process(c echo.Context) error {
	result, err := h.runner.Run(c.Request().Context())
	if err != nil {
		h.logger.Error("renewal batch failed to start", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to run renewal batch"})
	}

	status := http.StatusOK
	if result.Failed > 0 {
		// Partial failure: report it without hiding the successful grants.
		status = http.StatusMultiStatus
	}

	return c.JSON(status, map[string]any{
		"due":     result.Due,
		"granted": result.Granted,
		"skipped": result.Skipped,
		"failed":  result.Failed,
	})
}
