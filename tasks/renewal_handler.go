// Package tasks wires background work onto asynq queues. The only recurring
// job today is the monthly renewal batch for annual subscriptions.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/drip"
)

// RenewalHandler runs the drip batch when a renewals:process task fires.
type RenewalHandler struct {
	scheduler *drip.Scheduler
	logger    *zap.Logger
}

func NewRenewalHandler(scheduler *drip.Scheduler, logger *zap.Logger) *RenewalHandler {
	return &RenewalHandler{scheduler: scheduler, logger: logger}
}

func (h *RenewalHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload ProcessRenewalsPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid renewals payload: %w", err)
		}
	}

	result, err := h.scheduler.Run(ctx)
	if err != nil {
		return fmt.Errorf("renewal batch failed: %w", err)
	}

	h.logger.Info("renewal task completed",
		zap.Int("due", result.Due),
		zap.Int("granted", result.Granted),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)

	// Per-tracker failures are surfaced so asynq retries the batch; already
	// granted months are deduped, so a retry only touches the failures.
	return result.Err
}

// Register attaches the handler to the mux under its task type.
func (h *RenewalHandler) Register(mux *asynq.ServeMux) {
	mux.Handle(TypeProcessRenewals, h)
}

// NewProcessRenewalsTask builds the task enqueued by the cron scheduler.
func NewProcessRenewalsTask() (*asynq.Task, error) {
	payload, err := json.Marshal(ProcessRenewalsPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeProcessRenewals, payload, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
