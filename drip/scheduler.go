// Package drip grants the monthly token installment for annual subscriptions.
// Annual plans are charged yearly but tokens arrive month by month, driven by
// the renewal tracker rows the reconciler maintains.
package drip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petitio/token-billing/models"
	"github.com/petitio/token-billing/reconcile"
)

// Ledger is the subset of the credit ledger the scheduler needs.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount int, kind models.TransactionKind, description string, metadata map[string]any) (int, error)
	HasDeduped(ctx context.Context, dedupeKey string) (bool, error)
}

// Result summarizes one batch run. Err aggregates per-tracker failures; a
// failing tracker never aborts the rest of the batch.
type Result struct {
	Due     int
	Granted int
	Skipped int
	Failed  int
	Err     error
}

type Scheduler struct {
	ledger      Ledger
	trackers    models.TrackerRepository
	logger      *zap.Logger
	now         func() time.Time
	concurrency int
}

func NewScheduler(ledger Ledger, trackers models.TrackerRepository, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		ledger:      ledger,
		trackers:    trackers,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: 4,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type Option func(*Scheduler)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithConcurrency bounds how many trackers are processed in parallel.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Run processes every active tracker whose grant date has arrived. Each
// tracker is handled independently: its grant is deduped on the subscription
// id plus the scheduled grant month, so a crashed or duplicated run converges
// to a single credit per month.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	asOf := s.now()

	due, err := s.trackers.ListDue(ctx, asOf)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list due trackers: %w", err)
	}

	s.logger.Info("drip batch started",
		zap.Time("as_of", asOf),
		zap.Int("due", len(due)),
	)

	var (
		mu     sync.Mutex
		result = Result{Due: len(due)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, tracker := range due {
		tracker := tracker
		g.Go(func() error {
			granted, err := s.processTracker(gctx, tracker)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				result.Failed++
				result.Err = multierr.Append(result.Err, fmt.Errorf("tracker %s: %w", tracker.SubscriptionID, err))
				s.logger.Error("drip grant failed",
					zap.String("subscription_id", tracker.SubscriptionID),
					zap.String("user_id", tracker.UserID),
					zap.Error(err),
				)
			case granted:
				result.Granted++
			default:
				result.Skipped++
			}

			// Errors are collected, never propagated: one bad tracker must
			// not cancel the group.
			return nil
		})
	}

	_ = g.Wait()

	s.logger.Info("drip batch finished",
		zap.Int("granted", result.Granted),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)

	return result, nil
}

func (s *Scheduler) processTracker(ctx context.Context, tracker models.RenewalTracker) (bool, error) {
	dedupeKey := reconcile.GrantKey(tracker.SubscriptionID, tracker.NextGrantDate)

	deduped, err := s.ledger.HasDeduped(ctx, dedupeKey)
	if err != nil {
		return false, fmt.Errorf("dedupe check failed: %w", err)
	}

	if !deduped {
		_, err := s.ledger.Credit(ctx, tracker.UserID, tracker.TokensPerMonth,
			models.KindAnnualGrant,
			fmt.Sprintf("Crédito mensal de %d tokens para assinatura anual (%s)", tracker.TokensPerMonth, tracker.SubscriptionID),
			map[string]any{
				models.MetaDedupeKey: dedupeKey,
				"subscription_id":    tracker.SubscriptionID,
				"price_id":           tracker.PriceID,
				"grant_month":        tracker.NextGrantDate.UTC().Format("2006-01"),
				"month_of_cycle":     tracker.GrantedMonths + 1,
			})
		if err != nil {
			return false, fmt.Errorf("credit failed: %w", err)
		}
	}

	// Advance even when the grant was already on the books: that means a
	// previous run credited but crashed before moving the schedule forward.
	nextGrant := tracker.NextGrantDate.AddDate(0, 1, 0)
	if err := s.trackers.Advance(ctx, tracker.SubscriptionID, nextGrant); err != nil {
		return false, fmt.Errorf("failed to advance schedule: %w", err)
	}

	return !deduped, nil
}
