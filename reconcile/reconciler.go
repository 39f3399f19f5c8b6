// Package reconcile consumes Stripe lifecycle events and applies the correct
// token ledger mutation (or none) for each. The provider delivers events
// at-least-once and in no particular order, so every grant path re-checks its
// dedupe key immediately before crediting; idempotency, not sequencing, is the
// correctness mechanism.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/catalog"
	"github.com/petitio/token-billing/identity"
	"github.com/petitio/token-billing/models"
)

// Ledger is the subset of the credit ledger the reconciler mutates.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount int, kind models.TransactionKind, description string, metadata map[string]any) (int, error)
	HasDeduped(ctx context.Context, dedupeKey string) (bool, error)
}

// IdentityResolver resolves provider identities and persists customer links.
type IdentityResolver interface {
	Resolve(ctx context.Context, q identity.Query) (models.Profile, error)
	LinkCustomer(ctx context.Context, userID, customerID string) error
}

// CustomerDirectory writes application identity into provider-side customer
// records so later events can resolve without an email search.
type CustomerDirectory interface {
	SetCustomerUserID(ctx context.Context, customerID, userID string) error
}

// Reconciler is the webhook event state machine. It takes its collaborators as
// explicit ports so tests can substitute in-memory fakes.
type Reconciler struct {
	ledger    Ledger
	identity  IdentityResolver
	trackers  models.TrackerRepository
	customers CustomerDirectory
	logger    *zap.Logger
	now       nowFunc
}

func New(ledger Ledger, resolver IdentityResolver, trackers models.TrackerRepository, customers CustomerDirectory, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:    ledger,
		identity:  resolver,
		trackers:  trackers,
		customers: customers,
		logger:    logger,
		now:       defaultNow,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Process handles a single externally-verified event. Errors are returned for
// observability only; the webhook endpoint still acknowledges the event so the
// provider does not redeliver forever. Unrecognized event types are ignored
// and logged.
func (r *Reconciler) Process(ctx context.Context, event *stripe.Event) error {
	r.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	switch event.Type {
	case "customer.subscription.created":
		return r.handleSubscriptionCreated(ctx, event)
	case "customer.subscription.updated":
		return r.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return r.handleSubscriptionDeleted(ctx, event)
	case "invoice.paid":
		return r.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return r.handleInvoicePaymentFailed(ctx, event)
	case "payment_intent.succeeded":
		return r.handlePaymentIntentSucceeded(ctx, event)
	case "checkout.session.completed":
		return r.handleCheckoutSessionCompleted(ctx, event)
	default:
		r.logger.Info("ignoring unhandled event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}
}

// grantOnce is the single dedupe-checked crediting path used by every branch
// that grants tokens. It reports whether the grant was applied (false means a
// duplicate delivery, which is a successful no-op).
func (r *Reconciler) grantOnce(ctx context.Context, dedupeKey, userID string, amount int, kind models.TransactionKind, description string, metadata map[string]any) (bool, error) {
	deduped, err := r.ledger.HasDeduped(ctx, dedupeKey)
	if err != nil {
		return false, fmt.Errorf("dedupe check failed for %q: %w", dedupeKey, err)
	}

	if deduped {
		r.logger.Info("duplicate event delivery, grant already applied",
			zap.String("dedupe_key", dedupeKey),
			zap.String("user_id", userID),
		)
		return false, nil
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[models.MetaDedupeKey] = dedupeKey

	if _, err := r.ledger.Credit(ctx, userID, amount, kind, description, metadata); err != nil {
		return false, fmt.Errorf("credit failed for %q: %w", dedupeKey, err)
	}

	return true, nil
}

// resolveOrFlag resolves an identity, downgrading ErrIdentityNotFound to a
// logged manual-reconciliation condition. The bool reports whether a user was
// found; the event must be acknowledged either way.
func (r *Reconciler) resolveOrFlag(ctx context.Context, eventID string, q identity.Query) (models.Profile, bool, error) {
	profile, err := r.identity.Resolve(ctx, q)
	if err == nil {
		return profile, true, nil
	}

	if errors.Is(err, identity.ErrIdentityNotFound) {
		r.logger.Error("no user found for provider identity, skipping event",
			zap.String("event_id", eventID),
			zap.String("customer_id", q.CustomerID),
			zap.String("email", q.Email),
			zap.String("reference_id", q.ReferenceID),
			zap.Bool("manual_reconciliation", true),
		)
		return models.Profile{}, false, nil
	}

	return models.Profile{}, false, fmt.Errorf("identity resolution failed: %w", err)
}

// planOrFlag looks up a price in the catalog, downgrading unknown plans to a
// logged skip so the event stays visible for manual follow-up.
func (r *Reconciler) planOrFlag(eventID, priceID string) (catalog.Plan, bool) {
	plan, err := catalog.ByPriceID(priceID)
	if err != nil {
		r.logger.Error("price id not in plan catalog, skipping event",
			zap.String("event_id", eventID),
			zap.String("price_id", priceID),
			zap.Bool("manual_reconciliation", true),
		)
		return catalog.Plan{}, false
	}

	return plan, true
}
