package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/catalog"
	"github.com/petitio/token-billing/identity"
	"github.com/petitio/token-billing/models"
)

// metadataUserID is the customer/subscription metadata entry carrying the
// application's internal user id.
const metadataUserID = "user_id"

// handleSubscriptionCreated credits the first month of tokens for a
// subscription that is already active at creation. Inactive subscriptions are
// deferred to the paid-invoice event because no payment has been collected yet.
func (r *Reconciler) handleSubscriptionCreated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription object: %w", err)
	}

	if sub.Status != stripe.SubscriptionStatusActive {
		r.logger.Info("subscription created but not active, deferring to invoice.paid",
			zap.String("event_id", event.ID),
			zap.String("subscription_id", sub.ID),
			zap.String("status", string(sub.Status)),
		)
		return nil
	}

	priceID := subscriptionPriceID(&sub)
	plan, ok := r.planOrFlag(event.ID, priceID)
	if !ok {
		return nil
	}

	custID := customerID(sub.Customer)
	profile, found, err := r.resolveOrFlag(ctx, event.ID, identity.Query{
		CustomerID:  custID,
		ReferenceID: sub.Metadata[metadataUserID],
	})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	granted, err := r.grantOnce(ctx, subCreatedKey(sub.ID), profile.ID, plan.TokensPerMonth,
		models.KindSubscription,
		fmt.Sprintf("Crédito inicial de %d tokens para o plano %s", plan.TokensPerMonth, plan.Name),
		map[string]any{
			"event_id":        event.ID,
			"subscription_id": sub.ID,
			"price_id":        priceID,
		})
	if err != nil {
		return err
	}

	if err := r.identity.LinkCustomer(ctx, profile.ID, custID); err != nil {
		r.logger.Warn("failed to persist customer link",
			zap.String("user_id", profile.ID),
			zap.String("customer_id", custID),
			zap.Error(err),
		)
	}

	if granted && plan.IsAnnual() {
		if err := r.upsertTracker(ctx, sub.ID, custID, profile.ID, plan); err != nil {
			r.creditedButTrackerFailed(event.ID, sub.ID, err)
		}
	}

	return nil
}

// handleSubscriptionUpdated covers two distinct transitions: the subscription
// leaving good standing (tracker goes inactive, granted tokens are not clawed
// back) and a plan switch while active (the upgrade difference is credited
// once, deduped on the event id since the same subscription can switch plans
// repeatedly).
func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription object: %w", err)
	}

	switch sub.Status {
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPastDue:
		if err := r.trackers.SetStatus(ctx, sub.ID, models.TrackerInactive); err != nil {
			return fmt.Errorf("failed to deactivate tracker for %s: %w", sub.ID, err)
		}

		r.logger.Info("subscription left good standing, tracker deactivated",
			zap.String("event_id", event.ID),
			zap.String("subscription_id", sub.ID),
			zap.String("status", string(sub.Status)),
		)
		return nil
	case stripe.SubscriptionStatusActive:
		return r.handlePlanSwitch(ctx, event, &sub)
	default:
		r.logger.Info("subscription update requires no action",
			zap.String("event_id", event.ID),
			zap.String("subscription_id", sub.ID),
			zap.String("status", string(sub.Status)),
		)
		return nil
	}
}

func (r *Reconciler) handlePlanSwitch(ctx context.Context, event *stripe.Event, sub *stripe.Subscription) error {
	newPriceID := subscriptionPriceID(sub)
	oldPriceID := previousPriceID(event)

	if oldPriceID == "" || newPriceID == "" || oldPriceID == newPriceID {
		return nil
	}

	oldPlan, ok := r.planOrFlag(event.ID, oldPriceID)
	if !ok {
		return nil
	}
	newPlan, ok := r.planOrFlag(event.ID, newPriceID)
	if !ok {
		return nil
	}

	diff := newPlan.TokensPerMonth - oldPlan.TokensPerMonth
	if diff <= 0 {
		// Downgrades and lateral moves grant nothing and claw nothing back.
		r.logger.Info("plan switch without upgrade, no ledger mutation",
			zap.String("event_id", event.ID),
			zap.String("subscription_id", sub.ID),
			zap.String("old_price_id", oldPriceID),
			zap.String("new_price_id", newPriceID),
			zap.Int("token_difference", diff),
		)
		return nil
	}

	custID := customerID(sub.Customer)
	profile, found, err := r.resolveOrFlag(ctx, event.ID, identity.Query{
		CustomerID:  custID,
		ReferenceID: sub.Metadata[metadataUserID],
	})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	// Dedupe on the event id, never the subscription id: two switches on the
	// same subscription are distinct grants. The tracker for annual targets is
	// deliberately left for the subscription_update invoice to (re)create,
	// avoiding a race between two events describing the same transition.
	_, err = r.grantOnce(ctx, eventKey(event.ID), profile.ID, diff,
		models.KindSubscription,
		fmt.Sprintf("Upgrade de plano %s para %s (+%d tokens)", oldPlan.Name, newPlan.Name, diff),
		map[string]any{
			"event_id":        event.ID,
			"subscription_id": sub.ID,
			"old_price_id":    oldPriceID,
			"price_id":        newPriceID,
		})
	return err
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription object: %w", err)
	}

	if err := r.trackers.SetStatus(ctx, sub.ID, models.TrackerInactive); err != nil {
		return fmt.Errorf("failed to deactivate tracker for %s: %w", sub.ID, err)
	}

	r.logger.Info("subscription deleted, tracker deactivated",
		zap.String("event_id", event.ID),
		zap.String("subscription_id", sub.ID),
	)
	return nil
}

// handleInvoicePaid is the main grant path for subscription money: first
// payments, monthly cycles and annual renewals all arrive here. Invoices whose
// billing reason is subscription_update carry a charge already accounted for
// by the plan-switch handler, so they only (re)initialize the annual tracker.
func (r *Reconciler) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("failed to parse invoice object: %w", err)
	}

	subID := invoiceSubscriptionID(&inv)
	custID := customerID(inv.Customer)

	if subID == "" || !inv.Paid || custID == "" {
		r.logger.Info("invoice not eligible for token grant, skipping",
			zap.String("event_id", event.ID),
			zap.String("invoice_id", inv.ID),
			zap.String("subscription_id", subID),
			zap.Bool("paid", inv.Paid),
		)
		return nil
	}

	priceID := invoicePriceID(&inv)
	plan, ok := r.planOrFlag(event.ID, priceID)
	if !ok {
		return nil
	}

	profile, found, err := r.resolveOrFlag(ctx, event.ID, identity.Query{
		CustomerID:  custID,
		Email:       inv.CustomerEmail,
		ReferenceID: invoiceReferenceID(&inv),
	})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if err := r.identity.LinkCustomer(ctx, profile.ID, custID); err != nil {
		r.logger.Warn("failed to persist customer link",
			zap.String("user_id", profile.ID),
			zap.String("customer_id", custID),
			zap.Error(err),
		)
	}

	if inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionUpdate {
		// The incremental charge was credited by the subscription-updated
		// handler; this invoice only re-arms the drip for annual plans.
		if plan.IsAnnual() {
			if err := r.upsertTracker(ctx, subID, custID, profile.ID, plan); err != nil {
				return fmt.Errorf("failed to reinitialize tracker for %s: %w", subID, err)
			}
		}
		return nil
	}

	granted, err := r.grantOnce(ctx, invoiceKey(inv.ID), profile.ID, plan.TokensPerMonth,
		models.KindSubscription,
		fmt.Sprintf("Crédito de %d tokens para o plano %s", plan.TokensPerMonth, plan.Name),
		map[string]any{
			"event_id":        event.ID,
			"invoice_id":      inv.ID,
			"subscription_id": subID,
			"price_id":        priceID,
			"billing_reason":  string(inv.BillingReason),
		})
	if err != nil {
		return err
	}

	if granted && plan.IsAnnual() {
		if err := r.upsertTracker(ctx, subID, custID, profile.ID, plan); err != nil {
			r.creditedButTrackerFailed(event.ID, subID, err)
		}
	}

	return nil
}

func (r *Reconciler) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("failed to parse invoice object: %w", err)
	}

	subID := invoiceSubscriptionID(&inv)
	if subID == "" {
		return nil
	}

	if err := r.trackers.SetStatus(ctx, subID, models.TrackerPaymentFailed); err != nil {
		return fmt.Errorf("failed to flag tracker for %s: %w", subID, err)
	}

	r.logger.Info("invoice payment failed, tracker flagged",
		zap.String("event_id", event.ID),
		zap.String("subscription_id", subID),
	)
	return nil
}

// handlePaymentIntentSucceeded credits one-off token purchases. Payments bound
// to an invoice are skipped entirely: that money belongs to the invoice-paid
// handler and crediting it here would double-grant.
func (r *Reconciler) handlePaymentIntentSucceeded(ctx context.Context, event *stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("failed to parse payment intent object: %w", err)
	}

	if pi.Invoice != nil {
		r.logger.Info("payment intent belongs to an invoice, skipping",
			zap.String("event_id", event.ID),
			zap.String("payment_intent_id", pi.ID),
			zap.String("invoice_id", pi.Invoice.ID),
		)
		return nil
	}

	tokens := metadataTokenAmount(pi.Metadata)
	if tokens <= 0 {
		r.logger.Error("one-off payment without a usable token amount, skipping",
			zap.String("event_id", event.ID),
			zap.String("payment_intent_id", pi.ID),
			zap.Bool("manual_reconciliation", true),
		)
		return nil
	}

	custID := customerID(pi.Customer)

	// An explicit user reference in the payment metadata beats customer lookup.
	profile, found, err := r.resolvePreferringReference(ctx, event.ID, pi.Metadata[metadataUserID], identity.Query{
		CustomerID: custID,
		Email:      pi.ReceiptEmail,
	})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	_, err = r.grantOnce(ctx, paymentKey(pi.ID), profile.ID, tokens,
		models.KindPurchase,
		fmt.Sprintf("Compra avulsa de %d tokens", tokens),
		map[string]any{
			"event_id":          event.ID,
			"payment_intent_id": pi.ID,
		})
	if err != nil {
		return err
	}

	if err := r.identity.LinkCustomer(ctx, profile.ID, custID); err != nil {
		r.logger.Warn("failed to persist customer link",
			zap.String("user_id", profile.ID),
			zap.String("customer_id", custID),
			zap.Error(err),
		)
	}

	return nil
}

// handleCheckoutSessionCompleted never moves tokens; in subscription mode its
// whole job is identity capture the first time a customer is created, on both
// sides: the customer id on our profile and our user id in the provider's
// customer metadata.
func (r *Reconciler) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to parse checkout session object: %w", err)
	}

	if session.Mode != stripe.CheckoutSessionModeSubscription {
		r.logger.Info("checkout session not in subscription mode, nothing to link",
			zap.String("event_id", event.ID),
			zap.String("session_id", session.ID),
			zap.String("mode", string(session.Mode)),
		)
		return nil
	}

	custID := customerID(session.Customer)

	var email string
	if session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}

	profile, found, err := r.resolveOrFlag(ctx, event.ID, identity.Query{
		CustomerID:  custID,
		Email:       email,
		ReferenceID: session.ClientReferenceID,
	})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if err := r.identity.LinkCustomer(ctx, profile.ID, custID); err != nil {
		r.logger.Warn("failed to persist customer link",
			zap.String("user_id", profile.ID),
			zap.String("customer_id", custID),
			zap.Error(err),
		)
	}

	if custID != "" && r.customers != nil {
		if err := r.customers.SetCustomerUserID(ctx, custID, profile.ID); err != nil {
			r.logger.Warn("failed to write user id into provider customer metadata",
				zap.String("user_id", profile.ID),
				zap.String("customer_id", custID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (r *Reconciler) resolvePreferringReference(ctx context.Context, eventID, referenceID string, fallback identity.Query) (models.Profile, bool, error) {
	if referenceID != "" {
		profile, err := r.identity.Resolve(ctx, identity.Query{ReferenceID: referenceID})
		if err == nil {
			return profile, true, nil
		}
	}

	fallback.ReferenceID = referenceID

	return r.resolveOrFlag(ctx, eventID, fallback)
}

func (r *Reconciler) upsertTracker(ctx context.Context, subscriptionID, customerID, userID string, plan catalog.Plan) error {
	tracker := &models.RenewalTracker{
		SubscriptionID: subscriptionID,
		UserID:         userID,
		CustomerID:     customerID,
		PriceID:        plan.PriceID,
		TokensPerMonth: plan.TokensPerMonth,
		NextGrantDate:  r.now().AddDate(0, 1, 0),
		GrantedMonths:  1,
		Status:         models.TrackerActive,
	}

	return r.trackers.Upsert(ctx, tracker)
}

// creditedButTrackerFailed records the one partial failure that is never
// rolled back: tokens were granted but the drip tracker could not be written.
// The credit must stand; the tracker is repaired manually or by the next
// invoice event.
func (r *Reconciler) creditedButTrackerFailed(eventID, subscriptionID string, err error) {
	r.logger.Warn("tokens credited but tracker upsert failed",
		zap.String("event_id", eventID),
		zap.String("subscription_id", subscriptionID),
		zap.Bool("recoverable_inconsistency", true),
		zap.Error(err),
	)
}
