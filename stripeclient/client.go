// Package stripeclient wraps the Stripe SDK behind a small interface so the
// webhook and billing paths can be tested without network calls.
package stripeclient

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	portalsession "github.com/stripe/stripe-go/v81/billingportal/session"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Client interface for Stripe operations
type Client interface {
	VerifyWebhook(payload []byte, signature, secret string) (*stripe.Event, error)
	SetCustomerUserID(ctx context.Context, customerID, userID string) error
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error)
}

type client struct {
	apiKey string
}

// NewClient creates a new Stripe client
func NewClient(apiKey string) Client {
	stripe.Key = apiKey
	return &client{apiKey: apiKey}
}

// VerifyWebhook verifies a webhook signature and returns the parsed event.
func (c *client) VerifyWebhook(payload []byte, signature, secret string) (*stripe.Event, error) {
	// Use ConstructEventWithOptions to ignore API version mismatch
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify webhook: %w", err)
	}

	return &event, nil
}

// SetCustomerUserID stores the application user id in the Stripe customer's
// metadata so later events resolve without an email search.
func (c *client) SetCustomerUserID(ctx context.Context, customerID, userID string) error {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{
			"user_id": userID,
		},
	}
	params.Context = ctx

	if _, err := customer.Update(customerID, params); err != nil {
		return fmt.Errorf("failed to update customer metadata: %w", err)
	}

	return nil
}

// GetSubscription retrieves a subscription by ID
func (c *client) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

// CreateBillingPortalSession creates a billing portal session
func (c *client) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create billing portal session: %w", err)
	}

	return sess, nil
}
