// Package identity maps a payment-provider customer identity to an internal
// user. Provider-side customer records can be created out of band, so the
// resolver self-heals the customer link on any successful fallback lookup.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/petitio/token-billing/models"
)

// ErrIdentityNotFound means no user matched any of the provided identifiers.
// Events hitting this are accepted (so the provider stops redelivering) but
// flagged for manual reconciliation.
var ErrIdentityNotFound = errors.New("identity not found")

// Query carries the identifiers available on a provider event. Any field may
// be empty; lookups are tried in order customerID, email, referenceID.
type Query struct {
	CustomerID  string
	Email       string
	ReferenceID string
}

type Resolver struct {
	profiles models.ProfileRepository
	logger   *zap.Logger
}

func NewResolver(profiles models.ProfileRepository, logger *zap.Logger) *Resolver {
	return &Resolver{profiles: profiles, logger: logger}
}

// Resolve finds the user behind a provider identity. When the match comes from
// email or reference ID and the query carries a customer ID, the customer link
// is written through so future lookups hit the direct path.
func (r *Resolver) Resolve(ctx context.Context, q Query) (models.Profile, error) {
	if q.CustomerID != "" {
		profile, err := r.profiles.GetByCustomerID(ctx, q.CustomerID)
		if err == nil {
			return profile, nil
		}
		if !isNotFound(err) {
			return models.Profile{}, fmt.Errorf("customer id lookup failed: %w", err)
		}
	}

	if q.Email != "" {
		profile, err := r.profiles.GetByEmail(ctx, strings.ToLower(q.Email))
		if err == nil {
			r.writeThrough(ctx, profile.ID, q.CustomerID)
			return profile, nil
		}
		if !isNotFound(err) {
			return models.Profile{}, fmt.Errorf("email lookup failed: %w", err)
		}
	}

	if q.ReferenceID != "" {
		profile, err := r.profiles.GetByID(ctx, q.ReferenceID)
		if err == nil {
			r.writeThrough(ctx, profile.ID, q.CustomerID)
			return profile, nil
		}
		if !isNotFound(err) {
			return models.Profile{}, fmt.Errorf("reference id lookup failed: %w", err)
		}
	}

	return models.Profile{}, ErrIdentityNotFound
}

// LinkCustomer persists the customer link for a known user.
func (r *Resolver) LinkCustomer(ctx context.Context, userID, customerID string) error {
	if customerID == "" {
		return nil
	}

	return r.profiles.SetCustomerID(ctx, userID, customerID)
}

func (r *Resolver) writeThrough(ctx context.Context, userID, customerID string) {
	if customerID == "" {
		return
	}

	if err := r.profiles.SetCustomerID(ctx, userID, customerID); err != nil {
		r.logger.Warn("failed to persist customer link",
			zap.String("user_id", userID),
			zap.String("customer_id", customerID),
			zap.Error(err),
		)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrProfileNotFound)
}
