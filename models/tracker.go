package models

import (
	"context"
	"errors"
	"time"
)

// ErrTrackerNotFound is returned by tracker lookups that match no row.
var ErrTrackerNotFound = errors.New("renewal tracker not found")

// TrackerStatus is the lifecycle state of an annual renewal tracker.
type TrackerStatus string

const (
	TrackerActive        TrackerStatus = "active"
	TrackerInactive      TrackerStatus = "inactive"
	TrackerPaymentFailed TrackerStatus = "payment_failed"
	TrackerCanceled      TrackerStatus = "canceled"
)

// RenewalTracker tracks an annual subscription's monthly token drip. One row
// per subscription, unique on SubscriptionID, never hard-deleted.
type RenewalTracker struct {
	ID             string
	SubscriptionID string
	UserID         string
	CustomerID     string
	PriceID        string
	TokensPerMonth int
	NextGrantDate  time.Time
	GrantedMonths  int
	Status         TrackerStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TrackerRepository manages annual renewal trackers.
type TrackerRepository interface {
	// Upsert creates the tracker or replaces its plan fields, grant schedule
	// and status, keyed on SubscriptionID.
	Upsert(ctx context.Context, tracker *RenewalTracker) error

	GetBySubscriptionID(ctx context.Context, subscriptionID string) (RenewalTracker, error)

	// SetStatus transitions the tracker; it is a no-op when the tracker does
	// not exist (lifecycle events may arrive for subscriptions we never
	// tracked, e.g. monthly plans).
	SetStatus(ctx context.Context, subscriptionID string, status TrackerStatus) error

	// ListDue returns active trackers whose next grant date is on or before
	// asOf.
	ListDue(ctx context.Context, asOf time.Time) ([]RenewalTracker, error)

	// Advance moves the grant schedule forward after a successful drip:
	// next_grant_date += 1 month, granted_months += 1.
	Advance(ctx context.Context, subscriptionID string, nextGrantDate time.Time) error
}
