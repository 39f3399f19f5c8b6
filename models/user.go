package models

import (
	"context"
	"errors"
	"time"
)

// ErrProfileNotFound is returned by profile lookups that match no row.
var ErrProfileNotFound = errors.New("profile not found")

// Profile represents a registered user in the system. StripeCustomerID is the
// identity link to the payment provider; it is empty until the first successful
// resolution writes it through.
type Profile struct {
	ID               string
	Email            string
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProfileRepository manages user profile operations
type ProfileRepository interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	GetByEmail(ctx context.Context, email string) (Profile, error)
	GetByCustomerID(ctx context.Context, customerID string) (Profile, error)
	SetCustomerID(ctx context.Context, userID, customerID string) error
	Create(ctx context.Context, profile *Profile) error
}
