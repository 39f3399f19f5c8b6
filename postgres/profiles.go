package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petitio/token-billing/models"
)

// profileRepository implements models.ProfileRepository over the profiles
// table.
type profileRepository struct {
	db *sql.DB
}

// NewProfileRepository creates a new ProfileRepository
func NewProfileRepository(db *sql.DB) models.ProfileRepository {
	return &profileRepository{db: db}
}

const profileColumns = `id, email, COALESCE(stripe_customer_id, ''), created_at, updated_at`

// GetByID retrieves a profile by ID
func (repo *profileRepository) GetByID(ctx context.Context, id string) (models.Profile, error) {
	const q = `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`

	return repo.scanOne(repo.db.QueryRowContext(ctx, q, id))
}

// GetByEmail retrieves a profile by email, case-insensitively.
func (repo *profileRepository) GetByEmail(ctx context.Context, email string) (models.Profile, error) {
	const q = `SELECT ` + profileColumns + ` FROM profiles WHERE LOWER(email) = LOWER($1)`

	return repo.scanOne(repo.db.QueryRowContext(ctx, q, email))
}

// GetByCustomerID retrieves a profile by its external customer link.
func (repo *profileRepository) GetByCustomerID(ctx context.Context, customerID string) (models.Profile, error) {
	const q = `SELECT ` + profileColumns + ` FROM profiles WHERE stripe_customer_id = $1`

	return repo.scanOne(repo.db.QueryRowContext(ctx, q, customerID))
}

// SetCustomerID persists the external customer link on the profile.
func (repo *profileRepository) SetCustomerID(ctx context.Context, userID, customerID string) error {
	const q = `UPDATE profiles SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1`

	_, err := repo.db.ExecContext(ctx, q, userID, customerID)

	return err
}

// Create inserts a new profile
func (repo *profileRepository) Create(ctx context.Context, profile *models.Profile) error {
	const q = `INSERT INTO profiles (id, email, stripe_customer_id, created_at, updated_at)
	           VALUES ($1, $2, NULLIF($3, ''), $4, $5)`

	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = now
	}

	_, err := repo.db.ExecContext(ctx, q, profile.ID, profile.Email, profile.StripeCustomerID,
		profile.CreatedAt, profile.UpdatedAt)

	return err
}

func (repo *profileRepository) scanOne(row *sql.Row) (models.Profile, error) {
	var profile models.Profile
	err := row.Scan(&profile.ID, &profile.Email, &profile.StripeCustomerID, &profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Profile{}, models.ErrProfileNotFound
		}
		return models.Profile{}, err
	}

	return profile, nil
}
