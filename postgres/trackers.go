package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petitio/token-billing/models"
)

// trackerRepository implements models.TrackerRepository over the
// subscription_renewals table.
type trackerRepository struct {
	db *sql.DB
}

// NewTrackerRepository creates a new TrackerRepository
func NewTrackerRepository(db *sql.DB) models.TrackerRepository {
	return &trackerRepository{db: db}
}

// Upsert creates or replaces the tracker for a subscription. Plan fields,
// grant schedule and status are all reset; rows are keyed on subscription_id
// and never hard-deleted.
func (repo *trackerRepository) Upsert(ctx context.Context, tracker *models.RenewalTracker) error {
	const q = `INSERT INTO subscription_renewals
	           (id, subscription_id, user_id, customer_id, price_id, tokens_per_month, next_grant_date, granted_months, status, created_at, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	           ON CONFLICT (subscription_id) DO UPDATE SET
	               user_id = EXCLUDED.user_id,
	               customer_id = EXCLUDED.customer_id,
	               price_id = EXCLUDED.price_id,
	               tokens_per_month = EXCLUDED.tokens_per_month,
	               next_grant_date = EXCLUDED.next_grant_date,
	               granted_months = EXCLUDED.granted_months,
	               status = EXCLUDED.status,
	               updated_at = NOW()`

	if tracker.ID == "" {
		tracker.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if tracker.CreatedAt.IsZero() {
		tracker.CreatedAt = now
	}

	_, err := repo.db.ExecContext(ctx, q, tracker.ID, tracker.SubscriptionID, tracker.UserID,
		tracker.CustomerID, tracker.PriceID, tracker.TokensPerMonth, tracker.NextGrantDate,
		tracker.GrantedMonths, string(tracker.Status), tracker.CreatedAt)

	return err
}

// GetBySubscriptionID retrieves a tracker by its subscription id.
func (repo *trackerRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (models.RenewalTracker, error) {
	const q = `SELECT id, subscription_id, user_id, COALESCE(customer_id, ''), price_id, tokens_per_month,
	           next_grant_date, granted_months, status, created_at, updated_at
	           FROM subscription_renewals WHERE subscription_id = $1`

	var (
		tracker models.RenewalTracker
		status  string
	)
	err := repo.db.QueryRowContext(ctx, q, subscriptionID).Scan(&tracker.ID, &tracker.SubscriptionID,
		&tracker.UserID, &tracker.CustomerID, &tracker.PriceID, &tracker.TokensPerMonth,
		&tracker.NextGrantDate, &tracker.GrantedMonths, &status, &tracker.CreatedAt, &tracker.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RenewalTracker{}, models.ErrTrackerNotFound
		}
		return models.RenewalTracker{}, err
	}
	tracker.Status = models.TrackerStatus(status)

	return tracker, nil
}

// SetStatus transitions the tracker. Lifecycle events arrive for
// subscriptions we never tracked (monthly plans), so a missing row is a no-op,
// not an error.
func (repo *trackerRepository) SetStatus(ctx context.Context, subscriptionID string, status models.TrackerStatus) error {
	const q = `UPDATE subscription_renewals SET status = $2, updated_at = NOW() WHERE subscription_id = $1`

	_, err := repo.db.ExecContext(ctx, q, subscriptionID, string(status))

	return err
}

// ListDue returns active trackers whose next grant date is on or before asOf.
func (repo *trackerRepository) ListDue(ctx context.Context, asOf time.Time) ([]models.RenewalTracker, error) {
	const q = `SELECT id, subscription_id, user_id, COALESCE(customer_id, ''), price_id, tokens_per_month,
	           next_grant_date, granted_months, status, created_at, updated_at
	           FROM subscription_renewals WHERE status = 'active' AND next_grant_date <= $1
	           ORDER BY next_grant_date`

	rows, err := repo.db.QueryContext(ctx, q, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trackers []models.RenewalTracker
	for rows.Next() {
		var (
			tracker models.RenewalTracker
			status  string
		)
		if err := rows.Scan(&tracker.ID, &tracker.SubscriptionID, &tracker.UserID, &tracker.CustomerID,
			&tracker.PriceID, &tracker.TokensPerMonth, &tracker.NextGrantDate, &tracker.GrantedMonths,
			&status, &tracker.CreatedAt, &tracker.UpdatedAt); err != nil {
			return nil, err
		}
		tracker.Status = models.TrackerStatus(status)
		trackers = append(trackers, tracker)
	}

	return trackers, rows.Err()
}

// Advance moves the grant schedule forward after a successful drip.
func (repo *trackerRepository) Advance(ctx context.Context, subscriptionID string, nextGrantDate time.Time) error {
	const q = `UPDATE subscription_renewals
	           SET next_grant_date = $2, granted_months = granted_months + 1, updated_at = NOW()
	           WHERE subscription_id = $1`

	_, err := repo.db.ExecContext(ctx, q, subscriptionID, nextGrantDate)

	return err
}
