// Package testutils provides in-memory repository fakes for unit tests.
package testutils

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/petitio/token-billing/models"
)

// RandomID returns a short random identifier for test fixtures.
func RandomID(prefix string) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return prefix + "_" + string(b)
}

// FakeBalanceRepository is an in-memory models.BalanceRepository.
type FakeBalanceRepository struct {
	mu       sync.Mutex
	balances map[string]int

	// FailIncrement forces Increment to fail, for compensation-path tests.
	FailIncrement error
}

func NewFakeBalanceRepository() *FakeBalanceRepository {
	return &FakeBalanceRepository{balances: make(map[string]int)}
}

func (f *FakeBalanceRepository) Get(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *FakeBalanceRepository) Increment(_ context.Context, userID string, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailIncrement != nil {
		return 0, f.FailIncrement
	}
	f.balances[userID] += amount
	return f.balances[userID], nil
}

func (f *FakeBalanceRepository) DecrementIfEnough(_ context.Context, userID string, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[userID] < amount {
		return 0, models.ErrInsufficientBalance
	}
	f.balances[userID] -= amount
	return f.balances[userID], nil
}

// Set seeds a balance directly.
func (f *FakeBalanceRepository) Set(userID string, balance int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = balance
}

// FakeTransactionRepository is an in-memory models.TransactionRepository.
type FakeTransactionRepository struct {
	mu      sync.Mutex
	records []models.TokenTransaction

	// FailAppend forces Append to fail, for ledger asymmetry tests.
	FailAppend error
}

func NewFakeTransactionRepository() *FakeTransactionRepository {
	return &FakeTransactionRepository{}
}

func (f *FakeTransactionRepository) Append(_ context.Context, txn *models.TokenTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAppend != nil {
		return f.FailAppend
	}
	stored := *txn
	if stored.ID == "" {
		stored.ID = RandomID("txn")
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	f.records = append(f.records, stored)
	return nil
}

func (f *FakeTransactionRepository) ExistsByDedupeKey(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.Metadata != nil {
			if v, ok := rec.Metadata[models.MetaDedupeKey]; ok {
				if s, ok := v.(string); ok && s == key {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func (f *FakeTransactionRepository) ListByUser(_ context.Context, userID string, limit int) ([]models.TokenTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TokenTransaction
	for _, rec := range f.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeTransactionRepository) SumByUser(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0
	for _, rec := range f.records {
		if rec.UserID == userID {
			sum += rec.Amount
		}
	}
	return sum, nil
}

// Records returns a copy of all stored records.
func (f *FakeTransactionRepository) Records() []models.TokenTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.TokenTransaction, len(f.records))
	copy(out, f.records)
	return out
}

// CountByUser returns how many records a user has.
func (f *FakeTransactionRepository) CountByUser(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.records {
		if rec.UserID == userID {
			n++
		}
	}
	return n
}

// FakeTrackerRepository is an in-memory models.TrackerRepository.
type FakeTrackerRepository struct {
	mu       sync.Mutex
	trackers map[string]models.RenewalTracker

	// FailUpsert forces Upsert to fail.
	FailUpsert error
	// FailAdvance forces Advance to fail for the given subscription ids.
	FailAdvance map[string]error
}

func NewFakeTrackerRepository() *FakeTrackerRepository {
	return &FakeTrackerRepository{trackers: make(map[string]models.RenewalTracker)}
}

func (f *FakeTrackerRepository) Upsert(_ context.Context, tracker *models.RenewalTracker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailUpsert != nil {
		return f.FailUpsert
	}
	stored := *tracker
	if existing, ok := f.trackers[tracker.SubscriptionID]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = RandomID("trk")
		}
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	f.trackers[tracker.SubscriptionID] = stored
	return nil
}

func (f *FakeTrackerRepository) GetBySubscriptionID(_ context.Context, subscriptionID string) (models.RenewalTracker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tracker, ok := f.trackers[subscriptionID]
	if !ok {
		return models.RenewalTracker{}, models.ErrTrackerNotFound
	}
	return tracker, nil
}

func (f *FakeTrackerRepository) SetStatus(_ context.Context, subscriptionID string, status models.TrackerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tracker, ok := f.trackers[subscriptionID]
	if !ok {
		return nil
	}
	tracker.Status = status
	tracker.UpdatedAt = time.Now().UTC()
	f.trackers[subscriptionID] = tracker
	return nil
}

func (f *FakeTrackerRepository) ListDue(_ context.Context, asOf time.Time) ([]models.RenewalTracker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []models.RenewalTracker
	for _, tracker := range f.trackers {
		if tracker.Status == models.TrackerActive && !tracker.NextGrantDate.After(asOf) {
			due = append(due, tracker)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextGrantDate.Before(due[j].NextGrantDate) })
	return due, nil
}

func (f *FakeTrackerRepository) Advance(_ context.Context, subscriptionID string, nextGrantDate time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailAdvance[subscriptionID]; err != nil {
		return err
	}
	tracker, ok := f.trackers[subscriptionID]
	if !ok {
		return models.ErrTrackerNotFound
	}
	tracker.NextGrantDate = nextGrantDate
	tracker.GrantedMonths++
	tracker.UpdatedAt = time.Now().UTC()
	f.trackers[subscriptionID] = tracker
	return nil
}

// FakeProfileRepository is an in-memory models.ProfileRepository.
type FakeProfileRepository struct {
	mu       sync.Mutex
	profiles map[string]models.Profile

	// EmailLookups counts GetByEmail calls, for self-healing assertions.
	EmailLookups int
}

func NewFakeProfileRepository() *FakeProfileRepository {
	return &FakeProfileRepository{profiles: make(map[string]models.Profile)}
}

func (f *FakeProfileRepository) GetByID(_ context.Context, id string) (models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[id]
	if !ok {
		return models.Profile{}, models.ErrProfileNotFound
	}
	return profile, nil
}

func (f *FakeProfileRepository) GetByEmail(_ context.Context, email string) (models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EmailLookups++
	for _, profile := range f.profiles {
		if strings.EqualFold(profile.Email, email) {
			return profile, nil
		}
	}
	return models.Profile{}, models.ErrProfileNotFound
}

func (f *FakeProfileRepository) GetByCustomerID(_ context.Context, customerID string) (models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, profile := range f.profiles {
		if profile.StripeCustomerID == customerID && customerID != "" {
			return profile, nil
		}
	}
	return models.Profile{}, models.ErrProfileNotFound
}

func (f *FakeProfileRepository) SetCustomerID(_ context.Context, userID, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[userID]
	if !ok {
		return fmt.Errorf("profile %s not found", userID)
	}
	profile.StripeCustomerID = customerID
	profile.UpdatedAt = time.Now().UTC()
	f.profiles[userID] = profile
	return nil
}

func (f *FakeProfileRepository) Create(_ context.Context, profile *models.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *profile
	if stored.ID == "" {
		stored.ID = RandomID("usr")
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	f.profiles[stored.ID] = stored
	return nil
}

// Add seeds a profile directly.
func (f *FakeProfileRepository) Add(profile models.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[profile.ID] = profile
}

// Get returns a profile without counting as a lookup.
func (f *FakeProfileRepository) Get(id string) (models.Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[id]
	return profile, ok
}

// FakeCustomerDirectory records SetCustomerUserID calls.
type FakeCustomerDirectory struct {
	mu    sync.Mutex
	links map[string]string

	FailSet error
}

func NewFakeCustomerDirectory() *FakeCustomerDirectory {
	return &FakeCustomerDirectory{links: make(map[string]string)}
}

func (f *FakeCustomerDirectory) SetCustomerUserID(_ context.Context, customerID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSet != nil {
		return f.FailSet
	}
	f.links[customerID] = userID
	return nil
}

// Link returns the user id recorded for a customer.
func (f *FakeCustomerDirectory) Link(customerID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.links[customerID]
	return userID, ok
}
