package drip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/drip"
	"github.com/petitio/token-billing/internal/testutils"
	"github.com/petitio/token-billing/ledger"
	"github.com/petitio/token-billing/models"
	"github.com/petitio/token-billing/reconcile"
)

type fixture struct {
	scheduler *drip.Scheduler
	balances  *testutils.FakeBalanceRepository
	txns      *testutils.FakeTransactionRepository
	trackers  *testutils.FakeTrackerRepository
	ledger    *ledger.Service
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	balances := testutils.NewFakeBalanceRepository()
	txns := testutils.NewFakeTransactionRepository()
	trackers := testutils.NewFakeTrackerRepository()

	logger := zap.NewNop()
	ledgerSvc := ledger.New(balances, txns, logger)

	now := time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC)

	scheduler := drip.NewScheduler(ledgerSvc, trackers, logger,
		drip.WithNow(func() time.Time { return now }),
		drip.WithConcurrency(2))

	return &fixture{
		scheduler: scheduler,
		balances:  balances,
		txns:      txns,
		trackers:  trackers,
		ledger:    ledgerSvc,
		now:       now,
	}
}

func (f *fixture) addTracker(t *testing.T, subID, userID string, tokens, grantedMonths int, due time.Time, status models.TrackerStatus) {
	t.Helper()
	require.NoError(t, f.trackers.Upsert(context.Background(), &models.RenewalTracker{
		SubscriptionID: subID,
		UserID:         userID,
		PriceID:        "price_advanced_annual",
		TokensPerMonth: tokens,
		GrantedMonths:  grantedMonths,
		NextGrantDate:  due,
		Status:         status,
	}))
}

func TestRunGrantsDueTrackers(t *testing.T) {
	f := newFixture(t)
	f.addTracker(t, "sub_1", "user-1", 96, 1, f.now.AddDate(0, 0, -1), models.TrackerActive)
	f.addTracker(t, "sub_2", "user-2", 48, 3, f.now, models.TrackerActive)
	// Not yet due, and not in good standing: both untouched.
	f.addTracker(t, "sub_3", "user-3", 160, 1, f.now.AddDate(0, 0, 10), models.TrackerActive)
	f.addTracker(t, "sub_4", "user-4", 96, 1, f.now.AddDate(0, 0, -1), models.TrackerPaymentFailed)

	result, err := f.scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Due)
	assert.Equal(t, 2, result.Granted)
	assert.Zero(t, result.Skipped)
	assert.Zero(t, result.Failed)

	b1, _ := f.balances.Get(context.Background(), "user-1")
	b2, _ := f.balances.Get(context.Background(), "user-2")
	b3, _ := f.balances.Get(context.Background(), "user-3")
	assert.Equal(t, 96, b1)
	assert.Equal(t, 48, b2)
	assert.Zero(t, b3)

	tracker, err := f.trackers.GetBySubscriptionID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, 2, tracker.GrantedMonths)
}

func TestRunAdvancesScheduleByOneMonth(t *testing.T) {
	f := newFixture(t)
	due := f.now.AddDate(0, 0, -2)
	f.addTracker(t, "sub_1", "user-1", 96, 1, due, models.TrackerActive)

	_, err := f.scheduler.Run(context.Background())
	require.NoError(t, err)

	tracker, err := f.trackers.GetBySubscriptionID(context.Background(), "sub_1")
	require.NoError(t, err)

	// The next grant anchors to the previous grant date, not to when the
	// batch happened to run.
	assert.Equal(t, due.AddDate(0, 1, 0), tracker.NextGrantDate)
}

func TestRunIsIdempotentAcrossReruns(t *testing.T) {
	f := newFixture(t)
	f.addTracker(t, "sub_1", "user-1", 96, 1, f.now.AddDate(0, 0, -1), models.TrackerActive)

	_, err := f.scheduler.Run(context.Background())
	require.NoError(t, err)

	result, err := f.scheduler.Run(context.Background())
	require.NoError(t, err)

	// Advanced a month ahead: nothing due anymore.
	assert.Zero(t, result.Due)

	balance, _ := f.balances.Get(context.Background(), "user-1")
	assert.Equal(t, 96, balance)
	assert.Equal(t, 1, f.txns.CountByUser("user-1"))
}

func TestRunAdvancesWhenGrantAlreadyOnBooks(t *testing.T) {
	f := newFixture(t)
	due := f.now.AddDate(0, 0, -1)
	f.addTracker(t, "sub_1", "user-1", 96, 1, due, models.TrackerActive)

	// A previous run credited this month but crashed before advancing.
	_, err := f.ledger.Credit(context.Background(), "user-1", 96, models.KindAnnualGrant, "previous run",
		map[string]any{models.MetaDedupeKey: reconcile.GrantKey("sub_1", due)})
	require.NoError(t, err)

	result, err := f.scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Granted)

	// No double credit, but the schedule self-heals.
	balance, _ := f.balances.Get(context.Background(), "user-1")
	assert.Equal(t, 96, balance)

	tracker, err := f.trackers.GetBySubscriptionID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, 2, tracker.GrantedMonths)
	assert.Equal(t, due.AddDate(0, 1, 0), tracker.NextGrantDate)
}

func TestRunGrantsAfterAnnualRenewal(t *testing.T) {
	f := newFixture(t)
	due := f.now.AddDate(0, 0, -1)

	// A full first cycle is already on the books: the reconciler granted
	// month 1 on the arming invoice, the scheduler dripped months 2..12.
	for m := 1; m <= 11; m++ {
		_, err := f.ledger.Credit(context.Background(), "user-1", 48, models.KindAnnualGrant, "previous cycle",
			map[string]any{models.MetaDedupeKey: reconcile.GrantKey("sub_1", due.AddDate(0, -m, 0))})
		require.NoError(t, err)
	}

	// The year-2 renewal invoice re-armed the tracker: month count restarts,
	// next grant due.
	f.addTracker(t, "sub_1", "user-1", 48, 1, due, models.TrackerActive)

	result, err := f.scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Granted)
	assert.Zero(t, result.Skipped)

	balance, _ := f.balances.Get(context.Background(), "user-1")
	assert.Equal(t, 48*12, balance)
}

func TestRunIsolatesTrackerFailures(t *testing.T) {
	f := newFixture(t)
	f.addTracker(t, "sub_bad", "user-1", 96, 1, f.now.AddDate(0, 0, -1), models.TrackerActive)
	f.addTracker(t, "sub_good", "user-2", 48, 1, f.now.AddDate(0, 0, -1), models.TrackerActive)

	f.trackers.FailAdvance = map[string]error{"sub_bad": errors.New("connection reset")}

	result, err := f.scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Granted)
	require.Error(t, result.Err)

	// The healthy tracker still got its grant.
	balance, _ := f.balances.Get(context.Background(), "user-2")
	assert.Equal(t, 48, balance)
}
