package tasks_test

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/drip"
	"github.com/petitio/token-billing/internal/testutils"
	"github.com/petitio/token-billing/ledger"
	"github.com/petitio/token-billing/models"
	"github.com/petitio/token-billing/tasks"
)

func TestProcessTaskRunsBatch(t *testing.T) {
	balances := testutils.NewFakeBalanceRepository()
	txns := testutils.NewFakeTransactionRepository()
	trackers := testutils.NewFakeTrackerRepository()
	logger := zap.NewNop()

	now := time.Date(2025, 8, 1, 3, 0, 0, 0, time.UTC)
	scheduler := drip.NewScheduler(ledger.New(balances, txns, logger), trackers, logger,
		drip.WithNow(func() time.Time { return now }))

	require.NoError(t, trackers.Upsert(context.Background(), &models.RenewalTracker{
		SubscriptionID: "sub_1",
		UserID:         "user-1",
		PriceID:        "price_essential_annual",
		TokensPerMonth: 48,
		GrantedMonths:  1,
		NextGrantDate:  now.AddDate(0, 0, -1),
		Status:         models.TrackerActive,
	}))

	handler := tasks.NewRenewalHandler(scheduler, logger)

	task, err := tasks.NewProcessRenewalsTask()
	require.NoError(t, err)
	assert.Equal(t, tasks.TypeProcessRenewals, task.Type())

	require.NoError(t, handler.ProcessTask(context.Background(), task))

	balance, _ := balances.Get(context.Background(), "user-1")
	assert.Equal(t, 48, balance)
}

func TestProcessTaskRejectsMalformedPayload(t *testing.T) {
	logger := zap.NewNop()
	scheduler := drip.NewScheduler(
		ledger.New(testutils.NewFakeBalanceRepository(), testutils.NewFakeTransactionRepository(), logger),
		testutils.NewFakeTrackerRepository(), logger)

	handler := tasks.NewRenewalHandler(scheduler, logger)

	task := asynq.NewTask(tasks.TypeProcessRenewals, []byte("{not json"))
	require.Error(t, handler.ProcessTask(context.Background(), task))
}
