package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/internal/testutils"
	"github.com/petitio/token-billing/ledger"
	"github.com/petitio/token-billing/models"
)

func newService(t *testing.T) (*ledger.Service, *testutils.FakeBalanceRepository, *testutils.FakeTransactionRepository) {
	t.Helper()
	balances := testutils.NewFakeBalanceRepository()
	txns := testutils.NewFakeTransactionRepository()
	return ledger.New(balances, txns, zap.NewNop()), balances, txns
}

func TestCreditAndDebit(t *testing.T) {
	svc, _, txns := newService(t)
	ctx := context.Background()

	balance, err := svc.Credit(ctx, "user-1", 48, models.KindSubscription, "grant", nil)
	require.NoError(t, err)
	assert.Equal(t, 48, balance)

	balance, err = svc.Debit(ctx, "user-1", 16, models.KindPetitionCreation, "spend", nil)
	require.NoError(t, err)
	assert.Equal(t, 32, balance)

	sum, err := txns.SumByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 32, sum)
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc, balances, txns := newService(t)
	balances.Set("user-1", 10)

	_, err := svc.Debit(context.Background(), "user-1", 16, models.KindPetitionCreation, "spend", nil)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, _ := balances.Get(context.Background(), "user-1")
	assert.Equal(t, 10, balance)
	assert.Empty(t, txns.Records())
}

func TestCreditSurvivesLogFailure(t *testing.T) {
	svc, balances, txns := newService(t)
	txns.FailAppend = errors.New("log table unavailable")

	// The credit stands even though its audit record could not be written.
	balance, err := svc.Credit(context.Background(), "user-1", 48, models.KindSubscription, "grant", nil)
	require.NoError(t, err)
	assert.Equal(t, 48, balance)

	stored, _ := balances.Get(context.Background(), "user-1")
	assert.Equal(t, 48, stored)
	assert.Empty(t, txns.Records())
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "user-1", 0, models.KindSubscription, "grant", nil)
	require.Error(t, err)

	_, err = svc.Debit(ctx, "user-1", -5, models.KindPetitionCreation, "spend", nil)
	require.Error(t, err)
}

type recordingInvalidator struct {
	users []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, userID string) {
	r.users = append(r.users, userID)
}

func TestMutationsInvalidateCache(t *testing.T) {
	balances := testutils.NewFakeBalanceRepository()
	txns := testutils.NewFakeTransactionRepository()
	cache := &recordingInvalidator{}
	svc := ledger.New(balances, txns, zap.NewNop(), ledger.WithCache(cache))
	ctx := context.Background()

	_, err := svc.Credit(ctx, "user-1", 48, models.KindSubscription, "grant", nil)
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "user-1", 16, models.KindPetitionCreation, "spend", nil)
	require.NoError(t, err)

	// Both mutation paths drop the cached balance, regardless of which
	// runner triggered them.
	assert.Equal(t, []string{"user-1", "user-1"}, cache.users)

	// A rejected debit leaves the cache alone.
	_, err = svc.Debit(ctx, "user-1", 1000, models.KindPetitionCreation, "spend", nil)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Len(t, cache.users, 2)
}

func TestHasDeduped(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	deduped, err := svc.HasDeduped(ctx, "invoice:in_1")
	require.NoError(t, err)
	assert.False(t, deduped)

	_, err = svc.Credit(ctx, "user-1", 48, models.KindSubscription, "grant",
		map[string]any{models.MetaDedupeKey: "invoice:in_1"})
	require.NoError(t, err)

	deduped, err = svc.HasDeduped(ctx, "invoice:in_1")
	require.NoError(t, err)
	assert.True(t, deduped)
}
