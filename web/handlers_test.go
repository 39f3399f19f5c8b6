package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/gate"
	"github.com/petitio/token-billing/models"
	"github.com/petitio/token-billing/web"
)

type fakeTokenReader struct {
	balance int
	history []models.TokenTransaction
	err     error
}

func (f *fakeTokenReader) Balance(context.Context, string) (int, error) {
	return f.balance, f.err
}

func (f *fakeTokenReader) History(context.Context, string, int) ([]models.TokenTransaction, error) {
	return f.history, f.err
}

type fakeCache struct {
	values map[string]int
}

func (f *fakeCache) Get(_ context.Context, userID string) (int, bool) {
	v, ok := f.values[userID]
	return v, ok
}

func (f *fakeCache) Set(_ context.Context, userID string, balance int) {
	if f.values == nil {
		f.values = map[string]int{}
	}
	f.values[userID] = balance
}

type fakeCharger struct {
	result gate.ChargeResult
	err    error
	calls  int
}

func (f *fakeCharger) ChargeForPetition(ctx context.Context, _ string, _ int, create gate.CreateFunc) (gate.ChargeResult, error) {
	f.calls++
	if f.err != nil {
		return gate.ChargeResult{}, f.err
	}
	if _, err := create(ctx); err != nil {
		return gate.ChargeResult{}, err
	}
	return f.result, nil
}

type fakeCreator struct {
	id  string
	err error
}

func (f *fakeCreator) CreatePetition(context.Context, string, json.RawMessage) (string, error) {
	return f.id, f.err
}

type fixedCost int

func (c fixedCost) PetitionTokenCost(context.Context) (int, error) { return int(c), nil }

func doRequest(t *testing.T, method, path, body, userID string, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()

	require.NoError(t, handler(e.NewContext(req, rec)))
	return rec
}

func TestBalanceRequiresIdentity(t *testing.T) {
	handler := web.NewTokensHandler(&fakeTokenReader{}, nil, zap.NewNop())

	rec := doRequest(t, http.MethodGet, "/api/tokens/balance", "", "", handler.Balance)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBalanceServedFromCache(t *testing.T) {
	cache := &fakeCache{values: map[string]int{"user-1": 42}}
	handler := web.NewTokensHandler(&fakeTokenReader{balance: 99}, cache, zap.NewNop())

	rec := doRequest(t, http.MethodGet, "/api/tokens/balance", "", "user-1", handler.Balance)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"balance": 42, "cached": true}`, rec.Body.String())
}

func TestBalanceFallsThroughToLedgerAndFillsCache(t *testing.T) {
	cache := &fakeCache{}
	handler := web.NewTokensHandler(&fakeTokenReader{balance: 77}, cache, zap.NewNop())

	rec := doRequest(t, http.MethodGet, "/api/tokens/balance", "", "user-1", handler.Balance)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"balance": 77, "cached": false}`, rec.Body.String())
	assert.Equal(t, 77, cache.values["user-1"])
}

func TestTransactionsRejectsBadLimit(t *testing.T) {
	handler := web.NewTokensHandler(&fakeTokenReader{}, nil, zap.NewNop())

	rec := doRequest(t, http.MethodGet, "/api/tokens/transactions?limit=banana", "", "user-1", handler.Transactions)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChargeSucceeds(t *testing.T) {
	charger := &fakeCharger{result: gate.ChargeResult{ArtifactID: "pet_1", NewBalance: 84}}
	handler := web.NewPetitionsHandler(charger, &fakeCreator{id: "pet_1"}, fixedCost(16), zap.NewNop())

	rec := doRequest(t, http.MethodPost, "/api/petitions/charge", `{"petition":{"title":"Recurso"}}`, "user-1", handler.Charge)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"petition_id": "pet_1", "new_balance": 84, "cost": 16}`, rec.Body.String())
	assert.Equal(t, 1, charger.calls)
}

func TestChargeInsufficientBalanceIs402(t *testing.T) {
	charger := &fakeCharger{err: models.ErrInsufficientBalance}
	handler := web.NewPetitionsHandler(charger, &fakeCreator{id: "pet_1"}, fixedCost(16), zap.NewNop())

	rec := doRequest(t, http.MethodPost, "/api/petitions/charge", `{}`, "user-1", handler.Charge)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestChargeCreationFailureIs500(t *testing.T) {
	charger := &fakeCharger{}
	creator := &fakeCreator{err: errors.New("petitions service down")}
	handler := web.NewPetitionsHandler(charger, creator, fixedCost(16), zap.NewNop())

	rec := doRequest(t, http.MethodPost, "/api/petitions/charge", `{}`, "user-1", handler.Charge)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChargeRequiresIdentity(t *testing.T) {
	handler := web.NewPetitionsHandler(&fakeCharger{}, &fakeCreator{}, fixedCost(16), zap.NewNop())

	rec := doRequest(t, http.MethodPost, "/api/petitions/charge", `{}`, "", handler.Charge)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
