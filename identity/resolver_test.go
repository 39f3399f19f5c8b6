package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/identity"
	"github.com/petitio/token-billing/internal/testutils"
	"github.com/petitio/token-billing/models"
)

func newResolver(t *testing.T) (*identity.Resolver, *testutils.FakeProfileRepository) {
	t.Helper()
	profiles := testutils.NewFakeProfileRepository()
	return identity.NewResolver(profiles, zap.NewNop()), profiles
}

func TestResolveByCustomerID(t *testing.T) {
	resolver, profiles := newResolver(t)
	profiles.Add(models.Profile{ID: "user-1", Email: "ana@example.com", StripeCustomerID: "cus_1"})

	profile, err := resolver.Resolve(context.Background(), identity.Query{CustomerID: "cus_1"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", profile.ID)
}

func TestResolveFallsBackToEmailAndWritesThrough(t *testing.T) {
	resolver, profiles := newResolver(t)
	profiles.Add(models.Profile{ID: "user-1", Email: "Ana@Example.com"})

	profile, err := resolver.Resolve(context.Background(), identity.Query{
		CustomerID: "cus_1",
		Email:      "ana@example.COM",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", profile.ID)

	stored, ok := profiles.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, "cus_1", stored.StripeCustomerID)
}

func TestResolveFallsBackToReferenceID(t *testing.T) {
	resolver, profiles := newResolver(t)
	profiles.Add(models.Profile{ID: "user-1", Email: "ana@example.com"})

	profile, err := resolver.Resolve(context.Background(), identity.Query{
		CustomerID:  "cus_1",
		Email:       "unknown@example.com",
		ReferenceID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", profile.ID)

	stored, _ := profiles.Get("user-1")
	assert.Equal(t, "cus_1", stored.StripeCustomerID)
}

func TestResolveNotFound(t *testing.T) {
	resolver, _ := newResolver(t)

	_, err := resolver.Resolve(context.Background(), identity.Query{
		CustomerID:  "cus_ghost",
		Email:       "ghost@example.com",
		ReferenceID: "user-ghost",
	})
	require.ErrorIs(t, err, identity.ErrIdentityNotFound)
}

func TestResolveEmptyQuery(t *testing.T) {
	resolver, _ := newResolver(t)

	_, err := resolver.Resolve(context.Background(), identity.Query{})
	require.ErrorIs(t, err, identity.ErrIdentityNotFound)
}

func TestLinkCustomerSkipsEmptyID(t *testing.T) {
	resolver, profiles := newResolver(t)
	profiles.Add(models.Profile{ID: "user-1", Email: "ana@example.com"})

	require.NoError(t, resolver.LinkCustomer(context.Background(), "user-1", ""))

	stored, _ := profiles.Get("user-1")
	assert.Empty(t, stored.StripeCustomerID)

	require.NoError(t, resolver.LinkCustomer(context.Background(), "user-1", "cus_1"))
	stored, _ = profiles.Get("user-1")
	assert.Equal(t, "cus_1", stored.StripeCustomerID)
}
