package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitio/token-billing/catalog"
)

func TestByPriceID(t *testing.T) {
	plan, err := catalog.ByPriceID("price_advanced_monthly")
	require.NoError(t, err)
	assert.Equal(t, "Avançado", plan.Name)
	assert.Equal(t, 96, plan.TokensPerMonth)
	assert.False(t, plan.IsAnnual())

	plan, err = catalog.ByPriceID("price_elite_annual")
	require.NoError(t, err)
	assert.Equal(t, 160, plan.TokensPerMonth)
	assert.True(t, plan.IsAnnual())
}

func TestByPriceIDUnknown(t *testing.T) {
	_, err := catalog.ByPriceID("price_nope")
	require.ErrorIs(t, err, catalog.ErrUnknownPlan)
}

func TestMonthlyAndAnnualVariantsGrantEqually(t *testing.T) {
	pairs := [][2]string{
		{"price_essential_monthly", "price_essential_annual"},
		{"price_advanced_monthly", "price_advanced_annual"},
		{"price_elite_monthly", "price_elite_annual"},
	}

	for _, pair := range pairs {
		monthly, err := catalog.ByPriceID(pair[0])
		require.NoError(t, err)
		annual, err := catalog.ByPriceID(pair[1])
		require.NoError(t, err)

		assert.Equal(t, monthly.TokensPerMonth, annual.TokensPerMonth, "pair %v", pair)
		assert.False(t, monthly.IsAnnual())
		assert.True(t, annual.IsAnnual())
	}
}

func TestPlansReturnsCopy(t *testing.T) {
	plans := catalog.Plans()
	require.NotEmpty(t, plans)

	plans[0].TokensPerMonth = 9999

	fresh, err := catalog.ByPriceID(plans[0].PriceID)
	require.NoError(t, err)
	assert.NotEqual(t, 9999, fresh.TokensPerMonth)
}
