package catalog

import "errors"

// ErrUnknownPlan is returned for price IDs absent from the catalog. Events
// referencing such prices are logged and skipped, never treated as
// zero-token successes.
var ErrUnknownPlan = errors.New("unknown plan")

// Cadence is the billing cadence of a plan.
type Cadence string

const (
	CadenceMonthly Cadence = "monthly"
	CadenceAnnual  Cadence = "annual"
)

// Plan maps a Stripe price to its token grant. An annual plan still grants
// TokensPerMonth on a monthly cadence, not a lump sum.
type Plan struct {
	ID             string
	Name           string
	PriceID        string
	TokensPerMonth int
	Cadence        Cadence
}

// IsAnnual reports whether the plan drips tokens via the renewal tracker.
func (p Plan) IsAnnual() bool { return p.Cadence == CadenceAnnual }

var plans = []Plan{
	{
		ID:             "essential-monthly",
		Name:           "Essencial",
		PriceID:        "price_essential_monthly",
		TokensPerMonth: 48,
		Cadence:        CadenceMonthly,
	},
	{
		ID:             "essential-annual",
		Name:           "Essencial Anual",
		PriceID:        "price_essential_annual",
		TokensPerMonth: 48,
		Cadence:        CadenceAnnual,
	},
	{
		ID:             "advanced-monthly",
		Name:           "Avançado",
		PriceID:        "price_advanced_monthly",
		TokensPerMonth: 96,
		Cadence:        CadenceMonthly,
	},
	{
		ID:             "advanced-annual",
		Name:           "Avançado Anual",
		PriceID:        "price_advanced_annual",
		TokensPerMonth: 96,
		Cadence:        CadenceAnnual,
	},
	{
		ID:             "elite-monthly",
		Name:           "Elite",
		PriceID:        "price_elite_monthly",
		TokensPerMonth: 160,
		Cadence:        CadenceMonthly,
	},
	{
		ID:             "elite-annual",
		Name:           "Elite Anual",
		PriceID:        "price_elite_annual",
		TokensPerMonth: 160,
		Cadence:        CadenceAnnual,
	},
}

var byPriceID = func() map[string]Plan {
	m := make(map[string]Plan, len(plans))
	for _, p := range plans {
		m[p.PriceID] = p
	}
	return m
}()

// ByPriceID resolves a Stripe price ID to its plan.
func ByPriceID(priceID string) (Plan, error) {
	p, ok := byPriceID[priceID]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return p, nil
}

// Plans returns all known plans.
func Plans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}
