package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/billing-engine/billing"
)

func window(slug string, startDay, endDay int, amount float64) billing.PricingWindow {
	return billing.PricingWindow{
		Slug:           slug,
		DateStart:      time.Date(2025, time.June, startDay, 0, 0, 0, 0, time.UTC),
		DateEnd:        time.Date(2025, time.June, endDay, 0, 0, 0, 0, time.UTC),
		UnitAmount:     decimal.NewFromFloat(amount),
		AccountingCode: "706",
	}
}

func TestSelectPricing_FirstContainingWindowWins(t *testing.T) {
	// GIVEN: Two overlapping windows
	// WHEN: Selecting for a date both contain
	// THEN: The first one wins

	windows := []billing.PricingWindow{
		window("early-bird", 1, 20, 8),
		window("standard", 1, 30, 10),
	}

	selected, err := billing.SelectPricing(windows, day(10))

	require.NoError(t, err)
	assert.Equal(t, "early-bird", selected.Slug)
}

func TestSelectPricing_EndDateExclusive(t *testing.T) {
	windows := []billing.PricingWindow{window("june", 1, 15, 10)}

	_, err := billing.SelectPricing(windows, day(15))
	assert.ErrorIs(t, err, billing.ErrPricingNotFound)

	selected, err := billing.SelectPricing(windows, day(14))
	require.NoError(t, err)
	assert.Equal(t, "june", selected.Slug)
}

func TestSelectPricing_NoMatch_PricingNotFound(t *testing.T) {
	_, err := billing.SelectPricing(nil, day(10))

	var notFound *billing.PricingNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.ErrorIs(t, err, billing.ErrPricingNotFound)
}

func TestWindowedPricingResolver_ResolvesByAgenda(t *testing.T) {
	// GIVEN: Windows registered for the judo agenda only
	// WHEN: Resolving a judo event and a swim event
	// THEN: Judo prices, swim fails with PricingNotFound

	resolver := &billing.WindowedPricingResolver{
		ByAgenda: map[string][]billing.PricingWindow{
			"judo": {window("june", 1, 30, 12)},
		},
	}

	data, err := resolver.PricingDataForEvent(context.Background(), billing.Agenda{Slug: "judo"},
		billing.Event{AgendaSlug: "judo", Slug: "lesson-1", Start: day(10)}, "child-1", "payer-1")
	require.NoError(t, err)
	assert.True(t, data.UnitAmount.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "706", data.AccountingCode)

	_, err = resolver.PricingDataForEvent(context.Background(), billing.Agenda{Slug: "swim"},
		billing.Event{AgendaSlug: "swim", Slug: "lane-1", Start: day(10)}, "child-1", "payer-1")
	assert.ErrorIs(t, err, billing.ErrPricingNotFound)
}
