/*
pricing.go - Pricing validity-window selection

PURPOSE:
  Pricing computation itself is external, but the selection of WHICH
  pricing definition applies to an event date is shared by every
  resolver implementation: among the definitions attached to the
  event's agenda, the first whose [start, end) window contains the date
  wins. No match is a PricingNotFound failure.
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PricingWindow is one pricing definition with its validity window.
// DateEnd is exclusive.
type PricingWindow struct {
	Slug      string
	DateStart time.Time
	DateEnd   time.Time

	UnitAmount     decimal.Decimal
	AccountingCode string
}

// Contains reports whether the window covers the given date.
func (p PricingWindow) Contains(date time.Time) bool {
	return !p.DateStart.After(date) && p.DateEnd.After(date)
}

// SelectPricing returns the first pricing whose window contains the
// event date, or a PricingNotFoundError.
func SelectPricing(pricings []PricingWindow, date time.Time) (PricingWindow, error) {
	for _, pricing := range pricings {
		if pricing.Contains(date) {
			return pricing, nil
		}
	}
	return PricingWindow{}, &PricingNotFoundError{Details: map[string]any{}}
}

// WindowedPricingResolver resolves events against static pricing
// windows, keyed by agenda slug. It is the from-bookings default when
// pricing comes from configuration rather than a remote service.
type WindowedPricingResolver struct {
	ByAgenda map[string][]PricingWindow
}

func (r *WindowedPricingResolver) PricingDataForEvent(_ context.Context, agenda Agenda, event Event, _, _ string) (PricingData, error) {
	pricing, err := SelectPricing(r.ByAgenda[agenda.Slug], event.Date())
	if err != nil {
		return PricingData{}, err
	}
	return PricingData{UnitAmount: pricing.UnitAmount, AccountingCode: pricing.AccountingCode}, nil
}
