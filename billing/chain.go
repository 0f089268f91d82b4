/*
chain.go - Chain reconciliation

PURPOSE:
  Compares the committed history ("chain") of one (occurrence, date)
  against the newly requested action and emits the corrective
  regularization lines needed to resynchronize it before the new action
  applies.

HOW A CHAIN IS READ:
  A consistent chain is a sequence of (booking, cancellation) pairs,
  possibly ending with a lone booking. The walk consumes the chain
  oldest to newest, two links at a time:
    - a leading cancellation means its booking was never billed:
      emit a missing-booking (+1) for that link's payer and amount
    - two adjacent bookings mean a cancellation was never billed:
      emit a missing-cancellation (-1) closing the first one
    - a matched pair (same payer, same amount) is transparent
    - a mismatched pair gets closed and reopened with the second link's
      payer and amount, bracketed by both document references
  At the end of the walk, the expected terminal state decides whether a
  final regularization is required: a new cancellation expects the
  chain to end booked, a new booking expects it to end cancelled.

  The walk never fails: every inconsistency has a deterministic repair,
  bracketed by the nearest committed document references (before/after)
  for traceability.

SEE ALSO:
  - aggregate.go: turns corrections into unit lines
  - history.go: how chains are rebuilt from committed lines
*/
package billing

import "github.com/shopspring/decimal"

// =============================================================================
// TERMINAL STATE
// =============================================================================

// TerminalState is the state a chain must end in for the new action to
// be consistent.
type TerminalState string

const (
	// TerminalBooked: the new action is a cancellation, so the chain
	// must end with an open booking.
	TerminalBooked TerminalState = "booking"
	// TerminalCancelled: the new action is a booking, so the chain must
	// end cancelled (or be empty).
	TerminalCancelled TerminalState = "cancelled"
)

// =============================================================================
// CORRECTIONS
// =============================================================================

// Correction is one regularization to emit before the requested action.
// Quantity is +1 for a missing booking, -1 for a missing cancellation.
type Correction struct {
	Quantity        int
	Amount          decimal.Decimal
	PayerExternalID string
	Before          string
	After           string

	// PricingChanged marks the close/reopen pair emitted when a lone
	// terminal booking no longer matches the current pricing or payer.
	PricingChanged bool
}

// Reason returns the adjustment reason for the correction.
func (c Correction) Reason() AdjustmentReason {
	if c.Quantity < 0 {
		return MissingCancellation
	}
	return MissingBooking
}

// =============================================================================
// CHAIN WALK
// =============================================================================

// CheckLinks walks a chain and returns the regularizations required
// before the requested action applies. currentPricing and currentPayer
// describe the incoming action; fixPricingChanged additionally repairs
// a lone terminal booking whose amount or payer drifted from the
// current pricing (used by campaign-style reruns, not by from-bookings).
func CheckLinks(final TerminalState, currentPricing decimal.Decimal, currentPayer string, links Chain, fixPricingChanged bool) []Correction {
	return checkLinks(final, currentPricing, currentPayer, links, "", fixPricingChanged)
}

func checkLinks(final TerminalState, currentPricing decimal.Decimal, currentPayer string, links Chain, previousNumber string, fixPricingChanged bool) []Correction {
	if len(links) == 0 {
		if final == TerminalBooked {
			// the chain should end with a booking but there is nothing
			// left: bill the missing booking for the current payer
			return []Correction{{
				Quantity:        1,
				Amount:          currentPricing,
				PayerExternalID: currentPayer,
				Before:          previousNumber,
			}}
		}
		return nil
	}

	first := links[0]
	if !first.Booked {
		// a cancellation with no booking before it
		out := []Correction{{
			Quantity:        1,
			Amount:          first.UnitAmount,
			PayerExternalID: first.PayerExternalID,
			Before:          previousNumber,
			After:           first.DocumentNumber,
		}}
		return append(out, checkLinks(final, currentPricing, currentPayer, links[1:], "", fixPricingChanged)...)
	}

	if len(links) == 1 {
		// lone terminal booking
		if final == TerminalCancelled {
			return []Correction{{
				Quantity:        -1,
				Amount:          first.UnitAmount,
				PayerExternalID: first.PayerExternalID,
				Before:          first.DocumentNumber,
			}}
		}
		if !fixPricingChanged {
			return nil
		}
		if first.PayerExternalID != currentPayer || !first.UnitAmount.Equal(currentPricing) {
			// pricing or payer changed since the booking was billed:
			// close it out and rebill at the current terms
			return []Correction{
				{
					Quantity:        -1,
					Amount:          first.UnitAmount,
					PayerExternalID: first.PayerExternalID,
					Before:          first.DocumentNumber,
					PricingChanged:  true,
				},
				{
					Quantity:        1,
					Amount:          currentPricing,
					PayerExternalID: currentPayer,
					Before:          first.DocumentNumber,
					PricingChanged:  true,
				},
			}
		}
		return nil
	}

	second := links[1]
	if second.Booked {
		// two bookings in a row: the first was never cancelled
		out := []Correction{{
			Quantity:        -1,
			Amount:          first.UnitAmount,
			PayerExternalID: first.PayerExternalID,
			Before:          first.DocumentNumber,
			After:           second.DocumentNumber,
		}}
		return append(out, checkLinks(final, currentPricing, currentPayer, links[1:], "", fixPricingChanged)...)
	}

	var out []Correction
	if !first.UnitAmount.Equal(second.UnitAmount) || first.PayerExternalID != second.PayerExternalID {
		// the cancellation does not match its booking: close the
		// booking at its own terms, reopen at the cancellation's
		out = append(out,
			Correction{
				Quantity:        -1,
				Amount:          first.UnitAmount,
				PayerExternalID: first.PayerExternalID,
				Before:          first.DocumentNumber,
				After:           second.DocumentNumber,
			},
			Correction{
				Quantity:        1,
				Amount:          second.UnitAmount,
				PayerExternalID: second.PayerExternalID,
				Before:          first.DocumentNumber,
				After:           second.DocumentNumber,
			},
		)
	}
	return append(out, checkLinks(final, currentPricing, currentPayer, links[2:], second.DocumentNumber, fixPricingChanged)...)
}
