package billing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/billing-engine/billing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func booked(payer string, amount float64, number string) billing.Link {
	return billing.Link{
		PayerExternalID: payer,
		UnitAmount:      decimal.NewFromFloat(amount),
		Booked:          true,
		DocumentNumber:  number,
	}
}

func cancelled(payer string, amount float64, number string) billing.Link {
	return billing.Link{
		PayerExternalID: payer,
		UnitAmount:      decimal.NewFromFloat(amount),
		Booked:          false,
		DocumentNumber:  number,
	}
}

// =============================================================================
// EMPTY CHAIN
// =============================================================================

func TestCheckLinks_EmptyChain_NewBooking_NoCorrections(t *testing.T) {
	// GIVEN: No committed history for this occurrence
	// WHEN: A new booking arrives (chain must end cancelled)
	// THEN: Nothing to repair

	out := billing.CheckLinks(billing.TerminalCancelled, decimal.NewFromInt(10), "payer-1", nil, false)

	assert.Empty(t, out)
}

func TestCheckLinks_EmptyChain_NewCancellation_MissingBooking(t *testing.T) {
	// GIVEN: No committed history for this occurrence
	// WHEN: A cancellation arrives (chain must end booked)
	// THEN: The booking being cancelled was never billed, emit it first

	out := billing.CheckLinks(billing.TerminalBooked, decimal.NewFromInt(10), "payer-1", nil, false)

	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Quantity)
	assert.True(t, out[0].Amount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "payer-1", out[0].PayerExternalID)
	assert.Empty(t, out[0].Before)
	assert.Empty(t, out[0].After)
	assert.Equal(t, billing.MissingBooking, out[0].Reason())
}

// =============================================================================
// LEADING CANCELLATION
// =============================================================================

func TestCheckLinks_LeadingCancellation_MissingBooking(t *testing.T) {
	// GIVEN: The chain starts with a cancellation whose booking was never billed
	// WHEN: A new booking arrives
	// THEN: A missing booking is emitted at the cancellation's terms,
	//       bracketed after the cancellation's document

	links := billing.Chain{cancelled("payer-1", 12, "F01-25-03-0000042")}
	out := billing.CheckLinks(billing.TerminalCancelled, decimal.NewFromInt(12), "payer-1", links, false)

	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Quantity)
	assert.True(t, out[0].Amount.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "payer-1", out[0].PayerExternalID)
	assert.Empty(t, out[0].Before)
	assert.Equal(t, "F01-25-03-0000042", out[0].After)
}

// =============================================================================
// LONE TERMINAL BOOKING
// =============================================================================

func TestCheckLinks_LoneBooking_NewBooking_MissingCancellation(t *testing.T) {
	// GIVEN: The chain ends with an open booking
	// WHEN: A new booking arrives (the occurrence cannot be booked twice)
	// THEN: The missing cancellation closes the open booking first

	links := billing.Chain{booked("payer-1", 15, "F01-25-03-0000007")}
	out := billing.CheckLinks(billing.TerminalCancelled, decimal.NewFromInt(15), "payer-1", links, false)

	require.Len(t, out, 1)
	assert.Equal(t, -1, out[0].Quantity)
	assert.True(t, out[0].Amount.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, "payer-1", out[0].PayerExternalID)
	assert.Equal(t, "F01-25-03-0000007", out[0].Before)
	assert.Empty(t, out[0].After)
	assert.Equal(t, billing.MissingCancellation, out[0].Reason())
}

func TestCheckLinks_LoneBooking_NewCancellation_Consistent(t *testing.T) {
	// GIVEN: The chain ends with an open booking
	// WHEN: A cancellation arrives
	// THEN: The chain is consistent, nothing to repair

	links := billing.Chain{booked("payer-1", 15, "F01-25-03-0000007")}
	out := billing.CheckLinks(billing.TerminalBooked, decimal.NewFromInt(15), "payer-1", links, false)

	assert.Empty(t, out)
}

func TestCheckLinks_LoneBooking_PricingDrift_IgnoredByDefault(t *testing.T) {
	// GIVEN: An open booking billed at the old price
	// WHEN: A cancellation arrives and pricing repair is off
	// THEN: The drift is left alone

	links := billing.Chain{booked("payer-1", 15, "F01-25-03-0000007")}
	out := billing.CheckLinks(billing.TerminalBooked, decimal.NewFromInt(20), "payer-1", links, false)

	assert.Empty(t, out)
}

func TestCheckLinks_LoneBooking_PricingDrift_CloseAndReopen(t *testing.T) {
	// GIVEN: An open booking billed at 15 for payer-1
	// WHEN: Pricing repair runs with current terms 20 / payer-2
	// THEN: The booking is closed at its own terms and rebilled at the current ones

	links := billing.Chain{booked("payer-1", 15, "F01-25-03-0000007")}
	out := billing.CheckLinks(billing.TerminalBooked, decimal.NewFromInt(20), "payer-2", links, true)

	require.Len(t, out, 2)

	assert.Equal(t, -1, out[0].Quantity)
	assert.True(t, out[0].Amount.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, "payer-1", out[0].PayerExternalID)
	assert.Equal(t, "F01-25-03-0000007", out[0].Before)
	assert.True(t, out[0].PricingChanged)

	assert.Equal(t, 1, out[1].Quantity)
	assert.True(t, out[1].Amount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, "payer-2", out[1].PayerExternalID)
	assert.Equal(t, "F01-25-03-0000007", out[1].Before)
	assert.True(t, out[1].PricingChanged)
}

func TestCheckLinks_LoneBooking_NoDrift_PricingRepairIsQuiet(t *testing.T) {
	// GIVEN: An open booking matching the current terms exactly
	// WHEN: Pricing repair runs
	// THEN: Nothing to repair

	links := billing.Chain{booked("payer-1", 15, "F01-25-03-0000007")}
	out := billing.CheckLinks(billing.TerminalBooked, decimal.NewFromInt(15), "payer-1", links, true)

	assert.Empty(t, out)
}

// =============================================================================
// ADJACENT PAIRS
// =============================================================================

func TestCheckLinks_DoubleBooking_MissingCancellation(t *testing.T) {
	// GIVEN: Two bookings in a row, the first never cancelled
	// WHEN: A cancellation arrives for the second one
	// THEN: The first booking gets its missing cancellation, bracketed by
	//       both document numbers

	links := billing.Chain{
		booked("payer-1", 10, "F01-25-01-0000001"),
		booked("payer-1", 10, "F01-25-02-0000002"),
	}
	out := billing.CheckLinks(billing.TerminalBooked, decimal.NewFromInt(10), "payer-1", links, false)

	require.Len(t, out, 1)
	assert.Equal(t, -1, out[0].Quantity)
	assert.Equal(t, "F01-25-01-0000001", out[0].Before)
	assert.Equal(t, "F01-25-02-0000002", out[0].After)
}

func TestCheckLinks_MatchedPair_Transparent(t *testing.T) {
	// GIVEN: A booking and its matching cancellation
	// WHEN: A new booking arrives
	// THEN: The pair is consistent, nothing to repair

	links := billing.Chain{
		booked("payer-1", 10, "F01-25-01-0000001"),
		cancelled("payer-1", 10, "A01-25-02-0000001"),
	}
	out := billing.CheckLinks(billing.TerminalCancelled, decimal.NewFromInt(10), "payer-1", links, false)

	assert.Empty(t, out)
}

func TestCheckLinks_MismatchedPair_CloseAndReopen(t *testing.T) {
	// GIVEN: A booking at 10 for payer-1 cancelled at 12 for payer-2
	// WHEN: A new booking arrives
	// THEN: The booking is closed at its own terms and reopened at the
	//       cancellation's terms so the pair nets out

	links := billing.Chain{
		booked("payer-1", 10, "F01-25-01-0000001"),
		cancelled("payer-2", 12, "A01-25-02-0000001"),
	}
	out := billing.CheckLinks(billing.TerminalCancelled, decimal.NewFromInt(10), "payer-1", links, false)

	require.Len(t, out, 2)

	assert.Equal(t, -1, out[0].Quantity)
	assert.True(t, out[0].Amount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "payer-1", out[0].PayerExternalID)
	assert.Equal(t, "F01-25-01-0000001", out[0].Before)
	assert.Equal(t, "A01-25-02-0000001", out[0].After)

	assert.Equal(t, 1, out[1].Quantity)
	assert.True(t, out[1].Amount.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "payer-2", out[1].PayerExternalID)
	assert.Equal(t, "F01-25-01-0000001", out[1].Before)
	assert.Equal(t, "A01-25-02-0000001", out[1].After)
}

func TestCheckLinks_PairThenCancellation_TailUsesPairReference(t *testing.T) {
	// GIVEN: A consistent pair followed by nothing, and a new cancellation
	// WHEN: The walk reaches the end of the chain
	// THEN: The missing booking is bracketed after the pair's last document

	links := billing.Chain{
		booked("payer-1", 10, "F01-25-01-0000001"),
		cancelled("payer-1", 10, "A01-25-02-0000001"),
	}
	out := billing.CheckLinks(billing.TerminalBooked, decimal.NewFromInt(10), "payer-1", links, false)

	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Quantity)
	assert.Equal(t, "A01-25-02-0000001", out[0].Before)
	assert.Empty(t, out[0].After)
}

func TestCheckLinks_LongInconsistentChain_AllRepairsEmitted(t *testing.T) {
	// GIVEN: cancellation, booking, booking - two inconsistencies
	// WHEN: A new cancellation arrives
	// THEN: The leading cancellation gets its missing booking, the double
	//       booking gets its missing cancellation, and the chain ends booked

	links := billing.Chain{
		cancelled("payer-1", 10, "A01-25-01-0000001"),
		booked("payer-1", 10, "F01-25-02-0000002"),
		booked("payer-1", 10, "F01-25-03-0000003"),
	}
	out := billing.CheckLinks(billing.TerminalBooked, decimal.NewFromInt(10), "payer-1", links, false)

	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Quantity)
	assert.Equal(t, "A01-25-01-0000001", out[0].After)
	assert.Equal(t, -1, out[1].Quantity)
	assert.Equal(t, "F01-25-02-0000002", out[1].Before)
	assert.Equal(t, "F01-25-03-0000003", out[1].After)
}
