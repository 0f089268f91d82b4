package billing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/billing-engine/billing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func testAgenda() billing.Agenda {
	return billing.Agenda{Slug: "judo", Label: "Judo", RegieSlug: "sports"}
}

func testEvent(slug string, day int) billing.Event {
	return billing.Event{
		AgendaSlug: "judo",
		Slug:       slug,
		Start:      time.Date(2025, time.June, day, 18, 0, 0, 0, time.UTC),
		Label:      "Judo lesson",
	}
}

func testPricing(amount float64) billing.PricingData {
	return billing.PricingData{
		UnitAmount:     decimal.NewFromFloat(amount),
		AccountingCode: "706",
	}
}

func unitLine(payer string, day int, quantity int, amount float64, description string) billing.UnitLine {
	return billing.UnitLine{
		PayerExternalID: payer,
		EventDate:       time.Date(2025, time.June, day, 0, 0, 0, 0, time.UTC),
		Label:           "Judo lesson",
		EventLabel:      "Judo lesson",
		Quantity:        quantity,
		UnitAmount:      decimal.NewFromFloat(amount),
		Slug:            "judo@lesson",
		AgendaSlug:      "judo",
		ActivityLabel:   "Judo",
		Description:     description,
		AccountingCode:  "706",
	}
}

// =============================================================================
// LINES FOR EVENT
// =============================================================================

func TestLinesForEvent_FreshBooking_SingleLine(t *testing.T) {
	// GIVEN: An event with no history
	// WHEN: Booking it
	// THEN: One "Booking" line at the current pricing for the requester

	lines := billing.LinesForEvent(testAgenda(), testEvent("lesson-1", 10), true, nil, testPricing(12), "payer-1")

	require.Len(t, lines, 1)
	assert.Equal(t, "Booking", lines[0].Description)
	assert.Equal(t, 1, lines[0].Quantity)
	assert.Equal(t, "payer-1", lines[0].PayerExternalID)
	assert.True(t, lines[0].UnitAmount.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "Judo", lines[0].ActivityLabel)
	assert.Equal(t, "706", lines[0].AccountingCode)
	assert.Nil(t, lines[0].Adjustment)
}

func TestLinesForEvent_CancellationWithHistory_RefundsBookedTerms(t *testing.T) {
	// GIVEN: The chain ends with a booking billed at 10 for payer-1
	// WHEN: payer-2 cancels at a current price of 15
	// THEN: The cancellation refunds payer-1 at 10, not payer-2 at 15

	chain := billing.Chain{booked("payer-1", 10, "F01-25-01-0000001")}
	lines := billing.LinesForEvent(testAgenda(), testEvent("lesson-1", 10), false, chain, testPricing(15), "payer-2")

	require.Len(t, lines, 1)
	assert.Equal(t, "Cancellation", lines[0].Description)
	assert.Equal(t, -1, lines[0].Quantity)
	assert.Equal(t, "payer-1", lines[0].PayerExternalID)
	assert.True(t, lines[0].UnitAmount.Equal(decimal.NewFromInt(10)))
}

func TestLinesForEvent_CancellationWithoutHistory_RegularizesFirst(t *testing.T) {
	// GIVEN: An event with no history
	// WHEN: Cancelling it
	// THEN: A regularization booking is billed, then the cancellation,
	//       both at the current terms

	lines := billing.LinesForEvent(testAgenda(), testEvent("lesson-1", 10), false, nil, testPricing(12), "payer-1")

	require.Len(t, lines, 2)

	assert.Equal(t, "Booking (regularization)", lines[0].Description)
	assert.Equal(t, 1, lines[0].Quantity)
	require.NotNil(t, lines[0].Adjustment)
	assert.Equal(t, billing.MissingBooking, lines[0].Adjustment.Reason)

	assert.Equal(t, "Cancellation", lines[1].Description)
	assert.Equal(t, -1, lines[1].Quantity)
	assert.True(t, lines[1].UnitAmount.Equal(decimal.NewFromInt(12)))
}

func TestLinesForEvent_DoubleBooking_ClosesOpenBookingFirst(t *testing.T) {
	// GIVEN: The chain ends with an open booking at the old price
	// WHEN: Booking again at the new price
	// THEN: A regularization cancellation closes the old booking at its
	//       own terms, then the new booking is billed at the current ones

	chain := billing.Chain{booked("payer-1", 10, "F01-25-01-0000001")}
	lines := billing.LinesForEvent(testAgenda(), testEvent("lesson-1", 10), true, chain, testPricing(12), "payer-1")

	require.Len(t, lines, 2)

	assert.Equal(t, "Cancellation (regularization)", lines[0].Description)
	assert.Equal(t, -1, lines[0].Quantity)
	assert.True(t, lines[0].UnitAmount.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, lines[0].Adjustment)
	assert.Equal(t, billing.MissingCancellation, lines[0].Adjustment.Reason)
	assert.Equal(t, "F01-25-01-0000001", lines[0].Adjustment.Before)

	assert.Equal(t, "Booking", lines[1].Description)
	assert.Equal(t, 1, lines[1].Quantity)
	assert.True(t, lines[1].UnitAmount.Equal(decimal.NewFromInt(12)))
}

// =============================================================================
// AGGREGATION
// =============================================================================

func TestAggregateLines_GroupsByAmountDescriptionSlugCode(t *testing.T) {
	// GIVEN: Three bookings on different dates, same occurrence and price
	// WHEN: Aggregating
	// THEN: One line with quantity 3 and all dates in the description

	lines := billing.AggregateLines([]billing.UnitLine{
		unitLine("payer-1", 10, 1, 12, "Booking"),
		unitLine("payer-1", 11, 1, 12, "Booking"),
		unitLine("payer-1", 12, 1, 12, "Booking"),
	})

	require.Len(t, lines, 1)
	assert.Equal(t, "Booking 10/06, 11/06, 12/06", lines[0].Description)
	assert.True(t, lines[0].Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, lines[0].UnitAmount.Equal(decimal.NewFromInt(12)))
	assert.True(t, lines[0].TotalAmount().Equal(decimal.NewFromInt(36)))
	assert.Equal(t, []string{"2025-06-10", "2025-06-11", "2025-06-12"}, lines[0].Details.Dates)
}

func TestAggregateLines_DifferentAmounts_SeparateLines(t *testing.T) {
	// GIVEN: Two bookings at different unit amounts
	// WHEN: Aggregating
	// THEN: They stay on separate lines

	lines := billing.AggregateLines([]billing.UnitLine{
		unitLine("payer-1", 10, 1, 12, "Booking"),
		unitLine("payer-1", 11, 1, 15, "Booking"),
	})

	assert.Len(t, lines, 2)
}

func TestAggregateLines_RegularizationPair_SameDate_CancelsOut(t *testing.T) {
	// GIVEN: A regularization booking and a regularization cancellation for
	//        the same occurrence, amount and date
	// WHEN: Aggregating
	// THEN: Both disappear, only the real booking survives

	lines := billing.AggregateLines([]billing.UnitLine{
		unitLine("payer-1", 10, 1, 12, "Booking (regularization)"),
		unitLine("payer-1", 10, -1, 12, "Cancellation (regularization)"),
		unitLine("payer-1", 10, 1, 12, "Booking"),
	})

	require.Len(t, lines, 1)
	assert.Equal(t, "Booking 10/06", lines[0].Description)
}

func TestAggregateLines_RegularizationPair_DifferentDates_Survive(t *testing.T) {
	// GIVEN: A regularization booking on the 10th and a regularization
	//        cancellation on the 11th
	// WHEN: Aggregating
	// THEN: Both survive as distinct lines

	lines := billing.AggregateLines([]billing.UnitLine{
		unitLine("payer-1", 10, 1, 12, "Booking (regularization)"),
		unitLine("payer-1", 11, -1, 12, "Cancellation (regularization)"),
	})

	assert.Len(t, lines, 2)
}

func TestAggregateLines_AdjustmentRefs_KeyedByDate(t *testing.T) {
	// GIVEN: Two regularization bookings with document references
	// WHEN: Aggregating
	// THEN: The line carries the reason and one ref per date

	first := unitLine("payer-1", 10, 1, 12, "Booking (regularization)")
	first.Adjustment = &billing.UnitAdjustment{Reason: billing.MissingBooking, After: "A01-25-01-0000001"}
	second := unitLine("payer-1", 11, 1, 12, "Booking (regularization)")
	second.Adjustment = &billing.UnitAdjustment{Reason: billing.MissingBooking, After: "A01-25-01-0000002"}

	lines := billing.AggregateLines([]billing.UnitLine{first, second})

	require.Len(t, lines, 1)
	require.NotNil(t, lines[0].Details.Adjustment)
	assert.Equal(t, billing.MissingBooking, lines[0].Details.Adjustment.Reason)
	require.Len(t, lines[0].Details.Adjustment.Refs, 2)
	assert.Equal(t, "A01-25-01-0000001", lines[0].Details.Adjustment.Refs["2025-06-10"].After)
	assert.Equal(t, "A01-25-01-0000002", lines[0].Details.Adjustment.Refs["2025-06-11"].After)
}

func TestAggregateLines_SortedByLabelThenDescription(t *testing.T) {
	// GIVEN: Lines for two activities in arrival order Swimming, Judo
	// WHEN: Aggregating
	// THEN: The result is sorted by label, then description

	swim := unitLine("payer-1", 10, 1, 8, "Booking")
	swim.Label = "Swimming lesson"
	swim.Slug = "swim@lesson"
	judoCancel := unitLine("payer-1", 11, -1, 12, "Cancellation")
	judo := unitLine("payer-1", 12, 1, 12, "Booking")

	lines := billing.AggregateLines([]billing.UnitLine{swim, judoCancel, judo})

	require.Len(t, lines, 3)
	assert.Equal(t, "Booking 12/06", lines[0].Description)
	assert.Equal(t, "Cancellation 11/06", lines[1].Description)
	assert.Equal(t, "Swimming lesson", lines[2].Label)
}
