/*
aggregate.go - Event aggregation

PURPOSE:
  Turns one event's reconciliation output into unit lines, then groups a
  payer's unit lines into priced ledger lines. Grouping merges lines
  sharing (unit amount, description, occurrence, accounting code) into a
  single line covering several dates, with a human description like
  "Booking 10/06, 11/06".

PAIR CANCELLATION:
  A regularization booking and a regularization cancellation for the
  same occurrence, amount, accounting code and date are both dropped
  before grouping: well-formed intermediate history must never produce
  output. Only the unmatched regularizations survive.

SEE ALSO:
  - chain.go: where corrections come from
  - engine.go: pricing/payer resolution and per-payer fan-out
*/
package billing

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DESCRIPTIONS
// =============================================================================

const (
	descBooking             = "Booking"
	descCancellation        = "Cancellation"
	descBookingControl      = "Booking (regularization)"
	descCancellationControl = "Cancellation (regularization)"
)

// dayMonth is the short date layout used in line descriptions.
const dayMonth = "02/01"

// =============================================================================
// UNIT LINES - One line per event per correction/action
// =============================================================================

// UnitLine is the pre-aggregation form of a ledger line: one event date,
// quantity +1 or -1.
type UnitLine struct {
	PayerExternalID string
	EventDate       time.Time
	Label           string
	EventLabel      string
	Quantity        int
	UnitAmount      decimal.Decimal
	Slug            string
	AgendaSlug      string
	ActivityLabel   string
	Description     string
	AccountingCode  string
	Adjustment      *UnitAdjustment
}

// UnitAdjustment is the per-date regularization metadata of a unit line.
type UnitAdjustment struct {
	Reason AdjustmentReason
	Before string
	After  string
}

// LinesForEvent reconciles one event against its chain and returns the
// unit lines to bill: zero or more regularizations, then the requested
// action. Lines may belong to payers other than the requester.
func LinesForEvent(agenda Agenda, event Event, booked bool, chain Chain, pricing PricingData, payerExternalID string) []UnitLine {
	final := TerminalCancelled
	if !booked {
		final = TerminalBooked
	}

	makeLine := func(payer string, quantity int, amount decimal.Decimal, description string, adj *UnitAdjustment) UnitLine {
		return UnitLine{
			PayerExternalID: payer,
			EventDate:       event.Date(),
			Label:           event.Label,
			EventLabel:      event.Label,
			Quantity:        quantity,
			UnitAmount:      amount,
			Slug:            event.OccurrenceKey(),
			AgendaSlug:      agenda.Slug,
			ActivityLabel:   agenda.Label,
			Description:     description,
			AccountingCode:  pricing.AccountingCode,
			Adjustment:      adj,
		}
	}

	var lines []UnitLine
	for _, correction := range CheckLinks(final, pricing.UnitAmount, payerExternalID, chain, false) {
		description := descBookingControl
		if correction.Quantity < 0 {
			description = descCancellationControl
		}
		lines = append(lines, makeLine(
			correction.PayerExternalID,
			correction.Quantity,
			correction.Amount,
			description,
			&UnitAdjustment{Reason: correction.Reason(), Before: correction.Before, After: correction.After},
		))
	}

	// the requested action itself
	quantity, description := 1, descBooking
	amount, payer := pricing.UnitAmount, payerExternalID
	if !booked {
		quantity, description = -1, descCancellation
		if len(chain) > 0 {
			// refund the payer who previously booked, at the same pricing
			last := chain[len(chain)-1]
			if last.Booked {
				amount = last.UnitAmount
				payer = last.PayerExternalID
			}
		}
	}
	return append(lines, makeLine(payer, quantity, amount, description, nil))
}

// =============================================================================
// AGGREGATION - Unit lines -> ledger lines
// =============================================================================

type aggregateKey struct {
	UnitAmount     string
	Description    string
	Slug           string
	AccountingCode string
}

// AggregateLines groups one payer's unit lines into ledger lines. Input
// order is preserved for groups; the result is sorted by label then
// description.
func AggregateLines(unitLines []UnitLine) []LedgerLine {
	var keys []aggregateKey
	grouped := make(map[aggregateKey][]UnitLine)

	for _, line := range unitLines {
		key := aggregateKey{
			UnitAmount:     line.UnitAmount.String(),
			Description:    line.Description,
			Slug:           line.Slug,
			AccountingCode: line.AccountingCode,
		}
		if key.Description == descBookingControl || key.Description == descCancellationControl {
			// a regularization booking matched with a regularization
			// cancellation on the same date cancels out
			other := key
			other.Description = descBookingControl
			if key.Description == descBookingControl {
				other.Description = descCancellationControl
			}
			found := false
			others := grouped[other]
			for i, otherLine := range others {
				if otherLine.EventDate.Equal(line.EventDate) {
					grouped[other] = append(others[:i], others[i+1:]...)
					found = true
					break
				}
			}
			if found {
				continue
			}
		}
		if _, seen := grouped[key]; !seen {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], line)
	}

	var result []LedgerLine
	for _, key := range keys {
		lines := grouped[key]
		if len(lines) == 0 {
			continue
		}
		first := lines[0]
		quantity := 0
		dates := make([]string, 0, len(lines))
		dateList := make([]string, 0, len(lines))
		for _, line := range lines {
			quantity += line.Quantity
			dates = append(dates, line.EventDate.Format(ISODate))
			dateList = append(dateList, line.EventDate.Format(dayMonth))
		}
		details := LineDetails{Dates: dates}
		if first.Adjustment != nil {
			adjustment := &Adjustment{
				Reason: first.Adjustment.Reason,
				Refs:   make(map[string]AdjustmentRef, len(lines)),
			}
			for _, line := range lines {
				if line.Adjustment == nil {
					continue
				}
				adjustment.Refs[line.EventDate.Format(ISODate)] = AdjustmentRef{
					Before: line.Adjustment.Before,
					After:  line.Adjustment.After,
				}
			}
			details.Adjustment = adjustment
		}
		result = append(result, LedgerLine{
			EventDate:      first.EventDate,
			Slug:           first.Slug,
			Label:          first.Label,
			EventLabel:     first.EventLabel,
			AgendaSlug:     first.AgendaSlug,
			ActivityLabel:  first.ActivityLabel,
			Description:    first.Description + " " + strings.Join(dateList, ", "),
			AccountingCode: first.AccountingCode,
			Quantity:       decimal.NewFromInt(int64(quantity)),
			UnitAmount:     first.UnitAmount,
			Details:        details,
		})
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Label != result[j].Label {
			return result[i].Label < result[j].Label
		}
		return result[i].Description < result[j].Description
	})
	return result
}
