/*
history.go - Rebuilding chains from committed lines

PURPOSE:
  Chains are not stored as such: they are derived from the lines of
  committed, non-cancelled invoices and credits. This file turns a flat
  list of committed lines into per-(occurrence, date) chains, ordered
  the way the reconciler expects.

ORDERING:
  Document creation order is not enough: a regularization line committed
  today may repair a gap that sits before a document committed last
  year. Each line therefore sorts by the creation time of the document
  its adjustment brackets point at (just before the "after" document
  when only that bound is known), falling back to its own document's
  creation time, with the document creation time as tie-break.

LINK STATE:
  A negative-total line on an invoice, or a positive-total line on a
  credit (credit lines are stored with display-flipped signs), records a
  cancellation; every other line records a booking.
*/
package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CommittedLine is the projection of one persisted document line used
// to rebuild chains. Stores produce these from non-draft, non-cancelled
// documents, excluding zero-total lines.
type CommittedLine struct {
	Slug              string
	Dates             []string
	UnitAmount        decimal.Decimal
	TotalAmount       decimal.Decimal
	PayerExternalID   string
	DocumentKind      DocumentKind
	DocumentNumber    string
	DocumentCreatedAt time.Time
	Adjustment        *Adjustment
}

// BuildHistory assembles chains for every (occurrence, date) covered by
// the given lines, keeping only dates in [dateMin, dateMax).
func BuildHistory(lines []CommittedLine, dateMin, dateMax time.Time) History {
	minISO := dateMin.Format(ISODate)
	maxISO := dateMax.Format(ISODate)

	byKey := make(map[string]map[string][]CommittedLine)
	createdAt := make(map[string]time.Time)

	for _, line := range lines {
		if line.TotalAmount.IsZero() {
			continue
		}
		seen := make(map[string]bool, len(line.Dates))
		for _, date := range line.Dates {
			if date < minISO || date >= maxISO || seen[date] {
				continue
			}
			seen[date] = true
			if byKey[line.Slug] == nil {
				byKey[line.Slug] = make(map[string][]CommittedLine)
			}
			byKey[line.Slug][date] = append(byKey[line.Slug][date], line)
			createdAt[line.DocumentNumber] = line.DocumentCreatedAt
		}
	}

	history := make(History, len(byKey))
	for slug, dates := range byKey {
		history[slug] = make(map[string]Chain, len(dates))
		for date, dateLines := range dates {
			sorted := append([]CommittedLine(nil), dateLines...)
			sort.SliceStable(sorted, func(i, j int) bool {
				pi := previousCreatedAt(sorted[i], date, createdAt)
				pj := previousCreatedAt(sorted[j], date, createdAt)
				if !pi.Equal(pj) {
					return pi.Before(pj)
				}
				return sorted[i].DocumentCreatedAt.Before(sorted[j].DocumentCreatedAt)
			})
			chain := make(Chain, 0, len(sorted))
			for _, line := range sorted {
				booked := true
				if (line.DocumentKind == KindInvoice && line.TotalAmount.IsNegative()) ||
					(line.DocumentKind == KindCredit && line.TotalAmount.IsPositive()) {
					booked = false
				}
				chain = append(chain, Link{
					PayerExternalID: line.PayerExternalID,
					UnitAmount:      line.UnitAmount.Abs(),
					Booked:          booked,
					DocumentNumber:  line.DocumentNumber,
				})
			}
			history[slug][date] = chain
		}
	}
	return history
}

// previousCreatedAt positions a line within a chain: the creation time
// of the document its bracket points at, or its own document's.
func previousCreatedAt(line CommittedLine, date string, createdAt map[string]time.Time) time.Time {
	if line.Adjustment != nil {
		ref := line.Adjustment.Refs[date]
		if ref.Before != "" {
			if at, ok := createdAt[ref.Before]; ok {
				return at
			}
			return line.DocumentCreatedAt
		}
		if ref.After != "" {
			if at, ok := createdAt[ref.After]; ok {
				// just before the next element
				return at.Add(-time.Millisecond)
			}
			return line.DocumentCreatedAt
		}
	}
	return line.DocumentCreatedAt
}
