/*
Package billing provides the booking-to-ledger reconciliation engine.

PURPOSE:
  This package turns a stream of booking/cancellation notifications into
  priced ledger documents: it aggregates notifications into lines, checks
  each occurrence against its previously invoiced history, repairs any
  drift with regularization lines, splits the result across every payer
  involved, and finally applies the payer's available credit balance to
  a freshly produced invoice.

KEY CONCEPTS IN THIS FILE (types.go):
  - Regie/Agenda: the billing authority and the activity calendars it owns
  - Event: one booking or cancellation notification (ephemeral)
  - Link/Chain: one previously committed ledger entry, and the ordered
    history of entries for an (occurrence, date)
  - LedgerLine: a priced output line, possibly carrying adjustment metadata
  - Document: a draft or committed invoice/credit owned by a single payer
  - Payment/CreditAssignment: the records produced by credit allocation

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, no floats in the engine
  2. Immutability: committed lines are never edited, only counterbalanced
     by regularization lines on later documents
  3. Determinism: every inconsistency in a chain has exactly one repair

SEE ALSO:
  - aggregate.go: notifications -> unit lines -> aggregated lines
  - chain.go: chain walking and regularization
  - assemble.go: per-payer document assembly
  - allocate.go: credit-to-invoice allocation
  - engine.go: request orchestration
*/
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REGIE AND AGENDA
// =============================================================================

// Regie is the billing authority documents are issued for. Number formats
// use {regie_id}, {yyyy}, {yy}, {mm} and {number} placeholders; counters
// are scoped per regie, kind and counter name (year by default).
type Regie struct {
	ID    int64
	Slug  string
	Label string

	InvoiceNumberFormat string
	CreditNumberFormat  string
	PaymentNumberFormat string

	// AssignCreditsOnCreation applies a freshly committed credit to the
	// payer's open invoices.
	AssignCreditsOnCreation bool
}

const (
	DefaultInvoiceNumberFormat = "F{regie_id:02d}-{yy}-{mm}-{number:07d}"
	DefaultCreditNumberFormat  = "A{regie_id:02d}-{yy}-{mm}-{number:07d}"
	DefaultPaymentNumberFormat = "R{regie_id:02d}-{yy}-{mm}-{number:07d}"
)

// CounterKind selects which number sequence a document draws from.
type CounterKind string

const (
	CounterInvoice CounterKind = "invoice"
	CounterCredit  CounterKind = "credit"
	CounterPayment CounterKind = "payment"
)

// CounterName returns the counter bucket for a date ("25" for 2025).
// Sequences restart when the bucket changes.
func (r *Regie) CounterName(at time.Time) string {
	return at.Format("06")
}

// FormatNumber renders a sequence number with the regie's format for the
// given kind.
func (r *Regie) FormatNumber(kind CounterKind, at time.Time, number int) string {
	format := DefaultInvoiceNumberFormat
	switch kind {
	case CounterInvoice:
		if r.InvoiceNumberFormat != "" {
			format = r.InvoiceNumberFormat
		}
	case CounterCredit:
		format = DefaultCreditNumberFormat
		if r.CreditNumberFormat != "" {
			format = r.CreditNumberFormat
		}
	case CounterPayment:
		format = DefaultPaymentNumberFormat
		if r.PaymentNumberFormat != "" {
			format = r.PaymentNumberFormat
		}
	}
	replacer := strings.NewReplacer(
		"{regie_id:02d}", fmt.Sprintf("%02d", r.ID),
		"{regie_id}", fmt.Sprintf("%d", r.ID),
		"{yyyy}", at.Format("2006"),
		"{yy}", at.Format("06"),
		"{mm}", at.Format("01"),
		"{number:07d}", fmt.Sprintf("%07d", number),
		"{number}", fmt.Sprintf("%d", number),
	)
	return replacer.Replace(format)
}

// Agenda is one activity calendar, always attached to a regie.
type Agenda struct {
	Slug      string
	Label     string
	RegieSlug string
}

// =============================================================================
// EVENTS - Booking/cancellation notifications (ephemeral, per request)
// =============================================================================

// Event is one booking or cancellation notification. PrimaryEvent, when
// set, aliases recurring occurrences to a single identity.
type Event struct {
	AgendaSlug   string
	Slug         string
	PrimaryEvent string
	Start        time.Time
	Label        string

	// Extra carries custom_field_* payload entries, forwarded untouched
	// to the pricing resolver.
	Extra map[string]string
}

// OccurrenceKey is the identity used for reconciliation:
// "agenda@primary_event" when a primary event is set, "agenda@slug"
// otherwise.
func (e Event) OccurrenceKey() string {
	slug := e.Slug
	if e.PrimaryEvent != "" {
		slug = e.PrimaryEvent
	}
	return e.AgendaSlug + "@" + slug
}

// Date returns the event day, dropping the time component.
func (e Event) Date() time.Time {
	return time.Date(e.Start.Year(), e.Start.Month(), e.Start.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// CHAIN - Committed history for one (occurrence, date)
// =============================================================================

// Link is one historical ledger entry already committed to a document.
// Booked=true records an active charge, Booked=false a cancellation of a
// prior charge. Links are read-only inputs to the reconciler.
type Link struct {
	PayerExternalID string
	UnitAmount      decimal.Decimal
	Booked          bool
	DocumentNumber  string
}

// Chain is the ordered (oldest to newest) history for one
// (occurrence, date). A consistent chain alternates booked/cancelled per
// payer; the reconciler exists to repair chains that do not.
type Chain []Link

// History holds the chains touched by one request, keyed by occurrence
// key then by ISO date.
type History map[string]map[string]Chain

// ChainFor returns the chain for an occurrence and date, nil when the
// history has no record.
func (h History) ChainFor(occurrenceKey string, date time.Time) Chain {
	return h[occurrenceKey][date.Format(ISODate)]
}

// ISODate is the date layout used in line details and history keys.
const ISODate = "2006-01-02"

// =============================================================================
// LEDGER LINES
// =============================================================================

// Adjustment ties a regularization line back to the documents bracketing
// the repaired gap. Refs are keyed by ISO date since an aggregated line
// can cover several dates.
type Adjustment struct {
	Reason AdjustmentReason         `json:"reason"`
	Refs   map[string]AdjustmentRef `json:"refs,omitempty"`
}

type AdjustmentReason string

const (
	MissingBooking      AdjustmentReason = "missing-booking"
	MissingCancellation AdjustmentReason = "missing-cancellation"
)

// AdjustmentRef points at the committed documents immediately before and
// after the gap, when known.
type AdjustmentRef struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// LineDetails is the structured metadata persisted with a line.
type LineDetails struct {
	Dates      []string    `json:"dates,omitempty"`
	Adjustment *Adjustment `json:"adjustment,omitempty"`
}

// LedgerLine is one output line of the engine. Quantity counts dates,
// positive for bookings and negative for cancellations.
type LedgerLine struct {
	ID             uuid.UUID
	EventDate      time.Time
	Slug           string
	Label          string
	EventLabel     string
	AgendaSlug     string
	ActivityLabel  string
	Description    string
	AccountingCode string
	Quantity       decimal.Decimal
	UnitAmount     decimal.Decimal
	Details        LineDetails

	UserExternalID string
	UserFirstName  string
	UserLastName   string
	FormURL        string

	// PaidAmount tracks how much of the line a payment already covers.
	// Only meaningful on committed invoice lines.
	PaidAmount decimal.Decimal
}

// TotalAmount is quantity times unit amount.
func (l LedgerLine) TotalAmount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitAmount)
}

// RemainingAmount is the unpaid part of the line.
func (l LedgerLine) RemainingAmount() decimal.Decimal {
	return l.TotalAmount().Sub(l.PaidAmount)
}

// =============================================================================
// DOCUMENTS - Invoices and credits
// =============================================================================

type DocumentKind string

const (
	KindInvoice DocumentKind = "invoice"
	KindCredit  DocumentKind = "credit"
)

// PayerData is the contact information resolved for a payer.
type PayerData struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Address     string `json:"address"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	DirectDebit bool   `json:"direct_debit"`
}

// Name returns "First Last", trimmed.
func (p PayerData) Name() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// DocumentDates groups the billing dates carried by a document.
type DocumentDates struct {
	Due                      time.Time
	Publication              time.Time
	PaymentDeadline          time.Time
	PaymentDeadlineDisplayed *time.Time
	Invoicing                *time.Time
}

// Document is a draft or committed invoice/credit. A document belongs to
// exactly one payer; TotalAmount is always displayed positive, with
// credit lines sign-flipped at classification time (see assemble.go).
type Document struct {
	ID        uuid.UUID
	RegieSlug string
	Kind      DocumentKind
	Draft     bool
	Label     string
	Origin    string

	Number          int
	FormattedNumber string

	PayerExternalID string
	Payer           PayerData

	TotalAmount decimal.Decimal
	// PaidAmount applies to invoices, AssignedAmount to credits.
	PaidAmount     decimal.Decimal
	AssignedAmount decimal.Decimal

	Dates              DocumentDates
	FormURL            string
	PaymentCallbackURL string
	CancelCallbackURL  string

	Lines []LedgerLine

	Usable      bool
	CreatedAt   time.Time
	CancelledAt *time.Time
}

// RemainingAmount is the unpaid balance of an invoice, or the unassigned
// balance of a credit.
func (d *Document) RemainingAmount() decimal.Decimal {
	if d.Kind == KindCredit {
		return d.TotalAmount.Sub(d.AssignedAmount)
	}
	return d.TotalAmount.Sub(d.PaidAmount)
}

// UsableCredit reports whether the credit can still be assigned.
func (d *Document) UsableCredit() bool {
	return d.Kind == KindCredit && !d.Draft && d.Usable &&
		d.CancelledAt == nil && d.RemainingAmount().IsPositive()
}

// RefreshTotal recomputes the document total from its lines.
func (d *Document) RefreshTotal() {
	total := decimal.Zero
	for _, line := range d.Lines {
		total = total.Add(line.TotalAmount())
	}
	d.TotalAmount = total
}

// =============================================================================
// PAYMENTS AND ASSIGNMENTS
// =============================================================================

// PaymentKind is the payment method. Credit allocation only ever produces
// credit payments.
type PaymentKind string

const PaymentCredit PaymentKind = "credit"

// LinePayment distributes part of a payment onto one invoice line.
type LinePayment struct {
	LineID uuid.UUID
	Amount decimal.Decimal
}

// Payment settles part of an invoice. One payment per credit assignment.
type Payment struct {
	ID              uuid.UUID
	RegieSlug       string
	Kind            PaymentKind
	Amount          decimal.Decimal
	Number          int
	FormattedNumber string
	PayerExternalID string
	InvoiceID       uuid.UUID
	Lines           []LinePayment
	CreatedAt       time.Time
}

// CreditAssignment records one allocation of a credit's balance to an
// invoice.
type CreditAssignment struct {
	ID        uuid.UUID
	InvoiceID uuid.UUID
	CreditID  uuid.UUID
	PaymentID uuid.UUID
	Amount    decimal.Decimal
	CreatedAt time.Time
}
