/*
resolver.go - External collaborator interfaces

PURPOSE:
  The engine treats pricing computation, payer lookup and callback
  delivery as external concerns behind narrow interfaces. Implementations
  are swappable and mockable without reflection; tests plug in plain
  function types.

SEE ALSO:
  - pricing.go: validity-window selection helper for resolvers
  - notify/webhook.go: HTTP Notifier implementation
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PRICING
// =============================================================================

// PricingData is the result of pricing one event for one payer.
type PricingData struct {
	UnitAmount     decimal.Decimal
	AccountingCode string
}

// PricingResolver computes the unit amount and accounting code for an
// event. It returns *PricingError, *PricingNotFoundError or
// *PayerDataError for domain failures; any failure aborts the whole
// request.
type PricingResolver interface {
	PricingDataForEvent(ctx context.Context, agenda Agenda, event Event, userExternalID, payerExternalID string) (PricingData, error)
}

// PricingResolverFunc adapts a function to PricingResolver.
type PricingResolverFunc func(ctx context.Context, agenda Agenda, event Event, userExternalID, payerExternalID string) (PricingData, error)

func (f PricingResolverFunc) PricingDataForEvent(ctx context.Context, agenda Agenda, event Event, userExternalID, payerExternalID string) (PricingData, error) {
	return f(ctx, agenda, event, userExternalID, payerExternalID)
}

// =============================================================================
// PAYER
// =============================================================================

// PayerResolver looks up contact information for a payer external id.
type PayerResolver interface {
	PayerData(ctx context.Context, regie *Regie, payerExternalID string) (PayerData, error)
}

// PayerResolverFunc adapts a function to PayerResolver.
type PayerResolverFunc func(ctx context.Context, regie *Regie, payerExternalID string) (PayerData, error)

func (f PayerResolverFunc) PayerData(ctx context.Context, regie *Regie, payerExternalID string) (PayerData, error) {
	return f(ctx, regie, payerExternalID)
}

// =============================================================================
// HISTORY
// =============================================================================

// HistoryQuery selects the chains touched by one request. DateMax is
// exclusive.
type HistoryQuery struct {
	RegieSlug      string
	UserExternalID string
	DateMin        time.Time
	DateMax        time.Time
	Occurrences    []string
}

// HistoryReader returns the committed ledger history for a set of
// occurrence keys within a date range. Stores implement it from
// committed document lines; tests stub it directly.
type HistoryReader interface {
	ExistingLines(ctx context.Context, q HistoryQuery) (History, error)
}

// HistoryReaderFunc adapts a function to HistoryReader.
type HistoryReaderFunc func(ctx context.Context, q HistoryQuery) (History, error)

func (f HistoryReaderFunc) ExistingLines(ctx context.Context, q HistoryQuery) (History, error) {
	return f(ctx, q)
}

// =============================================================================
// NOTIFIER
// =============================================================================

type NotificationKind string

const (
	NotifyPayment NotificationKind = "payment"
	NotifyCancel  NotificationKind = "cancel"
)

// Notifier delivers a webhook once a document's financial state is
// finalized. Calls are made after the transaction commits and are
// best-effort; errors are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, url string, kind NotificationKind, payload map[string]any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, url string, kind NotificationKind, payload map[string]any) error

func (f NotifierFunc) Notify(ctx context.Context, url string, kind NotificationKind, payload map[string]any) error {
	return f(ctx, url, kind, payload)
}
