/*
engine.go - Request orchestration

PURPOSE:
  Drives one from-bookings call end to end: routing check, history
  fetch, per-event reconciliation, per-payer aggregation, document
  assembly, commit and credit allocation. The dry-run variant performs
  the same reads and computation but opens no unit of work.

FLOW:
  events -> agenda/routing check -> chain fetch (one batched read)
    -> per-event pricing + reconciliation -> unit lines per payer
    -> aggregation -> drafts -> commit primary -> allocate credits
    -> webhooks (after commit, best-effort)

ERROR MODEL:
  Everything before RunInTx is read-only; any failure inside the unit
  of work rolls back every write. Webhooks only fire after a successful
  commit.
*/
package billing

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine wires the reconciliation pipeline to its collaborators.
type Engine struct {
	Store    Store
	Pricing  PricingResolver
	Payer    PayerResolver
	History  HistoryReader // defaults to Store
	Notifier Notifier      // optional
	Now      func() time.Time
}

func NewEngine(store Store, pricing PricingResolver, payer PayerResolver) *Engine {
	return &Engine{Store: store, Pricing: pricing, Payer: payer}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) history() HistoryReader {
	if e.History != nil {
		return e.History
	}
	return e.Store
}

// =============================================================================
// REQUEST AND RESULTS
// =============================================================================

// FromBookingsRequest is one reconciliation request. Dry runs only need
// the identifiers and event lists.
type FromBookingsRequest struct {
	Label              string
	Dates              DocumentDates
	UserExternalID     string
	UserFirstName      string
	UserLastName       string
	PayerExternalID    string
	FormURL            string
	PaymentCallbackURL string
	CancelCallbackURL  string
	BookedEvents       []Event
	CancelledEvents    []Event
}

// Result is the outcome of a committed run. Document is nil when the
// requester's payer ends up with no lines at all (every line belongs to
// other payers).
type Result struct {
	Document               *Document
	OtherPayerCreditDrafts []*Document
}

// Preview is the dry-run face of a would-be document.
type Preview struct {
	TotalAmount     decimal.Decimal
	Lines           []PreviewLine
	PayerExternalID string
	PayerName       string
	IsInvoice       bool
}

type PreviewLine struct {
	Label       string
	Description string
	UnitAmount  decimal.Decimal
	Quantity    decimal.Decimal
	TotalAmount decimal.Decimal
}

// DryRunResult mirrors Result without any persistence.
type DryRunResult struct {
	Primary                *Preview
	OtherPayerCreditDrafts []*Preview
}

// =============================================================================
// SHARED PREPARATION - Reads and pure computation
// =============================================================================

type preparedRequest struct {
	regie        *Regie
	payerOrder   []string
	linesByPayer map[string][]LedgerLine
	payerData    map[string]PayerData
}

func (e *Engine) prepare(ctx context.Context, regieSlug string, req FromBookingsRequest) (*preparedRequest, error) {
	regie, err := e.Store.Regie(ctx, regieSlug)
	if err != nil {
		return nil, err
	}

	allEvents := make([]Event, 0, len(req.BookedEvents)+len(req.CancelledEvents))
	allEvents = append(allEvents, req.BookedEvents...)
	allEvents = append(allEvents, req.CancelledEvents...)
	if len(allEvents) == 0 {
		return nil, ErrNoChanges
	}

	// routing: every agenda must belong to the target regie
	slugSet := make(map[string]bool)
	var slugs []string
	for _, event := range allEvents {
		if !slugSet[event.AgendaSlug] {
			slugSet[event.AgendaSlug] = true
			slugs = append(slugs, event.AgendaSlug)
		}
	}
	agendas, err := e.Store.Agendas(ctx, regie.Slug, slugs)
	if err != nil {
		return nil, err
	}
	var unknown []string
	for _, slug := range slugs {
		if _, ok := agendas[slug]; !ok {
			unknown = append(unknown, slug)
		}
	}
	if len(unknown) > 0 {
		return nil, &WrongRegieError{Slugs: unknown}
	}

	// one batched history read spanning all touched dates
	dateMin, dateMax := allEvents[0].Date(), allEvents[0].Date()
	occurrenceSet := make(map[string]bool)
	var occurrences []string
	for _, event := range allEvents {
		date := event.Date()
		if date.Before(dateMin) {
			dateMin = date
		}
		if date.After(dateMax) {
			dateMax = date
		}
		if key := event.OccurrenceKey(); !occurrenceSet[key] {
			occurrenceSet[key] = true
			occurrences = append(occurrences, key)
		}
	}
	history, err := e.history().ExistingLines(ctx, HistoryQuery{
		RegieSlug:      regie.Slug,
		UserExternalID: req.UserExternalID,
		DateMin:        dateMin,
		DateMax:        dateMax.AddDate(0, 0, 1), // exclusive bound
		Occurrences:    occurrences,
	})
	if err != nil {
		return nil, err
	}

	payerData := make(map[string]PayerData)
	resolvePayer := func(payerExternalID string) error {
		if _, ok := payerData[payerExternalID]; ok {
			return nil
		}
		data, err := e.Payer.PayerData(ctx, regie, payerExternalID)
		if err != nil {
			return err
		}
		payerData[payerExternalID] = data
		return nil
	}

	unitLines := make(map[string][]UnitLine)
	processEvents := func(events []Event, booked bool) error {
		for _, event := range events {
			agenda := agendas[event.AgendaSlug]
			pricing, err := e.Pricing.PricingDataForEvent(ctx, agenda, event, req.UserExternalID, req.PayerExternalID)
			if err != nil {
				return err
			}
			chain := history.ChainFor(event.OccurrenceKey(), event.Date())
			for _, line := range LinesForEvent(agenda, event, booked, chain, pricing, req.PayerExternalID) {
				if err := resolvePayer(line.PayerExternalID); err != nil {
					return err
				}
				unitLines[line.PayerExternalID] = append(unitLines[line.PayerExternalID], line)
			}
		}
		return nil
	}
	if err := processEvents(req.BookedEvents, true); err != nil {
		return nil, err
	}
	if err := processEvents(req.CancelledEvents, false); err != nil {
		return nil, err
	}

	payerOrder := make([]string, 0, len(unitLines))
	for payer := range unitLines {
		payerOrder = append(payerOrder, payer)
	}
	sort.Strings(payerOrder)

	linesByPayer := make(map[string][]LedgerLine, len(unitLines))
	for payer, lines := range unitLines {
		linesByPayer[payer] = AggregateLines(lines)
	}

	return &preparedRequest{
		regie:        regie,
		payerOrder:   payerOrder,
		linesByPayer: linesByPayer,
		payerData:    payerData,
	}, nil
}

func sumLines(lines []LedgerLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.TotalAmount())
	}
	return total
}

// =============================================================================
// COMMITTED RUN
// =============================================================================

type notification struct {
	URL     string
	Kind    NotificationKind
	Payload map[string]any
}

// FromBookings runs one committing reconciliation: the requester's
// document is made definitive, secondary documents stay drafts, credit
// allocation runs, and callbacks fire once everything is committed.
func (e *Engine) FromBookings(ctx context.Context, regieSlug string, req FromBookingsRequest) (*Result, error) {
	prepared, err := e.prepare(ctx, regieSlug, req)
	if err != nil {
		return nil, err
	}

	input := DocumentInput{
		Label:              req.Label,
		Dates:              req.Dates,
		UserExternalID:     req.UserExternalID,
		UserFirstName:      req.UserFirstName,
		UserLastName:       req.UserLastName,
		FormURL:            req.FormURL,
		PaymentCallbackURL: req.PaymentCallbackURL,
		CancelCallbackURL:  req.CancelCallbackURL,
		Origin:             "api",
	}

	var result Result
	var notifications []notification
	err = e.Store.RunInTx(ctx, func(uow UnitOfWork) error {
		now := e.now()
		var primary *Document
		var others []*Document
		for _, payer := range prepared.payerOrder {
			lines := prepared.linesByPayer[payer]
			if payer != req.PayerExternalID && sumLines(lines).Sign() >= 0 {
				// a positive balance for another payer would be an
				// invoice; only credits are generated for other payers
				continue
			}
			doc := BuildDraft(prepared.regie, input, payer, prepared.payerData[payer], lines, now)
			if payer == req.PayerExternalID {
				primary = doc
			} else {
				others = append(others, doc)
			}
		}

		for _, doc := range others {
			if err := uow.SaveDocument(ctx, doc); err != nil {
				return err
			}
		}

		if primary != nil {
			if err := CommitDraft(ctx, uow, prepared.regie, primary); err != nil {
				return err
			}
			if err := uow.SaveDocument(ctx, primary); err != nil {
				return err
			}
			switch {
			case primary.Kind == KindInvoice && primary.TotalAmount.IsZero():
				// nothing to pay, settle immediately
				notifications = appendPaymentNotification(notifications, primary)
			case primary.Kind == KindInvoice:
				settled, err := AllocateCredits(ctx, uow, prepared.regie, primary, now)
				if err != nil {
					return err
				}
				if settled {
					notifications = appendPaymentNotification(notifications, primary)
				}
			case prepared.regie.AssignCreditsOnCreation:
				settledInvoices, err := AssignCreditToInvoices(ctx, uow, prepared.regie, primary, now)
				if err != nil {
					return err
				}
				for _, invoice := range settledInvoices {
					notifications = appendPaymentNotification(notifications, invoice)
				}
			}
		}

		result = Result{Document: primary, OtherPayerCreditDrafts: others}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.deliver(ctx, notifications)
	return &result, nil
}

func appendPaymentNotification(notifications []notification, invoice *Document) []notification {
	if invoice.PaymentCallbackURL == "" {
		return notifications
	}
	return append(notifications, notification{
		URL:  invoice.PaymentCallbackURL,
		Kind: NotifyPayment,
		Payload: map[string]any{
			"invoice_id": invoice.ID.String(),
		},
	})
}

// deliver fires webhooks after commit. Best-effort: failures are
// logged, never surfaced.
func (e *Engine) deliver(ctx context.Context, notifications []notification) {
	if e.Notifier == nil {
		return
	}
	for _, n := range notifications {
		if err := e.Notifier.Notify(ctx, n.URL, n.Kind, n.Payload); err != nil {
			log.Printf("billing: %s callback to %s failed: %v", n.Kind, n.URL, err)
		}
	}
}

// =============================================================================
// DRY RUN
// =============================================================================

// DryRun computes the same documents as FromBookings without opening a
// unit of work or issuing any write.
func (e *Engine) DryRun(ctx context.Context, regieSlug string, req FromBookingsRequest) (*DryRunResult, error) {
	prepared, err := e.prepare(ctx, regieSlug, req)
	if err != nil {
		return nil, err
	}

	var result DryRunResult
	for _, payer := range prepared.payerOrder {
		lines := prepared.linesByPayer[payer]
		total := sumLines(lines)
		if payer != req.PayerExternalID && total.Sign() >= 0 {
			continue
		}
		preview := &Preview{
			TotalAmount:     total,
			PayerExternalID: payer,
			PayerName:       prepared.payerData[payer].Name(),
			IsInvoice:       total.Sign() >= 0,
		}
		for _, line := range lines {
			preview.Lines = append(preview.Lines, PreviewLine{
				Label:       line.Label,
				Description: line.Description,
				UnitAmount:  line.UnitAmount,
				Quantity:    line.Quantity,
				TotalAmount: line.TotalAmount(),
			})
		}
		if !preview.IsInvoice {
			preview.TotalAmount = preview.TotalAmount.Neg()
			for i := range preview.Lines {
				preview.Lines[i].Quantity = preview.Lines[i].Quantity.Neg()
				preview.Lines[i].TotalAmount = preview.Lines[i].TotalAmount.Neg()
			}
		}
		if payer == req.PayerExternalID {
			result.Primary = preview
		} else {
			result.OtherPayerCreditDrafts = append(result.OtherPayerCreditDrafts, preview)
		}
	}
	return &result, nil
}
