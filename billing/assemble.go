/*
assemble.go - Per-payer document assembly

PURPOSE:
  Groups reconciled lines by payer into documents: the requester's
  group becomes the primary document (committed on a normal run), every
  other group becomes a secondary draft. A document's class follows the
  sign of its total: zero or positive totals are invoices, negative
  totals become credits with display-flipped line quantities.

RULES:
  - secondary documents are only kept when their total is negative
    (another payer is owed money back); a positive balance for another
    payer is never billed by this request
  - secondary documents stay drafts regardless of run mode
*/
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DocumentInput carries the request fields copied onto every assembled
// document and line.
type DocumentInput struct {
	Label              string
	Dates              DocumentDates
	UserExternalID     string
	UserFirstName      string
	UserLastName       string
	FormURL            string
	PaymentCallbackURL string
	CancelCallbackURL  string
	Origin             string
}

// BuildDraft assembles one payer's aggregated lines into a draft
// document. Totals keep their raw sign until Classify runs.
func BuildDraft(regie *Regie, input DocumentInput, payerExternalID string, payer PayerData, lines []LedgerLine, now time.Time) *Document {
	doc := &Document{
		ID:                 uuid.New(),
		RegieSlug:          regie.Slug,
		Kind:               KindInvoice,
		Draft:              true,
		Label:              input.Label,
		Origin:             input.Origin,
		PayerExternalID:    payerExternalID,
		Payer:              payer,
		Dates:              input.Dates,
		FormURL:            input.FormURL,
		PaymentCallbackURL: input.PaymentCallbackURL,
		CancelCallbackURL:  input.CancelCallbackURL,
		Usable:             true,
		CreatedAt:          now,
	}
	for _, line := range lines {
		line.ID = uuid.New()
		line.UserExternalID = input.UserExternalID
		line.UserFirstName = input.UserFirstName
		line.UserLastName = input.UserLastName
		line.FormURL = input.FormURL
		doc.Lines = append(doc.Lines, line)
	}
	doc.RefreshTotal()
	return doc
}

// Classify fixes the document's class from the sign of its total. A
// negative total becomes a credit shown with positive amounts: the
// total is negated and every line's quantity sign-flipped.
func Classify(doc *Document) {
	if doc.TotalAmount.Sign() >= 0 {
		doc.Kind = KindInvoice
		return
	}
	doc.Kind = KindCredit
	doc.TotalAmount = doc.TotalAmount.Neg()
	for i := range doc.Lines {
		doc.Lines[i].Quantity = doc.Lines[i].Quantity.Neg()
	}
}

// CommitDraft stamps a draft as a definitive document: classified,
// numbered and no longer a draft. The number counter uses the invoicing
// date when set, the creation date otherwise.
func CommitDraft(ctx context.Context, uow UnitOfWork, regie *Regie, doc *Document) error {
	Classify(doc)
	kind := CounterInvoice
	if doc.Kind == KindCredit {
		kind = CounterCredit
	}
	at := doc.CreatedAt
	if doc.Dates.Invoicing != nil {
		at = *doc.Dates.Invoicing
	}
	number, err := uow.NextNumber(ctx, regie, kind, at)
	if err != nil {
		return err
	}
	doc.Draft = false
	doc.Number = number
	doc.FormattedNumber = regie.FormatNumber(kind, at, number)
	return nil
}
