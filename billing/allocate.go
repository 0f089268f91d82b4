/*
allocate.go - Credit allocation

PURPOSE:
  Applies a payer's available credit balance against invoices. Two
  directions exist:
    - AllocateCredits: a freshly committed invoice consumes the payer's
      usable credits, oldest first
    - AssignCreditToInvoices: a freshly committed credit pays down the
      payer's open invoices, oldest first
  Both directions allocate min(credit remaining, invoice remaining) per
  step, produce one CreditAssignment and one credit Payment per step,
  and distribute each payment across the invoice's lines in line order.

INVARIANTS:
  - an assignment never exceeds the credit's remaining balance
  - the sum of a payment's line distribution equals the payment amount
  - an invoice's paid amount never exceeds its total

ORDERING:
  "Oldest first" is creation time with the formatted number as a stable
  tie-break; the store contract (UsableCredits, OpenInvoices) guarantees
  it. The ordering is part of the audit trail, not an accident of
  storage.

SEE ALSO:
  - engine.go: calls these after committing the primary document
*/
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INVOICE SIDE - New invoice consumes existing credits
// =============================================================================

// AllocateCredits pays a committed invoice from the payer's usable
// credits. It returns whether the invoice ended fully paid. Invoices
// already past their due date are left untouched.
func AllocateCredits(ctx context.Context, uow UnitOfWork, regie *Regie, invoice *Document, now time.Time) (bool, error) {
	if invoice.Draft || invoice.Kind != KindInvoice {
		return false, nil
	}
	if invoice.Dates.Due.Before(truncateDay(now)) {
		return false, nil
	}
	if !invoice.RemainingAmount().IsPositive() {
		return invoice.TotalAmount.IsPositive(), nil
	}

	credits, err := uow.UsableCredits(ctx, regie.Slug, invoice.PayerExternalID)
	if err != nil {
		return false, err
	}
	for _, credit := range credits {
		if !invoice.RemainingAmount().IsPositive() {
			break
		}
		if !credit.UsableCredit() {
			continue
		}
		if err := assign(ctx, uow, regie, invoice, credit, now); err != nil {
			return false, err
		}
	}
	return invoice.RemainingAmount().IsZero(), nil
}

// =============================================================================
// CREDIT SIDE - New credit pays down existing invoices
// =============================================================================

// AssignCreditToInvoices applies a committed credit to the payer's open
// invoices, oldest first, and returns the invoices it fully settled.
func AssignCreditToInvoices(ctx context.Context, uow UnitOfWork, regie *Regie, credit *Document, now time.Time) ([]*Document, error) {
	if credit.Draft || !credit.UsableCredit() {
		return nil, nil
	}
	invoices, err := uow.OpenInvoices(ctx, regie.Slug, credit.PayerExternalID, truncateDay(now))
	if err != nil {
		return nil, err
	}
	var settled []*Document
	for _, invoice := range invoices {
		if !credit.RemainingAmount().IsPositive() {
			break
		}
		if !invoice.RemainingAmount().IsPositive() {
			continue
		}
		if err := assign(ctx, uow, regie, invoice, credit, now); err != nil {
			return nil, err
		}
		if invoice.RemainingAmount().IsZero() {
			settled = append(settled, invoice)
		}
	}
	return settled, nil
}

// =============================================================================
// SINGLE ASSIGNMENT STEP
// =============================================================================

// assign moves min(credit remaining, invoice remaining) from the credit
// onto the invoice: one assignment, one payment, line payments in line
// order.
func assign(ctx context.Context, uow UnitOfWork, regie *Regie, invoice, credit *Document, now time.Time) error {
	amount := decimal.Min(credit.RemainingAmount(), invoice.RemainingAmount())
	if !amount.IsPositive() {
		return nil
	}

	number, err := uow.NextNumber(ctx, regie, CounterPayment, now)
	if err != nil {
		return err
	}
	payment := &Payment{
		ID:              uuid.New(),
		RegieSlug:       regie.Slug,
		Kind:            PaymentCredit,
		Amount:          amount,
		Number:          number,
		FormattedNumber: regie.FormatNumber(CounterPayment, now, number),
		PayerExternalID: invoice.PayerExternalID,
		InvoiceID:       invoice.ID,
		CreatedAt:       now,
	}

	// distribute across lines in line order, each capped at its own
	// unpaid balance
	left := amount
	for i := range invoice.Lines {
		if !left.IsPositive() {
			break
		}
		line := &invoice.Lines[i]
		lineRemaining := line.RemainingAmount()
		if !lineRemaining.IsPositive() {
			continue
		}
		paid := decimal.Min(lineRemaining, left)
		payment.Lines = append(payment.Lines, LinePayment{LineID: line.ID, Amount: paid})
		line.PaidAmount = line.PaidAmount.Add(paid)
		left = left.Sub(paid)
	}

	assignment := &CreditAssignment{
		ID:        uuid.New(),
		InvoiceID: invoice.ID,
		CreditID:  credit.ID,
		PaymentID: payment.ID,
		Amount:    amount,
		CreatedAt: now,
	}

	invoice.PaidAmount = invoice.PaidAmount.Add(amount)
	credit.AssignedAmount = credit.AssignedAmount.Add(amount)

	if err := uow.SavePayment(ctx, payment); err != nil {
		return err
	}
	if err := uow.SaveAssignment(ctx, assignment); err != nil {
		return err
	}
	if err := uow.UpdateDocumentAmounts(ctx, invoice); err != nil {
		return err
	}
	return uow.UpdateDocumentAmounts(ctx, credit)
}

// truncateDay drops the time component.
func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
