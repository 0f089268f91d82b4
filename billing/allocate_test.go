package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/billing-engine/billing"
	"github.com/meridian/billing-engine/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var allocNow = time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)

func newAllocStore() *store.Memory {
	mem := store.NewMemory()
	mem.AddRegie(&billing.Regie{Slug: "sports", Label: "Sports"})
	return mem
}

func invoiceLine(amount float64) billing.LedgerLine {
	return billing.LedgerLine{
		ID:         uuid.New(),
		Quantity:   decimal.NewFromInt(1),
		UnitAmount: decimal.NewFromFloat(amount),
	}
}

func committedInvoice(payer string, createdAt time.Time, lineAmounts ...float64) *billing.Document {
	doc := &billing.Document{
		ID:              uuid.New(),
		RegieSlug:       "sports",
		Kind:            billing.KindInvoice,
		PayerExternalID: payer,
		Dates:           billing.DocumentDates{Due: time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC)},
		CreatedAt:       createdAt,
	}
	for _, amount := range lineAmounts {
		doc.Lines = append(doc.Lines, invoiceLine(amount))
	}
	doc.RefreshTotal()
	return doc
}

func committedCredit(payer string, createdAt time.Time, total float64) *billing.Document {
	return &billing.Document{
		ID:              uuid.New(),
		RegieSlug:       "sports",
		Kind:            billing.KindCredit,
		PayerExternalID: payer,
		TotalAmount:     decimal.NewFromFloat(total),
		Usable:          true,
		CreatedAt:       createdAt,
	}
}

func runAlloc(t *testing.T, mem *store.Memory, fn func(uow billing.UnitOfWork, regie *billing.Regie) error) {
	t.Helper()
	ctx := context.Background()
	regie, err := mem.Regie(ctx, "sports")
	require.NoError(t, err)
	require.NoError(t, mem.RunInTx(ctx, func(uow billing.UnitOfWork) error {
		return fn(uow, regie)
	}))
}

// =============================================================================
// INVOICE SIDE - New invoice consumes existing credits
// =============================================================================

func TestAllocateCredits_ConsumesOldestCreditFirst(t *testing.T) {
	// GIVEN: An invoice of 30 and two usable credits, 10 (older) and 25
	// WHEN: Allocating
	// THEN: The older credit is drained, 20 comes from the newer one, the
	//       invoice ends settled with one payment and one assignment per step

	mem := newAllocStore()
	older := committedCredit("payer-1", allocNow.Add(-48*time.Hour), 10)
	newer := committedCredit("payer-1", allocNow.Add(-24*time.Hour), 25)
	mem.AddDocument(older)
	mem.AddDocument(newer)

	invoice := committedInvoice("payer-1", allocNow, 30)
	mem.AddDocument(invoice)

	var settled bool
	runAlloc(t, mem, func(uow billing.UnitOfWork, regie *billing.Regie) error {
		var err error
		settled, err = billing.AllocateCredits(context.Background(), uow, regie, invoice, allocNow)
		return err
	})

	assert.True(t, settled)
	assert.True(t, invoice.RemainingAmount().IsZero())

	payments := mem.Payments()
	require.Len(t, payments, 2)
	assert.True(t, payments[0].Amount.Equal(decimal.NewFromInt(10)))
	assert.True(t, payments[1].Amount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, invoice.ID, payments[0].InvoiceID)
	assert.Equal(t, billing.PaymentCredit, payments[0].Kind)

	assignments := mem.Assignments()
	require.Len(t, assignments, 2)
	assert.Equal(t, older.ID, assignments[0].CreditID)
	assert.Equal(t, newer.ID, assignments[1].CreditID)

	storedOlder, _ := mem.Document(older.ID)
	assert.True(t, storedOlder.RemainingAmount().IsZero())
	storedNewer, _ := mem.Document(newer.ID)
	assert.True(t, storedNewer.RemainingAmount().Equal(decimal.NewFromInt(5)))
}

func TestAllocateCredits_PartialCoverage_NotSettled(t *testing.T) {
	// GIVEN: An invoice of 30 and a single credit of 12
	// WHEN: Allocating
	// THEN: The invoice keeps an 18 balance and is not settled

	mem := newAllocStore()
	credit := committedCredit("payer-1", allocNow.Add(-24*time.Hour), 12)
	mem.AddDocument(credit)

	invoice := committedInvoice("payer-1", allocNow, 30)
	mem.AddDocument(invoice)

	var settled bool
	runAlloc(t, mem, func(uow billing.UnitOfWork, regie *billing.Regie) error {
		var err error
		settled, err = billing.AllocateCredits(context.Background(), uow, regie, invoice, allocNow)
		return err
	})

	assert.False(t, settled)
	assert.True(t, invoice.RemainingAmount().Equal(decimal.NewFromInt(18)))
}

func TestAllocateCredits_PastDueInvoice_Untouched(t *testing.T) {
	// GIVEN: An invoice whose due date has passed and a usable credit
	// WHEN: Allocating
	// THEN: Nothing is assigned

	mem := newAllocStore()
	mem.AddDocument(committedCredit("payer-1", allocNow.Add(-24*time.Hour), 50))

	invoice := committedInvoice("payer-1", allocNow, 30)
	invoice.Dates.Due = allocNow.Add(-48 * time.Hour)
	mem.AddDocument(invoice)

	runAlloc(t, mem, func(uow billing.UnitOfWork, regie *billing.Regie) error {
		settled, err := billing.AllocateCredits(context.Background(), uow, regie, invoice, allocNow)
		assert.False(t, settled)
		return err
	})

	assert.Empty(t, mem.Payments())
	assert.True(t, invoice.PaidAmount.IsZero())
}

func TestAllocateCredits_OtherPayerCredits_Ignored(t *testing.T) {
	// GIVEN: A usable credit belonging to another payer
	// WHEN: Allocating payer-1's invoice
	// THEN: The credit is not touched

	mem := newAllocStore()
	mem.AddDocument(committedCredit("payer-2", allocNow.Add(-24*time.Hour), 50))

	invoice := committedInvoice("payer-1", allocNow, 30)
	mem.AddDocument(invoice)

	runAlloc(t, mem, func(uow billing.UnitOfWork, regie *billing.Regie) error {
		_, err := billing.AllocateCredits(context.Background(), uow, regie, invoice, allocNow)
		return err
	})

	assert.Empty(t, mem.Payments())
}

func TestAllocateCredits_LineDistribution_InLineOrder(t *testing.T) {
	// GIVEN: An invoice with lines of 20 and 10, and a credit of 25
	// WHEN: Allocating
	// THEN: One payment of 25 split 20 on the first line, 5 on the second

	mem := newAllocStore()
	mem.AddDocument(committedCredit("payer-1", allocNow.Add(-24*time.Hour), 25))

	invoice := committedInvoice("payer-1", allocNow, 20, 10)
	mem.AddDocument(invoice)

	runAlloc(t, mem, func(uow billing.UnitOfWork, regie *billing.Regie) error {
		_, err := billing.AllocateCredits(context.Background(), uow, regie, invoice, allocNow)
		return err
	})

	payments := mem.Payments()
	require.Len(t, payments, 1)
	require.Len(t, payments[0].Lines, 2)
	assert.Equal(t, invoice.Lines[0].ID, payments[0].Lines[0].LineID)
	assert.True(t, payments[0].Lines[0].Amount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, invoice.Lines[1].ID, payments[0].Lines[1].LineID)
	assert.True(t, payments[0].Lines[1].Amount.Equal(decimal.NewFromInt(5)))

	stored, _ := mem.Document(invoice.ID)
	assert.True(t, stored.Lines[0].PaidAmount.Equal(decimal.NewFromInt(20)))
	assert.True(t, stored.Lines[1].PaidAmount.Equal(decimal.NewFromInt(5)))
}

func TestAllocateCredits_PaymentNumbering(t *testing.T) {
	// GIVEN: Two credits covering one invoice
	// WHEN: Allocating
	// THEN: Payments draw consecutive numbers from the payment counter

	mem := newAllocStore()
	mem.AddDocument(committedCredit("payer-1", allocNow.Add(-48*time.Hour), 10))
	mem.AddDocument(committedCredit("payer-1", allocNow.Add(-24*time.Hour), 10))

	invoice := committedInvoice("payer-1", allocNow, 20)
	mem.AddDocument(invoice)

	runAlloc(t, mem, func(uow billing.UnitOfWork, regie *billing.Regie) error {
		_, err := billing.AllocateCredits(context.Background(), uow, regie, invoice, allocNow)
		return err
	})

	payments := mem.Payments()
	require.Len(t, payments, 2)
	assert.Equal(t, "R01-25-06-0000001", payments[0].FormattedNumber)
	assert.Equal(t, "R01-25-06-0000002", payments[1].FormattedNumber)
}

// =============================================================================
// CREDIT SIDE - New credit pays down existing invoices
// =============================================================================

func TestAssignCreditToInvoices_OldestInvoiceFirst(t *testing.T) {
	// GIVEN: A credit of 30 and two open invoices, 10 (older) and 15
	// WHEN: Assigning
	// THEN: Both invoices end settled and the credit keeps a 5 balance

	mem := newAllocStore()
	older := committedInvoice("payer-1", allocNow.Add(-48*time.Hour), 10)
	newer := committedInvoice("payer-1", allocNow.Add(-24*time.Hour), 15)
	mem.AddDocument(older)
	mem.AddDocument(newer)

	credit := committedCredit("payer-1", allocNow, 30)
	mem.AddDocument(credit)

	var settled []*billing.Document
	runAlloc(t, mem, func(uow billing.UnitOfWork, regie *billing.Regie) error {
		var err error
		settled, err = billing.AssignCreditToInvoices(context.Background(), uow, regie, credit, allocNow)
		return err
	})

	require.Len(t, settled, 2)
	assert.Equal(t, older.ID, settled[0].ID)
	assert.Equal(t, newer.ID, settled[1].ID)
	assert.True(t, credit.RemainingAmount().Equal(decimal.NewFromInt(5)))

	storedCredit, _ := mem.Document(credit.ID)
	assert.True(t, storedCredit.AssignedAmount.Equal(decimal.NewFromInt(25)))
}

func TestAssignCreditToInvoices_DraftCredit_NoOp(t *testing.T) {
	// GIVEN: A draft credit and an open invoice
	// WHEN: Assigning
	// THEN: Nothing happens

	mem := newAllocStore()
	mem.AddDocument(committedInvoice("payer-1", allocNow.Add(-24*time.Hour), 10))

	credit := committedCredit("payer-1", allocNow, 30)
	credit.Draft = true

	var settled []*billing.Document
	runAlloc(t, mem, func(uow billing.UnitOfWork, regie *billing.Regie) error {
		var err error
		settled, err = billing.AssignCreditToInvoices(context.Background(), uow, regie, credit, allocNow)
		return err
	})

	assert.Empty(t, settled)
	assert.Empty(t, mem.Payments())
}

func TestAssignCreditToInvoices_PastDueInvoices_Skipped(t *testing.T) {
	// GIVEN: One invoice past due and one still open
	// WHEN: Assigning a credit covering both
	// THEN: Only the open invoice is paid

	mem := newAllocStore()
	pastDue := committedInvoice("payer-1", allocNow.Add(-72*time.Hour), 10)
	pastDue.Dates.Due = allocNow.Add(-48 * time.Hour)
	open := committedInvoice("payer-1", allocNow.Add(-24*time.Hour), 15)
	mem.AddDocument(pastDue)
	mem.AddDocument(open)

	credit := committedCredit("payer-1", allocNow, 30)
	mem.AddDocument(credit)

	var settled []*billing.Document
	runAlloc(t, mem, func(uow billing.UnitOfWork, regie *billing.Regie) error {
		var err error
		settled, err = billing.AssignCreditToInvoices(context.Background(), uow, regie, credit, allocNow)
		return err
	})

	require.Len(t, settled, 1)
	assert.Equal(t, open.ID, settled[0].ID)

	storedPastDue, _ := mem.Document(pastDue.ID)
	assert.True(t, storedPastDue.PaidAmount.IsZero())
}

func TestAssignCreditToInvoices_StopsWhenCreditDrained(t *testing.T) {
	// GIVEN: A credit of 10 and two open invoices of 10 each
	// WHEN: Assigning
	// THEN: Only the older invoice is settled

	mem := newAllocStore()
	older := committedInvoice("payer-1", allocNow.Add(-48*time.Hour), 10)
	newer := committedInvoice("payer-1", allocNow.Add(-24*time.Hour), 10)
	mem.AddDocument(older)
	mem.AddDocument(newer)

	credit := committedCredit("payer-1", allocNow, 10)
	mem.AddDocument(credit)

	var settled []*billing.Document
	runAlloc(t, mem, func(uow billing.UnitOfWork, regie *billing.Regie) error {
		var err error
		settled, err = billing.AssignCreditToInvoices(context.Background(), uow, regie, credit, allocNow)
		return err
	})

	require.Len(t, settled, 1)
	assert.Equal(t, older.ID, settled[0].ID)

	storedNewer, _ := mem.Document(newer.ID)
	assert.True(t, storedNewer.PaidAmount.IsZero())
}
