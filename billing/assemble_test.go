package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/billing-engine/billing"
	"github.com/meridian/billing-engine/billing/store"
)

// =============================================================================
// NUMBER FORMATTING
// =============================================================================

func TestFormatNumber_Defaults(t *testing.T) {
	regie := &billing.Regie{ID: 3}
	at := time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "F03-25-06-0000042", regie.FormatNumber(billing.CounterInvoice, at, 42))
	assert.Equal(t, "A03-25-06-0000042", regie.FormatNumber(billing.CounterCredit, at, 42))
	assert.Equal(t, "R03-25-06-0000042", regie.FormatNumber(billing.CounterPayment, at, 42))
}

func TestFormatNumber_CustomFormat(t *testing.T) {
	regie := &billing.Regie{ID: 3, InvoiceNumberFormat: "INV-{yyyy}/{regie_id}/{number}"}
	at := time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "INV-2025/3/42", regie.FormatNumber(billing.CounterInvoice, at, 42))
}

func TestCounterName_YearBucket(t *testing.T) {
	regie := &billing.Regie{ID: 1}

	assert.Equal(t, "25", regie.CounterName(time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "26", regie.CounterName(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)))
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

func TestClassify_NegativeTotal_BecomesDisplayPositiveCredit(t *testing.T) {
	// GIVEN: A draft whose lines sum to -10
	// WHEN: Classifying
	// THEN: A credit with positive total and sign-flipped line quantities

	doc := &billing.Document{
		TotalAmount: decimal.NewFromInt(-10),
		Lines: []billing.LedgerLine{{
			Quantity:   decimal.NewFromInt(-1),
			UnitAmount: decimal.NewFromInt(10),
		}},
	}

	billing.Classify(doc)

	assert.Equal(t, billing.KindCredit, doc.Kind)
	assert.True(t, doc.TotalAmount.Equal(decimal.NewFromInt(10)))
	assert.True(t, doc.Lines[0].Quantity.Equal(decimal.NewFromInt(1)))
}

func TestClassify_ZeroTotal_StaysInvoice(t *testing.T) {
	doc := &billing.Document{TotalAmount: decimal.Zero}

	billing.Classify(doc)

	assert.Equal(t, billing.KindInvoice, doc.Kind)
}

// =============================================================================
// COMMIT
// =============================================================================

func TestCommitDraft_InvoicingDateDrivesCounterAndFormat(t *testing.T) {
	// GIVEN: A draft created in June with an invoicing date in July
	// WHEN: Committing
	// THEN: The number is drawn from and formatted with the July date

	mem := store.NewMemory()
	mem.AddRegie(&billing.Regie{Slug: "sports"})
	ctx := context.Background()
	regie, err := mem.Regie(ctx, "sports")
	require.NoError(t, err)

	invoicing := time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)
	doc := &billing.Document{
		RegieSlug:   "sports",
		Draft:       true,
		TotalAmount: decimal.NewFromInt(10),
		Dates:       billing.DocumentDates{Invoicing: &invoicing},
		CreatedAt:   time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, mem.RunInTx(ctx, func(uow billing.UnitOfWork) error {
		return billing.CommitDraft(ctx, uow, regie, doc)
	}))

	assert.False(t, doc.Draft)
	assert.Equal(t, 1, doc.Number)
	assert.Equal(t, "F01-25-07-0000001", doc.FormattedNumber)
}
