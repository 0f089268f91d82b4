/*
store.go - Persistence interfaces

PURPOSE:
  The engine persists documents, payments and assignments through these
  interfaces. One from-bookings call is one unit of work: every write it
  performs happens inside a single RunInTx call and either fully commits
  or fully rolls back.

CONCURRENCY CONTRACT:
  RunInTx must give the callback a consistent snapshot: two concurrent
  requests touching the same occurrence/date or the same credit must not
  both observe themselves as the terminal record or both spend the same
  credit balance. SQLite serializes writers; the PostgreSQL store locks
  credit and invoice rows with SELECT ... FOR UPDATE.

  Dry runs only use the read-side interfaces and never open a unit of
  work.

SEE ALSO:
  - store/memory.go (billing/store): in-memory implementation for tests
  - store/sqlite, store/postgres: persistent implementations
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Read side plus unit-of-work entry point
// =============================================================================

// Store is the persistence boundary of the engine.
type Store interface {
	HistoryReader

	// Regie returns the regie for a slug, ErrRegieNotFound otherwise.
	Regie(ctx context.Context, slug string) (*Regie, error)

	// Agendas returns the regie's agendas among the given slugs, keyed
	// by slug. Missing slugs are simply absent from the result.
	Agendas(ctx context.Context, regieSlug string, slugs []string) (map[string]Agenda, error)

	// RunInTx runs fn inside one atomic unit of work. Any error from fn
	// rolls back every write performed through the UnitOfWork.
	RunInTx(ctx context.Context, fn func(UnitOfWork) error) error
}

// =============================================================================
// UNIT OF WORK - Write side, transaction scoped
// =============================================================================

// UnitOfWork is the write interface handed to RunInTx callbacks. All
// methods operate inside the surrounding transaction.
type UnitOfWork interface {
	// NextNumber draws the next sequence number for a kind, scoped to
	// the regie and the counter bucket of the given date.
	NextNumber(ctx context.Context, regie *Regie, kind CounterKind, at time.Time) (int, error)

	// SaveDocument persists a new document and its lines.
	SaveDocument(ctx context.Context, doc *Document) error

	// UpdateDocumentAmounts persists the paid/assigned amounts of a
	// document and the paid amounts of its lines.
	UpdateDocumentAmounts(ctx context.Context, doc *Document) error

	// UsableCredits returns the payer's usable credits, oldest created
	// first with the formatted number as tie-break, locked against
	// concurrent assignment for the duration of the transaction.
	UsableCredits(ctx context.Context, regieSlug, payerExternalID string) ([]*Document, error)

	// OpenInvoices returns the payer's committed invoices with a
	// remaining balance and a due date on or after the given date,
	// oldest created first, locked like UsableCredits.
	OpenInvoices(ctx context.Context, regieSlug, payerExternalID string, dueOnOrAfter time.Time) ([]*Document, error)

	// SavePayment persists a payment and its line distribution.
	SavePayment(ctx context.Context, payment *Payment) error

	// SaveAssignment persists a credit assignment.
	SaveAssignment(ctx context.Context, assignment *CreditAssignment) error
}
