/*
Package sqlite provides a SQLite-backed implementation of the billing
storage interfaces.

PURPOSE:
  Implements billing.Store and billing.UnitOfWork using SQLite. In
  production, the same patterns apply to PostgreSQL - see store/postgres
  for the pgx variant with row-level locking.

KEY TABLES:
  regies:             Billing authorities and their number formats
  agendas:            Activity calendars attached to a regie
  documents:          Invoices and credits (drafts included)
  document_lines:     Priced lines, with JSON details (dates, adjustment)
  payments:           Credit payments produced by allocation
  payment_lines:      Per-line distribution of a payment
  credit_assignments: Credit-to-invoice allocation records
  counters:           Per regie/kind/bucket number sequences

IMMUTABILITY:
  Committed documents are never rewritten. The only UPDATE the unit of
  work issues touches the paid/assigned amount columns; lines, totals
  and numbers are insert-only. Corrections happen through new documents
  carrying regularization lines.

CONCURRENCY:
  Uses sync.RWMutex plus WAL mode. RunInTx holds the write lock for the
  whole unit of work, which is the SQLite equivalent of the SELECT FOR
  UPDATE the postgres store takes on credits and invoices.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/meridian/billing-engine/billing"
)

// Store implements the billing storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS regies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL,
		invoice_number_format TEXT NOT NULL DEFAULT '',
		credit_number_format TEXT NOT NULL DEFAULT '',
		payment_number_format TEXT NOT NULL DEFAULT '',
		assign_credits_on_creation BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agendas (
		slug TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		regie_slug TEXT NOT NULL REFERENCES regies(slug),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agendas_regie ON agendas(regie_slug);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		regie_slug TEXT NOT NULL REFERENCES regies(slug),
		kind TEXT NOT NULL,
		draft BOOLEAN NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		number INTEGER NOT NULL DEFAULT 0,
		formatted_number TEXT NOT NULL DEFAULT '',
		payer_external_id TEXT NOT NULL,
		payer_json TEXT NOT NULL DEFAULT '{}',
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		assigned_amount TEXT NOT NULL DEFAULT '0',
		date_due TEXT NOT NULL,
		date_publication TEXT NOT NULL,
		date_payment_deadline TEXT NOT NULL,
		date_payment_deadline_displayed TEXT,
		date_invoicing TEXT,
		form_url TEXT NOT NULL DEFAULT '',
		payment_callback_url TEXT NOT NULL DEFAULT '',
		cancel_callback_url TEXT NOT NULL DEFAULT '',
		usable BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		cancelled_at TEXT
	);

	-- Committed-number uniqueness per regie; drafts carry no number
	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_number
		ON documents(regie_slug, formatted_number) WHERE formatted_number != '';

	-- Credit allocation hot path
	CREATE INDEX IF NOT EXISTS idx_documents_regie_payer
		ON documents(regie_slug, payer_external_id, kind);

	CREATE TABLE IF NOT EXISTS document_lines (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id),
		position INTEGER NOT NULL,
		event_date TEXT NOT NULL,
		slug TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		event_label TEXT NOT NULL DEFAULT '',
		agenda_slug TEXT NOT NULL DEFAULT '',
		activity_label TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		accounting_code TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		unit_amount TEXT NOT NULL,
		details_json TEXT NOT NULL DEFAULT '{}',
		user_external_id TEXT NOT NULL DEFAULT '',
		user_first_name TEXT NOT NULL DEFAULT '',
		user_last_name TEXT NOT NULL DEFAULT '',
		form_url TEXT NOT NULL DEFAULT '',
		paid_amount TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_lines_document ON document_lines(document_id);

	-- History rebuild hot path: (user, occurrence slug) over committed docs
	CREATE INDEX IF NOT EXISTS idx_lines_user_slug
		ON document_lines(user_external_id, slug);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		regie_slug TEXT NOT NULL REFERENCES regies(slug),
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		number INTEGER NOT NULL,
		formatted_number TEXT NOT NULL,
		payer_external_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL REFERENCES documents(id),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_lines (
		payment_id TEXT NOT NULL REFERENCES payments(id),
		line_id TEXT NOT NULL REFERENCES document_lines(id),
		amount TEXT NOT NULL,
		PRIMARY KEY (payment_id, line_id)
	);

	CREATE TABLE IF NOT EXISTS credit_assignments (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES documents(id),
		credit_id TEXT NOT NULL REFERENCES documents(id),
		payment_id TEXT NOT NULL REFERENCES payments(id),
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_credit
		ON credit_assignments(credit_id);

	CREATE TABLE IF NOT EXISTS counters (
		regie_slug TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		value INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (regie_slug, kind, name)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REGIE AND AGENDA
// =============================================================================

// SaveRegie inserts or updates a regie. The database assigns the numeric
// id used in formatted numbers on first insert.
func (s *Store) SaveRegie(ctx context.Context, regie *billing.Regie) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO regies (slug, label, invoice_number_format, credit_number_format,
			payment_number_format, assign_credits_on_creation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			label = excluded.label,
			invoice_number_format = excluded.invoice_number_format,
			credit_number_format = excluded.credit_number_format,
			payment_number_format = excluded.payment_number_format,
			assign_credits_on_creation = excluded.assign_credits_on_creation
	`

	_, err := s.db.ExecContext(ctx, query,
		regie.Slug, regie.Label,
		regie.InvoiceNumberFormat, regie.CreditNumberFormat, regie.PaymentNumberFormat,
		regie.AssignCreditsOnCreation,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx,
		"SELECT id FROM regies WHERE slug = ?", regie.Slug,
	).Scan(&regie.ID)
}

// SaveAgenda inserts or updates an agenda.
func (s *Store) SaveAgenda(ctx context.Context, agenda billing.Agenda) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO agendas (slug, label, regie_slug, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			label = excluded.label,
			regie_slug = excluded.regie_slug
	`

	_, err := s.db.ExecContext(ctx, query,
		agenda.Slug, agenda.Label, agenda.RegieSlug,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) Regie(ctx context.Context, slug string) (*billing.Regie, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var regie billing.Regie
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, label, invoice_number_format, credit_number_format,
		       payment_number_format, assign_credits_on_creation
		FROM regies WHERE slug = ?`, slug,
	).Scan(&regie.ID, &regie.Slug, &regie.Label,
		&regie.InvoiceNumberFormat, &regie.CreditNumberFormat, &regie.PaymentNumberFormat,
		&regie.AssignCreditsOnCreation)

	if err == sql.ErrNoRows {
		return nil, billing.ErrRegieNotFound
	}
	if err != nil {
		return nil, err
	}
	return &regie, nil
}

func (s *Store) Agendas(ctx context.Context, regieSlug string, slugs []string) (map[string]billing.Agenda, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(slugs) == 0 {
		return map[string]billing.Agenda{}, nil
	}

	args := []any{regieSlug}
	for _, slug := range slugs {
		args = append(args, slug)
	}
	query := fmt.Sprintf(`
		SELECT slug, label, regie_slug FROM agendas
		WHERE regie_slug = ? AND slug IN (%s)`,
		placeholders(len(slugs)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]billing.Agenda)
	for rows.Next() {
		var agenda billing.Agenda
		if err := rows.Scan(&agenda.Slug, &agenda.Label, &agenda.RegieSlug); err != nil {
			return nil, err
		}
		out[agenda.Slug] = agenda
	}
	return out, rows.Err()
}

// =============================================================================
// HISTORY
// =============================================================================

// ExistingLines loads every committed line touching the requested
// occurrences and user, and rebuilds the per-date chains from them.
func (s *Store) ExistingLines(ctx context.Context, q billing.HistoryQuery) (billing.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(q.Occurrences) == 0 {
		return billing.History{}, nil
	}

	args := []any{q.RegieSlug, q.UserExternalID}
	for _, key := range q.Occurrences {
		args = append(args, key)
	}
	query := fmt.Sprintf(`
		SELECT l.slug, l.unit_amount, l.quantity, l.details_json,
		       d.payer_external_id, d.kind, d.formatted_number, d.created_at
		FROM document_lines l
		JOIN documents d ON d.id = l.document_id
		WHERE d.regie_slug = ? AND d.draft = FALSE AND d.cancelled_at IS NULL
		  AND l.user_external_id = ? AND l.slug IN (%s)
		ORDER BY d.created_at ASC`,
		placeholders(len(q.Occurrences)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history lines: %w", err)
	}
	defer rows.Close()

	var lines []billing.CommittedLine
	for rows.Next() {
		var (
			line        billing.CommittedLine
			unitAmount  string
			quantity    string
			detailsJSON string
			createdAt   string
		)
		if err := rows.Scan(&line.Slug, &unitAmount, &quantity, &detailsJSON,
			&line.PayerExternalID, &line.DocumentKind, &line.DocumentNumber, &createdAt); err != nil {
			return nil, err
		}

		line.UnitAmount, _ = decimal.NewFromString(unitAmount)
		qty, _ := decimal.NewFromString(quantity)
		line.TotalAmount = qty.Mul(line.UnitAmount)
		line.DocumentCreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		var details billing.LineDetails
		if err := json.Unmarshal([]byte(detailsJSON), &details); err == nil {
			line.Dates = details.Dates
			line.Adjustment = details.Adjustment
		}
		if line.TotalAmount.IsZero() {
			continue
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return billing.BuildHistory(lines, q.DateMin, q.DateMax), nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// RunInTx executes a unit of work inside a database transaction. The
// store write lock is held throughout, serializing concurrent requests.
func (s *Store) RunInTx(ctx context.Context, fn func(billing.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&unitOfWork{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type unitOfWork struct {
	tx *sql.Tx
}

func (u *unitOfWork) NextNumber(ctx context.Context, regie *billing.Regie, kind billing.CounterKind, at time.Time) (int, error) {
	var value int
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO counters (regie_slug, kind, name, value)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(regie_slug, kind, name) DO UPDATE SET value = value + 1
		RETURNING value`,
		regie.Slug, string(kind), regie.CounterName(at),
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to advance counter: %w", err)
	}
	return value, nil
}

func (u *unitOfWork) SaveDocument(ctx context.Context, doc *billing.Document) error {
	payerJSON, _ := json.Marshal(doc.Payer)

	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO documents
		(id, regie_slug, kind, draft, label, origin, number, formatted_number,
		 payer_external_id, payer_json, total_amount, paid_amount, assigned_amount,
		 date_due, date_publication, date_payment_deadline,
		 date_payment_deadline_displayed, date_invoicing,
		 form_url, payment_callback_url, cancel_callback_url,
		 usable, created_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID.String(), doc.RegieSlug, string(doc.Kind), doc.Draft, doc.Label, doc.Origin,
		doc.Number, doc.FormattedNumber,
		doc.PayerExternalID, string(payerJSON),
		doc.TotalAmount.String(), doc.PaidAmount.String(), doc.AssignedAmount.String(),
		doc.Dates.Due.Format(time.RFC3339), doc.Dates.Publication.Format(time.RFC3339),
		doc.Dates.PaymentDeadline.Format(time.RFC3339),
		nullTime(doc.Dates.PaymentDeadlineDisplayed), nullTime(doc.Dates.Invoicing),
		doc.FormURL, doc.PaymentCallbackURL, doc.CancelCallbackURL,
		doc.Usable, doc.CreatedAt.Format(time.RFC3339Nano), nullTime(doc.CancelledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	for position, line := range doc.Lines {
		detailsJSON, _ := json.Marshal(line.Details)
		_, err := u.tx.ExecContext(ctx, `
			INSERT INTO document_lines
			(id, document_id, position, event_date, slug, label, event_label,
			 agenda_slug, activity_label, description, accounting_code,
			 quantity, unit_amount, details_json,
			 user_external_id, user_first_name, user_last_name, form_url, paid_amount)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			line.ID.String(), doc.ID.String(), position,
			line.EventDate.Format(billing.ISODate), line.Slug, line.Label, line.EventLabel,
			line.AgendaSlug, line.ActivityLabel, line.Description, line.AccountingCode,
			line.Quantity.String(), line.UnitAmount.String(), string(detailsJSON),
			line.UserExternalID, line.UserFirstName, line.UserLastName, line.FormURL,
			line.PaidAmount.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert document line: %w", err)
		}
	}
	return nil
}

func (u *unitOfWork) UpdateDocumentAmounts(ctx context.Context, doc *billing.Document) error {
	result, err := u.tx.ExecContext(ctx, `
		UPDATE documents SET paid_amount = ?, assigned_amount = ?
		WHERE id = ?`,
		doc.PaidAmount.String(), doc.AssignedAmount.String(), doc.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update document amounts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return billing.ErrDocumentNotFound
	}

	for _, line := range doc.Lines {
		_, err := u.tx.ExecContext(ctx, `
			UPDATE document_lines SET paid_amount = ? WHERE id = ?`,
			line.PaidAmount.String(), line.ID.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update line amounts: %w", err)
		}
	}
	return nil
}

func (u *unitOfWork) UsableCredits(ctx context.Context, regieSlug, payerExternalID string) ([]*billing.Document, error) {
	query := documentSelect + `
		WHERE regie_slug = ? AND payer_external_id = ? AND kind = ?
		  AND draft = FALSE AND usable = TRUE AND cancelled_at IS NULL
		  AND CAST(total_amount AS REAL) > CAST(assigned_amount AS REAL)
		ORDER BY created_at ASC, formatted_number ASC`

	return u.queryDocuments(ctx, query, regieSlug, payerExternalID, string(billing.KindCredit))
}

func (u *unitOfWork) OpenInvoices(ctx context.Context, regieSlug, payerExternalID string, dueOnOrAfter time.Time) ([]*billing.Document, error) {
	query := documentSelect + `
		WHERE regie_slug = ? AND payer_external_id = ? AND kind = ?
		  AND draft = FALSE AND cancelled_at IS NULL
		  AND date_due >= ?
		  AND CAST(total_amount AS REAL) > CAST(paid_amount AS REAL)
		ORDER BY created_at ASC, formatted_number ASC`

	return u.queryDocuments(ctx, query,
		regieSlug, payerExternalID, string(billing.KindInvoice),
		dueOnOrAfter.Format(time.RFC3339))
}

func (u *unitOfWork) SavePayment(ctx context.Context, payment *billing.Payment) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO payments
		(id, regie_slug, kind, amount, number, formatted_number,
		 payer_external_id, invoice_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID.String(), payment.RegieSlug, string(payment.Kind),
		payment.Amount.String(), payment.Number, payment.FormattedNumber,
		payment.PayerExternalID, payment.InvoiceID.String(),
		payment.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	for _, line := range payment.Lines {
		_, err := u.tx.ExecContext(ctx, `
			INSERT INTO payment_lines (payment_id, line_id, amount)
			VALUES (?, ?, ?)`,
			payment.ID.String(), line.LineID.String(), line.Amount.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert payment line: %w", err)
		}
	}
	return nil
}

func (u *unitOfWork) SaveAssignment(ctx context.Context, assignment *billing.CreditAssignment) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO credit_assignments
		(id, invoice_id, credit_id, payment_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		assignment.ID.String(), assignment.InvoiceID.String(),
		assignment.CreditID.String(), assignment.PaymentID.String(),
		assignment.Amount.String(), assignment.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert credit assignment: %w", err)
	}
	return nil
}

// =============================================================================
// DOCUMENT SCANNING
// =============================================================================

const documentSelect = `
	SELECT id, regie_slug, kind, draft, label, origin, number, formatted_number,
	       payer_external_id, payer_json, total_amount, paid_amount, assigned_amount,
	       date_due, date_publication, date_payment_deadline,
	       date_payment_deadline_displayed, date_invoicing,
	       form_url, payment_callback_url, cancel_callback_url,
	       usable, created_at, cancelled_at
	FROM documents`

func (u *unitOfWork) queryDocuments(ctx context.Context, query string, args ...any) ([]*billing.Document, error) {
	rows, err := u.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*billing.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, doc := range docs {
		if err := u.loadLines(ctx, doc); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func scanDocument(rows *sql.Rows) (*billing.Document, error) {
	var (
		doc                   billing.Document
		id                    string
		payerJSON             string
		total, paid, assigned string
		due, publication      string
		deadline              string
		deadlineDisplayed     sql.NullString
		invoicing             sql.NullString
		createdAt             string
		cancelledAt           sql.NullString
	)

	err := rows.Scan(&id, &doc.RegieSlug, &doc.Kind, &doc.Draft, &doc.Label, &doc.Origin,
		&doc.Number, &doc.FormattedNumber,
		&doc.PayerExternalID, &payerJSON, &total, &paid, &assigned,
		&due, &publication, &deadline, &deadlineDisplayed, &invoicing,
		&doc.FormURL, &doc.PaymentCallbackURL, &doc.CancelCallbackURL,
		&doc.Usable, &createdAt, &cancelledAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	doc.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document id: %w", err)
	}
	json.Unmarshal([]byte(payerJSON), &doc.Payer)
	doc.TotalAmount, _ = decimal.NewFromString(total)
	doc.PaidAmount, _ = decimal.NewFromString(paid)
	doc.AssignedAmount, _ = decimal.NewFromString(assigned)
	doc.Dates.Due, _ = time.Parse(time.RFC3339, due)
	doc.Dates.Publication, _ = time.Parse(time.RFC3339, publication)
	doc.Dates.PaymentDeadline, _ = time.Parse(time.RFC3339, deadline)
	doc.Dates.PaymentDeadlineDisplayed = parseNullTime(deadlineDisplayed)
	doc.Dates.Invoicing = parseNullTime(invoicing)
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	doc.CancelledAt = parseNullTime(cancelledAt)

	return &doc, nil
}

func (u *unitOfWork) loadLines(ctx context.Context, doc *billing.Document) error {
	rows, err := u.tx.QueryContext(ctx, `
		SELECT id, event_date, slug, label, event_label, agenda_slug,
		       activity_label, description, accounting_code,
		       quantity, unit_amount, details_json,
		       user_external_id, user_first_name, user_last_name, form_url, paid_amount
		FROM document_lines
		WHERE document_id = ?
		ORDER BY position ASC`,
		doc.ID.String())
	if err != nil {
		return fmt.Errorf("failed to query document lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			line                 billing.LedgerLine
			id                   string
			eventDate            string
			quantity, unitAmount string
			detailsJSON          string
			paidAmount           string
		)
		err := rows.Scan(&id, &eventDate, &line.Slug, &line.Label, &line.EventLabel,
			&line.AgendaSlug, &line.ActivityLabel, &line.Description, &line.AccountingCode,
			&quantity, &unitAmount, &detailsJSON,
			&line.UserExternalID, &line.UserFirstName, &line.UserLastName, &line.FormURL,
			&paidAmount)
		if err != nil {
			return fmt.Errorf("failed to scan document line: %w", err)
		}

		line.ID, err = uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("failed to parse line id: %w", err)
		}
		line.EventDate, _ = time.Parse(billing.ISODate, eventDate)
		line.Quantity, _ = decimal.NewFromString(quantity)
		line.UnitAmount, _ = decimal.NewFromString(unitAmount)
		line.PaidAmount, _ = decimal.NewFromString(paidAmount)
		json.Unmarshal([]byte(detailsJSON), &line.Details)

		doc.Lines = append(doc.Lines, line)
	}
	return rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
