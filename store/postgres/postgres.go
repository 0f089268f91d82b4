/*
Package postgres provides a PostgreSQL-backed implementation of the
billing storage interfaces using pgx.

PURPOSE:
  Production variant of store/sqlite. Same tables, same unit of work,
  but concurrency control moves from a process-wide mutex to database
  row locks: UsableCredits and OpenInvoices take SELECT ... FOR UPDATE
  inside the transaction, so two requests allocating the same payer's
  credits serialize on the rows instead of the process.

COUNTERS:
  NextNumber uses INSERT ... ON CONFLICT DO UPDATE ... RETURNING, which
  atomically advances the per regie/kind/bucket sequence and locks the
  counter row until commit. Numbers are therefore gapless per committed
  transaction.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - store/sqlite/sqlite.go: SQLite implementation
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian/billing-engine/billing"
)

// Store implements the billing storage interfaces on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS regies (
		id BIGSERIAL PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL,
		invoice_number_format TEXT NOT NULL DEFAULT '',
		credit_number_format TEXT NOT NULL DEFAULT '',
		payment_number_format TEXT NOT NULL DEFAULT '',
		assign_credits_on_creation BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS agendas (
		slug TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		regie_slug TEXT NOT NULL REFERENCES regies(slug),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_agendas_regie ON agendas(regie_slug);

	CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		regie_slug TEXT NOT NULL REFERENCES regies(slug),
		kind TEXT NOT NULL,
		draft BOOLEAN NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		number INTEGER NOT NULL DEFAULT 0,
		formatted_number TEXT NOT NULL DEFAULT '',
		payer_external_id TEXT NOT NULL,
		payer_json JSONB NOT NULL DEFAULT '{}',
		total_amount NUMERIC NOT NULL,
		paid_amount NUMERIC NOT NULL DEFAULT 0,
		assigned_amount NUMERIC NOT NULL DEFAULT 0,
		date_due TIMESTAMPTZ NOT NULL,
		date_publication TIMESTAMPTZ NOT NULL,
		date_payment_deadline TIMESTAMPTZ NOT NULL,
		date_payment_deadline_displayed TIMESTAMPTZ,
		date_invoicing TIMESTAMPTZ,
		form_url TEXT NOT NULL DEFAULT '',
		payment_callback_url TEXT NOT NULL DEFAULT '',
		cancel_callback_url TEXT NOT NULL DEFAULT '',
		usable BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		cancelled_at TIMESTAMPTZ
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_number
		ON documents(regie_slug, formatted_number) WHERE formatted_number != '';

	CREATE INDEX IF NOT EXISTS idx_documents_regie_payer
		ON documents(regie_slug, payer_external_id, kind);

	CREATE TABLE IF NOT EXISTS document_lines (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id),
		position INTEGER NOT NULL,
		event_date DATE NOT NULL,
		slug TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		event_label TEXT NOT NULL DEFAULT '',
		agenda_slug TEXT NOT NULL DEFAULT '',
		activity_label TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		accounting_code TEXT NOT NULL DEFAULT '',
		quantity NUMERIC NOT NULL,
		unit_amount NUMERIC NOT NULL,
		details_json JSONB NOT NULL DEFAULT '{}',
		user_external_id TEXT NOT NULL DEFAULT '',
		user_first_name TEXT NOT NULL DEFAULT '',
		user_last_name TEXT NOT NULL DEFAULT '',
		form_url TEXT NOT NULL DEFAULT '',
		paid_amount NUMERIC NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_lines_document ON document_lines(document_id);
	CREATE INDEX IF NOT EXISTS idx_lines_user_slug
		ON document_lines(user_external_id, slug);

	CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		regie_slug TEXT NOT NULL REFERENCES regies(slug),
		kind TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		number INTEGER NOT NULL,
		formatted_number TEXT NOT NULL,
		payer_external_id TEXT NOT NULL,
		invoice_id UUID NOT NULL REFERENCES documents(id),
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_lines (
		payment_id UUID NOT NULL REFERENCES payments(id),
		line_id UUID NOT NULL REFERENCES document_lines(id),
		amount NUMERIC NOT NULL,
		PRIMARY KEY (payment_id, line_id)
	);

	CREATE TABLE IF NOT EXISTS credit_assignments (
		id UUID PRIMARY KEY,
		invoice_id UUID NOT NULL REFERENCES documents(id),
		credit_id UUID NOT NULL REFERENCES documents(id),
		payment_id UUID NOT NULL REFERENCES payments(id),
		amount NUMERIC NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
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

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// REGIE AND AGENDA
// =============================================================================

// SaveRegie inserts or updates a regie, filling in the database id.
func (s *Store) SaveRegie(ctx context.Context, regie *billing.Regie) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO regies (slug, label, invoice_number_format, credit_number_format,
			payment_number_format, assign_credits_on_creation)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO UPDATE SET
			label = excluded.label,
			invoice_number_format = excluded.invoice_number_format,
			credit_number_format = excluded.credit_number_format,
			payment_number_format = excluded.payment_number_format,
			assign_credits_on_creation = excluded.assign_credits_on_creation
		RETURNING id`,
		regie.Slug, regie.Label,
		regie.InvoiceNumberFormat, regie.CreditNumberFormat, regie.PaymentNumberFormat,
		regie.AssignCreditsOnCreation,
	).Scan(&regie.ID)
}

// SaveAgenda inserts or updates an agenda.
func (s *Store) SaveAgenda(ctx context.Context, agenda billing.Agenda) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agendas (slug, label, regie_slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO UPDATE SET
			label = excluded.label,
			regie_slug = excluded.regie_slug`,
		agenda.Slug, agenda.Label, agenda.RegieSlug,
	)
	return err
}

func (s *Store) Regie(ctx context.Context, slug string) (*billing.Regie, error) {
	var regie billing.Regie
	err := s.pool.QueryRow(ctx, `
		SELECT id, slug, label, invoice_number_format, credit_number_format,
		       payment_number_format, assign_credits_on_creation
		FROM regies WHERE slug = $1`, slug,
	).Scan(&regie.ID, &regie.Slug, &regie.Label,
		&regie.InvoiceNumberFormat, &regie.CreditNumberFormat, &regie.PaymentNumberFormat,
		&regie.AssignCreditsOnCreation)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrRegieNotFound
	}
	if err != nil {
		return nil, err
	}
	return &regie, nil
}

func (s *Store) Agendas(ctx context.Context, regieSlug string, slugs []string) (map[string]billing.Agenda, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT slug, label, regie_slug FROM agendas
		WHERE regie_slug = $1 AND slug = ANY($2)`,
		regieSlug, slugs)
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

func (s *Store) ExistingLines(ctx context.Context, q billing.HistoryQuery) (billing.History, error) {
	if len(q.Occurrences) == 0 {
		return billing.History{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT l.slug, l.unit_amount, l.quantity, l.details_json,
		       d.payer_external_id, d.kind, d.formatted_number, d.created_at
		FROM document_lines l
		JOIN documents d ON d.id = l.document_id
		WHERE d.regie_slug = $1 AND d.draft = FALSE AND d.cancelled_at IS NULL
		  AND l.user_external_id = $2 AND l.slug = ANY($3)
		ORDER BY d.created_at ASC`,
		q.RegieSlug, q.UserExternalID, q.Occurrences)
	if err != nil {
		return nil, fmt.Errorf("failed to query history lines: %w", err)
	}
	defer rows.Close()

	var lines []billing.CommittedLine
	for rows.Next() {
		var (
			line        billing.CommittedLine
			quantity    decimal.Decimal
			detailsJSON []byte
		)
		if err := rows.Scan(&line.Slug, &line.UnitAmount, &quantity, &detailsJSON,
			&line.PayerExternalID, &line.DocumentKind, &line.DocumentNumber,
			&line.DocumentCreatedAt); err != nil {
			return nil, err
		}

		line.TotalAmount = quantity.Mul(line.UnitAmount)
		var details billing.LineDetails
		if err := json.Unmarshal(detailsJSON, &details); err == nil {
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

func (s *Store) RunInTx(ctx context.Context, fn func(billing.UnitOfWork) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&unitOfWork{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type unitOfWork struct {
	tx pgx.Tx
}

func (u *unitOfWork) NextNumber(ctx context.Context, regie *billing.Regie, kind billing.CounterKind, at time.Time) (int, error) {
	var value int
	err := u.tx.QueryRow(ctx, `
		INSERT INTO counters (regie_slug, kind, name, value)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (regie_slug, kind, name) DO UPDATE SET value = counters.value + 1
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

	_, err := u.tx.Exec(ctx, `
		INSERT INTO documents
		(id, regie_slug, kind, draft, label, origin, number, formatted_number,
		 payer_external_id, payer_json, total_amount, paid_amount, assigned_amount,
		 date_due, date_publication, date_payment_deadline,
		 date_payment_deadline_displayed, date_invoicing,
		 form_url, payment_callback_url, cancel_callback_url,
		 usable, created_at, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		doc.ID, doc.RegieSlug, string(doc.Kind), doc.Draft, doc.Label, doc.Origin,
		doc.Number, doc.FormattedNumber,
		doc.PayerExternalID, payerJSON,
		doc.TotalAmount, doc.PaidAmount, doc.AssignedAmount,
		doc.Dates.Due, doc.Dates.Publication, doc.Dates.PaymentDeadline,
		doc.Dates.PaymentDeadlineDisplayed, doc.Dates.Invoicing,
		doc.FormURL, doc.PaymentCallbackURL, doc.CancelCallbackURL,
		doc.Usable, doc.CreatedAt, doc.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	for position, line := range doc.Lines {
		detailsJSON, _ := json.Marshal(line.Details)
		_, err := u.tx.Exec(ctx, `
			INSERT INTO document_lines
			(id, document_id, position, event_date, slug, label, event_label,
			 agenda_slug, activity_label, description, accounting_code,
			 quantity, unit_amount, details_json,
			 user_external_id, user_first_name, user_last_name, form_url, paid_amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			        $15, $16, $17, $18, $19)`,
			line.ID, doc.ID, position,
			line.EventDate, line.Slug, line.Label, line.EventLabel,
			line.AgendaSlug, line.ActivityLabel, line.Description, line.AccountingCode,
			line.Quantity, line.UnitAmount, detailsJSON,
			line.UserExternalID, line.UserFirstName, line.UserLastName, line.FormURL,
			line.PaidAmount,
		)
		if err != nil {
			return fmt.Errorf("failed to insert document line: %w", err)
		}
	}
	return nil
}

func (u *unitOfWork) UpdateDocumentAmounts(ctx context.Context, doc *billing.Document) error {
	tag, err := u.tx.Exec(ctx, `
		UPDATE documents SET paid_amount = $1, assigned_amount = $2
		WHERE id = $3`,
		doc.PaidAmount, doc.AssignedAmount, doc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document amounts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrDocumentNotFound
	}

	for _, line := range doc.Lines {
		_, err := u.tx.Exec(ctx, `
			UPDATE document_lines SET paid_amount = $1 WHERE id = $2`,
			line.PaidAmount, line.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update line amounts: %w", err)
		}
	}
	return nil
}

func (u *unitOfWork) UsableCredits(ctx context.Context, regieSlug, payerExternalID string) ([]*billing.Document, error) {
	// Lock the candidate credits until commit so concurrent allocations
	// cannot spend the same balance twice.
	query := documentSelect + `
		WHERE regie_slug = $1 AND payer_external_id = $2 AND kind = $3
		  AND draft = FALSE AND usable = TRUE AND cancelled_at IS NULL
		  AND total_amount > assigned_amount
		ORDER BY created_at ASC, formatted_number ASC
		FOR UPDATE`

	return u.queryDocuments(ctx, query, regieSlug, payerExternalID, string(billing.KindCredit))
}

func (u *unitOfWork) OpenInvoices(ctx context.Context, regieSlug, payerExternalID string, dueOnOrAfter time.Time) ([]*billing.Document, error) {
	query := documentSelect + `
		WHERE regie_slug = $1 AND payer_external_id = $2 AND kind = $3
		  AND draft = FALSE AND cancelled_at IS NULL
		  AND date_due >= $4
		  AND total_amount > paid_amount
		ORDER BY created_at ASC, formatted_number ASC
		FOR UPDATE`

	return u.queryDocuments(ctx, query,
		regieSlug, payerExternalID, string(billing.KindInvoice), dueOnOrAfter)
}

func (u *unitOfWork) SavePayment(ctx context.Context, payment *billing.Payment) error {
	_, err := u.tx.Exec(ctx, `
		INSERT INTO payments
		(id, regie_slug, kind, amount, number, formatted_number,
		 payer_external_id, invoice_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		payment.ID, payment.RegieSlug, string(payment.Kind),
		payment.Amount, payment.Number, payment.FormattedNumber,
		payment.PayerExternalID, payment.InvoiceID, payment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	for _, line := range payment.Lines {
		_, err := u.tx.Exec(ctx, `
			INSERT INTO payment_lines (payment_id, line_id, amount)
			VALUES ($1, $2, $3)`,
			payment.ID, line.LineID, line.Amount,
		)
		if err != nil {
			return fmt.Errorf("failed to insert payment line: %w", err)
		}
	}
	return nil
}

func (u *unitOfWork) SaveAssignment(ctx context.Context, assignment *billing.CreditAssignment) error {
	_, err := u.tx.Exec(ctx, `
		INSERT INTO credit_assignments
		(id, invoice_id, credit_id, payment_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		assignment.ID, assignment.InvoiceID, assignment.CreditID,
		assignment.PaymentID, assignment.Amount, assignment.CreatedAt,
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
	rows, err := u.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*billing.Document
	for rows.Next() {
		var (
			doc       billing.Document
			payerJSON []byte
		)
		err := rows.Scan(&doc.ID, &doc.RegieSlug, &doc.Kind, &doc.Draft, &doc.Label, &doc.Origin,
			&doc.Number, &doc.FormattedNumber,
			&doc.PayerExternalID, &payerJSON,
			&doc.TotalAmount, &doc.PaidAmount, &doc.AssignedAmount,
			&doc.Dates.Due, &doc.Dates.Publication, &doc.Dates.PaymentDeadline,
			&doc.Dates.PaymentDeadlineDisplayed, &doc.Dates.Invoicing,
			&doc.FormURL, &doc.PaymentCallbackURL, &doc.CancelCallbackURL,
			&doc.Usable, &doc.CreatedAt, &doc.CancelledAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		json.Unmarshal(payerJSON, &doc.Payer)
		docs = append(docs, &doc)
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

func (u *unitOfWork) loadLines(ctx context.Context, doc *billing.Document) error {
	rows, err := u.tx.Query(ctx, `
		SELECT id, event_date, slug, label, event_label, agenda_slug,
		       activity_label, description, accounting_code,
		       quantity, unit_amount, details_json,
		       user_external_id, user_first_name, user_last_name, form_url, paid_amount
		FROM document_lines
		WHERE document_id = $1
		ORDER BY position ASC`,
		doc.ID)
	if err != nil {
		return fmt.Errorf("failed to query document lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			line        billing.LedgerLine
			detailsJSON []byte
		)
		err := rows.Scan(&line.ID, &line.EventDate, &line.Slug, &line.Label, &line.EventLabel,
			&line.AgendaSlug, &line.ActivityLabel, &line.Description, &line.AccountingCode,
			&line.Quantity, &line.UnitAmount, &detailsJSON,
			&line.UserExternalID, &line.UserFirstName, &line.UserLastName, &line.FormURL,
			&line.PaidAmount)
		if err != nil {
			return fmt.Errorf("failed to scan document line: %w", err)
		}
		json.Unmarshal(detailsJSON, &line.Details)
		doc.Lines = append(doc.Lines, line)
	}
	return rows.Err()
}
