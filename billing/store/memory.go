// Package store provides billing.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meridian/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.Store with plain maps. RunInTx snapshots the
// whole state and restores it on error, giving the same all-or-nothing
// behavior as the persistent stores.
type Memory struct {
	mu          sync.RWMutex
	regies      map[string]*billing.Regie
	agendas     map[string]billing.Agenda
	documents   map[uuid.UUID]*billing.Document
	payments    map[uuid.UUID]*billing.Payment
	assignments map[uuid.UUID]*billing.CreditAssignment
	counters    map[counterKey]int
}

type counterKey struct {
	Regie string
	Kind  billing.CounterKind
	Name  string
}

func NewMemory() *Memory {
	return &Memory{
		regies:      make(map[string]*billing.Regie),
		agendas:     make(map[string]billing.Agenda),
		documents:   make(map[uuid.UUID]*billing.Document),
		payments:    make(map[uuid.UUID]*billing.Payment),
		assignments: make(map[uuid.UUID]*billing.CreditAssignment),
		counters:    make(map[counterKey]int),
	}
}

// =============================================================================
// SEEDING - Dev/test setup
// =============================================================================

func (m *Memory) AddRegie(regie *billing.Regie) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if regie.ID == 0 {
		regie.ID = int64(len(m.regies) + 1)
	}
	m.regies[regie.Slug] = regie
}

func (m *Memory) AddAgenda(agenda billing.Agenda) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agendas[agenda.Slug] = agenda
}

// AddDocument seeds a committed or draft document directly, bypassing
// the unit of work. Test helper.
func (m *Memory) AddDocument(doc *billing.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	m.documents[doc.ID] = cloneDocument(doc)
}

// Document returns a copy of a stored document. Test helper.
func (m *Memory) Document(id uuid.UUID) (*billing.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, false
	}
	return cloneDocument(doc), true
}

// Payments returns all recorded payments, oldest first. Test helper.
func (m *Memory) Payments() []*billing.Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*billing.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FormattedNumber < out[j].FormattedNumber })
	return out
}

// Assignments returns all recorded credit assignments. Test helper.
func (m *Memory) Assignments() []*billing.CreditAssignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*billing.CreditAssignment, 0, len(m.assignments))
	for _, a := range m.assignments {
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// =============================================================================
// READ SIDE (billing.Store)
// =============================================================================

func (m *Memory) Regie(_ context.Context, slug string) (*billing.Regie, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	regie, ok := m.regies[slug]
	if !ok {
		return nil, billing.ErrRegieNotFound
	}
	copied := *regie
	return &copied, nil
}

func (m *Memory) Agendas(_ context.Context, regieSlug string, slugs []string) (map[string]billing.Agenda, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]billing.Agenda)
	for _, slug := range slugs {
		agenda, ok := m.agendas[slug]
		if ok && agenda.RegieSlug == regieSlug {
			out[slug] = agenda
		}
	}
	return out, nil
}

func (m *Memory) ExistingLines(_ context.Context, q billing.HistoryQuery) (billing.History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	occurrences := make(map[string]bool, len(q.Occurrences))
	for _, key := range q.Occurrences {
		occurrences[key] = true
	}

	var lines []billing.CommittedLine
	for _, doc := range m.documents {
		if doc.RegieSlug != q.RegieSlug || doc.Draft || doc.CancelledAt != nil {
			continue
		}
		for _, line := range doc.Lines {
			if line.UserExternalID != q.UserExternalID || !occurrences[line.Slug] {
				continue
			}
			if line.TotalAmount().IsZero() {
				continue
			}
			lines = append(lines, billing.CommittedLine{
				Slug:              line.Slug,
				Dates:             line.Details.Dates,
				UnitAmount:        line.UnitAmount,
				TotalAmount:       line.TotalAmount(),
				PayerExternalID:   doc.PayerExternalID,
				DocumentKind:      doc.Kind,
				DocumentNumber:    doc.FormattedNumber,
				DocumentCreatedAt: doc.CreatedAt,
				Adjustment:        line.Details.Adjustment,
			})
		}
	}
	return billing.BuildHistory(lines, q.DateMin, q.DateMax), nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (m *Memory) RunInTx(_ context.Context, fn func(billing.UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&memoryTx{store: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	documents   map[uuid.UUID]*billing.Document
	payments    map[uuid.UUID]*billing.Payment
	assignments map[uuid.UUID]*billing.CreditAssignment
	counters    map[counterKey]int
}

func (m *Memory) snapshot() memorySnapshot {
	snap := memorySnapshot{
		documents:   make(map[uuid.UUID]*billing.Document, len(m.documents)),
		payments:    make(map[uuid.UUID]*billing.Payment, len(m.payments)),
		assignments: make(map[uuid.UUID]*billing.CreditAssignment, len(m.assignments)),
		counters:    make(map[counterKey]int, len(m.counters)),
	}
	for id, doc := range m.documents {
		snap.documents[id] = cloneDocument(doc)
	}
	for id, p := range m.payments {
		snap.payments[id] = clonePayment(p)
	}
	for id, a := range m.assignments {
		copied := *a
		snap.assignments[id] = &copied
	}
	for key, n := range m.counters {
		snap.counters[key] = n
	}
	return snap
}

func (m *Memory) restore(snap memorySnapshot) {
	m.documents = snap.documents
	m.payments = snap.payments
	m.assignments = snap.assignments
	m.counters = snap.counters
}

// memoryTx performs writes directly; rollback restores the snapshot
// taken in RunInTx. The store lock is held for the whole transaction.
type memoryTx struct {
	store *Memory
}

func (tx *memoryTx) NextNumber(_ context.Context, regie *billing.Regie, kind billing.CounterKind, at time.Time) (int, error) {
	key := counterKey{Regie: regie.Slug, Kind: kind, Name: regie.CounterName(at)}
	tx.store.counters[key]++
	return tx.store.counters[key], nil
}

func (tx *memoryTx) SaveDocument(_ context.Context, doc *billing.Document) error {
	tx.store.documents[doc.ID] = cloneDocument(doc)
	return nil
}

func (tx *memoryTx) UpdateDocumentAmounts(_ context.Context, doc *billing.Document) error {
	stored, ok := tx.store.documents[doc.ID]
	if !ok {
		return billing.ErrDocumentNotFound
	}
	stored.PaidAmount = doc.PaidAmount
	stored.AssignedAmount = doc.AssignedAmount
	paid := make(map[uuid.UUID]billing.LedgerLine, len(doc.Lines))
	for _, line := range doc.Lines {
		paid[line.ID] = line
	}
	for i := range stored.Lines {
		if line, ok := paid[stored.Lines[i].ID]; ok {
			stored.Lines[i].PaidAmount = line.PaidAmount
		}
	}
	return nil
}

func (tx *memoryTx) UsableCredits(_ context.Context, regieSlug, payerExternalID string) ([]*billing.Document, error) {
	var out []*billing.Document
	for _, doc := range tx.store.documents {
		if doc.RegieSlug != regieSlug || doc.PayerExternalID != payerExternalID {
			continue
		}
		if !doc.UsableCredit() {
			continue
		}
		out = append(out, cloneDocument(doc))
	}
	sortDocuments(out)
	return out, nil
}

func (tx *memoryTx) OpenInvoices(_ context.Context, regieSlug, payerExternalID string, dueOnOrAfter time.Time) ([]*billing.Document, error) {
	var out []*billing.Document
	for _, doc := range tx.store.documents {
		if doc.RegieSlug != regieSlug || doc.PayerExternalID != payerExternalID {
			continue
		}
		if doc.Kind != billing.KindInvoice || doc.Draft || doc.CancelledAt != nil {
			continue
		}
		if doc.Dates.Due.Before(dueOnOrAfter) || !doc.RemainingAmount().IsPositive() {
			continue
		}
		out = append(out, cloneDocument(doc))
	}
	sortDocuments(out)
	return out, nil
}

func (tx *memoryTx) SavePayment(_ context.Context, payment *billing.Payment) error {
	tx.store.payments[payment.ID] = clonePayment(payment)
	return nil
}

func (tx *memoryTx) SaveAssignment(_ context.Context, assignment *billing.CreditAssignment) error {
	copied := *assignment
	tx.store.assignments[assignment.ID] = &copied
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// sortDocuments orders oldest created first, formatted number as
// tie-break. This ordering is part of the allocation contract.
func sortDocuments(docs []*billing.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].FormattedNumber < docs[j].FormattedNumber
	})
}

func cloneDocument(doc *billing.Document) *billing.Document {
	copied := *doc
	copied.Lines = append([]billing.LedgerLine(nil), doc.Lines...)
	for i := range copied.Lines {
		details := copied.Lines[i].Details
		copied.Lines[i].Details.Dates = append([]string(nil), details.Dates...)
		if details.Adjustment != nil {
			adjustment := &billing.Adjustment{
				Reason: details.Adjustment.Reason,
				Refs:   make(map[string]billing.AdjustmentRef, len(details.Adjustment.Refs)),
			}
			for date, ref := range details.Adjustment.Refs {
				adjustment.Refs[date] = ref
			}
			copied.Lines[i].Details.Adjustment = adjustment
		}
	}
	return &copied
}

func clonePayment(payment *billing.Payment) *billing.Payment {
	copied := *payment
	copied.Lines = append([]billing.LinePayment(nil), payment.Lines...)
	return &copied
}
