// Package store persists the invoice ledger: invoices, buyers, communication
// records, notices, disputes and the event outbox. Every invoice write is a
// compare-and-swap on the invoice version, and the events a transition
// produces are written in the same atomic step.
package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/pkg/domain"
	"dunning/pkg/platform/sentinel"
)

type commKey struct {
	invoiceID domain.InvoiceID
	stage     models.Stage
	channel   models.Channel
}

// InMemory is a process-local ledger for tests and single-node development.
// mu guards the maps and tx serialises RunInTx; invoice isolation still
// comes from the version check in CompareAndSwap.
type InMemory struct {
	tx             sync.Mutex
	mu             sync.RWMutex
	invoices       map[domain.InvoiceID]*models.Invoice
	buyers         map[domain.BuyerID]*models.Buyer
	communications map[commKey]*models.CommunicationRecord
	notices        map[domain.NoticeID]*models.LegalNotice
	disputes       map[domain.DisputeID]*models.DisputeSubmission
	outbox         []*events.Envelope
}

func NewInMemory() *InMemory {
	return &InMemory{
		invoices:       make(map[domain.InvoiceID]*models.Invoice),
		buyers:         make(map[domain.BuyerID]*models.Buyer),
		communications: make(map[commKey]*models.CommunicationRecord),
		notices:        make(map[domain.NoticeID]*models.LegalNotice),
		disputes:       make(map[domain.DisputeID]*models.DisputeSubmission),
	}
}

type txKey struct{}

// RunInTx runs fn against a snapshot of the ledger and restores it if fn
// fails, matching the Postgres store. Transactions are serialised; a nested
// call joins the outer one.
func (s *InMemory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) == s {
		return fn(ctx)
	}
	s.tx.Lock()
	defer s.tx.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	invoices       map[domain.InvoiceID]*models.Invoice
	buyers         map[domain.BuyerID]*models.Buyer
	communications map[commKey]*models.CommunicationRecord
	notices        map[domain.NoticeID]*models.LegalNotice
	disputes       map[domain.DisputeID]*models.DisputeSubmission
	outbox         []*events.Envelope
}

func (s *InMemory) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := memorySnapshot{
		invoices:       cloneMap(s.invoices, (*models.Invoice).Clone),
		buyers:         cloneMap(s.buyers, (*models.Buyer).Clone),
		communications: cloneMap(s.communications, (*models.CommunicationRecord).Clone),
		notices:        cloneMap(s.notices, (*models.LegalNotice).Clone),
		disputes:       cloneMap(s.disputes, (*models.DisputeSubmission).Clone),
		outbox:         make([]*events.Envelope, len(s.outbox)),
	}
	for i, env := range s.outbox {
		c := *env
		snap.outbox[i] = &c
	}
	return snap
}

func (s *InMemory) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices = snap.invoices
	s.buyers = snap.buyers
	s.communications = snap.communications
	s.notices = snap.notices
	s.disputes = snap.disputes
	s.outbox = snap.outbox
}

func cloneMap[K comparable, V any](m map[K]V, clone func(V) V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = clone(v)
	}
	return out
}

// =============================================================================
// Invoices
// =============================================================================

func (s *InMemory) CreateInvoice(_ context.Context, inv *models.Invoice, evts ...events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[inv.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	for _, existing := range s.invoices {
		if !existing.Anonymized && existing.RetailerID == inv.RetailerID &&
			strings.EqualFold(existing.Number, inv.Number) {
			return sentinel.ErrAlreadyUsed
		}
	}
	inv.Version = 1
	s.invoices[inv.ID] = inv.Clone()
	s.appendEvents(evts, inv.CreatedAt)
	return nil
}

func (s *InMemory) GetInvoice(_ context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return inv.Clone(), nil
}

// CompareAndSwap stores inv if the stored version still equals inv.Version,
// then bumps inv.Version and queues evts. A stale version yields
// sentinel.ErrVersionConflict and changes nothing.
func (s *InMemory) CompareAndSwap(_ context.Context, inv *models.Invoice, evts ...events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.invoices[inv.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != inv.Version {
		return sentinel.ErrVersionConflict
	}
	inv.Version++
	s.invoices[inv.ID] = inv.Clone()
	s.appendEvents(evts, inv.UpdatedAt)
	return nil
}

// ListSchedulable returns invoices a sweep must still evaluate.
func (s *InMemory) ListSchedulable(_ context.Context) ([]*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		if inv.IsSchedulable() {
			out = append(out, inv.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Invoice) int {
		if c := a.InvoiceDate.Compare(b.InvoiceDate); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

// =============================================================================
// Buyers
// =============================================================================

func (s *InMemory) CreateBuyer(_ context.Context, buyer *models.Buyer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.buyers {
		if existing.RegistryID == buyer.RegistryID {
			return sentinel.ErrAlreadyUsed
		}
	}
	s.buyers[buyer.ID] = buyer.Clone()
	return nil
}

func (s *InMemory) GetBuyer(_ context.Context, buyerID domain.BuyerID) (*models.Buyer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buyers[buyerID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return b.Clone(), nil
}

func (s *InMemory) GetBuyerByRegistryID(_ context.Context, registryID string) (*models.Buyer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	registryID = strings.ToUpper(strings.TrimSpace(registryID))
	for _, b := range s.buyers {
		if b.RegistryID == registryID {
			return b.Clone(), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) UpdateBuyerRisk(_ context.Context, buyerID domain.BuyerID, assessment models.RiskAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buyers[buyerID]
	if !ok {
		return sentinel.ErrNotFound
	}
	b.ApplyRisk(assessment, assessment.ComputedAt)
	return nil
}

// PaymentHistory projects every settled invoice of the buyer, across all
// retailers, down to due and payment dates.
func (s *InMemory) PaymentHistory(_ context.Context, buyerID domain.BuyerID) (models.PaymentHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.buyers[buyerID]; !ok {
		return models.PaymentHistory{}, sentinel.ErrNotFound
	}
	history := models.PaymentHistory{BuyerID: buyerID}
	for _, inv := range s.invoices {
		if inv.BuyerID != buyerID || !inv.IsPaid() || inv.PaidAt == nil {
			continue
		}
		paid := *inv.PaidAt
		history.Settlements = append(history.Settlements, models.Settlement{DueDate: inv.DueDate, PaidAt: &paid})
	}
	for _, d := range s.disputes {
		if d.Status != models.DisputeSubmitted {
			continue
		}
		if inv, ok := s.invoices[d.InvoiceID]; ok && inv.BuyerID == buyerID {
			history.Disputes++
		}
	}
	slices.SortFunc(history.Settlements, func(a, b models.Settlement) int {
		return a.DueDate.Compare(b.DueDate)
	})
	return history, nil
}

// =============================================================================
// Communications
// =============================================================================

func (s *InMemory) GetCommunication(_ context.Context, invoiceID domain.InvoiceID, stage models.Stage, channel models.Channel) (*models.CommunicationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.communications[commKey{invoiceID, stage, channel}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.Clone(), nil
}

// SaveCommunication inserts a record at version 0 and otherwise updates it
// only while the stored version still equals rec.Version. A second record
// for the same (invoice, stage, channel) is sentinel.ErrAlreadyUsed and a
// stale version is sentinel.ErrVersionConflict.
func (s *InMemory) SaveCommunication(_ context.Context, rec *models.CommunicationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := commKey{rec.InvoiceID, rec.Stage, rec.Channel}
	existing, ok := s.communications[key]
	switch {
	case ok && existing.ID != rec.ID:
		return sentinel.ErrAlreadyUsed
	case ok && existing.Version != rec.Version:
		return sentinel.ErrVersionConflict
	case !ok && rec.Version != 0:
		return sentinel.ErrNotFound
	}
	rec.Version++
	s.communications[key] = rec.Clone()
	return nil
}

func (s *InMemory) ListCommunications(_ context.Context, invoiceID domain.InvoiceID) ([]*models.CommunicationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.CommunicationRecord
	for key, rec := range s.communications {
		if key.invoiceID == invoiceID {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.CommunicationRecord) int {
		if a.Stage != b.Stage {
			return int(a.Stage) - int(b.Stage)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// =============================================================================
// Notices
// =============================================================================

func (s *InMemory) CreateNotice(_ context.Context, notice *models.LegalNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.notices {
		if existing.InvoiceID == notice.InvoiceID {
			return sentinel.ErrAlreadyUsed
		}
	}
	s.notices[notice.ID] = notice.Clone()
	return nil
}

func (s *InMemory) GetNotice(_ context.Context, noticeID domain.NoticeID) (*models.LegalNotice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notices[noticeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return n.Clone(), nil
}

func (s *InMemory) GetNoticeByInvoice(_ context.Context, invoiceID domain.InvoiceID) (*models.LegalNotice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.notices {
		if n.InvoiceID == invoiceID {
			return n.Clone(), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) SaveNotice(_ context.Context, notice *models.LegalNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notices[notice.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.notices[notice.ID] = notice.Clone()
	return nil
}

func (s *InMemory) ListPendingNotices(_ context.Context) ([]*models.LegalNotice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.LegalNotice
	for _, n := range s.notices {
		if n.Status == models.NoticePendingApproval {
			out = append(out, n.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.LegalNotice) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// =============================================================================
// Disputes
// =============================================================================

func (s *InMemory) CreateDispute(_ context.Context, dispute *models.DisputeSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.disputes {
		if existing.InvoiceID == dispute.InvoiceID {
			return sentinel.ErrAlreadyUsed
		}
	}
	s.disputes[dispute.ID] = dispute.Clone()
	return nil
}

func (s *InMemory) GetDispute(_ context.Context, disputeID domain.DisputeID) (*models.DisputeSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[disputeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *InMemory) GetDisputeByInvoice(_ context.Context, invoiceID domain.InvoiceID) (*models.DisputeSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disputes {
		if d.InvoiceID == invoiceID {
			return d.Clone(), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// SaveDispute updates a dispute; reference numbers must be unique.
func (s *InMemory) SaveDispute(_ context.Context, dispute *models.DisputeSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[dispute.ID]; !ok {
		return sentinel.ErrNotFound
	}
	if dispute.ReferenceNumber != "" {
		for _, other := range s.disputes {
			if other.ID != dispute.ID && other.ReferenceNumber == dispute.ReferenceNumber {
				return sentinel.ErrAlreadyUsed
			}
		}
	}
	s.disputes[dispute.ID] = dispute.Clone()
	return nil
}

// =============================================================================
// Outbox
// =============================================================================

// appendEvents must be called with s.mu held.
func (s *InMemory) appendEvents(evts []events.Event, at time.Time) {
	for _, evt := range evts {
		s.outbox = append(s.outbox, &events.Envelope{
			Event:         evt,
			Status:        events.StatusPending,
			NextAttemptAt: at,
		})
	}
}

// ClaimPending walks the outbox in insertion order. A pending event that is
// not yet due blocks every later event of its invoice.
func (s *InMemory) ClaimPending(_ context.Context, now time.Time, limit int, lease time.Duration) ([]events.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Envelope
	blocked := make(map[domain.InvoiceID]bool)
	for _, env := range s.outbox {
		if len(out) >= limit {
			break
		}
		if env.Status != events.StatusPending {
			continue
		}
		invoiceID := env.Event.InvoiceID
		if blocked[invoiceID] {
			continue
		}
		if env.NextAttemptAt.After(now) {
			blocked[invoiceID] = true
			continue
		}
		env.NextAttemptAt = now.Add(lease)
		out = append(out, *env)
	}
	return out, nil
}

func (s *InMemory) MarkProcessed(_ context.Context, eventID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := s.findEnvelope(eventID)
	if env == nil {
		return sentinel.ErrNotFound
	}
	env.Status = events.StatusProcessed
	env.ProcessedAt = &at
	env.Attempts++
	env.LastError = ""
	return nil
}

func (s *InMemory) MarkFailed(_ context.Context, eventID uuid.UUID, reason string, nextAttemptAt time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := s.findEnvelope(eventID)
	if env == nil {
		return sentinel.ErrNotFound
	}
	env.Attempts++
	env.LastError = reason
	env.NextAttemptAt = nextAttemptAt
	if dead {
		env.Status = events.StatusDead
	}
	return nil
}

func (s *InMemory) Release(_ context.Context, eventID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := s.findEnvelope(eventID)
	if env == nil {
		return sentinel.ErrNotFound
	}
	if env.Status == events.StatusPending {
		env.NextAttemptAt = at
	}
	return nil
}

func (s *InMemory) ListByInvoice(_ context.Context, invoiceID domain.InvoiceID) ([]events.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []events.Envelope
	for _, env := range s.outbox {
		if env.Event.InvoiceID == invoiceID {
			out = append(out, *env)
		}
	}
	return out, nil
}

func (s *InMemory) findEnvelope(eventID uuid.UUID) *events.Envelope {
	for _, env := range s.outbox {
		if env.Event.ID == eventID {
			return env
		}
	}
	return nil
}
