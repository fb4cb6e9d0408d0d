package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process ledger.
type Memory struct {
	mu      sync.Mutex
	records map[string]SettlementRecord
	order   []string // fingerprints in insertion order
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]SettlementRecord)}
}

// Reserve checks and holds h under the ledger lock.
func (m *Memory) Reserve(_ context.Context, h Hold) (Reservation, error) {
	if err := h.Validate(); err != nil {
		return Reservation{}, invalid("ledger.memory.Reserve", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[h.Fingerprint]; ok {
		return Reservation{Verdict: Duplicate, Existing: &rec}, nil
	}
	res := h.Limits.decide(h.Amount,
		m.rateStateLocked(h.AuditorID, h.Limits.Window, h.At),
		m.paidSinceLocked(h.Limits.DayStart), h.At)
	if res.Verdict != Reserved {
		return res, nil
	}
	m.records[h.Fingerprint] = h.record(res.Amount)
	m.order = append(m.order, h.Fingerprint)
	return res, nil
}

// Commit marks the pending record paid.
func (m *Memory) Commit(_ context.Context, h Hold, payoutRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[h.Fingerprint]
	if !ok || !rec.Pending() {
		return notPending("ledger.memory.Commit", h.Fingerprint)
	}
	rec.Status = StatusPaid
	rec.PayoutRef = payoutRef
	m.records[h.Fingerprint] = rec
	return nil
}

// Release drops the pending record.
func (m *Memory) Release(_ context.Context, h Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[h.Fingerprint]
	if !ok || !rec.Pending() {
		return nil
	}
	delete(m.records, h.Fingerprint)
	for i, fp := range m.order {
		if fp == h.Fingerprint {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the record for fingerprint.
func (m *Memory) Get(_ context.Context, fingerprint string) (*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[fingerprint]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) rateStateLocked(auditorID string, window time.Duration, now time.Time) RateState {
	st := RateState{WindowStart: now.Add(-window)}
	for _, fp := range m.order {
		rec := m.records[fp]
		if rec.AuditorID != auditorID {
			continue
		}
		if rec.PaidAt.After(st.WindowStart) && !rec.PaidAt.After(now) {
			st.CountInWindow++
		}
		if st.LastPayoutAt == nil || rec.PaidAt.After(*st.LastPayoutAt) {
			t := rec.PaidAt
			st.LastPayoutAt = &t
		}
	}
	return st
}

func (m *Memory) paidSinceLocked(dayStart time.Time) int64 {
	var total int64
	for _, rec := range m.records {
		if !rec.PaidAt.Before(dayStart) {
			total += rec.BountyAmount
		}
	}
	return total
}

// Len returns the number of records, pending ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
