// Package ratelimit enforces a cooldown between successive OTP issuances
// to the same recipient.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Record is the issuance history of one recipient.
type Record struct {
	Recipient    string    `json:"recipient"`
	LastIssuedAt time.Time `json:"last_issued_at"`
	Count        int64     `json:"count"`
}

// Limiter checks and records issuance requests per recipient.
type Limiter interface {
	// Allow atomically checks whether recipient is out of its cooldown at
	// now and, if it is, records now as the last issuance. When denied it
	// returns the time left until the cooldown ends and records nothing.
	Allow(ctx context.Context, recipient string, cooldown time.Duration, now time.Time) (bool, time.Duration, error)

	// Get returns the record for a recipient. ok is false if the recipient
	// has never been seen.
	Get(ctx context.Context, recipient string) (Record, bool, error)

	// Len returns the number of recipients tracked.
	Len(ctx context.Context) (int, error)
}

// check is the cooldown rule shared by every Limiter.
func check(last, now time.Time, cooldown time.Duration) (bool, time.Duration) {
	if last.IsZero() {
		return true, 0
	}
	if elapsed := now.Sub(last); elapsed < cooldown {
		return false, cooldown - elapsed
	}
	return true, 0
}

// Mem is an in-memory Limiter. Records are never evicted; memory grows
// with the number of distinct recipients.
type Mem struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMem returns an empty in-memory limiter.
func NewMem() *Mem {
	return &Mem{recs: make(map[string]Record)}
}

// Allow implements Limiter.
func (m *Mem) Allow(_ context.Context, recipient string, cooldown time.Duration, now time.Time) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.recs[recipient]
	ok, wait := check(r.LastIssuedAt, now, cooldown)
	if !ok {
		return false, wait, nil
	}

	m.recs[recipient] = Record{
		Recipient:    recipient,
		LastIssuedAt: now,
		Count:        r.Count + 1,
	}
	return true, 0, nil
}

// Get implements Limiter.
func (m *Mem) Get(_ context.Context, recipient string) (Record, bool, error) {
	m.mu.Lock()
	r, ok := m.recs[recipient]
	m.mu.Unlock()
	return r, ok, nil
}

// Len implements Limiter.
func (m *Mem) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}
