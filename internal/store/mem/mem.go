// Package mem implements an in-process Store. A single mutex guards the
// map, which makes every operation linearizable. Nothing survives a restart.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/jaayvee/otpgateway/internal/store"
	"github.com/jaayvee/otpgateway/pkg/models"
)

// Mem is an in-memory OTP store.
type Mem struct {
	mu   sync.Mutex
	otps map[string]models.OTP
}

// New returns an empty in-memory store.
func New() *Mem {
	return &Mem{
		otps: make(map[string]models.OTP),
	}
}

// Insert stores a new OTP.
func (m *Mem) Insert(_ context.Context, otp models.OTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.otps[otp.ID]; ok {
		return store.ErrExists
	}
	m.otps[otp.ID] = otp
	return nil
}

// Get retrieves an OTP.
func (m *Mem) Get(_ context.Context, id string) (models.OTP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.otps[id]
	if !ok {
		return models.OTP{}, store.ErrNotExist
	}
	return o, nil
}

// Update runs fn on a copy of the OTP under the store lock and applies
// the returned action.
func (m *Mem) Update(_ context.Context, id string, fn store.UpdateFunc) (models.OTP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.otps[id]
	if !ok {
		return models.OTP{}, store.ErrNotExist
	}

	switch fn(&o) {
	case store.Save:
		m.otps[id] = o
	case store.Delete:
		delete(m.otps, id)
	}
	return o, nil
}

// Delete deletes the OTP saved against a given ID. Deleting a
// non-existent ID is not an error.
func (m *Mem) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.otps, id)
	m.mu.Unlock()
	return nil
}

// Sweep removes OTPs that expired before now.
func (m *Mem) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, o := range m.otps {
		if o.Expired(now) {
			delete(m.otps, id)
			n++
		}
	}
	return n, nil
}

// Active counts OTPs that are still open.
func (m *Mem) Active(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.otps {
		if !o.Verified && !o.Expired(now) {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *Mem) Ping(context.Context) error {
	return nil
}
