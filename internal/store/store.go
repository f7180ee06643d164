package store

import (
	"context"
	"errors"
	"time"

	"github.com/jaayvee/otpgateway/pkg/models"
)

// ErrNotExist is thrown when an OTP (requested by ID) does not exist.
var ErrNotExist = errors.New("the OTP does not exist")

// ErrExists is thrown when inserting an OTP whose ID is already taken.
var ErrExists = errors.New("the OTP already exists")

// Action tells Update what to do with an OTP once the update func returns.
type Action int

const (
	// Keep leaves the stored OTP untouched.
	Keep Action = iota
	// Save writes the (modified) OTP back.
	Save
	// Delete removes the OTP.
	Delete
)

// UpdateFunc inspects and optionally modifies an OTP. It may be invoked
// more than once by stores that retry optimistic transactions, so it
// must not have side effects beyond the OTP it is handed.
type UpdateFunc func(o *models.OTP) Action

// Store represents a storage backend where OTP data is stored.
type Store interface {
	// Insert stores a new OTP. It fails with ErrExists if the ID is taken.
	Insert(ctx context.Context, otp models.OTP) error

	// Get retrieves an OTP without modifying it.
	Get(ctx context.Context, id string) (models.OTP, error)

	// Update runs fn against the OTP with exclusive access to it and applies
	// the returned Action atomically. Concurrent updates on the same ID are
	// serialised. It returns the OTP as fn left it.
	Update(ctx context.Context, id string, fn UpdateFunc) (models.OTP, error)

	// Delete deletes the OTP saved against a given ID.
	Delete(ctx context.Context, id string) error

	// Sweep deletes every OTP that expired before now and returns the count.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Active returns the number of OTPs that are neither expired nor verified.
	Active(ctx context.Context, now time.Time) (int, error)

	// Ping checks if store is reachable.
	Ping(ctx context.Context) error
}
