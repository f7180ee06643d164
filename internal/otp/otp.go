// Package otp issues and verifies one-time codes sent to phone numbers.
//
// An OTP is issued against a recipient, stored under an opaque ID and handed
// to a Deliverer. The caller only ever gets the ID back; the code reaches the
// recipient out of band. Verification is by ID and code and mutates the stored
// OTP atomically: every attempt is counted, a correct code marks the OTP as
// verified (single use) and running out of attempts or time deletes it.
package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaayvee/otpgateway/internal/events"
	"github.com/jaayvee/otpgateway/internal/ratelimit"
	"github.com/jaayvee/otpgateway/internal/store"
	"github.com/jaayvee/otpgateway/internal/uid"
	"github.com/jaayvee/otpgateway/pkg/models"
	"github.com/zerodha/logf"
	"go.uber.org/atomic"
)

// Clock abstracts time so that tests can control it.
type Clock interface {
	Now() time.Time
}

type sysClock struct{}

func (sysClock) Now() time.Time { return time.Now() }

// Deliverer delivers an issued OTP to its recipient.
type Deliverer interface {
	Deliver(ctx context.Context, otp models.OTP) (models.Receipt, error)
}

// Opt holds the service configuration.
type Opt struct {
	// Config holds the defaults for every issuance and verification.
	Config models.Config

	// TestRecipients always receive TestCode and are never delivered to.
	TestRecipients []string
	TestCode       string
}

// Issuance is returned to the caller on a successful issuance.
type Issuance struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verification is the result of a verification attempt.
type Verification struct {
	Valid             bool `json:"valid"`
	AttemptsRemaining int  `json:"attempts_remaining"`
}

// Status describes an OTP without touching it.
type Status struct {
	Exists            bool      `json:"exists"`
	Verified          bool      `json:"verified"`
	Expired           bool      `json:"expired"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	ExpiresAt         time.Time `json:"expires_at,omitempty"`
}

// Stats are the service counters.
type Stats struct {
	Active         int   `json:"active"`
	RateLimited    int   `json:"rate_limited"`
	Issued         int64 `json:"issued"`
	DeliveryFailed int64 `json:"delivery_failed"`
	Verified       int64 `json:"verified"`
	VerifyFailed   int64 `json:"verify_failed"`
}

// Service is the OTP issuance and verification core.
type Service struct {
	opt       Opt
	testRcpts map[string]struct{}

	store     store.Store
	limiter   ratelimit.Limiter
	deliverer Deliverer
	pub       events.Publisher
	ids       uid.Generator
	clock     Clock
	genCode   func(length int) (string, error)
	lo        logf.Logger

	issued         *atomic.Int64
	deliveryFailed *atomic.Int64
	verified       *atomic.Int64
	verifyFailed   *atomic.Int64
}

// Option customises a Service.
type Option func(*Service)

// WithClock sets the clock. Defaults to the system clock.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator sets the issuance ID generator. Defaults to UUIDv7.
func WithIDGenerator(g uid.Generator) Option {
	return func(s *Service) { s.ids = g }
}

// WithCodeGenerator sets the code generator. Defaults to GenerateCode.
func WithCodeGenerator(f func(length int) (string, error)) Option {
	return func(s *Service) { s.genCode = f }
}

// WithPublisher sets the audit event publisher. Defaults to events.Nop.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// New returns a new OTP service.
func New(o Opt, st store.Store, l ratelimit.Limiter, d Deliverer, lo logf.Logger, opts ...Option) *Service {
	o.Config = o.Config.WithDefaults(models.DefaultConfig)
	if o.TestCode == "" {
		o.TestCode = "123456"
	}

	s := &Service{
		opt:       o,
		testRcpts: make(map[string]struct{}, len(o.TestRecipients)),
		store:     st,
		limiter:   l,
		deliverer: d,
		pub:       events.Nop{},
		ids:       uid.NewUUID(),
		clock:     sysClock{},
		genCode:   GenerateCode,
		lo:        lo,

		issued:         atomic.NewInt64(0),
		deliveryFailed: atomic.NewInt64(0),
		verified:       atomic.NewInt64(0),
		verifyFailed:   atomic.NewInt64(0),
	}
	for _, r := range o.TestRecipients {
		s.testRcpts[r] = struct{}{}
	}

	for _, f := range opts {
		f(s)
	}
	return s
}

// Config returns the default configuration of the service.
func (s *Service) Config() models.Config {
	return s.opt.Config
}

// Issue generates an OTP for recipient, stores it and delivers it. Unset
// fields in cfg take the service defaults. The code is never returned.
//
// A successful rate limit check counts against the recipient's cooldown
// even if delivery subsequently fails.
func (s *Service) Issue(ctx context.Context, recipient string, cfg models.Config) (Issuance, error) {
	var (
		now = s.clock.Now()
	)
	cfg = cfg.WithDefaults(s.opt.Config)
	s.sweep(ctx, now)

	if err := ValidateRecipient(recipient); err != nil {
		return Issuance{}, err
	}

	_, isTest := s.testRcpts[recipient]
	code := s.opt.TestCode
	if !isTest {
		c, err := s.genCode(cfg.CodeLength)
		if err != nil {
			return Issuance{}, fmt.Errorf("error generating OTP: %w", err)
		}
		code = c
	}

	ok, wait, err := s.limiter.Allow(ctx, recipient, cfg.Cooldown, now)
	if err != nil {
		return Issuance{}, err
	}
	if !ok {
		return Issuance{}, &RateLimitError{RetryAfter: wait}
	}

	otp := models.OTP{
		ID:          s.ids.Generate(),
		Recipient:   recipient,
		Code:        code,
		MaxAttempts: cfg.MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(cfg.Expiry),
	}
	if err := s.store.Insert(ctx, otp); err != nil {
		return Issuance{}, fmt.Errorf("error storing OTP: %w", err)
	}

	// Delivery happens outside of any store lock. If it fails, the OTP is
	// revoked, even if ctx was cancelled meanwhile.
	var receipt models.Receipt
	if isTest {
		s.lo.Debug("test recipient, skipping delivery", "id", otp.ID, "recipient", recipient)
	} else {
		r, err := s.deliverer.Deliver(ctx, otp)
		if err != nil {
			if err := s.store.Delete(context.WithoutCancel(ctx), otp.ID); err != nil {
				s.lo.Error("error revoking undelivered OTP", "id", otp.ID, "error", err)
			}

			s.deliveryFailed.Inc()
			s.publish(ctx, models.Event{
				Type:      models.EventDeliveryFailed,
				ID:        otp.ID,
				Recipient: recipient,
				Outcome:   err.Error(),
				Timestamp: now,
			})
			return Issuance{}, &DeliveryError{Reason: err.Error(), Err: err}
		}
		receipt = r
	}

	s.issued.Inc()
	s.lo.Info("OTP issued", "id", otp.ID, "recipient", recipient, "provider", receipt.Provider)
	s.publish(ctx, models.Event{
		Type:      models.EventIssued,
		ID:        otp.ID,
		Recipient: recipient,
		Provider:  receipt.Provider,
		Timestamp: now,
	})

	return Issuance{ID: otp.ID, ExpiresAt: otp.ExpiresAt}, nil
}

// Verify checks code against the OTP issued under id. cfg.MaxAttempts, if
// set, can only lower the ceiling the OTP was issued with.
//
// It returns a valid Verification exactly once per OTP. Failures are
// reported as ErrNotFound, ErrAlreadyUsed, ErrAttemptsExhausted, ErrExpired
// or a *MismatchError.
func (s *Service) Verify(ctx context.Context, id, code string, cfg models.Config) (Verification, error) {
	now := s.clock.Now()
	s.sweep(ctx, now)

	var (
		out  Verification
		vErr error
	)
	o, err := s.store.Update(ctx, id, func(o *models.OTP) store.Action {
		out, vErr = Verification{}, nil

		maxAttempts := o.MaxAttempts
		if cfg.MaxAttempts > 0 {
			maxAttempts = min(maxAttempts, cfg.MaxAttempts)
		}

		switch {
		case o.Verified:
			vErr = ErrAlreadyUsed
			return store.Keep
		case o.Attempts >= maxAttempts:
			vErr = ErrAttemptsExhausted
			return store.Delete
		case o.Expired(now):
			vErr = ErrExpired
			return store.Delete
		}

		o.Attempts++
		if o.Code == code {
			// Verified OTPs stay as tombstones until they expire so that
			// replays get ErrAlreadyUsed.
			o.Verified = true
			out = Verification{Valid: true, AttemptsRemaining: maxAttempts - o.Attempts}
			return store.Save
		}

		remaining := maxAttempts - o.Attempts
		if remaining <= 0 {
			vErr = ErrAttemptsExhausted
			return store.Delete
		}
		out.AttemptsRemaining = remaining
		vErr = &MismatchError{AttemptsRemaining: remaining}
		return store.Save
	})
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			vErr = ErrNotFound
		} else {
			return Verification{}, fmt.Errorf("error verifying OTP: %w", err)
		}
	}

	ev := models.Event{
		Type:      models.EventVerified,
		ID:        id,
		Recipient: o.Recipient,
		Outcome:   outcome(vErr),
		Attempts:  o.Attempts,
		Timestamp: now,
	}
	if vErr != nil {
		s.verifyFailed.Inc()
		ev.Type = models.EventVerifyFailed
		s.lo.Debug("OTP verification failed", "id", id, "outcome", ev.Outcome)
	} else {
		s.verified.Inc()
		s.lo.Info("OTP verified", "id", id, "recipient", o.Recipient)
	}
	s.publish(ctx, ev)

	return out, vErr
}

// Status reports on the OTP issued under id without modifying it.
func (s *Service) Status(ctx context.Context, id string) (Status, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return Status{Expired: true}, nil
		}
		return Status{}, err
	}

	return Status{
		Exists:            true,
		Verified:          o.Verified,
		Expired:           o.Expired(s.clock.Now()),
		AttemptsRemaining: max(0, o.MaxAttempts-o.Attempts),
		ExpiresAt:         o.ExpiresAt,
	}, nil
}

// Stats returns the service counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	active, err := s.store.Active(ctx, s.clock.Now())
	if err != nil {
		return Stats{}, err
	}
	rl, err := s.limiter.Len(ctx)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Active:         active,
		RateLimited:    rl,
		Issued:         s.issued.Load(),
		DeliveryFailed: s.deliveryFailed.Load(),
		Verified:       s.verified.Load(),
		VerifyFailed:   s.verifyFailed.Load(),
	}, nil
}

// Sweep deletes expired OTPs and returns how many were removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx, s.clock.Now())
}

// Ping checks if the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// sweep is the opportunistic cleanup run before store operations. Errors
// are logged and otherwise ignored.
func (s *Service) sweep(ctx context.Context, now time.Time) {
	n, err := s.store.Sweep(ctx, now)
	if err != nil {
		s.lo.Error("error sweeping expired OTPs", "error", err)
		return
	}
	if n > 0 {
		s.lo.Debug("swept expired OTPs", "count", n)
	}
}

func (s *Service) publish(ctx context.Context, e models.Event) {
	if err := s.pub.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.lo.Error("error publishing event", "type", e.Type, "id", e.ID, "error", err)
	}
}
