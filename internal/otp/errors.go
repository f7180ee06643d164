package otp

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidRecipient is returned when the recipient is not an
	// international phone number (+<country code><number>).
	ErrInvalidRecipient = errors.New("invalid phone number format, use the international format, eg: +919876543210")

	// ErrNotFound is returned for unknown IDs and for OTPs that have
	// already expired and been swept.
	ErrNotFound = errors.New("OTP not found or expired")

	// ErrExpired is returned when the OTP was found but is past its expiry.
	ErrExpired = errors.New("OTP has expired")

	// ErrAttemptsExhausted is returned once the verification attempts
	// ceiling has been reached. The OTP is deleted.
	ErrAttemptsExhausted = errors.New("maximum attempts exceeded")

	// ErrAlreadyUsed is returned when a verified OTP is submitted again.
	ErrAlreadyUsed = errors.New("OTP has already been used")
)

// RateLimitError is returned when the recipient is still in its cooldown.
type RateLimitError struct {
	RetryAfter time.Duration
}

// RetryAfterSeconds returns the wait rounded up to whole seconds.
func (e *RateLimitError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("please wait %d seconds before requesting another OTP", e.RetryAfterSeconds())
}

// MismatchError is returned when the submitted code is wrong and
// attempts remain.
type MismatchError struct {
	AttemptsRemaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("incorrect OTP, %d attempts remaining", e.AttemptsRemaining)
}

// DeliveryError is returned when the OTP could not be delivered. The
// issued OTP has been revoked.
type DeliveryError struct {
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	return "failed to send OTP: " + e.Reason
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// outcome returns the short label of a verification result used in
// audit events.
func outcome(err error) string {
	var mErr *MismatchError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &mErr):
		return "mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAttemptsExhausted):
		return "attempts_exhausted"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	}
	return "error"
}
