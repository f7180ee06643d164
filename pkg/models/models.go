package models

import (
	"context"
	"time"
)

// OTP contains the information about an issued one-time code.
type OTP struct {
	ID          string    `json:"id"`
	Recipient   string    `json:"recipient"`
	Code        string    `json:"-"`
	MaxAttempts int       `json:"max_attempts"`
	Attempts    int       `json:"attempts"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired tells if the OTP is past its expiry at the given time.
func (o OTP) Expired(now time.Time) bool {
	return o.ExpiresAt.Before(now)
}

// Config holds the knobs that govern issuance and verification.
// Zero values are replaced with defaults by Config.WithDefaults.
type Config struct {
	CodeLength  int           `json:"code_length"`
	Expiry      time.Duration `json:"expiry"`
	MaxAttempts int           `json:"max_attempts"`
	Cooldown    time.Duration `json:"cooldown"`
}

// DefaultConfig is used when nothing is configured.
var DefaultConfig = Config{
	CodeLength:  6,
	Expiry:      5 * time.Minute,
	MaxAttempts: 3,
	Cooldown:    time.Minute,
}

// WithDefaults returns a copy of c where every unset field is taken from def.
func (c Config) WithDefaults(def Config) Config {
	if c.CodeLength < 1 {
		c.CodeLength = def.CodeLength
	}
	if c.Expiry <= 0 {
		c.Expiry = def.Expiry
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	return c
}

// Receipt is returned by a Provider after a message has been handed over.
type Receipt struct {
	Provider  string `json:"provider"`
	MessageID string `json:"message_id"`

	// Via is an optional, provider specific route the message took,
	// for instance the carrier gateway for e-mail-to-SMS relays.
	Via string `json:"via,omitempty"`
}

// Provider is an interface for a generic messaging backend that can
// carry a short text message to a phone number, for instance, an SMS API
// or a carrier e-mail gateway.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// ChannelName returns the name of the channel the provider delivers
	// on, for example "SMS" or "E-mail-to-SMS".
	ChannelName() string

	// ValidateAddress validates the 'to' address the Provider
	// is supposed to send the message to.
	ValidateAddress(to string) error

	// Push pushes a message to the recipient.
	Push(ctx context.Context, to, subject string, body []byte) (Receipt, error)

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider. 0 means no limit.
	MaxBodyLen() int
}

// Event types published on the audit stream.
const (
	EventIssued         = "issued"
	EventDeliveryFailed = "delivery_failed"
	EventVerified       = "verified"
	EventVerifyFailed   = "verify_failed"
)

// Event is an audit record of something that happened to an OTP.
// It never carries the code.
type Event struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Outcome   string    `json:"outcome,omitempty"`
	Attempts  int       `json:"attempts"`
	Provider  string    `json:"provider,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
