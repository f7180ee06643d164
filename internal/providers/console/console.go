// Package console is a development Provider that writes messages to the log
// instead of sending them anywhere.
package console

import (
	"context"

	"github.com/jaayvee/otpgateway/pkg/models"
	"github.com/zerodha/logf"
)

const providerID = "console"

// Console logs messages.
type Console struct {
	lo logf.Logger
}

// New returns a console provider that logs to lo.
func New(lo logf.Logger) *Console {
	return &Console{lo: lo}
}

// ID returns the Provider's ID.
func (c *Console) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (c *Console) ChannelName() string {
	return "Console"
}

// ValidateAddress accepts everything.
func (c *Console) ValidateAddress(to string) error {
	return nil
}

// Push logs the message.
func (c *Console) Push(_ context.Context, to, subject string, body []byte) (models.Receipt, error) {
	c.lo.Info("console message", "to", to, "subject", subject, "body", string(body))
	return models.Receipt{Provider: providerID}, nil
}

// MaxBodyLen returns 0, no limit.
func (c *Console) MaxBodyLen() int {
	return 0
}
