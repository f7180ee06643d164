// Package dispatch delivers OTPs. It renders the message templates and hands
// the message to the configured providers in order, retrying each a few
// times, until one of them accepts it.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/jaayvee/otpgateway/pkg/models"
	"github.com/samber/lo"
	"github.com/sethvargo/go-retry"
	"github.com/zerodha/logf"
)

// ErrNoProviders is returned when there's nothing to deliver with.
var ErrNoProviders = errors.New("no delivery providers configured")

// Error is returned by Deliver when none of the providers accepted the
// message.
type Error struct {
	// Providers are the IDs of the providers that were tried, in order.
	Providers []string

	errs []string
}

func (e *Error) Error() string {
	return strings.Join(e.errs, "; ")
}

// Opt holds the dispatcher configuration.
type Opt struct {
	// Sender is the name shown in messages, eg: "The Jaayvee World".
	Sender string

	// Retries is the number of retries per provider before moving on
	// to the next one.
	Retries      uint64
	RetryBackoff time.Duration
}

// Dispatcher is the OTP delivery collaborator.
type Dispatcher struct {
	providers []models.Provider
	subject   *template.Template
	body      *template.Template
	opt       Opt
	lo        logf.Logger
}

type tplData struct {
	To            string
	OTP           string
	Channel       string
	Sender        string
	ExpiryMinutes int
	ExpiresAt     time.Time
}

// ParseTemplates compiles the subject and body templates with the sprig
// function map.
func ParseTemplates(subject, body string) (*template.Template, *template.Template, error) {
	subj, err := template.New("subject").Funcs(sprig.TxtFuncMap()).Parse(subject)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing subject template: %v", err)
	}
	b, err := template.New("body").Funcs(sprig.TxtFuncMap()).Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing body template: %v", err)
	}
	return subj, b, nil
}

// New returns a dispatcher that tries providers in the given order.
func New(providers []models.Provider, subject, body *template.Template, o Opt, lo logf.Logger) *Dispatcher {
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}

	return &Dispatcher{
		providers: providers,
		subject:   subject,
		body:      body,
		opt:       o,
		lo:        lo,
	}
}

// Providers returns the IDs of the providers in delivery order.
func (d *Dispatcher) Providers() []string {
	return lo.Map(d.providers, func(p models.Provider, _ int) string {
		return p.ID()
	})
}

// Deliver implements otp.Deliverer.
func (d *Dispatcher) Deliver(ctx context.Context, otp models.OTP) (models.Receipt, error) {
	if len(d.providers) == 0 {
		return models.Receipt{}, ErrNoProviders
	}

	dErr := &Error{}
	for _, p := range d.providers {
		r, err := d.push(ctx, p, otp)
		if err == nil {
			return r, nil
		}
		d.lo.Error("error sending OTP", "error", err, "provider", p.ID(), "id", otp.ID)
		dErr.Providers = append(dErr.Providers, p.ID())
		dErr.errs = append(dErr.errs, fmt.Sprintf("%s: %v", p.ID(), err))

		if ctx.Err() != nil {
			break
		}
	}

	return models.Receipt{}, dErr
}

// push compiles the message templates and pushes the message to a provider.
func (d *Dispatcher) push(ctx context.Context, p models.Provider, otp models.OTP) (models.Receipt, error) {
	if err := p.ValidateAddress(otp.Recipient); err != nil {
		return models.Receipt{}, err
	}

	subj, body, err := d.render(p, otp)
	if err != nil {
		return models.Receipt{}, err
	}
	if n := p.MaxBodyLen(); n > 0 && len(body) > n {
		return models.Receipt{}, fmt.Errorf("message is %d bytes, provider allows %d", len(body), n)
	}

	var (
		out models.Receipt
		b   = retry.WithMaxRetries(d.opt.Retries, retry.NewConstant(d.opt.RetryBackoff))
	)
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		d.lo.Debug("sending otp", "to", otp.Recipient, "provider", p.ID(), "id", otp.ID)

		r, err := p.Push(ctx, otp.Recipient, subj, body)
		if err != nil {
			return retry.RetryableError(err)
		}
		out = r
		return nil
	})
	if err != nil {
		return models.Receipt{}, err
	}

	if out.Provider == "" {
		out.Provider = p.ID()
	}
	return out, nil
}

func (d *Dispatcher) render(p models.Provider, otp models.OTP) (string, []byte, error) {
	var (
		subj = &bytes.Buffer{}
		out  = &bytes.Buffer{}

		data = tplData{
			To:            otp.Recipient,
			OTP:           otp.Code,
			Channel:       p.ChannelName(),
			Sender:        d.opt.Sender,
			ExpiryMinutes: int(math.Ceil(otp.ExpiresAt.Sub(otp.CreatedAt).Minutes())),
			ExpiresAt:     otp.ExpiresAt,
		}
	)

	if d.subject != nil {
		if err := d.subject.Execute(subj, data); err != nil {
			return "", nil, err
		}
	}
	if d.body != nil {
		if err := d.body.Execute(out, data); err != nil {
			return "", nil, err
		}
	}

	return strings.TrimSpace(subj.String()), bytes.TrimSpace(out.Bytes()), nil
}
