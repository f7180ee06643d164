// Package smtp is an e-mail-to-SMS relay Provider. Many mobile carriers run
// gateways that turn an e-mail sent to <number>@<carrier domain> into an SMS.
// The carrier of a number isn't known upfront, so the configured gateways
// are tried in order until one accepts the mail.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"regexp"
	"strings"
	"time"

	"github.com/jaayvee/otpgateway/pkg/models"
	"github.com/knadh/smtppool"
)

const (
	providerID  = "smtp"
	channelName = "E-mail-to-SMS"
	maxBodyLen  = 160
)

// Carrier is an e-mail-to-SMS gateway.
type Carrier struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// DefaultCarriers are the Indian carrier gateways.
var DefaultCarriers = []Carrier{
	{Name: "jio", Domain: "jio.com"},
	{Name: "airtel", Domain: "airtelmail.com"},
	{Name: "vodafone", Domain: "voda.co.in"},
	{Name: "idea", Domain: "ideacellular.net"},
	{Name: "bsnl", Domain: "bsnl.co.in"},
}

// Config represents an SMTP server's credentials and the relay settings.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	AuthProtocol string        `json:"auth_protocol"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	FromEmail    string        `json:"from_email"`
	Timeout      time.Duration `json:"timeout"`
	MaxConns     int           `json:"max_conns"`

	// STARTTLS or TLS.
	TLSType       string `json:"tls_type"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`

	// CountryCode is the calling code that's stripped to get the
	// national number, eg: 91.
	CountryCode string `json:"country_code"`

	// MobilePrefixes are the allowed first digits of a national number.
	MobilePrefixes string    `json:"mobile_prefixes"`
	Carriers       []Carrier `json:"carriers"`
}

type mailer interface {
	Send(smtppool.Email) error
}

// SMTP relays messages through carrier e-mail gateways.
type SMTP struct {
	cfg    Config
	reNum  *regexp.Regexp
	mailer mailer
}

// New creates and returns an e-mail-to-SMS Provider backend.
func New(cfg Config) (*SMTP, error) {
	cfg = withDefaults(cfg)

	// Initialize the SMTP mailer.
	var auth smtp.Auth
	switch cfg.AuthProtocol {
	case "login":
		auth = &smtppool.LoginAuth{Username: cfg.Username, Password: cfg.Password}
	case "cram":
		auth = smtp.CRAMMD5Auth(cfg.Username, cfg.Password)
	case "plain":
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	case "", "none":
	default:
		return nil, fmt.Errorf("unknown SMTP auth type '%s'", cfg.AuthProtocol)
	}

	opt := smtppool.Opt{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MaxConns:        cfg.MaxConns,
		IdleTimeout:     time.Second * 10,
		PoolWaitTimeout: cfg.Timeout,
		Auth:            auth,
	}

	// TLS config.
	if cfg.TLSType != "none" {
		opt.TLSConfig = &tls.Config{}
		if cfg.TLSSkipVerify {
			opt.TLSConfig.InsecureSkipVerify = cfg.TLSSkipVerify
		} else {
			opt.TLSConfig.ServerName = cfg.Host
		}

		// SSL/TLS, not cfg.
		if cfg.TLSType == "TLS" {
			opt.SSL = true
		}
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, err
	}

	return newRelay(cfg, pool)
}

func newRelay(cfg Config, m mailer) (*SMTP, error) {
	cfg = withDefaults(cfg)

	for _, c := range cfg.Carriers {
		if c.Domain == "" {
			return nil, fmt.Errorf("carrier '%s' has no domain", c.Name)
		}
	}

	re, err := regexp.Compile(fmt.Sprintf(`^\+%s([%s]\d{9})$`,
		regexp.QuoteMeta(cfg.CountryCode), regexp.QuoteMeta(cfg.MobilePrefixes)))
	if err != nil {
		return nil, fmt.Errorf("invalid country_code or mobile_prefixes: %v", err)
	}

	return &SMTP{cfg: cfg, reNum: re, mailer: m}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.FromEmail == "" {
		cfg.FromEmail = "otp@localhost"
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = "91"
	}
	cfg.CountryCode = strings.TrimPrefix(cfg.CountryCode, "+")
	if cfg.MobilePrefixes == "" {
		cfg.MobilePrefixes = "6789"
	}
	if len(cfg.Carriers) == 0 {
		cfg.Carriers = DefaultCarriers
	}
	return cfg
}

// ID returns the Provider's ID.
func (s *SMTP) ID() string {
	return providerID
}

// ChannelName returns the Provider's channel name.
func (s *SMTP) ChannelName() string {
	return channelName
}

// ValidateAddress checks that the number is a mobile number of the
// configured country.
func (s *SMTP) ValidateAddress(to string) error {
	if _, err := s.nationalNumber(to); err != nil {
		return err
	}
	return nil
}

// Push mails the message to each carrier gateway in turn until one of
// them accepts it.
func (s *SMTP) Push(ctx context.Context, to, subject string, m []byte) (models.Receipt, error) {
	num, err := s.nationalNumber(to)
	if err != nil {
		return models.Receipt{}, err
	}

	var errs []error
	for _, c := range s.cfg.Carriers {
		if err := ctx.Err(); err != nil {
			return models.Receipt{}, err
		}

		err := s.mailer.Send(smtppool.Email{
			From:    s.cfg.FromEmail,
			To:      []string{gatewayAddress(num, c)},
			Subject: subject,
			Text:    m,
		})
		if err == nil {
			return models.Receipt{Provider: providerID, Via: c.Name}, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
	}

	return models.Receipt{}, fmt.Errorf("no carrier gateway accepted the message: %w", errors.Join(errs...))
}

// MaxBodyLen returns the max permitted body size. Gateways truncate
// anything beyond a single SMS.
func (s *SMTP) MaxBodyLen() int {
	return maxBodyLen
}

// nationalNumber strips the country code off an international number.
func (s *SMTP) nationalNumber(to string) (string, error) {
	m := s.reNum.FindStringSubmatch(to)
	if m == nil {
		return "", fmt.Errorf("not a +%s mobile number", s.cfg.CountryCode)
	}
	return m[1], nil
}

func gatewayAddress(num string, c Carrier) string {
	return num + "@" + strings.TrimPrefix(c.Domain, "@")
}
