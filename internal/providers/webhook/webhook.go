// webhook is a generic webhook Provider implementation that posts messages
// to a URL. This provider can be reused any number of times by defining
// multiple webhook providers in the app config.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/jaayvee/otpgateway/pkg/models"
)

// Webhook is the default representation of the Webhook interface.
type Webhook struct {
	cfg        Config
	authHeader string
	reAddr     *regexp.Regexp
	http       *http.Client
}

// Payload is posted to the upstream URL.
type Payload struct {
	To      string `json:"to"`
	Channel string `json:"channel"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// response is the optional JSON response from the upstream.
type response struct {
	MessageID string `json:"message_id"`
}

// Config contains the webhook provider configuration.
type Config struct {
	URL         string `json:"url"`
	ID          string `json:"id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	ChannelName string `json:"channel_name"`

	// AddressPattern is an optional regexp the recipient has to match.
	AddressPattern string `json:"address_pattern"`
	MaxBodyLen     int    `json:"max_body_len"`

	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// New returns a webhook provider.
func New(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("invalid webhook url")
	}
	if cfg.ID == "" {
		cfg.ID = "webhook"
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = "SMS"
	}

	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	var re *regexp.Regexp
	if cfg.AddressPattern != "" {
		r, err := regexp.Compile(cfg.AddressPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid address_pattern: %v", err)
		}
		re = r
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		reAddr:     re,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (w *Webhook) ID() string {
	return w.cfg.ID
}

// ChannelName returns the Provider's name.
func (w *Webhook) ChannelName() string {
	return w.cfg.ChannelName
}

// ValidateAddress "validates" an address against the optional pattern.
func (w *Webhook) ValidateAddress(to string) error {
	if w.reAddr != nil && !w.reAddr.MatchString(to) {
		return fmt.Errorf("invalid %s address", w.cfg.ChannelName)
	}
	return nil
}

// Push posts the message to the webhook. Any non-2xx response is an error.
func (w *Webhook) Push(ctx context.Context, to, subject string, body []byte) (models.Receipt, error) {
	p := Payload{
		To:      to,
		Channel: w.cfg.ChannelName,
		Subject: subject,
		Body:    string(body),
	}

	b, err := json.Marshal(p)
	if err != nil {
		return models.Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return models.Receipt{}, err
	}

	req.Header.Set("User-Agent", "otpgateway")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return models.Receipt{}, err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Receipt{}, fmt.Errorf("webhook responded with %d", resp.StatusCode)
	}

	// The message ID is optional.
	var r response
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&r)

	return models.Receipt{Provider: w.cfg.ID, MessageID: r.MessageID}, nil
}

// MaxBodyLen returns the max permitted body size.
func (w *Webhook) MaxBodyLen() int {
	return w.cfg.MaxBodyLen
}
