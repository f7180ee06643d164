package kaleyra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jaayvee/otpgateway/pkg/models"
)

const (
	providerID  = "kaleyra"
	channelName = "SMS"
	apiURL      = "https://api-alerts.kaleyra.com/v4/"
	statusOK    = "OK"
	maxBodyLen  = 140
)

var reNum = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// Kaleyra is the default representation of the Kaleyra interface.
type Kaleyra struct {
	cfg Config
	h   *http.Client
}

type Config struct {
	APIKey   string        `json:"api_key"`
	Sender   string        `json:"sender"`
	URL      string        `json:"url"`
	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// apiResp represents the response from kaleyra API.
type apiResp struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// New implements a Kaleyra SMS provider.
func New(cfg Config) (*Kaleyra, error) {
	if cfg.APIKey == "" || cfg.Sender == "" {
		return nil, errors.New("invalid APIKey or Sender")
	}
	if cfg.URL == "" {
		cfg.URL = apiURL
	}

	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}

	return &Kaleyra{
		cfg: cfg,
		h: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (k *Kaleyra) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (k *Kaleyra) ChannelName() string {
	return channelName
}

// ValidateAddress "validates" a phone number.
func (k *Kaleyra) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

// Push pushes out an SMS.
func (k *Kaleyra) Push(ctx context.Context, to, subject string, body []byte) (models.Receipt, error) {
	var p = url.Values{}
	p.Set("method", "sms")
	p.Set("api_key", k.cfg.APIKey)
	p.Set("sender", k.cfg.Sender)
	p.Set("to", to)
	p.Set("message", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.cfg.URL, strings.NewReader(p.Encode()))
	if err != nil {
		return models.Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Make the request.
	resp, err := k.h.Do(req)
	if err != nil {
		return models.Receipt{}, err
	}
	defer resp.Body.Close()

	// Read the response.
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Receipt{}, err
	}

	// We now unmarshal the body.
	r := apiResp{}
	if err := json.Unmarshal(b, &r); err != nil {
		return models.Receipt{}, fmt.Errorf("error parsing kaleyra response (%d): %v", resp.StatusCode, err)
	}
	if r.Status != statusOK {
		return models.Receipt{}, errors.New(r.Message)
	}

	return models.Receipt{Provider: providerID, MessageID: messageID(r.Data)}, nil
}

// MaxBodyLen returns the max permitted body size.
func (k *Kaleyra) MaxBodyLen() int {
	return maxBodyLen
}

// messageID picks the message ID out of the response data, which is
// either an object or a list of objects.
func messageID(data json.RawMessage) string {
	type msg struct {
		ID string `json:"id"`
	}

	var one msg
	if err := json.Unmarshal(data, &one); err == nil {
		return one.ID
	}
	var many []msg
	if err := json.Unmarshal(data, &many); err == nil && len(many) > 0 {
		return many[0].ID
	}
	return ""
}
