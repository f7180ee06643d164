package smtp

import (
	"context"
	"errors"
	"testing"

	"github.com/knadh/smtppool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	reject map[string]bool
	sent   []smtppool.Email
}

func (f *fakeMailer) Send(e smtppool.Email) error {
	f.sent = append(f.sent, e)
	if f.reject[e.To[0]] {
		return errors.New("550 mailbox unavailable")
	}
	return nil
}

func TestValidateAddress(t *testing.T) {
	s, err := newRelay(Config{}, &fakeMailer{})
	require.NoError(t, err)

	assert.NoError(t, s.ValidateAddress("+919876543210"))
	assert.NoError(t, s.ValidateAddress("+916000000000"))

	for _, to := range []string{
		"+915876543210",  // Not a mobile prefix.
		"+91987654321",   // Too short.
		"+9198765432100", // Too long.
		"+14155552671",   // Other country.
		"919876543210",
	} {
		assert.Error(t, s.ValidateAddress(to), to)
	}
}

func TestCustomCountry(t *testing.T) {
	s, err := newRelay(Config{CountryCode: "+1", MobilePrefixes: "23456789",
		Carriers: []Carrier{{Name: "tmobile", Domain: "@tmomail.net"}}}, &fakeMailer{})
	require.NoError(t, err)

	num, err := s.nationalNumber("+14155552671")
	require.NoError(t, err)
	assert.Equal(t, "4155552671", num)
	assert.Equal(t, "4155552671@tmomail.net", gatewayAddress(num, s.cfg.Carriers[0]))

	_, err = newRelay(Config{Carriers: []Carrier{{Name: "nodomain"}}}, &fakeMailer{})
	assert.Error(t, err)
}

func TestPushCarrierFallback(t *testing.T) {
	m := &fakeMailer{reject: map[string]bool{
		"9876543210@jio.com":        true,
		"9876543210@airtelmail.com": true,
	}}
	s, err := newRelay(Config{FromEmail: "otp@example.com"}, m)
	require.NoError(t, err)

	r, err := s.Push(context.Background(), "+919876543210", "OTP", []byte("Your OTP is: 123456"))
	require.NoError(t, err)
	assert.Equal(t, "smtp", r.Provider)
	assert.Equal(t, "vodafone", r.Via)

	require.Len(t, m.sent, 3)
	assert.Equal(t, []string{"9876543210@voda.co.in"}, m.sent[2].To)
	assert.Equal(t, "otp@example.com", m.sent[2].From)
	assert.Equal(t, []byte("Your OTP is: 123456"), m.sent[2].Text)
}

func TestPushAllCarriersFail(t *testing.T) {
	m := &fakeMailer{reject: map[string]bool{}}
	for _, c := range DefaultCarriers {
		m.reject["9876543210@"+c.Domain] = true
	}
	s, err := newRelay(Config{}, m)
	require.NoError(t, err)

	_, err = s.Push(context.Background(), "+919876543210", "OTP", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bsnl")
	assert.Len(t, m.sent, len(DefaultCarriers))

	_, err = s.Push(context.Background(), "+14155552671", "OTP", []byte("x"))
	assert.Error(t, err)
}
