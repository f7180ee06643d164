package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/jaayvee/otpgateway/internal/dispatch"
	"github.com/jaayvee/otpgateway/internal/otp"
	"github.com/jaayvee/otpgateway/internal/ratelimit"
	"github.com/jaayvee/otpgateway/internal/store/mem"
	rstore "github.com/jaayvee/otpgateway/internal/store/redis"
	"github.com/jaayvee/otpgateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyProv struct{}

// ID returns the Provider's ID.
func (d *dummyProv) ID() string {
	return dummyProvider
}

// ChannelName returns the Provider's channel name.
func (d *dummyProv) ChannelName() string {
	return "dummychannel"
}

// ValidateAddress accepts everything but a known bad number.
func (d *dummyProv) ValidateAddress(to string) error {
	if to == dummyBadNumber {
		return errors.New("invalid dummy to address")
	}
	return nil
}

// Push "sends" the message.
func (d *dummyProv) Push(_ context.Context, to, subject string, m []byte) (models.Receipt, error) {
	return models.Receipt{MessageID: "dummy"}, nil
}

// MaxBodyLen returns the max permitted body size.
func (d *dummyProv) MaxBodyLen() int {
	return 0
}

// failProv is a provider that never delivers.
type failProv struct {
	dummyProv
	id string
}

func (f *failProv) ID() string {
	return f.id
}

func (f *failProv) Push(_ context.Context, to, subject string, m []byte) (models.Receipt, error) {
	return models.Receipt{}, errors.New("upstream rejected " + to)
}

const (
	dummyUser      = "myapp"
	dummySecret    = "mysecret"
	dummyProvider  = "dummyprovider"
	dummyOTP       = "654321"
	dummyNumber    = "+919876543210"
	dummyBadNumber = "+919999999999"
	testNumber     = "+910000000000"
)

var (
	srv  *httptest.Server
	rdis *miniredis.Miniredis
)

type testResp struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func init() {
	// Dummy Redis.
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd
	port, _ := strconv.Atoi(rd.Port())

	var (
		lo = initLogger(true)
		rc = rstore.NewClient(rstore.Conf{Host: rd.Host(), Port: port})
	)

	subj, body, err := dispatch.ParseTemplates("OTP", "Your OTP is {{ .OTP }}")
	if err != nil {
		log.Fatal(err)
	}
	disp := dispatch.New([]models.Provider{&dummyProv{}}, subj, body,
		dispatch.Opt{RetryBackoff: time.Millisecond}, lo)

	// Dummy app.
	app := &App{
		service: otp.New(otp.Opt{TestRecipients: []string{testNumber}},
			rstore.New(rc, rstore.Conf{}), ratelimit.NewRedis(rc, ""), disp, lo,
			otp.WithCodeGenerator(func(int) (string, error) { return dummyOTP, nil })),
		dispatch: disp,
		validate: initValidator(),
		lo:       lo,
	}

	srv = httptest.NewServer(initHTTPHandler(app, map[string]string{dummyUser: dummySecret}, nil))
}

func TestGetProviders(t *testing.T) {
	var out []string
	r := testRequest(t, http.MethodGet, "/api/providers", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.Equal(t, []string{dummyProvider}, out, "providers don't match")
}

func TestHealthCheck(t *testing.T) {
	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health check should not need auth")
}

func TestAuth(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth(dummyUser, "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendOTP(t *testing.T) {
	rdis.FlushDB()

	// Bad requests.
	r := testRequest(t, http.MethodPost, "/otp/send", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for missing recipient")

	r = testRequest(t, http.MethodPost, "/otp/send", map[string]interface{}{"recipient": "9876543210"}, nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for non E.164 number")

	r = testRequest(t, http.MethodPost, "/otp/send", map[string]interface{}{"recipient": dummyNumber, "code_length": 2}, nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for bad code_length")

	// Good request.
	var out otp.Issuance
	r = testRequest(t, http.MethodPost, "/otp/send", map[string]interface{}{"recipient": dummyNumber}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.NotEmpty(t, out.ID, "id wasn't generated")
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), out.ExpiresAt, 5*time.Second)

	// Second request within the cooldown.
	var rl rateLimitResp
	r = testRequest(t, http.MethodPost, "/otp/send", map[string]interface{}{"recipient": dummyNumber}, &rl)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "second request wasn't rate limited")
	assert.InDelta(t, 60, rl.RetryAfterSeconds, 1)
	assert.NotEmpty(t, r.Header.Get("Retry-After"))
}

func TestSendOTPDeliveryFailure(t *testing.T) {
	rdis.FlushDB()

	r := testRequest(t, http.MethodPost, "/otp/send", map[string]interface{}{"recipient": dummyBadNumber}, nil)
	assert.Equal(t, http.StatusBadGateway, r.StatusCode, "non 502 for failed delivery")

	// The failed attempt still counts against the cooldown.
	r = testRequest(t, http.MethodPost, "/otp/send", map[string]interface{}{"recipient": dummyBadNumber}, nil)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode)
}

func TestSendOTPProvidersFail(t *testing.T) {
	lo := initLogger(false)
	subj, body, err := dispatch.ParseTemplates("OTP", "Your OTP is {{ .OTP }}")
	require.NoError(t, err)

	disp := dispatch.New([]models.Provider{&failProv{id: "first"}, &failProv{id: "second"}}, subj, body,
		dispatch.Opt{RetryBackoff: time.Millisecond}, lo)
	st := mem.New()
	app := &App{
		service:  otp.New(otp.Opt{}, st, ratelimit.NewMem(), disp, lo),
		dispatch: disp,
		validate: initValidator(),
		lo:       lo,
	}
	s := httptest.NewServer(initHTTPHandler(app, nil, nil))
	defer s.Close()

	resp, err := http.Post(s.URL+"/otp/send", "application/json",
		bytes.NewReader([]byte(`{"recipient": "`+dummyNumber+`"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode, "non 502 when every provider fails")

	var env testResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	var out deliveryErrResp
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, []string{"first", "second"}, out.Providers)
	assert.NotEmpty(t, out.Reason)
	assert.NotContains(t, string(env.Data), dummyNumber, "provider errors shouldn't be returned")

	// The undelivered OTP was revoked.
	n, err := st.Active(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := app.service.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DeliveryFailed)
}

func TestVerifyOTP(t *testing.T) {
	rdis.FlushDB()

	id := sendOTP(t, dummyNumber, nil)

	// Status before verification.
	var st otp.Status
	r := testRequest(t, http.MethodGet, "/otp/"+id+"/status", nil, &st)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.True(t, st.Exists)
	assert.False(t, st.Verified)
	assert.Equal(t, 3, st.AttemptsRemaining)

	// Bad OTP.
	var mm mismatchResp
	r = testRequest(t, http.MethodPost, "/otp/verify", map[string]interface{}{"id": id, "code": "000000"}, &mm)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for bad otp")
	assert.Equal(t, 2, mm.AttemptsRemaining, "attempts didn't decrease")

	// Good OTP.
	var v otp.Verification
	r = testRequest(t, http.MethodPost, "/otp/verify", map[string]interface{}{"id": id, "code": dummyOTP}, &v)
	assert.Equal(t, http.StatusOK, r.StatusCode, "good OTP failed")
	assert.True(t, v.Valid)

	// Replay.
	r = testRequest(t, http.MethodPost, "/otp/verify", map[string]interface{}{"id": id, "code": dummyOTP}, nil)
	assert.Equal(t, http.StatusConflict, r.StatusCode, "OTP was accepted twice")

	r = testRequest(t, http.MethodGet, "/otp/"+id+"/status", nil, &st)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.True(t, st.Verified)

	// Unknown ID.
	r = testRequest(t, http.MethodPost, "/otp/verify", map[string]interface{}{"id": "nope", "code": dummyOTP}, nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)

	r = testRequest(t, http.MethodPost, "/otp/verify", map[string]interface{}{"id": id}, nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for empty code")
}

func TestVerifyOTPAttempts(t *testing.T) {
	rdis.FlushDB()

	id := sendOTP(t, dummyNumber, map[string]interface{}{"max_attempts": 3})

	for _, remaining := range []int{2, 1} {
		var mm mismatchResp
		r := testRequest(t, http.MethodPost, "/otp/verify", map[string]interface{}{"id": id, "code": "111111"}, &mm)
		assert.Equal(t, http.StatusBadRequest, r.StatusCode)
		assert.Equal(t, remaining, mm.AttemptsRemaining)
	}

	// Third wrong attempt exhausts the OTP.
	r := testRequest(t, http.MethodPost, "/otp/verify", map[string]interface{}{"id": id, "code": "111111"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "bad OTPs didn't get locked")

	// It's gone, even with the right code.
	r = testRequest(t, http.MethodPost, "/otp/verify", map[string]interface{}{"id": id, "code": dummyOTP}, nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestVerifyOTPExpiry(t *testing.T) {
	rdis.FlushDB()

	id := sendOTP(t, dummyNumber, map[string]interface{}{"expiry_minutes": 1})
	rdis.FastForward(2 * time.Minute)

	r := testRequest(t, http.MethodPost, "/otp/verify", map[string]interface{}{"id": id, "code": dummyOTP}, nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode, "expired OTP wasn't removed")

	var st otp.Status
	r = testRequest(t, http.MethodGet, "/otp/"+id+"/status", nil, &st)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.False(t, st.Exists)
	assert.True(t, st.Expired)
}

func TestTestRecipient(t *testing.T) {
	rdis.FlushDB()

	id := sendOTP(t, testNumber, nil)

	var v otp.Verification
	r := testRequest(t, http.MethodPost, "/otp/verify", map[string]interface{}{"id": id, "code": "123456"}, &v)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.True(t, v.Valid)
}

func TestStats(t *testing.T) {
	rdis.FlushDB()

	sendOTP(t, "+919812345678", nil)

	var out otp.Stats
	r := testRequest(t, http.MethodGet, "/api/stats", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, 1, out.Active)
	assert.Equal(t, 1, out.RateLimited)
	assert.GreaterOrEqual(t, out.Issued, int64(1))
}

func sendOTP(t *testing.T, to string, params map[string]interface{}) string {
	if params == nil {
		params = map[string]interface{}{}
	}
	params["recipient"] = to

	var out otp.Issuance
	r := testRequest(t, http.MethodPost, "/otp/send", params, &out)
	require.Equal(t, http.StatusOK, r.StatusCode, "otp registration failed")
	require.NotEmpty(t, out.ID)

	return out.ID
}

// testRequest makes an authenticated JSON request and decodes the data
// field of the response envelope into out.
func testRequest(t *testing.T, method, path string, body interface{}, out interface{}) *http.Response {
	var b io.Reader
	if body != nil {
		j, err := json.Marshal(body)
		require.NoError(t, err)
		b = bytes.NewReader(j)
	}

	req, err := http.NewRequest(method, srv.URL+path, b)
	require.NoError(t, err)
	req.SetBasicAuth(dummyUser, dummySecret)
	req.Header.Add("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env testResp
	require.NoError(t, json.Unmarshal(respBody, &env), string(respBody))
	if out != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}

	return resp
}
