package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jaayvee/otpgateway/internal/dispatch"
	"github.com/jaayvee/otpgateway/internal/otp"
	"github.com/jaayvee/otpgateway/pkg/models"
	"github.com/samber/lo"
)

const maxReqBody = 1 << 14

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// sendReq is the OTP issuance request. The optional fields override the
// configured defaults for this OTP.
type sendReq struct {
	Recipient       string `json:"recipient" validate:"required,max=32"`
	CodeLength      int    `json:"code_length" validate:"omitempty,min=4,max=10"`
	ExpiryMinutes   int    `json:"expiry_minutes" validate:"omitempty,min=1,max=1440"`
	MaxAttempts     int    `json:"max_attempts" validate:"omitempty,min=1,max=100"`
	CooldownMinutes int    `json:"cooldown_minutes" validate:"omitempty,min=1,max=1440"`
}

// verifyReq is the OTP verification request. The code is compared as is.
type verifyReq struct {
	ID          string `json:"id" validate:"required,max=128"`
	Code        string `json:"code" validate:"required,max=32"`
	MaxAttempts int    `json:"max_attempts" validate:"omitempty,min=1,max=100"`
}

type rateLimitResp struct {
	RetryAfterSeconds int `json:"retry_after_seconds"`
}

// deliveryErrResp withholds provider error text, which is only logged.
type deliveryErrResp struct {
	Reason    string   `json:"reason"`
	Providers []string `json:"providers,omitempty"`
}

type mismatchResp struct {
	Valid             bool `json:"valid"`
	AttemptsRemaining int  `json:"attempts_remaining"`
}

// handleGetProviders returns the list of message providers in delivery order.
func handleGetProviders(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	sendResponse(w, app.dispatch.Providers())
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if err := app.service.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleGetStats returns the service counters.
func handleGetStats(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	out, err := app.service.Stats(r.Context())
	if err != nil {
		app.lo.Error("error fetching stats", "error", err)
		sendErrorResponse(w, "Error fetching stats.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, out)
}

// handleSendOTP issues a new OTP and delivers it to the recipient.
func handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req sendReq
	)
	if !bindRequest(w, r, app, &req) {
		return
	}

	out, err := app.service.Issue(r.Context(), req.Recipient, models.Config{
		CodeLength:  req.CodeLength,
		Expiry:      time.Duration(req.ExpiryMinutes) * time.Minute,
		MaxAttempts: req.MaxAttempts,
		Cooldown:    time.Duration(req.CooldownMinutes) * time.Minute,
	})
	if err != nil {
		sendOTPError(w, app, err)
		return
	}

	sendResponse(w, out)
}

// handleVerifyOTP checks a code against an issued OTP.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req verifyReq
	)
	if !bindRequest(w, r, app, &req) {
		return
	}

	out, err := app.service.Verify(r.Context(), req.ID, req.Code, models.Config{MaxAttempts: req.MaxAttempts})
	if err != nil {
		sendOTPError(w, app, err)
		return
	}

	sendResponse(w, out)
}

// handleGetOTPStatus reports on an OTP without counting as an attempt.
func handleGetOTPStatus(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		id  = chi.URLParam(r, "id")
	)

	out, err := app.service.Status(r.Context(), id)
	if err != nil {
		app.lo.Error("error checking OTP status", "id", id, "error", err)
		sendErrorResponse(w, "Error checking OTP status.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, out)
}

// bindRequest decodes a JSON request body into v and validates it. On
// failure, it writes the error response and returns false.
func bindRequest(w http.ResponseWriter, r *http.Request, app *App, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReqBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		sendErrorResponse(w, fmt.Sprintf("Invalid JSON request: %v", err), http.StatusBadRequest, nil)
		return false
	}

	if err := app.validate.Struct(v); err != nil {
		var vErr validator.ValidationErrors
		if errors.As(err, &vErr) {
			msgs := lo.Map(vErr, func(e validator.FieldError, _ int) string {
				if e.Param() != "" {
					return fmt.Sprintf("`%s` failed %s=%s", e.Field(), e.Tag(), e.Param())
				}
				return fmt.Sprintf("`%s` is %s", e.Field(), e.Tag())
			})
			sendErrorResponse(w, "Invalid request: "+strings.Join(msgs, ", "), http.StatusBadRequest, nil)
			return false
		}

		sendErrorResponse(w, "Invalid request.", http.StatusBadRequest, nil)
		return false
	}

	return true
}

// sendOTPError maps OTP service errors to HTTP responses.
func sendOTPError(w http.ResponseWriter, app *App, err error) {
	var (
		rlErr *otp.RateLimitError
		mmErr *otp.MismatchError
		dErr  *otp.DeliveryError
		pErr  *dispatch.Error
	)

	switch {
	case errors.Is(err, otp.ErrInvalidRecipient):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", rlErr.RetryAfterSeconds()))
		sendErrorResponse(w, err.Error(), http.StatusTooManyRequests,
			rateLimitResp{RetryAfterSeconds: rlErr.RetryAfterSeconds()})
	case errors.As(err, &dErr):
		out := deliveryErrResp{Reason: "not accepted by any provider"}
		if errors.As(err, &pErr) {
			out.Providers = pErr.Providers
		} else if errors.Is(err, dispatch.ErrNoProviders) {
			out.Reason = dispatch.ErrNoProviders.Error()
		}
		sendErrorResponse(w, "Error sending OTP.", http.StatusBadGateway, out)
	case errors.As(err, &mmErr):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest,
			mismatchResp{AttemptsRemaining: mmErr.AttemptsRemaining})
	case errors.Is(err, otp.ErrNotFound):
		sendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, otp.ErrExpired):
		sendErrorResponse(w, err.Error(), http.StatusGone, nil)
	case errors.Is(err, otp.ErrAttemptsExhausted):
		sendErrorResponse(w, err.Error(), http.StatusTooManyRequests, nil)
	case errors.Is(err, otp.ErrAlreadyUsed):
		sendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	default:
		app.lo.Error("error processing OTP", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
	}
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}

// auth is a simple authentication middleware.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		// Basic auth scheme.
		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(string(strings.Trim(h[len(authBasic):], " ")))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			username = string(pair[0])
			secret   = pair[1]
		)
		s, ok := authMap[username]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
