package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stepErr struct{}

func (stepErr) Error() string           { return "step create_meeting failed" }
func (stepErr) HTTPStatus() int         { return http.StatusInternalServerError }
func (stepErr) Details() map[string]any { return map[string]any{"step": "create_meeting"} }

func TestStatusAndCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"missing key", &AuthError{Status: 401, Reason: "missing_api_key", Msg: "missing"}, 401, CodeUnauthorized},
		{"bad key", &AuthError{Status: 403, Reason: "invalid_api_key", Msg: "bad"}, 403, CodeForbidden},
		{"rate limited", &RateLimitError{RetryAfter: 5}, 429, CodeRateLimitExceeded},
		{"validation", Invalid("severity", "unknown severity %q", "x"), 400, CodeInvalidInput},
		{"wrapped validation", fmt.Errorf("decode: %w", Invalid("alert_id", "required")), 400, CodeInvalidInput},
		{"not found", fmt.Errorf("meeting m1: %w", ErrNotFound), 404, CodeNotFound},
		{"upstream", &UpstreamError{Service: "slotify", Op: "create_meeting", Err: errors.New("boom")}, 502, CodeUpstream},
		{"status coder wins", stepErr{}, 500, CodeInternal},
		{"body too large", fmt.Errorf("request body: %w", &http.MaxBytesError{Limit: 64}), 413, CodeTooLarge},
		{"plain", errors.New("oops"), 500, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Status(tt.err); got != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got, tt.wantStatus)
			}
			if got := Code(tt.err); got != tt.wantCode {
				t.Errorf("Code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestWrite_RateLimitSetsRetryAfter(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	Write(rec, &RateLimitError{RetryAfter: 42})

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "42" {
		t.Errorf("Retry-After = %q, want 42", got)
	}

	var env struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Status != "error" {
		t.Errorf("status = %q, want error", env.Status)
	}
	if env.Data["code"] != CodeRateLimitExceeded {
		t.Errorf("code = %v, want %s", env.Data["code"], CodeRateLimitExceeded)
	}
	if env.Data["retry_after"] != float64(42) {
		t.Errorf("retry_after = %v, want 42", env.Data["retry_after"])
	}
}

func TestWrite_UnauthorizedSetsChallenge(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	Write(rec, &AuthError{Status: http.StatusUnauthorized, Reason: "missing_api_key", Msg: "missing API key"})

	if got := rec.Header().Get("WWW-Authenticate"); got != "ApiKey" {
		t.Errorf("WWW-Authenticate = %q, want ApiKey", got)
	}
}

func TestWrite_InternalHidesMessage(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	Write(rec, errors.New("dial tcp 10.0.0.1:5432: secret detail"))

	var env Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Message != "internal error" {
		t.Errorf("message = %q, want %q", env.Message, "internal error")
	}
}

func TestWrite_DetailerFieldsMerged(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	Write(rec, stepErr{})

	var env struct {
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data["step"] != "create_meeting" {
		t.Errorf("step = %v, want create_meeting", env.Data["step"])
	}
	if env.Message != "step create_meeting failed" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, "created", map[string]string{"id": "x"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	var env Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Status != "success" || env.Message != "created" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}
