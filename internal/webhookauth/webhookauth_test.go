package webhookauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/muster/internal/apierr"
)

func TestSign_CanonicalMessage(t *testing.T) {
	t.Parallel()

	body := []byte(`{"alert_id":"ALT-1"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000." + string(body)))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := Sign("secret", "1700000000", body); got != want {
		t.Errorf("Sign = %s, want %s", got, want)
	}
	if Sign("secret", "1700000001", body) == want {
		t.Error("timestamp not covered by signature")
	}
	if Sign("secret2", "1700000000", body) == want {
		t.Error("secret not covered by signature")
	}
}

func TestGenerateSignature_RoundTrip(t *testing.T) {
	t.Parallel()

	bodies := [][]byte{
		[]byte(`{"alert_id":"ALT-1"}`),
		[]byte(""),
		[]byte("unicode ✓ payload"),
		bytes.Repeat([]byte("x"), 4096),
	}
	secrets := []string{"s", "webhook-secret", "🔑"}

	for _, secret := range secrets {
		a := New(Config{Secret: secret}, nil, log.Nop(), nil)
		for _, body := range bodies {
			sig, ts, err := GenerateSignature(body, secret)
			if err != nil {
				t.Fatalf("GenerateSignature: %v", err)
			}
			if err := a.Check(context.Background(), signedRequest(body, sig, ts), body); err != nil {
				t.Errorf("secret %q body %q: Check = %v, want nil", secret, body, err)
			}

			if len(body) > 0 {
				tampered := append([]byte(nil), body...)
				tampered[0] ^= 0x01
				err := a.Check(context.Background(), signedRequest(tampered, sig, ts), tampered)
				assertAuthError(t, err, http.StatusForbidden, ReasonInvalidSignature)
			}

			other := New(Config{Secret: secret + "x"}, nil, log.Nop(), nil)
			err = other.Check(context.Background(), signedRequest(body, sig, ts), body)
			assertAuthError(t, err, http.StatusForbidden, ReasonInvalidSignature)
		}
	}
}

func TestGenerateSignature_EmptySecret(t *testing.T) {
	t.Parallel()

	if _, _, err := GenerateSignature([]byte("x"), ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestCheck_ReplayWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"a":1}`)

	tests := []struct {
		name    string
		offset  time.Duration
		wantErr bool
	}{
		{"now", 0, false},
		{"299s old", -299 * time.Second, false},
		{"300s old", -300 * time.Second, false},
		{"301s old", -301 * time.Second, true},
		{"one hour old", -time.Hour, true},
		{"301s in future", 301 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := New(Config{Secret: "s"}, nil, log.Nop(), nil)
			a.now = func() time.Time { return now }

			ts := strconv.FormatInt(now.Add(tt.offset).Unix(), 10)
			err := a.Check(context.Background(), signedRequest(body, Sign("s", ts, body), ts), body)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Check = %v, want nil", err)
				}
				return
			}
			assertAuthError(t, err, http.StatusUnauthorized, ReasonReplay)
		})
	}
}

func TestCheck_SignatureHeaders(t *testing.T) {
	t.Parallel()

	a := New(Config{Secret: "s"}, nil, log.Nop(), nil)
	body := []byte("{}")

	t.Run("missing signature", func(t *testing.T) {
		t.Parallel()
		req := signedRequest(body, "", "123")
		assertAuthError(t, a.Check(context.Background(), req, body), http.StatusUnauthorized, ReasonMissingSignature)
	})
	t.Run("missing timestamp", func(t *testing.T) {
		t.Parallel()
		req := signedRequest(body, "abc", "")
		assertAuthError(t, a.Check(context.Background(), req, body), http.StatusUnauthorized, ReasonMissingSignature)
	})
	t.Run("non-integer timestamp", func(t *testing.T) {
		t.Parallel()
		req := signedRequest(body, "abc", "yesterday")
		err := a.Check(context.Background(), req, body)
		var ve *apierr.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
	t.Run("GET skips signature", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
		if err := a.Check(context.Background(), req, nil); err != nil {
			t.Fatalf("Check = %v, want nil", err)
		}
	})
}

func TestCheck_APIKey(t *testing.T) {
	t.Parallel()

	a := New(Config{APIKey: "key-123"}, nil, log.Nop(), nil)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantReason string
	}{
		{"valid", "key-123", 0, ""},
		{"missing", "", http.StatusUnauthorized, ReasonMissingAPIKey},
		{"wrong", "key-124", http.StatusForbidden, ReasonInvalidAPIKey},
		{"prefix", "key-12", http.StatusForbidden, ReasonInvalidAPIKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/webhooks/chainsync/alert", http.NoBody)
			if tt.header != "" {
				req.Header.Set(HeaderAPIKey, tt.header)
			}
			err := a.Check(context.Background(), req, nil)
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("Check = %v, want nil", err)
				}
				return
			}
			assertAuthError(t, err, tt.wantStatus, tt.wantReason)
		})
	}
}

func TestCheck_UnconfiguredPasses(t *testing.T) {
	t.Parallel()

	a := New(Config{}, nil, log.Nop(), nil)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/chainsync/alert", bytes.NewReader([]byte("{}")))
	if err := a.Check(context.Background(), req, []byte("{}")); err != nil {
		t.Fatalf("Check = %v, want nil", err)
	}
}

func TestCheck_OrderRateLimitFirst(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(NewMemoryStore(), 1, time.Minute)
	a := New(Config{APIKey: "k", Secret: "s"}, l, log.Nop(), nil)

	// first request consumes the budget even though it fails auth
	req := httptest.NewRequest(http.MethodPost, "/x", http.NoBody)
	assertAuthError(t, a.Check(context.Background(), req, nil), http.StatusUnauthorized, ReasonMissingAPIKey)

	req = httptest.NewRequest(http.MethodPost, "/x", http.NoBody)
	var rl *apierr.RateLimitError
	if err := a.Check(context.Background(), req, nil); !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError before API key check", err)
	}
}

// downStore fails every lookup like an unreachable Redis.
type downStore struct{ *MemoryStore }

func (downStore) Since(context.Context, string, time.Time) ([]time.Time, error) {
	return nil, errors.New("redis down")
}

func TestCheck_LimiterStoreFailure(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	l := NewRateLimiter(downStore{NewMemoryStore()}, 5, time.Minute)
	a := New(Config{}, l, log.Nop(), m)

	err := a.Check(context.Background(), httptest.NewRequest(http.MethodPost, "/x", http.NoBody), nil)
	if err == nil {
		t.Fatal("expected error when the limiter store is down")
	}
	var rl *apierr.RateLimitError
	if errors.As(err, &rl) {
		t.Fatalf("err = %v, store outage reported as throttling", err)
	}
	if got := apierr.Status(err); got != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", got)
	}
	if got := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues(ReasonLimiterError)); got != 1 {
		t.Errorf("limiter_error count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues(ReasonRateLimited)); got != 0 {
		t.Errorf("rate_limited count = %v, want 0", got)
	}
}

func TestCheck_APIKeyBeforeSignature(t *testing.T) {
	t.Parallel()

	a := New(Config{APIKey: "k", Secret: "s"}, nil, log.Nop(), nil)
	req := httptest.NewRequest(http.MethodPost, "/x", http.NoBody)
	req.Header.Set(HeaderAPIKey, "wrong")
	assertAuthError(t, a.Check(context.Background(), req, nil), http.StatusForbidden, ReasonInvalidAPIKey)
}

func TestRateLimiter_Window(t *testing.T) {
	t.Parallel()

	const maxRequests = 5
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(NewMemoryStore(), maxRequests, 60*time.Second)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := range maxRequests {
		if err := l.Allow(ctx, "10.0.0.1"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		now = now.Add(time.Second)
	}

	err := l.Allow(ctx, "10.0.0.1")
	var rl *apierr.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	// oldest is 5s old, 55s remain
	if rl.RetryAfter != 55 {
		t.Errorf("RetryAfter = %d, want 55", rl.RetryAfter)
	}

	if err := l.Allow(ctx, "10.0.0.2"); err != nil {
		t.Errorf("other IP: %v, want nil", err)
	}

	now = now.Add(60 * time.Second)
	if err := l.Allow(ctx, "10.0.0.1"); err != nil {
		t.Errorf("after window: %v, want nil", err)
	}
}

func TestRateLimiter_RetryAfterMinimumOne(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(NewMemoryStore(), 1, 10*time.Second)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_ = l.Allow(ctx, "ip")
	now = now.Add(9*time.Second + 900*time.Millisecond)

	var rl *apierr.RateLimitError
	if err := l.Allow(ctx, "ip"); !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfter != 1 {
		t.Errorf("RetryAfter = %d, want 1", rl.RetryAfter)
	}
}

func TestRateLimiter_ConcurrentExactBudget(t *testing.T) {
	t.Parallel()

	const maxRequests = 50
	l := NewRateLimiter(NewMemoryStore(), maxRequests, time.Minute)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for range maxRequests * 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(context.Background(), "same-ip") == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != maxRequests {
		t.Errorf("allowed = %d, want %d", ok.Load(), maxRequests)
	}
}

func TestMemoryStore_Purge(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = s.Record(ctx, "a", base)
	_ = s.Record(ctx, "a", base.Add(2*time.Minute))
	_ = s.Record(ctx, "b", base)

	if err := s.Purge(ctx, base.Add(time.Minute)); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("keys = %d, want 1", s.Len())
	}
	got, _ := s.Since(ctx, "a", base)
	if len(got) != 1 {
		t.Errorf("a len = %d, want 1", len(got))
	}
}

func TestMiddleware_WritesEnvelopeAndRestoresBody(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	a := New(Config{Secret: "s"}, nil, log.Nop(), metrics)

	var seen []byte
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		seen = buf.Bytes()
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"alert_id":"A1"}`)
	sig, ts, _ := GenerateSignature(body, "s")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(body, sig, ts))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Equal(seen, body) {
		t.Errorf("handler body = %q, want %q", seen, body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(body, "deadbeef", ts))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "192.0.2.7:5555"
	if got := ClientIP(req); got != "192.0.2.7" {
		t.Errorf("ClientIP = %q", got)
	}
	req.RemoteAddr = "192.0.2.8"
	if got := ClientIP(req); got != "192.0.2.8" {
		t.Errorf("ClientIP without port = %q", got)
	}
}

func signedRequest(body []byte, sig, ts string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/chainsync/alert", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set(HeaderSignature, sig)
	}
	if ts != "" {
		req.Header.Set(HeaderTimestamp, ts)
	}
	return req
}

func assertAuthError(t *testing.T, err error, status int, reason string) {
	t.Helper()
	var ae *apierr.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if ae.Status != status || ae.Reason != reason {
		t.Errorf("AuthError = {%d %s}, want {%d %s}", ae.Status, ae.Reason, status, reason)
	}
}

func TestMiddleware_BodyTooLarge(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	a := New(Config{Secret: "s"}, nil, log.Nop(), m)
	var reached atomic.Bool
	h := http.MaxBytesHandler(a.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		reached.Store(true)
	})), 8)

	body := []byte(`{"alert_id":"A-1","severity":"critical"}`)
	sig, ts, err := GenerateSignature(body, "s")
	if err != nil {
		t.Fatalf("GenerateSignature: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/chainsync/alert", bytes.NewReader(body))
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, ts)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if reached.Load() {
		t.Error("oversized request reached the handler")
	}
	if got := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues(ReasonBodyTooLarge)); got != 1 {
		t.Errorf("body_too_large count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues(ReasonInvalidSignature)); got != 0 {
		t.Errorf("invalid_signature count = %v, want 0", got)
	}
}
