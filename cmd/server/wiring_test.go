package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	mc "github.com/linnemanlabs/muster/internal/cfg"
	"github.com/linnemanlabs/muster/internal/store/memstore"
)

func TestNewGenerator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  mc.Config
		want string
	}{
		{"auto without keys", mc.Config{LLMProvider: mc.ProviderAuto}, "none"},
		{"explicit none", mc.Config{LLMProvider: mc.ProviderNone, ClaudeAPIKey: "sk-x"}, "none"},
		{"auto picks claude", mc.Config{LLMProvider: mc.ProviderAuto, ClaudeAPIKey: "sk-x", ClaudeModel: "claude-sonnet-4-5"}, "claude"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gen, err := newGenerator(context.Background(), &tt.cfg, log.Nop(), prometheus.NewRegistry())
			if err != nil {
				t.Fatalf("newGenerator: %v", err)
			}
			if got := gen.Provider(); got != tt.want {
				t.Errorf("Provider() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewGenerator_UnknownProvider(t *testing.T) {
	t.Parallel()

	c := mc.Config{LLMProvider: "openai"}
	if _, err := newGenerator(context.Background(), &c, log.Nop(), prometheus.NewRegistry()); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewStore_MemoryWithoutURL(t *testing.T) {
	t.Parallel()

	st, persistent, closeFn, err := newStore(context.Background(), &mc.Config{})
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	defer closeFn()
	if persistent {
		t.Error("persistent = true, want false")
	}
	if _, ok := st.(*memstore.Store); !ok {
		t.Errorf("store type = %T, want *memstore.Store", st)
	}
}

func TestNewRateLimiter_Memory(t *testing.T) {
	t.Parallel()

	c := mc.Config{RateLimitMax: 1, RateLimitWindowSeconds: 60}
	l, closeFn, err := newRateLimiter(context.Background(), &c)
	if err != nil {
		t.Fatalf("newRateLimiter: %v", err)
	}
	defer func() { _ = closeFn() }()

	ctx := context.Background()
	if err := l.Allow(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("first Allow: %v", err)
	}
	if err := l.Allow(ctx, "10.0.0.1"); err == nil {
		t.Error("second Allow succeeded, want rate limit error")
	}
}

func TestNewRateLimiter_Redis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	c := mc.Config{RateLimitMax: 2, RateLimitWindowSeconds: 60, RedisAddr: mr.Addr()}
	l, closeFn, err := newRateLimiter(context.Background(), &c)
	if err != nil {
		t.Fatalf("newRateLimiter: %v", err)
	}
	defer func() { _ = closeFn() }()

	ctx := context.Background()
	for i := range 2 {
		if err := l.Allow(ctx, "10.0.0.2"); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
	}
	if err := l.Allow(ctx, "10.0.0.2"); err == nil {
		t.Error("third Allow succeeded, want rate limit error")
	}
	if len(mr.Keys()) == 0 {
		t.Error("expected rate limit keys in redis")
	}
}

func TestNewRateLimiter_RedisUnreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := mc.Config{RateLimitMax: 1, RateLimitWindowSeconds: 60, RedisAddr: addr}
	if _, _, err := newRateLimiter(context.Background(), &c); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}

func TestFeatures(t *testing.T) {
	t.Parallel()

	c := mc.Config{
		LLMProvider:   mc.ProviderAuto,
		GeminiAPIKey:  "g-key",
		WebhookSecret: "s3cret",
		SlotifyAPIKey: "slot",
	}
	got := features(&c, true)
	if got.APIKeyAuth || !got.SignatureVerification || !got.DatabasePersistence {
		t.Errorf("auth/persistence flags = %+v", got)
	}
	if !got.SchedulingIntegration || got.AlertingIntegration || !got.LLM {
		t.Errorf("integration flags = %+v", got)
	}
}

func TestCORSHandler_Preflight(t *testing.T) {
	t.Parallel()

	c := mc.Config{CORSOrigins: "https://ops.example.com"}
	h := corsHandler(&c)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{"allowed origin", "https://ops.example.com", "https://ops.example.com"},
		{"other origin", "https://evil.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodOptions, "/webhooks/chainsync/alert", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			req.Header.Set("Access-Control-Request-Headers", "X-Webhook-Signature")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if rec.Code == http.StatusTeapot {
				t.Error("preflight reached the wrapped handler")
			}
		})
	}
}
