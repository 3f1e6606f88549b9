package webhookapi

import (
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/webhookauth"
)

func TestWebhookLog_OversizedSignedBody(t *testing.T) {
	t.Parallel()

	metrics := webhookauth.NewMetrics(prometheus.NewRegistry())
	auth := webhookauth.New(webhookauth.Config{Secret: "s"}, nil, nil, metrics)
	ta := newTestAPI(t, func(d *Deps) { d.Auth = auth.Middleware })
	h := http.MaxBytesHandler(ta.router, 64)

	sig, ts, err := webhookauth.GenerateSignature([]byte(alertBody), "s")
	if err != nil {
		t.Fatalf("GenerateSignature: %v", err)
	}
	rec, env := do(t, h, http.MethodPost, "/webhooks/chainsync/alert", alertBody, map[string]string{
		webhookauth.HeaderSignature: sig,
		webhookauth.HeaderTimestamp: ts,
	})

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413 (%s)", rec.Code, rec.Body.String())
	}
	if env.Data["code"] != apierr.CodeTooLarge || env.Data["limit_bytes"] != float64(64) {
		t.Errorf("data = %v", env.Data)
	}
	if ta.orch.gotAlert != nil {
		t.Error("oversized webhook reached the orchestrator")
	}
	if got := testutil.ToFloat64(metrics.RejectionsTotal.WithLabelValues(webhookauth.ReasonInvalidSignature)); got != 0 {
		t.Errorf("invalid_signature rejections = %v, want 0", got)
	}

	logs, _ := ta.store.WebhookLogs(t.Context(), true, 10)
	if len(logs) != 1 {
		t.Fatalf("got %d failed logs, want 1", len(logs))
	}
	if logs[0].ResponseStatus != http.StatusRequestEntityTooLarge {
		t.Errorf("logged status = %d, want 413", logs[0].ResponseStatus)
	}
	if !strings.Contains(logs[0].Error, "too large") {
		t.Errorf("logged error = %q", logs[0].Error)
	}
	if logs[0].Payload != nil {
		t.Errorf("payload = %s, want none for a partial body", logs[0].Payload)
	}
}

func TestDecodeBody_TooLarge(t *testing.T) {
	t.Parallel()

	ta := newTestAPI(t)
	h := http.MaxBytesHandler(ta.router, 16)

	rec, env := do(t, h, http.MethodPost, "/api/v1/requests/chat", `{"message":"`+strings.Repeat("x", 64)+`"}`, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if env.Data["code"] != apierr.CodeTooLarge {
		t.Errorf("code = %v", env.Data["code"])
	}
}
