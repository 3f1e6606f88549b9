// Package webhookauth gates inbound webhooks: per-IP rate limiting, a shared
// API key, and an HMAC-SHA256 signature over "timestamp.body" with a replay
// window. Checks run in that order; the signature applies only to POST, PUT
// and PATCH.
package webhookauth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/muster/internal/apierr"
)

// DefaultReplayWindow bounds how far a signed timestamp may drift from now.
const DefaultReplayWindow = 300 * time.Second

// Rejection reasons, also used as metric labels.
const (
	ReasonRateLimited      = "rate_limited"
	ReasonMissingAPIKey    = "missing_api_key"
	ReasonInvalidAPIKey    = "invalid_api_key"
	ReasonMissingSignature = "missing_signature"
	ReasonBadTimestamp     = "bad_timestamp"
	ReasonReplay           = "replay"
	ReasonInvalidSignature = "invalid_signature"
	ReasonLimiterError     = "limiter_error"
	ReasonBodyTooLarge     = "body_too_large"
)

// Config holds the shared credentials. Empty values disable that check.
type Config struct {
	APIKey       string
	Secret       string
	ReplayWindow time.Duration
}

// Metrics counts rejected requests.
type Metrics struct {
	RejectionsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns auth metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_webhook_auth_rejections_total",
			Help: "Inbound requests rejected by the webhook authenticator, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.RejectionsTotal)
	return m
}

// Authenticator runs the three webhook checks.
type Authenticator struct {
	apiKey       []byte
	secret       string
	replayWindow time.Duration
	limiter      *RateLimiter
	logger       log.Logger
	metrics      *Metrics
	now          func() time.Time
}

// New returns an Authenticator. limiter may be nil to disable rate limiting.
// Unset credentials are logged once here; the matching check then passes.
func New(cfg Config, limiter *RateLimiter, logger log.Logger, metrics *Metrics) *Authenticator {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	ctx := context.Background()
	if cfg.APIKey == "" {
		logger.Warn(ctx, "webhook API key not configured, API key check disabled")
	}
	if cfg.Secret == "" {
		logger.Warn(ctx, "webhook secret not configured, signature check disabled")
	}
	a := &Authenticator{
		secret:       cfg.Secret,
		replayWindow: cfg.ReplayWindow,
		limiter:      limiter,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}
	if cfg.APIKey != "" {
		a.apiKey = []byte(cfg.APIKey)
	}
	return a
}

// Check authenticates r. body is the raw request body the signature covers.
func (a *Authenticator) Check(ctx context.Context, r *http.Request, body []byte) error {
	if a.limiter != nil {
		if err := a.limiter.Allow(ctx, ClientIP(r)); err != nil {
			var rl *apierr.RateLimitError
			if !errors.As(err, &rl) {
				a.count(ReasonLimiterError)
				a.logger.Error(ctx, err, "rate limit store unavailable", "client_ip", ClientIP(r), "path", r.URL.Path)
				return err
			}
			a.reject(ctx, r, ReasonRateLimited)
			return err
		}
	}

	if err := a.checkAPIKey(r); err != nil {
		a.reject(ctx, r, err.Reason)
		return err
	}

	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if err := a.checkSignature(r, body); err != nil {
			reason := ReasonBadTimestamp
			if ae, ok := err.(*apierr.AuthError); ok {
				reason = ae.Reason
			}
			a.reject(ctx, r, reason)
			return err
		}
	}
	return nil
}

func (a *Authenticator) checkAPIKey(r *http.Request) *apierr.AuthError {
	if a.apiKey == nil {
		return nil
	}
	got := r.Header.Get(HeaderAPIKey)
	if got == "" {
		return &apierr.AuthError{Status: http.StatusUnauthorized, Reason: ReasonMissingAPIKey, Msg: "missing API key"}
	}
	if subtle.ConstantTimeCompare([]byte(got), a.apiKey) != 1 {
		return &apierr.AuthError{Status: http.StatusForbidden, Reason: ReasonInvalidAPIKey, Msg: "invalid API key"}
	}
	return nil
}

func (a *Authenticator) checkSignature(r *http.Request, body []byte) error {
	if a.secret == "" {
		return nil
	}
	sig := r.Header.Get(HeaderSignature)
	ts := r.Header.Get(HeaderTimestamp)
	if sig == "" || ts == "" {
		return &apierr.AuthError{Status: http.StatusUnauthorized, Reason: ReasonMissingSignature, Msg: "missing webhook signature or timestamp"}
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return apierr.Invalid(HeaderTimestamp, "must be an integer Unix timestamp")
	}
	drift := math.Abs(float64(a.now().Unix() - unix))
	if drift > a.replayWindow.Seconds() {
		return &apierr.AuthError{Status: http.StatusUnauthorized, Reason: ReasonReplay, Msg: "webhook timestamp outside replay window"}
	}

	if !signaturesEqual(sig, Sign(a.secret, ts, body)) {
		return &apierr.AuthError{Status: http.StatusForbidden, Reason: ReasonInvalidSignature, Msg: "invalid webhook signature"}
	}
	return nil
}

func (a *Authenticator) reject(ctx context.Context, r *http.Request, reason string) {
	a.count(reason)
	a.logger.Warn(ctx, "webhook request rejected",
		"reason", reason,
		"client_ip", ClientIP(r),
		"path", r.URL.Path,
	)
}

func (a *Authenticator) count(reason string) {
	if a.metrics != nil {
		a.metrics.RejectionsTotal.WithLabelValues(reason).Inc()
	}
}

// Middleware buffers the body, runs Check, and restores the body for next.
// The outer MaxBody middleware bounds the read.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mb *http.MaxBytesError
			if errors.As(err, &mb) {
				a.reject(r.Context(), r, ReasonBodyTooLarge)
				apierr.Write(w, fmt.Errorf("request body: %w", err))
				return
			}
			apierr.Write(w, apierr.Invalid("body", "unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := a.Check(r.Context(), r, body); err != nil {
			apierr.Write(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of r.RemoteAddr. httpmw.ClientIP rewrites
// RemoteAddr upstream when trusted proxies are configured.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
