// Package alerting is the client for the alerting service (ChainSync).
// New returns a REST client when an API key is configured and an
// in-process mock otherwise.
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/retry"
)

// Service names the upstream in errors and metrics.
const Service = "chainsync"

// Defaults for Config.
const (
	DefaultURL     = "http://localhost:8081/api"
	DefaultTimeout = 10 * time.Second
	DefaultAuthor  = "AI Agent"
)

// StatusMeetingScheduled is written back once a meeting exists.
const StatusMeetingScheduled = "meeting_scheduled"

// Config selects and configures the client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// StatusUpdate is a status change for an alert.
type StatusUpdate struct {
	Status     string `json:"status"`
	MeetingURL string `json:"meeting_url,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Record is a response from the alerting service.
type Record struct {
	ID     string          `json:"id"`
	Status string          `json:"status,omitempty"`
	Mock   bool            `json:"mock,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// Alert decodes the alert fields present in the record. Missing fields are
// left zero; the result is not validated.
func (r *Record) Alert() *alert.Alert {
	a := &alert.Alert{ID: r.ID}
	if !gjson.ValidBytes(r.Raw) {
		return a
	}
	res := gjson.ParseBytes(r.Raw)
	if v := res.Get("alert_id").String(); v != "" {
		a.ID = v
	}
	a.Type = res.Get("alert_type").String()
	a.Severity, _ = alert.ParseSeverity(res.Get("severity").String())
	a.Description = res.Get("description").String()
	for _, s := range res.Get("affected_systems").Array() {
		a.AffectedSystems = append(a.AffectedSystems, s.String())
	}
	if ts := res.Get("detected_at").String(); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			a.DetectedAt = t
		}
	}
	if c, ok := res.Get("context").Value().(map[string]any); ok {
		a.Context = c
	}
	for _, f := range res.Get("compliance_frameworks").Array() {
		a.ComplianceFrameworks = append(a.ComplianceFrameworks, f.String())
	}
	return a
}

// Client talks to the alerting service.
type Client interface {
	GetAlert(ctx context.Context, id string) (*Record, error)
	UpdateAlertStatus(ctx context.Context, id string, u StatusUpdate) (*Record, error)
	AddComment(ctx context.Context, id, text, author string) (*Record, error)
	GetFacility(ctx context.Context, id string) (*Record, error)
}

// New returns an HTTP client when cfg.APIKey is set and a Mock otherwise.
func New(cfg Config, exec *retry.Executor, logger log.Logger) Client {
	if cfg.APIKey == "" {
		return Mock{}
	}
	return NewHTTP(cfg, exec, logger)
}

// HTTP is the REST client.
type HTTP struct {
	rest   *retry.HTTPClient
	logger log.Logger
	now    func() time.Time
}

// NewHTTP returns a REST client authenticating with X-API-Key.
func NewHTTP(cfg Config, exec *retry.Executor, logger log.Logger) *HTTP {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	header := http.Header{}
	header.Set("X-API-Key", cfg.APIKey)
	return &HTTP{
		rest:   retry.NewHTTPClient(Service, cfg.URL, header, cfg.Timeout, exec),
		logger: logger,
		now:    time.Now,
	}
}

func alertPath(id string) string { return "/alerts/" + url.PathEscape(id) }

// GetAlert implements Client.
func (c *HTTP) GetAlert(ctx context.Context, id string) (*Record, error) {
	body, err := c.rest.Do(ctx, http.MethodGet, alertPath(id), nil)
	if err != nil {
		return nil, upstream("get_alert", err)
	}
	return parseRecord(body, id, "alert_id"), nil
}

// UpdateAlertStatus implements Client.
func (c *HTTP) UpdateAlertStatus(ctx context.Context, id string, u StatusUpdate) (*Record, error) {
	body, err := c.rest.Do(ctx, http.MethodPatch, alertPath(id), u)
	if err != nil {
		c.logger.Error(ctx, err, "update alert status failed", "alert_id", id, "status", u.Status)
		return nil, upstream("update_alert_status", err)
	}
	return parseRecord(body, id, "alert_id"), nil
}

// AddComment implements Client. An empty author means DefaultAuthor.
func (c *HTTP) AddComment(ctx context.Context, id, text, author string) (*Record, error) {
	if author == "" {
		author = DefaultAuthor
	}
	payload := map[string]string{
		"comment":   text,
		"author":    author,
		"timestamp": c.now().UTC().Format(time.RFC3339),
	}
	body, err := c.rest.Do(ctx, http.MethodPost, alertPath(id)+"/comments", payload)
	if err != nil {
		return nil, upstream("add_comment", err)
	}
	return parseRecord(body, id, "alert_id"), nil
}

// GetFacility implements Client.
func (c *HTTP) GetFacility(ctx context.Context, id string) (*Record, error) {
	body, err := c.rest.Do(ctx, http.MethodGet, "/facilities/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, upstream("get_facility", err)
	}
	return parseRecord(body, id, "facility_id"), nil
}

func parseRecord(body []byte, id, idKey string) *Record {
	r := &Record{ID: id}
	if !gjson.ValidBytes(body) {
		return r
	}
	res := gjson.ParseBytes(body)
	if v := res.Get(idKey).String(); v != "" {
		r.ID = v
	}
	r.Status = res.Get("status").String()
	r.Mock = res.Get("mock").Bool()
	r.Raw = json.RawMessage(body)
	return r
}

func upstream(op string, err error) error {
	ue := &apierr.UpstreamError{Service: Service, Op: op, Err: err}
	var se *retry.StatusError
	if errors.As(err, &se) {
		ue.Status = se.Code
	}
	return ue
}

// Mock stands in for the service when no API key is configured. It keeps
// no state.
type Mock struct{}

func mockRecord(fields map[string]any, id string) *Record {
	fields["mock"] = true
	raw, _ := json.Marshal(fields)
	status, _ := fields["status"].(string)
	return &Record{ID: id, Status: status, Mock: true, Raw: raw}
}

// GetAlert implements Client.
func (Mock) GetAlert(_ context.Context, id string) (*Record, error) {
	return mockRecord(map[string]any{"alert_id": id}, id), nil
}

// UpdateAlertStatus implements Client.
func (Mock) UpdateAlertStatus(_ context.Context, id string, u StatusUpdate) (*Record, error) {
	return mockRecord(map[string]any{"alert_id": id, "status": u.Status, "updated": true}, id), nil
}

// AddComment implements Client.
func (Mock) AddComment(_ context.Context, id, _, _ string) (*Record, error) {
	return mockRecord(map[string]any{"alert_id": id, "comment_added": true}, id), nil
}

// GetFacility implements Client.
func (Mock) GetFacility(_ context.Context, id string) (*Record, error) {
	return mockRecord(map[string]any{"facility_id": id}, id), nil
}
