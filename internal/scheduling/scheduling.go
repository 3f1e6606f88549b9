// Package scheduling is the client for the meeting-scheduling service
// (Slotify). New returns a REST client when an API key is configured and
// an in-process mock otherwise.
package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/retry"
)

// Service names the upstream in errors and metrics.
const Service = "slotify"

// Defaults for Config.
const (
	DefaultURL     = "https://api.slotify.com/v1"
	DefaultTimeout = 10 * time.Second
)

// Meeting statuses.
const (
	StatusScheduled = "scheduled"
	StatusCancelled = "cancelled"
)

// Config selects and configures the client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// MeetingRequest is a meeting to create.
type MeetingRequest struct {
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	ScheduledTime   time.Time `json:"scheduled_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Attendees       []string  `json:"attendees"`
	AlertReference  string    `json:"alert_reference,omitempty"`
	Organizer       string    `json:"organizer,omitempty"`
}

// Meeting is the service's view of a meeting.
type Meeting struct {
	MeetingID  string          `json:"meeting_id"`
	MeetingURL string          `json:"meeting_url,omitempty"`
	Status     string          `json:"status,omitempty"`
	Mock       bool            `json:"mock,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Client talks to the scheduling service.
type Client interface {
	CreateMeeting(ctx context.Context, req MeetingRequest) (*Meeting, error)
	UpdateMeeting(ctx context.Context, id string, fields map[string]any) (*Meeting, error)
	CancelMeeting(ctx context.Context, id, reason string) (*Meeting, error)
	GetMeeting(ctx context.Context, id string) (*Meeting, error)
}

// New returns an HTTP client when cfg.APIKey is set and a Mock otherwise.
func New(cfg Config, exec *retry.Executor, logger log.Logger) Client {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.APIKey == "" {
		return NewMock()
	}
	return NewHTTP(cfg, exec, logger)
}

// HTTP is the REST client.
type HTTP struct {
	rest   *retry.HTTPClient
	logger log.Logger
}

// NewHTTP returns a REST client using bearer authentication.
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
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	return &HTTP{
		rest:   retry.NewHTTPClient(Service, cfg.URL, header, cfg.Timeout, exec),
		logger: logger,
	}
}

// CreateMeeting implements Client.
func (c *HTTP) CreateMeeting(ctx context.Context, req MeetingRequest) (*Meeting, error) {
	body, err := c.rest.Do(ctx, http.MethodPost, "/meetings", req)
	if err != nil {
		c.logger.Error(ctx, err, "create meeting failed", "alert_id", req.AlertReference)
		return nil, upstream("create_meeting", err)
	}
	m := parseMeeting(body, "")
	if m.MeetingID == "" {
		return nil, upstream("create_meeting", errors.New("response has no meeting_id"))
	}
	c.logger.Info(ctx, "created meeting", "meeting_id", m.MeetingID, "alert_id", req.AlertReference)
	return m, nil
}

// UpdateMeeting implements Client.
func (c *HTTP) UpdateMeeting(ctx context.Context, id string, fields map[string]any) (*Meeting, error) {
	body, err := c.rest.Do(ctx, http.MethodPatch, "/meetings/"+url.PathEscape(id), fields)
	if err != nil {
		return nil, upstream("update_meeting", err)
	}
	return parseMeeting(body, id), nil
}

// CancelMeeting implements Client.
func (c *HTTP) CancelMeeting(ctx context.Context, id, reason string) (*Meeting, error) {
	payload := map[string]string{"status": StatusCancelled}
	if reason != "" {
		payload["cancellation_reason"] = reason
	}
	body, err := c.rest.Do(ctx, http.MethodPost, "/meetings/"+url.PathEscape(id)+"/cancel", payload)
	if err != nil {
		return nil, upstream("cancel_meeting", err)
	}
	return parseMeeting(body, id), nil
}

// GetMeeting implements Client.
func (c *HTTP) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	body, err := c.rest.Do(ctx, http.MethodGet, "/meetings/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, upstream("get_meeting", err)
	}
	return parseMeeting(body, id), nil
}

// parseMeeting reads the fields the workflow needs and keeps the rest raw.
func parseMeeting(body []byte, id string) *Meeting {
	m := &Meeting{MeetingID: id}
	if !gjson.ValidBytes(body) {
		return m
	}
	res := gjson.ParseBytes(body)
	if v := res.Get("meeting_id").String(); v != "" {
		m.MeetingID = v
	} else if v := res.Get("id").String(); v != "" {
		m.MeetingID = v
	}
	m.MeetingURL = res.Get("meeting_url").String()
	if m.MeetingURL == "" {
		m.MeetingURL = res.Get("url").String()
	}
	m.Status = res.Get("status").String()
	m.Mock = res.Get("mock").Bool()
	m.Raw = json.RawMessage(body)
	return m
}

func upstream(op string, err error) error {
	ue := &apierr.UpstreamError{Service: Service, Op: op, Err: err}
	var se *retry.StatusError
	if errors.As(err, &se) {
		ue.Status = se.Code
	}
	return ue
}

// Mock stands in for the service when no API key is configured.
type Mock struct {
	mu       sync.Mutex
	meetings map[string]*Meeting
}

// NewMock returns an empty Mock.
func NewMock() *Mock {
	return &Mock{meetings: make(map[string]*Meeting)}
}

func mockURL(id string) string { return "https://slotify.com/meetings/" + id }

// CreateMeeting implements Client.
func (m *Mock) CreateMeeting(_ context.Context, req MeetingRequest) (*Meeting, error) {
	id := "slotify-mock-" + ulid.Make().String()
	raw, _ := json.Marshal(map[string]any{
		"meeting_id":     id,
		"meeting_url":    mockURL(id),
		"title":          req.Title,
		"scheduled_time": req.ScheduledTime,
		"attendees":      req.Attendees,
		"status":         StatusScheduled,
		"mock":           true,
	})
	mt := &Meeting{MeetingID: id, MeetingURL: mockURL(id), Status: StatusScheduled, Mock: true, Raw: raw}
	m.mu.Lock()
	m.meetings[id] = mt
	m.mu.Unlock()
	out := *mt
	return &out, nil
}

// UpdateMeeting implements Client.
func (m *Mock) UpdateMeeting(_ context.Context, id string, fields map[string]any) (*Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.meetings[id]
	if !ok {
		mt = &Meeting{MeetingID: id, MeetingURL: mockURL(id), Status: StatusScheduled, Mock: true}
		m.meetings[id] = mt
	}
	if s, ok := fields["status"].(string); ok && s != "" {
		mt.Status = s
	}
	out := *mt
	return &out, nil
}

// CancelMeeting implements Client.
func (m *Mock) CancelMeeting(ctx context.Context, id, _ string) (*Meeting, error) {
	return m.UpdateMeeting(ctx, id, map[string]any{"status": StatusCancelled})
}

// GetMeeting implements Client.
func (m *Mock) GetMeeting(_ context.Context, id string) (*Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mt, ok := m.meetings[id]; ok {
		out := *mt
		return &out, nil
	}
	return &Meeting{MeetingID: id, Mock: true}, nil
}
