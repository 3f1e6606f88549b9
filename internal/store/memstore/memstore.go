// Package memstore provides an in-memory implementation of store.Store.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/muster/internal/store"
)

// Store holds records in memory. Suitable for dev/testing.
type Store struct {
	mu         sync.RWMutex
	alerts     map[string]*store.AlertRecord
	meetings   map[string]*store.MeetingRecord
	byExternal map[string]string // external meeting ID -> meeting ID
	byAlert    map[string]string // alert ID -> latest meeting ID
	learning   []store.LearningRecord
	webhooks   []store.WebhookLog
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts:     make(map[string]*store.AlertRecord),
		meetings:   make(map[string]*store.MeetingRecord),
		byExternal: make(map[string]string),
		byAlert:    make(map[string]string),
	}
}

var _ store.Store = (*Store)(nil)

// SaveAlert upserts an alert by id. CreatedAt is kept from the first save.
func (s *Store) SaveAlert(_ context.Context, r *store.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAlert(r)
	return nil
}

func (s *Store) putAlert(r *store.AlertRecord) {
	cp := r.Clone()
	if prev, ok := s.alerts[r.AlertID]; ok && !prev.CreatedAt.IsZero() {
		cp.CreatedAt = prev.CreatedAt
	}
	s.alerts[r.AlertID] = cp
}

// GetAlert retrieves an alert by id. Returns a copy.
func (s *Store) GetAlert(_ context.Context, id string) (*store.AlertRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// RecentAlerts returns alerts newest first, optionally filtered by severity.
func (s *Store) RecentAlerts(_ context.Context, limit int, severity string) ([]store.AlertRecord, error) {
	s.mu.RLock()
	out := make([]store.AlertRecord, 0, len(s.alerts))
	for _, r := range s.alerts {
		if severity != "" && r.Severity != severity {
			continue
		}
		out = append(out, *r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out[:min(len(out), store.ClampLimit(limit))], nil
}

// SaveMeeting upserts a meeting by meeting id.
func (s *Store) SaveMeeting(_ context.Context, r *store.MeetingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putMeeting(r)
	return nil
}

func (s *Store) putMeeting(r *store.MeetingRecord) {
	cp := r.Clone()
	if prev, ok := s.meetings[r.MeetingID]; ok && !prev.CreatedAt.IsZero() {
		cp.CreatedAt = prev.CreatedAt
	}
	s.meetings[r.MeetingID] = cp
	if r.ExternalMeetingID != "" {
		s.byExternal[r.ExternalMeetingID] = r.MeetingID
	}
	if r.AlertID != "" {
		s.byAlert[r.AlertID] = r.MeetingID
	}
}

func (s *Store) lookupMeeting(id string) *store.MeetingRecord {
	if r, ok := s.meetings[id]; ok {
		return r
	}
	if mid, ok := s.byExternal[id]; ok {
		return s.meetings[mid]
	}
	return nil
}

// GetMeeting retrieves a meeting by meeting or external id. Returns a copy.
func (s *Store) GetMeeting(_ context.Context, id string) (*store.MeetingRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.lookupMeeting(id)
	if r == nil {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// GetMeetingByAlert retrieves the latest meeting for an alert. Returns a copy.
func (s *Store) GetMeetingByAlert(_ context.Context, alertID string) (*store.MeetingRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mid, ok := s.byAlert[alertID]
	if !ok {
		return nil, false, nil
	}
	r, ok := s.meetings[mid]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// RecentMeetings returns meetings newest first.
func (s *Store) RecentMeetings(_ context.Context, limit int) ([]store.MeetingRecord, error) {
	s.mu.RLock()
	out := make([]store.MeetingRecord, 0, len(s.meetings))
	for _, r := range s.meetings {
		out = append(out, *r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out[:min(len(out), store.ClampLimit(limit))], nil
}

// CompleteMeeting marks a meeting completed.
func (s *Store) CompleteMeeting(_ context.Context, id, summary string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.lookupMeeting(id)
	if r == nil {
		return false, nil
	}
	r.Status = store.MeetingCompleted
	r.PostMeetingSummary = summary
	r.UpdatedAt = at
	return true, nil
}

// SaveOutcome writes both records under one lock.
func (s *Store) SaveOutcome(_ context.Context, a *store.AlertRecord, m *store.MeetingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAlert(a)
	if m != nil {
		s.putMeeting(m)
	}
	return nil
}

// SaveLearning appends a learning record.
func (s *Store) SaveLearning(_ context.Context, r *store.LearningRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.PatternsIdentified = slices.Clone(r.PatternsIdentified)
	s.learning = append(s.learning, cp)
	return nil
}

// Learning returns all learning records oldest first.
func (s *Store) Learning() []store.LearningRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.learning)
}

// SaveWebhookLog appends a webhook log.
func (s *Store) SaveWebhookLog(_ context.Context, l *store.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = append(s.webhooks, *l)
	return nil
}

// WebhookLogs returns logs newest first.
func (s *Store) WebhookLogs(_ context.Context, failedOnly bool, limit int) ([]store.WebhookLog, error) {
	limit = store.ClampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.WebhookLog, 0, min(limit, len(s.webhooks)))
	for i := len(s.webhooks) - 1; i >= 0 && len(out) < limit; i-- {
		l := s.webhooks[i]
		if failedOnly && !l.Failed() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}
