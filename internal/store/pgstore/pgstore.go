// Package pgstore provides a PostgreSQL implementation of store.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/muster/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/muster/internal/store/pgstore")

//go:embed schema.sql
var schema string

// Store persists records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// marshalList encodes a slice, writing [] for nil.
func marshalList[T any](v []T) ([]byte, error) {
	if v == nil {
		v = []T{}
	}
	return marshalJSON(v)
}

// ---- alerts ----

const alertColumns = `alert_id, alert_type, severity, description, affected_systems, detected_at, context,
	root_cause, recommendations, compliance_status, compliance_violations, meeting_created, meeting_id,
	processed_at, created_at`

// SaveAlert upserts an alert by id.
func (s *Store) SaveAlert(ctx context.Context, r *store.AlertRecord) error {
	ctx, span := startSpan(ctx, "SaveAlert", "UPSERT")
	defer span.End()
	if err := upsertAlert(ctx, s.pool, r); err != nil {
		return fail(span, err)
	}
	return nil
}

func upsertAlert(ctx context.Context, q execer, r *store.AlertRecord) error {
	systems, err := marshalList(r.AffectedSystems)
	if err != nil {
		return fmt.Errorf("marshal affected_systems: %w", err)
	}
	recs, err := marshalList(r.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	violations, err := marshalList(r.ComplianceViolations)
	if err != nil {
		return fmt.Errorf("marshal compliance_violations: %w", err)
	}
	var alertCtx []byte
	if r.Context != nil {
		if alertCtx, err = marshalJSON(r.Context); err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `INSERT INTO alerts (` + alertColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (alert_id) DO UPDATE SET
		alert_type            = EXCLUDED.alert_type,
		severity              = EXCLUDED.severity,
		description           = EXCLUDED.description,
		affected_systems      = EXCLUDED.affected_systems,
		detected_at           = EXCLUDED.detected_at,
		context               = EXCLUDED.context,
		root_cause            = EXCLUDED.root_cause,
		recommendations       = EXCLUDED.recommendations,
		compliance_status     = EXCLUDED.compliance_status,
		compliance_violations = EXCLUDED.compliance_violations,
		meeting_created       = EXCLUDED.meeting_created,
		meeting_id            = EXCLUDED.meeting_id,
		processed_at          = EXCLUDED.processed_at`

	_, err = q.Exec(ctx, query,
		r.AlertID, r.AlertType, r.Severity, r.Description, systems, nullTime(r.DetectedAt), alertCtx,
		r.RootCause, recs, r.ComplianceStatus, violations, r.MeetingID != "", nullString(r.MeetingID),
		nullTime(r.ProcessedAt), createdAt,
	)
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", r.AlertID, err)
	}
	return nil
}

// GetAlert retrieves an alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (*store.AlertRecord, bool, error) {
	ctx, span := startSpan(ctx, "GetAlert", "SELECT")
	defer span.End()

	r, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE alert_id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// RecentAlerts returns alerts newest first, optionally filtered by severity.
func (s *Store) RecentAlerts(ctx context.Context, limit int, severity string) ([]store.AlertRecord, error) {
	ctx, span := startSpan(ctx, "RecentAlerts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE ($2 = '' OR severity = $2)
		 ORDER BY created_at DESC LIMIT $1`,
		store.ClampLimit(limit), severity)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []store.AlertRecord
	for rows.Next() {
		r, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	return out, nil
}

// scanAlert returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*store.AlertRecord, error) {
	var (
		r                                   store.AlertRecord
		systems, alertCtx, recs, violations []byte
		detectedAt, processedAt             *time.Time
		meetingID                           *string
	)
	err := row.Scan(
		&r.AlertID, &r.AlertType, &r.Severity, &r.Description, &systems, &detectedAt, &alertCtx,
		&r.RootCause, &recs, &r.ComplianceStatus, &violations, &r.MeetingCreated, &meetingID,
		&processedAt, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	r.DetectedAt = deref(detectedAt)
	r.ProcessedAt = deref(processedAt)
	r.MeetingID = deref(meetingID)

	if err := json.Unmarshal(systems, &r.AffectedSystems); err != nil {
		return nil, fmt.Errorf("unmarshal affected_systems: %w", err)
	}
	if err := json.Unmarshal(recs, &r.Recommendations); err != nil {
		return nil, fmt.Errorf("unmarshal recommendations: %w", err)
	}
	if err := json.Unmarshal(violations, &r.ComplianceViolations); err != nil {
		return nil, fmt.Errorf("unmarshal compliance_violations: %w", err)
	}
	if len(alertCtx) > 0 {
		if err := json.Unmarshal(alertCtx, &r.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return &r, nil
}

// ---- meetings ----

const meetingColumns = `meeting_id, external_meeting_id, alert_id, title, scheduled_time, meeting_url, attendees,
	alert_type, alert_severity, urgency_level, urgency_score, why_scheduled, discussion_points,
	pre_meeting_summary, suggested_attendees, recommended_duration, status, post_meeting_summary,
	created_at, updated_at`

// SaveMeeting upserts a meeting by meeting id.
func (s *Store) SaveMeeting(ctx context.Context, r *store.MeetingRecord) error {
	ctx, span := startSpan(ctx, "SaveMeeting", "UPSERT")
	defer span.End()
	if err := upsertMeeting(ctx, s.pool, r); err != nil {
		return fail(span, err)
	}
	return nil
}

func upsertMeeting(ctx context.Context, q execer, r *store.MeetingRecord) error {
	attendees, err := marshalList(r.Attendees)
	if err != nil {
		return fmt.Errorf("marshal attendees: %w", err)
	}
	points, err := marshalList(r.DiscussionPoints)
	if err != nil {
		return fmt.Errorf("marshal discussion_points: %w", err)
	}
	suggested, err := marshalList(r.SuggestedAttendees)
	if err != nil {
		return fmt.Errorf("marshal suggested_attendees: %w", err)
	}
	now := time.Now().UTC()
	createdAt, updatedAt := r.CreatedAt, r.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}
	status := r.Status
	if status == "" {
		status = store.MeetingScheduled
	}

	query := `INSERT INTO meetings (` + meetingColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	ON CONFLICT (meeting_id) DO UPDATE SET
		external_meeting_id  = EXCLUDED.external_meeting_id,
		alert_id             = EXCLUDED.alert_id,
		title                = EXCLUDED.title,
		scheduled_time       = EXCLUDED.scheduled_time,
		meeting_url          = EXCLUDED.meeting_url,
		attendees            = EXCLUDED.attendees,
		alert_type           = EXCLUDED.alert_type,
		alert_severity       = EXCLUDED.alert_severity,
		urgency_level        = EXCLUDED.urgency_level,
		urgency_score        = EXCLUDED.urgency_score,
		why_scheduled        = EXCLUDED.why_scheduled,
		discussion_points    = EXCLUDED.discussion_points,
		pre_meeting_summary  = EXCLUDED.pre_meeting_summary,
		suggested_attendees  = EXCLUDED.suggested_attendees,
		recommended_duration = EXCLUDED.recommended_duration,
		status               = EXCLUDED.status,
		post_meeting_summary = EXCLUDED.post_meeting_summary,
		updated_at           = EXCLUDED.updated_at`

	_, err = q.Exec(ctx, query,
		r.MeetingID, nullString(r.ExternalMeetingID), nullString(r.AlertID), r.Title, nullTime(r.ScheduledTime),
		r.MeetingURL, attendees, r.AlertType, r.AlertSeverity, r.UrgencyLevel, r.UrgencyScore,
		r.WhyScheduled, points, r.PreMeetingSummary, suggested, r.RecommendedDuration, status,
		r.PostMeetingSummary, createdAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert meeting %s: %w", r.MeetingID, err)
	}
	return nil
}

// GetMeeting retrieves a meeting by meeting id or external meeting id.
func (s *Store) GetMeeting(ctx context.Context, id string) (*store.MeetingRecord, bool, error) {
	ctx, span := startSpan(ctx, "GetMeeting", "SELECT")
	defer span.End()

	r, err := scanMeeting(s.pool.QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings
		 WHERE meeting_id = $1 OR external_meeting_id = $1
		 ORDER BY (meeting_id = $1) DESC LIMIT 1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// GetMeetingByAlert retrieves the latest meeting for an alert.
func (s *Store) GetMeetingByAlert(ctx context.Context, alertID string) (*store.MeetingRecord, bool, error) {
	ctx, span := startSpan(ctx, "GetMeetingByAlert", "SELECT")
	defer span.End()

	r, err := scanMeeting(s.pool.QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE alert_id = $1 ORDER BY created_at DESC LIMIT 1`, alertID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// RecentMeetings returns meetings newest first.
func (s *Store) RecentMeetings(ctx context.Context, limit int) ([]store.MeetingRecord, error) {
	ctx, span := startSpan(ctx, "RecentMeetings", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+meetingColumns+` FROM meetings ORDER BY created_at DESC LIMIT $1`, store.ClampLimit(limit))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query meetings: %w", err))
	}
	defer rows.Close()

	var out []store.MeetingRecord
	for rows.Next() {
		r, err := scanMeeting(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate meetings: %w", err))
	}
	return out, nil
}

// CompleteMeeting marks a meeting completed.
func (s *Store) CompleteMeeting(ctx context.Context, id, summary string, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "CompleteMeeting", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET status = $2, post_meeting_summary = $3, updated_at = $4
		 WHERE meeting_id = $1 OR external_meeting_id = $1`,
		id, store.MeetingCompleted, summary, at)
	if err != nil {
		return false, fail(span, fmt.Errorf("complete meeting %s: %w", id, err))
	}
	return tag.RowsAffected() > 0, nil
}

// scanMeeting returns (nil, nil) when no row is found.
func scanMeeting(row pgx.Row) (*store.MeetingRecord, error) {
	var (
		r                            store.MeetingRecord
		externalID, alertID          *string
		scheduled                    *time.Time
		attendees, points, suggested []byte
	)
	err := row.Scan(
		&r.MeetingID, &externalID, &alertID, &r.Title, &scheduled, &r.MeetingURL, &attendees,
		&r.AlertType, &r.AlertSeverity, &r.UrgencyLevel, &r.UrgencyScore, &r.WhyScheduled, &points,
		&r.PreMeetingSummary, &suggested, &r.RecommendedDuration, &r.Status, &r.PostMeetingSummary,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan meeting: %w", err)
	}
	r.ExternalMeetingID = deref(externalID)
	r.AlertID = deref(alertID)
	r.ScheduledTime = deref(scheduled)

	if err := json.Unmarshal(attendees, &r.Attendees); err != nil {
		return nil, fmt.Errorf("unmarshal attendees: %w", err)
	}
	if err := json.Unmarshal(points, &r.DiscussionPoints); err != nil {
		return nil, fmt.Errorf("unmarshal discussion_points: %w", err)
	}
	if err := json.Unmarshal(suggested, &r.SuggestedAttendees); err != nil {
		return nil, fmt.Errorf("unmarshal suggested_attendees: %w", err)
	}
	return &r, nil
}

// ---- outcome ----

// SaveOutcome writes the alert and meeting in one transaction.
func (s *Store) SaveOutcome(ctx context.Context, a *store.AlertRecord, m *store.MeetingRecord) error {
	ctx, span := startSpan(ctx, "SaveOutcome", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if m != nil {
		if err := upsertMeeting(ctx, tx, m); err != nil {
			return fail(span, err)
		}
	}
	if err := upsertAlert(ctx, tx, a); err != nil {
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ---- learning and webhook logs ----

// SaveLearning inserts a learning record.
func (s *Store) SaveLearning(ctx context.Context, r *store.LearningRecord) error {
	ctx, span := startSpan(ctx, "SaveLearning", "INSERT")
	defer span.End()

	patterns, err := marshalList(r.PatternsIdentified)
	if err != nil {
		return fail(span, fmt.Errorf("marshal patterns: %w", err))
	}
	var lctx []byte
	if r.Context != nil {
		if lctx, err = marshalJSON(r.Context); err != nil {
			return fail(span, fmt.Errorf("marshal context: %w", err))
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO learning_data (id, agent_name, interaction_type, query, response, feedback_score, context, patterns_identified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.AgentName, r.InteractionType, r.Query, store.Truncate(r.Response, store.MaxResponseChars),
		r.FeedbackScore, lctx, patterns, r.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert learning %s: %w", r.ID, err))
	}
	return nil
}

// SaveWebhookLog inserts a webhook log.
func (s *Store) SaveWebhookLog(ctx context.Context, l *store.WebhookLog) error {
	ctx, span := startSpan(ctx, "SaveWebhookLog", "INSERT")
	defer span.End()

	headers, err := marshalJSON(l.Headers)
	if err != nil {
		return fail(span, fmt.Errorf("marshal headers: %w", err))
	}
	var payload []byte
	if len(l.Payload) > 0 {
		payload = l.Payload
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO webhook_logs (id, endpoint, method, payload, headers, response_status, response_body, processing_time_ms, error, ip_address, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.Endpoint, l.Method, payload, headers, l.ResponseStatus,
		store.Truncate(l.ResponseBody, store.MaxResponseChars), l.ProcessingTimeMS, l.Error, l.IPAddress, l.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert webhook log: %w", err))
	}
	return nil
}

// WebhookLogs returns logs newest first.
func (s *Store) WebhookLogs(ctx context.Context, failedOnly bool, limit int) ([]store.WebhookLog, error) {
	ctx, span := startSpan(ctx, "WebhookLogs", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, endpoint, method, payload, headers, response_status, response_body, processing_time_ms, error, ip_address, created_at
		 FROM webhook_logs
		 WHERE (NOT $1 OR error <> '' OR response_status >= 400)
		 ORDER BY created_at DESC LIMIT $2`,
		failedOnly, store.ClampLimit(limit))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query webhook logs: %w", err))
	}
	defer rows.Close()

	var out []store.WebhookLog
	for rows.Next() {
		var (
			l                store.WebhookLog
			payload, headers []byte
		)
		if err := rows.Scan(&l.ID, &l.Endpoint, &l.Method, &payload, &headers, &l.ResponseStatus,
			&l.ResponseBody, &l.ProcessingTimeMS, &l.Error, &l.IPAddress, &l.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan webhook log: %w", err))
		}
		if len(payload) > 0 {
			l.Payload = json.RawMessage(payload)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &l.Headers); err != nil {
				return nil, fail(span, fmt.Errorf("unmarshal headers: %w", err))
			}
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate webhook logs: %w", err))
	}
	return out, nil
}
