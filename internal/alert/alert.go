// Package alert holds the inbound alert shape and the findings attached to
// it as it moves through the alert-to-meeting workflow.
package alert

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/linnemanlabs/muster/internal/apierr"
)

// Severity is the reported severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes s and reports whether it is a known severity.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, true
	}
	return sev, false
}

// Rank orders severities low=0 through critical=3. Unknown severities rank as medium.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 1
	}
}

// Escalated reports whether s is high or critical.
func (s Severity) Escalated() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Compliance statuses.
const (
	Compliant    = "COMPLIANT"
	NonCompliant = "NON_COMPLIANT"
)

// Alert is an operational event delivered by the alerting service.
type Alert struct {
	ID                   string         `json:"alert_id"`
	Type                 string         `json:"alert_type"`
	Severity             Severity       `json:"severity"`
	Description          string         `json:"description"`
	AffectedSystems      []string       `json:"affected_systems"`
	DetectedAt           time.Time      `json:"detected_at"`
	Context              map[string]any `json:"context,omitempty"`
	ComplianceFrameworks []string       `json:"compliance_frameworks,omitempty"`
}

// Validate checks required fields and normalizes severity in place.
func (a *Alert) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return apierr.Invalid("alert_id", "is required")
	}
	if strings.TrimSpace(a.Type) == "" {
		return apierr.Invalid("alert_type", "is required")
	}
	sev, ok := ParseSeverity(string(a.Severity))
	if !ok {
		return apierr.Invalid("severity", "must be one of low, medium, high, critical (got %q)", a.Severity)
	}
	a.Severity = sev
	if strings.TrimSpace(a.Description) == "" {
		return apierr.Invalid("description", "is required")
	}
	if a.DetectedAt.IsZero() {
		return apierr.Invalid("detected_at", "is required")
	}
	for i, s := range a.AffectedSystems {
		if strings.TrimSpace(s) == "" {
			return apierr.Invalid("affected_systems", "entry %d is empty", i)
		}
	}
	return nil
}

// Violation is a single compliance finding.
type Violation struct {
	Framework string `json:"framework"`
	Details   string `json:"details"`
	Severity  string `json:"severity"`
}

// ComplianceFindings summarizes a compliance check attached to an alert.
type ComplianceFindings struct {
	Status     string      `json:"status"`
	RiskLevel  string      `json:"risk_level"`
	Violations []Violation `json:"violations"`
}

// Enriched is an alert plus the analysis gathered before scheduling.
type Enriched struct {
	Alert
	RootCause       string              `json:"root_cause,omitempty"`
	Recommendations []string            `json:"recommendations,omitempty"`
	Compliance      *ComplianceFindings `json:"compliance_implications,omitempty"`
}

// TitleCase turns snake_case or kebab-case identifiers into "Title Case".
func TitleCase(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, w := range words {
		first, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(first)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}
