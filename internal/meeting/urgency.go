package meeting

import (
	"math"

	"github.com/linnemanlabs/muster/internal/alert"
)

// UrgencyLevel is the derived urgency of a meeting.
type UrgencyLevel string

const (
	UrgencyCritical UrgencyLevel = "CRITICAL"
	UrgencyHigh     UrgencyLevel = "HIGH"
	UrgencyMedium   UrgencyLevel = "MEDIUM"
	UrgencyLow      UrgencyLevel = "LOW"
)

// Urgency is the level, score and expected response time for an alert.
type Urgency struct {
	Level                   UrgencyLevel `json:"level"`
	Score                   float64      `json:"score"`
	RecommendedResponseTime string       `json:"recommended_response_time"`
}

type band struct {
	base, lo, hi float64
}

var severityBands = map[alert.Severity]band{
	alert.SeverityCritical: {0.9, 0.8, 1.0},
	alert.SeverityHigh:     {0.7, 0.6, 0.79},
	alert.SeverityMedium:   {0.45, 0.4, 0.59},
	alert.SeverityLow:      {0.2, 0, 0.39},
}

var responseTimes = map[UrgencyLevel]string{
	UrgencyCritical: "< 1 hour",
	UrgencyHigh:     "< 4 hours",
	UrgencyMedium:   "< 1 business day",
	UrgencyLow:      "< 1 week",
}

// CalculateUrgency scores an alert. The catalog weight for alertType nudges
// the severity's base score but never moves it out of the severity's band,
// so a higher severity always scores at least as high as a lower one.
func CalculateUrgency(sev alert.Severity, alertType string, c *Catalog) Urgency {
	b, ok := severityBands[sev]
	if !ok {
		b = severityBands[alert.SeverityMedium]
	}
	w := c.Lookup(alertType).SeverityWeight

	score := b.base + (w-NeutralWeight)*0.2
	score = math.Max(b.lo, math.Min(b.hi, score))
	score = math.Round(score*100) / 100

	level := levelFor(score)
	return Urgency{
		Level:                   level,
		Score:                   score,
		RecommendedResponseTime: responseTimes[level],
	}
}

func levelFor(score float64) UrgencyLevel {
	switch {
	case score >= 0.8:
		return UrgencyCritical
	case score >= 0.6:
		return UrgencyHigh
	case score >= 0.4:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}
