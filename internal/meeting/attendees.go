package meeting

import (
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/linnemanlabs/muster/internal/alert"
)

// Escalation attendees added on top of the catalog's typical attendees.
const (
	AttendeeManagement       = "Management"
	AttendeeExecutiveSponsor = "Executive Sponsor"
)

// wideImpactSystems is the affected-system count above which a meeting gets
// the next longer duration.
const wideImpactSystems = 3

var durationBuckets = []int{15, 30, 45, 60}

// DurationMinutes returns the recommended meeting length in minutes.
func DurationMinutes(sev alert.Severity, affectedSystems int) int {
	idx := sev.Rank()
	if affectedSystems > wideImpactSystems {
		idx = min(idx+1, len(durationBuckets)-1)
	}
	return durationBuckets[idx]
}

// RecommendDuration renders DurationMinutes as "<n> minutes".
func RecommendDuration(sev alert.Severity, affectedSystems int) string {
	return fmt.Sprintf("%d minutes", DurationMinutes(sev, affectedSystems))
}

var sensitiveTypes = []string{"security_incident", "compliance_violation"}
var sensitiveCategories = []string{"security", "compliance"}

// SuggestAttendees returns the catalog's typical attendees for alertType plus
// escalation roles for high and critical alerts. Order is kept and duplicates
// are dropped.
func SuggestAttendees(sev alert.Severity, alertType string, c *Catalog) []string {
	t := c.Lookup(alertType)
	out := slices.Clone(t.TypicalAttendees)
	if sev.Escalated() {
		out = append(out, AttendeeManagement)
		if slices.Contains(sensitiveTypes, alertType) || slices.Contains(sensitiveCategories, t.Category) {
			out = append(out, AttendeeExecutiveSponsor)
		}
	}
	return lo.Uniq(out)
}
