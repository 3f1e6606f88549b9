package agents

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/llm"
)

// DefaultFrameworks are checked when neither the caller nor configuration
// names any.
var DefaultFrameworks = []string{"SOC2", "GDPR", "HIPAA", "ISO27001", "PCI-DSS"}

// Compliance risk levels.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

const (
	tempFramework = 0.2
	tempReport    = 0.3

	highRiskViolations = 3
	recentViolations   = 5
)

// FrameworkResult is the analysis for one framework.
type FrameworkResult struct {
	Framework string    `json:"framework"`
	Analysis  string    `json:"analysis"`
	CheckedAt time.Time `json:"checked_at"`
}

// ComplianceResult is the outcome of one check across frameworks.
type ComplianceResult struct {
	Timestamp         time.Time         `json:"timestamp"`
	Operation         string            `json:"operation"`
	FrameworksChecked []string          `json:"frameworks_checked"`
	Results           []FrameworkResult `json:"results"`
	Violations        []alert.Violation `json:"violations"`
	OverallStatus     string            `json:"overall_status"`
	RiskLevel         string            `json:"risk_level"`
	Agent             string            `json:"agent"`
}

// Findings condenses the result for attachment to an alert.
func (r *ComplianceResult) Findings() *alert.ComplianceFindings {
	return &alert.ComplianceFindings{
		Status:     r.OverallStatus,
		RiskLevel:  r.RiskLevel,
		Violations: slices.Clone(r.Violations),
	}
}

// ComplianceReport summarizes check history.
type ComplianceReport struct {
	Period              string            `json:"period"`
	TotalChecks         int               `json:"total_checks"`
	TotalViolations     int               `json:"total_violations"`
	FrameworksMonitored []string          `json:"frameworks_monitored"`
	ExecutiveSummary    string            `json:"executive_summary"`
	RecentViolations    []alert.Violation `json:"recent_violations"`
	Agent               string            `json:"agent"`
}

// Compliance checks operations against regulatory frameworks.
type Compliance struct {
	gen        llm.Generator
	logger     log.Logger
	frameworks []string
	checks     *ring[ComplianceResult]
	violations *ring[alert.Violation]
}

// NewCompliance returns a Compliance agent. An empty frameworks list means
// DefaultFrameworks.
func NewCompliance(gen llm.Generator, frameworks []string, logger log.Logger) *Compliance {
	if logger == nil {
		logger = log.Nop()
	}
	if len(frameworks) == 0 {
		frameworks = DefaultFrameworks
	}
	return &Compliance{
		gen:        gen,
		logger:     logger,
		frameworks: slices.Clone(frameworks),
		checks:     newRing[ComplianceResult](historyCap),
		violations: newRing[alert.Violation](historyCap),
	}
}

// Info implements the registry listing.
func (a *Compliance) Info() Info {
	return Info{Name: NameCompliance, Type: "Compliance", Description: "Monitors and ensures regulatory compliance"}
}

// Frameworks returns the monitored frameworks.
func (a *Compliance) Frameworks() []string { return slices.Clone(a.frameworks) }

// Check analyzes op against each framework concurrently. Results keep the
// framework order.
func (a *Compliance) Check(ctx context.Context, op map[string]any, frameworks []string) *ComplianceResult {
	if len(frameworks) == 0 {
		frameworks = a.frameworks
	}
	frameworks = slices.Clone(frameworks)
	a.logger.Info(ctx, "checking compliance", "frameworks", strings.Join(frameworks, ", "))

	body := pretty(op)
	results := make([]FrameworkResult, len(frameworks))
	var g errgroup.Group
	for i, fw := range frameworks {
		g.Go(func() error {
			analysis := a.gen.Generate(ctx, prompt(
				fmt.Sprintf("You are a %s compliance expert. Analyze operations for compliance violations.", fw),
				fmt.Sprintf("Check this operation for %s compliance:\n%s\n\nProvide: status (compliant/non-compliant), issues found, and recommendations.", fw, body),
			), tempFramework)
			results[i] = FrameworkResult{Framework: fw, Analysis: analysis, CheckedAt: time.Now().UTC()}
			return nil
		})
	}
	_ = g.Wait()

	violations := extractViolations(results)
	status := alert.Compliant
	if len(violations) > 0 {
		status = alert.NonCompliant
	}
	operation, _ := op["operation_type"].(string)
	if operation == "" {
		operation = "unknown"
	}

	res := ComplianceResult{
		Timestamp:         time.Now().UTC(),
		Operation:         operation,
		FrameworksChecked: frameworks,
		Results:           results,
		Violations:        violations,
		OverallStatus:     status,
		RiskLevel:         riskLevel(len(violations)),
		Agent:             NameCompliance,
	}
	a.checks.add(res)
	for _, v := range violations {
		a.violations.add(v)
	}
	return &res
}

// Report summarizes the checks run so far.
func (a *Compliance) Report(ctx context.Context, period string) *ComplianceReport {
	if period == "" {
		period = "last_30_days"
	}
	a.logger.Info(ctx, "generating compliance report", "period", period)

	checks, violations := a.checks.count(), a.violations.count()
	summary := a.gen.Generate(ctx, prompt(
		"Generate a comprehensive compliance report based on check history.",
		fmt.Sprintf("Generate report for:\nTotal Checks: %d\nViolations: %d\n\nProvide executive summary and key findings.", checks, violations),
	), tempReport)

	return &ComplianceReport{
		Period:              period,
		TotalChecks:         checks,
		TotalViolations:     violations,
		FrameworksMonitored: a.Frameworks(),
		ExecutiveSummary:    summary,
		RecentViolations:    a.violations.last(recentViolations),
		Agent:               NameCompliance,
	}
}

func extractViolations(results []FrameworkResult) []alert.Violation {
	var out []alert.Violation
	for _, r := range results {
		lower := strings.ToLower(r.Analysis)
		if strings.Contains(lower, "non-compliant") || strings.Contains(lower, "violation") {
			out = append(out, alert.Violation{Framework: r.Framework, Details: r.Analysis, Severity: "high"})
		}
	}
	return out
}

func riskLevel(violations int) string {
	switch {
	case violations == 0:
		return RiskLow
	case violations >= highRiskViolations:
		return RiskHigh
	default:
		return RiskMedium
	}
}
