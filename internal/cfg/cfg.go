package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// LLM provider names accepted by -llm-provider.
const (
	ProviderAuto   = "auto"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string

	LLMProvider  string
	ClaudeAPIKey string
	ClaudeModel  string
	GeminiAPIKey string
	GeminiModel  string

	SlotifyAPIURL           string
	SlotifyAPIKey           string
	SlotifyTimeoutSeconds   int
	ChainsyncAPIURL         string
	ChainsyncAPIKey         string
	ChainsyncTimeoutSeconds int

	WebhookAPIKey          string
	WebhookSecret          string
	ReplayWindowSeconds    int
	RateLimitMax           int
	RateLimitWindowSeconds int
	RedisAddr              string
	RedisPassword          string
	RedisDB                int

	RetryInitialMS  int
	RetryMaxMS      int
	RetryFactor     float64
	RetryMaxRetries int

	AlertTypesFile       string
	ComplianceFrameworks string
	MeetingOrganizer     string
	MeetingContextCap    int

	SlackWebhookURL string
	QueryToken      string
	CORSOrigins     string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8000, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderAuto, "language model provider: auto, claude, gemini or none (auto picks the first provider with a key)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.StringVar(&c.GeminiAPIKey, "gemini-api-key", "", "API key for the Gemini LLM provider")
	fs.StringVar(&c.GeminiModel, "gemini-model", "gemini-2.5-flash", "Gemini model to use")

	fs.StringVar(&c.SlotifyAPIURL, "slotify-api-url", "https://api.slotify.com/v1", "meeting scheduling service base URL")
	fs.StringVar(&c.SlotifyAPIKey, "slotify-api-key", "", "meeting scheduling service API key (empty = mock client)")
	fs.IntVar(&c.SlotifyTimeoutSeconds, "slotify-timeout-seconds", 10, "per-attempt timeout for scheduling service calls (1..120)")
	fs.StringVar(&c.ChainsyncAPIURL, "chainsync-api-url", "http://localhost:8081/api", "alerting service base URL")
	fs.StringVar(&c.ChainsyncAPIKey, "chainsync-api-key", "", "alerting service API key (empty = mock client)")
	fs.IntVar(&c.ChainsyncTimeoutSeconds, "chainsync-timeout-seconds", 10, "per-attempt timeout for alerting service calls (1..120)")

	fs.StringVar(&c.WebhookAPIKey, "webhook-api-key", "", "API key required in X-API-Key on webhooks (empty = check disabled)")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", "", "HMAC-SHA256 secret for webhook signatures (empty = check disabled)")
	fs.IntVar(&c.ReplayWindowSeconds, "replay-window-seconds", 300, "max webhook timestamp skew in seconds (1..3600)")
	fs.IntVar(&c.RateLimitMax, "rate-limit-max", 100, "max webhook requests per client per window")
	fs.IntVar(&c.RateLimitWindowSeconds, "rate-limit-window-seconds", 60, "rate limit window in seconds")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the shared rate limit store (empty = in-process)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")

	fs.IntVar(&c.RetryInitialMS, "retry-initial-ms", 1000, "initial outbound retry backoff in milliseconds")
	fs.IntVar(&c.RetryMaxMS, "retry-max-ms", 16000, "max outbound retry backoff in milliseconds")
	fs.Float64Var(&c.RetryFactor, "retry-factor", 2, "outbound retry backoff multiplier (>= 1)")
	fs.IntVar(&c.RetryMaxRetries, "retry-max-retries", 3, "max outbound retries after the first attempt (0..10)")

	fs.StringVar(&c.AlertTypesFile, "alert-types-file", "", "YAML file overriding the built-in alert type catalog")
	fs.StringVar(&c.ComplianceFrameworks, "compliance-frameworks", "", "comma-separated compliance frameworks to check (empty = built-in set)")
	fs.StringVar(&c.MeetingOrganizer, "meeting-organizer", "ai-agent@chainsync.com", "organizer address for scheduled meetings")
	fs.IntVar(&c.MeetingContextCap, "meeting-context-cap", 1000, "meeting contexts kept in memory before the oldest are evicted")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for meeting notifications")
	fs.StringVar(&c.QueryToken, "query-token", "", "bearer token required on query endpoints (empty = unauthenticated)")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "*", "comma-separated allowed CORS origins")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.LLMProvider {
	case ProviderAuto, ProviderNone:
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when LLM_PROVIDER is claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when LLM_PROVIDER is claude"))
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when LLM_PROVIDER is gemini"))
		}
		if c.GeminiModel == "" {
			errs = append(errs, errors.New("GEMINI_MODEL is required when LLM_PROVIDER is gemini"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be auto, claude, gemini or none)", c.LLMProvider))
	}

	// Outbound services
	errs = appendURLErr(errs, "SLOTIFY_API_URL", c.SlotifyAPIURL, true)
	errs = appendURLErr(errs, "CHAINSYNC_API_URL", c.ChainsyncAPIURL, true)
	errs = appendURLErr(errs, "SLACK_WEBHOOK_URL", c.SlackWebhookURL, false)
	if c.SlotifyTimeoutSeconds <= 0 || c.SlotifyTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("invalid SLOTIFY_TIMEOUT_SECONDS %d (must be 1..120)", c.SlotifyTimeoutSeconds))
	}
	if c.ChainsyncTimeoutSeconds <= 0 || c.ChainsyncTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("invalid CHAINSYNC_TIMEOUT_SECONDS %d (must be 1..120)", c.ChainsyncTimeoutSeconds))
	}

	// Webhook authentication
	if c.ReplayWindowSeconds <= 0 || c.ReplayWindowSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid REPLAY_WINDOW_SECONDS %d (must be 1..3600)", c.ReplayWindowSeconds))
	}
	if c.RateLimitMax <= 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_MAX %d (must be positive)", c.RateLimitMax))
	}
	if c.RateLimitWindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_WINDOW_SECONDS %d (must be positive)", c.RateLimitWindowSeconds))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}

	// Retry policy
	if c.RetryInitialMS <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_INITIAL_MS %d (must be positive)", c.RetryInitialMS))
	}
	if c.RetryMaxMS < c.RetryInitialMS {
		errs = append(errs, fmt.Errorf("RETRY_MAX_MS %d must be at least RETRY_INITIAL_MS %d", c.RetryMaxMS, c.RetryInitialMS))
	}
	if c.RetryFactor < 1 {
		errs = append(errs, fmt.Errorf("invalid RETRY_FACTOR %g (must be >= 1)", c.RetryFactor))
	}
	if c.RetryMaxRetries < 0 || c.RetryMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MAX_RETRIES %d (must be 0..10)", c.RetryMaxRetries))
	}

	if c.MeetingContextCap < 1 {
		errs = append(errs, fmt.Errorf("invalid MEETING_CONTEXT_CAP %d (must be >= 1)", c.MeetingContextCap))
	}

	if !strings.Contains(c.MeetingOrganizer, "@") {
		errs = append(errs, fmt.Errorf("invalid MEETING_ORGANIZER %q (must be an email address)", c.MeetingOrganizer))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func appendURLErr(errs []error, name, raw string, required bool) []error {
	if raw == "" {
		if required {
			return append(errs, fmt.Errorf("%s is required", name))
		}
		return errs
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return append(errs, fmt.Errorf("invalid %s %q (must be an http or https URL)", name, raw))
	}
	return errs
}

// Provider resolves the auto provider to the first one with a key.
func (c *Config) Provider() string {
	if c.LLMProvider != ProviderAuto && c.LLMProvider != "" {
		return c.LLMProvider
	}
	switch {
	case c.ClaudeAPIKey != "":
		return ProviderClaude
	case c.GeminiAPIKey != "":
		return ProviderGemini
	default:
		return ProviderNone
	}
}

// Warnings lists unset security-relevant values. The service runs without
// them, in a degraded or insecure mode.
func (c *Config) Warnings() []string {
	var out []string
	if c.WebhookAPIKey == "" {
		out = append(out, "WEBHOOK_API_KEY is not set: webhooks accept requests without an API key")
	}
	if c.WebhookSecret == "" {
		out = append(out, "WEBHOOK_SECRET is not set: webhook signatures are not verified")
	}
	if c.SlotifyAPIKey == "" {
		out = append(out, "SLOTIFY_API_KEY is not set: meetings are created by the mock scheduling client")
	}
	if c.ChainsyncAPIKey == "" {
		out = append(out, "CHAINSYNC_API_KEY is not set: alert updates go to the mock alerting client")
	}
	if c.Provider() == ProviderNone {
		out = append(out, "no LLM provider configured: model calls return an error marker instead of text")
	}
	if c.QueryToken == "" {
		out = append(out, "QUERY_TOKEN is not set: query endpoints are unauthenticated")
	}
	return out
}

// Frameworks splits ComplianceFrameworks. Empty means the built-in set.
func (c *Config) Frameworks() []string {
	return splitList(c.ComplianceFrameworks)
}

// AllowedOrigins splits CORSOrigins.
func (c *Config) AllowedOrigins() []string {
	return splitList(c.CORSOrigins)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RetryInitial returns the initial retry backoff.
func (c *Config) RetryInitial() time.Duration {
	return time.Duration(c.RetryInitialMS) * time.Millisecond
}

// RetryMax returns the max retry backoff.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMS) * time.Millisecond
}
