package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	mc "github.com/linnemanlabs/muster/internal/cfg"
	"github.com/linnemanlabs/muster/internal/llm"
	"github.com/linnemanlabs/muster/internal/llm/claude"
	"github.com/linnemanlabs/muster/internal/llm/gemini"
	"github.com/linnemanlabs/muster/internal/postgres"
	"github.com/linnemanlabs/muster/internal/store"
	"github.com/linnemanlabs/muster/internal/store/memstore"
	"github.com/linnemanlabs/muster/internal/store/pgstore"
	"github.com/linnemanlabs/muster/internal/webhookapi"
	"github.com/linnemanlabs/muster/internal/webhookauth"
	"github.com/linnemanlabs/muster/internal/webhookauth/redisstore"
)

// newGenerator builds the model client for the configured provider.
func newGenerator(ctx context.Context, c *mc.Config, logger log.Logger, reg prometheus.Registerer) (*llm.Client, error) {
	hooks := llm.NewMetrics(reg).Hooks()
	switch p := c.Provider(); p {
	case mc.ProviderClaude:
		return llm.NewClient(claude.New(c.ClaudeAPIKey, c.ClaudeModel), logger, hooks), nil
	case mc.ProviderGemini:
		g, err := gemini.New(ctx, c.GeminiAPIKey, c.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return llm.NewClient(g, logger, hooks), nil
	case mc.ProviderNone:
		return llm.NewClient(llm.Unconfigured{}, logger, hooks), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", p)
	}
}

// newStore opens postgres when a database URL is set and falls back to the
// in-memory store. close releases the pool.
func newStore(ctx context.Context, c *mc.Config) (st store.Store, persistent bool, closeFn func(), err error) {
	if c.DatabaseURL == "" {
		return memstore.New(), false, func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.TracerOptions{SlowQuery: 200 * time.Millisecond})
	if err != nil {
		return nil, false, nil, fmt.Errorf("postgres pool: %w", err)
	}
	pg, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, false, nil, fmt.Errorf("pgstore init: %w", err)
	}
	return pg, true, pool.Close, nil
}

// newRateLimiter shares request windows through Redis when an address is
// set, otherwise it keeps them in process.
func newRateLimiter(ctx context.Context, c *mc.Config) (*webhookauth.RateLimiter, func() error, error) {
	window := time.Duration(c.RateLimitWindowSeconds) * time.Second
	if c.RedisAddr == "" {
		return webhookauth.NewRateLimiter(webhookauth.NewMemoryStore(), c.RateLimitMax, window), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", c.RedisAddr, err)
	}
	return webhookauth.NewRateLimiter(redisstore.New(client, window), c.RateLimitMax, window), client.Close, nil
}

// corsHandler allows the configured origins and the webhook auth headers.
func corsHandler(c *mc.Config) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: c.AllowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			"Authorization",
			webhookauth.HeaderAPIKey,
			webhookauth.HeaderSignature,
			webhookauth.HeaderTimestamp,
		},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id", "X-Trace-Id"},
		MaxAge:         600,
	}).Handler
}

func features(c *mc.Config, persistent bool) webhookapi.Features {
	return webhookapi.Features{
		APIKeyAuth:            c.WebhookAPIKey != "",
		SignatureVerification: c.WebhookSecret != "",
		DatabasePersistence:   persistent,
		SchedulingIntegration: c.SlotifyAPIKey != "",
		AlertingIntegration:   c.ChainsyncAPIKey != "",
		LLM:                   c.Provider() != mc.ProviderNone,
	}
}
