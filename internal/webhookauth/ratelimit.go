package webhookauth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/apierr"
)

// Store keeps per-key request timestamps for the sliding window.
type Store interface {
	// Record appends at to key's window.
	Record(ctx context.Context, key string, at time.Time) error
	// Since returns key's timestamps strictly after since, oldest first.
	Since(ctx context.Context, key string, since time.Time) ([]time.Time, error)
	// Purge drops every timestamp at or before olderThan.
	Purge(ctx context.Context, olderThan time.Time) error
}

// RateLimiter admits at most max requests per key within window.
type RateLimiter struct {
	store  Store
	max    int
	window time.Duration
	now    func() time.Time

	// serializes check-then-record so concurrent requests from one key
	// cannot both observe max-1
	mu sync.Mutex
}

// NewRateLimiter returns a limiter backed by store.
func NewRateLimiter(store Store, maxRequests int, window time.Duration) *RateLimiter {
	if store == nil {
		store = NewMemoryStore()
	}
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{store: store, max: maxRequests, window: window, now: time.Now}
}

// Window returns the configured window length.
func (l *RateLimiter) Window() time.Duration { return l.window }

// Allow records a request for key, or returns *apierr.RateLimitError when the
// window is full.
func (l *RateLimiter) Allow(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps, err := l.store.Since(ctx, key, now.Add(-l.window))
	if err != nil {
		return fmt.Errorf("rate limit lookup: %w", err)
	}

	if len(stamps) >= l.max {
		oldest := stamps[0]
		retryAfter := int((l.window - now.Sub(oldest)) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &apierr.RateLimitError{RetryAfter: retryAfter}
	}

	if err := l.store.Record(ctx, key, now); err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	return nil
}

// Run purges expired entries every interval until ctx is done.
func (l *RateLimiter) Run(ctx context.Context, interval time.Duration, logger log.Logger) {
	if logger == nil {
		logger = log.Nop()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.store.Purge(ctx, l.now().Add(-l.window)); err != nil && ctx.Err() == nil {
				logger.Error(ctx, err, "rate limit purge failed")
			}
		}
	}
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	stamps map[string][]time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stamps: make(map[string][]time.Time)}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.stamps[key]
	ts = append(ts, at)
	if n := len(ts); n > 1 && ts[n-1].Before(ts[n-2]) {
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	}
	s.stamps[key] = ts
	return nil
}

// Since implements Store. Expired entries for key are dropped lazily.
func (s *MemoryStore) Since(_ context.Context, key string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.stamps[key]
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(since) })
	live := ts[i:]
	if len(live) == 0 {
		delete(s.stamps, key)
		return nil, nil
	}
	s.stamps[key] = live
	out := make([]time.Time, len(live))
	copy(out, live)
	return out, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ts := range s.stamps {
		i := sort.Search(len(ts), func(i int) bool { return ts[i].After(olderThan) })
		if i == len(ts) {
			delete(s.stamps, key)
			continue
		}
		s.stamps[key] = ts[i:]
	}
	return nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stamps)
}
