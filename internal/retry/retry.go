// Package retry runs outbound calls with exponential backoff. Network
// failures and 5xx responses are retried; everything else fails at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
)

// ErrRetriesExhausted matches any ExhaustedError.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy configures the backoff schedule.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Factor     float64
	MaxRetries int
}

// DefaultPolicy is 1s doubling up to 16s, 3 retries after the first try.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    time.Second,
		Max:        16 * time.Second,
		Factor:     2,
		MaxRetries: 3,
	}
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// ExhaustedError is returned once every attempt has failed with a retryable error.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts failed: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRetriesExhausted) match.
func (e *ExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// includes *url.Error and client timeouts
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Hooks observe retry behaviour. Nil fields are skipped.
type Hooks struct {
	OnRetry     func(name string, attempt int, wait time.Duration)
	OnExhausted func(name string)
}

// Executor applies a Policy to operations.
type Executor struct {
	policy Policy
	logger log.Logger
	hooks  Hooks
}

// New returns an Executor. A zero policy falls back to DefaultPolicy.
func New(policy Policy, logger log.Logger, hooks Hooks) *Executor {
	if policy.Initial <= 0 {
		policy = DefaultPolicy()
	}
	if policy.Factor < 1 {
		policy.Factor = 1
	}
	if policy.Max < policy.Initial {
		policy.Max = policy.Initial
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Executor{policy: policy, logger: logger, hooks: hooks}
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do runs op until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. Non-retryable errors are returned unchanged.
func Do[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		attempts int
		terminal bool
	)

	operation := func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil && !Retryable(err) {
			terminal = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.policy.Initial,
		RandomizationFactor: 0,
		Multiplier:          e.policy.Factor,
		MaxInterval:         e.policy.Max,
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.policy.MaxRetries+1)), //nolint:gosec // MaxRetries clamped non-negative in New
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.logger.Warn(ctx, "retrying operation",
				"operation", name,
				"attempt", attempts,
				"max_attempts", e.policy.MaxRetries+1,
				"wait", wait.String(),
				"error", err,
			)
			if e.hooks.OnRetry != nil {
				e.hooks.OnRetry(name, attempts, wait)
			}
		}),
	)
	if err == nil {
		return v, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if terminal || ctx.Err() != nil {
		return v, err
	}

	e.logger.Warn(ctx, "retries exhausted", "operation", name, "attempts", attempts, "error", err)
	if e.hooks.OnExhausted != nil {
		e.hooks.OnExhausted(name)
	}
	return v, &ExhaustedError{Name: name, Attempts: attempts, Err: err}
}
