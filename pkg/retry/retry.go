// Package retry provides an explicit, configurable retry policy for calls to
// the remote ledger node.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerscan_retries_total",
		Help: "Total number of retry attempts by operation",
	}, []string{"op"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerscan_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerscan_retry_exhausted_total",
		Help: "Total number of times a retry policy gave up by operation",
	}, []string{"op"})
)

var (
	// ErrRetryExhausted is returned when all attempts of a bounded policy failed.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends while waiting to retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// DefaultMaxBackoff caps growing backoffs that set no MaxBackoff.
const DefaultMaxBackoff = 5 * time.Minute

// Policy describes how a failing operation is retried.
type Policy struct {
	// Name labels metrics and log lines (e.g. "chain_status", "block_range").
	Name string

	// MaxAttempts including the first call. Zero means retry until success
	// or context cancellation.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Zero with a growing
	// Multiplier caps at DefaultMaxBackoff.
	MaxBackoff time.Duration

	// Multiplier grows the backoff after every failed attempt. Values <= 1
	// keep the delay fixed.
	Multiplier float64

	// Jitter spreads each wait by ±Jitter (0.2 = ±20%). Zero disables it.
	Jitter float64
}

// SetupPolicy retries forever with a fixed 10s delay. It guards queries the
// scan cannot start without, such as the chain head.
func SetupPolicy() Policy {
	return Policy{
		Name:           "setup",
		MaxAttempts:    0,
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     1,
	}
}

// ChunkPolicy is the bounded exponential policy used for bulk chunk fetches
// when the executor is configured to retry.
func ChunkPolicy() Policy {
	return Policy{
		Name:           "chunk",
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// Unbounded reports whether the policy retries until success.
func (p Policy) Unbounded() bool {
	return p.MaxAttempts <= 0
}

// Backoff returns the wait after the given failed attempt (1-based), before jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	ceiling := p.MaxBackoff
	if ceiling <= 0 && p.Multiplier > 1 {
		ceiling = DefaultMaxBackoff
	}

	d := p.InitialBackoff
	for i := 1; i < attempt && p.Multiplier > 1 && d > 0; i++ {
		next := float64(d) * p.Multiplier
		if next >= float64(ceiling) {
			return ceiling
		}
		d = time.Duration(next)
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 - p.Jitter + rand.Float64()*2*p.Jitter))
}

func (p Policy) name() string {
	if p.Name == "" {
		return "default"
	}
	return p.Name
}

// Do runs fn until it succeeds, returns a Permanent error, the policy runs out
// of attempts, or ctx ends. It returns the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	return p.DoWithLogger(ctx, log.Logger, fn)
}

// DoWithLogger is Do with an explicit logger for retry lines.
func (p Policy) DoWithLogger(ctx context.Context, logger zerolog.Logger, fn func(ctx context.Context) error) (int, error) {
	op := p.name()
	var lastErr error

	for attempt := 1; p.Unbounded() || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("op", op).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return attempt, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return attempt, err
		}
		if !p.Unbounded() && attempt >= p.MaxAttempts {
			break
		}

		wait := p.jittered(p.Backoff(attempt))
		retriesTotal.WithLabelValues(op).Inc()
		retryBackoffSeconds.WithLabelValues(op).Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Operation failed, retrying after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(op).Inc()
	logger.Warn().
		Err(lastErr).
		Str("op", op).
		Int("max_attempts", p.MaxAttempts).
		Msg("Retry attempts exhausted")

	return p.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, p.MaxAttempts, lastErr)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
