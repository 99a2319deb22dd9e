package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ledgerscan_rate_limit_wait_seconds",
	Help:    "Time requests waited for a token bucket slot",
	Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
})

// ErrBudgetExhausted is returned by Gate.Acquire while the shared error budget is blocked.
var ErrBudgetExhausted = errors.New("error budget exhausted")

// Limiter is a token bucket for outgoing requests.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter allows rps requests per second with bursts of up to burst.
// A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until one token is available or ctx is done. The reservation
// is cancelled on ctx so the token goes back to the bucket.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	rateLimitWaitSeconds.Observe(delay.Seconds())
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Gate combines the token bucket with the shared error budget. Either part
// may be nil.
type Gate struct {
	limiter *Limiter
	tracker *Tracker
	logger  zerolog.Logger
}

// NewGate creates a gate.
func NewGate(limiter *Limiter, tracker *Tracker, logger zerolog.Logger) *Gate {
	return &Gate{limiter: limiter, tracker: tracker, logger: logger}
}

// Acquire waits for permission to send one request.
func (g *Gate) Acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	if g.tracker.Enabled() {
		ok, state, err := g.tracker.ShouldAllowRequest(ctx)
		if err != nil {
			// Redis trouble must not stop the scan; fall back to the local limiter.
			g.logger.Warn().Err(err).Msg("Error budget unavailable, continuing")
		} else if !ok {
			return fmt.Errorf("%w: resets in %s", ErrBudgetExhausted, state.TimeUntilReset().Round(time.Second))
		}
	}
	if g.limiter != nil {
		return g.limiter.Wait(ctx)
	}
	return nil
}

// ReportFailure charges a node-side failure against the error budget.
func (g *Gate) ReportFailure(ctx context.Context) {
	if g == nil || !g.tracker.Enabled() {
		return
	}
	if _, err := g.tracker.RecordError(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to record error in budget")
	}
}
