package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	errorBudgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerscan_error_budget_remaining",
		Help: "Errors remaining in the shared error budget window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerscan_rate_limit_blocks_total",
		Help: "Requests blocked because the error budget was exhausted",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerscan_rate_limit_throttles_total",
		Help: "Requests delayed because the error budget was low",
	})
)

// TrackerConfig holds error budget configuration.
type TrackerConfig struct {
	// Budget is the number of node errors tolerated per window (default: 100).
	Budget int

	// Window is the budget period (default: 60s).
	Window time.Duration

	// Throttle is the delay applied while the budget is low (default: 1s).
	Throttle time.Duration

	// KeyPrefix namespaces the Redis keys, e.g. by chain ID.
	KeyPrefix string
}

// Tracker keeps a windowed error budget in Redis. A Tracker with a nil Redis
// client tracks nothing and always allows requests.
type Tracker struct {
	redis  redis.Cmdable
	config TrackerConfig
	logger zerolog.Logger
}

// NewTracker creates a tracker. redisClient may be nil.
func NewTracker(redisClient redis.Cmdable, config TrackerConfig, logger zerolog.Logger) *Tracker {
	if config.Budget <= 0 {
		config.Budget = 100
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.Throttle <= 0 {
		config.Throttle = time.Second
	}
	return &Tracker{
		redis:  redisClient,
		config: config,
		logger: logger,
	}
}

// Enabled reports whether the tracker is backed by Redis.
func (t *Tracker) Enabled() bool {
	return t != nil && t.redis != nil
}

func (t *Tracker) key() string {
	if t.config.KeyPrefix == "" {
		return RedisKeyErrors
	}
	return t.config.KeyPrefix + ":" + RedisKeyErrors
}

// GetState reads the budget for the current window. A missing key means no
// errors were recorded in this window.
func (t *Tracker) GetState(ctx context.Context) (*BudgetState, error) {
	if !t.Enabled() {
		return fullBudget(100, time.Minute), nil
	}

	pipe := t.redis.Pipeline()
	countCmd := pipe.Get(ctx, t.key())
	ttlCmd := pipe.PTTL(ctx, t.key())
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read error budget: %w", err)
	}

	count, err := countCmd.Int()
	if errors.Is(err, redis.Nil) {
		return fullBudget(t.config.Budget, t.config.Window), nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse error count: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}

	now := time.Now()
	state := &BudgetState{
		Budget:          t.config.Budget,
		ErrorsRemaining: t.config.Budget - count,
		ResetAt:         now.Add(ttl),
		LastUpdate:      now,
	}
	state.UpdateHealth()
	return state, nil
}

// RecordError charges one error against the shared budget. The first error
// of a window starts the window.
func (t *Tracker) RecordError(ctx context.Context) (*BudgetState, error) {
	if !t.Enabled() {
		return fullBudget(100, time.Minute), nil
	}

	pipe := t.redis.TxPipeline()
	incr := pipe.Incr(ctx, t.key())
	pipe.ExpireNX(ctx, t.key(), t.config.Window)
	ttlCmd := pipe.PTTL(ctx, t.key())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record error in redis: %w", err)
	}

	now := time.Now()
	state := &BudgetState{
		Budget:          t.config.Budget,
		ErrorsRemaining: t.config.Budget - int(incr.Val()),
		ResetAt:         now.Add(max(ttlCmd.Val(), 0)),
		LastUpdate:      now,
	}
	state.UpdateHealth()
	errorBudgetRemaining.Set(float64(state.ErrorsRemaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("errors_remaining", state.ErrorsRemaining).
			Time("reset_at", state.ResetAt).
			Msg("Error budget exhausted - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("errors_remaining", state.ErrorsRemaining).
			Msg("Error budget low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("errors_remaining", state.ErrorsRemaining).
			Msg("Error budget updated")
	}
	return state, nil
}

// ShouldAllowRequest reports whether a request may go out now. In the
// warning band it delays for the throttle interval first; the wait ends
// early if ctx does.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, *BudgetState, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("get error budget: %w", err)
	}
	if t.Enabled() {
		errorBudgetRemaining.Set(float64(state.ErrorsRemaining))
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("errors_remaining", state.ErrorsRemaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Error budget exhausted - blocking request")
		rateLimitBlocksTotal.Inc()
		return false, state, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("errors_remaining", state.ErrorsRemaining).
			Msg("Error budget low - throttling request")
		rateLimitThrottlesTotal.Inc()

		timer := time.NewTimer(t.config.Throttle)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, state, ctx.Err()
		case <-timer.C:
		}
	}

	return true, state, nil
}
