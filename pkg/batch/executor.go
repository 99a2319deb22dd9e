// Package batch runs planned chunks of work with bounded parallelism, an
// explicit admission mode and an explicit failure policy.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/ledgerscan/pkg/logging"
	"github.com/Sternrassler/ledgerscan/pkg/rangeplan"
	"github.com/Sternrassler/ledgerscan/pkg/retry"
)

var (
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerscan_chunks_total",
		Help: "Chunk outcomes by status (ok, failed, not_started)",
	}, []string{"status"})

	chunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledgerscan_chunk_duration_seconds",
		Help:    "Wall time per chunk including retries",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	inflightFetches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerscan_inflight_fetches",
		Help: "Chunk fetches currently running",
	})
)

// Admission decides when a new chunk may start.
type Admission int

const (
	// AdmitContinuous starts a chunk as soon as any slot frees.
	AdmitContinuous Admission = iota

	// AdmitWaves starts MaxConcurrency chunks, waits for all of them, then
	// starts the next group.
	AdmitWaves
)

func (a Admission) String() string {
	if a == AdmitWaves {
		return "waves"
	}
	return "continuous"
}

// ParseAdmission accepts "continuous" and "waves".
func ParseAdmission(s string) (Admission, error) {
	switch s {
	case "", "continuous":
		return AdmitContinuous, nil
	case "waves":
		return AdmitWaves, nil
	}
	return 0, fmt.Errorf("unknown admission %q", s)
}

// FailurePolicy decides what a failed chunk does to the run.
type FailurePolicy int

const (
	// FailSkip drops the chunk after one attempt and counts it as failed.
	FailSkip FailurePolicy = iota

	// FailRetry retries the chunk with Config.Retry. The outcome carries the
	// final error if the policy gives up.
	FailRetry

	// FailAbort cancels the whole run on the first failure.
	FailAbort
)

func (p FailurePolicy) String() string {
	switch p {
	case FailRetry:
		return "retry"
	case FailAbort:
		return "abort"
	default:
		return "skip"
	}
}

// ParseFailurePolicy accepts "skip", "retry" and "abort".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "skip":
		return FailSkip, nil
	case "retry":
		return FailRetry, nil
	case "abort":
		return FailAbort, nil
	}
	return 0, fmt.Errorf("unknown failure policy %q", s)
}

// Config holds executor configuration.
type Config struct {
	// Name labels log lines, e.g. "blocks" or "accounts".
	Name string

	// MaxConcurrency bounds fetches in flight (default: 10).
	MaxConcurrency int

	Admission Admission

	// Timeout bounds a single fetch attempt (default: 30s).
	Timeout time.Duration

	Failure FailurePolicy

	// Retry is used when Failure is FailRetry.
	Retry retry.Policy

	// ProgressEvery logs progress after every N completed chunks. Zero disables it.
	ProgressEvery int
}

// DefaultConfig returns continuous admission of 10 fetches with the skip policy.
func DefaultConfig() Config {
	return Config{
		Name:           "batch",
		MaxConcurrency: 10,
		Admission:      AdmitContinuous,
		Timeout:        30 * time.Second,
		Failure:        FailSkip,
		Retry:          retry.ChunkPolicy(),
	}
}

// FetchFunc fetches one chunk. It must treat the chunk as atomic: either a
// full value or an error.
type FetchFunc[T any] func(ctx context.Context, chunk rangeplan.Range) (T, error)

// Outcome is the result of one chunk.
type Outcome[T any] struct {
	// Index is the chunk's position in the input plan.
	Index int
	Chunk rangeplan.Range
	Value T
	Err   error

	// Attempts is zero for chunks that never started.
	Attempts int
}

// Started reports whether a fetch was attempted.
func (o Outcome[T]) Started() bool {
	return o.Attempts > 0
}

// Stats summarises a run.
type Stats struct {
	Total      int
	Succeeded  int
	Failed     int
	NotStarted int
	Duration   time.Duration
}

// Executor runs chunk plans. It is safe to call Run from several goroutines.
type Executor[T any] struct {
	config    Config
	onOutcome func(Outcome[T])
	logger    zerolog.Logger
}

// New creates an executor. onOutcome, if non-nil, is called exactly once per
// chunk, in completion order, possibly from several goroutines at once.
func New[T any](config Config, onOutcome func(Outcome[T])) *Executor[T] {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "batch"
	}

	return &Executor[T]{
		config:    config,
		onOutcome: onOutcome,
		logger:    logging.NewLogger("batch").With().Str("run", config.Name).Logger(),
	}
}

// Config returns the effective configuration.
func (e *Executor[T]) Config() Config {
	return e.config
}

// Run executes every chunk and returns outcomes aligned with chunks.
//
// The returned error is nil unless the run was cut short: the first failure
// under FailAbort, or cancellation of ctx. Chunks that never started carry
// context.Canceled and are counted in Stats.NotStarted.
func (e *Executor[T]) Run(ctx context.Context, chunks []rangeplan.Range, fetch FetchFunc[T]) ([]Outcome[T], Stats, error) {
	start := time.Now()
	outcomes := make([]Outcome[T], len(chunks))
	for i, c := range chunks {
		outcomes[i] = Outcome[T]{Index: i, Chunk: c}
	}
	if len(chunks) == 0 {
		return outcomes, Stats{}, nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.logger.Info().
		Int("chunks", len(chunks)).
		Int("max_concurrency", e.config.MaxConcurrency).
		Str("admission", e.config.Admission.String()).
		Str("failure_policy", e.config.Failure.String()).
		Msg("Starting chunk run")

	r := &run[T]{exec: e, ctx: runCtx, cancel: cancel, fetch: fetch, outcomes: outcomes}

	switch e.config.Admission {
	case AdmitWaves:
		r.waves()
	default:
		r.continuous()
	}

	stats := Stats{Total: len(chunks), Duration: time.Since(start)}
	for _, o := range outcomes {
		switch {
		case !o.Started():
			stats.NotStarted++
		case o.Err != nil:
			stats.Failed++
		default:
			stats.Succeeded++
		}
	}

	var err error
	if runCtx.Err() != nil {
		err = context.Cause(runCtx)
	}

	ev := e.logger.Info()
	if err != nil {
		ev = e.logger.Warn().Err(err)
	}
	ev.Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("not_started", stats.NotStarted).
		Dur("duration", stats.Duration).
		Msg("Chunk run complete")

	return outcomes, stats, err
}

type run[T any] struct {
	exec      *Executor[T]
	ctx       context.Context
	cancel    context.CancelCauseFunc
	fetch     FetchFunc[T]
	outcomes  []Outcome[T]
	completed atomic.Int64
}

// continuous keeps up to MaxConcurrency chunks in flight and admits the next
// chunk whenever one finishes.
func (r *run[T]) continuous() {
	var g errgroup.Group
	g.SetLimit(r.exec.config.MaxConcurrency)

	for i := range r.outcomes {
		if r.ctx.Err() != nil {
			r.skipFrom(i)
			break
		}
		g.Go(func() error {
			r.execute(i)
			return nil
		})
	}
	_ = g.Wait()
}

// waves admits MaxConcurrency chunks at a time and waits for the whole group.
func (r *run[T]) waves() {
	size := r.exec.config.MaxConcurrency
	for lo := 0; lo < len(r.outcomes); lo += size {
		if r.ctx.Err() != nil {
			r.skipFrom(lo)
			return
		}
		hi := min(lo+size, len(r.outcomes))

		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				r.execute(i)
				return nil
			})
		}
		_ = g.Wait()

		r.exec.logger.Debug().
			Int("wave_start", lo).
			Int("wave_end", hi).
			Msg("Wave complete")
	}
}

// skipFrom marks every chunk from index i on as never started.
func (r *run[T]) skipFrom(i int) {
	for ; i < len(r.outcomes); i++ {
		r.outcomes[i].Err = context.Canceled
		chunksTotal.WithLabelValues("not_started").Inc()
		r.notify(r.outcomes[i])
	}
}

func (r *run[T]) execute(i int) {
	out := &r.outcomes[i]

	// Admission may have blocked long enough for the run to end.
	if r.ctx.Err() != nil {
		out.Err = context.Canceled
		chunksTotal.WithLabelValues("not_started").Inc()
		r.notify(*out)
		return
	}

	inflightFetches.Inc()
	start := time.Now()
	value, attempts, err := r.attempt(out.Chunk)
	chunkDuration.Observe(time.Since(start).Seconds())
	inflightFetches.Dec()

	if attempts == 0 {
		out.Err = context.Canceled
		chunksTotal.WithLabelValues("not_started").Inc()
		r.notify(*out)
		return
	}
	out.Value, out.Attempts, out.Err = value, attempts, err

	logger := logging.ChunkLogger(r.exec.logger, out.Chunk.Start, out.Chunk.End)
	if err != nil {
		chunksTotal.WithLabelValues("failed").Inc()
		logger.Warn().
			Err(err).
			Int("attempts", attempts).
			Str("failure_policy", r.exec.config.Failure.String()).
			Msg("Chunk failed")
		if r.exec.config.Failure == FailAbort {
			r.cancel(fmt.Errorf("chunk %s: %w", out.Chunk, err))
		}
	} else {
		chunksTotal.WithLabelValues("ok").Inc()
		logger.Debug().Int("attempts", attempts).Msg("Chunk complete")
	}

	r.notify(*out)
	r.progress()
}

// attempt runs the fetch under the configured failure policy.
func (r *run[T]) attempt(chunk rangeplan.Range) (T, int, error) {
	var value T
	once := func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.exec.config.Timeout)
		defer cancel()
		v, err := r.fetch(attemptCtx, chunk)
		if err != nil {
			return err
		}
		value = v
		return nil
	}

	if r.exec.config.Failure != FailRetry {
		return value, 1, once(r.ctx)
	}

	logger := logging.ChunkLogger(r.exec.logger, chunk.Start, chunk.End)
	attempts, err := r.exec.config.Retry.DoWithLogger(r.ctx, logger, once)
	if err != nil && errors.Is(err, retry.ErrContextCancelled) && r.ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", err, context.Cause(r.ctx))
	}
	return value, attempts, err
}

func (r *run[T]) notify(o Outcome[T]) {
	if r.exec.onOutcome == nil {
		return
	}
	r.exec.onOutcome(o)
}

func (r *run[T]) progress() {
	every := r.exec.config.ProgressEvery
	done := r.completed.Add(1)
	if every <= 0 || done%int64(every) != 0 {
		return
	}
	total := len(r.outcomes)
	r.exec.logger.Info().
		Int64("completed", done).
		Int("total", total).
		Float64("progress_pct", float64(done)/float64(total)*100).
		Msg("Chunk progress")
}
