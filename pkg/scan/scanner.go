// Package scan drives a full block range scan: find the range, plan it,
// fetch chunks with bounded parallelism and fold them into an aggregate.
package scan

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/ledgerscan/pkg/aggregate"
	"github.com/Sternrassler/ledgerscan/pkg/batch"
	"github.com/Sternrassler/ledgerscan/pkg/boundary"
	"github.com/Sternrassler/ledgerscan/pkg/ledger"
	"github.com/Sternrassler/ledgerscan/pkg/logging"
	"github.com/Sternrassler/ledgerscan/pkg/rangeplan"
	"github.com/Sternrassler/ledgerscan/pkg/retry"
)

// DecodeError marks a block that could not be decoded.
type DecodeError struct {
	Height uint64
	Index  int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode tx %d of block %d: %v", e.Index, e.Height, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Config holds scanner configuration.
type Config struct {
	// Start and End bound the scan as [Start, End). Zero End means the chain
	// head; zero Start with FindEarliest means the earliest served block.
	Start uint64
	End   uint64

	// FindEarliest searches for the lowest height the node still serves and
	// raises Start to it.
	FindEarliest bool

	// BatchSize is the number of blocks per chunk (default: 100).
	BatchSize uint64

	Order rangeplan.Order

	// Executor controls parallelism and the failure policy for chunk fetches.
	Executor batch.Config

	// Setup is the retry policy for queries the scan cannot start without.
	Setup retry.Policy
}

// DefaultConfig returns descending chunks of 100 blocks, up to 1000 in
// flight, with failed chunks skipped and counted.
func DefaultConfig() Config {
	exec := batch.DefaultConfig()
	exec.Name = "blocks"
	exec.MaxConcurrency = 1000
	exec.ProgressEvery = 100
	return Config{
		BatchSize: 100,
		Order:     rangeplan.Descending,
		Executor:  exec,
		Setup:     retry.SetupPolicy(),
	}
}

// Report is the result of a scan.
type Report struct {
	Range    rangeplan.Range
	Chunks   int
	Stats    batch.Stats
	Snapshot aggregate.Snapshot
	Duration time.Duration
}

// Summary renders the one-line result of the scan.
func (r Report) Summary() string {
	c := r.Snapshot.Counters
	return fmt.Sprintf("Successfully downloaded %d blocks and %d tx containing %d messages in %d seconds",
		c.Units, c.Transactions, c.Messages, int64(r.Duration.Seconds()))
}

// Scanner owns the collaborators of a scan. Every ScanRange folds into a
// fresh aggregate, so repeated or overlapping scans never share totals.
type Scanner struct {
	source  ledger.Source
	decoder Decoder
	config  Config
	hook    aggregate.FindingHook
	agg     atomic.Pointer[aggregate.Aggregator]
	logger  zerolog.Logger
}

// New creates a Scanner. hook receives transfer findings as chunks are folded.
func New(source ledger.Source, decoder Decoder, config Config, hook aggregate.FindingHook) *Scanner {
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.Executor.Name == "" {
		config.Executor.Name = "blocks"
	}
	s := &Scanner{
		source:  source,
		decoder: decoder,
		config:  config,
		hook:    hook,
		logger:  logging.NewLogger("scan"),
	}
	s.agg.Store(aggregate.New(hook))
	return s
}

// Aggregate exposes the running totals of the latest scan, e.g. for progress
// reporting.
func (s *Scanner) Aggregate() *aggregate.Aggregator {
	return s.agg.Load()
}

// Resolve determines the concrete [start, end) range to scan.
func (s *Scanner) Resolve(ctx context.Context) (rangeplan.Range, error) {
	start, end := s.config.Start, s.config.End

	if end == 0 || (s.config.FindEarliest && start == 0) {
		var status ledger.ChainStatus
		_, err := s.config.Setup.DoWithLogger(ctx, s.logger, func(ctx context.Context) error {
			var err error
			status, err = s.source.ChainStatus(ctx)
			return err
		})
		if err != nil {
			return rangeplan.Range{}, fmt.Errorf("chain status: %w", err)
		}

		s.logger.Info().
			Str("chain_id", status.ChainID).
			Uint64("latest_height", status.LatestHeight).
			Uint64("earliest_height", status.EarliestHeight).
			Msg("Chain status")

		if end == 0 {
			end = status.LatestHeight + 1
		}
	}

	if s.config.FindEarliest {
		lo := start
		if lo == 0 {
			lo = 1
		}
		if end == 0 || lo >= end {
			return rangeplan.Range{}, fmt.Errorf("find earliest in [%d, %d): %w", lo, end, boundary.ErrNotFound)
		}
		earliest, err := boundary.FindEarliest(ctx, lo, end-1, boundary.BlockProbe(s.source))
		if err != nil {
			return rangeplan.Range{}, fmt.Errorf("find earliest: %w", err)
		}
		s.logger.Info().Uint64("earliest", earliest).Msg("Found earliest available block")
		start = earliest
	}

	if start > end {
		return rangeplan.Range{}, fmt.Errorf("scan [%d, %d): %w", start, end, rangeplan.ErrInvertedRange)
	}
	return rangeplan.Range{Start: start, End: end}, nil
}

// Run resolves, plans and scans the configured range.
func (s *Scanner) Run(ctx context.Context) (Report, error) {
	r, err := s.Resolve(ctx)
	if err != nil {
		return Report{}, err
	}
	return s.ScanRange(ctx, r)
}

// ScanRange scans r. Under the skip and retry policies failed chunks are
// recorded as losses and the scan still succeeds.
func (s *Scanner) ScanRange(ctx context.Context, r rangeplan.Range) (Report, error) {
	start := time.Now()

	chunks, err := rangeplan.Plan(r, s.config.BatchSize, s.config.Order)
	if err != nil {
		return Report{}, err
	}
	if err := rangeplan.Covers(r, chunks); err != nil {
		return Report{}, fmt.Errorf("plan self-check: %w", err)
	}

	s.logger.Info().
		Stringer("range", r).
		Int("chunks", len(chunks)).
		Uint64("batch_size", s.config.BatchSize).
		Str("order", s.config.Order.String()).
		Msg("Starting block scan")

	agg := aggregate.New(s.hook)
	s.agg.Store(agg)
	exec := batch.New(s.config.Executor, func(o batch.Outcome[aggregate.ChunkResult]) {
		s.fold(agg, o)
	})
	_, stats, runErr := exec.Run(ctx, chunks, s.fetchChunk)

	report := Report{
		Range:    r,
		Chunks:   len(chunks),
		Stats:    stats,
		Snapshot: agg.Snapshot(),
		Duration: time.Since(start),
	}

	s.logger.Info().
		Uint64("blocks", report.Snapshot.Counters.Units).
		Uint64("transactions", report.Snapshot.Counters.Transactions).
		Uint64("messages", report.Snapshot.Counters.Messages).
		Uint64("lost_chunks", report.Snapshot.Losses.Chunks).
		Uint64("decode_failures", report.Snapshot.Losses.DecodeFailures).
		Dur("duration", report.Duration).
		Msg("Block scan complete")

	if runErr != nil {
		return report, fmt.Errorf("scan %s: %w", r, runErr)
	}
	return report, nil
}

// fetchChunk fetches one chunk and decodes every block in it. Heights the
// node failed to return inside a successful range call are left out.
func (s *Scanner) fetchChunk(ctx context.Context, chunk rangeplan.Range) (aggregate.ChunkResult, error) {
	results, err := s.source.BlockRange(ctx, chunk.Start, chunk.End)
	if err != nil {
		return aggregate.ChunkResult{}, err
	}

	logger := logging.ChunkLogger(s.logger, chunk.Start, chunk.End)
	var out aggregate.ChunkResult
	for _, res := range results {
		if res.Err != nil || res.Block == nil {
			logger.Debug().Err(res.Err).Uint64("height", res.Height).Msg("Block missing from range response")
			continue
		}
		sum := SummarizeBlock(s.decoder, res.Block)
		if sum.DecodeErr != nil {
			logger.Warn().Err(sum.DecodeErr).Msg("Skipping undecodable block")
		}
		out.Blocks = append(out.Blocks, sum)
	}
	return out, nil
}

// fold is the executor callback; it is the only path into the aggregate.
func (s *Scanner) fold(agg *aggregate.Aggregator, o batch.Outcome[aggregate.ChunkResult]) {
	var err error
	if o.Err != nil {
		err = agg.FoldFailure(o.Chunk, o.Err)
	} else {
		err = agg.Fold(o.Chunk, o.Value)
	}
	if err != nil {
		s.logger.Error().Err(err).Stringer("chunk", o.Chunk).Msg("Fold failed")
	}
}
