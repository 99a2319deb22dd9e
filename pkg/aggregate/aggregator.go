// Package aggregate folds per-chunk scan results into process-wide totals.
//
// The Aggregator is the only writer of its counters. Folds may arrive from
// any goroutine and in any order; each height contributes at most once.
package aggregate

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/ledgerscan/pkg/rangeplan"
)

var (
	unitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerscan_units_total",
		Help: "Blocks folded into the aggregate",
	})

	transactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerscan_transactions_total",
		Help: "Transactions folded into the aggregate",
	})

	messagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerscan_messages_total",
		Help: "Messages folded into the aggregate",
	})

	decodeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerscan_decode_failures_total",
		Help: "Blocks skipped because a transaction failed to decode",
	})
)

var (
	// ErrAlreadyFolded is returned when a chunk is folded a second time.
	ErrAlreadyFolded = errors.New("chunk already folded")

	// ErrOverlappingChunk is returned when a chunk shares heights with a
	// different chunk that was already folded.
	ErrOverlappingChunk = errors.New("chunk overlaps a folded chunk")
)

// Counters are the running totals of a scan. They only grow.
type Counters struct {
	Units        uint64
	Transactions uint64
	Messages     uint64
}

// Losses records data the scan dropped instead of failing.
type Losses struct {
	// Chunks and Units dropped by the skip policy.
	Chunks uint64
	Units  uint64

	// DecodeFailures counts blocks skipped because a transaction did not decode.
	DecodeFailures uint64
}

// Finding kinds.
const (
	KindIBCTransfer = "ibc_transfer"
	KindSendToEth   = "send_to_eth"
)

// Finding is a decoded message worth displaying.
type Finding struct {
	Kind     string
	Height   uint64
	Sender   string
	Receiver string
	Amount   string
}

func (f Finding) String() string {
	switch f.Kind {
	case KindIBCTransfer:
		return fmt.Sprintf("IBC transfer by %s to %s of %s", f.Sender, f.Receiver, f.Amount)
	case KindSendToEth:
		return fmt.Sprintf("Msg send to ETH by %s to %s of %s", f.Sender, f.Receiver, f.Amount)
	default:
		return fmt.Sprintf("%s at height %d by %s to %s of %s", f.Kind, f.Height, f.Sender, f.Receiver, f.Amount)
	}
}

// BlockSummary is what decoding contributed for one block.
type BlockSummary struct {
	Height       uint64
	Transactions uint64
	Messages     uint64
	Findings     []Finding

	// DecodeErr is set when any transaction of the block failed to decode.
	// Such a block contributes nothing to the counters.
	DecodeErr error
}

// ChunkResult holds the decoded blocks of one chunk.
type ChunkResult struct {
	Blocks []BlockSummary
}

// FindingHook receives findings as they are folded. It is called with the
// aggregator's lock held, so it must not call back into the Aggregator.
type FindingHook func(Finding)

// Snapshot is a consistent copy of the aggregate.
type Snapshot struct {
	Counters Counters
	Losses   Losses
	Findings []Finding
	Folded   int
}

type foldedChunk struct {
	chunk rangeplan.Range
	lost  bool
}

// Aggregator owns the scan totals.
type Aggregator struct {
	mu       sync.Mutex
	counters Counters
	losses   Losses
	findings []Finding
	folded   []foldedChunk // sorted by Start, pairwise disjoint
	hook     FindingHook
}

// New creates an empty Aggregator. hook may be nil.
func New(hook FindingHook) *Aggregator {
	return &Aggregator{hook: hook}
}

// Fold adds a successfully fetched chunk. A chunk earlier recorded by
// FoldFailure is counted and its loss taken back. Folding a counted chunk
// again returns ErrAlreadyFolded, and a chunk overlapping a different folded
// chunk returns ErrOverlappingChunk; both change nothing.
func (a *Aggregator) Fold(chunk rangeplan.Range, result ChunkResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, found, err := a.lookup(chunk)
	if err != nil {
		return err
	}
	if found {
		if !a.folded[i].lost {
			return fmt.Errorf("%w: %s", ErrAlreadyFolded, chunk)
		}
		a.folded[i].lost = false
		a.losses.Chunks--
		a.losses.Units -= chunk.Len()
	} else {
		a.folded = slices.Insert(a.folded, i, foldedChunk{chunk: chunk})
	}

	var delta Counters
	var decodeFailures uint64
	for _, b := range result.Blocks {
		if b.DecodeErr != nil {
			decodeFailures++
			continue
		}
		delta.Units++
		delta.Transactions += b.Transactions
		delta.Messages += b.Messages
		for _, f := range b.Findings {
			a.findings = append(a.findings, f)
			if a.hook != nil {
				a.hook(f)
			}
		}
	}

	a.counters.Units += delta.Units
	a.counters.Transactions += delta.Transactions
	a.counters.Messages += delta.Messages
	a.losses.DecodeFailures += decodeFailures

	unitsTotal.Add(float64(delta.Units))
	transactionsTotal.Add(float64(delta.Transactions))
	messagesTotal.Add(float64(delta.Messages))
	decodeFailuresTotal.Add(float64(decodeFailures))

	return nil
}

// FoldFailure records a chunk that was dropped. It shares the fold record
// with Fold, so a chunk is either counted or lost, never both.
func (a *Aggregator) FoldFailure(chunk rangeplan.Range, cause error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, found, err := a.lookup(chunk)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", ErrAlreadyFolded, chunk)
	}
	a.folded = slices.Insert(a.folded, i, foldedChunk{chunk: chunk, lost: true})
	a.losses.Chunks++
	a.losses.Units += chunk.Len()
	return nil
}

// lookup returns the index of the folded entry equal to chunk, or the
// insertion point that keeps the record sorted.
func (a *Aggregator) lookup(chunk rangeplan.Range) (int, bool, error) {
	i := sort.Search(len(a.folded), func(i int) bool { return a.folded[i].chunk.End > chunk.Start })
	if i < len(a.folded) {
		f := a.folded[i].chunk
		if f == chunk {
			return i, true, nil
		}
		if f.Start < chunk.End {
			return 0, false, fmt.Errorf("%w: %s overlaps %s", ErrOverlappingChunk, chunk, f)
		}
	}
	return i, false, nil
}

// Counters returns the current totals.
func (a *Aggregator) Counters() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters
}

// Snapshot returns a copy of everything folded so far.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	findings := make([]Finding, len(a.findings))
	copy(findings, a.findings)
	return Snapshot{
		Counters: a.counters,
		Losses:   a.losses,
		Findings: findings,
		Folded:   len(a.folded),
	}
}
