// Package boundary locates the earliest retrievable record in a monotonic
// identifier space, e.g. the lowest block a pruned node still serves.
package boundary

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/ledgerscan/pkg/ledger"
)

// ErrNotFound is returned when no identifier in the searched interval holds a record.
var ErrNotFound = errors.New("no record in search interval")

// Probe reports whether a record exists at id.
type Probe func(ctx context.Context, id uint64) (bool, error)

// FindEarliest returns the smallest id in [lo, hi] for which probe is true.
//
// probe must be monotonic over [lo, hi]: false below some threshold, true at
// and above it. The loop keeps two facts true:
//
//   - every id below l has been shown (or implied) absent
//   - h is either hi, still unprobed, or an id probe reported present
//
// so when l == h the answer is h if it was probed present, otherwise a single
// probe of hi decides between hi and ErrNotFound. mid = l + (h-l)/2 < h keeps
// every step inside uint64.
func FindEarliest(ctx context.Context, lo, hi uint64, probe Probe) (uint64, error) {
	if lo > hi {
		return 0, ErrNotFound
	}

	l, h := lo, hi
	hPresent := false
	for l < h {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		mid := l + (h-l)/2
		ok, err := probe(ctx, mid)
		if err != nil {
			return 0, fmt.Errorf("probe %d: %w", mid, err)
		}
		if ok {
			h = mid
			hPresent = true
		} else {
			l = mid + 1
		}
	}

	if hPresent {
		return h, nil
	}
	ok, err := probe(ctx, h)
	if err != nil {
		return 0, fmt.Errorf("probe %d: %w", h, err)
	}
	if !ok {
		return 0, ErrNotFound
	}
	return h, nil
}

// BlockProbe turns a block source into a Probe. A nil block means the height
// is not retrievable; transport errors are returned unchanged.
func BlockProbe(src ledger.BlockSource) Probe {
	return func(ctx context.Context, id uint64) (bool, error) {
		block, err := src.Block(ctx, id)
		if err != nil {
			return false, err
		}
		return block != nil, nil
	}
}
