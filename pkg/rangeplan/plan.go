// Package rangeplan splits half-open identifier ranges into fixed-size chunks.
package rangeplan

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrZeroBatchSize is returned when a plan is requested with a batch size of zero.
	ErrZeroBatchSize = errors.New("batch size must be greater than zero")

	// ErrInvertedRange is returned when Start is greater than End.
	ErrInvertedRange = errors.New("range start is after range end")
)

// Range is a half-open interval [Start, End) of ledger identifiers.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of identifiers in the range.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range holds no identifiers.
func (r Range) Empty() bool {
	return r.Len() == 0
}

// Contains reports whether id lies inside the range.
func (r Range) Contains(id uint64) bool {
	return id >= r.Start && id < r.End
}

// String renders the range as [start,end).
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Order controls the emission order of a plan.
type Order int

const (
	// Ascending emits chunks oldest first.
	Ascending Order = iota

	// Descending emits the same chunks newest first.
	Descending
)

// String returns the config spelling of the order.
func (o Order) String() string {
	switch o {
	case Descending:
		return "descending"
	default:
		return "ascending"
	}
}

// ParseOrder converts a config value into an Order.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "ascending", "asc":
		return Ascending, nil
	case "descending", "desc":
		return Descending, nil
	default:
		return Ascending, fmt.Errorf("unknown order %q", s)
	}
}

// Plan splits r into consecutive chunks of at most batchSize identifiers.
//
// Chunk i starts at r.Start + i*batchSize and the final chunk is truncated to
// r.End. An empty range yields no chunks. Descending returns the ascending
// plan reversed.
func Plan(r Range, batchSize uint64, order Order) ([]Range, error) {
	if batchSize == 0 {
		return nil, ErrZeroBatchSize
	}
	if r.Start > r.End {
		return nil, fmt.Errorf("%w: %s", ErrInvertedRange, r)
	}
	if r.Start == r.End {
		return []Range{}, nil
	}

	n := (r.Len()-1)/batchSize + 1
	chunks := make([]Range, 0, n)
	for pos := r.Start; pos < r.End; {
		end := r.End
		// compare via remaining length so pos+batchSize never overflows
		if r.End-pos > batchSize {
			end = pos + batchSize
		}
		chunks = append(chunks, Range{Start: pos, End: end})
		pos = end
	}

	if order == Descending {
		Reverse(chunks)
	}
	return chunks, nil
}

// Reverse flips the chunk order in place.
func Reverse(chunks []Range) {
	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}
}

// Covers reports whether chunks tile r exactly: no gaps, no overlap, nothing
// outside r. Emission order does not matter.
func Covers(r Range, chunks []Range) error {
	if r.Empty() {
		if len(chunks) != 0 {
			return fmt.Errorf("empty range %s planned into %d chunks", r, len(chunks))
		}
		return nil
	}

	sorted := make([]Range, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	next := r.Start
	for _, c := range sorted {
		if c.Empty() {
			return fmt.Errorf("empty chunk %s", c)
		}
		if c.Start < next {
			return fmt.Errorf("chunk %s overlaps previous coverage ending at %d", c, next)
		}
		if c.Start > next {
			return fmt.Errorf("gap [%d,%d) before chunk %s", next, c.Start, c)
		}
		next = c.End
	}
	if next != r.End {
		return fmt.Errorf("coverage ends at %d, want %d", next, r.End)
	}
	return nil
}
