package boundary

import (
	"context"
	"errors"
	"math"
	"math/bits"
	"math/rand"
	"testing"

	"github.com/Sternrassler/ledgerscan/pkg/ledger"
)

// thresholdProbe is present at and above threshold and counts its calls.
func thresholdProbe(threshold uint64, calls *int) Probe {
	return func(ctx context.Context, id uint64) (bool, error) {
		*calls++
		return id >= threshold, nil
	}
}

func TestFindEarliest_RandomThresholds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for i := 0; i < 5000; i++ {
		threshold := uint64(rng.Intn(10001))
		calls := 0

		got, err := FindEarliest(ctx, 0, 10000, thresholdProbe(threshold, &calls))
		if err != nil {
			t.Fatalf("threshold %d: error = %v", threshold, err)
		}
		if got != threshold {
			t.Fatalf("threshold %d: got %d", threshold, got)
		}

		maxCalls := bits.Len64(10000) + 1
		if calls > maxCalls {
			t.Fatalf("threshold %d: %d probes, want <= %d", threshold, calls, maxCalls)
		}
	}
}

func TestFindEarliest_Boundaries(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		lo, hi    uint64
		threshold uint64
		none      bool
		want      uint64
		wantErr   error
	}{
		{name: "full range present", lo: 100, hi: 200, threshold: 0, want: 100},
		{name: "nothing present", lo: 100, hi: 200, threshold: 201, wantErr: ErrNotFound},
		{name: "only hi present", lo: 100, hi: 200, threshold: 200, want: 200},
		{name: "single id present", lo: 7, hi: 7, threshold: 7, want: 7},
		{name: "single id absent", lo: 7, hi: 7, threshold: 8, wantErr: ErrNotFound},
		{name: "inverted interval", lo: 9, hi: 3, threshold: 0, wantErr: ErrNotFound},
		{name: "max uint64 hi present", lo: 0, hi: math.MaxUint64, threshold: math.MaxUint64, want: math.MaxUint64},
		{name: "max uint64 none present", lo: math.MaxUint64 - 3, hi: math.MaxUint64, none: true, wantErr: ErrNotFound},
		{name: "huge interval low threshold", lo: 0, hi: math.MaxUint64, threshold: 1, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			probe := thresholdProbe(tt.threshold, &calls)
			if tt.none {
				probe = func(ctx context.Context, id uint64) (bool, error) {
					return false, nil
				}
			}

			got, err := FindEarliest(ctx, tt.lo, tt.hi, probe)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFindEarliest_ProbeError(t *testing.T) {
	boom := errors.New("node unavailable")
	_, err := FindEarliest(context.Background(), 0, 100, func(ctx context.Context, id uint64) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped %v", err, boom)
	}
}

func TestFindEarliest_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FindEarliest(ctx, 0, 100, func(ctx context.Context, id uint64) (bool, error) {
		t.Fatal("probe should not run after cancellation")
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

type fakeBlocks struct {
	earliest uint64
	err      error
}

func (f fakeBlocks) Block(ctx context.Context, height uint64) (*ledger.Block, error) {
	if f.err != nil {
		return nil, f.err
	}
	if height < f.earliest {
		return nil, nil
	}
	return &ledger.Block{Height: height}, nil
}

func TestBlockProbe(t *testing.T) {
	got, err := FindEarliest(context.Background(), 1, 6071405, BlockProbe(fakeBlocks{earliest: 4071405}))
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if got != 4071405 {
		t.Errorf("got %d, want 4071405", got)
	}

	boom := errors.New("dial tcp: connection refused")
	if _, err := FindEarliest(context.Background(), 1, 10, BlockProbe(fakeBlocks{err: boom})); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}
