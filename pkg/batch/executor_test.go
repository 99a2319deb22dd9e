package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/ledgerscan/pkg/rangeplan"
	"github.com/Sternrassler/ledgerscan/pkg/retry"
)

func plan(t *testing.T, start, end, size uint64) []rangeplan.Range {
	t.Helper()
	chunks, err := rangeplan.Plan(rangeplan.Range{Start: start, End: end}, size, rangeplan.Ascending)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return chunks
}

// inflightTracker records the peak number of concurrent fetches.
type inflightTracker struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (tr *inflightTracker) fetch(delay time.Duration) FetchFunc[uint64] {
	return func(ctx context.Context, chunk rangeplan.Range) (uint64, error) {
		n := tr.current.Add(1)
		defer tr.current.Add(-1)
		for {
			p := tr.peak.Load()
			if n <= p || tr.peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(delay)
		return chunk.Len(), nil
	}
}

func TestExecutor_NeverExceedsMaxConcurrency(t *testing.T) {
	for _, admission := range []Admission{AdmitContinuous, AdmitWaves} {
		t.Run(admission.String(), func(t *testing.T) {
			tr := &inflightTracker{}
			exec := New[uint64](Config{MaxConcurrency: 4, Admission: admission}, nil)

			outcomes, stats, err := exec.Run(context.Background(), plan(t, 0, 1000, 25), tr.fetch(2*time.Millisecond))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if peak := tr.peak.Load(); peak > 4 {
				t.Errorf("peak in flight = %d, want <= 4", peak)
			}
			if peak := tr.peak.Load(); peak < 2 {
				t.Errorf("peak in flight = %d, expected parallel execution", peak)
			}
			if stats.Succeeded != 40 || len(outcomes) != 40 {
				t.Errorf("succeeded = %d, outcomes = %d, want 40/40", stats.Succeeded, len(outcomes))
			}
		})
	}
}

func TestExecutor_OutcomesIndexAligned(t *testing.T) {
	chunks := plan(t, 0, 250, 100)
	exec := New[uint64](Config{MaxConcurrency: 3}, nil)

	// Later chunks finish first.
	outcomes, _, err := exec.Run(context.Background(), chunks, func(ctx context.Context, c rangeplan.Range) (uint64, error) {
		time.Sleep(time.Duration(300-c.Start) * 10 * time.Microsecond)
		return c.Start, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, o := range outcomes {
		if o.Index != i || o.Chunk != chunks[i] || o.Value != chunks[i].Start {
			t.Errorf("outcome %d = %+v, want chunk %v", i, o, chunks[i])
		}
		if o.Attempts != 1 {
			t.Errorf("outcome %d attempts = %d, want 1", i, o.Attempts)
		}
	}
}

func TestExecutor_OnOutcomeOncePerChunk(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]int{}
	exec := New[uint64](Config{MaxConcurrency: 8}, func(o Outcome[uint64]) {
		mu.Lock()
		seen[o.Index]++
		mu.Unlock()
	})

	chunks := plan(t, 0, 5000, 100)
	if _, _, err := exec.Run(context.Background(), chunks, (&inflightTracker{}).fetch(0)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != len(chunks) {
		t.Fatalf("callbacks for %d chunks, want %d", len(seen), len(chunks))
	}
	for idx, n := range seen {
		if n != 1 {
			t.Errorf("chunk %d notified %d times", idx, n)
		}
	}
}

func TestExecutor_FailSkip(t *testing.T) {
	boom := errors.New("node returned 503")
	calls := atomic.Int64{}
	exec := New[uint64](Config{MaxConcurrency: 2, Failure: FailSkip}, nil)

	outcomes, stats, err := exec.Run(context.Background(), plan(t, 0, 500, 100), func(ctx context.Context, c rangeplan.Range) (uint64, error) {
		calls.Add(1)
		if c.Start == 200 {
			return 0, boom
		}
		return c.Len(), nil
	})

	if err != nil {
		t.Fatalf("skip policy should not fail the run: %v", err)
	}
	if calls.Load() != 5 {
		t.Errorf("calls = %d, want 5 (no retries)", calls.Load())
	}
	if stats.Failed != 1 || stats.Succeeded != 4 || stats.NotStarted != 0 {
		t.Errorf("stats = %+v, want 4 ok / 1 failed", stats)
	}
	if !errors.Is(outcomes[2].Err, boom) {
		t.Errorf("outcome[2].Err = %v, want %v", outcomes[2].Err, boom)
	}
}

func TestExecutor_FailRetry(t *testing.T) {
	var mu sync.Mutex
	failures := map[uint64]int{}
	exec := New[uint64](Config{
		MaxConcurrency: 3,
		Failure:        FailRetry,
		Retry:          retry.Policy{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, nil)

	outcomes, stats, err := exec.Run(context.Background(), plan(t, 0, 300, 100), func(ctx context.Context, c rangeplan.Range) (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		// Chunk 100 fails twice, chunk 200 always.
		if (c.Start == 100 && failures[c.Start] < 2) || c.Start == 200 {
			failures[c.Start]++
			return 0, errors.New("timeout")
		}
		return c.Len(), nil
	})

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcomes[1].Err != nil || outcomes[1].Attempts != 3 {
		t.Errorf("chunk 1 = %+v, want success on attempt 3", outcomes[1])
	}
	if !errors.Is(outcomes[2].Err, retry.ErrRetryExhausted) || outcomes[2].Attempts != 4 {
		t.Errorf("chunk 2 = %+v, want exhausted after 4 attempts", outcomes[2])
	}
	if stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExecutor_FailAbort(t *testing.T) {
	for _, admission := range []Admission{AdmitContinuous, AdmitWaves} {
		t.Run(admission.String(), func(t *testing.T) {
			boom := errors.New("malformed range response")
			exec := New[uint64](Config{MaxConcurrency: 1, Admission: admission, Failure: FailAbort}, nil)

			_, stats, err := exec.Run(context.Background(), plan(t, 0, 1000, 100), func(ctx context.Context, c rangeplan.Range) (uint64, error) {
				if c.Start == 300 {
					return 0, boom
				}
				return c.Len(), nil
			})

			if !errors.Is(err, boom) {
				t.Fatalf("err = %v, want %v", err, boom)
			}
			if stats.Succeeded != 3 || stats.Failed != 1 || stats.NotStarted != 6 {
				t.Errorf("stats = %+v, want 3 ok / 1 failed / 6 not started", stats)
			}
		})
	}
}

func TestExecutor_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := New[uint64](Config{MaxConcurrency: 1}, nil)

	outcomes, stats, err := exec.Run(ctx, plan(t, 0, 1000, 100), func(ctx context.Context, c rangeplan.Range) (uint64, error) {
		if c.Start == 100 {
			cancel()
		}
		return c.Len(), nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if stats.NotStarted != 8 {
		t.Errorf("not started = %d, want 8", stats.NotStarted)
	}
	for _, o := range outcomes[2:] {
		if o.Started() || !errors.Is(o.Err, context.Canceled) {
			t.Errorf("outcome %d = %+v, want not started", o.Index, o)
		}
	}
}

func TestExecutor_Timeout(t *testing.T) {
	exec := New[uint64](Config{MaxConcurrency: 2, Timeout: 5 * time.Millisecond}, nil)

	outcomes, stats, _ := exec.Run(context.Background(), plan(t, 0, 200, 100), func(ctx context.Context, c rangeplan.Range) (uint64, error) {
		if c.Start == 0 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return c.Len(), nil
	})

	if !errors.Is(outcomes[0].Err, context.DeadlineExceeded) {
		t.Errorf("outcome[0].Err = %v, want deadline exceeded", outcomes[0].Err)
	}
	if stats.Failed != 1 || stats.Succeeded != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExecutor_EmptyPlan(t *testing.T) {
	exec := New[uint64](DefaultConfig(), func(Outcome[uint64]) {
		t.Error("no outcomes expected")
	})
	outcomes, stats, err := exec.Run(context.Background(), nil, (&inflightTracker{}).fetch(0))
	if err != nil || len(outcomes) != 0 || stats.Total != 0 {
		t.Errorf("empty run = %v, %+v, %v", outcomes, stats, err)
	}
}

func TestParsePolicies(t *testing.T) {
	if a, err := ParseAdmission("waves"); err != nil || a != AdmitWaves {
		t.Errorf("ParseAdmission(waves) = %v, %v", a, err)
	}
	if _, err := ParseAdmission("burst"); err == nil {
		t.Error("expected error for unknown admission")
	}
	for _, s := range []string{"skip", "retry", "abort"} {
		p, err := ParseFailurePolicy(s)
		if err != nil || p.String() != s {
			t.Errorf("ParseFailurePolicy(%s) = %v, %v", s, p, err)
		}
	}
	if _, err := ParseFailurePolicy("ignore"); err == nil {
		t.Error("expected error for unknown failure policy")
	}
}
