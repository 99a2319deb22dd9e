package ethdeposits

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Sternrassler/ledgerscan/pkg/batch"
	"github.com/Sternrassler/ledgerscan/pkg/retry"
)

var (
	bridge = common.HexToAddress("0xa4108aA1Ec4967F8b52220a4f7e94A8201F2D906")
	token  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	sender = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

// fakeFilterer serves logs by block number and records every query.
type fakeFilterer struct {
	mu      sync.Mutex
	logs    []types.Log
	queries []ethereum.FilterQuery
	failFor map[uint64]int // FromBlock -> remaining failures
}

func (f *fakeFilterer) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if f.failFor[from] > 0 {
		f.failFor[from]--
		return nil, errors.New("query timeout")
	}

	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func testConfig(start, end uint64) Config {
	cfg := DefaultConfig(bridge, start, end)
	cfg.Executor.Retry = retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	cfg.Executor.ProgressEvery = 0
	return cfg
}

func depositLog(t *testing.T, s *Scanner, block uint64, index uint, dest string, amount, nonce int64) types.Log {
	t.Helper()
	data, err := s.event.Inputs.NonIndexed().Pack(dest, big.NewInt(amount), big.NewInt(nonce))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address:     bridge,
		Topics:      []common.Hash{s.EventID(), common.BytesToHash(token.Bytes()), common.BytesToHash(sender.Bytes())},
		Data:        data,
		BlockNumber: block,
		Index:       index,
	}
}

func TestEventID(t *testing.T) {
	s, err := NewScanner(&fakeFilterer{}, testConfig(0, 1), nil)
	if err != nil {
		t.Fatal(err)
	}
	sig := "SendToCosmosEvent(address,address,string,uint256,uint256)"
	if s.event.Sig != sig {
		t.Errorf("event sig = %s, want %s", s.event.Sig, sig)
	}
	if s.EventID() != crypto.Keccak256Hash([]byte(sig)) {
		t.Errorf("EventID() = %s, want keccak256 of the signature", s.EventID().Hex())
	}
}

func TestDecodeLog(t *testing.T) {
	s, err := NewScanner(&fakeFilterer{}, testConfig(0, 1), nil)
	if err != nil {
		t.Fatal(err)
	}

	d, err := s.DecodeLog(depositLog(t, s, 12786800, 3, "gravity1dest", 1_000_000, 42))
	if err != nil {
		t.Fatalf("DecodeLog() error = %v", err)
	}
	if d.TokenContract != token || d.Sender != sender {
		t.Errorf("addresses = %s, %s", d.TokenContract.Hex(), d.Sender.Hex())
	}
	if d.Destination != "gravity1dest" || d.Amount.Uint64() != 1_000_000 || d.EventNonce != 42 {
		t.Errorf("deposit = %+v", d)
	}
	if d.BlockNumber != 12786800 || d.LogIndex != 3 {
		t.Errorf("position = %d/%d", d.BlockNumber, d.LogIndex)
	}

	want := "Deposit from ETH by " + sender.Hex() + " to gravity1dest for 1000000" + token.Hex()
	if d.String() != want {
		t.Errorf("String() = %q, want %q", d.String(), want)
	}
}

func TestDecodeLog_Rejects(t *testing.T) {
	s, err := NewScanner(&fakeFilterer{}, testConfig(0, 1), nil)
	if err != nil {
		t.Fatal(err)
	}

	other := depositLog(t, s, 1, 0, "x", 1, 1)
	other.Topics[0] = common.HexToHash("0x01")
	if _, err := s.DecodeLog(other); !errors.Is(err, ErrNotDeposit) {
		t.Errorf("wrong topic: err = %v, want ErrNotDeposit", err)
	}

	short := depositLog(t, s, 1, 0, "x", 1, 1)
	short.Topics = short.Topics[:2]
	if _, err := s.DecodeLog(short); !errors.Is(err, ErrNotDeposit) {
		t.Errorf("missing topic: err = %v, want ErrNotDeposit", err)
	}

	truncated := depositLog(t, s, 1, 0, "x", 1, 1)
	truncated.Data = truncated.Data[:40]
	if _, err := s.DecodeLog(truncated); err == nil {
		t.Error("truncated data: expected error")
	}
}

func TestScan_DescendingWindows(t *testing.T) {
	f := &fakeFilterer{}
	cfg := testConfig(0, 12001)
	cfg.Executor.MaxConcurrency = 1

	s, err := NewScanner(f, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	// Windows are the ascending plan reversed, so the short one is newest.
	want := [][2]uint64{{10000, 12000}, {5000, 9999}, {0, 4999}}
	if len(f.queries) != len(want) {
		t.Fatalf("queries = %d, want %d", len(f.queries), len(want))
	}
	for i, q := range f.queries {
		if q.FromBlock.Uint64() != want[i][0] || q.ToBlock.Uint64() != want[i][1] {
			t.Errorf("query %d = [%d, %d], want %v", i, q.FromBlock, q.ToBlock, want[i])
		}
		if len(q.Addresses) != 1 || q.Addresses[0] != bridge {
			t.Errorf("query %d addresses = %v", i, q.Addresses)
		}
		if len(q.Topics) != 1 || q.Topics[0][0] != s.EventID() {
			t.Errorf("query %d topics = %v", i, q.Topics)
		}
	}
}

func TestScan_CollectsDeposits(t *testing.T) {
	f := &fakeFilterer{}
	s, err := NewScanner(f, testConfig(100, 20100), nil)
	if err != nil {
		t.Fatal(err)
	}
	var found []Deposit
	s.onFound = func(d Deposit) { found = append(found, d) }

	f.logs = []types.Log{
		depositLog(t, s, 150, 0, "a", 1, 1),
		depositLog(t, s, 5099, 1, "b", 2, 2),
		depositLog(t, s, 5100, 0, "c", 3, 3),
		depositLog(t, s, 20099, 2, "d", 4, 4),
		depositLog(t, s, 20100, 0, "outside", 5, 5),
	}
	removed := depositLog(t, s, 300, 0, "reorged", 6, 6)
	removed.Removed = true
	f.logs = append(f.logs, removed)

	report, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(report.Deposits) != 4 {
		t.Fatalf("deposits = %d, want 4", len(report.Deposits))
	}
	wantOrder := []string{"d", "c", "b", "a"}
	for i, d := range report.Deposits {
		if d.Destination != wantOrder[i] {
			t.Errorf("deposits[%d] = %s, want %s", i, d.Destination, wantOrder[i])
		}
	}
	if len(found) != 4 {
		t.Errorf("onFound called %d times, want 4", len(found))
	}
	if report.Stats.Total != 4 || report.Stats.Succeeded != 4 {
		t.Errorf("stats = %+v", report.Stats)
	}
}

func TestScan_RetriesWindow(t *testing.T) {
	f := &fakeFilterer{failFor: map[uint64]int{5000: 2}}
	s, err := NewScanner(f, testConfig(0, 10000), nil)
	if err != nil {
		t.Fatal(err)
	}
	f.logs = []types.Log{depositLog(t, s, 6000, 0, "late", 9, 9)}

	report, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(report.Deposits) != 1 {
		t.Errorf("deposits = %d, want 1", len(report.Deposits))
	}
	if len(f.queries) != 4 {
		t.Errorf("queries = %d, want 2 windows + 2 retries", len(f.queries))
	}
}

func TestScan_IncompleteAfterRetries(t *testing.T) {
	f := &fakeFilterer{failFor: map[uint64]int{0: 10}}
	s, err := NewScanner(f, testConfig(0, 10000), nil)
	if err != nil {
		t.Fatal(err)
	}
	f.logs = []types.Log{depositLog(t, s, 7000, 0, "kept", 1, 1)}

	report, err := s.Scan(context.Background())
	if !errors.Is(err, ErrIncompleteScan) {
		t.Fatalf("Scan() error = %v, want ErrIncompleteScan", err)
	}
	if len(report.Deposits) != 1 {
		t.Errorf("deposits from healthy windows = %d, want 1", len(report.Deposits))
	}
	if report.Stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Stats.Failed)
	}
}

func TestScan_EmptyRange(t *testing.T) {
	f := &fakeFilterer{}
	s, err := NewScanner(f, testConfig(500, 500), nil)
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Scan(context.Background())
	if err != nil || len(report.Deposits) != 0 || len(f.queries) != 0 {
		t.Errorf("Scan() = %+v, %v; queries %d", report, err, len(f.queries))
	}
}

func TestNewScanner_InvertedRange(t *testing.T) {
	if _, err := NewScanner(&fakeFilterer{}, testConfig(10, 5), nil); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(bridge, 12786713, 16786713)
	if cfg.BlocksPerRequest != 5000 {
		t.Errorf("BlocksPerRequest = %d", cfg.BlocksPerRequest)
	}
	if cfg.Executor.Failure != batch.FailRetry {
		t.Errorf("Failure = %v, want retry", cfg.Executor.Failure)
	}
}
