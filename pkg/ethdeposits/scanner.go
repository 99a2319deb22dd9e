// Package ethdeposits finds bridge deposits on Ethereum by walking the
// bridge contract's SendToCosmosEvent logs from newest to oldest.
package ethdeposits

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/ledgerscan/pkg/batch"
	"github.com/Sternrassler/ledgerscan/pkg/logging"
	"github.com/Sternrassler/ledgerscan/pkg/rangeplan"
	"github.com/Sternrassler/ledgerscan/pkg/retry"
)

var (
	depositsFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerscan_deposits_found_total",
		Help: "Bridge deposits decoded from Ethereum logs",
	})

	depositDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerscan_deposit_decode_failures_total",
		Help: "Bridge contract logs that could not be decoded as deposits",
	})
)

// DefaultBlocksPerRequest is roughly the largest window a public Ethereum
// node answers eth_getLogs for without timing out.
const DefaultBlocksPerRequest = 5000

const eventName = "SendToCosmosEvent"

const bridgeABI = `[{
	"anonymous": false,
	"name": "SendToCosmosEvent",
	"type": "event",
	"inputs": [
		{"indexed": true,  "name": "_tokenContract", "type": "address"},
		{"indexed": true,  "name": "_sender",        "type": "address"},
		{"indexed": false, "name": "_destination",   "type": "string"},
		{"indexed": false, "name": "_amount",        "type": "uint256"},
		{"indexed": false, "name": "_eventNonce",    "type": "uint256"}
	]
}]`

var (
	// ErrNotDeposit is returned for logs that are not SendToCosmosEvent.
	ErrNotDeposit = errors.New("log is not a deposit event")

	// ErrIncompleteScan is returned when some windows failed after retries.
	ErrIncompleteScan = errors.New("deposit scan incomplete")
)

// LogFilterer is the part of an Ethereum client the scanner needs.
// *ethclient.Client satisfies it.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Deposit is one decoded SendToCosmosEvent.
type Deposit struct {
	BlockNumber   uint64
	TxHash        common.Hash
	LogIndex      uint
	TokenContract common.Address
	Sender        common.Address
	Destination   string
	Amount        uint256.Int
	EventNonce    uint64
}

func (d Deposit) String() string {
	return fmt.Sprintf("Deposit from ETH by %s to %s for %s%s",
		d.Sender.Hex(), d.Destination, d.Amount.Dec(), d.TokenContract.Hex())
}

// Config holds deposit scan configuration.
type Config struct {
	// Contract is the bridge contract address.
	Contract common.Address

	// Start and End bound the half-open block range [Start, End).
	Start uint64
	End   uint64

	// BlocksPerRequest is the eth_getLogs window (default: 5000).
	BlocksPerRequest uint64

	Executor batch.Config
}

// DefaultConfig returns a descending scan of 5000-block windows, four in
// flight, each retried on failure.
func DefaultConfig(contract common.Address, start, end uint64) Config {
	return Config{
		Contract:         contract,
		Start:            start,
		End:              end,
		BlocksPerRequest: DefaultBlocksPerRequest,
		Executor: batch.Config{
			Name:           "eth_deposits",
			MaxConcurrency: 4,
			Admission:      batch.AdmitContinuous,
			Timeout:        60 * time.Second,
			Failure:        batch.FailRetry,
			Retry:          retry.ChunkPolicy(),
			ProgressEvery:  50,
		},
	}
}

// Report summarises a deposit scan.
type Report struct {
	Range    rangeplan.Range
	Deposits []Deposit
	Stats    batch.Stats
}

// Scanner finds deposits.
type Scanner struct {
	filterer LogFilterer
	event    abi.Event
	config   Config
	onFound  func(Deposit)
	logger   zerolog.Logger
}

// NewScanner creates a scanner. onFound, if non-nil, is called for every
// deposit as its window completes, serialised across windows.
func NewScanner(filterer LogFilterer, config Config, onFound func(Deposit)) (*Scanner, error) {
	if config.End < config.Start {
		return nil, fmt.Errorf("%w: [%d, %d)", rangeplan.ErrInvertedRange, config.Start, config.End)
	}
	if config.BlocksPerRequest == 0 {
		config.BlocksPerRequest = DefaultBlocksPerRequest
	}

	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return nil, fmt.Errorf("parse bridge abi: %w", err)
	}

	return &Scanner{
		filterer: filterer,
		event:    parsed.Events[eventName],
		config:   config,
		onFound:  onFound,
		logger:   logging.NewLogger("eth-deposits"),
	}, nil
}

// EventID is the topic hash of SendToCosmosEvent.
func (s *Scanner) EventID() common.Hash {
	return s.event.ID
}

// Scan walks [Start, End) from the newest window to the oldest. Deposits are
// returned newest first. Windows that still fail after retries are reported
// through ErrIncompleteScan alongside everything that was found.
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	r := rangeplan.Range{Start: s.config.Start, End: s.config.End}
	report := Report{Range: r, Deposits: []Deposit{}}

	windows, err := rangeplan.Plan(r, s.config.BlocksPerRequest, rangeplan.Descending)
	if err != nil {
		return report, err
	}

	s.logger.Info().
		Str("contract", s.config.Contract.Hex()).
		Stringer("range", r).
		Int("windows", len(windows)).
		Msg("Scanning for bridge deposits")

	var mu sync.Mutex
	exec := batch.New(s.config.Executor, func(o batch.Outcome[[]Deposit]) {
		if o.Err != nil {
			if o.Started() {
				logger := logging.ChunkLogger(s.logger, o.Chunk.Start, o.Chunk.End)
				logger.Warn().Err(o.Err).Msg("Deposit window failed")
			}
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, d := range o.Value {
			depositsFound.Inc()
			if s.onFound != nil {
				s.onFound(d)
			}
		}
	})

	outcomes, stats, err := exec.Run(ctx, windows, s.fetchWindow)
	report.Stats = stats
	for _, o := range outcomes {
		if o.Err == nil {
			report.Deposits = append(report.Deposits, o.Value...)
		}
	}
	sortNewestFirst(report.Deposits)

	if err != nil {
		return report, err
	}
	if stats.Failed > 0 || stats.NotStarted > 0 {
		return report, fmt.Errorf("%w: %d of %d windows failed", ErrIncompleteScan, stats.Failed+stats.NotStarted, stats.Total)
	}

	s.logger.Info().
		Int("deposits", len(report.Deposits)).
		Dur("duration", stats.Duration).
		Msg("Deposit scan complete")
	return report, nil
}

// fetchWindow queries one window. FilterQuery bounds are inclusive.
func (s *Scanner) fetchWindow(ctx context.Context, w rangeplan.Range) ([]Deposit, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.Start),
		ToBlock:   new(big.Int).SetUint64(w.End - 1),
		Addresses: []common.Address{s.config.Contract},
		Topics:    [][]common.Hash{{s.event.ID}},
	}
	logs, err := s.filterer.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs %s: %w", w, err)
	}

	out := make([]Deposit, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		d, err := s.DecodeLog(l)
		if err != nil {
			depositDecodeFailures.Inc()
			s.logger.Warn().
				Err(err).
				Uint64("block", l.BlockNumber).
				Str("tx", l.TxHash.Hex()).
				Msg("Skipping undecodable log")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// DecodeLog decodes a SendToCosmosEvent log.
func (s *Scanner) DecodeLog(l types.Log) (Deposit, error) {
	if len(l.Topics) != 3 || l.Topics[0] != s.event.ID {
		return Deposit{}, ErrNotDeposit
	}

	values, err := s.event.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return Deposit{}, fmt.Errorf("unpack %s: %w", eventName, err)
	}
	if len(values) != 3 {
		return Deposit{}, fmt.Errorf("unpack %s: got %d values", eventName, len(values))
	}
	destination, ok1 := values[0].(string)
	amount, ok2 := values[1].(*big.Int)
	nonce, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return Deposit{}, fmt.Errorf("unpack %s: unexpected value types", eventName)
	}

	d := Deposit{
		BlockNumber:   l.BlockNumber,
		TxHash:        l.TxHash,
		LogIndex:      l.Index,
		TokenContract: common.BytesToAddress(l.Topics[1].Bytes()),
		Sender:        common.BytesToAddress(l.Topics[2].Bytes()),
		Destination:   destination,
	}
	if overflow := d.Amount.SetFromBig(amount); overflow {
		return Deposit{}, fmt.Errorf("amount %s overflows 256 bits", amount)
	}
	if !nonce.IsUint64() {
		return Deposit{}, fmt.Errorf("event nonce %s overflows uint64", nonce)
	}
	d.EventNonce = nonce.Uint64()
	return d, nil
}

func sortNewestFirst(ds []Deposit) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].BlockNumber != ds[j].BlockNumber {
			return ds[i].BlockNumber > ds[j].BlockNumber
		}
		return ds[i].LogIndex > ds[j].LogIndex
	})
}
