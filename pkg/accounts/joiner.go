// Package accounts joins bank, distribution and staking state for many
// accounts, reusing one set of node connections per batch of accounts.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/ledgerscan/pkg/ledger"
	"github.com/Sternrassler/ledgerscan/pkg/logging"
	"github.com/Sternrassler/ledgerscan/pkg/rangeplan"
)

var accountsJoined = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledgerscan_accounts_joined_total",
	Help: "Accounts whose balance, rewards and stake were joined",
})

// DefaultRewardScale is the fixed-point scale of distribution reward amounts (10^18).
var DefaultRewardScale = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18))

// AccountQuery names one account to join.
type AccountQuery struct {
	Address string
}

// UserInfo is the joined state of one account.
type UserInfo struct {
	Account          string
	Balance          uint256.Int
	UnclaimedRewards uint256.Int
	TotalStaked      uint256.Int
}

// BankChannel queries spendable balances. A nil coin with a nil error means
// the account holds none of denom.
type BankChannel interface {
	Balance(ctx context.Context, address, denom string) (*ledger.Coin, error)
}

// DistributionChannel queries pending delegation rewards. Amounts are raw
// fixed-point integers.
type DistributionChannel interface {
	DelegationRewards(ctx context.Context, address string) ([]ledger.Coin, error)
}

// StakingChannel queries the delegations of an account.
type StakingChannel interface {
	Delegations(ctx context.Context, address string) ([]ledger.DelegationResponse, error)
}

// Channels is one connection set. A batch owns it exclusively until Release.
type Channels struct {
	Bank         BankChannel
	Distribution DistributionChannel
	Staking      StakingChannel

	// Release frees the underlying connections. May be nil.
	Release func()
}

// Connector opens a fresh connection set.
type Connector interface {
	Connect(ctx context.Context) (*Channels, error)
}

// DenomMismatchError reports a delegation held in a denomination other than
// the one being joined. The staking module only bonds one denomination, so
// this means the node and the caller disagree about the chain.
type DenomMismatchError struct {
	Address  string
	Expected string
	Got      string
}

func (e *DenomMismatchError) Error() string {
	return fmt.Sprintf("delegation of %s in %q, expected %q", e.Address, e.Got, e.Expected)
}

// ErrNilChannel is returned when a Connector hands out an incomplete set.
var ErrNilChannel = errors.New("connector returned incomplete channel set")

// Config holds joiner configuration.
type Config struct {
	// BatchSize is the number of accounts served by one connection set (default: 500).
	BatchSize int

	// MaxParallelBatches bounds concurrently open connection sets. Zero means unbounded.
	MaxParallelBatches int

	// RewardScale divides summed reward amounts (default: 10^18).
	RewardScale *uint256.Int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   500,
		RewardScale: DefaultRewardScale,
	}
}

// Joiner fans account lookups out over batches.
type Joiner struct {
	connector Connector
	config    Config
	logger    zerolog.Logger
}

// NewJoiner creates a Joiner.
func NewJoiner(connector Connector, config Config) *Joiner {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.RewardScale == nil || config.RewardScale.IsZero() {
		config.RewardScale = DefaultRewardScale
	}
	return &Joiner{
		connector: connector,
		config:    config,
		logger:    logging.NewLogger("accounts"),
	}
}

// JoinAll returns exactly one UserInfo per input account, in input order.
// Any failed query fails the whole join; no partial results are returned.
func (j *Joiner) JoinAll(ctx context.Context, accounts []AccountQuery, denom string) ([]UserInfo, error) {
	if len(accounts) == 0 {
		return []UserInfo{}, nil
	}

	batches, err := rangeplan.Plan(rangeplan.Range{Start: 0, End: uint64(len(accounts))}, uint64(j.config.BatchSize), rangeplan.Ascending)
	if err != nil {
		return nil, err
	}

	j.logger.Info().
		Int("accounts", len(accounts)).
		Int("batches", len(batches)).
		Str("denom", denom).
		Msg("Joining account state")

	out := make([]UserInfo, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	if j.config.MaxParallelBatches > 0 {
		g.SetLimit(j.config.MaxParallelBatches)
	}

	for i, b := range batches {
		g.Go(func() error {
			return j.joinBatch(gctx, i, accounts[b.Start:b.End], out[b.Start:b.End], denom)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	j.logger.Info().Int("accounts", len(out)).Msg("Account join complete")
	return out, nil
}

// joinBatch serves one batch over a single connection set, one account at a time.
func (j *Joiner) joinBatch(ctx context.Context, idx int, accounts []AccountQuery, out []UserInfo, denom string) error {
	logger := logging.BatchLogger(j.logger, idx, len(accounts))

	ch, err := j.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("batch %d: connect: %w", idx, err)
	}
	if ch.Release != nil {
		defer ch.Release()
	}
	if ch.Bank == nil || ch.Distribution == nil || ch.Staking == nil {
		return fmt.Errorf("batch %d: %w", idx, ErrNilChannel)
	}

	for k, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := j.joinOne(ctx, ch, acct.Address, denom)
		if err != nil {
			return fmt.Errorf("account %s: %w", acct.Address, err)
		}
		out[k] = info
		accountsJoined.Inc()
	}

	logger.Debug().Msg("Batch joined")
	return nil
}

// joinOne issues the three queries for address concurrently and combines them.
func (j *Joiner) joinOne(ctx context.Context, ch *Channels, address, denom string) (UserInfo, error) {
	var (
		balance     *ledger.Coin
		rewards     []ledger.Coin
		delegations []ledger.DelegationResponse
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		balance, err = ch.Bank.Balance(gctx, address, denom)
		return err
	})
	g.Go(func() (err error) {
		rewards, err = ch.Distribution.DelegationRewards(gctx, address)
		return err
	})
	g.Go(func() (err error) {
		delegations, err = ch.Staking.Delegations(gctx, address)
		return err
	})
	if err := g.Wait(); err != nil {
		return UserInfo{}, err
	}

	info := UserInfo{Account: address}
	if balance != nil {
		info.Balance = balance.Amount
	}

	for _, r := range rewards {
		if r.Denom == denom {
			info.UnclaimedRewards.Add(&info.UnclaimedRewards, &r.Amount)
		}
	}
	info.UnclaimedRewards.Div(&info.UnclaimedRewards, j.config.RewardScale)

	for _, d := range delegations {
		if d.Balance == nil {
			continue
		}
		if d.Balance.Denom != denom {
			return UserInfo{}, &DenomMismatchError{Address: address, Expected: denom, Got: d.Balance.Denom}
		}
		info.TotalStaked.Add(&info.TotalStaked, &d.Balance.Amount)
	}

	return info, nil
}
