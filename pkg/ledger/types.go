// Package ledger defines the data shapes and capabilities the scan engine
// consumes from a remote ledger node.
package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// Block is a single ledger unit with its raw, still-encoded transactions.
type Block struct {
	Height uint64
	Txs    [][]byte
}

// BlockResult is one entry of a range fetch. Err is set when that single
// height could not be retrieved even though the range call succeeded.
type BlockResult struct {
	Height uint64
	Block  *Block
	Err    error
}

// ChainStatus is the node's view of the chain head.
type ChainStatus struct {
	ChainID        string
	LatestHeight   uint64
	EarliestHeight uint64
}

// Coin is an integer amount of a denomination.
type Coin struct {
	Denom  string
	Amount uint256.Int
}

// String renders the coin as <amount><denom>.
func (c Coin) String() string {
	return fmt.Sprintf("%s%s", c.Amount.Dec(), c.Denom)
}

// DelegationResponse is a delegation with its current balance.
type DelegationResponse struct {
	DelegatorAddress string
	ValidatorAddress string
	Balance          *Coin
}

// StatusSource reports the chain head.
type StatusSource interface {
	ChainStatus(ctx context.Context) (ChainStatus, error)
}

// BlockSource fetches a single block. A nil block with a nil error means the
// height is not retrievable from this node.
type BlockSource interface {
	Block(ctx context.Context, height uint64) (*Block, error)
}

// RangeSource fetches the half-open height range [start, end) in one call.
type RangeSource interface {
	BlockRange(ctx context.Context, start, end uint64) ([]BlockResult, error)
}

// Source is everything the block scanner needs from a node.
type Source interface {
	StatusSource
	BlockSource
	RangeSource
}
