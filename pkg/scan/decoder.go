package scan

import (
	"github.com/Sternrassler/ledgerscan/pkg/aggregate"
	"github.com/Sternrassler/ledgerscan/pkg/ledger"
)

// TxSummary is what a decoder extracts from one raw transaction.
type TxSummary struct {
	Messages uint64

	// Findings carry no height; the scanner fills it in.
	Findings []aggregate.Finding
}

// Decoder turns raw transaction bytes into a summary.
type Decoder interface {
	DecodeTx(raw []byte) (TxSummary, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(raw []byte) (TxSummary, error)

// DecodeTx calls f(raw).
func (f DecoderFunc) DecodeTx(raw []byte) (TxSummary, error) {
	return f(raw)
}

// SummarizeBlock decodes every transaction of block. If any transaction fails
// to decode the whole block is marked with DecodeErr and contributes nothing.
func SummarizeBlock(dec Decoder, block *ledger.Block) aggregate.BlockSummary {
	sum := aggregate.BlockSummary{Height: block.Height}
	for i, raw := range block.Txs {
		tx, err := dec.DecodeTx(raw)
		if err != nil {
			return aggregate.BlockSummary{Height: block.Height, DecodeErr: &DecodeError{Height: block.Height, Index: i, Err: err}}
		}
		sum.Transactions++
		sum.Messages += tx.Messages
		for _, f := range tx.Findings {
			f.Height = block.Height
			sum.Findings = append(sum.Findings, f)
		}
	}
	return sum
}
