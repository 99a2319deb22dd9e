// Package cosmos decodes Cosmos SDK transactions straight from their
// protobuf wire encoding.
//
// Only the fields the scanner needs are read: the messages of a TxBody and
// the transfer details of IBC MsgTransfer and Gravity MsgSendToEth. Unknown
// fields are skipped, so newer message versions still decode.
package cosmos

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Sternrassler/ledgerscan/pkg/aggregate"
	"github.com/Sternrassler/ledgerscan/pkg/scan"
)

// Type URL fragments of the messages the decoder reports on.
const (
	MsgTransferName  = "MsgTransfer"
	MsgSendToEthName = "MsgSendToEth"

	MsgTransferTypeURL  = "/ibc.applications.transfer.v1.MsgTransfer"
	MsgSendToEthTypeURL = "/gravity.v1.MsgSendToEth"
)

var (
	// ErrEmptyBody is returned for a TxRaw without body bytes.
	ErrEmptyBody = errors.New("transaction has no body")
)

// Any is a packed protobuf message.
type Any struct {
	TypeURL string
	Value   []byte
}

// Coin is a denomination and a decimal integer amount as carried on the wire.
type Coin struct {
	Denom  string
	Amount string
}

func (c Coin) String() string {
	return c.Amount + c.Denom
}

// MsgTransfer is the subset of ibc.applications.transfer.v1.MsgTransfer the scanner reads.
type MsgTransfer struct {
	SourcePort    string
	SourceChannel string
	Token         Coin
	Sender        string
	Receiver      string
}

// MsgSendToEth is the subset of gravity.v1.MsgSendToEth the scanner reads.
type MsgSendToEth struct {
	Sender    string
	EthDest   string
	Amount    Coin
	BridgeFee Coin
}

// Decoder implements scan.Decoder for Cosmos SDK transactions.
type Decoder struct{}

// NewDecoder returns a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

var _ scan.Decoder = (*Decoder)(nil)

// DecodeTx counts the messages of a TxRaw and reports transfer findings.
// A transfer message that does not decode is ignored; a malformed TxRaw or
// TxBody is an error.
func (d *Decoder) DecodeTx(raw []byte) (scan.TxSummary, error) {
	msgs, err := DecodeMessages(raw)
	if err != nil {
		return scan.TxSummary{}, err
	}

	sum := scan.TxSummary{Messages: uint64(len(msgs))}
	for _, m := range msgs {
		switch {
		case strings.Contains(m.TypeURL, MsgTransferName):
			t, err := DecodeMsgTransfer(m.Value)
			if err != nil {
				continue
			}
			sum.Findings = append(sum.Findings, aggregate.Finding{
				Kind:     aggregate.KindIBCTransfer,
				Sender:   t.Sender,
				Receiver: t.Receiver,
				Amount:   t.Token.String(),
			})
		case strings.Contains(m.TypeURL, MsgSendToEthName):
			s, err := DecodeMsgSendToEth(m.Value)
			if err != nil {
				continue
			}
			sum.Findings = append(sum.Findings, aggregate.Finding{
				Kind:     aggregate.KindSendToEth,
				Sender:   s.Sender,
				Receiver: s.EthDest,
				Amount:   s.Amount.String(),
			})
		}
	}
	return sum, nil
}

// DecodeMessages unpacks TxRaw.body_bytes and returns TxBody.messages.
func DecodeMessages(raw []byte) ([]Any, error) {
	var body []byte
	err := walk(raw, func(num protowire.Number, v []byte) error {
		if num == 1 {
			body = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode TxRaw: %w", err)
	}
	if body == nil {
		return nil, ErrEmptyBody
	}

	var msgs []Any
	err = walk(body, func(num protowire.Number, v []byte) error {
		if num != 1 {
			return nil
		}
		a, err := decodeAny(v)
		if err != nil {
			return err
		}
		msgs = append(msgs, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode TxBody: %w", err)
	}
	return msgs, nil
}

func decodeAny(b []byte) (Any, error) {
	var a Any
	err := walk(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			a.TypeURL = string(v)
		case 2:
			a.Value = v
		}
		return nil
	})
	return a, err
}

func decodeCoin(b []byte) (Coin, error) {
	var c Coin
	err := walk(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			c.Denom = string(v)
		case 2:
			c.Amount = string(v)
		}
		return nil
	})
	return c, err
}

// DecodeMsgTransfer decodes an IBC transfer message body.
func DecodeMsgTransfer(b []byte) (MsgTransfer, error) {
	var m MsgTransfer
	err := walk(b, func(num protowire.Number, v []byte) (err error) {
		switch num {
		case 1:
			m.SourcePort = string(v)
		case 2:
			m.SourceChannel = string(v)
		case 3:
			m.Token, err = decodeCoin(v)
		case 4:
			m.Sender = string(v)
		case 5:
			m.Receiver = string(v)
		}
		return err
	})
	return m, err
}

// DecodeMsgSendToEth decodes a Gravity bridge withdrawal message body.
func DecodeMsgSendToEth(b []byte) (MsgSendToEth, error) {
	var m MsgSendToEth
	err := walk(b, func(num protowire.Number, v []byte) (err error) {
		switch num {
		case 1:
			m.Sender = string(v)
		case 2:
			m.EthDest = string(v)
		case 3:
			m.Amount, err = decodeCoin(v)
		case 4:
			m.BridgeFee, err = decodeCoin(v)
		}
		return err
	})
	return m, err
}

// walk calls fn for every length-delimited field of b and skips the rest.
func walk(b []byte, fn func(num protowire.Number, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}

		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}
