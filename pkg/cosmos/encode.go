package cosmos

import "google.golang.org/protobuf/encoding/protowire"

// EncodeTx builds a TxRaw whose body carries msgs. Signatures and auth info
// are left empty. Used to produce fixtures for tests and the mock node.
func EncodeTx(msgs ...Any) []byte {
	var body []byte
	for _, m := range msgs {
		body = appendMessage(body, 1, encodeAny(m))
	}
	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.BytesType)
	raw = protowire.AppendBytes(raw, body)
	return raw
}

// EncodeMsgTransfer packs an IBC transfer into an Any.
func EncodeMsgTransfer(m MsgTransfer) Any {
	var b []byte
	b = appendString(b, 1, m.SourcePort)
	b = appendString(b, 2, m.SourceChannel)
	b = appendMessage(b, 3, encodeCoin(m.Token))
	b = appendString(b, 4, m.Sender)
	b = appendString(b, 5, m.Receiver)
	return Any{TypeURL: MsgTransferTypeURL, Value: b}
}

// EncodeMsgSendToEth packs a Gravity withdrawal into an Any.
func EncodeMsgSendToEth(m MsgSendToEth) Any {
	var b []byte
	b = appendString(b, 1, m.Sender)
	b = appendString(b, 2, m.EthDest)
	b = appendMessage(b, 3, encodeCoin(m.Amount))
	b = appendMessage(b, 4, encodeCoin(m.BridgeFee))
	return Any{TypeURL: MsgSendToEthTypeURL, Value: b}
}

func encodeAny(a Any) []byte {
	var b []byte
	b = appendString(b, 1, a.TypeURL)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, a.Value)
}

func encodeCoin(c Coin) []byte {
	var b []byte
	b = appendString(b, 1, c.Denom)
	return appendString(b, 2, c.Amount)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}
