package cosmos

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Sternrassler/ledgerscan/pkg/aggregate"
)

func TestDecodeTx_CountsMessages(t *testing.T) {
	send := Any{TypeURL: "/cosmos.bank.v1beta1.MsgSend", Value: []byte{0x0a, 0x01, 'x'}}
	raw := EncodeTx(send, send, send)

	sum, err := NewDecoder().DecodeTx(raw)
	if err != nil {
		t.Fatalf("DecodeTx: %v", err)
	}
	if sum.Messages != 3 {
		t.Errorf("messages = %d, want 3", sum.Messages)
	}
	if len(sum.Findings) != 0 {
		t.Errorf("unexpected findings: %+v", sum.Findings)
	}
}

func TestDecodeTx_Findings(t *testing.T) {
	transfer := MsgTransfer{
		SourcePort:    "transfer",
		SourceChannel: "channel-10",
		Token:         Coin{Denom: "ugraviton", Amount: "2500000"},
		Sender:        "gravity1sender",
		Receiver:      "osmo1receiver",
	}
	withdrawal := MsgSendToEth{
		Sender:    "gravity1bridger",
		EthDest:   "0xa4108aA1Ec4967F8b52220a4f7e94A8201F2D906",
		Amount:    Coin{Denom: "gravity0xdAC17F958D2ee523a2206206994597C13D831ec7", Amount: "1000000"},
		BridgeFee: Coin{Denom: "gravity0xdAC17F958D2ee523a2206206994597C13D831ec7", Amount: "100"},
	}
	raw := EncodeTx(EncodeMsgTransfer(transfer), EncodeMsgSendToEth(withdrawal))

	sum, err := NewDecoder().DecodeTx(raw)
	if err != nil {
		t.Fatalf("DecodeTx: %v", err)
	}
	if sum.Messages != 2 || len(sum.Findings) != 2 {
		t.Fatalf("summary = %+v", sum)
	}

	want := []aggregate.Finding{
		{Kind: aggregate.KindIBCTransfer, Sender: "gravity1sender", Receiver: "osmo1receiver", Amount: "2500000ugraviton"},
		{Kind: aggregate.KindSendToEth, Sender: "gravity1bridger", Receiver: withdrawal.EthDest, Amount: "1000000gravity0xdAC17F958D2ee523a2206206994597C13D831ec7"},
	}
	for i := range want {
		if sum.Findings[i] != want[i] {
			t.Errorf("finding %d = %+v, want %+v", i, sum.Findings[i], want[i])
		}
	}
}

func TestDecodeMsgTransfer_RoundTrip(t *testing.T) {
	in := MsgTransfer{SourcePort: "transfer", SourceChannel: "channel-0", Token: Coin{Denom: "uatom", Amount: "1"}, Sender: "a", Receiver: "b"}
	got, err := DecodeMsgTransfer(EncodeMsgTransfer(in).Value)
	if err != nil {
		t.Fatalf("DecodeMsgTransfer: %v", err)
	}
	if got != in {
		t.Errorf("got %+v, want %+v", got, in)
	}
}

func TestDecodeTx_SkipsUnknownFields(t *testing.T) {
	// TxRaw with auth_info_bytes (2) and a varint field ahead of the body.
	body := appendMessage(nil, 1, encodeAny(Any{TypeURL: "/cosmos.bank.v1beta1.MsgSend"}))
	body = protowire.AppendTag(body, 3, protowire.VarintType)
	body = protowire.AppendVarint(body, 1234567)

	var raw []byte
	raw = protowire.AppendTag(raw, 7, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 99)
	raw = appendMessage(raw, 2, []byte("auth"))
	raw = appendMessage(raw, 1, body)

	sum, err := NewDecoder().DecodeTx(raw)
	if err != nil {
		t.Fatalf("DecodeTx: %v", err)
	}
	if sum.Messages != 1 {
		t.Errorf("messages = %d, want 1", sum.Messages)
	}
}

func TestDecodeTx_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "truncated tag", raw: []byte{0x80}},
		{name: "length beyond input", raw: []byte{0x0a, 0x10, 0x01}},
		{name: "body with truncated message", raw: appendMessage(nil, 1, []byte{0x0a, 0x05, 0x01})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDecoder().DecodeTx(tt.raw); err == nil {
				t.Error("expected decode error")
			}
		})
	}

	if _, err := NewDecoder().DecodeTx(nil); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("empty tx err = %v, want ErrEmptyBody", err)
	}
}

func TestDecodeTx_BadTransferIgnored(t *testing.T) {
	bad := Any{TypeURL: MsgTransferTypeURL, Value: []byte{0x1a, 0x09}}
	sum, err := NewDecoder().DecodeTx(EncodeTx(bad))
	if err != nil {
		t.Fatalf("DecodeTx: %v", err)
	}
	if sum.Messages != 1 || len(sum.Findings) != 0 {
		t.Errorf("summary = %+v, want 1 message and no findings", sum)
	}
}
