// Copyright 2025 Webb Technologies
//
// SCALE codec and pallet event layout tests.

package chains

import (
	"bytes"
	"testing"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

func TestCompactRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 63, 64, 16383, 16384, 1<<30 - 1, 1 << 30, 1 << 40, 1<<62 - 1}
	for _, v := range cases {
		var w scaleWriter
		w.compact(v)
		r := newScaleReader(w.buf)
		got, err := r.compact()
		if err != nil {
			t.Fatalf("compact(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("compact round trip: got %d, want %d", got, v)
		}
		if r.remaining() != 0 {
			t.Errorf("compact(%d): %d trailing bytes", v, r.remaining())
		}
	}
}

func TestBytesVecRoundTrip(t *testing.T) {
	payload := []byte("signed proposal bytes")
	var w scaleWriter
	w.bytesVec(payload)

	r := newScaleReader(w.buf)
	got, err := r.bytesVec()
	if err != nil {
		t.Fatalf("bytesVec: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("bytesVec round trip: %q != %q", got, payload)
	}
}

func TestLeafEventRoundTrip(t *testing.T) {
	var leaf [32]byte
	leaf[31] = 0x7f
	ev := SubstrateLeafEvent{TreeID: 4, LeafIndex: 9, Leaf: leaf}

	decoded, err := DecodeSubstrateLeafEvent(EncodeSubstrateLeafEvent(ev))
	if err != nil {
		t.Fatalf("DecodeSubstrateLeafEvent: %v", err)
	}
	if decoded != ev {
		t.Errorf("round trip mismatch: %+v != %+v", decoded, ev)
	}
}

func TestProposalSignedRoundTrip(t *testing.T) {
	ev := SubstrateProposalSignedEvent{
		Data:      []byte{0x01, 0x02, 0x03},
		Signature: bytes.Repeat([]byte{0xab}, 65),
	}
	ev.ResourceID[31] = 0x05

	decoded, err := DecodeSubstrateProposalSigned(EncodeSubstrateProposalSigned(ev))
	if err != nil {
		t.Fatalf("DecodeSubstrateProposalSigned: %v", err)
	}
	if decoded.ResourceID != ev.ResourceID {
		t.Error("resource mismatch")
	}
	if !bytes.Equal(decoded.Data, ev.Data) || !bytes.Equal(decoded.Signature, ev.Signature) {
		t.Error("payload mismatch")
	}
}

func TestDecodeTruncatedEvent(t *testing.T) {
	ev := SubstrateLeafEvent{TreeID: 1, LeafIndex: 2}
	raw := EncodeSubstrateLeafEvent(ev)
	if _, err := DecodeSubstrateLeafEvent(raw[:10]); err == nil {
		t.Error("expected error for truncated event")
	}
}

func TestClassifySubmitError(t *testing.T) {
	cases := []struct {
		msg       string
		retryable bool
	}{
		{"nonce too low", true},
		{"replacement transaction underpriced", true},
		{"already known", true},
		{"connection refused", true},
		{"execution reverted: bad proposal", false},
	}
	for _, tc := range cases {
		err := classifySubmitError(errString(tc.msg))
		if got := types.IsRetryable(err); got != tc.retryable {
			t.Errorf("%q: retryable = %v, want %v", tc.msg, got, tc.retryable)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
