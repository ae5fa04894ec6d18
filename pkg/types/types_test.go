// Copyright 2025 Webb Technologies
//
// Wire-format tests for chain identifiers and proposals.

package types

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestChainIDWireRoundTrip(t *testing.T) {
	cases := []ChainID{
		NewEVMChainID(5001),
		NewEVMChainID(1),
		NewSubstrateChainID(1080),
	}
	for _, id := range cases {
		b := id.Bytes()
		parsed, err := ChainIDFromBytes(b[:])
		if err != nil {
			t.Fatalf("ChainIDFromBytes(%v): %v", b, err)
		}
		if parsed != id {
			t.Errorf("round trip mismatch: got %v, want %v", parsed, id)
		}
	}
}

func TestChainIDWireLayout(t *testing.T) {
	b := NewEVMChainID(5001).Bytes()
	// chain type 0x0100 BE, then 5001 = 0x00001389 BE
	want := []byte{0x01, 0x00, 0x00, 0x00, 0x13, 0x89}
	if !bytes.Equal(b[:], want) {
		t.Errorf("wire layout: got %x, want %x", b, want)
	}
}

func TestChainIDStringForms(t *testing.T) {
	id := NewSubstrateChainID(1080)
	if id.String() != "substrate:1080" {
		t.Errorf("String() = %q", id.String())
	}
	parsed, err := ParseChainID("substrate:1080")
	if err != nil {
		t.Fatalf("ParseChainID: %v", err)
	}
	if parsed != id {
		t.Errorf("parse mismatch: %v != %v", parsed, id)
	}
	if _, err := ParseChainID("cosmos:1"); err == nil {
		t.Error("expected error for unknown chain type")
	}
	if _, err := ParseChainID("evm"); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestResourceIDChainExtraction(t *testing.T) {
	addr := common.HexToAddress("0x91eB86019FD8D7c5a9E31143D422850A13F670A3")
	chain := NewEVMChainID(5002)
	resource := NewResourceIDFromContract(addr, chain)

	if resource.TargetAddress() != addr {
		t.Errorf("target address: got %s, want %s", resource.TargetAddress().Hex(), addr.Hex())
	}
	if resource.ChainID() != chain {
		t.Errorf("chain id: got %v, want %v", resource.ChainID(), chain)
	}

	parsed, err := ResourceIDFromHex(resource.Hex())
	if err != nil {
		t.Fatalf("ResourceIDFromHex: %v", err)
	}
	if parsed != resource {
		t.Error("hex round trip mismatch")
	}
}

func TestProposalHeaderRoundTrip(t *testing.T) {
	header := ProposalHeader{
		ResourceID:  NewResourceIDFromContract(common.HexToAddress("0x01"), NewEVMChainID(5002)),
		FunctionSig: FuncSigAnchorUpdate,
		Nonce:       42,
	}
	b := header.Bytes()
	parsed, err := DecodeProposalHeader(b[:])
	if err != nil {
		t.Fatalf("DecodeProposalHeader: %v", err)
	}
	if parsed != header {
		t.Errorf("round trip mismatch: %+v != %+v", parsed, header)
	}

	if _, err := DecodeProposalHeader(b[:39]); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestAnchorUpdateProposal(t *testing.T) {
	var root [32]byte
	root[0] = 0xaa
	src := NewResourceIDFromContract(common.HexToAddress("0x02"), NewEVMChainID(5001))
	header := ProposalHeader{
		ResourceID:  NewResourceIDFromContract(common.HexToAddress("0x01"), NewEVMChainID(5002)),
		FunctionSig: FuncSigAnchorUpdate,
		Nonce:       7,
	}

	proposal := NewAnchorUpdateProposal(header, root, src)
	if proposal.Kind() != ProposalAnchorUpdate {
		t.Errorf("kind = %s", proposal.Kind())
	}

	decoded, err := DecodeUnsignedProposal(proposal.Bytes())
	if err != nil {
		t.Fatalf("DecodeUnsignedProposal: %v", err)
	}
	if decoded.Header != header {
		t.Error("header mismatch after round trip")
	}
	gotRoot, err := decoded.AnchorUpdateRoot()
	if err != nil {
		t.Fatalf("AnchorUpdateRoot: %v", err)
	}
	if gotRoot != root {
		t.Errorf("root mismatch: %x != %x", gotRoot, root)
	}
}

func TestHeaderAlwaysParseableWithOpaqueBody(t *testing.T) {
	header := ProposalHeader{
		ResourceID:  NewResourceIDFromContract(common.HexToAddress("0x03"), NewEVMChainID(1)),
		FunctionSig: NewFunctionSignature("something(bytes)"),
		Nonce:       1,
	}
	h := header.Bytes()
	wire := append(h[:], []byte{0xde, 0xad, 0xbe, 0xef}...)

	decoded, err := DecodeUnsignedProposal(wire)
	if err != nil {
		t.Fatalf("DecodeUnsignedProposal: %v", err)
	}
	if decoded.Kind() != ProposalUnknown {
		t.Errorf("kind = %s, want Unknown", decoded.Kind())
	}
	if !bytes.Equal(decoded.Body, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("body not preserved: %x", decoded.Body)
	}
	if !bytes.Equal(decoded.Bytes(), wire) {
		t.Error("re-encoding differs from input")
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsRetryable(NewError(ErrKindNetwork, "rpc down", nil)) {
		t.Error("network errors should be retryable")
	}
	if !IsRetryable(NewError(ErrKindSigning, "dkg timeout", nil)) {
		t.Error("signing errors should be retryable")
	}
	if IsRetryable(NewError(ErrKindProtocol, "bad event", nil)) {
		t.Error("protocol errors should be permanent")
	}
	if IsRetryable(NewError(ErrKindChain, "reverted", nil)) {
		t.Error("plain chain errors should be permanent")
	}
	if !IsRetryable(NewTransientChainError(nil)) {
		t.Error("transient chain errors should be retryable")
	}
}
