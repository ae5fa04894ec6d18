// Copyright 2025 Webb Technologies
//
// Bridge governance proposal wire types
// A proposal is a 40-byte header (resource || function sig || nonce) followed
// by a variant-specific body. The header is always parseable; the body stays
// opaque to the relayer.

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ProposalHeaderLength is the fixed wire length of a proposal header.
const ProposalHeaderLength = 32 + 4 + 4

// FunctionSignature is the 4-byte selector naming the governed operation.
type FunctionSignature [4]byte

// Well-known selectors, computed from the bridge's Solidity signatures the
// same way event topics are derived.
var (
	FuncSigAnchorUpdate      = NewFunctionSignature("updateEdge(bytes32,uint32,bytes32)")
	FuncSigTokenAdd          = NewFunctionSignature("add(address,uint32)")
	FuncSigTokenRemove       = NewFunctionSignature("remove(address,uint32)")
	FuncSigWrappingFeeUpdate = NewFunctionSignature("setFee(uint16,uint32)")
	FuncSigResourceIDUpdate  = NewFunctionSignature("adminSetResourceWithSignature(bytes32,bytes4,uint32,bytes32,address,address)")
)

// NewFunctionSignature derives a selector from a Solidity function signature.
func NewFunctionSignature(sig string) FunctionSignature {
	var fs FunctionSignature
	copy(fs[:], crypto.Keccak256([]byte(sig))[:4])
	return fs
}

// ProposalKind names the proposal variant for logs and API events.
type ProposalKind string

const (
	ProposalAnchorUpdate      ProposalKind = "AnchorUpdate"
	ProposalTokenAdd          ProposalKind = "TokenAdd"
	ProposalTokenRemove       ProposalKind = "TokenRemove"
	ProposalWrappingFeeUpdate ProposalKind = "WrappingFeeUpdate"
	ProposalResourceIDUpdate  ProposalKind = "ResourceIdUpdate"
	ProposalUnknown           ProposalKind = "Unknown"
)

// ProposalHeader is (resource id, function signature, nonce).
type ProposalHeader struct {
	ResourceID  ResourceID
	FunctionSig FunctionSignature
	Nonce       uint32
}

// Bytes returns the 40-byte wire form: resource (32) || fn (4) || nonce (4 BE).
func (h ProposalHeader) Bytes() [ProposalHeaderLength]byte {
	var b [ProposalHeaderLength]byte
	copy(b[0:32], h.ResourceID[:])
	copy(b[32:36], h.FunctionSig[:])
	binary.BigEndian.PutUint32(b[36:40], h.Nonce)
	return b
}

// DecodeProposalHeader parses the leading 40 bytes of a proposal.
func DecodeProposalHeader(b []byte) (ProposalHeader, error) {
	if len(b) < ProposalHeaderLength {
		return ProposalHeader{}, fmt.Errorf("proposal too short: expected at least %d bytes, got %d", ProposalHeaderLength, len(b))
	}
	var h ProposalHeader
	copy(h.ResourceID[:], b[0:32])
	copy(h.FunctionSig[:], b[32:36])
	h.Nonce = binary.BigEndian.Uint32(b[36:40])
	return h, nil
}

// UnsignedProposal is a governance payload awaiting a signature. Body bytes
// after the header are variant-specific and opaque here.
type UnsignedProposal struct {
	Header ProposalHeader
	Body   []byte
}

// NewAnchorUpdateProposal builds the AnchorUpdate variant: the body is the
// new merkle root (32) followed by the source resource id (32).
func NewAnchorUpdateProposal(header ProposalHeader, root [32]byte, srcResource ResourceID) UnsignedProposal {
	body := make([]byte, 64)
	copy(body[0:32], root[:])
	copy(body[32:64], srcResource[:])
	return UnsignedProposal{Header: header, Body: body}
}

// DecodeUnsignedProposal parses header || body. The header must be complete;
// an empty body is allowed.
func DecodeUnsignedProposal(b []byte) (UnsignedProposal, error) {
	h, err := DecodeProposalHeader(b)
	if err != nil {
		return UnsignedProposal{}, err
	}
	body := make([]byte, len(b)-ProposalHeaderLength)
	copy(body, b[ProposalHeaderLength:])
	return UnsignedProposal{Header: h, Body: body}, nil
}

// Bytes returns header || body.
func (p UnsignedProposal) Bytes() []byte {
	h := p.Header.Bytes()
	out := make([]byte, 0, len(h)+len(p.Body))
	out = append(out, h[:]...)
	out = append(out, p.Body...)
	return out
}

// Hash is the keccak256 of the full proposal bytes. Used as the signing
// pre-image and as the DKG correlation key.
func (p UnsignedProposal) Hash() [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256(p.Bytes()))
	return h
}

// Kind maps the header's function signature to the proposal variant.
func (p UnsignedProposal) Kind() ProposalKind {
	switch p.Header.FunctionSig {
	case FuncSigAnchorUpdate:
		return ProposalAnchorUpdate
	case FuncSigTokenAdd:
		return ProposalTokenAdd
	case FuncSigTokenRemove:
		return ProposalTokenRemove
	case FuncSigWrappingFeeUpdate:
		return ProposalWrappingFeeUpdate
	case FuncSigResourceIDUpdate:
		return ProposalResourceIDUpdate
	default:
		return ProposalUnknown
	}
}

// AnchorUpdateRoot extracts the merkle root from an AnchorUpdate body.
func (p UnsignedProposal) AnchorUpdateRoot() ([32]byte, error) {
	var root [32]byte
	if p.Kind() != ProposalAnchorUpdate {
		return root, fmt.Errorf("not an AnchorUpdate proposal: %s", p.Kind())
	}
	if len(p.Body) < 32 {
		return root, fmt.Errorf("AnchorUpdate body too short: %d bytes", len(p.Body))
	}
	copy(root[:], p.Body[0:32])
	return root, nil
}

// SignedProposal pairs a proposal with its signature. The wire form is
// proposal bytes || signature; ECDSA signatures are 65-byte r||s||v.
type SignedProposal struct {
	Proposal  UnsignedProposal
	Signature []byte
}

// Bytes returns proposal bytes || signature.
func (s SignedProposal) Bytes() []byte {
	p := s.Proposal.Bytes()
	out := make([]byte, 0, len(p)+len(s.Signature))
	out = append(out, p...)
	return append(out, s.Signature...)
}

// Equal reports whether two signed proposals are byte-identical.
func (s SignedProposal) Equal(o SignedProposal) bool {
	return bytes.Equal(s.Bytes(), o.Bytes())
}
