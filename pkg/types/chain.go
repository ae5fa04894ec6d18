// Copyright 2025 Webb Technologies
//
// Typed chain and resource identifiers
// These are the canonical cross-chain identifiers used as store namespaces
// and inside every proposal header.

package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChainType tags the family of a chain in the 2-byte wire form.
type ChainType uint16

const (
	ChainTypeEVM       ChainType = 0x0100
	ChainTypeSubstrate ChainType = 0x0200
)

// String returns the lowercase name used in API paths and config sections.
func (t ChainType) String() string {
	switch t {
	case ChainTypeEVM:
		return "evm"
	case ChainTypeSubstrate:
		return "substrate"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
}

// ChainID identifies a chain as (type, underlying id). The wire form is
// 6 bytes: type (2 BE) || id (4 BE).
type ChainID struct {
	Type ChainType
	ID   uint32
}

// NewEVMChainID returns the ChainID for an EVM chain.
func NewEVMChainID(id uint32) ChainID {
	return ChainID{Type: ChainTypeEVM, ID: id}
}

// NewSubstrateChainID returns the ChainID for a Substrate chain.
func NewSubstrateChainID(id uint32) ChainID {
	return ChainID{Type: ChainTypeSubstrate, ID: id}
}

// Bytes returns the 6-byte wire form.
func (c ChainID) Bytes() [6]byte {
	var b [6]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(c.Type))
	binary.BigEndian.PutUint32(b[2:6], c.ID)
	return b
}

// ChainIDFromBytes parses the 6-byte wire form.
func ChainIDFromBytes(b []byte) (ChainID, error) {
	if len(b) != 6 {
		return ChainID{}, fmt.Errorf("invalid chain id length: expected 6 bytes, got %d", len(b))
	}
	return ChainID{
		Type: ChainType(binary.BigEndian.Uint16(b[0:2])),
		ID:   binary.BigEndian.Uint32(b[2:6]),
	}, nil
}

// String renders "evm:5001" / "substrate:1080". This is the store namespace
// and the JSON representation.
func (c ChainID) String() string {
	return fmt.Sprintf("%s:%d", c.Type, c.ID)
}

// ParseChainID parses the "type:id" string form.
func ParseChainID(s string) (ChainID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ChainID{}, fmt.Errorf("invalid chain id %q: expected type:id", s)
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ChainID{}, fmt.Errorf("invalid chain id %q: %w", s, err)
	}
	switch parts[0] {
	case "evm":
		return NewEVMChainID(uint32(id)), nil
	case "substrate":
		return NewSubstrateChainID(uint32(id)), nil
	default:
		return ChainID{}, fmt.Errorf("invalid chain type %q", parts[0])
	}
}

// MarshalText implements encoding.TextMarshaler so ChainID can key JSON maps.
func (c ChainID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ChainID) UnmarshalText(b []byte) error {
	parsed, err := ParseChainID(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ResourceID is the 32-byte canonical on-chain identifier of a bridged
// target: target_address (20) || target_fn_sig or zero (6) || chain_type (2)
// || chain_id (4). The relayer never reinterprets the first 26 bytes.
type ResourceID [32]byte

// NewResourceID builds a ResourceID from a 26-byte target system and a chain.
func NewResourceID(targetSystem [26]byte, chain ChainID) ResourceID {
	var r ResourceID
	copy(r[0:26], targetSystem[:])
	cb := chain.Bytes()
	copy(r[26:32], cb[:])
	return r
}

// NewResourceIDFromContract builds a ResourceID for an EVM contract target
// with a zero function-signature segment.
func NewResourceIDFromContract(addr common.Address, chain ChainID) ResourceID {
	var target [26]byte
	copy(target[0:20], addr.Bytes())
	return NewResourceID(target, chain)
}

// ResourceIDFromBytes parses a 32-byte slice.
func ResourceIDFromBytes(b []byte) (ResourceID, error) {
	var r ResourceID
	if len(b) != 32 {
		return r, fmt.Errorf("invalid resource id length: expected 32 bytes, got %d", len(b))
	}
	copy(r[:], b)
	return r, nil
}

// ResourceIDFromHex parses a 0x-prefixed or bare hex string.
func ResourceIDFromHex(s string) (ResourceID, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return ResourceID{}, fmt.Errorf("invalid resource id hex: %w", err)
	}
	return ResourceIDFromBytes(b)
}

// TargetAddress returns the leading 20-byte target address segment.
func (r ResourceID) TargetAddress() common.Address {
	return common.BytesToAddress(r[0:20])
}

// ChainID returns the trailing 6-byte chain identifier.
func (r ResourceID) ChainID() ChainID {
	c, _ := ChainIDFromBytes(r[26:32])
	return c
}

// Hex returns the 0x-prefixed hex form.
func (r ResourceID) Hex() string {
	return "0x" + hex.EncodeToString(r[:])
}

func (r ResourceID) String() string { return r.Hex() }
