// Copyright 2025 Webb Technologies
//
// Withdrawal external data
// The fee, refund and routing fields a user commits to inside their proof.
// The hash must match the proof's public input, so encoding is fixed-layout.

package relay

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ExtData is the withdrawal's external data, committed into the proof via
// its keccak256 hash.
type ExtData struct {
	Recipient        common.Address `json:"recipient"`
	Relayer          common.Address `json:"relayer"`
	Fee              *big.Int       `json:"fee"`
	Refund           *big.Int       `json:"refund"`
	Token            common.Address `json:"token"`
	EncryptedOutput1 []byte         `json:"encrypted_output1"`
	EncryptedOutput2 []byte         `json:"encrypted_output2"`
}

// Encode produces the canonical byte layout: each address left-padded to 32
// bytes, amounts as 32-byte big-endian words, then the two encrypted outputs
// hashed to fixed width.
func (e *ExtData) Encode() []byte {
	out := make([]byte, 0, 7*32)
	out = append(out, common.LeftPadBytes(e.Recipient.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(e.Relayer.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(bigOrZero(e.Fee).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(bigOrZero(e.Refund).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(e.Token.Bytes(), 32)...)
	out = append(out, crypto.Keccak256(e.EncryptedOutput1)...)
	out = append(out, crypto.Keccak256(e.EncryptedOutput2)...)
	return out
}

// Hash is keccak256 of the canonical encoding.
func (e *ExtData) Hash() [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256(e.Encode()))
	return h
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
