// Copyright 2025 Webb Technologies
//
// Mocked signing backend
// Holds a plain secp256k1 governor key and signs keccak256(proposal bytes)
// with a 65-byte recoverable signature. Used on test networks where the
// bridge's governor is a known key rather than a DKG.

package signing

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// Mocked signs proposals locally.
type Mocked struct {
	key *ecdsa.PrivateKey
}

// NewMocked parses a raw-hex private key (0x prefix optional).
func NewMocked(privateKeyHex string) (*Mocked, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, types.NewError(types.ErrKindConfig, "invalid mocked backend private key", err)
	}
	return &Mocked{key: key}, nil
}

func (m *Mocked) Name() string { return "Mocked" }

// Address is the governor address recoverable from every signature.
func (m *Mocked) Address() common.Address {
	return crypto.PubkeyToAddress(m.key.PublicKey)
}

// Sign produces (proposal, ecdsa_sign(keccak256(proposal.Bytes()))). The
// recovery id is shifted to the Ethereum convention (v ∈ {27, 28}).
func (m *Mocked) Sign(_ context.Context, proposal types.UnsignedProposal) (types.SignedProposal, error) {
	hash := proposal.Hash()
	sig, err := crypto.Sign(hash[:], m.key)
	if err != nil {
		return types.SignedProposal{}, types.NewError(types.ErrKindSigning, "ecdsa signing failed", err)
	}
	if len(sig) != 65 {
		return types.SignedProposal{}, types.NewError(types.ErrKindSigning,
			fmt.Sprintf("unexpected signature length %d", len(sig)), nil)
	}
	sig[64] += 27
	return types.SignedProposal{Proposal: proposal, Signature: sig}, nil
}
