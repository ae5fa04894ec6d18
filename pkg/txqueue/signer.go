// Copyright 2025 Webb Technologies
//
// Per-chain transaction signers for the queue consumer.

package txqueue

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/webb-tools/bridge-relayer/pkg/store"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// Signer turns a queue record into raw bytes the chain accepts.
type Signer interface {
	// Address is the relayer account whose nonce the queue owns. Zero for
	// chains where the payload is already a complete extrinsic.
	Address() common.Address
	// SignTx produces the raw submission bytes for one attempt.
	SignTx(rec *store.TxRecord, nonce uint64, gasPrice *big.Int, gasLimit uint64) ([]byte, error)
}

// EVMSigner signs legacy transactions with the chain's relayer key.
type EVMSigner struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
	address common.Address
}

// NewEVMSigner parses the relayer account key for one EVM chain.
func NewEVMSigner(privateKeyHex string, chainID uint32) (*EVMSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, types.NewError(types.ErrKindConfig, "invalid relayer private key", err)
	}
	return &EVMSigner{
		key:     key,
		chainID: new(big.Int).SetUint64(uint64(chainID)),
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *EVMSigner) Address() common.Address { return s.address }

func (s *EVMSigner) SignTx(rec *store.TxRecord, nonce uint64, gasPrice *big.Int, gasLimit uint64) ([]byte, error) {
	to := common.HexToAddress(rec.To)
	tx := gethtypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, rec.Data)
	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return nil, types.NewError(types.ErrKindSigning, "failed to sign transaction", err)
	}
	return signed.MarshalBinary()
}

// RawSigner passes pre-built payloads straight through (Substrate
// extrinsics are signed, or intentionally unsigned, before they reach the
// queue).
type RawSigner struct{}

func (RawSigner) Address() common.Address { return common.Address{} }

func (RawSigner) SignTx(rec *store.TxRecord, _ uint64, _ *big.Int, _ uint64) ([]byte, error) {
	return rec.Data, nil
}
