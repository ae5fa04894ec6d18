// Copyright 2025 Webb Technologies
//
// Contract ABIs for the watched and called bridge contracts
// Only the events and calls the relayer touches: the variable anchor's
// deposit and root events, and the signature bridge's proposal execution.

package handlers

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
)

// vanchorEventsABI covers the variable-anchor events we watch.
const vanchorEventsABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "commitment", "type": "bytes32"},
			{"indexed": false, "name": "leafIndex", "type": "uint256"},
			{"indexed": false, "name": "encryptedOutput", "type": "bytes"}
		],
		"name": "NewCommitment",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "root", "type": "bytes32"},
			{"indexed": false, "name": "latestLeafIndex", "type": "uint256"}
		],
		"name": "RootChanged",
		"type": "event"
	}
]`

// signatureBridgeABI covers the calls the queue submits.
const signatureBridgeABI = `[
	{
		"inputs": [
			{"name": "data", "type": "bytes"},
			{"name": "sig", "type": "bytes"}
		],
		"name": "executeProposalWithSignature",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var (
	vanchorABI abi.ABI
	bridgeABI  abi.ABI

	// Topic hashes for event filtering, keccak256 of the event signatures.
	TopicNewCommitment common.Hash
	TopicRootChanged   common.Hash
)

func init() {
	var err error
	vanchorABI, err = abi.JSON(strings.NewReader(vanchorEventsABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse vanchor ABI: %v", err))
	}
	bridgeABI, err = abi.JSON(strings.NewReader(signatureBridgeABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse bridge ABI: %v", err))
	}
	TopicNewCommitment = crypto.Keccak256Hash([]byte("NewCommitment(bytes32,uint256,bytes)"))
	TopicRootChanged = crypto.Keccak256Hash([]byte("RootChanged(bytes32,uint256)"))
}

// NewCommitmentEvent is a parsed deposit-side leaf emission.
type NewCommitmentEvent struct {
	Commitment [32]byte
	LeafIndex  uint64
}

// parseNewCommitment unpacks the NewCommitment log data.
func parseNewCommitment(ev chains.Event) (NewCommitmentEvent, error) {
	var out NewCommitmentEvent
	values, err := vanchorABI.Unpack("NewCommitment", ev.Data)
	if err != nil {
		return out, fmt.Errorf("failed to unpack NewCommitment: %w", err)
	}
	if len(values) < 2 {
		return out, fmt.Errorf("NewCommitment: expected 2 values, got %d", len(values))
	}
	commitment, ok := values[0].([32]byte)
	if !ok {
		return out, fmt.Errorf("NewCommitment: bad commitment type %T", values[0])
	}
	index, ok := values[1].(*big.Int)
	if !ok {
		return out, fmt.Errorf("NewCommitment: bad leaf index type %T", values[1])
	}
	out.Commitment = commitment
	out.LeafIndex = index.Uint64()
	return out, nil
}

// RootChangedEvent is a parsed anchor root update.
type RootChangedEvent struct {
	Root            [32]byte
	LatestLeafIndex uint64
}

// parseRootChanged unpacks the RootChanged log data.
func parseRootChanged(ev chains.Event) (RootChangedEvent, error) {
	var out RootChangedEvent
	values, err := vanchorABI.Unpack("RootChanged", ev.Data)
	if err != nil {
		return out, fmt.Errorf("failed to unpack RootChanged: %w", err)
	}
	if len(values) < 2 {
		return out, fmt.Errorf("RootChanged: expected 2 values, got %d", len(values))
	}
	root, ok := values[0].([32]byte)
	if !ok {
		return out, fmt.Errorf("RootChanged: bad root type %T", values[0])
	}
	index, ok := values[1].(*big.Int)
	if !ok {
		return out, fmt.Errorf("RootChanged: bad leaf index type %T", values[1])
	}
	out.Root = root
	out.LatestLeafIndex = index.Uint64()
	return out, nil
}

// EncodeNewCommitment packs event data (fixtures and tests).
func EncodeNewCommitment(commitment [32]byte, leafIndex uint64) ([]byte, error) {
	return vanchorABI.Events["NewCommitment"].Inputs.Pack(
		commitment, new(big.Int).SetUint64(leafIndex), []byte{})
}

// EncodeRootChanged packs event data (fixtures and tests).
func EncodeRootChanged(root [32]byte, latestLeafIndex uint64) ([]byte, error) {
	return vanchorABI.Events["RootChanged"].Inputs.Pack(
		root, new(big.Int).SetUint64(latestLeafIndex))
}

// EncodeExecuteProposal packs the signature bridge call the queue submits.
func EncodeExecuteProposal(proposalData, signature []byte) ([]byte, error) {
	data, err := bridgeABI.Pack("executeProposalWithSignature", proposalData, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to pack executeProposalWithSignature: %w", err)
	}
	return data, nil
}
