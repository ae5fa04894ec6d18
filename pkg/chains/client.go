// Copyright 2025 Webb Technologies
//
// Chain client abstraction
// A single capability set over EVM JSON-RPC nodes and Substrate nodes: block
// height, events in a block range, transaction submission, nonce and fee
// queries. The watcher engine and transaction queues only ever see this
// interface.

package chains

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// DefaultRPCTimeout bounds every single network call.
const DefaultRPCTimeout = 30 * time.Second

// Event is a normalized on-chain event, ordered by (Block, Index) within a
// single (chain, contract-or-pallet).
type Event struct {
	ChainID types.ChainID
	// Address is the emitting contract (EVM) or zero for pallet events.
	Address common.Address
	// Pallet names the emitting pallet on Substrate chains.
	Pallet string
	// Topics are the indexed fields; Topics[0] is the event signature (EVM).
	Topics []common.Hash
	// Data is the non-indexed payload (EVM log data, or the SCALE-encoded
	// event body on Substrate).
	Data     []byte
	Block    uint64
	TxHash   common.Hash
	Index    uint
}

// EventFilter selects the events a watcher cares about.
type EventFilter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
	// Pallet restricts Substrate queries to one pallet's events.
	Pallet string
}

// Call is a contract invocation to estimate or submit.
type Call struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Receipt is the finalization result of a submitted transaction.
type Receipt struct {
	TxHash  common.Hash
	Block   uint64
	Success bool
	GasUsed uint64
}

// Client is the unified view of one chain.
type Client interface {
	ChainID() types.ChainID

	// LatestBlock returns the current head height.
	LatestBlock(ctx context.Context) (uint64, error)
	// FinalizedBlock returns the highest finalized height. On chains without
	// a finality gadget (EVM) this is the current head; callers subtract
	// their configured confirmations.
	FinalizedBlock(ctx context.Context) (uint64, error)

	// FetchEvents returns the filtered events in [from, to], inclusive.
	FetchEvents(ctx context.Context, from, to uint64, filter EventFilter) ([]Event, error)

	// SubmitRaw broadcasts an already-signed transaction or extrinsic.
	SubmitRaw(ctx context.Context, tx []byte) (common.Hash, error)
	// WaitFinalized blocks until the transaction has the requested number of
	// confirmations, or ctx expires.
	WaitFinalized(ctx context.Context, h common.Hash, confirmations uint64) (*Receipt, error)

	EstimateGas(ctx context.Context, call Call) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	NextNonce(ctx context.Context, account common.Address) (uint64, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)

	Close() error
}

// reconnectBackoff paces re-dial attempts: 1s doubling to a 30s cap.
type reconnectBackoff struct {
	attempt int
}

func (b *reconnectBackoff) next() time.Duration {
	d := time.Second << uint(b.attempt)
	if d > 30*time.Second {
		d = 30 * time.Second
	} else {
		b.attempt++
	}
	return d
}

func (b *reconnectBackoff) reset() { b.attempt = 0 }
