// Copyright 2025 Webb Technologies
//
// Private-tx relay
// Validates a user's withdrawal payload against the live fee quote and the
// relayer's own identity, then enqueues the anchor's transact call on the
// target chain. The returned id is the handle clients stream status for.

package relay

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/webb-tools/bridge-relayer/pkg/events"
	"github.com/webb-tools/bridge-relayer/pkg/metrics"
	"github.com/webb-tools/bridge-relayer/pkg/txqueue"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// vanchorTransactABI is the anchor call the relayer submits on behalf of the
// withdrawing user.
const vanchorTransactABI = `[
	{
		"inputs": [
			{"name": "proof", "type": "bytes"},
			{"name": "roots", "type": "bytes"},
			{"name": "extDataHash", "type": "bytes32"},
			{"name": "publicAmount", "type": "uint256"},
			{"name": "extData", "type": "bytes"}
		],
		"name": "transact",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var transactABI abi.ABI

func init() {
	var err error
	transactABI, err = abi.JSON(strings.NewReader(vanchorTransactABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse transact ABI: %v", err))
	}
}

// WithdrawRequest is a client's submission to the private-tx relay.
type WithdrawRequest struct {
	ChainID  types.ChainID  `json:"chain_id"`
	Contract common.Address `json:"contract"`
	// Proof and Roots are opaque prover output.
	Proof []byte `json:"proof"`
	Roots []byte `json:"roots"`
	// ExtDataHash is the public input the proof binds ExtData to.
	ExtDataHash  [32]byte `json:"ext_data_hash"`
	PublicAmount *big.Int `json:"public_amount"`
	ExtData      ExtData  `json:"ext_data"`
}

// PrivateTxEvent is the bus payload for private_tx events.
type PrivateTxEvent struct {
	Ty        string `json:"ty"`
	ChainID   string `json:"chain_id"`
	ID        string `json:"id"`
	Status    string `json:"status,omitempty"`
	Finalized bool   `json:"finalized,omitempty"`
}

// ChainRelayConfig is the per-chain private-tx policy.
type ChainRelayConfig struct {
	Enabled        bool
	RelayerAddress common.Address
	// WithdrawGasLimit overrides gas estimation for transact; zero means
	// estimate.
	WithdrawGasLimit uint64
}

// Relay accepts validated withdrawals and feeds the tx queues.
type Relay struct {
	oracle  *FeeOracle
	queues  map[types.ChainID]*txqueue.Queue
	cfg     map[types.ChainID]ChainRelayConfig
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewRelay creates the relay over the configured chains.
func NewRelay(oracle *FeeOracle, queues map[types.ChainID]*txqueue.Queue, cfg map[types.ChainID]ChainRelayConfig, bus *events.Bus, m *metrics.Metrics, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.New(log.Writer(), "[PrivateTxRelay] ", log.LstdFlags)
	}
	return &Relay{
		oracle:  oracle,
		queues:  queues,
		cfg:     cfg,
		bus:     bus,
		metrics: m,
		logger:  logger,
	}
}

// Validate checks a withdrawal against configuration and the live quote.
// Every rejection is a client-kind error.
func (r *Relay) Validate(req *WithdrawRequest) error {
	cfg, ok := r.cfg[req.ChainID]
	if !ok || !cfg.Enabled {
		return types.NewError(types.ErrKindClient,
			fmt.Sprintf("chain %s is not enabled for private-tx relay", req.ChainID), nil)
	}
	if req.ExtData.Relayer != cfg.RelayerAddress {
		return types.NewError(types.ErrKindClient,
			fmt.Sprintf("ext data names relayer %s, expected %s", req.ExtData.Relayer.Hex(), cfg.RelayerAddress.Hex()), nil)
	}

	quote := r.oracle.Cached(req.ChainID, req.Contract)
	if quote == nil {
		return types.NewError(types.ErrKindClient, "no live fee quote; request one first", nil)
	}
	if bigOrZero(req.ExtData.Fee).Cmp(quote.EstimatedFee) < 0 {
		return types.NewError(types.ErrKindClient,
			fmt.Sprintf("fee %s below quoted %s", bigOrZero(req.ExtData.Fee), quote.EstimatedFee), nil)
	}
	if bigOrZero(req.ExtData.Refund).Cmp(quote.MaxRefund) > 0 {
		return types.NewError(types.ErrKindClient,
			fmt.Sprintf("refund %s above quoted maximum %s", bigOrZero(req.ExtData.Refund), quote.MaxRefund), nil)
	}

	if req.ChainID.Type == types.ChainTypeEVM {
		if req.ExtData.Hash() != req.ExtDataHash {
			return types.NewError(types.ErrKindClient, "ext data hash does not match public input", nil)
		}
	}
	return nil
}

// SubmitWithdraw validates and enqueues one withdrawal, returning the queue
// id for status streaming.
func (r *Relay) SubmitWithdraw(ctx context.Context, req *WithdrawRequest) (string, error) {
	if err := r.Validate(req); err != nil {
		return "", err
	}

	data, err := transactABI.Pack("transact",
		req.Proof, req.Roots, req.ExtDataHash, bigOrZero(req.PublicAmount), req.ExtData.Encode())
	if err != nil {
		return "", types.NewError(types.ErrKindClient, "failed to encode transact call", err)
	}

	queue, ok := r.queues[req.ChainID]
	if !ok {
		return "", types.NewError(types.ErrKindClient,
			fmt.Sprintf("no transaction queue for chain %s", req.ChainID), nil)
	}

	id, err := queue.Enqueue(req.Contract, data, r.cfg[req.ChainID].WithdrawGasLimit, "")
	if err != nil {
		return "", err
	}

	r.logger.Printf("Accepted withdrawal on %s as %s (fee %s)", req.ChainID, id, bigOrZero(req.ExtData.Fee))
	if r.metrics != nil {
		r.metrics.PrivateTxSends.Inc()
	}
	r.publish(req.ChainID, PrivateTxEvent{ID: id, Status: "accepted"})

	// Mirror the queue's lifecycle onto the private_tx stream.
	go r.watchOutcome(ctx, req.ChainID, id)
	return id, nil
}

// watchOutcome re-publishes the queue's progress for one submission on the
// private_tx stream until it reaches a terminal state.
func (r *Relay) watchOutcome(ctx context.Context, chain types.ChainID, id string) {
	if r.bus == nil {
		return
	}
	sub := r.bus.Subscribe(32, events.KindTxQueue)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			tx, ok := ev.Data.(txqueue.TxEvent)
			if !ok || tx.ID != id {
				continue
			}
			if tx.Finalized {
				r.publish(chain, PrivateTxEvent{ID: id, Finalized: true})
				return
			}
			if tx.Status == "failed" {
				r.publish(chain, PrivateTxEvent{ID: id, Status: "failed"})
				return
			}
			r.publish(chain, PrivateTxEvent{ID: id, Status: tx.Status})
		}
	}
}

func (r *Relay) publish(chain types.ChainID, ev PrivateTxEvent) {
	if r.bus == nil {
		return
	}
	if chain.Type == types.ChainTypeEVM {
		ev.Ty = "EVM"
	} else {
		ev.Ty = "Substrate"
	}
	ev.ChainID = fmt.Sprintf("%d", chain.ID)
	r.bus.Publish(events.KindPrivateTx, ev)
}
