// Copyright 2025 Webb Technologies
//
// Per-chain transaction queue
// A durable FIFO with a single consumer per chain: one in-flight submission
// at a time, queue-owned nonce tracking, gas escalation on retry and
// finalization tracking. Enqueue collapses duplicates by dedup key, so two
// proposals for the same (resource, nonce) yield one on-chain transaction.

package txqueue

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
	"github.com/webb-tools/bridge-relayer/pkg/events"
	"github.com/webb-tools/bridge-relayer/pkg/metrics"
	"github.com/webb-tools/bridge-relayer/pkg/store"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// Config parameterizes one queue consumer.
type Config struct {
	// Confirmations before a submission counts as finalized.
	Confirmations uint64
	// BlockTime of the target chain; the finalization timeout is
	// confirmations × block time × 3.
	BlockTime time.Duration
	// MaxSleepInterval paces the consumer between items (rate limiting).
	MaxSleepInterval time.Duration
	// PollInterval paces the consumer when the queue is empty.
	PollInterval time.Duration
	// MinGasPrice is the floor bid (EVM). Zero disables the floor.
	MinGasPrice *big.Int
	// DefaultGasLimit is used when estimation fails or returns zero.
	DefaultGasLimit uint64
}

// TxEvent is the bus payload for tx_queue progress events.
type TxEvent struct {
	Ty        string `json:"ty"`
	ChainID   string `json:"chain_id"`
	ID        string `json:"id"`
	Status    string `json:"status,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Finalized bool   `json:"finalized,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Queue is the durable per-chain FIFO plus its consumer.
type Queue struct {
	client  chains.Client
	store   *store.Store
	signer  Signer
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     Config
	logger  *log.Logger

	// Consumer-owned nonce state. Nothing else writes it.
	nonce      uint64
	nonceKnown bool
}

// New creates a queue for one target chain.
func New(client chains.Client, st *store.Store, signer Signer, bus *events.Bus, m *metrics.Metrics, cfg Config, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[TxQueue %s] ", client.ChainID()), log.LstdFlags)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BlockTime == 0 {
		cfg.BlockTime = 6 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 2_000_000
	}
	return &Queue{
		client:  client,
		store:   st,
		signer:  signer,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		logger:  logger,
	}
}

// ChainID is the queue's target chain.
func (q *Queue) ChainID() types.ChainID { return q.client.ChainID() }

// Enqueue appends a call to the durable queue and returns its id. When
// dedupKey matches an existing entry the existing id is returned and no new
// entry is created.
func (q *Queue) Enqueue(to common.Address, data []byte, gasLimit uint64, dedupKey string) (string, error) {
	rec := &store.TxRecord{
		ID:        ulid.Make().String(),
		ChainID:   q.client.ChainID(),
		Data:      data,
		GasLimit:  gasLimit,
		DedupKey:  dedupKey,
		State:     store.TxStatePending,
		CreatedAt: time.Now(),
	}
	if to != (common.Address{}) {
		rec.To = to.Hex()
	}

	id, inserted, err := q.store.EnqueueTx(rec)
	if err != nil {
		return "", err
	}
	if !inserted {
		q.logger.Printf("Collapsed duplicate enqueue (dedup key %s) into %s", dedupKey, id)
		return id, nil
	}

	q.publish(TxEvent{ID: id, Status: "pending"})
	q.updateDepth()
	return id, nil
}

// Run consumes the queue until ctx is cancelled. Strict FIFO; at most one
// submission in flight.
func (q *Queue) Run(ctx context.Context) {
	q.resume(ctx)

	for {
		rec, err := q.store.FirstPendingTx(q.client.ChainID(), time.Now())
		if err != nil {
			q.logger.Printf("Failed to read queue head: %v", err)
		} else if rec != nil {
			q.process(ctx, rec)
			q.updateDepth()
			if q.cfg.MaxSleepInterval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(q.cfg.MaxSleepInterval):
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// resume re-observes submissions that were in flight when the process died
// and waits out their finalization before consuming new work.
func (q *Queue) resume(ctx context.Context) {
	recs, err := q.store.ListTxs(q.client.ChainID())
	if err != nil {
		q.logger.Printf("Failed to list queue on startup: %v", err)
		return
	}
	for _, rec := range recs {
		if rec.State != store.TxStateSubmitted || rec.TxHash == "" {
			continue
		}
		q.logger.Printf("Resuming in-flight submission %s (tx %s)", rec.ID, rec.TxHash)
		q.waitFinalized(ctx, rec, common.HexToHash(rec.TxHash))
	}
}

// process runs one submission attempt for the queue head.
func (q *Queue) process(ctx context.Context, rec *store.TxRecord) {
	rec.Attempts++

	gasLimit := rec.GasLimit
	if gasLimit == 0 {
		estimated, err := q.client.EstimateGas(ctx, chains.Call{
			To:   common.HexToAddress(rec.To),
			Data: rec.Data,
		})
		if err != nil || estimated == 0 {
			gasLimit = q.cfg.DefaultGasLimit
		} else {
			gasLimit = estimated
		}
	}

	gasPrice, err := q.gasPriceFor(ctx, rec)
	if err != nil {
		q.reschedule(rec, err)
		return
	}

	nonce, err := q.nextNonce(ctx)
	if err != nil {
		q.reschedule(rec, err)
		return
	}

	raw, err := q.signer.SignTx(rec, nonce, gasPrice, gasLimit)
	if err != nil {
		q.fail(rec, err)
		return
	}

	hash, err := q.client.SubmitRaw(ctx, raw)
	if err != nil {
		if types.IsRetryable(err) {
			// Nonce and pricing races: resync and escalate on the next pass.
			q.nonceKnown = false
			q.reschedule(rec, err)
		} else {
			q.fail(rec, err)
		}
		return
	}

	q.nonce = nonce + 1
	q.nonceKnown = true

	rec.State = store.TxStateSubmitted
	rec.TxHash = hash.Hex()
	rec.GasPrice = gasPrice.String()
	rec.SubmittedAt = time.Now()
	if err := q.store.SaveTx(rec); err != nil {
		q.logger.Printf("FATAL: failed to persist submitted state for %s: %v", rec.ID, err)
		return
	}
	if q.metrics != nil {
		q.metrics.TxSubmitted.WithLabelValues(q.client.ChainID().String()).Inc()
	}
	q.publish(TxEvent{ID: rec.ID, Status: "submitted", TxHash: rec.TxHash})
	q.logger.Printf("Submitted %s as %s (nonce %d, gas price %s)", rec.ID, rec.TxHash, nonce, gasPrice)

	q.waitFinalized(ctx, rec, hash)
}

// waitFinalized drives one Submitted record to a terminal state.
func (q *Queue) waitFinalized(ctx context.Context, rec *store.TxRecord, hash common.Hash) {
	timeout := time.Duration(q.cfg.Confirmations) * q.cfg.BlockTime * 3
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := q.client.WaitFinalized(waitCtx, hash, q.cfg.Confirmations)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: leave the record Submitted; the next startup resumes.
			return
		}
		// Timed out or lost: resubmit with escalated gas.
		q.logger.Printf("Finalization wait failed for %s: %v (requeueing)", rec.ID, err)
		rec.State = store.TxStatePending
		q.reschedule(rec, err)
		return
	}

	if !receipt.Success {
		q.fail(rec, types.NewError(types.ErrKindChain, "transaction reverted", nil))
		return
	}

	rec.State = store.TxStateFinalized
	if err := q.store.SaveTx(rec); err != nil {
		q.logger.Printf("Failed to persist finalized state for %s: %v", rec.ID, err)
	}
	if q.metrics != nil {
		q.metrics.TxFinalized.WithLabelValues(q.client.ChainID().String()).Inc()
	}
	q.publish(TxEvent{ID: rec.ID, TxHash: rec.TxHash, Finalized: true})
	q.logger.Printf("✅ Finalized %s in block %d", rec.TxHash, receipt.Block)

	if err := q.store.DeleteTx(rec); err != nil {
		q.logger.Printf("Failed to remove finalized record %s: %v", rec.ID, err)
	}
}

// gasPriceFor computes max(oracle price, last price × 1.125^attempts),
// floored at the configured minimum.
func (q *Queue) gasPriceFor(ctx context.Context, rec *store.TxRecord) (*big.Int, error) {
	price, err := q.client.GasPrice(ctx)
	if err != nil {
		return nil, err
	}

	if rec.GasPrice != "" {
		last, ok := new(big.Int).SetString(rec.GasPrice, 10)
		if ok {
			bumped := bumpGasPrice(last, rec.Attempts)
			if bumped.Cmp(price) > 0 {
				price = bumped
			}
		}
	}
	if q.cfg.MinGasPrice != nil && price.Cmp(q.cfg.MinGasPrice) < 0 {
		price = new(big.Int).Set(q.cfg.MinGasPrice)
	}
	return price, nil
}

// bumpGasPrice multiplies by 1.125 per attempt (9/8 in integer math).
func bumpGasPrice(last *big.Int, attempts int) *big.Int {
	price := new(big.Int).Set(last)
	for i := 0; i < attempts; i++ {
		price.Mul(price, big.NewInt(9))
		price.Div(price, big.NewInt(8))
	}
	return price
}

// nextNonce resolves max(chain pending nonce, locally tracked nonce). The
// consumer is the only writer of the local counter.
func (q *Queue) nextNonce(ctx context.Context) (uint64, error) {
	account := q.signer.Address()
	if account == (common.Address{}) {
		return 0, nil
	}
	chainNonce, err := q.client.NextNonce(ctx, account)
	if err != nil {
		return 0, err
	}
	if q.nonceKnown && q.nonce > chainNonce {
		return q.nonce, nil
	}
	return chainNonce, nil
}

// reschedule pushes a retryable failure back with exponential backoff.
func (q *Queue) reschedule(rec *store.TxRecord, cause error) {
	delay := 5 * time.Minute
	if rec.Attempts < 9 {
		delay = time.Second << uint(rec.Attempts)
	}
	rec.State = store.TxStatePending
	rec.NextAttemptAt = time.Now().Add(delay)
	if err := q.store.SaveTx(rec); err != nil {
		q.logger.Printf("Failed to persist reschedule for %s: %v", rec.ID, err)
		return
	}
	q.logger.Printf("Rescheduled %s in %s (attempt %d): %v", rec.ID, delay, rec.Attempts, cause)
}

// fail marks a permanent failure. The record stays in the store for
// diagnosis; its dedup key is released so a later re-observation of the same
// proposal can enqueue a fresh attempt.
func (q *Queue) fail(rec *store.TxRecord, cause error) {
	rec.State = store.TxStateFailed
	rec.FailureReason = cause.Error()
	if err := q.store.SaveTx(rec); err != nil {
		q.logger.Printf("Failed to persist failure for %s: %v", rec.ID, err)
	}
	if err := q.store.ReleaseTxDedup(rec.ChainID, rec.DedupKey); err != nil {
		q.logger.Printf("Failed to release dedup key for %s: %v", rec.ID, err)
	}
	if q.metrics != nil {
		q.metrics.TxFailed.WithLabelValues(q.client.ChainID().String()).Inc()
	}
	q.publish(TxEvent{ID: rec.ID, Status: "failed", Reason: cause.Error()})
	q.logger.Printf("❌ Permanently failed %s: %v", rec.ID, cause)
}

func (q *Queue) publish(ev TxEvent) {
	if q.bus == nil {
		return
	}
	chain := q.client.ChainID()
	ev.Ty = typeName(chain.Type)
	ev.ChainID = fmt.Sprintf("%d", chain.ID)
	q.bus.Publish(events.KindTxQueue, ev)
}

func (q *Queue) updateDepth() {
	if q.metrics == nil {
		return
	}
	depth, err := q.store.QueueDepth(q.client.ChainID())
	if err != nil {
		return
	}
	q.metrics.QueueDepth.WithLabelValues(q.client.ChainID().String()).Set(float64(depth))
}

func typeName(t types.ChainType) string {
	switch t {
	case types.ChainTypeEVM:
		return "EVM"
	case types.ChainTypeSubstrate:
		return "Substrate"
	default:
		return "Unknown"
	}
}
