// Copyright 2025 Webb Technologies
//
// Event watcher engine
// Drives one (chain, contract-or-pallet) from a persisted cursor: fetch a
// bounded block range behind the confirmation margin, deliver the events to
// handlers in on-chain order with retry, then durably advance the cursor.
// Delivery is at-least-once; handlers are idempotent keyed by
// (chain, block, log index).

package watcher

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
	"github.com/webb-tools/bridge-relayer/pkg/metrics"
	"github.com/webb-tools/bridge-relayer/pkg/store"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// State is the watcher lifecycle position.
type State int32

const (
	StateBooting State = iota
	StateBackfilling
	StateTailing
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateBackfilling:
		return "backfilling"
	case StateTailing:
		return "tailing"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handler reacts to one event. Errors are classified through the shared
// taxonomy: retryable kinds are retried with backoff, everything else is
// terminal for the event.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event chains.Event) error
}

// Config parameterizes one watcher.
type Config struct {
	// Key names this watcher inside the cursor keyspace, e.g.
	// "vanchor/0x91eB.." or "pallet/mt".
	Key string
	// DeployedAt is the default cursor when none is persisted.
	DeployedAt uint64
	// Confirmations is how far behind head the watcher stays.
	Confirmations uint64
	// MaxSpan caps the block range of one fetch.
	MaxSpan uint64
	// PollInterval paces the loop when there is nothing new.
	PollInterval time.Duration
	// PrintProgressInterval paces the cursor/head progress log line.
	PrintProgressInterval time.Duration
	// Filter selects the events this watcher fetches.
	Filter chains.EventFilter
}

// Retry policy for handler errors.
const (
	retryInitialDelay = time.Second
	retryMaxDelay     = 5 * time.Minute
	retryMaxAttempts  = 10

	// Consecutive network failures before the watcher reports Degraded.
	networkDegradedThreshold = 5
)

// Health is a point-in-time snapshot for the health endpoint.
type Health struct {
	Key               string `json:"key"`
	ChainID           string `json:"chain_id"`
	State             string `json:"state"`
	Cursor            uint64 `json:"cursor"`
	Head              uint64 `json:"head"`
	Lag               uint64 `json:"lag"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Watcher runs the cursor loop for one (chain, contract-or-pallet).
type Watcher struct {
	client   chains.Client
	store    *store.Store
	cfg      Config
	handlers []Handler
	metrics  *metrics.Metrics
	logger   *log.Logger

	state       atomic.Int32
	cursor      atomic.Uint64
	head        atomic.Uint64
	netFailures atomic.Int32
	lastError   atomic.Value // string
}

// New creates a watcher. Handlers are fixed at construction.
func New(client chains.Client, st *store.Store, cfg Config, handlers []Handler, m *metrics.Metrics, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[Watcher %s/%s] ", client.ChainID(), cfg.Key), log.LstdFlags)
	}
	if cfg.MaxSpan == 0 {
		cfg.MaxSpan = 100
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 6 * time.Second
	}
	w := &Watcher{
		client:   client,
		store:    st,
		cfg:      cfg,
		handlers: handlers,
		metrics:  m,
		logger:   logger,
	}
	w.state.Store(int32(StateBooting))
	w.lastError.Store("")
	return w
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Health snapshots the watcher for the health endpoint.
func (w *Watcher) Health() Health {
	cursor := w.cursor.Load()
	head := w.head.Load()
	var lag uint64
	if head > cursor {
		lag = head - cursor
	}
	return Health{
		Key:               w.cfg.Key,
		ChainID:           w.client.ChainID().String(),
		State:             w.State().String(),
		Cursor:            cursor,
		Head:              head,
		Lag:               lag,
		ConsecutiveErrors: int(w.netFailures.Load()),
		LastError:         w.lastError.Load().(string),
	}
}

// Run loops until ctx is cancelled. The cursor only advances after every
// event in a batch is terminal, so a crash replays the batch.
func (w *Watcher) Run(ctx context.Context) {
	defer w.state.Store(int32(StateStopped))

	cursor, ok, err := w.store.GetCursor(w.client.ChainID(), w.cfg.Key)
	if err != nil {
		w.logger.Printf("Failed to read cursor, starting from deployed_at %d: %v", w.cfg.DeployedAt, err)
		ok = false
	}
	if !ok {
		cursor = w.cfg.DeployedAt
	}
	w.cursor.Store(cursor)
	w.logger.Printf("Watcher started at block %d", cursor)

	var progress *time.Ticker
	if w.cfg.PrintProgressInterval > 0 {
		progress = time.NewTicker(w.cfg.PrintProgressInterval)
		defer progress.Stop()
	}

	for {
		if progress != nil {
			select {
			case <-progress.C:
				h := w.Health()
				w.logger.Printf("Progress: state=%s cursor=%d head=%d lag=%d", h.State, h.Cursor, h.Head, h.Lag)
			default:
			}
		}

		advanced, err := w.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.noteNetworkError(err)
		} else {
			w.clearNetworkError()
		}

		if !advanced {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// step performs one fetch-dispatch-advance iteration. advanced reports
// whether the cursor moved (so the caller skips the poll sleep).
func (w *Watcher) step(ctx context.Context) (advanced bool, err error) {
	head, err := w.client.LatestBlock(ctx)
	if err != nil {
		return false, err
	}
	w.head.Store(head)

	cursor := w.cursor.Load()
	if head <= w.cfg.Confirmations {
		return false, nil
	}
	safe := head - w.cfg.Confirmations
	if safe <= cursor {
		if w.State() != StateDegraded {
			w.state.Store(int32(StateTailing))
		}
		return false, nil
	}

	to := cursor + w.cfg.MaxSpan
	if to > safe {
		to = safe
	}
	if w.State() != StateDegraded {
		if safe-cursor > 2*w.cfg.MaxSpan {
			w.state.Store(int32(StateBackfilling))
		} else {
			w.state.Store(int32(StateTailing))
		}
	}

	events, err := w.client.FetchEvents(ctx, cursor+1, to, w.cfg.Filter)
	if err != nil {
		if types.KindOf(err) == types.ErrKindProtocol {
			// Undecodable block contents: record and skip the range rather
			// than wedge the watcher forever.
			w.recordDeadLetter(chains.Event{Block: to}, err)
			return w.advance(to)
		}
		return false, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Block != events[j].Block {
			return events[i].Block < events[j].Block
		}
		return events[i].Index < events[j].Index
	})

	for _, event := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		w.dispatch(ctx, event)
	}

	return w.advance(to)
}

func (w *Watcher) advance(to uint64) (bool, error) {
	if err := w.store.SetCursor(w.client.ChainID(), w.cfg.Key, to); err != nil {
		// Store errors are fatal by policy; surface loudly and stop moving.
		w.logger.Printf("FATAL: failed to advance cursor to %d: %v", to, err)
		return false, err
	}
	w.cursor.Store(to)
	return true, nil
}

// dispatch delivers one event to every handler with the retry policy.
// Exhaustion and permanent errors are recorded and terminal for the event.
func (w *Watcher) dispatch(ctx context.Context, event chains.Event) {
	for _, handler := range w.handlers {
		var lastErr error
		for attempt := 0; attempt < retryMaxAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDelay(attempt)):
				}
			}

			lastErr = handler.Handle(ctx, event)
			if lastErr == nil {
				break
			}
			if w.metrics != nil {
				w.metrics.HandlerErrors.WithLabelValues(w.client.ChainID().String(), w.cfg.Key).Inc()
			}
			if !types.IsRetryable(lastErr) {
				w.logger.Printf("Handler %s permanent error at block %d/%d: %v",
					handler.Name(), event.Block, event.Index, lastErr)
				w.recordDeadLetter(event, lastErr)
				lastErr = nil
				break
			}
			w.logger.Printf("Handler %s retryable error (attempt %d/%d) at block %d: %v",
				handler.Name(), attempt+1, retryMaxAttempts, event.Block, lastErr)
		}
		if lastErr != nil {
			w.logger.Printf("Handler %s exhausted retries at block %d/%d: %v",
				handler.Name(), event.Block, event.Index, lastErr)
			w.recordDeadLetter(event, lastErr)
		}
	}
	if w.metrics != nil {
		w.metrics.EventsProcessed.WithLabelValues(w.client.ChainID().String(), w.cfg.Key).Inc()
	}
}

func (w *Watcher) recordDeadLetter(event chains.Event, cause error) {
	dl := store.DeadLetter{
		Watcher:  w.cfg.Key,
		Block:    event.Block,
		LogIndex: event.Index,
		Reason:   cause.Error(),
		At:       time.Now(),
	}
	if err := w.store.AppendDeadLetter(w.client.ChainID(), dl); err != nil {
		w.logger.Printf("Failed to record dead letter: %v", err)
	}
	if w.metrics != nil {
		w.metrics.DeadLetters.WithLabelValues(w.client.ChainID().String(), w.cfg.Key).Inc()
	}
}

func (w *Watcher) noteNetworkError(err error) {
	failures := w.netFailures.Add(1)
	w.lastError.Store(err.Error())
	if failures >= networkDegradedThreshold && w.State() != StateDegraded {
		w.state.Store(int32(StateDegraded))
		w.logger.Printf("⚠️ Entering degraded state after %d consecutive errors: %v", failures, err)
	}
}

func (w *Watcher) clearNetworkError() {
	if w.netFailures.Swap(0) >= networkDegradedThreshold {
		w.state.Store(int32(StateTailing))
		w.logger.Printf("Recovered from degraded state")
	}
	w.lastError.Store("")
}

// backoffDelay is exponential from the initial delay with ±20% jitter,
// capped at the maximum.
func backoffDelay(attempt int) time.Duration {
	d := retryInitialDelay << uint(attempt-1)
	if d > retryMaxDelay || d <= 0 {
		d = retryMaxDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
