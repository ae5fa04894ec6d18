// Copyright 2025 Webb Technologies
//
// Leaf indexer
// Mirrors an anchor's append-only commitment tree into the store. Appends in
// order, backfills on gaps, ignores replays. Idempotent by construction: a
// leaf index below the local count is a duplicate delivery.

package handlers

import (
	"context"
	"fmt"
	"log"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
	"github.com/webb-tools/bridge-relayer/pkg/events"
	"github.com/webb-tools/bridge-relayer/pkg/store"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// LeafEvent is the bus payload for leaves_store events.
type LeafEvent struct {
	ChainID   string `json:"chain_id"`
	TreeKey   string `json:"tree_key"`
	LeafIndex uint64 `json:"leaf_index"`
	Block     uint64 `json:"block"`
}

// LeafIndexer appends observed commitments to one tree's leaf cache.
type LeafIndexer struct {
	store  *store.Store
	client chains.Client
	bus    *events.Bus
	// treeKey namespaces the cache: the contract address (EVM) or
	// "tree/<id>" (Substrate).
	treeKey string
	filter  chains.EventFilter
	logger  *log.Logger
}

// NewLeafIndexer creates the indexer for one anchor tree.
func NewLeafIndexer(st *store.Store, client chains.Client, bus *events.Bus, treeKey string, filter chains.EventFilter, logger *log.Logger) *LeafIndexer {
	if logger == nil {
		logger = log.New(log.Writer(), "[LeafIndexer] ", log.LstdFlags)
	}
	return &LeafIndexer{
		store:   st,
		client:  client,
		bus:     bus,
		treeKey: treeKey,
		filter:  filter,
		logger:  logger,
	}
}

func (h *LeafIndexer) Name() string { return "leaf-indexer" }

// Handle indexes one deposit-style event.
func (h *LeafIndexer) Handle(ctx context.Context, ev chains.Event) error {
	leaf, index, ok, err := h.extract(ev)
	if err != nil {
		return types.NewError(types.ErrKindProtocol, "undecodable deposit event", err)
	}
	if !ok {
		return nil // not a deposit event; other handlers may want it
	}
	return h.ingest(ctx, ev.ChainID, leaf, index, ev.Block)
}

// extract pulls (leaf, index) out of the chain-specific event shape.
func (h *LeafIndexer) extract(ev chains.Event) (leaf [32]byte, index uint64, ok bool, err error) {
	if len(ev.Topics) == 0 {
		return leaf, 0, false, nil
	}
	switch ev.Topics[0] {
	case TopicNewCommitment:
		parsed, perr := parseNewCommitment(ev)
		if perr != nil {
			return leaf, 0, false, perr
		}
		return parsed.Commitment, parsed.LeafIndex, true, nil
	case chains.TopicSubstrateLeafInsertion:
		parsed, perr := chains.DecodeSubstrateLeafEvent(ev.Data)
		if perr != nil {
			return leaf, 0, false, perr
		}
		return parsed.Leaf, uint64(parsed.LeafIndex), true, nil
	default:
		return leaf, 0, false, nil
	}
}

// ingest places one leaf at its index, backfilling when the chain is ahead
// of the local cache.
func (h *LeafIndexer) ingest(ctx context.Context, chain types.ChainID, leaf [32]byte, index uint64, block uint64) error {
	meta, err := h.store.GetLeafMeta(chain, h.treeKey)
	if err != nil {
		return err
	}

	switch {
	case index == meta.Count:
		stored, err := h.store.AppendLeaf(chain, h.treeKey, leaf, block)
		if err != nil {
			return err
		}
		h.publish(chain, stored, block)
		return nil

	case index < meta.Count:
		// Duplicate replay of an already-indexed leaf.
		return nil

	default:
		h.logger.Printf("Gap in %s/%s: have %d leaves, got index %d; backfilling from block %d",
			chain, h.treeKey, meta.Count, index, meta.LastBlock+1)
		if err := h.backfill(ctx, chain, meta.LastBlock+1, block); err != nil {
			return err
		}
		// Re-check after backfill; a remaining gap is a protocol defect.
		meta, err = h.store.GetLeafMeta(chain, h.treeKey)
		if err != nil {
			return err
		}
		if index != meta.Count {
			return types.NewError(types.ErrKindProtocol,
				fmt.Sprintf("leaf gap persists after backfill: count %d, index %d", meta.Count, index), nil)
		}
		stored, err := h.store.AppendLeaf(chain, h.treeKey, leaf, block)
		if err != nil {
			return err
		}
		h.publish(chain, stored, block)
		return nil
	}
}

// backfill re-fetches the missing block range and ingests any deposit events
// whose index lines up with the cache.
func (h *LeafIndexer) backfill(ctx context.Context, chain types.ChainID, from, to uint64) error {
	if to == 0 || from >= to {
		return nil
	}
	missed, err := h.client.FetchEvents(ctx, from, to-1, h.filter)
	if err != nil {
		return err
	}
	for _, ev := range missed {
		leaf, index, ok, err := h.extract(ev)
		if err != nil || !ok {
			continue
		}
		meta, err := h.store.GetLeafMeta(chain, h.treeKey)
		if err != nil {
			return err
		}
		if index != meta.Count {
			continue
		}
		stored, err := h.store.AppendLeaf(chain, h.treeKey, leaf, ev.Block)
		if err != nil {
			return err
		}
		h.publish(chain, stored, ev.Block)
	}
	return nil
}

func (h *LeafIndexer) publish(chain types.ChainID, index, block uint64) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.KindLeavesStore, LeafEvent{
		ChainID:   fmt.Sprintf("%d", chain.ID),
		TreeKey:   h.treeKey,
		LeafIndex: index,
		Block:     block,
	})
}
