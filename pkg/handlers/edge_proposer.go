// Copyright 2025 Webb Technologies
//
// Anchor-edge proposer
// Reacts to a local anchor's root change by producing AnchorUpdate proposals
// for every linked foreign anchor, signing them through the target's backend
// and enqueueing execute_proposal_with_signature on the target chain.
// Duplicate suppression is by stored edge state and proposal markers, so
// replays after a crash collapse to nothing.

package handlers

import (
	"context"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
	"github.com/webb-tools/bridge-relayer/pkg/events"
	"github.com/webb-tools/bridge-relayer/pkg/signing"
	"github.com/webb-tools/bridge-relayer/pkg/store"
	"github.com/webb-tools/bridge-relayer/pkg/txqueue"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// LinkedAnchor is one foreign anchor connected to the watched local anchor.
type LinkedAnchor struct {
	// Resource identifies the foreign anchor on its chain.
	Resource types.ResourceID
	// Bridge is the signature bridge contract to call on the target chain.
	Bridge common.Address
	// Backend signs proposals destined for this target.
	Backend signing.Backend
	// Queue is the target chain's transaction queue.
	Queue *txqueue.Queue
	// GasLimit for execute_proposal_with_signature; zero means estimate.
	GasLimit uint64
}

// SigningEvent is the bus payload for signing_backend events.
type SigningEvent struct {
	Backend  string `json:"backend"`
	Resource string `json:"resource"`
	Nonce    uint32 `json:"nonce"`
	Status   string `json:"status"`
}

// BridgeEvent is the bus payload for signature_bridge events.
type BridgeEvent struct {
	ChainID string `json:"chain_id"`
	Call    string `json:"call"`
	ID      string `json:"id"`
}

// EdgeProposer produces AnchorUpdate proposals for one local anchor.
type EdgeProposer struct {
	store *store.Store
	bus   *events.Bus
	// local identifies the watched anchor; its resource id rides in every
	// proposal as the source.
	local types.ResourceID
	// targets are the linked foreign anchors keyed by nothing in particular;
	// order only affects log output.
	targets []LinkedAnchor
	logger  *log.Logger
}

// NewEdgeProposer creates the proposer for one local anchor and its links.
func NewEdgeProposer(st *store.Store, bus *events.Bus, local types.ResourceID, targets []LinkedAnchor, logger *log.Logger) *EdgeProposer {
	if logger == nil {
		logger = log.New(log.Writer(), "[EdgeProposer] ", log.LstdFlags)
	}
	return &EdgeProposer{
		store:   st,
		bus:     bus,
		local:   local,
		targets: targets,
		logger:  logger,
	}
}

func (h *EdgeProposer) Name() string { return "edge-proposer" }

// Handle fans one root change out to every linked anchor.
func (h *EdgeProposer) Handle(ctx context.Context, ev chains.Event) error {
	if len(ev.Topics) == 0 || ev.Topics[0] != TopicRootChanged {
		return nil
	}
	parsed, err := parseRootChanged(ev)
	if err != nil {
		return types.NewError(types.ErrKindProtocol, "undecodable root change", err)
	}

	srcChain := h.local.ChainID()
	for _, target := range h.targets {
		if err := h.propose(ctx, target, srcChain, parsed); err != nil {
			return err
		}
	}
	return nil
}

// propose builds, suppresses or dispatches one AnchorUpdate.
func (h *EdgeProposer) propose(ctx context.Context, target LinkedAnchor, srcChain types.ChainID, rc RootChangedEvent) error {
	edge, _, err := h.store.GetEdge(target.Resource, srcChain)
	if err != nil {
		return err
	}
	if edge.Root == rc.Root {
		return nil // root already proposed
	}
	nonce := edge.Nonce + 1

	header := types.ProposalHeader{
		ResourceID:  target.Resource,
		FunctionSig: types.FuncSigAnchorUpdate,
		Nonce:       nonce,
	}
	proposal := types.NewAnchorUpdateProposal(header, rc.Root, h.local)

	// The marker is the crash-safe duplicate gate: replays of the same
	// (resource, nonce) stop here.
	fresh, err := h.store.MarkProposal(target.Resource, nonce)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	if err := h.store.SetEdge(target.Resource, srcChain, store.EdgeState{
		Root:      rc.Root,
		LeafIndex: rc.LatestLeafIndex,
		Nonce:     nonce,
	}); err != nil {
		return err
	}

	h.logger.Printf("Proposing AnchorUpdate nonce %d for %s (root %x)", nonce, target.Resource.ChainID(), rc.Root[:8])
	h.publishSigning(target, nonce, "requested")

	// Signing can take minutes on the DKG path; never block the watcher.
	go h.signAndEnqueue(ctx, target, proposal)
	return nil
}

// signAndEnqueue resolves the signature and hands the execution call to the
// target chain's queue. Runs detached from the watcher loop.
func (h *EdgeProposer) signAndEnqueue(ctx context.Context, target LinkedAnchor, proposal types.UnsignedProposal) {
	nonce := proposal.Header.Nonce

	signed, err := target.Backend.Sign(ctx, proposal)
	if err != nil {
		h.publishSigning(target, nonce, "failed")
		h.logger.Printf("Signing failed for %s nonce %d: %v", target.Resource.ChainID(), nonce, err)
		if h.bus != nil {
			h.bus.Publish(events.KindError, map[string]string{
				"kind":    string(types.KindOf(err)),
				"message": err.Error(),
			})
		}
		return
	}
	h.publishSigning(target, nonce, "signed")

	id, err := EnqueueExecuteProposal(target.Queue, target.Bridge, signed, target.GasLimit)
	if err != nil {
		h.logger.Printf("Failed to enqueue proposal execution: %v", err)
		return
	}

	if h.bus != nil {
		h.bus.Publish(events.KindSignatureBridge, BridgeEvent{
			ChainID: fmt.Sprintf("%d", target.Resource.ChainID().ID),
			Call:    "execute_proposal_with_signature",
			ID:      id,
		})
	}
}

func (h *EdgeProposer) publishSigning(target LinkedAnchor, nonce uint32, status string) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.KindSigningBackend, SigningEvent{
		Backend:  target.Backend.Name(),
		Resource: target.Resource.Hex(),
		Nonce:    nonce,
		Status:   status,
	})
}

// EnqueueExecuteProposal packs and enqueues execute_proposal_with_signature,
// deduplicated by (resource, nonce) so racing producers collapse to one
// on-chain transaction.
func EnqueueExecuteProposal(queue *txqueue.Queue, bridge common.Address, signed types.SignedProposal, gasLimit uint64) (string, error) {
	data, err := EncodeExecuteProposal(signed.Proposal.Bytes(), signed.Signature)
	if err != nil {
		return "", types.NewError(types.ErrKindProtocol, "failed to encode proposal execution", err)
	}
	dedup := fmt.Sprintf("%s:%d", signed.Proposal.Header.ResourceID.Hex(), signed.Proposal.Header.Nonce)
	return queue.Enqueue(bridge, data, gasLimit, dedup)
}
