// Copyright 2025 Webb Technologies
//
// Governance-proposal handler
// Watches the DKG chain for ProposalSigned announcements, completes any
// in-flight signing waits and routes the signed proposal to its target
// chain's queue. The enqueue dedup key makes this safe to run alongside the
// proposer path that awaits the same signature.

package handlers

import (
	"context"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
	"github.com/webb-tools/bridge-relayer/pkg/events"
	"github.com/webb-tools/bridge-relayer/pkg/signing"
	"github.com/webb-tools/bridge-relayer/pkg/txqueue"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// GovernanceTarget routes signed proposals for one destination chain.
type GovernanceTarget struct {
	Bridge   common.Address
	Queue    *txqueue.Queue
	GasLimit uint64
}

// GovernanceHandler reacts to the DKG chain's ProposalSigned events.
type GovernanceHandler struct {
	backend *signing.DKGNode
	bus     *events.Bus
	// targets maps a destination chain to its bridge and queue.
	targets map[types.ChainID]GovernanceTarget
	logger  *log.Logger
}

// NewGovernanceHandler creates the handler for one DKG chain watcher.
func NewGovernanceHandler(backend *signing.DKGNode, bus *events.Bus, targets map[types.ChainID]GovernanceTarget, logger *log.Logger) *GovernanceHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[Governance] ", log.LstdFlags)
	}
	return &GovernanceHandler{
		backend: backend,
		bus:     bus,
		targets: targets,
		logger:  logger,
	}
}

func (h *GovernanceHandler) Name() string { return "governance-proposal" }

// Handle processes one ProposalSigned announcement.
func (h *GovernanceHandler) Handle(_ context.Context, ev chains.Event) error {
	if len(ev.Topics) == 0 || ev.Topics[0] != chains.TopicSubstrateProposalSigned {
		return nil
	}
	signed, err := chains.DecodeSubstrateProposalSigned(ev.Data)
	if err != nil {
		return types.NewError(types.ErrKindProtocol, "undecodable ProposalSigned", err)
	}

	// Wake any local waiter first; its path enqueues through the same dedup
	// key, so double-routing is harmless.
	if h.backend != nil {
		h.backend.Complete(signed.Data, signed.Signature)
	}

	proposal, err := types.DecodeUnsignedProposal(signed.Data)
	if err != nil {
		return types.NewError(types.ErrKindProtocol, "undecodable proposal payload", err)
	}

	targetChain := proposal.Header.ResourceID.ChainID()
	target, ok := h.targets[targetChain]
	if !ok {
		h.logger.Printf("No route for signed proposal targeting %s (nonce %d)", targetChain, proposal.Header.Nonce)
		return nil
	}

	id, err := EnqueueExecuteProposal(target.Queue, target.Bridge, types.SignedProposal{
		Proposal:  proposal,
		Signature: signed.Signature,
	}, target.GasLimit)
	if err != nil {
		return err
	}

	h.logger.Printf("Routed signed %s proposal (nonce %d) to %s as %s",
		proposal.Kind(), proposal.Header.Nonce, targetChain, id)
	if h.bus != nil {
		h.bus.Publish(events.KindSignatureBridge, BridgeEvent{
			ChainID: fmt.Sprintf("%d", targetChain.ID),
			Call:    "execute_proposal_with_signature",
			ID:      id,
		})
	}
	return nil
}
