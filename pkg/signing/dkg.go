// Copyright 2025 Webb Technologies
//
// DKG signing backend
// Submits the unsigned proposal to the DKG chain as an extrinsic, then waits
// for the matching ProposalSigned event. Correlation is by
// keccak256(proposal bytes); the DKG chain's watcher completes the wait via
// the governance handler.

package signing

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// DefaultDKGTimeout bounds one signing round trip.
const DefaultDKGTimeout = 10 * time.Minute

// DKGNode signs proposals through a threshold-signature chain.
type DKGNode struct {
	client  chains.Client
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	pending map[[32]byte]chan types.SignedProposal
}

// NewDKGNode creates a backend dispatching to the given DKG chain client.
func NewDKGNode(client chains.Client, timeout time.Duration, logger *log.Logger) *DKGNode {
	if logger == nil {
		logger = log.New(log.Writer(), "[DKGBackend] ", log.LstdFlags)
	}
	if timeout == 0 {
		timeout = DefaultDKGTimeout
	}
	return &DKGNode{
		client:  client,
		timeout: timeout,
		logger:  logger,
		pending: make(map[[32]byte]chan types.SignedProposal),
	}
}

func (d *DKGNode) Name() string { return "DKGNode" }

// ChainID identifies the DKG chain this backend dispatches to.
func (d *DKGNode) ChainID() types.ChainID { return d.client.ChainID() }

// Sign submits the proposal and blocks until the DKG announces the signed
// proposal, the timeout expires (retryable), or ctx is cancelled.
func (d *DKGNode) Sign(ctx context.Context, proposal types.UnsignedProposal) (types.SignedProposal, error) {
	key := proposal.Hash()

	d.mu.Lock()
	if _, exists := d.pending[key]; exists {
		d.mu.Unlock()
		// Another task is already awaiting this exact proposal.
		return types.SignedProposal{}, types.NewError(types.ErrKindSigning,
			fmt.Sprintf("proposal %x already in flight", key[:8]), nil)
	}
	done := make(chan types.SignedProposal, 1)
	d.pending[key] = done
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
	}()

	extrinsic := chains.BuildSubmitUnsignedProposalExtrinsic(proposal.Bytes())
	if _, err := d.client.SubmitRaw(ctx, extrinsic); err != nil {
		return types.SignedProposal{}, types.NewError(types.ErrKindSigning, "failed to submit unsigned proposal", err)
	}
	d.logger.Printf("Submitted proposal %x to DKG chain %s, awaiting signature", key[:8], d.client.ChainID())

	select {
	case signed := <-done:
		return signed, nil
	case <-time.After(d.timeout):
		return types.SignedProposal{}, types.NewError(types.ErrKindSigning,
			fmt.Sprintf("timed out waiting for DKG signature on %x", key[:8]), nil)
	case <-ctx.Done():
		return types.SignedProposal{}, types.NewError(types.ErrKindSigning, "signing cancelled", ctx.Err())
	}
}

// Complete delivers a ProposalSigned announcement from the DKG chain. It
// returns true when a waiter was matched; unmatched announcements belong to
// proposals this instance did not originate (another relayer's, or a
// restart) and flow to the governance handler regardless.
func (d *DKGNode) Complete(proposalBytes, signature []byte) bool {
	unsigned, err := types.DecodeUnsignedProposal(proposalBytes)
	if err != nil {
		d.logger.Printf("Undecodable signed proposal from DKG: %v", err)
		return false
	}
	key := unsigned.Hash()

	d.mu.Lock()
	done, ok := d.pending[key]
	d.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case done <- types.SignedProposal{Proposal: unsigned, Signature: signature}:
	default:
	}
	return true
}
