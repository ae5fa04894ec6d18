// Copyright 2025 Webb Technologies
//
// Proposal signing backends
// A backend resolves an unsigned governance proposal to a signed one. The
// mocked variant signs locally with an ECDSA key; the DKG variant dispatches
// to a threshold-signature chain and awaits the signed-proposal event.

package signing

import (
	"context"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// Backend signs proposals. Sign blocks until the proposal is signed, the
// backend rejects it, or ctx expires.
type Backend interface {
	Name() string
	Sign(ctx context.Context, proposal types.UnsignedProposal) (types.SignedProposal, error)
}
