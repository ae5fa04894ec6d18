// Copyright 2025 Webb Technologies
//
// Raw transaction decoding and submit-error classification for EVM chains.

package chains

import (
	"strings"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// gethTransaction decodes the canonical binary encoding of a signed
// transaction.
type gethTransaction struct {
	tx *gethtypes.Transaction
}

func (g *gethTransaction) UnmarshalBinary(b []byte) error {
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return err
	}
	g.tx = tx
	return nil
}

// classifySubmitError maps node rejections onto the error taxonomy. Nonce
// and pricing races clear on resubmission; anything else from the node is a
// permanent chain error.
func classifySubmitError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "transaction underpriced"),
		strings.Contains(msg, "already known"):
		return types.NewTransientChainError(err)
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "eof"):
		return types.NewError(types.ErrKindNetwork, "submit failed", err)
	default:
		return types.NewError(types.ErrKindChain, "submit rejected", err)
	}
}
