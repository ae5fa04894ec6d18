// Copyright 2025 Webb Technologies
//
// Substrate chain client
// Speaks JSON-RPC 2.0 to a Substrate node over HTTP. The optional WebSocket
// endpoint is used only for the finalized-heads subscription. Events are read from the
// System.Events storage item per block and decoded against the fixed layouts
// of the bridge pallets this relayer watches.

package chains

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// systemEventsKey is the well-known storage key of System.Events
// (twox128("System") ++ twox128("Events")).
const systemEventsKey = "0x26aa394eea5630e07c48ae0c9558cef780d41e5e16056765bc8461851072c9d7"

// Bridge pallet/event indices in the watched runtimes. The relayer only
// decodes these; any other record in a block's event list stops decoding for
// that block and surfaces a protocol error.
const (
	palletMerkleTree         = 0x23
	eventLeafInsertion       = 0x00
	palletDKGProposalHandler = 0x27
	eventProposalSigned      = 0x01
)

// SubstrateLeafEvent is a merkle-tree pallet leaf insertion.
type SubstrateLeafEvent struct {
	TreeID    uint32
	LeafIndex uint32
	Leaf      [32]byte
}

// SubstrateProposalSignedEvent is the DKG proposal-handler's signed-proposal
// announcement.
type SubstrateProposalSignedEvent struct {
	ResourceID types.ResourceID
	Data       []byte
	Signature  []byte
}

// SubstrateClient implements Client over a Substrate node's RPC.
type SubstrateClient struct {
	chainID   types.ChainID
	httpURL   string
	wsURL     string
	blockTime time.Duration

	httpClient *http.Client
	reqID      atomic.Uint64

	mu      sync.Mutex
	ws      *websocket.Conn
	backoff reconnectBackoff

	logger *log.Logger
}

// NewSubstrateClient creates a client for one Substrate chain.
func NewSubstrateClient(chainID types.ChainID, httpURL, wsURL string, blockTime time.Duration, logger *log.Logger) *SubstrateClient {
	if logger == nil {
		logger = log.New(log.Writer(), "[SubstrateClient] ", log.LstdFlags)
	}
	if blockTime == 0 {
		blockTime = 6 * time.Second
	}
	return &SubstrateClient{
		chainID:    chainID,
		httpURL:    httpURL,
		wsURL:      wsURL,
		blockTime:  blockTime,
		httpClient: &http.Client{Timeout: DefaultRPCTimeout},
		logger:     logger,
	}
}

func (c *SubstrateClient) ChainID() types.ChainID { return c.chainID }

// ====== JSON-RPC transport ======

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC request over HTTP (the WS transport exists for
// subscriptions; plain calls go over HTTP for simplicity and retryability).
func (c *SubstrateClient) call(ctx context.Context, method string, params []any, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return types.NewError(types.ErrKindNetwork, fmt.Sprintf("rpc %s failed", method), err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return types.NewError(types.ErrKindNetwork, fmt.Sprintf("rpc %s: bad response", method), err)
	}
	if rpcResp.Error != nil {
		return types.NewError(types.ErrKindChain, fmt.Sprintf("rpc %s rejected", method), rpcResp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return types.NewError(types.ErrKindProtocol, fmt.Sprintf("rpc %s: bad result", method), err)
		}
	}
	return nil
}

// ====== Heights ======

type chainHeader struct {
	Number string `json:"number"`
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	var v uint64
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, fmt.Errorf("invalid hex number %q: %w", s, err)
	}
	return v, nil
}

func (c *SubstrateClient) LatestBlock(ctx context.Context) (uint64, error) {
	var header chainHeader
	if err := c.call(ctx, "chain_getHeader", nil, &header); err != nil {
		return 0, err
	}
	return parseHexUint(header.Number)
}

// FinalizedBlock uses the chain's finality gadget. When the node does not
// expose a finalized head, WaitFinalized falls back to waiting
// confirmations × the expected block time.
func (c *SubstrateClient) FinalizedBlock(ctx context.Context) (uint64, error) {
	var hash string
	if err := c.call(ctx, "chain_getFinalizedHead", nil, &hash); err != nil {
		return 0, err
	}
	var header chainHeader
	if err := c.call(ctx, "chain_getHeader", []any{hash}, &header); err != nil {
		return 0, err
	}
	return parseHexUint(header.Number)
}

func (c *SubstrateClient) blockHash(ctx context.Context, height uint64) (string, error) {
	var hash string
	if err := c.call(ctx, "chain_getBlockHash", []any{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// ====== Events ======

// FetchEvents reads System.Events for every block in [from, to] and decodes
// the bridge pallets' records.
func (c *SubstrateClient) FetchEvents(ctx context.Context, from, to uint64, filter EventFilter) ([]Event, error) {
	var events []Event
	for height := from; height <= to; height++ {
		hash, err := c.blockHash(ctx, height)
		if err != nil {
			return nil, err
		}
		var raw *string
		if err := c.call(ctx, "state_getStorage", []any{systemEventsKey, hash}, &raw); err != nil {
			return nil, err
		}
		if raw == nil || *raw == "" {
			continue
		}
		data, err := hex.DecodeString(strings.TrimPrefix(*raw, "0x"))
		if err != nil {
			return nil, types.NewError(types.ErrKindProtocol, "invalid events storage hex", err)
		}
		blockEvents, err := c.decodeBlockEvents(data, height, filter)
		if err != nil {
			return nil, err
		}
		events = append(events, blockEvents...)
	}
	return events, nil
}

// decodeBlockEvents walks a SCALE Vec<EventRecord>, keeping records from the
// bridge pallets and re-encoding their field bytes into Event.Data.
func (c *SubstrateClient) decodeBlockEvents(data []byte, height uint64, filter EventFilter) ([]Event, error) {
	r := newScaleReader(data)
	count, err := r.compact()
	if err != nil {
		return nil, types.NewError(types.ErrKindProtocol, "bad event count", err)
	}

	var events []Event
	for i := uint64(0); i < count; i++ {
		// Phase: 0 = ApplyExtrinsic(u32), 1 = Finalization, 2 = Initialization.
		phase, err := r.byte()
		if err != nil {
			return nil, types.NewError(types.ErrKindProtocol, "bad event phase", err)
		}
		if phase == 0 {
			if _, err := r.uint32(); err != nil {
				return nil, types.NewError(types.ErrKindProtocol, "bad extrinsic index", err)
			}
		}

		palletIdx, err := r.byte()
		if err != nil {
			return nil, types.NewError(types.ErrKindProtocol, "bad pallet index", err)
		}
		eventIdx, err := r.byte()
		if err != nil {
			return nil, types.NewError(types.ErrKindProtocol, "bad event index", err)
		}

		pallet, fields, err := decodeKnownEvent(r, palletIdx, eventIdx)
		if err != nil {
			// Unknown layout: without runtime metadata the rest of the list
			// cannot be skipped. Surface as a protocol error for the block.
			return nil, types.NewError(types.ErrKindProtocol,
				fmt.Sprintf("undecodable event %#02x.%#02x at block %d", palletIdx, eventIdx, height), err)
		}

		if filter.Pallet != "" && filter.Pallet != pallet {
			continue
		}
		events = append(events, Event{
			ChainID: c.chainID,
			Pallet:  pallet,
			Topics:  []common.Hash{eventTopic(palletIdx, eventIdx)},
			Data:    fields,
			Block:   height,
			Index:   uint(i),
		})
	}
	return events, nil
}

// eventTopic gives pallet events a stable topic so handlers can match on
// Topics[0] the same way they do for EVM logs.
func eventTopic(palletIdx, eventIdx byte) common.Hash {
	return common.BytesToHash(crypto.Keccak256([]byte{palletIdx, eventIdx}))
}

// TopicSubstrateLeafInsertion and TopicSubstrateProposalSigned are the
// synthesized topics for the two decoded pallet events.
var (
	TopicSubstrateLeafInsertion  = eventTopic(palletMerkleTree, eventLeafInsertion)
	TopicSubstrateProposalSigned = eventTopic(palletDKGProposalHandler, eventProposalSigned)
)

// decodeKnownEvent consumes one known record's fields and returns them
// re-encoded (the original field bytes) plus the pallet name.
func decodeKnownEvent(r *scaleReader, palletIdx, eventIdx byte) (string, []byte, error) {
	start := r.off
	switch {
	case palletIdx == palletMerkleTree && eventIdx == eventLeafInsertion:
		if _, err := r.uint32(); err != nil { // tree id
			return "", nil, err
		}
		if _, err := r.uint32(); err != nil { // leaf index
			return "", nil, err
		}
		if _, err := r.take(32); err != nil { // leaf
			return "", nil, err
		}
		return "mt", r.buf[start:r.off], nil
	case palletIdx == palletDKGProposalHandler && eventIdx == eventProposalSigned:
		if _, err := r.take(32); err != nil { // resource id
			return "", nil, err
		}
		if _, err := r.bytesVec(); err != nil { // proposal data
			return "", nil, err
		}
		if _, err := r.bytesVec(); err != nil { // signature
			return "", nil, err
		}
		return "dkgProposalHandler", r.buf[start:r.off], nil
	default:
		return "", nil, fmt.Errorf("no decoder registered")
	}
}

// DecodeSubstrateLeafEvent parses the field bytes of a leaf insertion.
func DecodeSubstrateLeafEvent(data []byte) (SubstrateLeafEvent, error) {
	var ev SubstrateLeafEvent
	r := newScaleReader(data)
	var err error
	if ev.TreeID, err = r.uint32(); err != nil {
		return ev, fmt.Errorf("failed to decode tree id: %w", err)
	}
	if ev.LeafIndex, err = r.uint32(); err != nil {
		return ev, fmt.Errorf("failed to decode leaf index: %w", err)
	}
	leaf, err := r.take(32)
	if err != nil {
		return ev, fmt.Errorf("failed to decode leaf: %w", err)
	}
	copy(ev.Leaf[:], leaf)
	return ev, nil
}

// EncodeSubstrateLeafEvent is the inverse, used by tests and fixtures.
func EncodeSubstrateLeafEvent(ev SubstrateLeafEvent) []byte {
	var w scaleWriter
	w.uint32(ev.TreeID)
	w.uint32(ev.LeafIndex)
	w.write(ev.Leaf[:])
	return w.buf
}

// DecodeSubstrateProposalSigned parses the field bytes of a ProposalSigned
// announcement.
func DecodeSubstrateProposalSigned(data []byte) (SubstrateProposalSignedEvent, error) {
	var ev SubstrateProposalSignedEvent
	r := newScaleReader(data)
	rid, err := r.take(32)
	if err != nil {
		return ev, fmt.Errorf("failed to decode resource id: %w", err)
	}
	copy(ev.ResourceID[:], rid)
	if ev.Data, err = r.bytesVec(); err != nil {
		return ev, fmt.Errorf("failed to decode proposal data: %w", err)
	}
	if ev.Signature, err = r.bytesVec(); err != nil {
		return ev, fmt.Errorf("failed to decode signature: %w", err)
	}
	return ev, nil
}

// EncodeSubstrateProposalSigned is the inverse, used by tests and fixtures.
func EncodeSubstrateProposalSigned(ev SubstrateProposalSignedEvent) []byte {
	var w scaleWriter
	w.write(ev.ResourceID[:])
	w.bytesVec(ev.Data)
	w.bytesVec(ev.Signature)
	return w.buf
}

// ====== Submission ======

// BuildSubmitUnsignedProposalExtrinsic wraps a proposal into the DKG chain's
// unsigned extrinsic payload. Unsigned extrinsics carry no signature block:
// version byte (0x04) followed by the call (pallet, call index, args).
func BuildSubmitUnsignedProposalExtrinsic(proposal []byte) []byte {
	var call scaleWriter
	call.byte(palletDKGProposalHandler)
	call.byte(0x00) // submit_unsigned_proposal
	call.bytesVec(proposal)

	var extrinsic scaleWriter
	extrinsic.byte(0x04)
	extrinsic.write(call.buf)

	var framed scaleWriter
	framed.bytesVec(extrinsic.buf)
	return framed.buf
}

func (c *SubstrateClient) SubmitRaw(ctx context.Context, tx []byte) (common.Hash, error) {
	var hash string
	param := "0x" + hex.EncodeToString(tx)
	if err := c.call(ctx, "author_submitExtrinsic", []any{param}, &hash); err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(hash), nil
}

// WaitFinalized polls the finalized head until it passes the submission
// height plus confirmations. Substrate finality is per-block, so once the
// finalized head passes the extrinsic's block it is final. While the node
// does not return a finalized head, finality is approximated by waiting
// confirmations × the expected block time.
func (c *SubstrateClient) WaitFinalized(ctx context.Context, h common.Hash, confirmations uint64) (*Receipt, error) {
	start, err := c.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	target := start + confirmations
	fallbackAt := time.Now().Add(time.Duration(confirmations) * c.blockTime)

	ticker := time.NewTicker(c.blockTime)
	defer ticker.Stop()
	for {
		final, err := c.FinalizedBlock(ctx)
		if err == nil && final >= target {
			return &Receipt{TxHash: h, Block: final, Success: true}, nil
		}
		if err != nil && !time.Now().Before(fallbackAt) {
			return &Receipt{TxHash: h, Block: target, Success: true}, nil
		}

		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrKindNetwork, "finalization wait expired", ctx.Err())
		case <-ticker.C:
		}
	}
}

// EstimateGas is weight-based on Substrate; the queue uses the configured
// limit, so estimation returns zero.
func (c *SubstrateClient) EstimateGas(ctx context.Context, call Call) (uint64, error) {
	return 0, nil
}

// GasPrice has no Substrate equivalent; fees are computed on-chain.
func (c *SubstrateClient) GasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

// NextNonce queries the system account nonce.
func (c *SubstrateClient) NextNonce(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	if err := c.call(ctx, "system_accountNextIndex", []any{account.Hex()}, &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// Balance is not used on Substrate targets; fee quoting is EVM-only.
func (c *SubstrateClient) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

// Close shuts the optional WS transport.
func (c *SubstrateClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		err := c.ws.Close()
		c.ws = nil
		return err
	}
	return nil
}

// Subscribe opens a WS subscription to finalized heads, reporting each new
// height on the returned channel. The watcher engine does not use it; it
// relies on polling alone.
func (c *SubstrateClient) Subscribe(ctx context.Context) (<-chan uint64, error) {
	if c.wsURL == "" {
		return nil, types.NewError(types.ErrKindConfig, "no ws endpoint configured", nil)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, types.NewError(types.ErrKindNetwork, "failed to dial ws endpoint", err)
	}
	c.mu.Lock()
	c.ws = conn
	c.mu.Unlock()

	sub := rpcRequest{JSONRPC: "2.0", ID: c.reqID.Add(1), Method: "chain_subscribeFinalizedHeads", Params: nil}
	if err := conn.WriteJSON(&sub); err != nil {
		conn.Close()
		return nil, types.NewError(types.ErrKindNetwork, "failed to subscribe", err)
	}

	heights := make(chan uint64, 16)
	go func() {
		defer close(heights)
		defer conn.Close()
		for {
			var msg struct {
				Params struct {
					Result chainHeader `json:"result"`
				} `json:"params"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				c.logger.Printf("WS subscription closed for %s: %v", c.chainID, err)
				return
			}
			if msg.Params.Result.Number == "" {
				continue
			}
			height, err := parseHexUint(msg.Params.Result.Number)
			if err != nil {
				continue
			}
			select {
			case heights <- height:
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return heights, nil
}
