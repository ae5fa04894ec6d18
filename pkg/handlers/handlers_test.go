// Copyright 2025 Webb Technologies
//
// Handler tests: leaf indexing cases, edge-update suppression and the
// governance routing path.

package handlers

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
	"github.com/webb-tools/bridge-relayer/pkg/events"
	"github.com/webb-tools/bridge-relayer/pkg/signing"
	"github.com/webb-tools/bridge-relayer/pkg/store"
	"github.com/webb-tools/bridge-relayer/pkg/txqueue"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

const testGovernorKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

// fakeClient implements chains.Client over canned events.
type fakeClient struct {
	mu     sync.Mutex
	chain  types.ChainID
	events []chains.Event
}

func (f *fakeClient) ChainID() types.ChainID                            { return f.chain }
func (f *fakeClient) LatestBlock(ctx context.Context) (uint64, error)   { return 1000, nil }
func (f *fakeClient) FinalizedBlock(ctx context.Context) (uint64, error) { return 1000, nil }

func (f *fakeClient) FetchEvents(ctx context.Context, from, to uint64, filter chains.EventFilter) ([]chains.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chains.Event
	for _, ev := range f.events {
		if ev.Block >= from && ev.Block <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeClient) SubmitRaw(ctx context.Context, tx []byte) (common.Hash, error) {
	return common.Hash{0x01}, nil
}
func (f *fakeClient) WaitFinalized(ctx context.Context, h common.Hash, confirmations uint64) (*chains.Receipt, error) {
	return &chains.Receipt{TxHash: h, Success: true}, nil
}
func (f *fakeClient) EstimateGas(ctx context.Context, call chains.Call) (uint64, error) {
	return 21000, nil
}
func (f *fakeClient) GasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }
func (f *fakeClient) NextNonce(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeClient) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}
func (f *fakeClient) Close() error { return nil }

func commitmentEvent(t *testing.T, chain types.ChainID, addr common.Address, block uint64, index uint64, leafByte byte) chains.Event {
	t.Helper()
	var leaf [32]byte
	leaf[0] = leafByte
	data, err := EncodeNewCommitment(leaf, index)
	if err != nil {
		t.Fatalf("EncodeNewCommitment: %v", err)
	}
	return chains.Event{
		ChainID: chain,
		Address: addr,
		Topics:  []common.Hash{TopicNewCommitment},
		Data:    data,
		Block:   block,
		Index:   uint(index),
	}
}

func TestLeafIndexerAppendsInOrder(t *testing.T) {
	chain := types.NewEVMChainID(5001)
	addr := common.HexToAddress("0x91eB86019FD8D7c5a9E31143D422850A13F670A3")
	st := store.OpenInMemory()
	defer st.Close()

	client := &fakeClient{chain: chain}
	indexer := NewLeafIndexer(st, client, nil, addr.Hex(), chains.EventFilter{}, nil)

	for i := uint64(0); i < 10; i++ {
		ev := commitmentEvent(t, chain, addr, 100+i, i, byte(i))
		if err := indexer.Handle(context.Background(), ev); err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
	}

	meta, err := st.GetLeafMeta(chain, addr.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if meta.Count != 10 {
		t.Errorf("count = %d, want 10", meta.Count)
	}
}

func TestLeafIndexerIgnoresDuplicates(t *testing.T) {
	chain := types.NewEVMChainID(5001)
	addr := common.HexToAddress("0xaa")
	st := store.OpenInMemory()
	defer st.Close()

	indexer := NewLeafIndexer(st, &fakeClient{chain: chain}, nil, addr.Hex(), chains.EventFilter{}, nil)
	ev := commitmentEvent(t, chain, addr, 100, 0, 1)

	if err := indexer.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	// Replay of the same event (at-least-once delivery).
	if err := indexer.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	meta, _ := st.GetLeafMeta(chain, addr.Hex())
	if meta.Count != 1 {
		t.Errorf("count = %d after replay, want 1", meta.Count)
	}
}

func TestLeafIndexerBackfillsGaps(t *testing.T) {
	chain := types.NewEVMChainID(5001)
	addr := common.HexToAddress("0xbb")
	st := store.OpenInMemory()
	defer st.Close()

	client := &fakeClient{chain: chain}
	// The missed deposits live on-chain and are found during backfill.
	client.events = []chains.Event{
		commitmentEvent(t, chain, addr, 100, 0, 0),
		commitmentEvent(t, chain, addr, 101, 1, 1),
	}

	indexer := NewLeafIndexer(st, client, nil, addr.Hex(), chains.EventFilter{}, nil)

	// First delivery jumps straight to index 2.
	ev := commitmentEvent(t, chain, addr, 105, 2, 2)
	if err := indexer.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle with gap: %v", err)
	}

	meta, _ := st.GetLeafMeta(chain, addr.Hex())
	if meta.Count != 3 {
		t.Fatalf("count = %d after backfill, want 3", meta.Count)
	}
	leaves, _ := st.RangeLeaves(chain, addr.Hex(), 0, 3)
	for i, leaf := range leaves {
		if leaf[0] != byte(i) {
			t.Errorf("leaf %d = %x, out of order", i, leaf[0])
		}
	}
}

func TestLeafIndexerUnfillableGapIsPermanent(t *testing.T) {
	chain := types.NewEVMChainID(5001)
	addr := common.HexToAddress("0xcc")
	st := store.OpenInMemory()
	defer st.Close()

	// No history on chain: the gap cannot be filled.
	indexer := NewLeafIndexer(st, &fakeClient{chain: chain}, nil, addr.Hex(), chains.EventFilter{}, nil)
	ev := commitmentEvent(t, chain, addr, 105, 5, 5)

	err := indexer.Handle(context.Background(), ev)
	if err == nil {
		t.Fatal("expected error for unfillable gap")
	}
	if types.KindOf(err) != types.ErrKindProtocol {
		t.Errorf("kind = %s, want protocol", types.KindOf(err))
	}
}

// edgeFixture wires an EdgeProposer with a Mocked backend and a real queue
// over the in-memory store.
func edgeFixture(t *testing.T, st *store.Store, bus *events.Bus) (*EdgeProposer, *txqueue.Queue, types.ResourceID) {
	t.Helper()
	srcChain := types.NewEVMChainID(5001)
	dstChain := types.NewEVMChainID(5002)

	backend, err := signing.NewMocked(testGovernorKey)
	if err != nil {
		t.Fatal(err)
	}
	queue := txqueue.New(&fakeClient{chain: dstChain}, st, txqueue.RawSigner{}, bus, nil, txqueue.Config{}, nil)

	localAnchor := common.HexToAddress("0x1111")
	foreignAnchor := common.HexToAddress("0x2222")
	bridge := common.HexToAddress("0x3333")

	local := types.NewResourceIDFromContract(localAnchor, srcChain)
	foreign := types.NewResourceIDFromContract(foreignAnchor, dstChain)

	proposer := NewEdgeProposer(st, bus, local, []LinkedAnchor{{
		Resource: foreign,
		Bridge:   bridge,
		Backend:  backend,
		Queue:    queue,
	}}, nil)
	return proposer, queue, foreign
}

func rootChangedEvent(t *testing.T, chain types.ChainID, root byte, leafIndex uint64, block uint64) chains.Event {
	t.Helper()
	var r [32]byte
	r[0] = root
	data, err := EncodeRootChanged(r, leafIndex)
	if err != nil {
		t.Fatal(err)
	}
	return chains.Event{
		ChainID: chain,
		Topics:  []common.Hash{TopicRootChanged},
		Data:    data,
		Block:   block,
	}
}

func waitForQueueDepth(t *testing.T, st *store.Store, chain types.ChainID, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		depth, err := st.QueueDepth(chain)
		if err != nil {
			t.Fatal(err)
		}
		if depth == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("queue depth %d never reached (at %d)", want, depth)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEdgeProposerEnqueuesExecution(t *testing.T) {
	st := store.OpenInMemory()
	defer st.Close()
	srcChain := types.NewEVMChainID(5001)
	dstChain := types.NewEVMChainID(5002)

	proposer, _, foreign := edgeFixture(t, st, nil)

	ev := rootChangedEvent(t, srcChain, 0xaa, 4, 200)
	if err := proposer.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	waitForQueueDepth(t, st, dstChain, 1)

	edge, ok, err := st.GetEdge(foreign, srcChain)
	if err != nil || !ok {
		t.Fatalf("edge: ok=%v err=%v", ok, err)
	}
	if edge.Nonce != 1 {
		t.Errorf("edge nonce = %d, want 1", edge.Nonce)
	}
	if edge.Root[0] != 0xaa || edge.LeafIndex != 4 {
		t.Errorf("edge = %+v", edge)
	}
}

func TestEdgeProposerSuppressesSameRoot(t *testing.T) {
	st := store.OpenInMemory()
	defer st.Close()
	srcChain := types.NewEVMChainID(5001)
	dstChain := types.NewEVMChainID(5002)

	proposer, _, _ := edgeFixture(t, st, nil)

	ev := rootChangedEvent(t, srcChain, 0xaa, 4, 200)
	if err := proposer.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	waitForQueueDepth(t, st, dstChain, 1)

	// Replay (crash recovery) and an identical root: both suppressed.
	if err := proposer.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := proposer.Handle(context.Background(), rootChangedEvent(t, srcChain, 0xaa, 4, 201)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	depth, _ := st.QueueDepth(dstChain)
	if depth != 1 {
		t.Errorf("queue depth = %d after replays, want 1", depth)
	}
}

func TestEdgeProposerAdvancesNonce(t *testing.T) {
	st := store.OpenInMemory()
	defer st.Close()
	srcChain := types.NewEVMChainID(5001)
	dstChain := types.NewEVMChainID(5002)

	proposer, _, foreign := edgeFixture(t, st, nil)

	if err := proposer.Handle(context.Background(), rootChangedEvent(t, srcChain, 0xaa, 4, 200)); err != nil {
		t.Fatal(err)
	}
	waitForQueueDepth(t, st, dstChain, 1)
	if err := proposer.Handle(context.Background(), rootChangedEvent(t, srcChain, 0xbb, 6, 210)); err != nil {
		t.Fatal(err)
	}
	waitForQueueDepth(t, st, dstChain, 2)

	edge, _, _ := st.GetEdge(foreign, srcChain)
	if edge.Nonce != 2 {
		t.Errorf("edge nonce = %d, want 2", edge.Nonce)
	}
}

func TestGovernanceHandlerRoutesToTarget(t *testing.T) {
	st := store.OpenInMemory()
	defer st.Close()
	dstChain := types.NewEVMChainID(5002)
	queue := txqueue.New(&fakeClient{chain: dstChain}, st, txqueue.RawSigner{}, nil, nil, txqueue.Config{}, nil)

	foreign := types.NewResourceIDFromContract(common.HexToAddress("0x2222"), dstChain)
	header := types.ProposalHeader{ResourceID: foreign, FunctionSig: types.FuncSigAnchorUpdate, Nonce: 9}
	var root [32]byte
	proposal := types.NewAnchorUpdateProposal(header, root, types.NewResourceIDFromContract(common.HexToAddress("0x1111"), types.NewEVMChainID(5001)))

	handler := NewGovernanceHandler(nil, nil, map[types.ChainID]GovernanceTarget{
		dstChain: {Bridge: common.HexToAddress("0x3333"), Queue: queue},
	}, nil)

	ev := chains.Event{
		ChainID: types.NewSubstrateChainID(1080),
		Pallet:  "dkgProposalHandler",
		Topics:  []common.Hash{chains.TopicSubstrateProposalSigned},
		Data: chains.EncodeSubstrateProposalSigned(chains.SubstrateProposalSignedEvent{
			ResourceID: foreign,
			Data:       proposal.Bytes(),
			Signature:  []byte{0x01, 0x02},
		}),
		Block: 50,
	}

	if err := handler.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	depth, err := st.QueueDepth(dstChain)
	if err != nil || depth != 1 {
		t.Errorf("queue depth = %d, %v", depth, err)
	}

	// Same announcement again: the dedup key collapses it.
	if err := handler.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	depth, _ = st.QueueDepth(dstChain)
	if depth != 1 {
		t.Errorf("queue depth = %d after replay, want 1", depth)
	}
}
