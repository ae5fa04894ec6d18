// Copyright 2025 Webb Technologies
//
// Store tests over the in-memory backend.

package store

import (
	"testing"
	"time"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

func testLeaf(b byte) [32]byte {
	var leaf [32]byte
	leaf[0] = b
	return leaf
}

func TestAppendLeafSequence(t *testing.T) {
	st := OpenInMemory()
	defer st.Close()
	chain := types.NewEVMChainID(5001)

	for i := 0; i < 5; i++ {
		index, err := st.AppendLeaf(chain, "0xabc", testLeaf(byte(i)), uint64(100+i))
		if err != nil {
			t.Fatalf("AppendLeaf %d: %v", i, err)
		}
		if index != uint64(i) {
			t.Errorf("append %d returned index %d", i, index)
		}
	}

	meta, err := st.GetLeafMeta(chain, "0xabc")
	if err != nil {
		t.Fatalf("GetLeafMeta: %v", err)
	}
	if meta.Count != 5 {
		t.Errorf("count = %d, want 5", meta.Count)
	}
	if meta.LastBlock != 104 {
		t.Errorf("last block = %d, want 104", meta.LastBlock)
	}

	leaves, err := st.RangeLeaves(chain, "0xabc", 0, 5)
	if err != nil {
		t.Fatalf("RangeLeaves: %v", err)
	}
	if len(leaves) != 5 {
		t.Fatalf("got %d leaves", len(leaves))
	}
	for i, leaf := range leaves {
		if leaf != testLeaf(byte(i)) {
			t.Errorf("leaf %d out of order", i)
		}
	}

	// Clamped and empty ranges.
	leaves, err = st.RangeLeaves(chain, "0xabc", 3, 100)
	if err != nil || len(leaves) != 2 {
		t.Errorf("clamped range: %d leaves, err %v", len(leaves), err)
	}
	leaves, err = st.RangeLeaves(chain, "0xabc", 5, 5)
	if err != nil || leaves != nil {
		t.Errorf("empty range: %v, err %v", leaves, err)
	}
}

func TestLeafNamespacesAreIsolated(t *testing.T) {
	st := OpenInMemory()
	defer st.Close()

	if _, err := st.AppendLeaf(types.NewEVMChainID(1), "0xabc", testLeaf(1), 1); err != nil {
		t.Fatal(err)
	}
	meta, err := st.GetLeafMeta(types.NewEVMChainID(2), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Count != 0 {
		t.Errorf("other chain sees count %d", meta.Count)
	}
}

func TestCursor(t *testing.T) {
	st := OpenInMemory()
	defer st.Close()
	chain := types.NewEVMChainID(5001)

	if _, ok, err := st.GetCursor(chain, "w"); err != nil || ok {
		t.Fatalf("fresh cursor: ok=%v err=%v", ok, err)
	}
	if err := st.SetCursor(chain, "w", 1234); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	height, ok, err := st.GetCursor(chain, "w")
	if err != nil || !ok || height != 1234 {
		t.Errorf("GetCursor = (%d, %v, %v)", height, ok, err)
	}
}

func TestEdgeState(t *testing.T) {
	st := OpenInMemory()
	defer st.Close()
	resource := types.NewResourceIDFromContract([20]byte{0x01}, types.NewEVMChainID(5002))
	src := types.NewEVMChainID(5001)

	if _, ok, err := st.GetEdge(resource, src); err != nil || ok {
		t.Fatalf("fresh edge: ok=%v err=%v", ok, err)
	}

	want := EdgeState{Root: testLeaf(9), LeafIndex: 3, Nonce: 2}
	if err := st.SetEdge(resource, src, want); err != nil {
		t.Fatalf("SetEdge: %v", err)
	}
	got, ok, err := st.GetEdge(resource, src)
	if err != nil || !ok {
		t.Fatalf("GetEdge: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("edge = %+v, want %+v", got, want)
	}
}

func TestProposalMarkers(t *testing.T) {
	st := OpenInMemory()
	defer st.Close()
	resource := types.NewResourceIDFromContract([20]byte{0x02}, types.NewEVMChainID(5002))

	fresh, err := st.MarkProposal(resource, 7)
	if err != nil || !fresh {
		t.Fatalf("first mark: fresh=%v err=%v", fresh, err)
	}
	fresh, err = st.MarkProposal(resource, 7)
	if err != nil || fresh {
		t.Fatalf("duplicate mark: fresh=%v err=%v", fresh, err)
	}
	has, err := st.HasProposal(resource, 7)
	if err != nil || !has {
		t.Errorf("HasProposal(7) = %v, %v", has, err)
	}
	has, err = st.HasProposal(resource, 8)
	if err != nil || has {
		t.Errorf("HasProposal(8) = %v, %v", has, err)
	}
}

func TestTxQueueFIFOAndDedup(t *testing.T) {
	st := OpenInMemory()
	defer st.Close()
	chain := types.NewEVMChainID(5002)

	mkRec := func(id, dedup string) *TxRecord {
		return &TxRecord{
			ID:        id,
			ChainID:   chain,
			Data:      []byte{0x01},
			DedupKey:  dedup,
			State:     TxStatePending,
			CreatedAt: time.Now(),
		}
	}

	// ULIDs sort lexicographically; simulate with ordered ids.
	for _, id := range []string{"01AAA", "01BBB", "01CCC"} {
		if _, inserted, err := st.EnqueueTx(mkRec(id, "k-"+id)); err != nil || !inserted {
			t.Fatalf("enqueue %s: inserted=%v err=%v", id, inserted, err)
		}
	}

	// Duplicate dedup key collapses to the existing id.
	id, inserted, err := st.EnqueueTx(mkRec("01DDD", "k-01BBB"))
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if inserted || id != "01BBB" {
		t.Errorf("duplicate enqueue: inserted=%v id=%s", inserted, id)
	}

	first, err := st.FirstPendingTx(chain, time.Now())
	if err != nil || first == nil {
		t.Fatalf("FirstPendingTx: %v, %v", first, err)
	}
	if first.ID != "01AAA" {
		t.Errorf("head = %s, want 01AAA", first.ID)
	}

	// Items scheduled in the future are not runnable.
	first.NextAttemptAt = time.Now().Add(time.Hour)
	if err := st.SaveTx(first); err != nil {
		t.Fatal(err)
	}
	next, err := st.FirstPendingTx(chain, time.Now())
	if err != nil || next == nil {
		t.Fatalf("FirstPendingTx after defer: %v, %v", next, err)
	}
	if next.ID != "01BBB" {
		t.Errorf("head after defer = %s, want 01BBB", next.ID)
	}

	depth, err := st.QueueDepth(chain)
	if err != nil || depth != 3 {
		t.Errorf("depth = %d, %v", depth, err)
	}

	// Delete releases the dedup key for reuse.
	rec, err := st.GetTx(chain, "01BBB")
	if err != nil || rec == nil {
		t.Fatalf("GetTx: %v, %v", rec, err)
	}
	if err := st.DeleteTx(rec); err != nil {
		t.Fatalf("DeleteTx: %v", err)
	}
	_, inserted, err = st.EnqueueTx(mkRec("01EEE", "k-01BBB"))
	if err != nil || !inserted {
		t.Errorf("re-enqueue after delete: inserted=%v err=%v", inserted, err)
	}
}

func TestDeadLetterLog(t *testing.T) {
	st := OpenInMemory()
	defer st.Close()
	chain := types.NewSubstrateChainID(1080)

	for i := 0; i < 3; i++ {
		dl := DeadLetter{Watcher: "pallet/mt", Block: uint64(i), Reason: "boom", At: time.Now()}
		if err := st.AppendDeadLetter(chain, dl); err != nil {
			t.Fatalf("AppendDeadLetter %d: %v", i, err)
		}
	}
	list, err := st.ListDeadLetters(chain)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d dead letters", len(list))
	}
	for i, dl := range list {
		if dl.Block != uint64(i) {
			t.Errorf("dead letter %d has block %d", i, dl.Block)
		}
	}
}
