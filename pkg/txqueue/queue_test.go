// Copyright 2025 Webb Technologies
//
// Transaction queue tests against a scriptable chain client.

package txqueue

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
	"github.com/webb-tools/bridge-relayer/pkg/events"
	"github.com/webb-tools/bridge-relayer/pkg/store"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// scriptedClient lets tests fail the first N submissions.
type scriptedClient struct {
	mu          sync.Mutex
	chain       types.ChainID
	submitted   [][]byte
	failFirst   int
	failWith    error
	nonce       uint64
	gasPrice    *big.Int
}

func newScriptedClient(chain types.ChainID) *scriptedClient {
	return &scriptedClient{chain: chain, gasPrice: big.NewInt(1e9)}
}

func (c *scriptedClient) ChainID() types.ChainID                             { return c.chain }
func (c *scriptedClient) LatestBlock(ctx context.Context) (uint64, error)    { return 100, nil }
func (c *scriptedClient) FinalizedBlock(ctx context.Context) (uint64, error) { return 100, nil }
func (c *scriptedClient) FetchEvents(ctx context.Context, from, to uint64, filter chains.EventFilter) ([]chains.Event, error) {
	return nil, nil
}

func (c *scriptedClient) SubmitRaw(ctx context.Context, tx []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failFirst > 0 {
		c.failFirst--
		return common.Hash{}, c.failWith
	}
	c.submitted = append(c.submitted, tx)
	var h common.Hash
	h[0] = byte(len(c.submitted))
	return h, nil
}

func (c *scriptedClient) WaitFinalized(ctx context.Context, h common.Hash, confirmations uint64) (*chains.Receipt, error) {
	return &chains.Receipt{TxHash: h, Block: 100, Success: true, GasUsed: 21000}, nil
}

func (c *scriptedClient) EstimateGas(ctx context.Context, call chains.Call) (uint64, error) {
	return 21000, nil
}
func (c *scriptedClient) GasPrice(ctx context.Context) (*big.Int, error) { return c.gasPrice, nil }
func (c *scriptedClient) NextNonce(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}
func (c *scriptedClient) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}
func (c *scriptedClient) Close() error { return nil }

func (c *scriptedClient) submissions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submitted)
}

func runQueueUntil(t *testing.T, q *Queue, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestBumpGasPrice(t *testing.T) {
	base := big.NewInt(8_000_000_000)
	if got := bumpGasPrice(base, 0); got.Cmp(base) != 0 {
		t.Errorf("0 attempts: %s", got)
	}
	// 8 gwei × 9/8 = 9 gwei
	if got := bumpGasPrice(base, 1); got.Cmp(big.NewInt(9_000_000_000)) != 0 {
		t.Errorf("1 attempt: %s", got)
	}
	// Strictly increasing across attempts.
	prev := new(big.Int).Set(base)
	for i := 1; i < 6; i++ {
		next := bumpGasPrice(base, i)
		if next.Cmp(prev) <= 0 {
			t.Errorf("attempt %d did not increase: %s <= %s", i, next, prev)
		}
		prev = next
	}
}

func TestQueueSubmitsAndFinalizes(t *testing.T) {
	chain := types.NewSubstrateChainID(1080)
	st := store.OpenInMemory()
	defer st.Close()
	client := newScriptedClient(chain)
	bus := events.NewBus()
	sub := bus.Subscribe(16, events.KindTxQueue)
	defer sub.Unsubscribe()

	q := New(client, st, RawSigner{}, bus, nil, Config{PollInterval: 10 * time.Millisecond}, nil)

	id, err := q.Enqueue(common.Address{}, []byte{0x01, 0x02}, 0, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runQueueUntil(t, q, func() bool {
		rec, err := st.GetTx(chain, id)
		return err == nil && rec == nil // finalized entries are removed
	})

	if client.submissions() != 1 {
		t.Errorf("submissions = %d, want 1", client.submissions())
	}

	// The bus saw pending → submitted → finalized.
	var statuses []string
	var finalized bool
	timeout := time.After(time.Second)
	for !finalized {
		select {
		case ev := <-sub.C:
			tx := ev.Data.(TxEvent)
			if tx.ID != id {
				continue
			}
			statuses = append(statuses, tx.Status)
			finalized = tx.Finalized
		case <-timeout:
			t.Fatalf("finalized event never arrived (saw %v)", statuses)
		}
	}
	if len(statuses) != 3 || statuses[0] != "pending" || statuses[1] != "submitted" {
		t.Errorf("statuses = %v, want pending, submitted, then the finalized event", statuses)
	}
}

func TestQueueDeduplicatesGovernanceCalls(t *testing.T) {
	chain := types.NewSubstrateChainID(1080)
	st := store.OpenInMemory()
	defer st.Close()
	client := newScriptedClient(chain)

	q := New(client, st, RawSigner{}, nil, nil, Config{PollInterval: 10 * time.Millisecond}, nil)

	id1, err := q.Enqueue(common.Address{}, []byte{0x01}, 0, "resource:7")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := q.Enqueue(common.Address{}, []byte{0x01}, 0, "resource:7")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("duplicate enqueue produced distinct ids %s and %s", id1, id2)
	}

	runQueueUntil(t, q, func() bool {
		depth, err := st.QueueDepth(chain)
		return err == nil && depth == 0
	})

	if client.submissions() != 1 {
		t.Errorf("submissions = %d, want exactly 1", client.submissions())
	}
}

func TestQueueRetriesTransientErrors(t *testing.T) {
	chain := types.NewSubstrateChainID(1080)
	st := store.OpenInMemory()
	defer st.Close()
	client := newScriptedClient(chain)
	client.failFirst = 1
	client.failWith = types.NewTransientChainError(nil)

	q := New(client, st, RawSigner{}, nil, nil, Config{PollInterval: 10 * time.Millisecond}, nil)
	if _, err := q.Enqueue(common.Address{}, []byte{0x02}, 0, ""); err != nil {
		t.Fatal(err)
	}

	runQueueUntil(t, q, func() bool {
		depth, err := st.QueueDepth(chain)
		return err == nil && depth == 0
	})

	if client.submissions() != 1 {
		t.Errorf("submissions = %d, want 1 after retry", client.submissions())
	}
}

func TestQueueMarksPermanentFailures(t *testing.T) {
	chain := types.NewSubstrateChainID(1080)
	st := store.OpenInMemory()
	defer st.Close()
	client := newScriptedClient(chain)
	client.failFirst = 1
	client.failWith = types.NewError(types.ErrKindChain, "execution reverted", nil)

	q := New(client, st, RawSigner{}, nil, nil, Config{PollInterval: 10 * time.Millisecond}, nil)
	id, err := q.Enqueue(common.Address{}, []byte{0x03}, 0, "")
	if err != nil {
		t.Fatal(err)
	}

	runQueueUntil(t, q, func() bool {
		rec, err := st.GetTx(chain, id)
		return err == nil && rec != nil && rec.State == store.TxStateFailed
	})

	rec, _ := st.GetTx(chain, id)
	if rec.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
	if client.submissions() != 0 {
		t.Errorf("permanent failure still submitted %d times", client.submissions())
	}
}

func TestPermanentFailureReleasesDedupKey(t *testing.T) {
	chain := types.NewSubstrateChainID(1080)
	st := store.OpenInMemory()
	defer st.Close()
	client := newScriptedClient(chain)
	client.failFirst = 1
	client.failWith = types.NewError(types.ErrKindChain, "execution reverted", nil)

	q := New(client, st, RawSigner{}, nil, nil, Config{PollInterval: 10 * time.Millisecond}, nil)
	id, err := q.Enqueue(common.Address{}, []byte{0x04}, 0, "resource:9")
	if err != nil {
		t.Fatal(err)
	}

	runQueueUntil(t, q, func() bool {
		rec, err := st.GetTx(chain, id)
		return err == nil && rec != nil && rec.State == store.TxStateFailed
	})

	// A re-observation of the same proposal must get a fresh entry, not
	// collapse into the failed one.
	retryID, err := q.Enqueue(common.Address{}, []byte{0x04}, 0, "resource:9")
	if err != nil {
		t.Fatal(err)
	}
	if retryID == id {
		t.Fatal("re-enqueue collapsed into the failed record")
	}

	runQueueUntil(t, q, func() bool {
		depth, err := st.QueueDepth(chain)
		return err == nil && depth == 0
	})
	if client.submissions() != 1 {
		t.Errorf("submissions = %d, want 1 from the retry", client.submissions())
	}
}

func TestEVMSignerProducesDecodableTx(t *testing.T) {
	signer, err := NewEVMSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d", 5002)
	if err != nil {
		t.Fatalf("NewEVMSigner: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Fatal("zero signer address")
	}

	rec := &store.TxRecord{
		ID:      "01X",
		ChainID: types.NewEVMChainID(5002),
		To:      common.HexToAddress("0x3333").Hex(),
		Data:    []byte{0xca, 0xfe},
	}
	raw, err := signer.SignTx(rec, 3, big.NewInt(5e9), 100000)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty raw transaction")
	}
}
