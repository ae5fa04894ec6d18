// Copyright 2025 Webb Technologies
//
// Durable relayer state on an embedded key-value store
// Wraps a CometBFT dbm.DB with the typed keyspaces every other component
// hands its state through: watcher cursors, leaf caches, anchor edges,
// proposal markers, queued transactions and the dead-letter log.

package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// Store provides typed access to the relayer's single embedded database.
//
// CONCURRENCY: all read-modify-write operations take the store mutex, so the
// Store is safe to share across watcher, queue and API goroutines. Writes
// that gate progress (cursor advances, queue transitions) are flushed with
// WriteSync so a crash never observes a cursor ahead of its side-effects.
type Store struct {
	mu sync.Mutex
	db dbm.DB
}

// Open opens (or creates) the persistent store in dir.
func Open(dir string) (*Store, error) {
	db, err := dbm.NewDB("relayer", dbm.GoLevelDBBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory returns an ephemeral store for --tmp runs and tests.
func OpenInMemory() *Store {
	return &Store{db: dbm.NewMemDB()}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ====== Key layout ======
//
//   cursor/<chain>/<watcher_key>                  -> u64 BE
//   leaf/<chain>/<tree_key>/<u64 BE index>        -> 32-byte leaf
//   leaf_meta/<chain>/<tree_key>                  -> JSON LeafMeta
//   edge/<resource hex>/<src chain>               -> JSON EdgeState
//   last_proposal/<resource hex>/<u32 BE nonce>   -> 0x01
//   tx_queue/<chain>/<ulid>                       -> JSON TxRecord
//   tx_dedup/<chain>/<dedup key>                  -> ulid
//   dead_letter/<chain>/<u64 BE seq>              -> JSON DeadLetter
//   dead_letter_seq/<chain>                       -> u64 BE

func cursorKey(chain types.ChainID, watcher string) []byte {
	return []byte(fmt.Sprintf("cursor/%s/%s", chain, watcher))
}

func leafKey(chain types.ChainID, tree string, index uint64) []byte {
	prefix := []byte(fmt.Sprintf("leaf/%s/%s/", chain, tree))
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return append(prefix, b...)
}

func leafMetaKey(chain types.ChainID, tree string) []byte {
	return []byte(fmt.Sprintf("leaf_meta/%s/%s", chain, tree))
}

func edgeKey(resource types.ResourceID, src types.ChainID) []byte {
	return []byte(fmt.Sprintf("edge/%s/%s", resource.Hex(), src))
}

func proposalKey(resource types.ResourceID, nonce uint32) []byte {
	prefix := []byte(fmt.Sprintf("last_proposal/%s/", resource.Hex()))
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, nonce)
	return append(prefix, b...)
}

func txKey(chain types.ChainID, id string) []byte {
	return []byte(fmt.Sprintf("tx_queue/%s/%s", chain, id))
}

func txDedupKey(chain types.ChainID, dedup string) []byte {
	return []byte(fmt.Sprintf("tx_dedup/%s/%s", chain, dedup))
}

func deadLetterKey(chain types.ChainID, seq uint64) []byte {
	prefix := []byte(fmt.Sprintf("dead_letter/%s/", chain))
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return append(prefix, b...)
}

func deadLetterSeqKey(chain types.ChainID) []byte {
	return []byte(fmt.Sprintf("dead_letter_seq/%s", chain))
}

// prefixEnd returns the exclusive upper bound for iterating keys with prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// ====== Raw access ======

// Get reads a raw key; nil when absent.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// Put durably writes a raw key.
func (s *Store) Put(key, value []byte) error {
	if err := s.db.SetSync(key, value); err != nil {
		return types.NewError(types.ErrKindStore, "failed to put key", err)
	}
	return nil
}

// Delete durably removes a raw key.
func (s *Store) Delete(key []byte) error {
	if err := s.db.DeleteSync(key); err != nil {
		return types.NewError(types.ErrKindStore, "failed to delete key", err)
	}
	return nil
}

// WithBatch runs fn against a fresh batch and commits it synchronously,
// all-or-nothing. The store mutex is held for the duration.
func (s *Store) WithBatch(fn func(batch dbm.Batch) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := fn(batch); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return types.NewError(types.ErrKindStore, "failed to commit batch", err)
	}
	return nil
}

// ====== Watcher cursors ======

// GetCursor loads the last processed block for a watcher. ok is false when no
// cursor has been persisted yet.
func (s *Store) GetCursor(chain types.ChainID, watcher string) (height uint64, ok bool, err error) {
	b, err := s.db.Get(cursorKey(chain, watcher))
	if err != nil {
		return 0, false, fmt.Errorf("failed to get cursor: %w", err)
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	if len(b) != 8 {
		return 0, false, fmt.Errorf("invalid cursor data: expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), true, nil
}

// SetCursor durably records the last processed block for a watcher. Callers
// must only invoke this after every handler for the batch is terminal, so the
// cursor never leads side-effects.
func (s *Store) SetCursor(chain types.ChainID, watcher string, height uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, height)
	if err := s.db.SetSync(cursorKey(chain, watcher), b); err != nil {
		return types.NewError(types.ErrKindStore, "failed to set cursor", err)
	}
	return nil
}

// ====== Leaf caches ======

// LeafMeta tracks the append-only leaf sequence for one tree.
type LeafMeta struct {
	Count     uint64 `json:"count"`
	LastBlock uint64 `json:"last_block"`
}

// GetLeafMeta returns the sequence metadata for a tree; a zero value when the
// tree has never been written.
func (s *Store) GetLeafMeta(chain types.ChainID, tree string) (LeafMeta, error) {
	var meta LeafMeta
	b, err := s.db.Get(leafMetaKey(chain, tree))
	if err != nil {
		return meta, fmt.Errorf("failed to get leaf meta: %w", err)
	}
	if len(b) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("failed to unmarshal leaf meta: %w", err)
	}
	return meta, nil
}

// AppendLeaf appends one leaf, atomically bumping the per-tree counter. The
// returned index equals the pre-append count. Writes are gap-free by
// construction: the leaf always lands at index == count.
func (s *Store) AppendLeaf(chain types.ChainID, tree string, leaf [32]byte, block uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.GetLeafMeta(chain, tree)
	if err != nil {
		return 0, err
	}

	index := meta.Count
	meta.Count++
	if block > meta.LastBlock {
		meta.LastBlock = block
	}
	mb, err := json.Marshal(&meta)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal leaf meta: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(leafKey(chain, tree, index), leaf[:]); err != nil {
		return 0, fmt.Errorf("failed to stage leaf: %w", err)
	}
	if err := batch.Set(leafMetaKey(chain, tree), mb); err != nil {
		return 0, fmt.Errorf("failed to stage leaf meta: %w", err)
	}
	if err := batch.WriteSync(); err != nil {
		return 0, types.NewError(types.ErrKindStore, "failed to append leaf", err)
	}
	return index, nil
}

// RangeLeaves returns leaves [from, to). to is clamped to the current count.
func (s *Store) RangeLeaves(chain types.ChainID, tree string, from, to uint64) ([][32]byte, error) {
	meta, err := s.GetLeafMeta(chain, tree)
	if err != nil {
		return nil, err
	}
	if to > meta.Count {
		to = meta.Count
	}
	if from >= to {
		return nil, nil
	}

	leaves := make([][32]byte, 0, to-from)
	for i := from; i < to; i++ {
		b, err := s.db.Get(leafKey(chain, tree, i))
		if err != nil {
			return nil, fmt.Errorf("failed to get leaf %d: %w", i, err)
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("invalid leaf %d: expected 32 bytes, got %d", i, len(b))
		}
		var leaf [32]byte
		copy(leaf[:], b)
		leaves = append(leaves, leaf)
	}
	return leaves, nil
}

// ====== Anchor edges ======

// EdgeState is the latest proposed (root, leaf index, nonce) for one
// (local anchor, source chain) pair. Used to suppress duplicate proposals.
type EdgeState struct {
	Root      [32]byte `json:"root"`
	LeafIndex uint64   `json:"leaf_index"`
	Nonce     uint32   `json:"nonce"`
}

// GetEdge loads the edge state; ok is false when the pair was never proposed.
func (s *Store) GetEdge(resource types.ResourceID, src types.ChainID) (EdgeState, bool, error) {
	var e EdgeState
	b, err := s.db.Get(edgeKey(resource, src))
	if err != nil {
		return e, false, fmt.Errorf("failed to get edge: %w", err)
	}
	if len(b) == 0 {
		return e, false, nil
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return e, false, fmt.Errorf("failed to unmarshal edge state: %w", err)
	}
	return e, true, nil
}

// SetEdge durably records the latest proposed edge state.
func (s *Store) SetEdge(resource types.ResourceID, src types.ChainID, e EdgeState) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("failed to marshal edge state: %w", err)
	}
	if err := s.db.SetSync(edgeKey(resource, src), b); err != nil {
		return types.NewError(types.ErrKindStore, "failed to set edge", err)
	}
	return nil
}

// ====== Proposal markers ======

// MarkProposal records that a proposal with (resource, nonce) was produced.
// It returns false when the marker already existed, which is the duplicate
// case the caller must suppress.
func (s *Store) MarkProposal(resource types.ResourceID, nonce uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := proposalKey(resource, nonce)
	existing, err := s.db.Get(key)
	if err != nil {
		return false, fmt.Errorf("failed to check proposal marker: %w", err)
	}
	if len(existing) > 0 {
		return false, nil
	}
	if err := s.db.SetSync(key, []byte{0x01}); err != nil {
		return false, types.NewError(types.ErrKindStore, "failed to set proposal marker", err)
	}
	return true, nil
}

// HasProposal reports whether a (resource, nonce) proposal was already made.
func (s *Store) HasProposal(resource types.ResourceID, nonce uint32) (bool, error) {
	b, err := s.db.Get(proposalKey(resource, nonce))
	if err != nil {
		return false, fmt.Errorf("failed to check proposal marker: %w", err)
	}
	return len(b) > 0, nil
}

// ====== Transaction queue ======

// TxState is the lifecycle position of a queued transaction.
type TxState string

const (
	TxStatePending   TxState = "pending"
	TxStateSubmitted TxState = "submitted"
	TxStateFinalized TxState = "finalized"
	TxStateFailed    TxState = "failed"
)

// TxRecord is one durable queue entry. IDs are ULIDs, so lexicographic key
// order in the tx_queue keyspace is creation order and "oldest pending" is a
// plain prefix scan.
type TxRecord struct {
	ID            string        `json:"id"`
	ChainID       types.ChainID `json:"chain_id"`
	To            string        `json:"to,omitempty"`
	Data          []byte        `json:"data"`
	GasLimit      uint64        `json:"gas_limit,omitempty"`
	DedupKey      string        `json:"dedup_key,omitempty"`
	State         TxState       `json:"state"`
	TxHash        string        `json:"tx_hash,omitempty"`
	GasPrice      string        `json:"gas_price,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	CreatedAt     time.Time     `json:"created_at"`
	SubmittedAt   time.Time     `json:"submitted_at,omitempty"`
}

// SaveTx durably writes (or rewrites) a queue entry.
func (s *Store) SaveTx(rec *TxRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal tx record: %w", err)
	}
	if err := s.db.SetSync(txKey(rec.ChainID, rec.ID), b); err != nil {
		return types.NewError(types.ErrKindStore, "failed to save tx record", err)
	}
	return nil
}

// GetTx loads one queue entry by id; nil when absent.
func (s *Store) GetTx(chain types.ChainID, id string) (*TxRecord, error) {
	b, err := s.db.Get(txKey(chain, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get tx record: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var rec TxRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tx record: %w", err)
	}
	return &rec, nil
}

// DeleteTx removes a finalized entry and its dedup marker.
func (s *Store) DeleteTx(rec *TxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(txKey(rec.ChainID, rec.ID)); err != nil {
		return fmt.Errorf("failed to stage tx delete: %w", err)
	}
	if rec.DedupKey != "" {
		if err := batch.Delete(txDedupKey(rec.ChainID, rec.DedupKey)); err != nil {
			return fmt.Errorf("failed to stage dedup delete: %w", err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return types.NewError(types.ErrKindStore, "failed to delete tx record", err)
	}
	return nil
}

// ReleaseTxDedup drops the dedup marker for a record whose entry stays in
// the store (a permanent failure kept for diagnosis). A later enqueue with
// the same key then inserts a fresh entry instead of collapsing into the
// failed one.
func (s *Store) ReleaseTxDedup(chain types.ChainID, dedup string) error {
	if dedup == "" {
		return nil
	}
	if err := s.db.DeleteSync(txDedupKey(chain, dedup)); err != nil {
		return types.NewError(types.ErrKindStore, "failed to release dedup key", err)
	}
	return nil
}

// EnqueueTx inserts a new entry unless its dedup key is already present, in
// which case the existing entry's id is returned with inserted == false.
func (s *Store) EnqueueTx(rec *TxRecord) (id string, inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.DedupKey != "" {
		existing, err := s.db.Get(txDedupKey(rec.ChainID, rec.DedupKey))
		if err != nil {
			return "", false, fmt.Errorf("failed to check dedup key: %w", err)
		}
		if len(existing) > 0 {
			return string(existing), false, nil
		}
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal tx record: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(txKey(rec.ChainID, rec.ID), b); err != nil {
		return "", false, fmt.Errorf("failed to stage tx record: %w", err)
	}
	if rec.DedupKey != "" {
		if err := batch.Set(txDedupKey(rec.ChainID, rec.DedupKey), []byte(rec.ID)); err != nil {
			return "", false, fmt.Errorf("failed to stage dedup key: %w", err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return "", false, types.NewError(types.ErrKindStore, "failed to enqueue tx", err)
	}
	return rec.ID, true, nil
}

// ListTxs returns every queue entry for a chain in id (creation) order.
func (s *Store) ListTxs(chain types.ChainID) ([]*TxRecord, error) {
	prefix := []byte(fmt.Sprintf("tx_queue/%s/", chain))
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to iterate tx queue: %w", err)
	}
	defer it.Close()

	var recs []*TxRecord
	for ; it.Valid(); it.Next() {
		var rec TxRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tx record: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("tx queue iteration failed: %w", err)
	}
	return recs, nil
}

// FirstPendingTx returns the oldest pending entry whose NextAttemptAt is not
// in the future; nil when the queue has no runnable work.
func (s *Store) FirstPendingTx(chain types.ChainID, now time.Time) (*TxRecord, error) {
	recs, err := s.ListTxs(chain)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.State == TxStatePending && !rec.NextAttemptAt.After(now) {
			return rec, nil
		}
	}
	return nil, nil
}

// QueueDepth counts entries not yet terminal for a chain.
func (s *Store) QueueDepth(chain types.ChainID) (int, error) {
	recs, err := s.ListTxs(chain)
	if err != nil {
		return 0, err
	}
	depth := 0
	for _, rec := range recs {
		if rec.State == TxStatePending || rec.State == TxStateSubmitted {
			depth++
		}
	}
	return depth, nil
}

// ====== Dead letters ======

// DeadLetter records an event that exhausted its retry budget or failed to
// decode. Kept for diagnosis; never replayed automatically.
type DeadLetter struct {
	Watcher  string    `json:"watcher"`
	Block    uint64    `json:"block"`
	LogIndex uint      `json:"log_index"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// AppendDeadLetter durably records a terminally-failed event.
func (s *Store) AppendDeadLetter(chain types.ChainID, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq uint64
	sb, err := s.db.Get(deadLetterSeqKey(chain))
	if err != nil {
		return fmt.Errorf("failed to get dead letter seq: %w", err)
	}
	if len(sb) == 8 {
		seq = binary.BigEndian.Uint64(sb)
	}

	b, err := json.Marshal(&dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	nb := make([]byte, 8)
	binary.BigEndian.PutUint64(nb, seq+1)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(deadLetterKey(chain, seq), b); err != nil {
		return fmt.Errorf("failed to stage dead letter: %w", err)
	}
	if err := batch.Set(deadLetterSeqKey(chain), nb); err != nil {
		return fmt.Errorf("failed to stage dead letter seq: %w", err)
	}
	if err := batch.WriteSync(); err != nil {
		return types.NewError(types.ErrKindStore, "failed to append dead letter", err)
	}
	return nil
}

// ListDeadLetters returns the dead-letter log for a chain in order.
func (s *Store) ListDeadLetters(chain types.ChainID) ([]DeadLetter, error) {
	prefix := []byte(fmt.Sprintf("dead_letter/%s/", chain))
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	defer it.Close()

	var out []DeadLetter
	for ; it.Valid(); it.Next() {
		var dl DeadLetter
		if err := json.Unmarshal(it.Value(), &dl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, dl)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("dead letter iteration failed: %w", err)
	}
	return out, nil
}
