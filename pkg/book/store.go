// Package book implements the durable, ordered key-value store for resting
// orders (BookStore) and the in-memory working set layered over it
// (OrderList), using pebble for its sorted-iteration and atomic batch-write
// guarantees, keyed by the fixed-width binary encoding in pkg/codec.
package book

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/mockex/engine/pkg/codec"
)

const (
	prefixBid = "b:"
	prefixAsk = "a:"
	prefixID  = "i:"
)

func sidePrefix(side codec.Side) string {
	if side == codec.Bid {
		return prefixBid
	}
	return prefixAsk
}

func sideKey(side codec.Side, key []byte) []byte {
	p := sidePrefix(side)
	out := make([]byte, 0, len(p)+len(key))
	out = append(out, p...)
	out = append(out, key...)
	return out
}

func idKey(id int64) []byte {
	p := []byte(prefixID)
	return append(p, codec.EncodeID(id)...)
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		bound[i]++
		if bound[i] != 0 {
			return bound
		}
	}
	// prefix was all 0xff: no finite upper bound, caller should pass nil.
	return nil
}

// ErrDuplicateKey is a store-corruption error: duplicate
// insert into a side table is a programmer error and must fail the flush.
type ErrDuplicateKey struct {
	Side codec.Side
	Key  []byte
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("book: duplicate key on %s side insert: %x", e.Side, e.Key)
}

// ErrNotFound is returned when a delete targets a key absent from the store.
type ErrNotFound struct {
	Side codec.Side
	Key  []byte
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("book: %s key not found: %x", e.Side, e.Key)
}

// IDEntry is the value stored in the ids table: which side and sort key an
// order id currently occupies.
type IDEntry struct {
	Side codec.Side
	Key  []byte
}

// Store is the durable, ordered key-value store for one market's book. Three
// logical tables (bids, asks, ids) are multiplexed over a single pebble
// instance by key prefix.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) the pebble instance backing a market's book.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		MemTableSize:      32 << 20,
		MaxOpenFiles:      500,
		L0CompactionThreshold: 4,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("book: open store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pebble handle.
func (s *Store) Close() error { return s.db.Close() }

// RawDB exposes the underlying pebble handle so a collaborator that shares
// this market's durability boundary (the ledger writer) can multiplex its
// own key prefix over the same instance.
func (s *Store) RawDB() *pebble.DB { return s.db }

// GetID returns the side and sort key currently registered for an order id.
func (s *Store) GetID(id int64) (IDEntry, bool, error) {
	val, closer, err := s.db.Get(idKey(id))
	if err == pebble.ErrNotFound {
		return IDEntry{}, false, nil
	}
	if err != nil {
		return IDEntry{}, false, fmt.Errorf("book: get id %d: %w", id, err)
	}
	defer closer.Close()

	if len(val) < 1 {
		return IDEntry{}, false, fmt.Errorf("book: corrupt id entry for %d", id)
	}
	entry := IDEntry{Side: codec.Side(val[0]), Key: append([]byte(nil), val[1:]...)}
	return entry, true, nil
}

// MaxID returns the largest order id ever registered in the ids table, or
// (0, false) if none exists. The dispatcher uses this to seed its order-id
// sequence so ids stay unique across a restart (ids are encoded as
// big-endian 8-byte integers, so byte order equals numeric order for the
// non-negative ids the dispatcher assigns).
func (s *Store) MaxID() (int64, bool, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixID),
		UpperBound: keyUpperBound([]byte(prefixID)),
	})
	if err != nil {
		return 0, false, fmt.Errorf("book: max id iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, false, nil
	}
	id, err := codec.DecodeInt64(iter.Key()[len(prefixID):])
	if err != nil {
		return 0, false, fmt.Errorf("book: decode max id: %w", err)
	}
	return id, true, nil
}

// RangeEntry is one (key, value) pair returned by GetRange.
type RangeEntry struct {
	Key   []byte
	Value []byte
}

// GetRange returns up to limit entries from one side in sort order, starting
// strictly after fromKey if provided. It opens a fresh pebble snapshot so the
// iteration reflects a consistent point-in-time view.
func (s *Store) GetRange(side codec.Side, fromKey []byte, limit int) ([]RangeEntry, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	prefix := []byte(sidePrefix(side))
	lower := prefix
	if fromKey != nil {
		lower = sideKey(side, fromKey)
	}
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("book: range iterator: %w", err)
	}
	defer iter.Close()

	out := make([]RangeEntry, 0, limit)
	valid := iter.First()
	if fromKey != nil {
		// lower bound is inclusive; skip the from-key itself.
		for valid && bytesEqual(iter.Key(), lower) {
			valid = iter.Next()
		}
	}
	for ; valid && len(out) < limit; valid = iter.Next() {
		key := append([]byte(nil), iter.Key()[len(prefix):]...)
		val := append([]byte(nil), iter.Value()...)
		out = append(out, RangeEntry{Key: key, Value: val})
	}
	return out, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Tx is a single-writer transactional batch spanning all three tables. Only
// one Tx may be open per Store at a time; the caller (the dispatcher's flush
// routine) enforces that by construction since a market has one writer.
type Tx struct {
	store *pebble.Batch
	db    *pebble.DB
	done  bool
}

// BeginTx starts a new write transaction.
func (s *Store) BeginTx() *Tx {
	return &Tx{store: s.db.NewBatch(), db: s.db}
}

// Raw exposes the underlying batch so a collaborator sharing this market's
// flush transaction (the ledger writer) can fold its writes into the same
// atomic commit.
func (t *Tx) Raw() *pebble.Batch { return t.store }

// Put inserts a new key into a side table. Returns ErrDuplicateKey if the key
// already exists in the committed store; writes staged earlier in the same
// Tx are not checked.
func (t *Tx) Put(side codec.Side, key, value []byte) error {
	full := sideKey(side, key)
	if _, closer, err := t.db.Get(full); err == nil {
		closer.Close()
		return &ErrDuplicateKey{Side: side, Key: key}
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("book: put check: %w", err)
	}
	return t.store.Set(full, value, nil)
}

// Update overwrites the value of an existing key.
func (t *Tx) Update(side codec.Side, key, value []byte) error {
	return t.store.Set(sideKey(side, key), value, nil)
}

// Delete removes a key from a side table. Returns ErrNotFound if the key is
// absent from the store.
func (t *Tx) Delete(side codec.Side, key []byte) error {
	full := sideKey(side, key)
	_, closer, err := t.db.Get(full)
	if err == pebble.ErrNotFound {
		return &ErrNotFound{Side: side, Key: key}
	}
	if err != nil {
		return fmt.Errorf("book: delete check: %w", err)
	}
	closer.Close()
	return t.store.Delete(full, nil)
}

// PutID registers (or overwrites) the side/key an order id maps to.
func (t *Tx) PutID(id int64, side codec.Side, key []byte) error {
	val := make([]byte, 0, 1+len(key))
	val = append(val, byte(side))
	val = append(val, key...)
	return t.store.Set(idKey(id), val, nil)
}

// DeleteID removes an order id's mapping.
func (t *Tx) DeleteID(id int64) error {
	return t.store.Delete(idKey(id), nil)
}

// Commit atomically applies every write in the transaction, synced to disk.
// This is the flush durability boundary.
func (t *Tx) Commit() error {
	if t.done {
		return fmt.Errorf("book: tx already closed")
	}
	t.done = true
	if err := t.store.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("book: commit: %w", err)
	}
	return nil
}

// Abort discards every write in the transaction without touching the store.
func (t *Tx) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.store.Close()
}
