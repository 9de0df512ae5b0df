package book

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/mockex/engine/pkg/codec"
)

// DefaultWorkingSetLimit is the recommended number of entries an OrderList
// primes and refills with at a time.
const DefaultWorkingSetLimit = 5000

// Order is a resting order held in memory by an OrderList.
type Order struct {
	ID           int64
	Side         codec.Side
	Price        int64
	QtyRemaining int64
	AccountID    int64
	InStore      bool
}

type pendingOp uint8

const (
	pendingInsert pendingOp = iota
	pendingQty
	pendingRemove
)

type keyItem struct {
	key []byte
}

func (a keyItem) Less(than btree.Item) bool {
	return bytesLess(a.key, than.(keyItem).key)
}

func bytesLess(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func unsignPrice(side codec.Side, signedPrice int64) int64 {
	if side == codec.Bid {
		return -signedPrice
	}
	return signedPrice
}

// OrderList is the in-memory working set for one side of one market, layered
// over a Store. staged_keys is a google/btree ordered set of 16-byte sort
// keys; by_id, pending and deleted track staged mutations not yet committed
// to the store.
type OrderList struct {
	side  codec.Side
	store *Store
	limit int

	keys *btree.BTree
	byID map[int64]*Order
	// offRange holds orders inserted this session whose sort key is past the
	// current working-set range: recorded for flush
	// but not part of the active iteration range.
	offRange map[int64]*Order
	// standaloneRemove holds the store key for a cancel-by-id that targets
	// an order never loaded into this working set.
	standaloneRemove map[int64][]byte
	pending          map[int64]pendingOp
	deleted          map[int64]*Order
	deleteQueue      []int64

	lastKey    []byte
	storeEmpty bool
	exhausted  bool
	iterating  bool
}

// NewOrderList primes a working set by loading up to limit entries from store.
func NewOrderList(store *Store, side codec.Side, limit int) (*OrderList, error) {
	if limit <= 0 {
		limit = DefaultWorkingSetLimit
	}
	ol := &OrderList{
		side:             side,
		store:            store,
		limit:            limit,
		keys:             btree.New(32),
		byID:             make(map[int64]*Order),
		offRange:         make(map[int64]*Order),
		standaloneRemove: make(map[int64][]byte),
		pending:          make(map[int64]pendingOp),
		deleted:          make(map[int64]*Order),
	}
	if err := ol.refill(nil); err != nil {
		return nil, err
	}
	return ol, nil
}

func (ol *OrderList) refill(from []byte) error {
	entries, err := ol.store.GetRange(ol.side, from, ol.limit)
	if err != nil {
		return err
	}
	if from == nil {
		ol.storeEmpty = len(entries) == 0
	}
	for _, e := range entries {
		signedPrice, id, err := codec.DecodeKey(e.Key)
		if err != nil {
			return err
		}
		qty, acct, err := codec.DecodeValue(e.Value)
		if err != nil {
			return err
		}
		o := &Order{
			ID:           id,
			Side:         ol.side,
			Price:        unsignPrice(ol.side, signedPrice),
			QtyRemaining: qty,
			AccountID:    acct,
			InStore:      true,
		}
		ol.byID[id] = o
		ol.keys.ReplaceOrInsert(keyItem{key: e.Key})
		ol.lastKey = e.Key
	}
	ol.exhausted = len(entries) < ol.limit
	return nil
}

func (ol *OrderList) setPending(id int64, newOp pendingOp) {
	existing, has := ol.pending[id]
	if !has {
		ol.pending[id] = newOp
		return
	}
	if existing == pendingInsert && newOp == pendingRemove {
		delete(ol.pending, id)
		return
	}
	if newOp == pendingRemove {
		ol.pending[id] = pendingRemove
		return
	}
	if newOp == pendingQty {
		if existing == pendingInsert {
			return
		}
		ol.pending[id] = pendingQty
		return
	}
	ol.pending[id] = pendingInsert
}

// Len returns the number of orders currently resident in the working set.
func (ol *OrderList) Len() int { return len(ol.byID) }

// PendingCount returns the number of ids with an un-flushed operation.
func (ol *OrderList) PendingCount() int { return len(ol.pending) }

// Lookup returns a resident order by id, if present in the working set.
func (ol *OrderList) Lookup(id int64) (*Order, bool) {
	o, ok := ol.byID[id]
	return o, ok
}

// Iterator walks the working set in sort order, transparently refilling from
// the store when the in-memory snapshot is exhausted. It is a snapshot view:
// deletes queued mid-iteration (via Delete) never mutate it.
type Iterator struct {
	ol   *OrderList
	snap []keyItem
	idx  int
	err  error
}

// Iterate begins a new iteration over the working set. Only one Iterator
// should be active on an OrderList at a time (matching the single-writer
// contract).
func (ol *OrderList) Iterate() *Iterator {
	ol.iterating = true
	it := &Iterator{ol: ol}
	it.resnapshot()
	return it
}

// resnapshot rebuilds the iteration order from both the active-range btree
// and offRange: an order landed in offRange (its sort key past the loaded
// range) is still live and must be visible to matching, not just to a future
// refill.
func (it *Iterator) resnapshot() {
	it.snap = it.snap[:0]
	it.ol.keys.Ascend(func(item btree.Item) bool {
		it.snap = append(it.snap, item.(keyItem))
		return true
	})
	for id, o := range it.ol.offRange {
		key := codec.EncodeKey(codec.SignedPrice(it.ol.side, o.Price), id)
		it.snap = append(it.snap, keyItem{key: key})
	}
	sort.Slice(it.snap, func(i, j int) bool { return bytesLess(it.snap[i].key, it.snap[j].key) })
}

// Next returns the next order in sort order, refilling from the store as
// needed. Returns (nil, false) once the working set and store are exhausted.
func (it *Iterator) Next() (*Order, bool) {
	for {
		if it.idx >= len(it.snap) {
			if it.ol.exhausted {
				it.ol.iterating = false
				return nil, false
			}
			if err := it.ol.refill(it.ol.lastKey); err != nil {
				it.err = err
				it.ol.iterating = false
				return nil, false
			}
			it.resnapshot()
			if it.idx >= len(it.snap) {
				it.ol.iterating = false
				return nil, false
			}
		}
		key := it.snap[it.idx].key
		it.idx++
		_, id, err := codec.DecodeKey(key)
		if err != nil {
			it.err = err
			it.ol.iterating = false
			return nil, false
		}
		o, ok := it.ol.byID[id]
		if !ok {
			o, ok = it.ol.offRange[id]
		}
		if !ok {
			// Removed via Cancel since the snapshot was taken; skip.
			continue
		}
		return o, true
	}
}

// Err reports any decode/refill error encountered during iteration.
func (it *Iterator) Err() error { return it.err }

// UpdateQty applies a fill to a resting order: updates its in-memory quantity
// and stages a qty op for the next flush. Never touches the store directly.
func (ol *OrderList) UpdateQty(o *Order, newQty int64) {
	o.QtyRemaining = newQty
	ol.setPending(o.ID, pendingQty)
}

// Delete stages an order for removal. It must not mutate the sorted
// container while an Iterator is active; call ApplyDeletes once iteration
// has finished.
func (ol *OrderList) Delete(o *Order) {
	ol.setPending(o.ID, pendingRemove)
	ol.deleteQueue = append(ol.deleteQueue, o.ID)
}

// ApplyDeletes removes every order queued by Delete from the working set.
// Must only be called after the active Iterator has terminated.
func (ol *OrderList) ApplyDeletes() {
	for _, id := range ol.deleteQueue {
		if o, ok := ol.offRange[id]; ok {
			delete(ol.offRange, id)
			ol.deleted[id] = o
			continue
		}
		o, ok := ol.byID[id]
		if !ok {
			continue
		}
		key := codec.EncodeKey(codec.SignedPrice(ol.side, o.Price), id)
		ol.keys.Delete(keyItem{key: key})
		delete(ol.byID, id)
		ol.deleted[id] = o
	}
	ol.deleteQueue = ol.deleteQueue[:0]
}

// Insert places the residual of a partially or unfilled limit quote into the
// same-side working set.
func (ol *OrderList) Insert(o *Order) error {
	key := codec.EncodeKey(codec.SignedPrice(ol.side, o.Price), o.ID)
	bootstrap := len(ol.byID) == 0 && len(ol.offRange) == 0 && ol.storeEmpty && ol.exhausted

	if bootstrap {
		tx := ol.store.BeginTx()
		val := codec.EncodeValue(o.QtyRemaining, o.AccountID)
		if err := tx.Put(ol.side, key, val); err != nil {
			tx.Abort()
			return fmt.Errorf("book: bootstrap insert: %w", err)
		}
		if err := tx.PutID(o.ID, ol.side, key); err != nil {
			tx.Abort()
			return fmt.Errorf("book: bootstrap insert id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("book: bootstrap commit: %w", err)
		}
		o.InStore = true
		ol.storeEmpty = false
		ol.lastKey = key
		ol.byID[o.ID] = o
		ol.keys.ReplaceOrInsert(keyItem{key: key})
		return nil
	}

	ol.storeEmpty = false
	ol.setPending(o.ID, pendingInsert)
	if ol.lastKey == nil || bytesLess(key, ol.lastKey) {
		ol.byID[o.ID] = o
		ol.keys.ReplaceOrInsert(keyItem{key: key})
		return nil
	}
	ol.offRange[o.ID] = o
	return nil
}

// Cancel removes an order that is resident in this working set (either in
// the active range or recorded off-range). Returns false if the id is not
// resident here.
func (ol *OrderList) Cancel(id int64) bool {
	if o, ok := ol.byID[id]; ok {
		ol.setPending(id, pendingRemove)
		key := codec.EncodeKey(codec.SignedPrice(ol.side, o.Price), id)
		ol.keys.Delete(keyItem{key: key})
		delete(ol.byID, id)
		ol.deleted[id] = o
		return true
	}
	if o, ok := ol.offRange[id]; ok {
		ol.setPending(id, pendingRemove)
		delete(ol.offRange, id)
		ol.deleted[id] = o
		return true
	}
	return false
}

// CancelStored cancels an order known (via the store's id index) to exist
// but not currently loaded into this working set.
func (ol *OrderList) CancelStored(id int64, key []byte) {
	ol.setPending(id, pendingRemove)
	ol.standaloneRemove[id] = append([]byte(nil), key...)
}

// Flush applies every pending op to tx. The caller commits tx once both
// sides (and the ledger) have been flushed into it.
func (ol *OrderList) Flush(tx *Tx) error {
	for id, op := range ol.pending {
		switch op {
		case pendingInsert:
			o, ok := ol.byID[id]
			if !ok {
				o, ok = ol.offRange[id]
			}
			if !ok {
				return fmt.Errorf("book: flush: missing order data for insert id %d", id)
			}
			key := codec.EncodeKey(codec.SignedPrice(ol.side, o.Price), id)
			val := codec.EncodeValue(o.QtyRemaining, o.AccountID)
			if err := tx.Put(ol.side, key, val); err != nil {
				return err
			}
			if err := tx.PutID(id, ol.side, key); err != nil {
				return err
			}
			o.InStore = true
			if _, off := ol.offRange[id]; off {
				// Now in the store: join the active range if the loaded range
				// has moved past it, else let the next refill load it.
				delete(ol.offRange, id)
				if bytesLess(key, ol.lastKey) {
					ol.byID[id] = o
					ol.keys.ReplaceOrInsert(keyItem{key: key})
				} else {
					ol.exhausted = false
				}
			}
		case pendingQty:
			o, ok := ol.byID[id]
			if !ok {
				return fmt.Errorf("book: flush: missing resident order for qty update id %d", id)
			}
			key := codec.EncodeKey(codec.SignedPrice(ol.side, o.Price), id)
			val := codec.EncodeValue(o.QtyRemaining, o.AccountID)
			if err := tx.Update(ol.side, key, val); err != nil {
				return err
			}
		case pendingRemove:
			if key, ok := ol.standaloneRemove[id]; ok {
				if err := tx.Delete(ol.side, key); err != nil {
					return err
				}
				if err := tx.DeleteID(id); err != nil {
					return err
				}
				delete(ol.standaloneRemove, id)
				continue
			}
			o, ok := ol.deleted[id]
			if !ok {
				return fmt.Errorf("book: flush: missing deleted-order record for id %d", id)
			}
			if o.InStore {
				key := codec.EncodeKey(codec.SignedPrice(ol.side, o.Price), id)
				if err := tx.Delete(ol.side, key); err != nil {
					return err
				}
				if err := tx.DeleteID(id); err != nil {
					return err
				}
			}
			delete(ol.deleted, id)
		}
	}
	ol.pending = make(map[int64]pendingOp)
	return nil
}
