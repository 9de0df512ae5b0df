package book

import (
	"path/filepath"
	"testing"

	"github.com/mockex/engine/pkg/codec"
)

func TestOrderListBootstrapInsertWritesThrough(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "book"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ol, err := NewOrderList(s, codec.Bid, 10)
	if err != nil {
		t.Fatal(err)
	}

	o := &Order{ID: 1, Side: codec.Bid, Price: 100, QtyRemaining: 10, AccountID: 1}
	if err := ol.Insert(o); err != nil {
		t.Fatal(err)
	}
	if !o.InStore {
		t.Fatalf("expected bootstrap insert to mark InStore")
	}
	if ol.PendingCount() != 0 {
		t.Fatalf("bootstrap insert should not leave a pending op")
	}

	entries, err := s.GetRange(codec.Bid, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected store to contain the bootstrap order, got %d entries", len(entries))
	}
}

func TestOrderListCancelBeforeFlushFuses(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "book"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Prime with one bootstrap order so the second insert is a normal,
	// non-bootstrap pending insert.
	ol, err := NewOrderList(s, codec.Ask, 10)
	if err != nil {
		t.Fatal(err)
	}
	first := &Order{ID: 1, Side: codec.Ask, Price: 100, QtyRemaining: 10, AccountID: 1}
	if err := ol.Insert(first); err != nil {
		t.Fatal(err)
	}

	second := &Order{ID: 2, Side: codec.Ask, Price: 100, QtyRemaining: 5, AccountID: 2}
	if err := ol.Insert(second); err != nil {
		t.Fatal(err)
	}
	if ol.PendingCount() != 1 {
		t.Fatalf("expected one pending op for the second insert")
	}

	if !ol.Cancel(2) {
		t.Fatalf("expected cancel to find resident order 2")
	}
	if ol.PendingCount() != 0 {
		t.Fatalf("expected insert+remove to fuse to no pending op, got %d", ol.PendingCount())
	}

	tx := s.BeginTx()
	if err := ol.Flush(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	entries, err := s.GetRange(codec.Ask, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the first order to survive flush, got %d entries", len(entries))
	}
}

func TestOrderListIterationRefillsAcrossWorkingSetLimit(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "book"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tx := s.BeginTx()
	const total = 25
	for id := int64(1); id <= total; id++ {
		key := codec.EncodeKey(codec.SignedPrice(codec.Ask, 100), id)
		val := codec.EncodeValue(1, id)
		if err := tx.Put(codec.Ask, key, val); err != nil {
			t.Fatal(err)
		}
		if err := tx.PutID(id, codec.Ask, key); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	ol, err := NewOrderList(s, codec.Ask, 10)
	if err != nil {
		t.Fatal(err)
	}
	if ol.Len() != 10 {
		t.Fatalf("expected priming to load 10 entries, got %d", ol.Len())
	}

	it := ol.Iterate()
	var ids []int64
	for {
		o, ok := it.Next()
		if !ok {
			break
		}
		ids = append(ids, o.ID)
	}
	if it.Err() != nil {
		t.Fatal(it.Err())
	}
	if len(ids) != total {
		t.Fatalf("expected to iterate all %d orders across refills, got %d", total, len(ids))
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("expected ascending id order, got %v", ids)
		}
	}
}

func TestOrderListDeleteDeferredUntilApplyDeletes(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "book"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tx := s.BeginTx()
	for id := int64(1); id <= 3; id++ {
		key := codec.EncodeKey(codec.SignedPrice(codec.Ask, 100), id)
		val := codec.EncodeValue(1, id)
		if err := tx.Put(codec.Ask, key, val); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	ol, err := NewOrderList(s, codec.Ask, 10)
	if err != nil {
		t.Fatal(err)
	}

	it := ol.Iterate()
	o1, _ := it.Next()
	ol.Delete(o1)
	// Rest of iteration must still see the deleted order's siblings; the
	// working set must not be mutated mid-iteration.
	count := 1
	for {
		_, ok := it.Next()
		if !ok {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("expected iteration to still yield all 3 orders, got %d", count)
	}
	if ol.Len() != 3 {
		t.Fatalf("expected working set unchanged before ApplyDeletes, got %d", ol.Len())
	}
	ol.ApplyDeletes()
	if ol.Len() != 2 {
		t.Fatalf("expected working set to shrink by one after ApplyDeletes, got %d", ol.Len())
	}
}

func TestOrderListIterationSeesOffRangeInsertAfterExhaustion(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "book"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tx := s.BeginTx()
	for id := int64(1); id <= 2; id++ {
		key := codec.EncodeKey(codec.SignedPrice(codec.Ask, 100), id)
		val := codec.EncodeValue(1, id)
		if err := tx.Put(codec.Ask, key, val); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// Working-set limit comfortably larger than the 2 resident orders, so
	// priming exhausts the store on the first refill.
	ol, err := NewOrderList(s, codec.Ask, 10)
	if err != nil {
		t.Fatal(err)
	}

	// A new order at a worse price sorts past the loaded range and is staged
	// in offRange rather than the active btree.
	fresh := &Order{ID: 3, Side: codec.Ask, Price: 200, QtyRemaining: 5, AccountID: 2}
	if err := ol.Insert(fresh); err != nil {
		t.Fatal(err)
	}

	it := ol.Iterate()
	seen := make(map[int64]bool)
	for {
		o, ok := it.Next()
		if !ok {
			break
		}
		seen[o.ID] = true
	}
	if it.Err() != nil {
		t.Fatal(it.Err())
	}
	if !seen[3] {
		t.Fatalf("expected iteration to surface the off-range order, got %v", seen)
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 orders visible to iteration, got %d", len(seen))
	}
}
