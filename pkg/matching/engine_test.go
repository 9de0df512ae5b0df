package matching

import (
	"path/filepath"
	"testing"

	"github.com/mockex/engine/pkg/book"
	"github.com/mockex/engine/pkg/codec"
)

type harness struct {
	store *book.Store
	bids  *book.OrderList
	asks  *book.OrderList
	eng   *Engine
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	s, err := book.Open(filepath.Join(t.TempDir(), "book"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	bids, err := book.NewOrderList(s, codec.Bid, limit)
	if err != nil {
		t.Fatal(err)
	}
	asks, err := book.NewOrderList(s, codec.Ask, limit)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{store: s, bids: bids, asks: asks, eng: NewEngine()}
}

func flush(t *testing.T, h *harness) {
	t.Helper()
	tx := h.store.BeginTx()
	if err := h.bids.Flush(tx); err != nil {
		t.Fatal(err)
	}
	if err := h.asks.Flush(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

// Scenario (a): empty book, limit bid.
func TestScenarioEmptyBookLimitBid(t *testing.T) {
	h := newHarness(t, 10)
	trades, residual, err := h.eng.Process(Quote{ID: 1, Kind: Limit, Side: codec.Bid, Price: 100, Qty: 10, AccountID: 1}, h.bids, h.asks)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected 0 trades, got %d", len(trades))
	}
	if residual == nil || residual.QtyRemaining != 10 {
		t.Fatalf("expected residual qty 10, got %+v", residual)
	}

	flush(t, h)
	entries, err := h.store.GetRange(codec.Bid, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 bid key stored, got %d", len(entries))
	}
	signedPrice, id, _ := codec.DecodeKey(entries[0].Key)
	if signedPrice != -100 || id != 1 {
		t.Fatalf("expected key (-100,1), got (%d,%d)", signedPrice, id)
	}
}

// Scenario (b): full crossing match.
func TestScenarioFullCrossingMatch(t *testing.T) {
	h := newHarness(t, 10)
	_, _, err := h.eng.Process(Quote{ID: 1, Kind: Limit, Side: codec.Ask, Price: 100, Qty: 5, AccountID: 2}, h.bids, h.asks)
	if err != nil {
		t.Fatal(err)
	}
	trades, residual, err := h.eng.Process(Quote{ID: 2, Kind: Limit, Side: codec.Bid, Price: 100, Qty: 5, AccountID: 3}, h.bids, h.asks)
	if err != nil {
		t.Fatal(err)
	}
	if residual != nil {
		t.Fatalf("expected no residual, got %+v", residual)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Qty != 5 || tr.Price != 100 || tr.MakerAccountID != 2 || tr.TakerAccountID != 3 {
		t.Fatalf("unexpected trade: %+v", tr)
	}

	flush(t, h)
	bidEntries, _ := h.store.GetRange(codec.Bid, nil, 10)
	askEntries, _ := h.store.GetRange(codec.Ask, nil, 10)
	if len(bidEntries) != 0 || len(askEntries) != 0 {
		t.Fatalf("expected both orders fully removed, got bids=%d asks=%d", len(bidEntries), len(askEntries))
	}
}

// Scenario (c): partial fill + residual.
func TestScenarioPartialFillResidual(t *testing.T) {
	h := newHarness(t, 10)
	_, _, err := h.eng.Process(Quote{ID: 1, Kind: Limit, Side: codec.Ask, Price: 100, Qty: 3, AccountID: 2}, h.bids, h.asks)
	if err != nil {
		t.Fatal(err)
	}
	trades, residual, err := h.eng.Process(Quote{ID: 2, Kind: Limit, Side: codec.Bid, Price: 100, Qty: 5, AccountID: 3}, h.bids, h.asks)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].Qty != 3 {
		t.Fatalf("expected 1 trade of qty 3, got %+v", trades)
	}
	if residual == nil || residual.QtyRemaining != 2 || residual.Side != codec.Bid || residual.Price != 100 {
		t.Fatalf("expected residual bid qty 2 @ 100, got %+v", residual)
	}
}

// Scenario (d): self-trade skip.
func TestScenarioSelfTradeSkip(t *testing.T) {
	h := newHarness(t, 10)
	_, _, err := h.eng.Process(Quote{ID: 1, Kind: Limit, Side: codec.Ask, Price: 100, Qty: 5, AccountID: 1}, h.bids, h.asks)
	if err != nil {
		t.Fatal(err)
	}
	trades, residual, err := h.eng.Process(Quote{ID: 2, Kind: Limit, Side: codec.Bid, Price: 101, Qty: 5, AccountID: 1}, h.bids, h.asks)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected 0 trades for self-trade, got %d", len(trades))
	}
	if residual == nil || residual.QtyRemaining != 5 || residual.Price != 101 {
		t.Fatalf("expected residual bid qty 5 @ 101, got %+v", residual)
	}
	restingAsk, ok := h.asks.Lookup(1)
	if !ok || restingAsk.QtyRemaining != 5 {
		t.Fatalf("expected resting ask unchanged, got %+v ok=%v", restingAsk, ok)
	}
}

// Scenario (e): price-time priority across a working-set refill boundary.
func TestScenarioPriorityAcrossRefill(t *testing.T) {
	h := newHarness(t, 5000)
	for id := int64(1); id <= 6001; id++ {
		_, _, err := h.eng.Process(Quote{ID: id, Kind: Limit, Side: codec.Ask, Price: 100, Qty: 1, AccountID: id + 1000}, h.bids, h.asks)
		if err != nil {
			t.Fatal(err)
		}
	}
	flush(t, h)

	// Reopen a fresh working set mirroring the WORKING_SET_LIMIT of 5000 so
	// the incoming bid's iteration must refill mid-match.
	asks2, err := book.NewOrderList(h.store, codec.Ask, 5000)
	if err != nil {
		t.Fatal(err)
	}
	bids2, err := book.NewOrderList(h.store, codec.Bid, 5000)
	if err != nil {
		t.Fatal(err)
	}
	eng2 := NewEngine()
	trades, residual, err := eng2.Process(Quote{ID: 99999, Kind: Limit, Side: codec.Bid, Price: 100, Qty: 6001, AccountID: 1}, bids2, asks2)
	if err != nil {
		t.Fatal(err)
	}
	if residual != nil {
		t.Fatalf("expected no residual, got %+v", residual)
	}
	if len(trades) != 6001 {
		t.Fatalf("expected 6001 trades, got %d", len(trades))
	}
	for i, tr := range trades {
		if tr.MakerOrderID != int64(i+1) {
			t.Fatalf("expected ascending maker order ids, trade %d had maker id %d", i, tr.MakerOrderID)
		}
	}
}

// Scenario (f): a residual cancelled before the next flush leaves no trace in
// the store. The bid is the first order on an empty side, so it is written
// through at insert and deleted again at flush; the fused no-op case is
// book.TestOrderListCancelBeforeFlushFuses.
func TestScenarioCancelBeforeFlush(t *testing.T) {
	h := newHarness(t, 10)
	if _, _, err := h.eng.Process(Quote{ID: 1, Kind: Limit, Side: codec.Ask, Price: 100, Qty: 5, AccountID: 2}, h.bids, h.asks); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.eng.Process(Quote{ID: 2, Kind: Limit, Side: codec.Bid, Price: 99, Qty: 5, AccountID: 3}, h.bids, h.asks); err != nil {
		t.Fatal(err)
	}
	ok, err := Cancel(h.store, h.bids, h.asks, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected cancel to find id 2")
	}

	flush(t, h)
	bidEntries, _ := h.store.GetRange(codec.Bid, nil, 10)
	if len(bidEntries) != 0 {
		t.Fatalf("expected cancelled order to leave no trace in the store, got %d", len(bidEntries))
	}
}

func TestCancelNonExistentIDReturnsFalse(t *testing.T) {
	h := newHarness(t, 10)
	ok, err := Cancel(h.store, h.bids, h.asks, 12345)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected cancel of unknown id to report not-found")
	}
}
