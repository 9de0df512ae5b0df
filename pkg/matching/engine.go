// Package matching implements the price-time priority matching algorithm,
// driving the persistent book.OrderList/book.Store pair directly rather than
// a plain in-memory heap+map.
package matching

import (
	"fmt"

	"github.com/mockex/engine/pkg/book"
	"github.com/mockex/engine/pkg/codec"
	"github.com/mockex/engine/pkg/util"
)

// Kind distinguishes limit from market quotes.
type Kind uint8

const (
	Limit Kind = iota
	Market
)

// Quote is the transient incoming order processed by a single Engine.Process call.
type Quote struct {
	ID        int64
	Kind      Kind
	Side      codec.Side
	Price     int64 // required if Kind == Limit
	Qty       int64
	AccountID int64
}

// Trade is one fill produced by Process.
type Trade struct {
	TimestampMicros int64
	Price           int64
	Qty             int64
	MakerOrderID    int64
	MakerAccountID  int64
	TakerOrderID    int64
	TakerAccountID  int64
	TakerSide       codec.Side
}

// Engine matches a single Quote against the opposite side's working set.
type Engine struct {
	clock *util.MonotonicMicros
}

// NewEngine constructs an Engine with its own monotonic microsecond clock.
func NewEngine() *Engine {
	return &Engine{clock: &util.MonotonicMicros{}}
}

// Process resolves quote against the opposite OrderList, producing trades
// and (for an unfilled limit quote) a residual resting order inserted into
// the same-side list. Market quotes with residual demand are dropped rather
// than booked, since a market order has no price to rest at.
func (e *Engine) Process(quote Quote, bids, asks *book.OrderList) ([]Trade, *book.Order, error) {
	if quote.Qty <= 0 {
		return nil, nil, fmt.Errorf("matching: qty must be positive")
	}
	if quote.Kind == Limit && quote.Price <= 0 {
		return nil, nil, fmt.Errorf("matching: limit quote requires a positive price")
	}

	var opposite, same *book.OrderList
	if quote.Side == codec.Bid {
		opposite, same = asks, bids
	} else {
		opposite, same = bids, asks
	}

	remaining := quote.Qty
	var trades []Trade

	it := opposite.Iterate()
	for remaining > 0 {
		o, ok := it.Next()
		if !ok {
			break
		}
		if o.AccountID == quote.AccountID {
			// Self-trade prevention: skip without consuming.
			continue
		}
		if quote.Kind == Limit {
			if quote.Side == codec.Bid && o.Price > quote.Price {
				break
			}
			if quote.Side == codec.Ask && o.Price < quote.Price {
				break
			}
		}

		fillQty := min(o.QtyRemaining, remaining)
		remaining -= fillQty

		if fillQty == o.QtyRemaining {
			opposite.Delete(o)
		} else {
			opposite.UpdateQty(o, o.QtyRemaining-fillQty)
		}

		trades = append(trades, Trade{
			TimestampMicros: e.clock.Next(),
			Price:           o.Price,
			Qty:             fillQty,
			MakerOrderID:    o.ID,
			MakerAccountID:  o.AccountID,
			TakerOrderID:    quote.ID,
			TakerAccountID:  quote.AccountID,
			TakerSide:       quote.Side,
		})
	}
	if err := it.Err(); err != nil {
		return trades, nil, err
	}
	opposite.ApplyDeletes()

	var residual *book.Order
	if remaining > 0 && quote.Kind == Limit {
		residual = &book.Order{
			ID:           quote.ID,
			Side:         quote.Side,
			Price:        quote.Price,
			QtyRemaining: remaining,
			AccountID:    quote.AccountID,
			InStore:      false,
		}
		if err := same.Insert(residual); err != nil {
			return trades, nil, err
		}
	}
	return trades, residual, nil
}

// Cancel removes a resting order by id. It first checks both working sets
// (the common case: the order was placed this session), then falls back to
// the store's id index for an order resident only on disk. Returns false if
// the id does not exist anywhere, which the dispatcher treats as a
// validation error rather than a silent no-op.
func Cancel(store *book.Store, bids, asks *book.OrderList, id int64) (bool, error) {
	if bids.Cancel(id) {
		return true, nil
	}
	if asks.Cancel(id) {
		return true, nil
	}
	entry, found, err := store.GetID(id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if entry.Side == codec.Bid {
		bids.CancelStored(id, entry.Key)
	} else {
		asks.CancelStored(id, entry.Key)
	}
	return true, nil
}
