// Package dispatcher implements the per-market consumer loop: dequeue an
// event, route it to the matching engine or directly to the ledger, apply
// the flush policy, and acknowledge. The run loop combines a cancellable
// context with a time.Ticker so the count and interval flush triggers can
// race against each other and a clean shutdown.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mockex/engine/pkg/book"
	"github.com/mockex/engine/pkg/codec"
	"github.com/mockex/engine/pkg/ledger"
	"github.com/mockex/engine/pkg/market"
	"github.com/mockex/engine/pkg/matching"
	"github.com/mockex/engine/pkg/metrics"
	"github.com/mockex/engine/pkg/queue"
	"github.com/mockex/engine/pkg/tape"
	"github.com/mockex/engine/pkg/util"
)

// transientBackoffInitial and transientBackoffMax bound the retry delay for
// a transient store error (lock contention, a full map): doubled after each
// failed attempt, capped, and retried indefinitely until it clears or ctx is
// cancelled.
const (
	transientBackoffInitial = 50 * time.Millisecond
	transientBackoffMax     = 2 * time.Second
)

// StoreCorruptionError wraps a fatal mismatch surfaced from pkg/book during
// normal event dispatch (not just flush): the caller must abort the run
// rather than retry or skip the event.
type StoreCorruptionError struct {
	err error
}

func (e *StoreCorruptionError) Error() string { return "dispatcher: store corruption: " + e.err.Error() }
func (e *StoreCorruptionError) Unwrap() error  { return e.err }

// IsStoreCorruption reports whether err (returned by Run or Flush) stems
// from a store-corruption condition rather than a queue or I/O failure, so a
// caller can choose the right process exit code.
func IsStoreCorruption(err error) bool {
	var sc *StoreCorruptionError
	if errors.As(err, &sc) {
		return true
	}
	var dup *book.ErrDuplicateKey
	if errors.As(err, &dup) {
		return true
	}
	var notFound *book.ErrNotFound
	if errors.As(err, &notFound) {
		return true
	}
	return false
}

// Dispatcher owns the single-writer loop for one market: its own OrderLists,
// its own ledger writer, its own tape, flushed atomically through the book's
// Store (a single-writer-per-market concurrency model).
type Dispatcher struct {
	market *market.Market
	queue  *queue.MarketQueue
	store  *book.Store
	bids   *book.OrderList
	asks   *book.OrderList
	engine *matching.Engine
	ledger *ledger.Writer
	tape   *tape.Tape
	met    *metrics.Collector
	log    *zap.SugaredLogger
	ids    *util.Sequence

	flushCount    int
	flushInterval time.Duration

	sinceFlush int
}

// New wires a Dispatcher for one market. bids/asks must already be primed
// working sets over store (book.NewOrderList); ld must be backed by the same
// pebble instance as store (store.RawDB()) so a flush commits both in one
// transaction.
func New(
	mkt *market.Market,
	q *queue.MarketQueue,
	store *book.Store,
	bids, asks *book.OrderList,
	ld *ledger.Writer,
	tp *tape.Tape,
	met *metrics.Collector,
	log *zap.SugaredLogger,
	flushCount int,
	flushInterval time.Duration,
) *Dispatcher {
	seed, _, _ := store.MaxID()
	return &Dispatcher{
		market:        mkt,
		queue:         q,
		store:         store,
		bids:          bids,
		asks:          asks,
		engine:        matching.NewEngine(),
		ledger:        ld,
		tape:          tp,
		met:           met,
		log:           log,
		ids:           util.NewSequence(seed),
		flushCount:    flushCount,
		flushInterval: flushInterval,
	}
}

// Run consumes events until ctx is cancelled, flushing on whichever of the
// count or interval boundary comes first. When ctx is cancelled it attempts
// a final flush before returning so a clean shutdown never drops acknowledged
// work; a dequeue, event or flush error returns at once without a flush.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := d.flush("shutdown"); err != nil {
				d.log.Errorw("final_flush_failed", "market", d.market.Code, "err", err)
				return err
			}
			return nil
		case <-ticker.C:
			if d.sinceFlush > 0 {
				if err := d.flush("interval"); err != nil {
					d.log.Errorw("interval_flush_failed", "market", d.market.Code, "err", err)
					return err
				}
			}
			if depth, err := d.queue.Len(ctx); err == nil {
				d.met.QueueDepth.WithLabelValues(d.market.Code).Set(float64(depth))
			}
		default:
			raw, err := d.queue.Dequeue(ctx, 1*time.Second)
			if errors.Is(err, queue.ErrTimeout) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				return fmt.Errorf("dispatcher: dequeue: %w", err)
			}
			if err := d.handle(ctx, raw); err != nil {
				return err
			}
			if d.flushCount > 0 && d.sinceFlush >= d.flushCount {
				if err := d.flush("count"); err != nil {
					d.log.Errorw("count_flush_failed", "market", d.market.Code, "err", err)
					return err
				}
			}
		}
	}
}

// handle dispatches one event, routing its outcome by error kind: a
// validation error rejects the event with no mutation; a store-corruption
// error is fatal and returned so Run aborts; anything else is assumed
// transient and retried in place with a capped exponential backoff until it
// clears or ctx is cancelled.
func (d *Dispatcher) handle(ctx context.Context, raw []byte) error {
	timer := metrics.NewTimer()
	method, err := Classify(raw)
	if err != nil {
		d.log.Warnw("event_rejected", "market", d.market.Code, "err", err)
		d.met.EventsTotal.WithLabelValues(d.market.Code, "unknown", "rejected").Inc()
		return nil
	}

	backoff := transientBackoffInitial
	for {
		d.ledger.BeginEvent()
		dispatchErr := d.dispatch(method, raw)
		if dispatchErr == nil {
			d.sinceFlush++
			d.met.EventsTotal.WithLabelValues(d.market.Code, string(method), "ok").Inc()
			d.met.EventLatency.WithLabelValues(d.market.Code, string(method)).Observe(timer.Seconds())
			return nil
		}

		switch classify(dispatchErr) {
		case errValidationKind:
			d.log.Warnw("event_rejected", "market", d.market.Code, "method", method, "err", dispatchErr)
			d.met.EventsTotal.WithLabelValues(d.market.Code, string(method), "rejected").Inc()
			d.met.EventLatency.WithLabelValues(d.market.Code, string(method)).Observe(timer.Seconds())
			return nil
		case errStoreCorrupt:
			d.met.EventsTotal.WithLabelValues(d.market.Code, string(method), "store_corrupt").Inc()
			return &StoreCorruptionError{err: dispatchErr}
		default:
			d.log.Warnw("event_retry", "market", d.market.Code, "method", method, "backoff", backoff, "err", dispatchErr)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > transientBackoffMax {
				backoff = transientBackoffMax
			}
		}
	}
}

func (d *Dispatcher) dispatch(method Method, raw []byte) error {
	switch method {
	case MethodPlaceOrder:
		return d.handlePlaceOrder(raw)
	case MethodCancelOrder:
		return d.handleCancelOrder(raw)
	case MethodDeposit:
		return d.handleDeposit(raw)
	case MethodWithdraw:
		return d.handleWithdraw(raw)
	default:
		return validationErrorf("dispatcher: unroutable method %q", method)
	}
}

// parseSide maps the wire side to a book side: buy orders rest as bids,
// sell orders rest as asks.
func parseSide(s string) (codec.Side, error) {
	switch s {
	case "buy":
		return codec.Bid, nil
	case "sell":
		return codec.Ask, nil
	default:
		return 0, validationErrorf("dispatcher: invalid side %q", s)
	}
}

func parseKind(s string) (matching.Kind, error) {
	switch s {
	case "limit":
		return matching.Limit, nil
	case "market":
		return matching.Market, nil
	default:
		return 0, validationErrorf("dispatcher: invalid order kind %q", s)
	}
}

// handlePlaceOrder routes the event through the matching engine (place-order
// and cancel-order go through the matching engine; deposit and withdraw
// bypass it).
func (d *Dispatcher) handlePlaceOrder(raw []byte) error {
	var p PlaceOrderPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	side, err := parseSide(p.Side)
	if err != nil {
		return err
	}
	kind, err := parseKind(p.Kind)
	if err != nil {
		return err
	}
	if err := d.market.ValidateOrderSize(p.Qty); err != nil {
		return validationErrorf("dispatcher: %v", err)
	}
	if kind == matching.Limit {
		if err := d.market.ValidatePrice(p.Price); err != nil {
			return validationErrorf("dispatcher: %v", err)
		}
	}

	quote := matching.Quote{
		ID:        d.ids.Next(),
		Kind:      kind,
		Side:      side,
		Price:     p.Price,
		Qty:       p.Qty,
		AccountID: p.AccountID,
	}

	timer := metrics.NewTimer()
	trades, _, err := d.engine.Process(quote, d.bids, d.asks)
	d.met.MatchLatency.WithLabelValues(d.market.Code).Observe(timer.Seconds())
	if err != nil {
		return err
	}

	var lines []tape.Line
	for _, tr := range trades {
		entries, err := d.ledger.ApplyFill(d.market, tr.TimestampMicros, tr.Qty, tr.Price, tr.MakerAccountID, tr.TakerAccountID, tr.TakerSide)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.AccountID == d.market.FeeAccountID && e.Amount > 0 {
				d.met.FeesCollected.WithLabelValues(d.market.Code, strconv.FormatInt(e.AssetID, 10)).Add(float64(e.Amount))
			}
		}
		lines = append(lines, tape.Line{
			TimestampMicros: tr.TimestampMicros,
			Price:           tr.Price,
			Qty:             tr.Qty,
			TakerSide:       tr.TakerSide,
			MakerOrderID:    tr.MakerOrderID,
			MakerAccountID:  tr.MakerAccountID,
			TakerOrderID:    tr.TakerOrderID,
			TakerAccountID:  tr.TakerAccountID,
		})
	}
	if len(lines) > 0 {
		d.tape.Append(lines...)
		d.met.TradesTotal.WithLabelValues(d.market.Code).Add(float64(len(lines)))
	}
	return nil
}

func (d *Dispatcher) handleCancelOrder(raw []byte) error {
	var p CancelOrderPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	found, err := matching.Cancel(d.store, d.bids, d.asks, p.OrderID)
	if err != nil {
		return err
	}
	if !found {
		return validationErrorf("dispatcher: cancel-order: id %d does not exist", p.OrderID)
	}
	return nil
}

func (d *Dispatcher) handleDeposit(raw []byte) error {
	var p DepositPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	_, err := d.ledger.ApplyDeposit(p.AccountID, p.AssetID, p.Amount)
	return err
}

func (d *Dispatcher) handleWithdraw(raw []byte) error {
	var p WithdrawPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	_, err := d.ledger.ApplyWithdraw(p.AccountID, p.AssetID, p.Amount)
	return err
}

// Flush forces a flush outside the normal count/interval policy, for the
// CLI's operator-triggered `flush <market_code>` command.
func (d *Dispatcher) Flush(trigger string) error {
	return d.flush(trigger)
}

// flush commits bids, asks, and the ledger into a single transaction, then
// drains the trade tape. A failed tape drain is logged but does not fail the
// flush: the tape deque is left intact for the next attempt, since the
// book/ledger transaction has already committed by that point.
func (d *Dispatcher) flush(trigger string) error {
	timer := metrics.NewTimer()
	tx := d.store.BeginTx()
	if err := d.bids.Flush(tx); err != nil {
		tx.Abort()
		return fmt.Errorf("dispatcher: flush bids: %w", err)
	}
	if err := d.asks.Flush(tx); err != nil {
		tx.Abort()
		return fmt.Errorf("dispatcher: flush asks: %w", err)
	}
	if err := d.ledger.Flush(tx); err != nil {
		tx.Abort()
		return fmt.Errorf("dispatcher: flush ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dispatcher: commit flush: %w", err)
	}

	if err := d.tape.Drain(time.Now().UnixMicro()); err != nil {
		d.log.Errorw("tape_drain_failed", "market", d.market.Code, "err", err)
	}

	d.met.FlushesTotal.WithLabelValues(d.market.Code, trigger).Inc()
	d.met.FlushLatency.WithLabelValues(d.market.Code).Observe(timer.Seconds())
	d.met.WorkingSetSize.WithLabelValues(d.market.Code, "bid").Set(float64(d.bids.Len()))
	d.met.WorkingSetSize.WithLabelValues(d.market.Code, "ask").Set(float64(d.asks.Len()))
	d.sinceFlush = 0
	return nil
}
