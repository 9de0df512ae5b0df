// Package ledger implements the tiered fee schedule and double-entry ledger
// generation, persisted through the market's own book.Store pebble instance
// rather than a separate account store.
package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"

	"github.com/mockex/engine/pkg/book"
	"github.com/mockex/engine/pkg/codec"
	"github.com/mockex/engine/pkg/market"
)

// ErrNonPositiveAmount is returned by ApplyDeposit/ApplyWithdraw for a
// non-positive amount: a caller-validation error, not a store fault.
var ErrNonPositiveAmount = errors.New("ledger: amount must be positive")

// Kind classifies why a ledger entry was produced.
type Kind uint8

const (
	Deposit Kind = iota
	Withdraw
	TradeFill
)

// Entry is one append-only ledger line.
type Entry struct {
	AccountID            int64
	AssetID              int64
	Amount               int64
	BalanceAfter         int64
	Kind                 Kind
	TradeTimestampMicros int64 // set only when Kind == TradeFill
}

// VolumeLookup supplies an account's trailing 30-day traded volume for fee
// tier selection. Computing this requires a trade history query this package
// doesn't own; ZeroVolume is the stub that stands in for it.
type VolumeLookup interface {
	Volume30d(accountID int64) int64
}

// ZeroVolume always reports zero volume, landing every account in the
// smallest-volume fee tier. It is the default until a real 30-day volume
// aggregator is wired in.
type ZeroVolume struct{}

func (ZeroVolume) Volume30d(int64) int64 { return 0 }

const balancePrefix = "led:"

func balanceKey(accountID, assetID int64) []byte {
	a := codec.EncodeInt64(accountID)
	q := codec.EncodeInt64(assetID)
	out := make([]byte, 0, len(balancePrefix)+2*codec.Int64Width)
	out = append(out, balancePrefix...)
	out = append(out, a[:]...)
	out = append(out, q[:]...)
	return out
}

type balKey struct{ account, asset int64 }

// Writer computes fees and emits double-entry ledger lines, caching
// balances for the duration of a single dispatched event.
type Writer struct {
	db      *pebble.DB
	vol     VolumeLookup
	cache   map[balKey]int64
	entries []Entry
}

// NewWriter wires a Writer to the pebble instance backing a market's
// BookStore. vol may be nil, in which case ZeroVolume is used.
func NewWriter(db *pebble.DB, vol VolumeLookup) *Writer {
	if vol == nil {
		vol = ZeroVolume{}
	}
	return &Writer{db: db, vol: vol, cache: make(map[balKey]int64)}
}

// BeginEvent clears the balance cache and entry buffer ahead of a new event.
func (w *Writer) BeginEvent() {
	w.cache = make(map[balKey]int64)
	w.entries = w.entries[:0]
}

func (w *Writer) balance(accountID, assetID int64) (int64, error) {
	k := balKey{accountID, assetID}
	if v, ok := w.cache[k]; ok {
		return v, nil
	}
	val, closer, err := w.db.Get(balanceKey(accountID, assetID))
	if err == pebble.ErrNotFound {
		w.cache[k] = 0
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: get balance: %w", err)
	}
	defer closer.Close()
	bal, err := codec.DecodeInt64(val)
	if err != nil {
		return 0, err
	}
	w.cache[k] = bal
	return bal, nil
}

func (w *Writer) credit(accountID, assetID, amount int64, kind Kind, tradeTS int64) (Entry, error) {
	cur, err := w.balance(accountID, assetID)
	if err != nil {
		return Entry{}, err
	}
	next := cur + amount
	w.cache[balKey{accountID, assetID}] = next
	e := Entry{
		AccountID:            accountID,
		AssetID:              assetID,
		Amount:               amount,
		BalanceAfter:         next,
		Kind:                 kind,
		TradeTimestampMicros: tradeTS,
	}
	w.entries = append(w.entries, e)
	return e, nil
}

// feeAmount computes qty*bps/10000 using a 128-bit intermediate (math/big),
// to avoid silent overflow on extreme inputs.
func feeAmount(qty, bps int64) int64 {
	n := new(big.Int).Mul(big.NewInt(qty), big.NewInt(bps))
	n.Quo(n, big.NewInt(10000))
	return n.Int64()
}

// ApplyFill emits the six ledger lines for one fill: three
// base-asset lines and three quote-asset lines, each set summing to zero.
// takerSide is the incoming quote's side; the taker is always the quote's
// account, the maker always the resting order's account.
func (w *Writer) ApplyFill(mkt *market.Market, tradeTimestampMicros, qty, price, makerAccountID, takerAccountID int64, takerSide codec.Side) ([]Entry, error) {
	fillTotal := qty * price

	var buyer, seller int64
	buyerIsTaker := takerSide == codec.Bid
	if buyerIsTaker {
		buyer, seller = takerAccountID, makerAccountID
	} else {
		buyer, seller = makerAccountID, takerAccountID
	}

	buyerMakerBps, buyerTakerBps := mkt.FeeBps(w.vol.Volume30d(buyer))
	sellerMakerBps, sellerTakerBps := mkt.FeeBps(w.vol.Volume30d(seller))

	var buyerBps, sellerBps int64
	if buyerIsTaker {
		buyerBps, sellerBps = buyerTakerBps, sellerMakerBps
	} else {
		buyerBps, sellerBps = buyerMakerBps, sellerTakerBps
	}

	feeBaseBuyer := feeAmount(qty, buyerBps)
	feeQuoteSeller := feeAmount(fillTotal, sellerBps)

	var out []Entry
	add := func(accountID, assetID, amount int64) error {
		e, err := w.credit(accountID, assetID, amount, TradeFill, tradeTimestampMicros)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}
	if err := add(seller, mkt.BaseAssetID, -qty); err != nil {
		return nil, err
	}
	if err := add(buyer, mkt.BaseAssetID, qty-feeBaseBuyer); err != nil {
		return nil, err
	}
	if err := add(mkt.FeeAccountID, mkt.BaseAssetID, feeBaseBuyer); err != nil {
		return nil, err
	}
	if err := add(buyer, mkt.QuoteAssetID, -fillTotal); err != nil {
		return nil, err
	}
	if err := add(seller, mkt.QuoteAssetID, fillTotal-feeQuoteSeller); err != nil {
		return nil, err
	}
	if err := add(mkt.FeeAccountID, mkt.QuoteAssetID, feeQuoteSeller); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyDeposit credits an account outside the matching engine.
func (w *Writer) ApplyDeposit(accountID, assetID, amount int64) (Entry, error) {
	if amount <= 0 {
		return Entry{}, ErrNonPositiveAmount
	}
	return w.credit(accountID, assetID, amount, Deposit, 0)
}

// ApplyWithdraw debits an account outside the matching engine.
func (w *Writer) ApplyWithdraw(accountID, assetID, amount int64) (Entry, error) {
	if amount <= 0 {
		return Entry{}, ErrNonPositiveAmount
	}
	return w.credit(accountID, assetID, -amount, Withdraw, 0)
}

// Flush writes every balance touched since BeginEvent into tx's shared
// batch, so ledger and book mutations commit in the same transaction.
func (w *Writer) Flush(tx *book.Tx) error {
	raw := tx.Raw()
	for k, v := range w.cache {
		val := codec.EncodeInt64(v)
		if err := raw.Set(balanceKey(k.account, k.asset), val[:], nil); err != nil {
			return fmt.Errorf("ledger: flush balance: %w", err)
		}
	}
	return nil
}

// Entries returns every ledger line produced since the last BeginEvent.
func (w *Writer) Entries() []Entry {
	return append([]Entry(nil), w.entries...)
}
