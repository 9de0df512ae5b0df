// Package tape implements the append-only trade tape: an in-memory deque
// drained to a rotating, temp-then-rename file on each flush, giving each
// rotation whole-file atomicity.
package tape

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/mockex/engine/pkg/codec"
)

// Line is one trade tape record. Field order is fixed:
// time_µs, price, qty, taker_side, maker_order_id, maker_account_id,
// taker_order_id, taker_account_id.
type Line struct {
	TimestampMicros int64
	Price           int64
	Qty             int64
	TakerSide       codec.Side
	MakerOrderID    int64
	MakerAccountID  int64
	TakerOrderID    int64
	TakerAccountID  int64
}

func (l Line) format() string {
	return fmt.Sprintf("%d,%d,%d,%s,%d,%d,%d,%d\n",
		l.TimestampMicros, l.Price, l.Qty, l.TakerSide,
		l.MakerOrderID, l.MakerAccountID, l.TakerOrderID, l.TakerAccountID)
}

// Tape is the in-memory deque for one market, drained to dir on flush.
type Tape struct {
	dir string

	mu    sync.Mutex
	deque []Line
}

// Open ensures dir exists and returns a Tape rooted there.
func Open(dir string) (*Tape, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tape: mkdir %s: %w", dir, err)
	}
	return &Tape{dir: dir}, nil
}

// Append enqueues trade records produced during the current event. It does
// not touch disk; only Drain does.
func (t *Tape) Append(lines ...Line) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deque = append(t.deque, lines...)
}

// Len reports how many records are queued but not yet drained.
func (t *Tape) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deque)
}

// Drain writes the queued deque to a temp file, fsyncs it, then renames it
// to <ts_µs>, making the write visible atomically. On any error the deque is
// left untouched so the caller can retry on the next flush without losing
// records (a tape write error must never block book/ledger durability).
func (t *Tape) Drain(tsMicros int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.deque) == 0 {
		return nil
	}

	tmpPath := filepath.Join(t.dir, ".tmp")
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("tape: create temp file: %w", err)
	}
	for _, l := range t.deque {
		if _, err := f.WriteString(l.format()); err != nil {
			f.Close()
			return fmt.Errorf("tape: write: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("tape: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("tape: close: %w", err)
	}

	finalPath := filepath.Join(t.dir, strconv.FormatInt(tsMicros, 10))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("tape: rename: %w", err)
	}
	t.deque = t.deque[:0]
	return nil
}
