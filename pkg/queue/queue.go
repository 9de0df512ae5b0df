// Package queue implements the per-market event queue the Dispatcher
// consumes from, backed by a Redis list (LPUSH/BRPOP).
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTimeout is returned by Dequeue when no message arrives within timeout.
var ErrTimeout = errors.New("queue: dequeue timed out")

// NewClient opens a redis connection pool shared across every market's
// MarketQueue. The pool is the only resource shared across markets
// each market only ever touches its own disjoint key.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// MarketQueue is the inbound event queue for one market, a Redis list keyed
// by market code.
type MarketQueue struct {
	rdb *redis.Client
	key string
}

// NewMarketQueue binds a MarketQueue to marketCode's list.
func NewMarketQueue(rdb *redis.Client, marketCode string) *MarketQueue {
	return &MarketQueue{rdb: rdb, key: "mockex:queue:" + marketCode}
}

// Enqueue pushes a raw JSON event payload onto the market's queue.
func (q *MarketQueue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("queue: enqueue to %s: %w", q.key, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next event, matching the original
// source's brpop-based SimpleQueue.dequeue.
func (q *MarketQueue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue from %s: %w", q.key, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: unexpected BRPOP result shape: %v", res)
	}
	return []byte(res[1]), nil
}

// Len reports the number of events currently queued.
func (q *MarketQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len of %s: %w", q.key, err)
	}
	return n, nil
}
