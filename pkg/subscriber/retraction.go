package subscriber

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type logKey struct {
	txHash common.Hash
	index  uint
}

// retractionCache remembers the most recently delivered logs so a
// reorg's retraction (the same log replayed with Removed=true) can be
// recognized as referring to a log this subscriber already dispatched,
// rather than as a brand new event. It is a fixed-size ring, oldest
// entries evicted first; a retraction for an evicted log is still
// forwarded with removed=true, just without the "previously delivered"
// distinction the cache would otherwise add.
type retractionCache struct {
	mu    sync.Mutex
	cap   int
	seen  map[logKey]bool
	order []logKey
}

func newRetractionCache(capacity int) *retractionCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &retractionCache{cap: capacity, seen: make(map[logKey]bool, capacity)}
}

// observe records lg and returns whether the node flagged it as a
// retraction of a previously delivered log.
func (c *retractionCache) observe(lg types.Log) bool {
	key := logKey{txHash: lg.TxHash, index: lg.Index}

	c.mu.Lock()
	defer c.mu.Unlock()

	if lg.Removed {
		return c.seen[key]
	}

	if !c.seen[key] {
		c.seen[key] = true
		c.order = append(c.order, key)
		for len(c.order) > c.cap {
			delete(c.seen, c.order[0])
			c.order = c.order[1:]
		}
	}
	return false
}
