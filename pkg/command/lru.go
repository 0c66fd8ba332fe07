package command

import (
	"container/list"
	"sync"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

const defaultIdempotencyCapacity = 4096

type lruEntry struct {
	id       string
	response model.ResponseEnvelope
}

// idempotencyCache is a bounded LRU of completed (id -> response) pairs,
// so a retried command with a known id returns the original response
// instead of re-executing.
type idempotencyCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newIdempotencyCache(capacity int) *idempotencyCache {
	if capacity <= 0 {
		capacity = defaultIdempotencyCapacity
	}
	return &idempotencyCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (c *idempotencyCache) Get(id string) (model.ResponseEnvelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[id]
	if !ok {
		return model.ResponseEnvelope{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).response, true
}

func (c *idempotencyCache) Put(id string, resp model.ResponseEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		el.Value.(*lruEntry).response = resp
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&lruEntry{id: id, response: resp})
	c.index[id] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*lruEntry).id)
	}
}
