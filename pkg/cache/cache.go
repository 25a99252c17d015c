package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a TTL + LRU bounded key/value store. Expiry is lazy: entries are
// checked on read and dropped when stale. When the entry count would exceed
// capacity, the least-recently-used entry is evicted first. All operations
// are O(1) amortized and safe for concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	name     string
	ttl      time.Duration
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	hits     uint64
	misses   uint64
	now      func() time.Time
}

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
}

type Stats struct {
	Name     string        `json:"name"`
	Size     int           `json:"size"`
	Capacity int           `json:"capacity"`
	Hits     uint64        `json:"hits"`
	Misses   uint64        `json:"misses"`
	HitRate  float64       `json:"hit_rate"`
	TTL      time.Duration `json:"ttl"`
}

func New[V any](name string, ttl time.Duration, capacity int) *Cache[V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[V]{
		name:     name,
		ttl:      ttl,
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}

	ent := elem.Value.(*entry[V])
	if c.now().Sub(ent.insertedAt) >= c.ttl {
		// Expired entries behave as misses and are removed on read.
		c.removeElement(elem)
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return ent.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry[V])
		ent.value = value
		ent.insertedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}

	if len(c.items) >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}

	elem := c.order.PushFront(&entry[V]{key: key, value: value, insertedAt: c.now()})
	c.items[key] = elem
}

func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Name:     c.name,
		Size:     len(c.items),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  hitRate,
		TTL:      c.ttl,
	}
}

func (c *Cache[V]) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry[V])
	delete(c.items, ent.key)
	c.order.Remove(elem)
}
