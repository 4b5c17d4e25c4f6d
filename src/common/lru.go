package common

import (
	"container/list"
	"sync"
)

// LRU is a least-recently used cache, safe for concurrent access.
type LRU struct {
	maxEntries int
	onEvict    func(key, value interface{})

	mu    sync.Mutex
	ll    *list.List
	cache map[interface{}]*list.Element
}

type lruEntry struct {
	key, value interface{}
}

// NewLRU returns a cache holding at most size items. onEvict, if not nil, is
// called with every item pushed out by Add.
func NewLRU(size int, onEvict func(key, value interface{})) *LRU {
	if size <= 0 {
		size = 1
	}
	return &LRU{
		maxEntries: size,
		onEvict:    onEvict,
		ll:         list.New(),
		cache:      make(map[interface{}]*list.Element),
	}
}

// Add adds the provided key and value to the cache, evicting
// an old item if necessary.
func (c *LRU) Add(key, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ee, ok := c.cache[key]; ok {
		c.ll.MoveToFront(ee)
		ee.Value.(*lruEntry).value = value
		return
	}

	ele := c.ll.PushFront(&lruEntry{key, value})
	c.cache[key] = ele

	if c.ll.Len() > c.maxEntries {
		k, v := c.removeOldest()
		if c.onEvict != nil {
			c.onEvict(k, v)
		}
	}
}

// Get fetches the key's value from the cache.
func (c *LRU) Get(key interface{}) (value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, hit := c.cache[key]; hit {
		c.ll.MoveToFront(ele)
		return ele.Value.(*lruEntry).value, true
	}
	return
}

// Remove drops key from the cache.
func (c *LRU) Remove(key interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, hit := c.cache[key]; hit {
		c.ll.Remove(ele)
		delete(c.cache, key)
	}
}

// Values returns the cached values, most recently used first.
func (c *LRU) Values() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]interface{}, 0, c.ll.Len())
	for ele := c.ll.Front(); ele != nil; ele = ele.Next() {
		res = append(res, ele.Value.(*lruEntry).value)
	}
	return res
}

// note: must hold c.mu
func (c *LRU) removeOldest() (key, value interface{}) {
	ele := c.ll.Back()
	if ele == nil {
		return
	}
	c.ll.Remove(ele)
	ent := ele.Value.(*lruEntry)
	delete(c.cache, ent.key)
	return ent.key, ent.value
}

// Len returns the number of items in the cache.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
