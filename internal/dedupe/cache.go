// ABOUTME: Thread-safe TTL cache of recently seen upstream identifiers.
// ABOUTME: Lets the upstream manager act on each call ID or transcript item once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// maxSweepInterval caps how long expired entries linger between sweeps.
const maxSweepInterval = time.Minute

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for a TTL, bounded by a maximum size. The oldest key
// is evicted first once the bound is reached.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop(min(ttl, maxSweepInterval))
	return c
}

// Seen reports whether key was already recorded inside the TTL window. A
// key that is new (or expired) is recorded and false is returned, so the
// first caller wins and later callers see a duplicate.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		// Expired: refresh in place.
		e.seenAt = now
		c.order.MoveToBack(el)
		return false
	}

	if len(c.index) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Contains reports whether key is recorded and unexpired without marking it.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry).seenAt) < c.ttl
}

// Forget removes key so the next Seen call treats it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
}

// Len returns the number of recorded keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	if interval <= 0 {
		interval = maxSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep drops expired keys. Entries are in insertion order, so it stops at
// the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.index, e.key)
		el = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
