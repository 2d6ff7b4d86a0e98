// ABOUTME: Bounded TTL window of realtime event keys already handed to a consumer
// ABOUTME: Lets a reconnecting client drop pushes it delivered before the socket dropped

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultTTL covers a full reconnect schedule with room to spare.
	DefaultTTL = 10 * time.Minute
	// DefaultMaxSize bounds memory for a single watcher.
	DefaultMaxSize = 4096

	maxSweepInterval = time.Minute
)

// Key builds the cache key for a realtime event. Events of different kinds may share an ID
// (a connection and its first message), so the kind is part of the key.
func Key(kind, id string) string {
	return kind + ":" + id
}

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers event keys for a TTL, evicting the oldest key when full.
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element // key -> element holding *entry
	order   *list.List               // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache. Non-positive arguments fall back to DefaultTTL and DefaultMaxSize.
// Expired keys are swept in the background until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
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

// Seen reports whether key was recorded within the TTL. A new or expired key is recorded
// and reported unseen, so exactly one of several concurrent callers gets false.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if c.now().Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = c.now()
		c.order.MoveToBack(el)
		return false
	}

	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seenAt: c.now()})
	return false
}

// contains reports whether key is recorded and unexpired without recording it.
func (c *Cache) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	return ok && c.now().Sub(el.Value.(*entry).seenAt) < c.ttl
}

// Forget drops key so a later Seen reports it unseen. Used when an event was recorded
// but could not be handed to the consumer.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of recorded keys, expired ones included until the next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
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

// sweep removes expired keys. Keys are ordered by last sighting, so it stops at the first
// live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
