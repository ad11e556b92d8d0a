package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lumenlabs/borealis/common/stats"
)

// BiCache is a bidirectional map with time-based eviction. The scheduler
// uses it to remember which offer slot has been reserved for a task group
// pending preemption: neither side of the mapping may appear twice, and an
// unconsumed reservation is dropped after a fixed TTL because it represents
// a real resource hold on the cluster.
//
// Eviction is strictly insertion-time based, never access based.
type BiCache[K comparable, V comparable] struct {
	mu      sync.Mutex
	clk     clock.Clock
	ttl     time.Duration
	forward map[K]biEntry[V]
	reverse map[V]K
	timers  map[K]*clock.Timer
	gauge   stats.Gauge
	gen     uint64
}

type biEntry[V comparable] struct {
	value V
	gen   uint64
}

// NewBiCache creates a cache whose entries expire ttl after insertion.
// The current entry count is reported through the given gauge.
func NewBiCache[K comparable, V comparable](ttl time.Duration, clk clock.Clock, stat stats.StatsReceiver) *BiCache[K, V] {
	return &BiCache[K, V]{
		clk:     clk,
		ttl:     ttl,
		forward: make(map[K]biEntry[V]),
		reverse: make(map[V]K),
		timers:  make(map[K]*clock.Timer),
		gauge:   stat.Gauge("bicache_size"),
	}
}

// Put inserts the association k<->v. If either side is already mapped, the
// old entry is evicted first: replace semantics, not merge.
func (c *BiCache[K, V]) Put(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(k)
	if oldK, ok := c.reverse[v]; ok {
		c.removeLocked(oldK)
	}

	c.gen++
	gen := c.gen
	c.forward[k] = biEntry[V]{value: v, gen: gen}
	c.reverse[v] = k

	key := k
	c.timers[k] = c.clk.AfterFunc(c.ttl, func() {
		c.expire(key, gen)
	})
	c.gauge.Update(int64(len(c.forward)))
}

// GetByKey returns the value mapped to k, if any.
func (c *BiCache[K, V]) GetByKey(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.forward[k]
	return e.value, ok
}

// GetByValue returns the key mapped to v, if any.
func (c *BiCache[K, V]) GetByValue(v V) (K, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.reverse[v]
	return k, ok
}

// Remove drops the entry for k, if any. Effective immediately for all
// subsequent lookups even if an eviction timer is in flight.
func (c *BiCache[K, V]) Remove(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(k)
	c.gauge.Update(int64(len(c.forward)))
}

// Size returns the current entry count.
func (c *BiCache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.forward)
}

// Stop cancels all outstanding eviction timers. Entries are left in place.
func (c *BiCache[K, V]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, t := range c.timers {
		t.Stop()
		delete(c.timers, k)
	}
}

func (c *BiCache[K, V]) removeLocked(k K) {
	e, ok := c.forward[k]
	if !ok {
		return
	}
	delete(c.forward, k)
	delete(c.reverse, e.value)
	if t, ok := c.timers[k]; ok {
		t.Stop()
		delete(c.timers, k)
	}
}

// expire runs on the eviction timer. The generation check makes a timer
// that lost a race with Remove or a replacing Put a no-op.
func (c *BiCache[K, V]) expire(k K, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.forward[k]; ok && e.gen == gen {
		c.removeLocked(k)
	}
	c.gauge.Update(int64(len(c.forward)))
}
