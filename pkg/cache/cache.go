package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache fronts the per-upload lookups both edges repeat at high rates:
// CDN readiness probes and status-proxy fetches. Entries serve fresh
// for TTL, then stale for a revalidation window while one background
// reload runs, so a burst of polls for the same upload costs one
// upstream call.

type Options struct {
	// TTL is how long a loaded value serves as fresh.
	TTL time.Duration

	// StaleWhileRevalidate extends the entry past TTL; reads in that
	// window get the stale value and trigger one async reload.
	StaleWhileRevalidate time.Duration

	// NegativeTTL caches loader failures so a missing CDN object is
	// not re-probed on every poll. Zero disables negative caching.
	NegativeTTL time.Duration

	// MaxEntries bounds the cache; oldest insertions are dropped
	// first. Zero means unbounded.
	MaxEntries int
}

// MetricsHooks let the owning service count cache traffic without the
// cache depending on its registry.
type MetricsHooks struct {
	OnHit   func(labels map[string]string)
	OnMiss  func(labels map[string]string)
	OnStale func(labels map[string]string)
	OnStore func(labels map[string]string)
	OnError func(labels map[string]string)
}

// Loader fetches the value for key. ok=false with an error becomes a
// negative entry when NegativeTTL is set.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type record struct {
	value    interface{}
	err      error
	negative bool

	freshUntil time.Time // serves as a hit until here
	staleUntil time.Time // serves stale + revalidates until here
}

type Cache struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []string // insertion order, eviction queue
	opts    Options
	metrics MetricsHooks
	flight  singleflight.Group
}

func New(opts Options, hooks MetricsHooks) *Cache {
	return &Cache{
		records: make(map[string]*record),
		order:   make([]string, 0, 128),
		opts:    opts,
		metrics: hooks,
	}
}

type loadResult struct {
	val interface{}
	ok  bool
	err error
}

// Get returns the cached value for key, loading it through loader on a
// miss. Concurrent misses for the same key collapse into one loader
// call.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	now := time.Now()

	c.mu.RLock()
	rec, found := c.records[key]
	if found && now.Before(rec.freshUntil) {
		c.mu.RUnlock()
		c.emit(c.metrics.OnHit, key)
		if rec.negative {
			return nil, false, rec.err
		}
		return rec.value, true, nil
	}
	if found && now.Before(rec.staleUntil) {
		val, err, negative := rec.value, rec.err, rec.negative
		c.mu.RUnlock()
		c.emit(c.metrics.OnStale, key)
		c.revalidate(key, loader)
		if negative {
			return nil, false, err
		}
		return val, true, nil
	}
	c.mu.RUnlock()

	if found {
		// Past the stale window: the record is useless, drop it before
		// the synchronous reload.
		c.mu.Lock()
		delete(c.records, key)
		c.dequeue(key)
		c.mu.Unlock()
	}

	c.emit(c.metrics.OnMiss, key)
	result, _, _ := c.flight.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		return loadResult{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult)
	if !res.ok {
		return nil, false, res.err
	}
	return res.val, true, nil
}

// revalidate reloads key once in the background. The caller's context
// is deliberately not used: the poll that tripped the refresh returns
// immediately and may be canceled before the reload lands.
func (c *Cache) revalidate(key string, loader Loader) {
	go func() {
		_, _, _ = c.flight.Do("revalidate:"+key, func() (interface{}, error) {
			val, ok, err := loader(context.Background(), key)
			c.store(key, val, ok, err)
			return nil, nil
		})
	}()
}

func (c *Cache) store(key string, val interface{}, ok bool, err error) {
	now := time.Now()
	rec := &record{}
	if ok {
		rec.value = val
		rec.freshUntil = now.Add(c.opts.TTL)
		rec.staleUntil = rec.freshUntil.Add(c.opts.StaleWhileRevalidate)
	} else {
		if c.opts.NegativeTTL <= 0 {
			c.emit(c.metrics.OnError, key)
			return
		}
		rec.err = err
		rec.negative = true
		// Negatives never serve stale; the whole point is a fresh probe
		// once the penalty box expires.
		rec.freshUntil = now.Add(c.opts.NegativeTTL)
		rec.staleUntil = rec.freshUntil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[key]; !exists {
		c.order = append(c.order, key)
	}
	c.records[key] = rec
	c.evictLocked()
	if c.metrics.OnStore != nil {
		c.metrics.OnStore(map[string]string{"key": key, "ok": boolStr(ok)})
	}
}

// Set inserts a value directly, bypassing the loader path. Used for
// terminal statuses whose value is known at write time.
func (c *Cache) Set(key string, val interface{}, ttl time.Duration) {
	now := time.Now()
	rec := &record{
		value:      val,
		freshUntil: now.Add(ttl),
		staleUntil: now.Add(ttl).Add(c.opts.StaleWhileRevalidate),
	}
	c.mu.Lock()
	if _, exists := c.records[key]; !exists {
		c.order = append(c.order, key)
	}
	c.records[key] = rec
	c.evictLocked()
	c.mu.Unlock()
}

// Peek returns a cached value without loading. Stale positives are
// returned; negatives and fully expired records are not.
func (c *Cache) Peek(key string) (interface{}, bool) {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[key]
	if !ok || rec.negative || now.After(rec.staleUntil) {
		return nil, false
	}
	return rec.value, true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.records, key)
	c.dequeue(key)
	c.mu.Unlock()
}

func (c *Cache) dequeue(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evictLocked drops the oldest insertions past MaxEntries. Probe keys
// are touched for a few polls and abandoned, so insertion order is a
// close enough proxy for recency.
func (c *Cache) evictLocked() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.records) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.records, victim)
	}
}

func (c *Cache) emit(hook func(labels map[string]string), key string) {
	if hook != nil {
		hook(map[string]string{"key": key})
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
