// Package resultcache caches processed results keyed by the parameters that
// produced them, in two tiers: a bounded in-memory LRU in front of an
// optional caller-supplied keyed store. Records expire after a configurable
// age, checked both on access and by a periodic cleanup pass.
package resultcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ygrebnov/fleetpool/internal/logging"

	"go.uber.org/zap"
)

// Record is one cached result, as held by both tiers.
type Record struct {
	CacheKey     string
	Result       interface{}
	Timestamp    time.Time
	LastAccessed time.Time
}

// KeyedStore is the optional second tier: a keyed record store that outlives
// the in-memory LRU. Implementations must be safe for concurrent use.
type KeyedStore interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Key builds the stable cache key for one processed image: image id,
// requested dimensions, quality rounded to two decimals, format tag, and
// the aspect-ratio flag.
func Key(imageID string, width, height int, quality float64, format string, preserveAspect bool) string {
	return fmt.Sprintf("%s:%dx%d:q%.2f:%s:ar%t", imageID, width, height, quality, format, preserveAspect)
}

// Options configures a Cache.
type Options struct {
	// MemorySize bounds the in-memory LRU tier. Default: 256 entries.
	MemorySize int

	// Expiry is the maximum record age. Records older than this are evicted
	// on access and by the periodic cleanup. Default: 24h.
	Expiry time.Duration

	// CleanupInterval is how often the periodic cleanup runs once
	// StartCleanup is called. Default: Expiry / 4.
	CleanupInterval time.Duration

	// Store, if non-nil, is the second tier consulted on LRU misses and
	// written through on Put.
	Store KeyedStore

	Logger logging.Logger
}

// Cache is the two-tier processed-result cache.
type Cache struct {
	opts Options
	mem  *lru.Cache[string, Record]
	log  logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Cache. The in-memory tier is always present; the keyed
// store tier only when Options.Store is set.
func New(opts Options) (*Cache, error) {
	if opts.MemorySize <= 0 {
		opts.MemorySize = 256
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 24 * time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = opts.Expiry / 4
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	mem, err := lru.New[string, Record](opts.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("resultcache: %w", err)
	}
	return &Cache{opts: opts, mem: mem, log: opts.Logger}, nil
}

func (c *Cache) expired(rec Record, now time.Time) bool {
	return now.Sub(rec.Timestamp) > c.opts.Expiry
}

// Get returns the cached result for key, if present and unexpired. An
// expired record found in either tier is evicted and reported as a miss. A
// record found only in the keyed store is promoted into the LRU.
func (c *Cache) Get(ctx context.Context, key string) (interface{}, bool) {
	now := time.Now()

	if rec, ok := c.mem.Get(key); ok {
		if c.expired(rec, now) {
			c.evict(ctx, key)
			return nil, false
		}
		rec.LastAccessed = now
		c.mem.Add(key, rec)
		return rec.Result, true
	}

	if c.opts.Store == nil {
		return nil, false
	}
	rec, ok, err := c.opts.Store.Get(ctx, key)
	if err != nil {
		c.log.Warn("resultcache: store get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if c.expired(rec, now) {
		c.evict(ctx, key)
		return nil, false
	}
	rec.LastAccessed = now
	c.mem.Add(key, rec)
	return rec.Result, true
}

// Put stores result under key in the LRU and, when configured, writes it
// through to the keyed store.
func (c *Cache) Put(ctx context.Context, key string, result interface{}) {
	now := time.Now()
	rec := Record{CacheKey: key, Result: result, Timestamp: now, LastAccessed: now}
	c.mem.Add(key, rec)
	if c.opts.Store != nil {
		if err := c.opts.Store.Put(ctx, rec); err != nil {
			c.log.Warn("resultcache: store put failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (c *Cache) evict(ctx context.Context, key string) {
	c.mem.Remove(key)
	if c.opts.Store != nil {
		if err := c.opts.Store.Delete(ctx, key); err != nil {
			c.log.Warn("resultcache: store delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Cleanup removes every expired record from both tiers. It is called
// periodically once StartCleanup runs, and may also be called directly.
func (c *Cache) Cleanup(ctx context.Context) {
	now := time.Now()

	for _, key := range c.mem.Keys() {
		if rec, ok := c.mem.Peek(key); ok && c.expired(rec, now) {
			c.evict(ctx, key)
		}
	}

	if c.opts.Store == nil {
		return
	}
	keys, err := c.opts.Store.Keys(ctx)
	if err != nil {
		c.log.Warn("resultcache: store keys failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		rec, ok, err := c.opts.Store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		if c.expired(rec, now) {
			c.evict(ctx, key)
		}
	}
}

// StartCleanup begins the periodic cleanup ticker. It is a no-op if already
// started.
func (c *Cache) StartCleanup(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup(ctx)
			}
		}
	}()
}

// Stop halts the periodic cleanup, if running.
func (c *Cache) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

// Len reports the number of records currently held in the in-memory tier.
func (c *Cache) Len() int {
	return c.mem.Len()
}
