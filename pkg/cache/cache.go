// Package cache implements the bounded, time-boxed response cache.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/keys"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/store"
)

// PersistPrefix namespaces persisted cache entries inside a shared store.
const PersistPrefix = "cache:"

// Config bounds the cache.
type Config struct {
	TTL           time.Duration
	MaxEntries    int
	MaxBytes      int64
	MaxEntryBytes int64
	// SweepInterval enables the background expiry sweep when positive.
	SweepInterval time.Duration
}

type entry struct {
	key          keys.Key
	value        models.Result
	createdAt    time.Time
	lastAccessAt time.Time
	accessCount  int64
	size         int64
}

// Cache is an LRU cache with TTL expiry and entry/byte ceilings. The most
// recently used entry sits at the front of order.
type Cache struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
	store  store.Store

	mu    sync.Mutex
	items map[keys.Key]*list.Element
	order *list.List
	bytes int64
	stats models.CacheStats

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithStore enables write-through persistence.
func WithStore(s store.Store) Option {
	return func(c *Cache) { c.store = s }
}

// New creates a Cache and starts the sweep goroutine when configured.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 500
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	c := &Cache{
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
		items:  make(map[keys.Key]*list.Element),
		order:  list.New(),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}
	return c
}

// Get returns a live cached result and refreshes its recency.
func (c *Cache) Get(key keys.Key) (models.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return models.Result{}, false
	}
	e := elem.Value.(*entry)
	now := c.now()
	if now.Sub(e.createdAt) >= c.cfg.TTL {
		c.removeElement(elem)
		c.stats.Expirations++
		c.stats.Misses++
		return models.Result{}, false
	}

	e.lastAccessAt = now
	e.accessCount++
	c.order.MoveToFront(elem)
	c.stats.Hits++
	return e.value, true
}

// Put inserts or overwrites key. Results larger than MaxEntryBytes are
// rejected with a CapacityExceeded error and not cached.
func (c *Cache) Put(key keys.Key, value models.Result) error {
	value.Cached = false
	size, err := sizeOf(value)
	if err != nil {
		return generr.Wrap(generr.Internal, err, "encode cache entry")
	}
	if c.cfg.MaxEntryBytes > 0 && size > c.cfg.MaxEntryBytes {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		return generr.New(generr.CapacityExceeded, "result of %d bytes exceeds cache entry limit of %d", size, c.cfg.MaxEntryBytes)
	}
	if c.cfg.MaxBytes > 0 && size > c.cfg.MaxBytes {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		return generr.New(generr.CapacityExceeded, "result of %d bytes exceeds cache size limit of %d", size, c.cfg.MaxBytes)
	}

	now := c.now()
	c.insert(&entry{key: key, value: value, createdAt: now, lastAccessAt: now, size: size})
	c.persist(key, models.CacheEntry{Key: string(key), Result: value, CreatedAt: now})
	return nil
}

func (c *Cache) insert(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[e.key]; ok {
		c.removeElement(elem)
	}
	for c.order.Len() > 0 &&
		(c.order.Len() >= c.cfg.MaxEntries || (c.cfg.MaxBytes > 0 && c.bytes+e.size > c.cfg.MaxBytes)) {
		c.removeElement(c.order.Back())
		c.stats.Evictions++
	}
	c.items[e.key] = c.order.PushFront(e)
	c.bytes += e.size
}

// Invalidate removes key.
func (c *Cache) Invalidate(key keys.Key) {
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	c.mu.Unlock()

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.Delete(ctx, PersistPrefix+string(key)); err != nil {
			c.logger.Warn("cache: delete persisted entry", zap.String("key", key.Short()), zap.Error(err))
		}
	}
}

// Clear removes every entry, including persisted copies, so a later Load
// does not bring them back.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.items = make(map[keys.Key]*list.Element)
	c.order.Init()
	c.bytes = 0
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if _, err := store.ClearPrefix(ctx, c.store, PersistPrefix, false); err != nil {
		return fmt.Errorf("clear persisted cache: %w", err)
	}
	return nil
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if now.Sub(elem.Value.(*entry).createdAt) >= c.cfg.TTL {
			c.removeElement(elem)
			c.stats.Expirations++
			removed++
		}
		elem = prev
	}
	return removed
}

// Stats returns cache counters.
func (c *Cache) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = int64(c.order.Len())
	s.Bytes = c.bytes
	return s
}

// Load warms the cache from the store. Entries older than the TTL are
// skipped; anything unreadable is ignored.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	raw, err := c.store.Scan(ctx, PersistPrefix)
	if err != nil {
		return 0, err
	}
	now := c.now()
	loaded := 0
	for k, data := range raw {
		var ce models.CacheEntry
		if err := json.Unmarshal(data, &ce); err != nil {
			c.logger.Debug("cache: skip unreadable entry", zap.String("key", k), zap.Error(err))
			continue
		}
		if now.Sub(ce.CreatedAt) >= c.cfg.TTL {
			continue
		}
		size, err := sizeOf(ce.Result)
		if err != nil {
			continue
		}
		if c.cfg.MaxEntryBytes > 0 && size > c.cfg.MaxEntryBytes {
			continue
		}
		c.insert(&entry{
			key:          keys.Key(ce.Key),
			value:        ce.Result,
			createdAt:    ce.CreatedAt,
			lastAccessAt: ce.CreatedAt,
			size:         size,
		})
		loaded++
	}
	return loaded, nil
}

// Close stops the sweep goroutine.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Cache) persist(key keys.Key, ce models.CacheEntry) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(ce)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Put(ctx, PersistPrefix+string(key), data, c.cfg.TTL); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("cache: persist entry", zap.String("key", key.Short()), zap.Error(err))
	}
}

// sizeOf estimates the footprint of a result as its serialized length.
func sizeOf(r models.Result) (int64, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (c *Cache) removeElement(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(c.items, e.key)
	c.order.Remove(elem)
	c.bytes -= e.size
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache: swept expired entries", zap.Int("count", n))
			}
		}
	}
}
