package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagelens/renderd/pkg/types"
)

// Observer receives cache outcomes. Implemented by the metrics collector;
// nil observers are tolerated.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheEvicted(reason string)
	SetCacheEntries(n int)
}

// entry is one stored result; the HTML body is held compressed.
type entry struct {
	fingerprint string
	body        []byte
	algorithm   string

	title         string
	finalURL      string
	originalURL   string
	statusCode    int
	contentLength int

	storedAt time.Time
	elem     *list.Element
}

// Cache is an in-process LRU with TTL eviction. The LRU order follows
// last access, not insertion.
type Cache struct {
	config   *Config
	observer Observer
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently accessed

	now func() time.Time

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New builds a cache. observer may be nil.
func New(config *Config, observer Observer, logger *zap.Logger) *Cache {
	return &Cache{
		config:   config,
		observer: observer,
		logger:   logger,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get returns the cached result for a fingerprint, or nil on miss. An
// entry past its TTL is evicted and reported as a miss. Hits refresh the
// entry's LRU position.
func (c *Cache) Get(fingerprint string) *types.RenderResult {
	c.mu.Lock()
	e, ok := c.entries[fingerprint]
	if !ok {
		c.mu.Unlock()
		c.miss()
		return nil
	}
	if c.now().Sub(e.storedAt) > c.config.TTL.Std() {
		c.removeLocked(e)
		c.mu.Unlock()
		c.evicted("ttl")
		c.miss()
		return nil
	}
	c.lru.MoveToFront(e.elem)
	c.mu.Unlock()

	body, err := decompress(e.body, e.algorithm)
	if err != nil {
		// A corrupt entry is dropped rather than served.
		c.logger.Error("cache entry decompression failed",
			zap.String("fingerprint", fingerprint), zap.Error(err))
		c.mu.Lock()
		if cur, ok := c.entries[fingerprint]; ok && cur == e {
			c.removeLocked(cur)
		}
		c.mu.Unlock()
		c.evicted("corrupt")
		c.miss()
		return nil
	}

	if c.observer != nil {
		c.observer.CacheHit()
	}
	return &types.RenderResult{
		HTML:          string(body),
		Title:         e.title,
		URL:           e.finalURL,
		OriginalURL:   e.originalURL,
		StatusCode:    e.statusCode,
		ContentLength: e.contentLength,
		Timestamp:     e.storedAt,
		FromCache:     true,
	}
}

// Put stores a result, evicting the least-recently-accessed entry first
// when at capacity. Results that were degraded are never stored.
func (c *Cache) Put(fingerprint string, result *types.RenderResult) {
	if result == nil || result.IsEmergencyContent || result.WasTimeout {
		return
	}

	body, algorithm, err := compress([]byte(result.HTML), c.config.Compression, c.config.MinCompressSize)
	if err != nil {
		c.logger.Warn("cache compression failed, storing uncompressed", zap.Error(err))
		body, algorithm = []byte(result.HTML), CompressionNone
	}

	c.mu.Lock()
	if existing, ok := c.entries[fingerprint]; ok {
		c.removeLocked(existing)
	}
	evictions := 0
	for len(c.entries) >= c.config.Capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(c.entries[oldest.Value.(string)])
		evictions++
	}

	e := &entry{
		fingerprint:   fingerprint,
		body:          body,
		algorithm:     algorithm,
		title:         result.Title,
		finalURL:      result.URL,
		originalURL:   result.OriginalURL,
		statusCode:    result.StatusCode,
		contentLength: result.ContentLength,
		storedAt:      c.now(),
	}
	e.elem = c.lru.PushFront(fingerprint)
	c.entries[fingerprint] = e
	n := len(c.entries)
	c.mu.Unlock()

	for i := 0; i < evictions; i++ {
		c.evicted("capacity")
	}
	if c.observer != nil {
		c.observer.SetCacheEntries(n)
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartSweeper launches the background TTL eviction pass.
func (c *Cache) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})

	go func() {
		defer close(c.sweepDone)
		ticker := time.NewTicker(c.config.SweepInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop halts the sweeper.
func (c *Cache) Stop() {
	if c.sweepCancel != nil {
		c.sweepCancel()
		<-c.sweepDone
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	now := c.now()
	expired := make([]*entry, 0)
	for _, e := range c.entries {
		if now.Sub(e.storedAt) > c.config.TTL.Std() {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
	n := len(c.entries)
	c.mu.Unlock()

	if len(expired) > 0 {
		for range expired {
			c.evicted("ttl")
		}
		if c.observer != nil {
			c.observer.SetCacheEntries(n)
		}
		c.logger.Debug("cache sweep", zap.Int("expired", len(expired)))
	}
}

// removeLocked drops an entry. Caller holds the mutex.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.fingerprint)
	c.lru.Remove(e.elem)
}

func (c *Cache) miss() {
	if c.observer != nil {
		c.observer.CacheMiss()
	}
}

func (c *Cache) evicted(reason string) {
	if c.observer != nil {
		c.observer.CacheEvicted(reason)
	}
}
