package admission

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagelens/renderd/pkg/types"
)

// Observer receives admission outcomes. Implemented by the metrics
// collector; nil observers are tolerated.
type Observer interface {
	AdmissionDenied(reason string)
	SetInflight(n int)
}

// record is one identity's counters for one endpoint category.
type record struct {
	windowStart time.Time
	windowCount int
	burstStart  time.Time
	burstCount  int
	violations  int
	lastSeen    time.Time
}

// Controller is the single-writer owner of all admission state. Every
// method takes the one mutex; the critical sections are counter math only.
type Controller struct {
	config   *Config
	observer Observer
	logger   *zap.Logger

	mu       sync.Mutex
	records  map[string]*record   // identity "\x00" category
	blocks   map[string]time.Time // identity -> blocked until
	inflight int

	now func() time.Time // test seam

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewController builds a controller. observer may be nil.
func NewController(config *Config, observer Observer, logger *zap.Logger) *Controller {
	return &Controller{
		config:   config,
		observer: observer,
		logger:   logger,
		records:  make(map[string]*record),
		blocks:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// Admit decides whether a request may proceed and, when it may, reserves
// its slot in the same critical section: the in-flight slot and the
// window/burst counters are taken before the mutex is released, so
// concurrent callers can never slip past the ceiling together. A nil
// return means admitted and must be paired with Release on every path,
// success or failure. Denials are decision values, not errors.
func (c *Controller) Admit(identity, category string) *types.Denial {
	c.mu.Lock()

	now := c.now()

	if until, ok := c.blocks[identity]; ok {
		if now.Before(until) {
			defer c.mu.Unlock()
			return c.deny(identity, category, ReasonBlocked, until.Sub(now))
		}
		delete(c.blocks, identity)
		c.logger.Info("block expired", zap.String("identity", identity))
	}

	if c.inflight >= c.config.MaxInflight {
		defer c.mu.Unlock()
		return c.deny(identity, category, ReasonResourceExhaustion, 5*time.Second)
	}

	rec := c.record(identity, category, now)
	quota := c.config.quota(category)

	if rec.burstCount >= quota.BurstLimit {
		remaining := c.config.BurstWindow.Std() - now.Sub(rec.burstStart)
		defer c.mu.Unlock()
		return c.deny(identity, category, ReasonBurstLimit, remaining)
	}

	if rec.windowCount >= quota.WindowLimit {
		rec.violations++
		retry := c.config.Window.Std() - now.Sub(rec.windowStart)
		if rec.violations >= c.config.ViolationThreshold {
			dur := c.blockDuration(rec.violations)
			c.blocks[identity] = now.Add(dur)
			retry = dur
			c.logger.Warn("identity blocked",
				zap.String("identity", identity),
				zap.Int("violations", rec.violations),
				zap.Duration("duration", dur))
		}
		defer c.mu.Unlock()
		return c.deny(identity, category, ReasonRateLimit, retry)
	}

	c.inflight++
	n := c.inflight
	rec.windowCount++
	rec.burstCount++
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.SetInflight(n)
	}
	return nil
}

// Release counts an admitted request out.
func (c *Controller) Release(identity, category string) {
	c.mu.Lock()
	if c.inflight > 0 {
		c.inflight--
	}
	n := c.inflight
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.SetInflight(n)
	}
}

// Inflight reports the current global in-flight count.
func (c *Controller) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// StartSweeper launches the background cleanup of stale records and
// expired blocks.
func (c *Controller) StartSweeper() {
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
func (c *Controller) Stop() {
	if c.sweepCancel != nil {
		c.sweepCancel()
		<-c.sweepDone
	}
}

func (c *Controller) sweep() {
	c.mu.Lock()
	now := c.now()
	staleRecords := 0
	for key, rec := range c.records {
		if now.Sub(rec.lastSeen) > c.config.StaleAfter.Std() {
			delete(c.records, key)
			staleRecords++
		}
	}
	expiredBlocks := 0
	for identity, until := range c.blocks {
		if now.After(until) {
			delete(c.blocks, identity)
			expiredBlocks++
		}
	}
	c.mu.Unlock()

	if staleRecords > 0 || expiredBlocks > 0 {
		c.logger.Debug("admission sweep",
			zap.Int("stale_records", staleRecords),
			zap.Int("expired_blocks", expiredBlocks))
	}
}

// record returns the identity/category counters with both windows rolled
// forward. Caller holds the mutex.
func (c *Controller) record(identity, category string, now time.Time) *record {
	key := identity + "\x00" + category
	rec, ok := c.records[key]
	if !ok {
		rec = &record{windowStart: now, burstStart: now}
		c.records[key] = rec
	}
	if now.Sub(rec.windowStart) >= c.config.Window.Std() {
		rec.windowStart = now
		rec.windowCount = 0
	}
	if now.Sub(rec.burstStart) >= c.config.BurstWindow.Std() {
		rec.burstStart = now
		rec.burstCount = 0
	}
	rec.lastSeen = now
	return rec
}

func (c *Controller) blockDuration(violations int) time.Duration {
	over := violations - c.config.ViolationThreshold
	if over > 30 {
		over = 30
	}
	dur := c.config.BlockBase.Std() * time.Duration(1<<uint(over))
	if dur > c.config.BlockMax.Std() || dur <= 0 {
		dur = c.config.BlockMax.Std()
	}
	return dur
}

func (c *Controller) deny(identity, category, reason string, retryAfter time.Duration) *types.Denial {
	if retryAfter < 0 {
		retryAfter = 0
	}
	if c.observer != nil {
		c.observer.AdmissionDenied(reason)
	}
	c.logger.Info("request denied",
		zap.String("identity", identity),
		zap.String("category", category),
		zap.String("reason", reason),
		zap.Duration("retry_after", retryAfter))
	return &types.Denial{
		Limited:           true,
		Reason:            reason,
		RetryAfterSeconds: int(math.Ceil(retryAfter.Seconds())),
		Details:           denialDetails(reason, category),
	}
}

func denialDetails(reason, category string) string {
	switch reason {
	case ReasonBlocked:
		return "identity is temporarily blocked after repeated rate limit violations"
	case ReasonResourceExhaustion:
		return "service is at its concurrency ceiling, retry shortly"
	case ReasonBurstLimit:
		return "burst quota exceeded for category " + category
	default:
		return "rate limit exceeded for category " + category
	}
}
