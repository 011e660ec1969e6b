package dashboard

import (
	"context"
	"sync"
	"time"

	"helmsman/internal/config"
	"helmsman/internal/logging"
	"helmsman/internal/memory"
)

// Roll-up schedule. Hourly buckets recompute shortly after each hour closes,
// daily buckets shortly after midnight UTC; both recompute a trailing overlap
// window so a flush landing late never leaves a bucket stale.
const (
	rollupOffset = 5 * time.Minute
	cleanupEvery = 5 * time.Minute

	hourlyOverlap = 2 * time.Hour
	dailyOverlap  = 48 * time.Hour
)

// Collector drives the tiered metric pipeline in the background: hot ring
// to warm samples, warm samples to hourly and daily buckets, and retention
// cleanup for all three plus aged-out orchestration history.
type Collector struct {
	reg *Registry
	mem *memory.Store
	cfg config.MemoryConfig

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCollector wires the registry's hot tier to the store's warm tier.
// Cadence and retention come from the memory configuration.
func NewCollector(reg *Registry, mem *memory.Store, cfg config.MemoryConfig) *Collector {
	return &Collector{
		reg:  reg,
		mem:  mem,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the background flusher. Call Stop to drain and exit.
func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop flushes once more and waits for the background goroutine.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)

	flushEvery := c.cfg.FlushHotEvery
	if flushEvery <= 0 {
		flushEvery = time.Minute
	}
	flush := time.NewTicker(flushEvery)
	cleanup := time.NewTicker(cleanupEvery)
	defer flush.Stop()
	defer cleanup.Stop()

	now := time.Now().UTC()
	hourly := time.NewTimer(time.Until(nextAfter(now, time.Hour, rollupOffset)))
	daily := time.NewTimer(time.Until(nextAfter(now, 24*time.Hour, rollupOffset)))
	defer hourly.Stop()
	defer daily.Stop()

	for {
		select {
		case <-flush.C:
			c.Flush(ctx)
		case <-hourly.C:
			c.RollupHourly(ctx)
			hourly.Reset(time.Until(nextAfter(time.Now().UTC(), time.Hour, rollupOffset)))
		case <-daily.C:
			c.RollupDaily(ctx)
			daily.Reset(time.Until(nextAfter(time.Now().UTC(), 24*time.Hour, rollupOffset)))
		case <-cleanup.C:
			c.Cleanup(ctx)
		case <-c.stop:
			c.Flush(context.Background())
			return
		case <-ctx.Done():
			return
		}
	}
}

// nextAfter returns the first instant strictly after now that sits offset
// past a period boundary: nextAfter(now, time.Hour, 5m) fires at minute :05.
func nextAfter(now time.Time, period, offset time.Duration) time.Time {
	next := now.Truncate(period).Add(offset)
	if !next.After(now) {
		next = next.Add(period)
	}
	return next
}

// Flush copies every session's hot ring into the warm tier. The warm table
// upserts on (session_id, ts), so re-flushing samples still in the ring is
// harmless.
func (c *Collector) Flush(ctx context.Context) {
	var all []memory.MetricSample
	for _, s := range c.reg.Summary() {
		all = append(all, c.reg.HotSamples(s.ID)...)
	}
	if len(all) == 0 {
		return
	}
	if err := c.mem.InsertMetricSamples(ctx, all); err != nil {
		logging.Dashboard("Metric flush failed: %v", err)
		return
	}
	logging.Dashboard("Flushed %d hot samples to warm tier", len(all))
}

// RollupHourly recomputes hourly buckets over the trailing overlap window.
func (c *Collector) RollupHourly(ctx context.Context) {
	now := time.Now().UTC()
	if err := c.mem.RollupHourly(ctx, now.Add(-hourlyOverlap), now); err != nil {
		logging.Dashboard("Hourly rollup failed: %v", err)
	}
}

// RollupDaily recomputes daily buckets over the trailing overlap window.
func (c *Collector) RollupDaily(ctx context.Context) {
	now := time.Now().UTC()
	if err := c.mem.RollupDaily(ctx, now.Add(-dailyOverlap), now); err != nil {
		logging.Dashboard("Daily rollup failed: %v", err)
	}
}

// Rollup recomputes both bucket tiers immediately.
func (c *Collector) Rollup(ctx context.Context) {
	c.RollupHourly(ctx)
	c.RollupDaily(ctx)
}

// Cleanup applies the configured per-tier retention, and expires
// orchestration history older than the longest tier.
func (c *Collector) Cleanup(ctx context.Context) {
	now := time.Now().UTC()
	raw, hourly, daily := c.cfg.RetainRaw, c.cfg.RetainHourly, c.cfg.RetainDaily
	if raw <= 0 {
		raw = 24 * time.Hour
	}
	if hourly <= 0 {
		hourly = 7 * 24 * time.Hour
	}
	if daily <= 0 {
		daily = 365 * 24 * time.Hour
	}
	err := c.mem.CleanupMetrics(ctx,
		now.Add(-raw),
		now.Add(-hourly),
		now.Add(-daily))
	if err != nil {
		logging.Dashboard("Metric cleanup failed: %v", err)
	}
	n, err := c.mem.CleanupOldOrchestrations(ctx, now.Add(-daily))
	if err != nil {
		logging.Dashboard("Orchestration cleanup failed: %v", err)
	} else if n > 0 {
		logging.Dashboard("Expired %d old orchestrations", n)
	}
}
