package vecdb

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// MaintenanceConfig throttles background graph work so repair and
// compaction cannot starve foreground searches.
type MaintenanceConfig struct {
	// MaxBackgroundWorkers bounds concurrent repair workers. Zero means 1.
	MaxBackgroundWorkers int64

	// RowRateLimit caps rows touched per second by background passes.
	// Zero disables the limiter.
	RowRateLimit float64
}

// maintenanceController serializes background maintenance and meters its
// row throughput.
type maintenanceController struct {
	workers int64
	bgSem   *semaphore.Weighted
	limiter *rate.Limiter
}

func newMaintenanceController(cfg MaintenanceConfig) *maintenanceController {
	workers := cfg.MaxBackgroundWorkers
	if workers <= 0 {
		workers = 1
	}
	c := &maintenanceController{
		workers: workers,
		bgSem:   semaphore.NewWeighted(workers),
	}
	if cfg.RowRateLimit > 0 {
		burst := int(cfg.RowRateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RowRateLimit), burst)
	}
	return c
}

// acquire reserves all background worker slots, so only one maintenance
// pass runs at a time.
func (c *maintenanceController) acquire(ctx context.Context) error {
	return c.bgSem.Acquire(ctx, c.workers)
}

func (c *maintenanceController) release() {
	c.bgSem.Release(c.workers)
}

// waitRows blocks until the limiter admits n rows of background work.
func (c *maintenanceController) waitRows(ctx context.Context, n int) error {
	if c.limiter == nil || n <= 0 {
		return nil
	}
	// WaitN caps n at the burst size; larger passes are metered in chunks.
	burst := c.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := c.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
