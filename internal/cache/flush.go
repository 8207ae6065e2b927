package cache

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"sectorfs/internal/util"
)

// flushLoop calls FlushAll every FlushInterval until ctx is done.
// Transient device failures are retried; what is left is logged and
// picked up again on the next tick since the slots stay dirty.
func (c *BufferCache) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := util.Retry(ctx, c.FlushAll, util.DeviceRetryOptions(ctx, uint(c.opts.IORetries))...)
			if err != nil && ctx.Err() == nil {
				c.stats.flushFailures.Add(1)
				log.Warnf("[Cache] write-behind flush failed: %v", err)
			}
		}
	}
}
