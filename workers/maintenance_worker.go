// workers/maintenance_worker.go
package workers

import (
	"context"
	"fmt"
	"log"
	"time"
)

// MaintenanceConfig tunes the background upkeep loops.
type MaintenanceConfig struct {
	PromoteEvery       time.Duration // delayed-job promotion
	StallEvery         time.Duration // stalled-job sweep
	CleanupEvery       time.Duration // terminal-job purge
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.PromoteEvery <= 0 {
		c.PromoteEvery = time.Second
	}
	if c.StallEvery <= 0 {
		c.StallEvery = 30 * time.Second
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = time.Hour
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 24 * time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 7 * 24 * time.Hour
	}
	return c
}

// StartMaintenance runs the promotion, stall-reclaim and cleanup tickers
// until ctx is cancelled. Jobs that exceeded the stall tolerance are failed
// for good, and their assets with them.
func (p *PipelinePool) StartMaintenance(ctx context.Context, cfg MaintenanceConfig) {
	cfg = cfg.withDefaults()
	log.Println("maintenance worker started")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		promote := time.NewTicker(cfg.PromoteEvery)
		defer promote.Stop()
		stall := time.NewTicker(cfg.StallEvery)
		defer stall.Stop()
		cleanup := time.NewTicker(cfg.CleanupEvery)
		defer cleanup.Stop()

		for {
			select {
			case <-promote.C:
				if _, err := p.queue.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
					log.Printf("promote delayed: %v", err)
				}

			case <-stall.C:
				requeued, dead, err := p.queue.ReclaimStalled(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("reclaim stalled: %v", err)
					}
					continue
				}
				if requeued > 0 {
					log.Printf("reclaimed %d stalled job(s)", requeued)
				}
				for _, job := range dead {
					videoID, perr := deserializePayload(job.Payload)
					if perr != nil {
						log.Printf("stalled job %s: %v", job.ID, perr)
						continue
					}
					p.markAssetFailed(ctx, videoID, fmt.Errorf("job stalled: worker stopped heartbeating"))
				}

			case <-cleanup.C:
				removed, err := p.queue.Cleanup(ctx, cfg.CompletedRetention, cfg.FailedRetention)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("queue cleanup: %v", err)
					}
					continue
				}
				if removed > 0 {
					log.Printf("queue cleanup removed %d job(s)", removed)
				}

			case <-ctx.Done():
				log.Println("maintenance worker stopping")
				return
			}
		}
	}()
}
