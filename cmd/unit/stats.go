package main

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/banshee-data/proximity.report/internal/ranging"
)

// perfStats counts exchange and transport outcomes for one unit. All
// fields are atomics; the slot loop and heartbeat loop both touch them.
type perfStats struct {
	attempts   atomic.Uint64
	successes  atomic.Uint64
	failures   atomic.Uint64
	belowGate  atomic.Uint64
	responded  atomic.Uint64
	sent       atomic.Uint64
	sendErrors atomic.Uint64
}

// Log writes a one-line summary of the counters.
func (p *perfStats) Log(self ranging.UnitID) {
	log.Printf("[%s] stats: attempts=%d ok=%d failed=%d below-gate=%d responded=%d sent=%d send-errors=%d",
		self,
		p.attempts.Load(), p.successes.Load(), p.failures.Load(),
		p.belowGate.Load(), p.responded.Load(),
		p.sent.Load(), p.sendErrors.Load(),
	)
}

// statsLoop logs the counters on a fixed interval until the context ends.
func statsLoop(ctx context.Context, self ranging.UnitID, stats *perfStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats.Log(self)
		}
	}
}
