package engine

import (
	"sync"
	"time"
)

// counters are the side-channel totals reported through Stats.
type counters struct {
	mu       sync.Mutex
	ingested uint64
	rejected map[string]uint64
	ticks    uint64
	lastTick time.Time
	evicted  uint64
}

func (c *counters) ingest() {
	c.mu.Lock()
	c.ingested++
	c.mu.Unlock()
}

func (c *counters) reject(reason string) {
	c.mu.Lock()
	c.rejected[reason]++
	c.mu.Unlock()
}

func (c *counters) tick(at time.Time) {
	c.mu.Lock()
	c.ticks++
	c.lastTick = at
	c.mu.Unlock()
}

func (c *counters) addEvicted(n int) {
	c.mu.Lock()
	c.evicted += uint64(n)
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	rejected := make(map[string]uint64, len(c.rejected))
	for k, v := range c.rejected {
		rejected[k] = v
	}
	return Stats{Ingested: c.ingested, Rejected: rejected, Ticks: c.ticks, LastTick: c.lastTick, Evicted: c.evicted}
}
