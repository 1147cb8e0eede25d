package metrics

import (
	"time"
)

// StatsSource exposes point-in-time gauges sampled by the collector. The
// server implements it.
type StatsSource interface {
	OpenConnections() int
	ActiveSubscriptions() map[string]int // keyed by subscription kind
}

// Collector samples gauge metrics from a stats source
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ConnectionsActive.Set(float64(c.source.OpenConnections()))
	for kind, count := range c.source.ActiveSubscriptions() {
		SubscriptionsActive.WithLabelValues(kind).Set(float64(count))
	}
}
