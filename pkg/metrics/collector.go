package metrics

import "time"

// StorageSource exposes the gauges a Collector scrapes from the storage engine.
type StorageSource interface {
	KeyCount() int
}

// QueueSource exposes the gauges a Collector scrapes from the offline queue.
type QueueSource interface {
	DepthByPriority() map[string]int
}

// Collector periodically scrapes gauge-style metrics from components that
// don't update Prometheus gauges on their own hot path (counters and
// histograms are updated inline by their owning component instead).
type Collector struct {
	storage StorageSource
	queue   QueueSource
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector. Either source may be nil
// if that component isn't wired into this node.
func NewCollector(storage StorageSource, queue QueueSource) *Collector {
	return &Collector{
		storage: storage,
		queue:   queue,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic scrape loop.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.storage != nil {
		KeysTotal.Set(float64(c.storage.KeyCount()))
	}
	if c.queue != nil {
		for priority, depth := range c.queue.DepthByPriority() {
			QueueDepth.WithLabelValues(priority).Set(float64(depth))
		}
	}
}
