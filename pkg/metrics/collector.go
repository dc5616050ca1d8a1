package metrics

import (
	"time"
)

// TaskStateCounter is the part of *scheduler.Scheduler the collector
// reads; declared here because pkg/scheduler imports this package.
type TaskStateCounter interface {
	TaskStateCounts() map[string]int
}

// Collector periodically snapshots scheduler/task state into gauges.
type Collector struct {
	sched  TaskStateCounter
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector bound to sched.
func NewCollector(sched TaskStateCounter) *Collector {
	return &Collector{
		sched:  sched,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
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
	c.collectTaskMetrics()
}

func (c *Collector) collectTaskMetrics() {
	counts := c.sched.TaskStateCounts()
	for state, count := range counts {
		TasksTotal.WithLabelValues(state).Set(float64(count))
	}
}
