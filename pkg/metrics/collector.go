package metrics

import "time"

// RaftStats is the subset of quorum state the collector samples each
// tick. It is a plain struct that the mnode fills from its
// raftlog.Manager inside Source.Raft, so metrics does not import
// raftlog (avoids a dependency cycle, same decoupling the teacher's
// collector achieved by depending only on *manager.Manager).
type RaftStats struct {
	IsLeader     bool
	Peers        int
	LastLogIndex uint64
	AppliedIndex uint64
}

// Source supplies the Collector with the data it polls. Each mnode wires
// its own scheduler/sdb/profile instances into a Source at startup.
type Source struct {
	Raft        func() RaftStats
	DatabaseCnt func() int
	VGroupCnt   func() int
	JobCounts   func() map[string]int // status string -> count
	Connections func() int
}

// Collector periodically samples a Source and publishes it to the
// package's prometheus gauges (adapted from pkg/metrics/collector.go's
// ticker-driven Start/Stop shape).
type Collector struct {
	src      Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector builds a collector that samples src every interval
// (defaults to 15s, matching the teacher's cadence).
func NewCollector(src Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{src: src, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the sampling loop in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.src.Raft != nil {
		stats := c.src.Raft()
		if stats.IsLeader {
			RaftLeader.Set(1)
		} else {
			RaftLeader.Set(0)
		}
		RaftPeers.Set(float64(stats.Peers))
		RaftLogIndex.Set(float64(stats.LastLogIndex))
		RaftAppliedIndex.Set(float64(stats.AppliedIndex))
	}
	if c.src.DatabaseCnt != nil {
		DatabasesTotal.Set(float64(c.src.DatabaseCnt()))
	}
	if c.src.VGroupCnt != nil {
		VGroupsTotal.Set(float64(c.src.VGroupCnt()))
	}
	if c.src.JobCounts != nil {
		for status, n := range c.src.JobCounts() {
			JobsTotal.WithLabelValues(status).Set(float64(n))
		}
	}
	if c.src.Connections != nil {
		ConnectionsTotal.Set(float64(c.src.Connections()))
	}
}
