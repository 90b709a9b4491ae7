// Package metrics defines and registers the Prometheus metrics exposed by
// mnode and vnode processes: raft/sdb gauges, scheduler and executor
// counters, sink/heartbeat histograms, plus a Timer helper and a
// ticker-driven Collector that samples a caller-supplied Source on an
// interval (see Collector, adapted from the teacher's metrics collector
// loop). Metrics are served over HTTP via Handler for scraping.
package metrics
