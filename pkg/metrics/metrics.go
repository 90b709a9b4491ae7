package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft / sdb metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowdb_raft_is_leader",
			Help: "Whether this mnode is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowdb_raft_peers_total",
			Help: "Total number of Raft peers in the mnode quorum",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowdb_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowdb_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowdb_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowdb_raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	DatabasesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowdb_databases_total",
			Help: "Total number of databases known to sdb",
		},
	)

	VGroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowdb_vgroups_total",
			Help: "Total number of vnode groups known to sdb",
		},
	)

	// Scheduler / job lifecycle metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowdb_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowdb_scheduling_latency_seconds",
			Help:    "Time from job submission to first task dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowdb_task_retries_total",
			Help: "Total number of task retries against a next candidate endpoint",
		},
	)

	TaskFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowdb_task_failures_total",
			Help: "Total number of tasks that reached a terminal failed state",
		},
	)

	LevelsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowdb_levels_completed_total",
			Help: "Total number of DAG levels that reached completion",
		},
	)

	// Executor metrics
	OperatorWindowsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowdb_operator_windows_open",
			Help: "Number of open time windows currently held by a windowed operator",
		},
		[]string{"kind"},
	)

	ExecutorRowsOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdb_executor_rows_out_total",
			Help: "Total number of rows emitted by an operator kind",
		},
		[]string{"kind"},
	)

	// Sink / fetch metrics
	SinkBlocksQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowdb_sink_blocks_queued_total",
			Help: "Total number of data blocks queued into a sink",
		},
	)

	SinkBlocksDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowdb_sink_blocks_dropped_total",
			Help: "Total number of data blocks dropped for exceeding maxDataBlockNumPerQuery",
		},
	)

	// Heartbeat metrics
	HeartbeatBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowdb_heartbeat_batch_size",
			Help:    "Number of entries carried in a heartbeat batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	HeartbeatRoundTrip = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowdb_heartbeat_round_trip_seconds",
			Help:    "Round-trip time of a client heartbeat to its mnode",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Connection / profile metrics
	ConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowdb_connections_total",
			Help: "Total number of tracked client connections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RaftLeader, RaftPeers, RaftLogIndex, RaftAppliedIndex,
		RaftApplyDuration, RaftCommitDuration,
		DatabasesTotal, VGroupsTotal,
		JobsTotal, SchedulingLatency, TaskRetriesTotal, TaskFailuresTotal, LevelsCompletedTotal,
		OperatorWindowsOpen, ExecutorRowsOutTotal,
		SinkBlocksQueuedTotal, SinkBlocksDroppedTotal,
		HeartbeatBatchSize, HeartbeatRoundTrip,
		ConnectionsTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
