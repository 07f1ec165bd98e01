package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bboxkv"

// Metrics holds all Prometheus metrics of a node. A nil *Metrics discards
// every observation.
type Metrics struct {
	// Engine operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	EngineBusyTotal   prometheus.Counter

	// Storage metrics
	MemtableFlushesTotal  prometheus.Counter
	MemtableFlushDuration prometheus.Histogram
	MemtableBytes         prometheus.Gauge
	SegmentsTotal         prometheus.Gauge
	SegmentsDeletedTotal  prometheus.Counter
	StoredBytes           prometheus.Gauge

	// Compaction metrics
	CompactionJobsTotal      *prometheus.CounterVec
	CompactionJobDuration    prometheus.Histogram
	CompactionBytesProcessed prometheus.Counter
	CompactionBytesWritten   prometheus.Counter

	// Resize metrics
	ResizeOperationsTotal     *prometheus.CounterVec
	ResizeDuration            *prometheus.HistogramVec
	RedistributedRecordsTotal *prometheus.CounterVec

	// Recovery metrics
	RecoveryRecordsTotal       prometheus.Counter
	RecoveryTableFailuresTotal prometheus.Counter
	RecoveryDuration           prometheus.Histogram

	// Peer RPC metrics
	PeerRequestsTotal *prometheus.CounterVec

	// Background task metrics
	BackgroundTasksTotal   *prometheus.CounterVec
	BackgroundTaskDuration *prometheus.HistogramVec
	BackgroundQueueDepth   *prometheus.GaugeVec

	// Membership metrics
	GossipMembersTotal prometheus.Gauge

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on reg.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	f := promauto.With(reg)

	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "operations_total",
			Help:        "Engine operations by kind and outcome",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "operation_duration_seconds",
			Help:        "Engine operation latency",
			ConstLabels: labels,
			Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"op"}),
		EngineBusyTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "busy_rejections_total",
			Help:        "Writes rejected because the engine was read-only",
			ConstLabels: labels,
		}),

		MemtableFlushesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "memtable_flushes_total",
			Help:        "Total number of memtable flushes",
			ConstLabels: labels,
		}),
		MemtableFlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "memtable_flush_duration_seconds",
			Help:        "Memtable flush duration",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		MemtableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "memtable_bytes",
			Help:        "Bytes buffered in active memtables",
			ConstLabels: labels,
		}),
		SegmentsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "segments",
			Help:        "Live segments across all engines",
			ConstLabels: labels,
		}),
		SegmentsDeletedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "segments_deleted_total",
			Help:        "Obsolete segments physically removed",
			ConstLabels: labels,
		}),
		StoredBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "stored_bytes",
			Help:        "Bytes held in segments across all engines",
			ConstLabels: labels,
		}),

		CompactionJobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "jobs_total",
			Help:        "Compaction jobs by merge type and status",
			ConstLabels: labels,
		}, []string{"type", "status"}),
		CompactionJobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "job_duration_seconds",
			Help:        "Compaction job duration",
			ConstLabels: labels,
			Buckets:     []float64{.01, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		CompactionBytesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "bytes_processed_total",
			Help:        "Segment bytes read by compaction",
			ConstLabels: labels,
		}),
		CompactionBytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "bytes_written_total",
			Help:        "Segment bytes written by compaction",
			ConstLabels: labels,
		}),

		ResizeOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "resize",
			Name:        "operations_total",
			Help:        "Region splits and merges by outcome",
			ConstLabels: labels,
		}, []string{"kind", "status"}),
		ResizeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "resize",
			Name:        "duration_seconds",
			Help:        "Region resize duration",
			ConstLabels: labels,
			Buckets:     []float64{.1, 1, 5, 30, 60, 300, 900},
		}, []string{"kind"}),
		RedistributedRecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "resize",
			Name:        "redistributed_records_total",
			Help:        "Records routed during resizes by sink kind",
			ConstLabels: labels,
		}, []string{"sink"}),

		RecoveryRecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "recovery",
			Name:        "records_total",
			Help:        "Records replayed from peers during recovery",
			ConstLabels: labels,
		}),
		RecoveryTableFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "recovery",
			Name:        "table_failures_total",
			Help:        "Tables whose recovery pull failed",
			ConstLabels: labels,
		}),
		RecoveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "recovery",
			Name:        "duration_seconds",
			Help:        "Duration of a full recovery run",
			ConstLabels: labels,
			Buckets:     []float64{.1, 1, 5, 30, 60, 300, 900},
		}),

		PeerRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "peer",
			Name:        "requests_total",
			Help:        "Peer RPCs by method and outcome",
			ConstLabels: labels,
		}, []string{"method", "status"}),

		BackgroundTasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "background",
			Name:        "tasks_total",
			Help:        "Background tasks by pool and outcome",
			ConstLabels: labels,
		}, []string{"pool", "status"}),
		BackgroundTaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "background",
			Name:        "task_duration_seconds",
			Help:        "Background task run time",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"pool"}),
		BackgroundQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "background",
			Name:        "queue_depth",
			Help:        "Tasks waiting for a worker",
			ConstLabels: labels,
		}, []string{"pool"}),

		GossipMembersTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members",
			Help:        "Alive cluster members",
			ConstLabels: labels,
		}),

		DiskUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Disk usage in bytes",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Disk available in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordOperation records an engine operation
func (m *Metrics) RecordOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, status(err)).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordEngineBusy counts a write rejected by a read-only engine
func (m *Metrics) RecordEngineBusy() {
	if m == nil {
		return
	}
	m.EngineBusyTotal.Inc()
}

// RecordMemtableFlush records a memtable flush
func (m *Metrics) RecordMemtableFlush(duration time.Duration) {
	if m == nil {
		return
	}
	m.MemtableFlushesTotal.Inc()
	m.MemtableFlushDuration.Observe(duration.Seconds())
}

// AddMemtableBytes adjusts the buffered byte gauge
func (m *Metrics) AddMemtableBytes(delta int64) {
	if m == nil {
		return
	}
	m.MemtableBytes.Add(float64(delta))
}

// AddSegments adjusts the live segment and stored byte gauges
func (m *Metrics) AddSegments(count int, bytes int64) {
	if m == nil {
		return
	}
	m.SegmentsTotal.Add(float64(count))
	m.StoredBytes.Add(float64(bytes))
}

// RecordSegmentDeleted counts a physically removed segment
func (m *Metrics) RecordSegmentDeleted() {
	if m == nil {
		return
	}
	m.SegmentsDeletedTotal.Inc()
}

// RecordCompactionJob records compaction job metrics
func (m *Metrics) RecordCompactionJob(mergeType, status string, duration time.Duration, bytesProcessed, bytesWritten int64) {
	if m == nil {
		return
	}
	m.CompactionJobsTotal.WithLabelValues(mergeType, status).Inc()
	m.CompactionJobDuration.Observe(duration.Seconds())
	m.CompactionBytesProcessed.Add(float64(bytesProcessed))
	m.CompactionBytesWritten.Add(float64(bytesWritten))
}

// RecordResize records a split or merge
func (m *Metrics) RecordResize(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ResizeOperationsTotal.WithLabelValues(kind, status(err)).Inc()
	m.ResizeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordRedistributed counts records routed to a sink kind
func (m *Metrics) RecordRedistributed(sink string, n int) {
	if m == nil {
		return
	}
	m.RedistributedRecordsTotal.WithLabelValues(sink).Add(float64(n))
}

// RecordRecovery records a finished recovery run
func (m *Metrics) RecordRecovery(duration time.Duration, records int64, failedTables int) {
	if m == nil {
		return
	}
	m.RecoveryDuration.Observe(duration.Seconds())
	m.RecoveryRecordsTotal.Add(float64(records))
	m.RecoveryTableFailuresTotal.Add(float64(failedTables))
}

// RecordPeerRequest records a served or issued peer RPC
func (m *Metrics) RecordPeerRequest(method string, err error) {
	if m == nil {
		return
	}
	m.PeerRequestsTotal.WithLabelValues(method, status(err)).Inc()
}

// RecordBackgroundTask records a finished pool task. Rejected tasks have a
// zero duration.
func (m *Metrics) RecordBackgroundTask(pool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.BackgroundTasksTotal.WithLabelValues(pool, status(err)).Inc()
	if duration > 0 {
		m.BackgroundTaskDuration.WithLabelValues(pool).Observe(duration.Seconds())
	}
}

// SetBackgroundQueueDepth updates the waiting task gauge of pool
func (m *Metrics) SetBackgroundQueueDepth(pool string, depth int) {
	if m == nil {
		return
	}
	m.BackgroundQueueDepth.WithLabelValues(pool).Set(float64(depth))
}

// UpdateGossipStats updates the member gauge
func (m *Metrics) UpdateGossipStats(members int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(members))
}

// UpdateDiskStats updates disk gauges
func (m *Metrics) UpdateDiskStats(used, available uint64, percent float64) {
	if m == nil {
		return
	}
	m.DiskUsageBytes.Set(float64(used))
	m.DiskAvailableBytes.Set(float64(available))
	m.DiskUsagePercent.Set(percent)
}
