package monitor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
)

// Registry is the Prometheus registry for all chunk-fabric metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves Registry in the Prometheus text format.
func Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}

// TrackerMetrics holds the tracker side gauges and counters.
type TrackerMetrics struct {
	PeersAlive       prometheus.Gauge
	PeersDead        prometheus.Gauge
	Files            prometheus.Gauge
	PeersMarkedDead  prometheus.Counter
	PeersRevived     prometheus.Counter
	SnapshotWrites   prometheus.Counter
	SnapshotFailures prometheus.Counter

	ReplicationTicks   prometheus.Counter
	TasksDispatched    prometheus.Counter
	DispatchFailures   prometheus.Counter
	ReplicasConfirmed  prometheus.Counter
	UnderReplicated    prometheus.Gauge
	InFlightTasks      prometheus.Gauge
	UnrepairableChunks *prometheus.GaugeVec // labels: reason
}

// TransferMetrics holds chunk data plane counters.
type TransferMetrics struct {
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	Transfers      *prometheus.CounterVec // labels: op, result
	HashMismatches prometheus.Counter
}

var (
	trackerOnce    sync.Once
	trackerMetrics *TrackerMetrics

	transferOnce    sync.Once
	transferMetrics *TransferMetrics
)

// Tracker returns the process-wide tracker metrics, registering them on first use.
func Tracker() *TrackerMetrics {
	trackerOnce.Do(func() {
		f := promauto.With(Registry)
		trackerMetrics = &TrackerMetrics{
			PeersAlive: f.NewGauge(prometheus.GaugeOpts{
				Name: "chunkfabric_peers_alive",
				Help: "Peers currently classified alive",
			}),
			PeersDead: f.NewGauge(prometheus.GaugeOpts{
				Name: "chunkfabric_peers_dead",
				Help: "Peers currently classified dead",
			}),
			Files: f.NewGauge(prometheus.GaugeOpts{
				Name: "chunkfabric_files",
				Help: "Files known to the tracker",
			}),
			PeersMarkedDead: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_peers_marked_dead_total",
				Help: "Alive to dead transitions",
			}),
			PeersRevived: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_peers_revived_total",
				Help: "Dead to alive transitions caused by a heartbeat or registration",
			}),
			SnapshotWrites: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_snapshot_writes_total",
				Help: "Successful tracker snapshot writes",
			}),
			SnapshotFailures: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_snapshot_failures_total",
				Help: "Failed tracker snapshot writes",
			}),
			ReplicationTicks: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_replication_ticks_total",
				Help: "Replication policy evaluations",
			}),
			TasksDispatched: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_replicate_tasks_dispatched_total",
				Help: "Replicate tasks accepted by a source peer",
			}),
			DispatchFailures: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_replicate_dispatch_failures_total",
				Help: "Replicate tasks that could not be delivered",
			}),
			ReplicasConfirmed: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_replicas_confirmed_total",
				Help: "replicate_done reports that added a new holder",
			}),
			UnderReplicated: f.NewGauge(prometheus.GaugeOpts{
				Name: "chunkfabric_chunks_under_replicated",
				Help: "Chunks below the replication factor at the last tick",
			}),
			InFlightTasks: f.NewGauge(prometheus.GaugeOpts{
				Name: "chunkfabric_replicate_tasks_in_flight",
				Help: "Dispatched replicate tasks not yet confirmed",
			}),
			UnrepairableChunks: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chunkfabric_chunks_unrepairable",
				Help: "Chunks that could not be repaired at the last tick",
			}, []string{"reason"}),
		}
	})
	return trackerMetrics
}

// Transfer returns the process-wide transfer metrics.
func Transfer() *TransferMetrics {
	transferOnce.Do(func() {
		f := promauto.With(Registry)
		transferMetrics = &TransferMetrics{
			BytesSent: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_transfer_bytes_sent_total",
				Help: "Chunk payload bytes written to the network",
			}),
			BytesReceived: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_transfer_bytes_received_total",
				Help: "Chunk payload bytes committed from the network",
			}),
			Transfers: f.NewCounterVec(prometheus.CounterOpts{
				Name: "chunkfabric_transfers_total",
				Help: "Chunk transfers by operation and result",
			}, []string{"op", "result"}),
			HashMismatches: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkfabric_transfer_hash_mismatches_total",
				Help: "Received chunks rejected because their content hash was wrong",
			}),
		}
	})
	return transferMetrics
}

// Metrics holds process totals used by the periodic log line.
type Metrics struct {
	// Total bytes transferred
	TransferBytes int64
	// Number of chunks transferred
	TransferCount int64
	// Server start time
	ServerStart time.Time
}

// Global metrics instance
var Global = &Metrics{
	ServerStart: time.Now(),
}

// LogPeriodic logs runtime metrics at the specified interval until ctx is done.
func LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		elapsed := time.Since(Global.ServerStart).Seconds()
		var throughput float64
		if elapsed > 0 {
			throughput = float64(atomic.LoadInt64(&Global.TransferBytes)) / elapsed / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | HeapSys=%dMB | Throughput=%.2fMB/s | Transfers=%d",
			runtime.NumGoroutine(),
			m.HeapAlloc/1024/1024,
			m.HeapSys/1024/1024,
			throughput,
			atomic.LoadInt64(&Global.TransferCount),
		)
	}
}

// RecordTransfer records a finished chunk transfer. op is "put" or "get";
// sent says whether the bytes left this process.
func RecordTransfer(op string, bytes int64, sent bool, started time.Time) {
	atomic.AddInt64(&Global.TransferBytes, bytes)
	atomic.AddInt64(&Global.TransferCount, 1)

	t := Transfer()
	if sent {
		t.BytesSent.Add(float64(bytes))
	} else {
		t.BytesReceived.Add(float64(bytes))
	}
	t.Transfers.WithLabelValues(op, "ok").Inc()

	duration := time.Since(started).Seconds()
	var speed float64
	if duration > 0 {
		speed = float64(bytes) / duration / 1024 / 1024
	}

	logger.Sugar.Debugf("[Transfer] op=%s Size=%dKB | Duration=%.3fs | Speed=%.2fMB/s",
		op, bytes/1024, duration, speed)
}

// RecordTransferFailure counts a failed transfer.
func RecordTransferFailure(op string, hashMismatch bool) {
	t := Transfer()
	t.Transfers.WithLabelValues(op, "error").Inc()
	if hashMismatch {
		t.HashMismatches.Inc()
	}
}
