// Package metrics holds the process-wide Prometheus instruments. Helpers are
// no-ops until Init has run, so library code may call them unconditionally.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "modbus_relay_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	relayConnections prometheus.Gauge
	relayFrames      *prometheus.CounterVec
	fanoutDropped    prometheus.Counter

	historianBatches *prometheus.CounterVec
	historianLatency prometheus.Histogram

	workerCycles    *prometheus.CounterVec
	workerWrites    *prometheus.CounterVec
	workerConnected *prometheus.GaugeVec
)

// Init registers the instruments with the default registry.
func Init() {
	registerOnce.Do(func() {
		relayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "relay_connections",
			Help: "Live real-time connections",
		})
		relayFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "relay_frames_total",
			Help: "Inbound frames by kind",
		}, []string{"kind"})
		fanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "fanout_dropped_total",
			Help: "Messages dropped from full subscriber buffers",
		})
		historianBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "historian_batches_total",
			Help: "Snapshot batches offered to the historian by result",
		}, []string{"result"})
		historianLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "historian_save_seconds",
			Help:    "Historian batch save latency in seconds",
			Buckets: prometheus.DefBuckets,
		})
		workerCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "worker_cycles_total",
			Help: "Device poll cycles by result",
		}, []string{"device", "result"})
		workerWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "worker_writes_total",
			Help: "Channel writes by result",
		}, []string{"device", "result"})
		workerConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "worker_connected",
			Help: "1 while the device session is open",
		}, []string{"device"})

		prometheus.MustRegister(
			relayConnections,
			relayFrames,
			fanoutDropped,
			historianBatches,
			historianLatency,
			workerCycles,
			workerWrites,
			workerConnected,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func AddRelayConnections(delta float64) {
	if relayConnections != nil {
		relayConnections.Add(delta)
	}
}

func IncRelayFrame(kind string) {
	if relayFrames != nil {
		relayFrames.WithLabelValues(kind).Inc()
	}
}

func IncFanoutDropped() {
	if fanoutDropped != nil {
		fanoutDropped.Inc()
	}
}

func ObserveHistorianBatch(result string, duration time.Duration) {
	if historianBatches != nil {
		historianBatches.WithLabelValues(result).Inc()
	}
	if historianLatency != nil && result != ResultSkipped {
		historianLatency.Observe(duration.Seconds())
	}
}

func IncWorkerCycle(device, result string) {
	if workerCycles != nil {
		workerCycles.WithLabelValues(device, result).Inc()
	}
}

func IncWorkerWrite(device, result string) {
	if workerWrites != nil {
		workerWrites.WithLabelValues(device, result).Inc()
	}
}

func SetWorkerConnected(device string, connected bool) {
	if workerConnected == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	workerConnected.WithLabelValues(device).Set(v)
}
