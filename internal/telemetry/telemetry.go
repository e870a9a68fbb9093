// Package telemetry provides a Prometheus-backed interfaces.Observer.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/houndlabs/hound/internal/model"
)

// PrometheusObserver reports hound's poller and registry activity as
// Prometheus metrics. Safe for concurrent use, as required by
// interfaces.Observer.
type PrometheusObserver struct {
	records       *prometheus.CounterVec
	recordBytes   *prometheus.CounterVec
	recordErrors  *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	driverActive  *prometheus.CounterVec
	driverDestroy *prometheus.CounterVec
	pollCycles    prometheus.Counter
	pollReadyFDs  prometheus.Histogram
	pollLatency   prometheus.Histogram
}

// NewPrometheusObserver builds and registers every collector against reg.
// Pass prometheus.NewRegistry() for an isolated test registry, or
// prometheus.DefaultRegisterer to expose on the process-wide /metrics
// endpoint.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hound",
			Name:      "records_total",
			Help:      "Records emitted per device and data id.",
		}, []string{"device_id", "data_id"}),
		recordBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hound",
			Name:      "record_bytes_total",
			Help:      "Record payload bytes emitted per device and data id.",
		}, []string{"device_id", "data_id"}),
		recordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hound",
			Name:      "record_errors_total",
			Help:      "Parse/push errors per device and data id.",
		}, []string{"device_id", "data_id"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hound",
			Name:      "queue_depth",
			Help:      "Current record count held by a context's queue.",
		}, []string{"ctx_id"}),
		driverActive: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hound",
			Name:      "driver_activations_total",
			Help:      "Driver activation attempts, by outcome.",
		}, []string{"device_id", "outcome"}),
		driverDestroy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hound",
			Name:      "driver_destroys_total",
			Help:      "Driver destroy attempts, by outcome.",
		}, []string{"device_id", "outcome"}),
		pollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hound",
			Name:      "poll_cycles_total",
			Help:      "Poller main-loop iterations.",
		}),
		pollReadyFDs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hound",
			Name:      "poll_ready_fds",
			Help:      "Ready fd count per poll cycle.",
			Buckets:   prometheus.LinearBuckets(0, 4, 8),
		}),
		pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hound",
			Name:      "poll_latency_seconds",
			Help:      "Wall-clock time spent inside the multiplex syscall.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
	reg.MustRegister(
		o.records, o.recordBytes, o.recordErrors, o.queueDepth,
		o.driverActive, o.driverDestroy, o.pollCycles, o.pollReadyFDs, o.pollLatency,
	)
	return o
}

func (o *PrometheusObserver) ObserveRecord(devID model.DeviceID, dataID model.DataID, bytes int, err error) {
	dev := labelDevID(devID)
	data := labelDataID(dataID)
	if err != nil {
		o.recordErrors.WithLabelValues(dev, data).Inc()
		return
	}
	o.records.WithLabelValues(dev, data).Inc()
	o.recordBytes.WithLabelValues(dev, data).Add(float64(bytes))
}

func (o *PrometheusObserver) ObserveQueueDepth(ctxID uint64, depth int) {
	o.queueDepth.WithLabelValues(labelU64(ctxID)).Set(float64(depth))
}

func (o *PrometheusObserver) ObserveDriverActivate(devID model.DeviceID, success bool) {
	o.driverActive.WithLabelValues(labelDevID(devID), outcomeLabel(success)).Inc()
}

func (o *PrometheusObserver) ObserveDriverDestroy(devID model.DeviceID, success bool) {
	o.driverDestroy.WithLabelValues(labelDevID(devID), outcomeLabel(success)).Inc()
}

func (o *PrometheusObserver) ObservePollCycle(readyFDs int, latencyNs int64) {
	o.pollCycles.Inc()
	o.pollReadyFDs.Observe(float64(readyFDs))
	o.pollLatency.Observe(float64(latencyNs) / 1e9)
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func labelDevID(id model.DeviceID) string { return strconv.FormatUint(uint64(id), 10) }
func labelDataID(id model.DataID) string  { return strconv.FormatUint(uint64(id), 10) }
func labelU64(v uint64) string            { return strconv.FormatUint(v, 10) }
