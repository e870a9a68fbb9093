package hound

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
)

// Observer is the metrics collection contract the library reports
// through; satisfied by *Metrics and by telemetry.PrometheusObserver.
type Observer = interfaces.Observer

// Metrics is a dependency-free interfaces.Observer backed by atomics, for
// callers that don't want a Prometheus registry wired in. Safe for
// concurrent use.
type Metrics struct {
	RecordsTotal  atomic.Uint64
	RecordBytes   atomic.Uint64
	RecordErrors  atomic.Uint64
	DriverActive  atomic.Uint64
	DriverFailed  atomic.Uint64
	DriverDestroy atomic.Uint64
	PollCycles    atomic.Uint64
	StartTime     atomic.Int64

	mu          sync.Mutex
	queueDepths map[uint64]int
}

// NewMetrics returns a zeroed Metrics with its start time stamped.
func NewMetrics() *Metrics {
	m := &Metrics{queueDepths: make(map[uint64]int)}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) ObserveRecord(devID model.DeviceID, dataID model.DataID, bytes int, err error) {
	if err != nil {
		m.RecordErrors.Add(1)
		return
	}
	m.RecordsTotal.Add(1)
	m.RecordBytes.Add(uint64(bytes))
}

func (m *Metrics) ObserveQueueDepth(ctxID uint64, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepths[ctxID] = depth
}

func (m *Metrics) ObserveDriverActivate(devID model.DeviceID, success bool) {
	if success {
		m.DriverActive.Add(1)
	} else {
		m.DriverFailed.Add(1)
	}
}

func (m *Metrics) ObserveDriverDestroy(devID model.DeviceID, success bool) {
	m.DriverDestroy.Add(1)
}

func (m *Metrics) ObservePollCycle(readyFDs int, latencyNs int64) {
	m.PollCycles.Add(1)
}

// QueueDepth returns the most recently observed depth for a context id.
func (m *Metrics) QueueDepth(ctxID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueDepths[ctxID]
}
