package hound

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
	"github.com/houndlabs/hound/internal/queue"
	"github.com/houndlabs/hound/internal/registry"
)

// stubPoller is a no-op registry.Poller double, sufficient for exercising
// Context/AllocCtx without a real epoll loop.
type stubPoller struct {
	timings map[model.DataID]time.Duration
}

func newStubPoller() *stubPoller {
	return &stubPoller{timings: make(map[model.DataID]time.Duration)}
}

func (p *stubPoller) AttachFD(model.DeviceID, interfaces.Driver, int, interfaces.SchedMode) error {
	return nil
}
func (p *stubPoller) DetachFD(model.DeviceID) error { return nil }
func (p *stubPoller) BindQueue(model.DeviceID, *queue.Queue, []model.DataID) error {
	return nil
}
func (p *stubPoller) UnbindQueue(model.DeviceID, *queue.Queue) error { return nil }
func (p *stubPoller) SetTiming(_ model.DeviceID, id model.DataID, period time.Duration) error {
	p.timings[id] = period
	return nil
}
func (p *stubPoller) ClearTiming(_ model.DeviceID, id model.DataID) { delete(p.timings, id) }
func (p *stubPoller) Pause() error                                  { return nil }
func (p *stubPoller) Resume()                                       {}

func counterDescriptors() []model.SchemaDescriptor {
	return []model.SchemaDescriptor{
		{DataID: 1, Name: "counter", Fmts: []model.FieldDescriptor{{Name: "value", Type: model.TypeU64}}},
	}
}

func newTestRegistry(t *testing.T) (*registry.Registry, *MockDriver) {
	t.Helper()
	p := newStubPoller()
	reg := registry.New(p, nil)
	drv := NewMockDriver("counter0", counterDescriptors())
	reg.RegisterKind("counter", func() interfaces.Driver { return drv })
	_, err := reg.RegisterDriver("counter", "/virtual/counter0", staticSchema(counterDescriptors()), "", "", nil)
	require.NoError(t, err)
	return reg, drv
}

// staticSchema adapts a literal descriptor slice to schema.Source without
// importing the schema package's StaticSource twice across test files.
type staticSchemaSource struct{ descs []model.SchemaDescriptor }

func staticSchema(descs []model.SchemaDescriptor) staticSchemaSource {
	return staticSchemaSource{descs: descs}
}

func (s staticSchemaSource) Load(string, string) ([]model.SchemaDescriptor, error) {
	return s.descs, nil
}

func TestAllocCtxRejectsInvalidRequests(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := AllocCtx(reg, nil, nil, AllocRequest{QueueLen: 0, Requests: []model.DataRequest{{ID: 1, PeriodNs: 1000}}, Callback: func(model.Record, uint64) {}})
	assert.True(t, IsCode(err, CodeInvalidVal))

	_, err = AllocCtx(reg, nil, nil, AllocRequest{QueueLen: 8, Requests: nil, Callback: func(model.Record, uint64) {}})
	assert.True(t, IsCode(err, CodeTooMuchDataRequested))

	_, err = AllocCtx(reg, nil, nil, AllocRequest{QueueLen: 8, Requests: []model.DataRequest{{ID: 1, PeriodNs: 1000}}, Callback: nil})
	assert.True(t, IsCode(err, CodeMissingCallback))

	_, err = AllocCtx(reg, nil, nil, AllocRequest{QueueLen: 8, Requests: []model.DataRequest{{ID: 99, PeriodNs: 1000}}, Callback: func(model.Record, uint64) {}})
	assert.True(t, IsCode(err, CodeDataIDDoesNotExist))

	_, err = AllocCtx(reg, nil, nil, AllocRequest{QueueLen: 8, Requests: []model.DataRequest{{ID: 1, PeriodNs: 0}}, Callback: func(model.Record, uint64) {}})
	assert.True(t, IsCode(err, CodePeriodUnsupported))
}

func TestContextStartStopRefsAndUnrefsDriver(t *testing.T) {
	reg, drv := newTestRegistry(t)

	c, err := AllocCtx(reg, nil, nil, AllocRequest{
		QueueLen: 8,
		Requests: []model.DataRequest{{ID: 1, PeriodNs: model.Period(10 * time.Millisecond)}},
		Callback: func(model.Record, uint64) {},
	})
	require.NoError(t, err)

	require.NoError(t, c.Start())
	assert.Equal(t, 1, drv.StartCalls())
	assert.ErrorContains(t, c.Start(), "context already active")

	require.NoError(t, c.Stop())
	assert.Equal(t, 1, drv.StopCalls())
	assert.True(t, IsCode(c.Stop(), CodeCtxNotActive))
}

func TestContextModifyRollsBackOnValidationFailure(t *testing.T) {
	reg, _ := newTestRegistry(t)

	c, err := AllocCtx(reg, nil, nil, AllocRequest{
		QueueLen: 8,
		Requests: []model.DataRequest{{ID: 1, PeriodNs: model.Period(10 * time.Millisecond)}},
		Callback: func(model.Record, uint64) {},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())

	err = c.Modify(AllocRequest{QueueLen: 32, Requests: []model.DataRequest{{ID: 404}}, Callback: func(model.Record, uint64) {}}, false)
	assert.True(t, IsCode(err, CodeDataIDDoesNotExist))

	assert.Equal(t, 8, c.MaxQueueLength())
	require.NoError(t, c.Stop())
}

func TestContextReadDispatchesToCallback(t *testing.T) {
	reg, _ := newTestRegistry(t)

	received := make(chan model.Record, 4)
	c, err := AllocCtx(reg, nil, nil, AllocRequest{
		QueueLen: 8,
		Requests: []model.DataRequest{{ID: 1, PeriodNs: model.Period(10 * time.Millisecond)}},
		Callback: func(rec model.Record, seqno uint64) { received <- rec },
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Stop()

	// A real poller delivers by pushing envelopes onto the bound queue;
	// push directly here to exercise dispatch without a real epoll loop.
	c.q.Push(queue.NewEnvelope(model.Record{DataID: 1, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}, 1))

	require.NoError(t, c.ReadNowait(1))
	select {
	case rec := <-received:
		assert.Equal(t, model.DataID(1), rec.DataID)
	default:
		t.Fatal("expected a dispatched record")
	}
}
