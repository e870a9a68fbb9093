package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
	"github.com/houndlabs/hound/internal/queue"
	"github.com/houndlabs/hound/internal/schema"
)

type fakePoller struct {
	attached map[model.DeviceID]bool
	bound    map[model.DeviceID][]*queue.Queue
	timings  map[model.DataID]time.Duration
	pauses   int
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		attached: make(map[model.DeviceID]bool),
		bound:    make(map[model.DeviceID][]*queue.Queue),
		timings:  make(map[model.DataID]time.Duration),
	}
}

func (f *fakePoller) SetTiming(devID model.DeviceID, id model.DataID, period time.Duration) error {
	f.timings[id] = period
	return nil
}
func (f *fakePoller) ClearTiming(devID model.DeviceID, id model.DataID) {
	delete(f.timings, id)
}

func (f *fakePoller) AttachFD(devID model.DeviceID, drv interfaces.Driver, fd int, mode interfaces.SchedMode) error {
	f.attached[devID] = true
	return nil
}
func (f *fakePoller) DetachFD(devID model.DeviceID) error {
	delete(f.attached, devID)
	return nil
}
func (f *fakePoller) BindQueue(devID model.DeviceID, q *queue.Queue, ids []model.DataID) error {
	f.bound[devID] = append(f.bound[devID], q)
	return nil
}
func (f *fakePoller) UnbindQueue(devID model.DeviceID, q *queue.Queue) error {
	qs := f.bound[devID]
	for i, existing := range qs {
		if existing == q {
			f.bound[devID] = append(qs[:i], qs[i+1:]...)
			break
		}
	}
	return nil
}
func (f *fakePoller) Pause() error { f.pauses++; return nil }
func (f *fakePoller) Resume()      {}

type fakeDriver struct {
	name       string
	destroyed  bool
	setDataLog [][]interfaces.ActiveDataEntry
}

func (d *fakeDriver) Init(args map[string]model.ArgValue) error { return nil }
func (d *fakeDriver) Destroy() error                            { d.destroyed = true; return nil }
func (d *fakeDriver) DeviceName() string                        { return d.name }
func (d *fakeDriver) DataDesc(schemas []model.SchemaDescriptor) ([]model.DataDescriptor, error) {
	out := make([]model.DataDescriptor, len(schemas))
	for i, s := range schemas {
		out[i] = model.DataDescriptor{DataID: s.DataID, Name: s.Name, Fmts: s.Fmts, Enabled: true}
	}
	return out, nil
}
func (d *fakeDriver) SetData(active []interfaces.ActiveDataEntry) error {
	cp := append([]interfaces.ActiveDataEntry(nil), active...)
	d.setDataLog = append(d.setDataLog, cp)
	return nil
}
func (d *fakeDriver) Start() (int, error)         { return 42, nil }
func (d *fakeDriver) Stop() error                 { return nil }
func (d *fakeDriver) Next(model.DataID) error     { return nil }
func (d *fakeDriver) Mode() interfaces.SchedMode  { return interfaces.ModePull }
func (d *fakeDriver) Parse(ctx context.Context, raw []byte) ([]model.Record, int, error) {
	return nil, 0, nil
}

func counterSchema() schema.Source {
	return schema.StaticSource{Descriptors: []model.SchemaDescriptor{
		{DataID: 1, Name: "counter", Fmts: []model.FieldDescriptor{{Name: "value", Type: model.TypeU64}}},
	}}
}

func TestRegisterDriverTwiceFailsThenSucceedsAfterDestroy(t *testing.T) {
	p := newFakePoller()
	r := New(p, nil)
	r.RegisterKind("nop", func() interfaces.Driver { return &fakeDriver{name: "nop0"} })

	_, err := r.RegisterDriver("nop", "/dev/x", counterSchema(), "", "", nil)
	require.NoError(t, err)

	_, err = r.RegisterDriver("nop", "/dev/x", counterSchema(), "", "", nil)
	assert.ErrorIs(t, err, ErrAlreadyPresent)

	require.NoError(t, r.Destroy("/dev/x"))

	_, err = r.RegisterDriver("nop", "/dev/x", counterSchema(), "", "", nil)
	assert.NoError(t, err)
}

func TestRefUnrefTogglesFDAttachment(t *testing.T) {
	p := newFakePoller()
	r := New(p, nil)
	r.RegisterKind("nop", func() interfaces.Driver { return &fakeDriver{name: "nop0"} })
	inst, err := r.RegisterDriver("nop", "/dev/y", counterSchema(), "", "", nil)
	require.NoError(t, err)

	q := queue.New(10)
	reqs := []model.DataRequest{{ID: 1, PeriodNs: 100}}

	require.NoError(t, r.Ref(inst, q, reqs))
	assert.True(t, p.attached[inst.DevID])
	assert.Equal(t, 1, inst.RefCount)

	require.NoError(t, r.Unref(inst, q, reqs))
	assert.False(t, p.attached[inst.DevID])
	assert.Equal(t, 0, inst.RefCount)
}

func TestDestroyFailsWhileInUse(t *testing.T) {
	p := newFakePoller()
	r := New(p, nil)
	r.RegisterKind("nop", func() interfaces.Driver { return &fakeDriver{name: "nop0"} })
	inst, err := r.RegisterDriver("nop", "/dev/z", counterSchema(), "", "", nil)
	require.NoError(t, err)

	q := queue.New(10)
	require.NoError(t, r.Ref(inst, q, []model.DataRequest{{ID: 1}}))

	err = r.Destroy("/dev/z")
	assert.ErrorIs(t, err, ErrInUse)
}

func TestConflictingDriversRejected(t *testing.T) {
	p := newFakePoller()
	r := New(p, nil)
	r.RegisterKind("nop", func() interfaces.Driver { return &fakeDriver{name: "nop0"} })
	_, err := r.RegisterDriver("nop", "/dev/a", counterSchema(), "", "", nil)
	require.NoError(t, err)

	_, err = r.RegisterDriver("nop", "/dev/b", counterSchema(), "", "", nil)
	assert.ErrorIs(t, err, ErrConflictingClaim)
}
