package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
	"github.com/houndlabs/hound/internal/queue"
)

type countingDriver struct {
	devName string
	seq     uint64
}

func (d *countingDriver) Init(map[string]model.ArgValue) error { return nil }
func (d *countingDriver) Destroy() error                       { return nil }
func (d *countingDriver) DeviceName() string                   { return d.devName }
func (d *countingDriver) DataDesc(s []model.SchemaDescriptor) ([]model.DataDescriptor, error) {
	return nil, nil
}
func (d *countingDriver) SetData([]interfaces.ActiveDataEntry) error { return nil }
func (d *countingDriver) Start() (int, error)                       { return -1, nil }
func (d *countingDriver) Stop() error                                { return nil }
func (d *countingDriver) Next(model.DataID) error                    { return nil }
func (d *countingDriver) Mode() interfaces.SchedMode                 { return interfaces.ModePull }

func (d *countingDriver) Parse(ctx context.Context, raw []byte) ([]model.Record, int, error) {
	if len(raw) == 0 {
		return nil, 0, nil
	}
	rec := model.Record{DataID: 1, Data: []byte{raw[0]}}
	return []model.Record{rec}, len(raw) - 1, nil
}

func TestAttachBindUnbindDetach(t *testing.T) {
	p, err := New(nil, nil)
	require.NoError(t, err)
	defer p.Close()

	r, w, err := os_pipe(t)
	require.NoError(t, err)
	defer unix.Close(r)
	defer unix.Close(w)

	drv := &countingDriver{devName: "counter"}
	devID := model.DeviceID(1)
	require.NoError(t, p.AttachFD(devID, drv, r, interfaces.ModePull))

	q := queue.New(8)
	require.NoError(t, p.BindQueue(devID, q, []model.DataID{1}))
	require.NoError(t, p.UnbindQueue(devID, q))
	require.NoError(t, p.DetachFD(devID))
}

func TestSetTimingRejectsZeroPeriod(t *testing.T) {
	p, err := New(nil, nil)
	require.NoError(t, err)
	defer p.Close()

	drv := &countingDriver{devName: "counter"}
	devID := model.DeviceID(2)
	require.NoError(t, p.AttachFD(devID, drv, -1, interfaces.ModePull))
	err = p.SetTiming(devID, 1, 0)
	assert.Error(t, err)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	p, err := New(nil, nil)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Pause())
	p.Resume()
}

// os_pipe is a tiny indirection so this file doesn't need a direct "os"
// import just for Pipe.
func os_pipe(t *testing.T) (r, w int, err error) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
