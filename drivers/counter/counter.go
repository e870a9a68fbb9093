// Package counter implements hound's synthetic pull-mode driver: it emits a
// monotonically increasing u64 on every timer fire. Grounded on go-ublk's
// backend.NewMemory / testing.go MockBackend texture (a zero-dependency
// stand-in driver used to exercise the rest of the stack), generalized from
// an in-memory block device to an in-memory data stream.
package counter

import (
	"context"
	"fmt"
	"sync"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
)

// DataID is the single stream this driver claims.
const DataID model.DataID = 1

// Kind is the registry key this driver is installed under.
const Kind = "counter"

// Driver is a pull-mode driver with no real fd: it is driven entirely by
// the poller's timer ladder via Next, and its Parse ignores the raw bytes,
// since its records are synthesized rather than decoded off a wire.
type Driver struct {
	mu      sync.Mutex
	name    string
	value   uint64
	started bool
	pending []model.Record
}

// New returns an unconfigured counter driver, ready for Init.
func New() *Driver { return &Driver{} }

func (d *Driver) Init(args map[string]model.ArgValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = "counter0"
	if v, ok := args["name"]; ok && v.Kind == model.ArgString && v.Str != "" {
		d.name = v.Str
	}
	return nil
}

func (d *Driver) Destroy() error { return nil }

func (d *Driver) DeviceName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// DataDesc ignores the passed-in schemas' contents beyond count/shape
// checking: the counter's single u64 field is fixed, not driver-negotiated.
func (d *Driver) DataDesc(schemas []model.SchemaDescriptor) ([]model.DataDescriptor, error) {
	if len(schemas) != 1 {
		return nil, fmt.Errorf("counter: expected exactly one schema descriptor, got %d", len(schemas))
	}
	return []model.DataDescriptor{{
		DataID:  schemas[0].DataID,
		Name:    schemas[0].Name,
		Fmts:    schemas[0].Fmts,
		Enabled: true,
	}}, nil
}

func (d *Driver) SetData(active []interfaces.ActiveDataEntry) error { return nil }

// Start has no fd of its own; the poller drives this entry purely off its
// timer ladder (fd == -1 signals "no epoll registration" to the poller).
func (d *Driver) Start() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return -1, nil
}

func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

// Next is called by the poller's timer ladder once per configured period;
// it synthesizes the next counter value as a pending record for Parse to
// hand back. Since fd == -1, the poller has no readable fd to select on for
// this entry, so it calls Parse directly after each timer fire instead of
// going through serviceReadable.
func (d *Driver) Next(id model.DataID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.value
	d.value++
	d.pending = append(d.pending, model.Record{
		DataID: id,
		Data:   encodeU64(v),
	})
	return nil
}

func (d *Driver) Mode() interfaces.SchedMode { return interfaces.ModePull }

// Parse drains whatever Next has synthesized since the last call.
func (d *Driver) Parse(ctx context.Context, raw []byte) ([]model.Record, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = nil
	return out, 0, nil
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
