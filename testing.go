package hound

import (
	"context"
	"sync"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
)

// MockDriver is a pull-mode test double implementing interfaces.Driver and
// interfaces.Parser. It feeds back whatever records were queued with Emit,
// and tracks method calls for assertions.
type MockDriver struct {
	mu sync.Mutex

	Name    string
	Schemas []model.SchemaDescriptor

	initCalls    int
	destroyCalls int
	startCalls   int
	stopCalls    int
	nextCalls    map[model.DataID]int
	activeData   []interfaces.ActiveDataEntry

	pending []model.Record
	closed  bool
}

// NewMockDriver returns a MockDriver named name that enables, through
// DataDesc, every schema descriptor it is handed at registration.
func NewMockDriver(name string, schemas []model.SchemaDescriptor) *MockDriver {
	return &MockDriver{
		Name:      name,
		Schemas:   schemas,
		nextCalls: make(map[model.DataID]int),
	}
}

func (d *MockDriver) Init(args map[string]model.ArgValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initCalls++
	return nil
}

func (d *MockDriver) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyCalls++
	d.closed = true
	return nil
}

func (d *MockDriver) DeviceName() string { return d.Name }

func (d *MockDriver) DataDesc(schemas []model.SchemaDescriptor) ([]model.DataDescriptor, error) {
	out := make([]model.DataDescriptor, len(schemas))
	for i, s := range schemas {
		out[i] = model.DataDescriptor{DataID: s.DataID, Name: s.Name, Fmts: s.Fmts, Enabled: true}
	}
	return out, nil
}

func (d *MockDriver) SetData(active []interfaces.ActiveDataEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeData = append([]interfaces.ActiveDataEntry(nil), active...)
	return nil
}

func (d *MockDriver) Start() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startCalls++
	return -1, nil
}

func (d *MockDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCalls++
	return nil
}

func (d *MockDriver) Next(id model.DataID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextCalls[id]++
	return nil
}

func (d *MockDriver) Mode() interfaces.SchedMode { return interfaces.ModePull }

// Emit queues rec to be returned by the next Parse call.
func (d *MockDriver) Emit(rec model.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, rec)
}

// Parse drains every pending record queued by Emit, ignoring raw entirely
// (the mock has no real wire format to decode).
func (d *MockDriver) Parse(ctx context.Context, raw []byte) ([]model.Record, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = nil
	return out, 0, nil
}

// StartCalls, StopCalls, InitCalls, DestroyCalls, NextCalls report how many
// times each op was invoked, for test assertions.
func (d *MockDriver) StartCalls() int    { d.mu.Lock(); defer d.mu.Unlock(); return d.startCalls }
func (d *MockDriver) StopCalls() int     { d.mu.Lock(); defer d.mu.Unlock(); return d.stopCalls }
func (d *MockDriver) InitCalls() int     { d.mu.Lock(); defer d.mu.Unlock(); return d.initCalls }
func (d *MockDriver) DestroyCalls() int  { d.mu.Lock(); defer d.mu.Unlock(); return d.destroyCalls }
func (d *MockDriver) NextCalls(id model.DataID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextCalls[id]
}
