// Package registry implements hound's driver registry: the three
// process-wide maps guarded by a reader/writer lock (spec.md §4.2), driver
// lifecycle (register/destroy), and active-data refcount aggregation
// (spec.md §4.2.1). Grounded on go-ublk's backend.go Device lifecycle
// (reverse-order cleanup on partial failure) generalized from "one block
// device" to "one driver instance claiming N data IDs".
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
	"github.com/houndlabs/hound/internal/queue"
	"github.com/houndlabs/hound/internal/schema"
)

// Poller is the subset of the I/O poller's API the registry drives during
// ref/unref. Defined here (not in internal/poller) so the registry has no
// compile-time dependency on the poller's implementation.
type Poller interface {
	AttachFD(devID model.DeviceID, drv interfaces.Driver, fd int, mode interfaces.SchedMode) error
	DetachFD(devID model.DeviceID) error
	BindQueue(devID model.DeviceID, q *queue.Queue, ids []model.DataID) error
	UnbindQueue(devID model.DeviceID, q *queue.Queue) error
	SetTiming(devID model.DeviceID, id model.DataID, period time.Duration) error
	ClearTiming(devID model.DeviceID, id model.DataID)
	Pause() error
	Resume()
}

// Instance is one activated driver and its bookkeeping.
type Instance struct {
	mu sync.Mutex

	DevID      model.DeviceID
	Path       string
	Kind       string
	Driver     interfaces.Driver
	DeviceName string
	Schemas    []model.SchemaDescriptor
	Descs      []model.DataDescriptor
	ActiveData []interfaces.ActiveDataEntry
	RefCount   int
	FD         int
}

func (inst *Instance) descFor(id model.DataID) (model.DataDescriptor, bool) {
	for _, d := range inst.Descs {
		if d.DataID == id {
			return d, true
		}
	}
	return model.DataDescriptor{}, false
}

func (inst *Instance) periodSupported(id model.DataID, period model.Period) bool {
	d, ok := inst.descFor(id)
	if !ok {
		return false
	}
	if len(d.AvailPeriods) == 0 {
		return true
	}
	for _, p := range d.AvailPeriods {
		if p == period {
			return true
		}
	}
	return false
}

// Registry holds the three global maps: ops (driver-kind constructors),
// instances (device path -> instance), and claims (data ID -> instance).
type Registry struct {
	mu        sync.RWMutex
	ops       map[string]func() interfaces.Driver
	instances map[string]*Instance
	claims    map[model.DataID]*Instance
	byDevID   map[model.DeviceID]*Instance
	nextDevID uint64
	poller    Poller
	log       interfaces.Logger
}

// New returns an empty registry driving the given poller.
func New(poller Poller, log interfaces.Logger) *Registry {
	return &Registry{
		ops:       make(map[string]func() interfaces.Driver),
		instances: make(map[string]*Instance),
		claims:    make(map[model.DataID]*Instance),
		byDevID:   make(map[model.DeviceID]*Instance),
		poller:    poller,
		log:       log,
	}
}

// RegisterKind adds a driver-kind constructor to the ops map. Called by
// module init, not during normal operation.
func (r *Registry) RegisterKind(name string, ctor func() interfaces.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = ctor
}

// Sentinel errors; the root package maps these to closed Code values.
var (
	ErrNotRegistered    = fmt.Errorf("driver kind not registered")
	ErrAlreadyPresent   = fmt.Errorf("path already has an active driver")
	ErrNoDescsEnabled   = fmt.Errorf("no data descriptors enabled")
	ErrConflictingClaim = fmt.Errorf("data id already claimed by another driver")
	ErrInUse            = fmt.Errorf("driver refcount is nonzero")
	ErrInvalidString    = fmt.Errorf("device name is empty or invalid")
	ErrNotClaimed       = fmt.Errorf("data id not claimed by any driver")
)

// RegisterDriver runs the 7-step sequence of spec.md §4.2: look up the
// kind, check for an existing instance at path, init the driver, resolve
// its schema, collect its enabled descriptors, and commit into all three
// maps. Any failure unwinds everything done so far, in reverse order.
func (r *Registry) RegisterDriver(kind, path string, src schema.Source, schemaBase, schemaFile string, args map[string]model.ArgValue) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctor, ok := r.ops[kind]
	if !ok {
		return nil, ErrNotRegistered
	}
	if _, exists := r.instances[path]; exists {
		return nil, ErrAlreadyPresent
	}

	drv := ctor()
	if err := drv.Init(args); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	unwindInit := func() { _ = drv.Destroy() }

	name := drv.DeviceName()
	if name == "" {
		unwindInit()
		return nil, ErrInvalidString
	}

	rawSchemas, err := src.Load(schemaBase, schemaFile)
	if err != nil {
		unwindInit()
		return nil, fmt.Errorf("schema load: %w", err)
	}
	resolved := make([]model.SchemaDescriptor, len(rawSchemas))
	for i, s := range rawSchemas {
		rs, err := schema.Resolve(s)
		if err != nil {
			unwindInit()
			return nil, fmt.Errorf("schema resolve: %w", err)
		}
		resolved[i] = rs
	}

	descs, err := drv.DataDesc(resolved)
	if err != nil {
		unwindInit()
		return nil, fmt.Errorf("datadesc: %w", err)
	}

	r.nextDevID++
	devID := model.DeviceID(r.nextDevID)

	var claimed []model.DataID
	anyEnabled := false
	unwindClaims := func() {
		for _, id := range claimed {
			delete(r.claims, id)
		}
	}
	for _, d := range descs {
		if !d.Enabled {
			continue
		}
		anyEnabled = true
		if _, taken := r.claims[d.DataID]; taken {
			unwindClaims()
			unwindInit()
			return nil, ErrConflictingClaim
		}
	}
	if !anyEnabled {
		unwindInit()
		return nil, ErrNoDescsEnabled
	}

	inst := &Instance{
		DevID:      devID,
		Path:       path,
		Kind:       kind,
		Driver:     drv,
		DeviceName: name,
		Schemas:    resolved,
		Descs:      descs,
		FD:         -1,
	}
	for i := range inst.Descs {
		inst.Descs[i].DevID = devID
	}

	for _, d := range descs {
		if !d.Enabled {
			continue
		}
		r.claims[d.DataID] = inst
		claimed = append(claimed, d.DataID)
	}

	r.instances[path] = inst
	r.byDevID[devID] = inst
	return inst, nil
}

// Destroy removes a driver instance from all three maps and destroys it.
// Fails with ErrInUse if its refcount is nonzero.
func (r *Registry) Destroy(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[path]
	if !ok {
		return ErrNotRegistered
	}
	inst.mu.Lock()
	refcount := inst.RefCount
	inst.mu.Unlock()
	if refcount != 0 {
		return ErrInUse
	}

	for _, d := range inst.Descs {
		if d.Enabled {
			delete(r.claims, d.DataID)
		}
	}
	delete(r.instances, path)
	delete(r.byDevID, inst.DevID)

	return inst.Driver.Destroy()
}

// Lookup returns the instance claiming a data ID.
func (r *Registry) Lookup(id model.DataID) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.claims[id]
	return inst, ok
}

// LookupPath returns the instance at a device path.
func (r *Registry) LookupPath(path string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[path]
	return inst, ok
}

// LookupDevID returns the instance with the given device id.
func (r *Registry) LookupDevID(devID model.DeviceID) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byDevID[devID]
	return inst, ok
}

// Paths returns every currently registered device path, for
// DestroyAllDrivers-style teardown.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.instances))
	for p := range r.instances {
		out = append(out, p)
	}
	return out
}

// PeriodSupported reports whether id accepts the requested period on its
// owning driver.
func (r *Registry) PeriodSupported(id model.DataID, period model.Period) bool {
	inst, ok := r.Lookup(id)
	if !ok {
		return false
	}
	return inst.periodSupported(id, period)
}

// DataDescriptors returns the public descriptors for every registered
// instance.
func (r *Registry) DataDescriptors() []model.DataDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.DataDescriptor
	for _, inst := range r.instances {
		out = append(out, inst.Descs...)
	}
	return out
}

// applyActiveDataLocked increments or inserts active_data entries for the
// given requests on inst, returning whether the union changed. Must be
// called with inst.mu held.
func applyActiveDataLocked(inst *Instance, requests []model.DataRequest, delta int) (changed bool) {
	for _, req := range requests {
		found := false
		for i := range inst.ActiveData {
			e := &inst.ActiveData[i]
			if e.ID == req.ID && e.Period == req.PeriodNs {
				e.RefCount += delta
				found = true
				changed = true
				if e.RefCount <= 0 {
					inst.ActiveData = append(inst.ActiveData[:i], inst.ActiveData[i+1:]...)
				}
				break
			}
		}
		if !found && delta > 0 {
			inst.ActiveData = append(inst.ActiveData, interfaces.ActiveDataEntry{
				ID: req.ID, Period: req.PeriodNs, RefCount: delta,
			})
			changed = true
		}
	}
	return changed
}

// Ref binds q to the given data requests on the driver claiming each
// request's ID, pausing the poller once for the whole batch so no records
// are lost between the active-data update and the fd/queue registration.
// Requests are assumed to already have been grouped by owning instance by
// the caller (the context layer), one Ref call per instance.
func (r *Registry) Ref(inst *Instance, q *queue.Queue, requests []model.DataRequest) (err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	changed := applyActiveDataLocked(inst, requests, +1)
	if changed {
		if err = inst.Driver.SetData(inst.ActiveData); err != nil {
			applyActiveDataLocked(inst, requests, -1)
			return fmt.Errorf("setdata: %w", err)
		}
	}

	if err = r.poller.Pause(); err != nil {
		applyActiveDataLocked(inst, requests, -1)
		return fmt.Errorf("pause: %w", err)
	}
	defer r.poller.Resume()

	firstRef := inst.RefCount == 0
	var startedFD bool
	if firstRef {
		fd, startErr := inst.Driver.Start()
		if startErr != nil {
			applyActiveDataLocked(inst, requests, -1)
			return fmt.Errorf("start: %w", startErr)
		}
		inst.FD = fd
		startedFD = true

		if attachErr := r.poller.AttachFD(inst.DevID, inst.Driver, fd, inst.Driver.Mode()); attachErr != nil {
			_ = inst.Driver.Stop()
			inst.FD = -1
			applyActiveDataLocked(inst, requests, -1)
			return fmt.Errorf("attach fd: %w", attachErr)
		}
	}

	ids := idsOf(requests)
	if bindErr := r.poller.BindQueue(inst.DevID, q, ids); bindErr != nil {
		if startedFD {
			_ = r.poller.DetachFD(inst.DevID)
			_ = inst.Driver.Stop()
			inst.FD = -1
		}
		applyActiveDataLocked(inst, requests, -1)
		return fmt.Errorf("bind queue: %w", bindErr)
	}

	if inst.Driver.Mode() == interfaces.ModePull {
		for _, req := range requests {
			if timingErr := r.poller.SetTiming(inst.DevID, req.ID, time.Duration(req.PeriodNs)); timingErr != nil {
				_ = r.poller.UnbindQueue(inst.DevID, q)
				if startedFD {
					_ = r.poller.DetachFD(inst.DevID)
					_ = inst.Driver.Stop()
					inst.FD = -1
				}
				applyActiveDataLocked(inst, requests, -1)
				return fmt.Errorf("set timing: %w", timingErr)
			}
		}
	}

	inst.RefCount++
	return nil
}

// Unref is the symmetric inverse of Ref.
func (r *Registry) Unref(inst *Instance, q *queue.Queue, requests []model.DataRequest) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := r.poller.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	defer r.poller.Resume()

	if err := r.poller.UnbindQueue(inst.DevID, q); err != nil {
		return fmt.Errorf("unbind queue: %w", err)
	}

	inst.RefCount--
	if inst.RefCount == 0 {
		if err := r.poller.DetachFD(inst.DevID); err != nil {
			return fmt.Errorf("detach fd: %w", err)
		}
		if err := inst.Driver.Stop(); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		inst.FD = -1
	}

	if applyActiveDataLocked(inst, requests, -1) {
		if err := inst.Driver.SetData(inst.ActiveData); err != nil {
			return fmt.Errorf("setdata: %w", err)
		}
	}

	if inst.Driver.Mode() == interfaces.ModePull {
		for _, req := range requests {
			if remaining, ok := inst.remainingPeriod(req.ID); ok {
				_ = r.poller.SetTiming(inst.DevID, req.ID, time.Duration(remaining))
			} else {
				r.poller.ClearTiming(inst.DevID, req.ID)
			}
		}
	}
	return nil
}

// remainingPeriod returns the period of some still-active subscriber to id,
// if any remain, for retiming after a partial unref.
func (inst *Instance) remainingPeriod(id model.DataID) (model.Period, bool) {
	for _, e := range inst.ActiveData {
		if e.ID == id {
			return e.Period, true
		}
	}
	return 0, false
}

func idsOf(requests []model.DataRequest) []model.DataID {
	ids := make([]model.DataID, len(requests))
	for i, r := range requests {
		ids[i] = r.ID
	}
	return ids
}

// NextDevID is exposed for tests needing a deterministic device id
// expectation; production callers never need it directly.
func (r *Registry) NextDevID() uint64 {
	return atomic.LoadUint64(&r.nextDevID)
}
