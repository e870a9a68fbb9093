// Package hound is an in-process sensor-data broker: producer drivers feed
// a single-threaded poller, which fans records out to consumer contexts
// through bounded, overwrite-on-overflow queues.
package hound

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/logging"
	"github.com/houndlabs/hound/internal/model"
	"github.com/houndlabs/hound/internal/poller"
	"github.com/houndlabs/hound/internal/registry"
	"github.com/houndlabs/hound/internal/schema"
)

// Library is the process-wide broker: one registry, one poller goroutine,
// and the set of contexts allocated against it. Grounded on go-ublk's
// top-level backend/device bootstrap (a single long-lived object owning
// the registry and the event loop's lifetime).
type Library struct {
	reg    *registry.Registry
	pol    *poller.Poller
	log    interfaces.Logger
	obs    interfaces.Observer
	cancel context.CancelFunc

	mu         sync.Mutex
	schemaBase string
	contexts   map[*Context]bool
	wg         sync.WaitGroup
}

// InitConfig is the library's entry point (spec.md §6's init_config):
// it creates the poller and registry, starts the poller's goroutine, and
// records schemaBase for subsequent InitDriver calls. path names a
// driver-topology config file; parsing one is out of scope (the YAML
// format is an explicit Non-goal, matching internal/schema's Source
// seam) so path is accepted for API fidelity and logged, not parsed —
// callers drive topology through InitDriver directly.
func InitConfig(path, schemaBase string) (*Library, error) {
	log := logging.Default()

	pol, err := poller.New(log, nil)
	if err != nil {
		return nil, WrapError("init_config", err)
	}
	reg := registry.New(pol, log)

	ctx, cancel := context.WithCancel(context.Background())
	lib := &Library{
		reg:        reg,
		pol:        pol,
		log:        log,
		schemaBase: schemaBase,
		contexts:   make(map[*Context]bool),
		cancel:     cancel,
	}

	lib.wg.Add(1)
	go func() {
		defer lib.wg.Done()
		if runErr := pol.Run(ctx); runErr != nil && log != nil {
			log.Error("poller run failed", "err", runErr, "config_path", path)
		}
	}()

	return lib, nil
}

// InitConfigWithObserver is InitConfig with an explicit Observer wired into
// both the registry's poller and the returned Library, for callers that want
// Prometheus metrics (see internal/telemetry.PrometheusObserver) instead of
// the library's own observer-less default.
func InitConfigWithObserver(path, schemaBase string, log interfaces.Logger, obs interfaces.Observer) (*Library, error) {
	if log == nil {
		log = logging.Default()
	}
	pol, err := poller.New(log, obs)
	if err != nil {
		return nil, WrapError("init_config", err)
	}
	reg := registry.New(pol, log)

	ctx, cancel := context.WithCancel(context.Background())
	lib := &Library{
		reg:        reg,
		pol:        pol,
		log:        log,
		obs:        obs,
		schemaBase: schemaBase,
		contexts:   make(map[*Context]bool),
		cancel:     cancel,
	}

	lib.wg.Add(1)
	go func() {
		defer lib.wg.Done()
		if runErr := pol.Run(ctx); runErr != nil && log != nil {
			log.Error("poller run failed", "err", runErr, "config_path", path)
		}
	}()

	return lib, nil
}

// RegisterKind makes a driver kind available to InitDriver under name,
// mirroring a driver package's init-time self-registration.
func (l *Library) RegisterKind(name string, ctor func() interfaces.Driver) {
	l.reg.RegisterKind(name, ctor)
}

// InitDriver activates a driver instance of the given kind at path
// (spec.md §6's init_driver), loading its schema through src and args
// (driver-specific construction parameters, e.g. a CAN interface name or an
// MQTT broker URL). schemaFile is resolved against the schemaBase given to
// InitConfig.
func (l *Library) InitDriver(kind, path string, src schema.Source, schemaFile string, args map[string]model.ArgValue) (model.DeviceID, error) {
	l.mu.Lock()
	base := l.schemaBase
	l.mu.Unlock()

	inst, err := l.reg.RegisterDriver(kind, path, src, base, schemaFile, args)
	if err != nil {
		if l.obs != nil {
			l.obs.ObserveDriverActivate(0, false)
		}
		return 0, mapRegistryErr("init_driver", err)
	}
	if l.obs != nil {
		l.obs.ObserveDriverActivate(inst.DevID, true)
	}
	return inst.DevID, nil
}

// DestroyDriver tears down the driver instance at path (spec.md §6's
// destroy_driver), failing with CodeDriverInUse if any context still
// references it.
func (l *Library) DestroyDriver(path string) error {
	if err := l.reg.Destroy(path); err != nil {
		return mapRegistryErr("destroy_driver", err)
	}
	return nil
}

// DestroyAllDrivers tears down every currently registered driver
// concurrently, bounded only by each instance's own mutex — an addition
// over spec.md's sequential destroy_driver, grounded on the errgroup
// teardown style the retrieval pack favors for process shutdown.
func (l *Library) DestroyAllDrivers() error {
	var g errgroup.Group
	for _, path := range l.reg.Paths() {
		path := path
		g.Go(func() error {
			if err := l.reg.Destroy(path); err != nil {
				return mapRegistryErr("destroy_all_drivers", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// GetDevName returns the device name a driver instance reported at
// registration.
func (l *Library) GetDevName(devID model.DeviceID) (string, error) {
	inst, ok := l.reg.LookupDevID(devID)
	if !ok {
		return "", NewDriverError("get_dev_name", uint64(devID), CodeDevDoesNotExist, "no such device")
	}
	return inst.DeviceName, nil
}

// GetDatadesc returns the public data descriptors of every registered
// driver instance.
func (l *Library) GetDatadesc() []model.DataDescriptor {
	return l.reg.DataDescriptors()
}

// AllocCtx validates req and returns a new, inactive Context, tracked by
// the library so Shutdown can free any still-outstanding contexts.
func (l *Library) AllocCtx(req AllocRequest) (*Context, error) {
	c, err := AllocCtx(l.reg, l.log, l.obs, req)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.contexts[c] = true
	l.mu.Unlock()
	return c, nil
}

// ModifyCtx changes an active or inactive context's subscriptions and queue
// size in place (spec.md §6's modify_ctx).
func (l *Library) ModifyCtx(c *Context, req AllocRequest, flush bool) error {
	return c.Modify(req, flush)
}

// FreeCtx releases a context's resources, rejecting one still active or
// with in-flight readers.
func (l *Library) FreeCtx(c *Context) error {
	if err := c.Free(); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.contexts, c)
	l.mu.Unlock()
	return nil
}

// Start begins delivery on a context (spec.md §6's start).
func (l *Library) Start(c *Context) error { return c.Start() }

// Stop halts delivery on a context (spec.md §6's stop).
func (l *Library) Stop(c *Context) error { return c.Stop() }

// Next manually nudges every on-demand (push-mode) driver a context is
// subscribed to (spec.md §6's next).
func (l *Library) Next(c *Context) error { return c.Next() }

// ReadBlocking, ReadNowait, ReadAllNowait and ReadBytesNowait deliver
// records off a context's queue to its bound callback.
func (l *Library) ReadBlocking(c *Context, n int) error     { return c.ReadBlocking(n) }
func (l *Library) ReadNowait(c *Context, n int) error       { return c.ReadNowait(n) }
func (l *Library) ReadAllNowait(c *Context) error           { return c.ReadAllNowait() }
func (l *Library) ReadBytesNowait(c *Context, budget int) error { return c.ReadBytesNowait(budget) }

// QueueLength and MaxQueueLength expose a context's current and maximum
// queue depth.
func (l *Library) QueueLength(c *Context) int    { return c.QueueLength() }
func (l *Library) MaxQueueLength(c *Context) int { return c.MaxQueueLength() }

// Shutdown frees every outstanding context, destroys every driver, stops
// the poller goroutine and releases its epoll/eventfd descriptors. Safe to
// call once; a second call is a no-op beyond closing already-closed
// descriptors, which is reported as an error.
func (l *Library) Shutdown() error {
	l.mu.Lock()
	var stopErrs []error
	for c := range l.contexts {
		if err := c.Stop(); err != nil && !IsCode(err, CodeCtxNotActive) {
			stopErrs = append(stopErrs, err)
		}
		if err := c.Free(); err != nil {
			stopErrs = append(stopErrs, err)
		}
		delete(l.contexts, c)
	}
	l.mu.Unlock()

	if err := l.DestroyAllDrivers(); err != nil {
		stopErrs = append(stopErrs, err)
	}

	l.cancel()
	l.wg.Wait()

	if err := l.pol.Close(); err != nil {
		stopErrs = append(stopErrs, err)
	}

	if len(stopErrs) > 0 {
		return fmt.Errorf("hound: shutdown encountered %d error(s): %w", len(stopErrs), stopErrs[0])
	}
	return nil
}

// mapRegistryErr translates the registry package's sentinel errors into
// hound's closed Code set.
func mapRegistryErr(op string, err error) error {
	switch err {
	case registry.ErrNotRegistered:
		return NewError(op, CodeDriverNotRegistered, err.Error())
	case registry.ErrAlreadyPresent:
		return NewError(op, CodeDriverAlreadyPresent, err.Error())
	case registry.ErrNoDescsEnabled:
		return NewError(op, CodeNoDescsEnabled, err.Error())
	case registry.ErrConflictingClaim:
		return NewError(op, CodeConflictingDrivers, err.Error())
	case registry.ErrInUse:
		return NewError(op, CodeDriverInUse, err.Error())
	case registry.ErrInvalidString:
		return NewError(op, CodeInvalidString, err.Error())
	case registry.ErrNotClaimed:
		return NewError(op, CodeDataIDDoesNotExist, err.Error())
	default:
		return WrapError(op, err)
	}
}
