// Package interfaces defines the internal contracts between hound's
// registry/poller/context layers and the drivers plugged into them. Kept
// separate from the root package to avoid circular imports between drivers
// and the facade.
package interfaces

import (
	"context"

	"github.com/houndlabs/hound/internal/model"
)

// SchedMode selects how a driver's fd is serviced by the poller.
type SchedMode int

const (
	// ModePull means the driver's fd is epoll-registered and, once
	// readable, its raw bytes are handed to Parser.Parse.
	ModePull SchedMode = iota
	// ModePush means the driver calls back into the poller on its own
	// schedule via Pusher.BindPush, instead of being epoll-driven.
	ModePush
)

func (m SchedMode) String() string {
	if m == ModePush {
		return "push"
	}
	return "pull"
}

// Driver is the fixed operation table every hound driver implements,
// matching spec.md §4.2.2's driver op abstraction: init, destroy,
// device_name, datadesc, setdata, start(->fd), stop, next(id).
type Driver interface {
	// Init activates the driver with the given typed arguments. It opens
	// no fd for the poller; that fd, if any, is the one returned by Start,
	// opened lazily on first reference.
	Init(args map[string]model.ArgValue) error

	// Destroy releases driver resources. Called at most once, and only
	// after refcount has reached zero and Stop has run.
	Destroy() error

	// DeviceName returns the human-readable device name for GetDevName.
	DeviceName() string

	// DataDesc resolves the driver's schema descriptors into the
	// public-facing data descriptors, setting each one's Enabled flag and
	// AvailPeriods.
	DataDesc(schemas []model.SchemaDescriptor) ([]model.DataDescriptor, error)

	// SetData informs the driver of the union of currently active data
	// requests across all consumers, called whenever that union changes.
	SetData(active []ActiveDataEntry) error

	// Start is called on the 0->1 refcount transition; it opens and
	// returns the driver's fd (pull mode) or -1 (push mode).
	Start() (fd int, err error)

	// Stop is called on the 1->0 refcount transition, after the poller
	// has deregistered the fd; the driver closes it here.
	Stop() error

	// Next is invoked for on-demand (caller-pulled) requests and by the
	// poller's pull-mode timer when a data ID's period elapses.
	Next(id model.DataID) error

	// Mode reports whether this driver is epoll/pull-driven or
	// self-scheduled/push-driven.
	Mode() SchedMode
}

// Parser is implemented by pull-mode drivers: given the raw bytes read off
// the registered fd, produce zero or more records, and report how many
// trailing bytes were not consumed (bytesLeft == len(raw) means "decline
// further work until more bytes arrive", per the partial-consumption
// contract in spec.md §9).
type Parser interface {
	Parse(ctx context.Context, raw []byte) (records []model.Record, bytesLeft int, err error)
}

// PushFunc is supplied to a push-mode driver so it can hand the poller
// records whenever it has them, off its own goroutine.
type PushFunc func(rec model.Record) error

// Pusher is implemented by push-mode drivers (e.g. a client library that
// owns its own read loop, like an MQTT subscriber).
type Pusher interface {
	// BindPush gives the driver the function it should call with each
	// record it produces. Called by the poller's AttachFD each time the
	// driver is activated by its first reference, not at registration.
	BindPush(push PushFunc)

	// Poll is invoked by the poller's loop on push-mode drivers it holds a
	// reference to, so that drivers without their own goroutine (e.g. ones
	// driven by a periodic client tick) still get scheduled time.
	Poll(ctx context.Context) error
}

// ActiveDataEntry is one row of a driver's active-data aggregation table
// (spec.md §4.2.1): one distinct (data ID, period) pair currently
// requested, and how many requests hold a reference to it. A data ID
// requested at several periods has one entry per period.
type ActiveDataEntry struct {
	ID       model.DataID
	Period   model.Period
	RefCount int
}

// Logger is the logging contract drivers and internal packages depend on,
// satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer is the metrics contract the poller and registry report through.
// Implementations must be safe for concurrent use, since ObserveRecord is
// called from the single poller goroutine while ObserveQueueDepth may be
// called from consumer goroutines.
type Observer interface {
	ObserveRecord(devID model.DeviceID, dataID model.DataID, bytes int, err error)
	ObserveQueueDepth(ctxID uint64, depth int)
	ObserveDriverActivate(devID model.DeviceID, success bool)
	ObserveDriverDestroy(devID model.DeviceID, success bool)
	ObservePollCycle(readyFDs int, latencyNs int64)
}
