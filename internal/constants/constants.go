// Package constants holds the tunables shared across hound's internal packages.
package constants

import "time"

// Request and queue limits
const (
	// MaxRequests bounds a single request list passed to alloc/modify.
	MaxRequests = 64

	// DefaultQueueLen is used when a caller doesn't override it.
	DefaultQueueLen = 128

	// MaxParseRecordsPerCall bounds how many records a single driver.Parse
	// call may emit, so one misbehaving driver can't starve the poller.
	MaxParseRecordsPerCall = 64

	// ReadBatchSize is the stack-buffer size Context.read copies
	// queue_pop_records_blocking batches into before dispatching callbacks.
	ReadBatchSize = 32
)

// Poller pause/resume timing
const (
	// PausePollInterval is how often driver_ref/driver_unref/context_modify
	// re-check whether the poller has parked after requesting a pause.
	PausePollInterval = 200 * time.Microsecond

	// PauseTimeout bounds how long a pause request waits for the poller to
	// park before it is treated as a programmer error (deadlocked loop).
	PauseTimeout = 2 * time.Second
)

// Driver raw-read sizing
const (
	// ReadBufferSize is the per-fd scratch buffer the poller reads pull-mode
	// driver bytes into before handing them to Driver.Parse.
	ReadBufferSize = 64 * 1024

	// MaxEpollEvents bounds how many ready fds a single EpollWait call
	// returns at once.
	MaxEpollEvents = 128
)
