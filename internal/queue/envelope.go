package queue

import (
	"sync/atomic"

	"github.com/houndlabs/hound/internal/model"
)

// Envelope wraps a record with a reference count shared across every queue
// it was fanned out to. The poller sets refs to the number of queue
// bindings a record matched; each queue releases its reference once the
// record has been popped and handed to a consumer callback (or evicted).
type Envelope struct {
	Record model.Record
	refs   int32
}

// NewEnvelope returns an envelope with the given initial reference count.
func NewEnvelope(rec model.Record, refs int) *Envelope {
	return &Envelope{Record: rec, refs: int32(refs)}
}

// Release decrements the reference count and reports whether this call was
// the one that brought it to zero (the sole releaser of the payload, per
// the atomic decrement-to-zero design note).
func (e *Envelope) Release() bool {
	return atomic.AddInt32(&e.refs, -1) == 0
}
