package hound

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/houndlabs/hound/internal/constants"
	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
	"github.com/houndlabs/hound/internal/queue"
	"github.com/houndlabs/hound/internal/registry"
)

// Callback receives one record and the seqno it was assigned on its
// owning fd, per the emission order guarantee of spec.md §5.
type Callback func(rec model.Record, seqno uint64)

// AllocRequest describes a subscription passed to AllocCtx.
type AllocRequest struct {
	QueueLen int
	Requests []model.DataRequest
	Callback Callback
}

// Context is one consumer's bound queue, callback, and driver
// subscriptions (spec.md §4.4). Grounded on go-ublk's Device struct
// (ref/unref orchestration across queue runners), generalized from "one
// device, N queues" to "one context, N driver groups".
type Context struct {
	id uuid.UUID

	reg *registry.Registry
	log interfaces.Logger
	obs interfaces.Observer

	mu       sync.RWMutex
	q        *queue.Queue
	cb       Callback
	active   bool
	periodic map[*registry.Instance][]model.DataRequest
	onDemand map[*registry.Instance][]model.DataRequest

	readers int32
}

// validated is the result of checking an AllocRequest's request list
// against the registry, partitioned the way start/stop/modify need it.
type validated struct {
	periodic map[*registry.Instance][]model.DataRequest
	onDemand map[*registry.Instance][]model.DataRequest
}

// validateRequests implements alloc's validation list (spec.md §4.4 step
// 1): queue_len > 0, request count in [1, MAX_REQUESTS], non-nil callback,
// every ID resolves to a driver, the driver supports the requested period,
// no duplicate (id, period) pairs, and no duplicate ID at all for
// push-mode drivers (which have no enforced period of their own).
func validateRequests(reg *registry.Registry, req AllocRequest) (*validated, error) {
	if req.QueueLen <= 0 {
		return nil, NewError("alloc", CodeInvalidVal, "queue_len must be > 0")
	}
	if len(req.Requests) == 0 || len(req.Requests) > constants.MaxRequests {
		return nil, NewError("alloc", CodeTooMuchDataRequested, "request count out of range")
	}
	if req.Callback == nil {
		return nil, NewError("alloc", CodeMissingCallback, "callback is required")
	}

	v := &validated{
		periodic: make(map[*registry.Instance][]model.DataRequest),
		onDemand: make(map[*registry.Instance][]model.DataRequest),
	}

	seenPeriodPair := make(map[model.DataRequest]bool)
	seenIDPerPushDriver := make(map[*registry.Instance]map[model.DataID]bool)

	for _, r := range req.Requests {
		inst, ok := reg.Lookup(r.ID)
		if !ok {
			return nil, NewError("alloc", CodeDataIDDoesNotExist, "data id has no owning driver")
		}

		pushMode := inst.Driver.Mode() == interfaces.ModePush
		if pushMode {
			seen := seenIDPerPushDriver[inst]
			if seen == nil {
				seen = make(map[model.DataID]bool)
				seenIDPerPushDriver[inst] = seen
			}
			if seen[r.ID] {
				return nil, NewError("alloc", CodeDuplicateDataRequested, "duplicate data id for a push-mode driver")
			}
			seen[r.ID] = true
			v.onDemand[inst] = append(v.onDemand[inst], r)
			continue
		}

		if r.PeriodNs == 0 {
			return nil, NewError("alloc", CodePeriodUnsupported, "pull-mode drivers reject period == 0")
		}
		if !reg.PeriodSupported(r.ID, r.PeriodNs) {
			return nil, NewError("alloc", CodePeriodUnsupported, "driver does not support requested period")
		}
		if seenPeriodPair[r] {
			return nil, NewError("alloc", CodeDuplicateDataRequested, "duplicate (id, period) pair")
		}
		seenPeriodPair[r] = true
		v.periodic[inst] = append(v.periodic[inst], r)
	}

	return v, nil
}

// AllocCtx validates req and returns an inactive Context bound to it. Call
// Start to begin delivery.
func AllocCtx(reg *registry.Registry, log interfaces.Logger, obs interfaces.Observer, req AllocRequest) (*Context, error) {
	v, err := validateRequests(reg, req)
	if err != nil {
		return nil, err
	}
	return &Context{
		id:       uuid.New(),
		reg:      reg,
		log:      log,
		obs:      obs,
		q:        queue.New(req.QueueLen),
		cb:       req.Callback,
		periodic: v.periodic,
		onDemand: v.onDemand,
	}, nil
}

// ID returns the context's log-correlation identifier.
func (c *Context) ID() uuid.UUID { return c.id }

// Start refs every driver in the periodic map, then the on-demand map; on
// failure it unrefs whatever it already reffed, leaving the context
// inactive.
func (c *Context) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return NewError("start", CodeCtxActive, "context already active")
	}
	if err := c.refAllLocked(); err != nil {
		return err
	}
	c.active = true
	return nil
}

func (c *Context) refAllLocked() error {
	var reffed []*registry.Instance
	unwind := func() {
		for _, inst := range reffed {
			reqs := append(c.periodic[inst], c.onDemand[inst]...)
			_ = c.reg.Unref(inst, c.q, reqs)
		}
	}
	for inst, reqs := range c.periodic {
		if err := c.reg.Ref(inst, c.q, reqs); err != nil {
			unwind()
			return WrapError("start", err)
		}
		reffed = append(reffed, inst)
	}
	for inst, reqs := range c.onDemand {
		if err := c.reg.Ref(inst, c.q, reqs); err != nil {
			unwind()
			return WrapError("start", err)
		}
		reffed = append(reffed, inst)
	}
	return nil
}

// Stop interrupts the queue, then unrefs every driver, symmetric with
// Start.
func (c *Context) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return NewError("stop", CodeCtxNotActive, "context is not active")
	}
	c.q.Interrupt()
	c.unrefAllLocked()
	c.active = false
	return nil
}

func (c *Context) unrefAllLocked() {
	for inst, reqs := range c.onDemand {
		if err := c.reg.Unref(inst, c.q, reqs); err != nil && c.log != nil {
			c.log.Error("unref failed", "err", err)
		}
	}
	for inst, reqs := range c.periodic {
		if err := c.reg.Unref(inst, c.q, reqs); err != nil && c.log != nil {
			c.log.Error("unref failed", "err", err)
		}
	}
}

// Modify stops the context if active (remembering so it can restart),
// resizes the queue, rebuilds the periodic/on-demand maps against the new
// request list, and restarts if it was previously active. A failure after
// stopping restarts with the OLD configuration and surfaces the error —
// the chosen, symmetric resolution to spec.md §9's rollback open question.
func (c *Context) Modify(req AllocRequest, flush bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasActive := c.active
	oldPeriodic, oldOnDemand := c.periodic, c.onDemand
	oldQueueLen := c.q.MaxLen()

	if wasActive {
		c.q.Interrupt()
		c.unrefAllLocked()
		c.active = false
	}

	if err := c.q.Resize(req.QueueLen, flush); err != nil {
		c.periodic, c.onDemand = oldPeriodic, oldOnDemand
		if wasActive {
			if restartErr := c.refAllLocked(); restartErr != nil {
				return WrapError("modify", restartErr)
			}
			c.active = true
		}
		return WrapError("modify", err)
	}

	v, err := validateRequests(c.reg, req)
	if err != nil {
		c.periodic, c.onDemand = oldPeriodic, oldOnDemand
		_ = c.q.Resize(oldQueueLen, false)
		if wasActive {
			if restartErr := c.refAllLocked(); restartErr != nil {
				return WrapError("modify", restartErr)
			}
			c.active = true
		}
		return err
	}

	c.cb = req.Callback
	c.periodic, c.onDemand = v.periodic, v.onDemand

	if wasActive {
		if err := c.refAllLocked(); err != nil {
			c.periodic, c.onDemand = oldPeriodic, oldOnDemand
			_ = c.q.Resize(oldQueueLen, false)
			if restartErr := c.refAllLocked(); restartErr != nil {
				return WrapError("modify", restartErr)
			}
			c.active = true
			return WrapError("modify", err)
		}
		c.active = true
	}
	return nil
}

// Next calls Driver.Next once for each data ID this context requested from
// each on-demand (push-mode) driver, the Go analogue of spec.md §6's
// next(ctx, n): a manual nudge for drivers that don't run their own
// goroutine.
func (c *Context) Next() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for inst, reqs := range c.onDemand {
		for _, r := range reqs {
			if err := inst.Driver.Next(r.ID); err != nil {
				return WrapError("next", err)
			}
		}
	}
	return nil
}

// ReadBlocking delivers up to n records to the callback, blocking until
// they arrive or the context is stopped (CTX_STOPPED).
func (c *Context) ReadBlocking(n int) error {
	return c.read(n, func(buf []*queue.Envelope, want int) (int, uint64, bool) {
		return c.currentQueue().PopRecordsBlocking(buf, want)
	})
}

// ReadNowait is the non-blocking analogue of ReadBlocking.
func (c *Context) ReadNowait(n int) error {
	return c.read(n, func(buf []*queue.Envelope, want int) (int, uint64, bool) {
		count, first := c.currentQueue().PopRecordsNowait(buf, want)
		return count, first, false
	})
}

// ReadAllNowait drains every currently queued record without blocking.
func (c *Context) ReadAllNowait() error {
	return c.ReadNowait(int(^uint(0) >> 1))
}

// ReadBytesNowait delivers whole records while their cumulative size stays
// within budget; no blocking variant exists, matching spec.md §6.
func (c *Context) ReadBytesNowait(budget int) error {
	c.mu.RLock()
	q := c.q
	c.mu.RUnlock()
	atomic.AddInt32(&c.readers, 1)
	defer atomic.AddInt32(&c.readers, -1)

	buf := make([]*queue.Envelope, constants.ReadBatchSize)
	for {
		count, _ := q.PopBytesNowait(buf, budget)
		if count == 0 {
			return nil
		}
		for _, env := range buf[:count] {
			budget -= env.Record.Size()
		}
		c.dispatch(buf[:count])
	}
}

func (c *Context) currentQueue() *queue.Queue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.q
}

// read increments the readers counter (so Free can reject a context with
// in-flight readers), loops pop, and dispatches each batch to the
// callback, which is re-read under lock every batch so Modify may swap it
// mid-stream.
func (c *Context) read(n int, pop func(buf []*queue.Envelope, want int) (count int, firstSeqno uint64, interrupted bool)) error {
	atomic.AddInt32(&c.readers, 1)
	defer atomic.AddInt32(&c.readers, -1)

	buf := make([]*queue.Envelope, constants.ReadBatchSize)
	received := 0
	for received < n {
		want := constants.ReadBatchSize
		if remaining := n - received; remaining < want {
			want = remaining
		}
		count, _, interrupted := pop(buf, want)
		c.dispatch(buf[:count])
		received += count
		if interrupted {
			return NewError("read", CodeCtxStopped, "context stopped")
		}
		if count == 0 {
			// A blocking pop only returns 0 when interrupted (handled
			// above); a nowait pop returning 0 means nothing is
			// available right now.
			break
		}
	}
	return nil
}

func (c *Context) dispatch(batch []*queue.Envelope) {
	c.mu.RLock()
	cb := c.cb
	c.mu.RUnlock()
	for _, env := range batch {
		cb(env.Record, env.Record.Seqno)
		env.Release()
	}
	if c.obs != nil {
		c.obs.ObserveQueueDepth(uuidLowBits(c.id), c.currentQueue().Len())
	}
}

// Free destroys the context's maps and drains/destroys its queue. Rejects
// while active or while any reader is in flight.
func (c *Context) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return NewError("free", CodeCtxActive, "context is active")
	}
	if atomic.LoadInt32(&c.readers) > 0 {
		return NewError("free", CodeCtxActive, "context has in-flight readers")
	}
	c.periodic = nil
	c.onDemand = nil
	c.q.Drain()
	return nil
}

// QueueLength and MaxQueueLength expose the bound queue's current and
// maximum record counts.
func (c *Context) QueueLength() int    { return c.currentQueue().Len() }
func (c *Context) MaxQueueLength() int { return c.currentQueue().MaxLen() }

func uuidLowBits(id uuid.UUID) uint64 {
	var v uint64
	for _, b := range id[8:] {
		v = v<<8 | uint64(b)
	}
	return v
}
