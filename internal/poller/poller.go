// Package poller implements hound's single-threaded I/O multiplexer
// (spec.md §4.3): one goroutine owns an epoll set, a pull-mode timer
// ladder, and the queue bindings fanning records out to consumers. Grounded
// on the retrieval pack's epoll-based event loops (the alternatethree
// ioPoller's collect-then-execute pattern, gaio's watcher) generalized from
// a generic fd-ready callback into hound's driver Parse/Next contract.
package poller

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/houndlabs/hound/internal/constants"
	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
	"github.com/houndlabs/hound/internal/queue"
)

// queueBinding ties one consumer queue to the subset of a driver's data IDs
// it subscribed to.
type queueBinding struct {
	q   *queue.Queue
	ids map[model.DataID]bool
}

// timing tracks the pull-mode timer ladder for one data ID.
type timing struct {
	period         time.Duration
	currentTimeout time.Duration
}

// entry is the poller's per-fd state: spec.md §4.3's ctx[] row.
type entry struct {
	devID     model.DeviceID
	drv       interfaces.Driver
	mode      interfaces.SchedMode
	fd        int
	nextSeqno uint64
	bindings  []*queueBinding
	timings   map[model.DataID]*timing
	readBuf   []byte
	readTail  []byte // unconsumed bytes carried from the previous Parse call
}

// Poller is hound's single-threaded multiplexer. All mutation methods
// (AttachFD, DetachFD, BindQueue, UnbindQueue) must be called while the
// loop is paused — the registry guarantees this via Pause/Resume.
type Poller struct {
	epfd      int
	wakeFD    int
	entries   map[model.DeviceID]*entry
	fdToEntry map[int]*entry

	activeTarget  bool
	activeCurrent bool

	mu  chan struct{} // binary mutex; see lock()/unlock()
	log interfaces.Logger
	obs interfaces.Observer
}

// New creates an epoll instance and an always-armed eventfd folded into its
// set, used to interrupt EpollWait for the pause protocol (spec.md §9's
// recommended eventfd replacement for a per-thread pause signal).
func New(log interfaces.Logger, obs interfaces.Observer) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl(wakefd): %w", err)
	}

	p := &Poller{
		epfd:      epfd,
		wakeFD:    wakeFD,
		entries:   make(map[model.DeviceID]*entry),
		fdToEntry: make(map[int]*entry),
		mu:        make(chan struct{}, 1),
		log:       log,
		obs:       obs,
	}
	p.mu <- struct{}{}
	return p, nil
}

func (p *Poller) lock()   { <-p.mu }
func (p *Poller) unlock() { p.mu <- struct{}{} }

func (p *Poller) wake() {
	var buf [8]byte
	buf[7] = 1
	unix.Write(p.wakeFD, buf[:])
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// Close releases the epoll and eventfd descriptors. Only safe after Run's
// goroutine has returned.
func (p *Poller) Close() error {
	unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}

// AttachFD registers drv's fd with the poller under devID. fd == -1 means a
// driver with no epoll-pollable descriptor of its own: a push-mode one is
// still serviced via Pusher.Poll on each loop iteration if it implements
// that interface, and a pull-mode one has its Parse pumped after each of
// its timers fires (see fireElapsedTimers).
func (p *Poller) AttachFD(devID model.DeviceID, drv interfaces.Driver, fd int, mode interfaces.SchedMode) error {
	p.lock()
	defer p.unlock()

	e := &entry{
		devID:   devID,
		drv:     drv,
		mode:    mode,
		fd:      fd,
		timings: make(map[model.DataID]*timing),
		readBuf: make([]byte, constants.ReadBufferSize),
	}
	p.entries[devID] = e

	if mode == interfaces.ModePull && fd >= 0 {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}); err != nil {
			delete(p.entries, devID)
			return fmt.Errorf("epoll_ctl(add): %w", err)
		}
		p.fdToEntry[fd] = e
	}

	if pusher, ok := drv.(interfaces.Pusher); ok {
		pusher.BindPush(p.pushFuncFor(e))
	}
	return nil
}

// pushFuncFor returns the function a push-mode driver calls, off its own
// goroutine, to hand the poller a record. It assigns the per-fd seqno and
// fans out exactly like the pull-mode path, under the poller's lock since
// this races with the main loop's own fan-out and timer bookkeeping.
func (p *Poller) pushFuncFor(e *entry) interfaces.PushFunc {
	return func(rec model.Record) error {
		p.lock()
		defer p.unlock()
		p.fanOut(e, []model.Record{rec})
		return nil
	}
}

// DetachFD removes devID's fd from the epoll set and drops its bookkeeping.
func (p *Poller) DetachFD(devID model.DeviceID) error {
	p.lock()
	defer p.unlock()

	e, ok := p.entries[devID]
	if !ok {
		return fmt.Errorf("poller: device %d not attached", devID)
	}
	if e.mode == interfaces.ModePull && e.fd >= 0 {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, e.fd, nil); err != nil {
			return fmt.Errorf("epoll_ctl(del): %w", err)
		}
		delete(p.fdToEntry, e.fd)
	}
	delete(p.entries, devID)
	return nil
}

// BindQueue adds a queue binding for ids on devID's driver. If a binding
// for q already exists it is extended instead of duplicated.
func (p *Poller) BindQueue(devID model.DeviceID, q *queue.Queue, ids []model.DataID) error {
	p.lock()
	defer p.unlock()

	e, ok := p.entries[devID]
	if !ok {
		return fmt.Errorf("poller: device %d not attached", devID)
	}
	for _, b := range e.bindings {
		if b.q == q {
			for _, id := range ids {
				b.ids[id] = true
			}
			return nil
		}
	}
	idSet := make(map[model.DataID]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
		if _, ok := e.timings[id]; !ok {
			// Period is attached by the caller via SetTiming once known;
			// on-demand (period==0) requests never get a timing entry.
		}
	}
	e.bindings = append(e.bindings, &queueBinding{q: q, ids: idSet})
	return nil
}

// UnbindQueue removes every id binding for q on devID.
func (p *Poller) UnbindQueue(devID model.DeviceID, q *queue.Queue) error {
	p.lock()
	defer p.unlock()

	e, ok := p.entries[devID]
	if !ok {
		return fmt.Errorf("poller: device %d not attached", devID)
	}
	for i, b := range e.bindings {
		if b.q == q {
			e.bindings = append(e.bindings[:i], e.bindings[i+1:]...)
			return nil
		}
	}
	return nil
}

// SetTiming registers or updates the pull-mode timer for a data ID, used
// for periodic on_demand==false subscriptions. period == 0 is rejected
// (period==0 is reserved for on-demand requests, handled via Next directly,
// never timer-driven).
func (p *Poller) SetTiming(devID model.DeviceID, id model.DataID, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("poller: period must be > 0 for timer-driven data id %d", id)
	}
	p.lock()
	defer p.unlock()
	e, ok := p.entries[devID]
	if !ok {
		return fmt.Errorf("poller: device %d not attached", devID)
	}
	e.timings[id] = &timing{period: period, currentTimeout: period}
	return nil
}

// ClearTiming removes a data ID's timer, e.g. when its last subscriber
// unrefs.
func (p *Poller) ClearTiming(devID model.DeviceID, id model.DataID) {
	p.lock()
	defer p.unlock()
	if e, ok := p.entries[devID]; ok {
		delete(e.timings, id)
	}
}

// Pause requests the loop park at the top of its main loop and blocks
// until it has (or returns an error past PauseTimeout — a parked poller
// that never reports back is a programmer-error deadlock, not a condition
// to silently tolerate).
func (p *Poller) Pause() error {
	p.lock()
	p.activeTarget = false
	p.unlock()
	p.wake()

	deadline := time.Now().Add(constants.PauseTimeout)
	for {
		p.lock()
		parked := !p.activeCurrent
		p.unlock()
		if parked {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("poller: pause timed out waiting for loop to park")
		}
		time.Sleep(constants.PausePollInterval)
	}
}

// Resume releases a paused loop to continue its main loop.
func (p *Poller) Resume() {
	p.lock()
	p.activeTarget = true
	p.unlock()
	p.wake()
}

// Run is the poller's main loop (spec.md §4.3). It blocks until ctx is
// canceled; call it from its own goroutine.
func (p *Poller) Run(ctx context.Context) error {
	var lastPoll time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}

		p.lock()
		for !p.activeTarget || len(p.entries) == 0 {
			p.activeCurrent = false
			p.unlock()
			if ctx.Err() != nil {
				return nil
			}
			time.Sleep(constants.PausePollInterval)
			p.lock()
		}
		p.activeCurrent = true
		p.unlock()

		timeoutMs, hasTimeout := p.minTimeout()
		waitMs := -1
		if hasTimeout {
			waitMs = int(timeoutMs.Milliseconds())
			if waitMs < 0 {
				waitMs = 0
			}
		}

		now := time.Now()
		var elapsed time.Duration
		if !lastPoll.IsZero() {
			elapsed = now.Sub(lastPoll)
		}
		lastPoll = now

		events := make([]unix.EpollEvent, constants.MaxEpollEvents)
		n, err := unix.EpollWait(p.epfd, events, waitMs)
		pollLatency := time.Since(now)
		if p.obs != nil {
			p.obs.ObservePollCycle(n, pollLatency.Nanoseconds())
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		p.fireElapsedTimers(ctx, elapsed)

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.wakeFD {
				p.drainWake()
				continue
			}
			p.serviceReadable(ctx, fd)
		}

		p.servicePushDrivers(ctx)
	}
}

// minTimeout returns the smallest remaining currentTimeout across every
// pull-mode timing entry, or false if none exist.
func (p *Poller) minTimeout() (time.Duration, bool) {
	p.lock()
	defer p.unlock()
	var min time.Duration
	found := false
	for _, e := range p.entries {
		for _, t := range e.timings {
			if !found || t.currentTimeout < min {
				min = t.currentTimeout
				found = true
			}
		}
	}
	return min, found
}

// fireElapsedTimers decrements every timing's countdown by elapsed and
// calls Next on any that reached zero, carrying lateness forward so the
// average rate approximates the requested period.
func (p *Poller) fireElapsedTimers(ctx context.Context, elapsed time.Duration) {
	type fire struct {
		e  *entry
		id model.DataID
	}
	var toFire []fire

	p.lock()
	for _, e := range p.entries {
		for id, t := range e.timings {
			t.currentTimeout -= elapsed
			if t.currentTimeout <= 0 {
				lateness := -t.currentTimeout
				if lateness >= t.period {
					t.currentTimeout = 0
				} else {
					t.currentTimeout = t.period - lateness
				}
				toFire = append(toFire, fire{e: e, id: id})
			}
		}
	}
	p.unlock()

	for _, f := range toFire {
		if err := f.e.drv.Next(f.id); err != nil && p.log != nil {
			p.log.Warn("driver next failed", "data_id", f.id, "err", err)
			continue
		}
		// Drivers with no pollable fd (fd == -1) are never visited by
		// serviceReadable, so a timer-driven Parse is pumped here instead —
		// the synthetic counter driver's only delivery path.
		if f.e.fd >= 0 {
			continue
		}
		parser, ok := f.e.drv.(interfaces.Parser)
		if !ok {
			continue
		}
		records, _, err := parser.Parse(ctx, nil)
		if err != nil {
			if p.log != nil {
				p.log.Warn("driver parse failed", "device", f.e.devID, "err", err)
			}
			continue
		}
		if len(records) == 0 {
			continue
		}
		records = p.capParseResult(f.e, records)
		p.lock()
		p.fanOut(f.e, records)
		p.unlock()
	}
}

// serviceReadable reads available bytes off fd and repeatedly invokes the
// owning driver's Parse, fanning each record out to every queue binding
// whose ID set contains it.
func (p *Poller) serviceReadable(ctx context.Context, fd int) {
	p.lock()
	e, ok := p.fdToEntry[fd]
	p.unlock()
	if !ok {
		return
	}

	parser, ok := e.drv.(interfaces.Parser)
	if !ok {
		return
	}

	n, err := unix.Read(fd, e.readBuf)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		if err == unix.EIO {
			if p.log != nil {
				p.log.Error("driver read failed", "device", e.devID, "err", err)
			}
			return
		}
		panic(fmt.Sprintf("poller: unexpected read error on device %d: %v", e.devID, err))
	}
	if n == 0 {
		return
	}

	buf := append(e.readTail, e.readBuf[:n]...)
	e.readTail = nil

	for len(buf) > 0 {
		records, bytesLeft, err := parser.Parse(ctx, buf)
		if err != nil {
			if p.log != nil {
				p.log.Warn("driver parse failed", "device", e.devID, "err", err)
			}
			break
		}
		p.fanOut(e, p.capParseResult(e, records))
		if bytesLeft == len(buf) {
			e.readTail = append([]byte(nil), buf...)
			break
		}
		buf = buf[len(buf)-bytesLeft:]
		if bytesLeft == 0 {
			break
		}
	}
}

// capParseResult truncates records to constants.MaxParseRecordsPerCall so
// one misbehaving driver can't starve the rest of the loop in a single
// Parse call.
func (p *Poller) capParseResult(e *entry, records []model.Record) []model.Record {
	if len(records) <= constants.MaxParseRecordsPerCall {
		return records
	}
	if p.log != nil {
		p.log.Warn("driver parse returned too many records, truncating", "device", e.devID, "count", len(records), "max", constants.MaxParseRecordsPerCall)
	}
	return records[:constants.MaxParseRecordsPerCall]
}

// fanOut wraps each record in an envelope with a refcount equal to the
// number of matching queue bindings and pushes it to each of them, in
// strict per-fd emission order.
func (p *Poller) fanOut(e *entry, records []model.Record) {
	for i := range records {
		rec := records[i]
		rec.DevID = e.devID
		rec.Seqno = e.nextSeqno
		e.nextSeqno++

		var matched []*queueBinding
		for _, b := range e.bindings {
			if b.ids[rec.DataID] {
				matched = append(matched, b)
			}
		}
		if len(matched) == 0 {
			continue
		}
		env := queue.NewEnvelope(rec, len(matched))
		for _, b := range matched {
			b.q.Push(env)
		}
		if p.obs != nil {
			p.obs.ObserveRecord(e.devID, rec.DataID, rec.Size(), nil)
		}
	}
}

// servicePushDrivers gives every attached push-mode driver that implements
// Pusher a chance to run, for drivers without their own goroutine.
func (p *Poller) servicePushDrivers(ctx context.Context) {
	p.lock()
	var pushers []*entry
	for _, e := range p.entries {
		if e.mode == interfaces.ModePush {
			pushers = append(pushers, e)
		}
	}
	p.unlock()

	for _, e := range pushers {
		pusher, ok := e.drv.(interfaces.Pusher)
		if !ok {
			continue
		}
		if err := pusher.Poll(ctx); err != nil && p.log != nil {
			p.log.Warn("push driver poll failed", "device", e.devID, "err", err)
		}
	}
}
