// Package queue implements the bounded, overwrite-on-overflow record ring
// each context owns (spec.md §4.1).
package queue

import (
	"sync"

	"github.com/houndlabs/hound/internal/model"
)

// Queue is a bounded ring of envelope references. Pushing past max_len
// silently evicts the oldest entry rather than blocking or failing.
type Queue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	ring        []*Envelope
	maxLen      int
	front       int
	length      int
	interrupted bool
}

// New returns a queue with the given capacity. maxLen must be > 0.
func New(maxLen int) *Queue {
	q := &Queue{
		ring:   make([]*Envelope, maxLen),
		maxLen: maxLen,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push inserts env, evicting and releasing the oldest entry first if the
// ring is already full. Always succeeds.
func (q *Queue) Push(env *Envelope) {
	q.mu.Lock()
	var displaced *Envelope
	if q.length == q.maxLen {
		idx := q.front
		displaced = q.ring[idx]
		q.ring[idx] = nil
		q.front = (q.front + 1) % q.maxLen
		q.length--
	}
	insertIdx := (q.front + q.length) % q.maxLen
	q.ring[insertIdx] = env
	q.length++
	q.cond.Signal()
	q.mu.Unlock()

	if displaced != nil {
		displaced.Release()
	}
}

// copyOutLocked copies up to want envelopes (bounded further by len(buf))
// out of the ring, advancing front, and must be called with q.mu held.
func (q *Queue) copyOutLocked(buf []*Envelope, want int) (count int, firstSeqno uint64) {
	if want > q.length {
		want = q.length
	}
	if want > len(buf) {
		want = len(buf)
	}
	if want == 0 {
		return 0, 0
	}
	firstSeqno = q.ring[q.front].Record.Seqno
	for i := 0; i < want; i++ {
		idx := (q.front + i) % q.maxLen
		buf[i] = q.ring[idx]
		q.ring[idx] = nil
	}
	q.front = (q.front + want) % q.maxLen
	q.length -= want
	return want, firstSeqno
}

// PopRecordsBlocking waits until len(q) >= n or Interrupt has been called,
// then copies up to n envelope references into buf. On interruption the
// flag is cleared and whatever was available is returned with
// interrupted=true.
func (q *Queue) PopRecordsBlocking(buf []*Envelope, n int) (count int, firstSeqno uint64, interrupted bool) {
	q.mu.Lock()
	for q.length < n && !q.interrupted {
		q.cond.Wait()
	}
	if q.interrupted {
		q.interrupted = false
		interrupted = true
	}
	count, firstSeqno = q.copyOutLocked(buf, n)
	q.mu.Unlock()
	return count, firstSeqno, interrupted
}

// PopRecordsNowait copies up to n envelope references without waiting.
func (q *Queue) PopRecordsNowait(buf []*Envelope, n int) (count int, firstSeqno uint64) {
	q.mu.Lock()
	count, firstSeqno = q.copyOutLocked(buf, n)
	q.mu.Unlock()
	return count, firstSeqno
}

// PopBytesNowait copies whole records into buf while their cumulative
// Record.Size() stays within budget; never splits a record across the
// boundary.
func (q *Queue) PopBytesNowait(buf []*Envelope, budget int) (count int, firstSeqno uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	want := 0
	for want < q.length && want < len(buf) {
		idx := (q.front + want) % q.maxLen
		sz := q.ring[idx].Record.Size()
		if total+sz > budget {
			break
		}
		total += sz
		want++
	}
	count, firstSeqno = q.copyOutLocked(buf, want)
	return count, firstSeqno
}

// Interrupt wakes any blocked PopRecordsBlocking caller.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	q.interrupted = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Resize grows or shrinks the ring's capacity. If flush, every held
// envelope is released and the queue becomes empty. Otherwise, if
// shrinking, the oldest entries are evicted (and released) until the
// remaining count fits, and the surviving entries are repacked in order
// into the new backing array so order and seqnos are preserved regardless
// of the old array's wraparound.
func (q *Queue) Resize(newMax int, flush bool) error {
	if newMax <= 0 {
		return errQueueTooSmall
	}

	q.mu.Lock()
	if flush {
		displaced := q.snapshotLocked()
		q.ring = make([]*Envelope, newMax)
		q.front = 0
		q.length = 0
		q.maxLen = newMax
		q.mu.Unlock()
		for _, e := range displaced {
			e.Release()
		}
		return nil
	}

	var displaced []*Envelope
	for q.length > newMax {
		idx := q.front
		displaced = append(displaced, q.ring[idx])
		q.ring[idx] = nil
		q.front = (q.front + 1) % q.maxLen
		q.length--
	}

	newRing := make([]*Envelope, newMax)
	for i := 0; i < q.length; i++ {
		idx := (q.front + i) % q.maxLen
		newRing[i] = q.ring[idx]
	}
	q.ring = newRing
	q.front = 0
	q.maxLen = newMax
	q.mu.Unlock()

	for _, e := range displaced {
		e.Release()
	}
	return nil
}

// snapshotLocked returns every live envelope currently held, clearing the
// ring. Must be called with q.mu held.
func (q *Queue) snapshotLocked() []*Envelope {
	out := make([]*Envelope, 0, q.length)
	for i := 0; i < q.length; i++ {
		idx := (q.front + i) % q.maxLen
		out = append(out, q.ring[idx])
		q.ring[idx] = nil
	}
	return out
}

// Drain releases every currently held envelope and empties the queue.
func (q *Queue) Drain() {
	q.mu.Lock()
	displaced := q.snapshotLocked()
	q.front = 0
	q.length = 0
	q.mu.Unlock()
	for _, e := range displaced {
		e.Release()
	}
}

// Len returns the current number of held records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// MaxLen returns the ring's capacity.
func (q *Queue) MaxLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxLen
}

var errQueueTooSmall = queueError{"resize: new_max must be > 0"}

type queueError struct{ msg string }

func (e queueError) Error() string { return e.msg }

// Peek is a test/debug helper returning the model.Record at logical index i
// (0 = oldest) without popping it.
func (q *Queue) Peek(i int) (model.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= q.length {
		return model.Record{}, false
	}
	idx := (q.front + i) % q.maxLen
	return q.ring[idx].Record, true
}
