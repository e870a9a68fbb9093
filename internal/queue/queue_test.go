package queue

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houndlabs/hound/internal/model"
)

func envAt(seqno uint64, payload byte) *Envelope {
	return NewEnvelope(model.Record{Seqno: seqno, Data: []byte{payload}}, 1)
}

func TestPushPopInOrder(t *testing.T) {
	q := New(10)
	for i := uint64(0); i < 5; i++ {
		q.Push(envAt(i, byte(i)))
	}
	buf := make([]*Envelope, 5)
	count, first := q.PopRecordsNowait(buf, 5)
	require.Equal(t, 5, count)
	assert.Equal(t, uint64(0), first)
	for i, e := range buf[:count] {
		assert.Equal(t, uint64(i), e.Record.Seqno)
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	q := New(4)
	for i := uint64(1); i <= 10; i++ {
		q.Push(envAt(i, byte(i)))
	}
	buf := make([]*Envelope, 4)
	count, first := q.PopRecordsNowait(buf, 4)
	require.Equal(t, 4, count)
	assert.Equal(t, uint64(7), first)
	got := make([]uint64, count)
	for i, e := range buf[:count] {
		got[i] = e.Record.Seqno
	}
	assert.Equal(t, []uint64{7, 8, 9, 10}, got)
}

func TestResizePreservesOrderAcrossWrap(t *testing.T) {
	q := New(5)
	// force front to wrap: push 5, pop 2, push 2 more so front sits at index 2
	for i := uint64(1); i <= 5; i++ {
		q.Push(envAt(i, byte(i)))
	}
	drop := make([]*Envelope, 2)
	q.PopRecordsNowait(drop, 2)
	for i := uint64(6); i <= 7; i++ {
		q.Push(envAt(i, byte(i)))
	}
	require.NoError(t, q.Resize(7, false))

	buf := make([]*Envelope, 5)
	count, first := q.PopRecordsNowait(buf, 5)
	require.Equal(t, 5, count)
	assert.Equal(t, uint64(3), first)
	got := make([]uint64, count)
	for i, e := range buf[:count] {
		got[i] = e.Record.Seqno
	}
	want := []uint64{3, 4, 5, 6, 7}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("unexpected pop order (-want +got):\n%s", diff)
	}
}

func TestResizeFlushDropsEverything(t *testing.T) {
	q := New(5)
	released := 0
	for i := uint64(1); i <= 3; i++ {
		e := envAt(i, byte(i))
		q.Push(e)
	}
	require.NoError(t, q.Resize(3, true))
	assert.Equal(t, 0, q.Len())
	buf := make([]*Envelope, 3)
	count, _ := q.PopRecordsNowait(buf, 3)
	assert.Equal(t, 0, count)
	_ = released
}

func TestInterruptUnblocksWaiter(t *testing.T) {
	q := New(4)
	done := make(chan bool, 1)
	go func() {
		buf := make([]*Envelope, 10)
		_, _, interrupted := q.PopRecordsBlocking(buf, 10)
		done <- interrupted
	}()
	q.Interrupt()
	select {
	case interrupted := <-done:
		assert.True(t, interrupted)
	}
}

func TestPopBytesNowaitStopsBeforeBudgetExceeded(t *testing.T) {
	q := New(10)
	q.Push(NewEnvelope(model.Record{Seqno: 1, Data: make([]byte, 4)}, 1))
	q.Push(NewEnvelope(model.Record{Seqno: 2, Data: make([]byte, 4)}, 1))
	q.Push(NewEnvelope(model.Record{Seqno: 3, Data: make([]byte, 4)}, 1))

	buf := make([]*Envelope, 3)
	count, first := q.PopBytesNowait(buf, 9)
	require.Equal(t, 2, count)
	assert.Equal(t, uint64(1), first)
}

func TestEnvelopeRefcountReleasesOnce(t *testing.T) {
	e := NewEnvelope(model.Record{Seqno: 1}, 2)
	assert.False(t, e.Release())
	assert.True(t, e.Release())
}
