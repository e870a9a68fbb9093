package mqtt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/houndlabs/hound/internal/model"
)

type fakeSubscriber struct {
	subscribedTopic string
	onMessage       func([]byte)
	unsubscribed    bool
}

func (s *fakeSubscriber) Subscribe(topic string, onMessage func(payload []byte)) error {
	s.subscribedTopic = topic
	s.onMessage = onMessage
	return nil
}
func (s *fakeSubscriber) Unsubscribe(topic string) error {
	s.unsubscribed = true
	return nil
}

func TestStartSubscribesAndStopUnsubscribes(t *testing.T) {
	sub := &fakeSubscriber{}
	d := New(sub)
	require.NoError(t, d.Init(map[string]model.ArgValue{"topic": {Kind: model.ArgString, Str: "sensors/temp"}}))
	_, err := d.DataDesc([]model.SchemaDescriptor{{DataID: 11, Name: "temp0", Fmts: []model.FieldDescriptor{{Name: "value", Type: model.TypeDouble}}}})
	require.NoError(t, err)

	fd, err := d.Start()
	require.NoError(t, err)
	assert.Equal(t, -1, fd)
	assert.Equal(t, "sensors/temp", sub.subscribedTopic)

	require.NoError(t, d.Stop())
	assert.True(t, sub.unsubscribed)
}

func TestOnMessageDecodesAndPushesWithinRateLimit(t *testing.T) {
	sub := &fakeSubscriber{}
	d := New(sub)
	require.NoError(t, d.Init(map[string]model.ArgValue{
		"topic":        {Kind: model.ArgString, Str: "sensors/temp"},
		"rate_per_sec": {Kind: model.ArgFloat, Float: 1000},
	}))
	_, err := d.DataDesc([]model.SchemaDescriptor{{DataID: 11, Name: "temp0", Fmts: []model.FieldDescriptor{{Name: "value", Type: model.TypeDouble}}}})
	require.NoError(t, err)
	_, err = d.Start()
	require.NoError(t, err)

	var pushed []model.Record
	d.BindPush(func(rec model.Record) error {
		pushed = append(pushed, rec)
		return nil
	})

	raw, err := msgpack.Marshal(map[string]interface{}{"value": 21.5})
	require.NoError(t, err)
	sub.onMessage(raw)

	require.Len(t, pushed, 1)
	assert.Equal(t, model.DataID(11), pushed[0].DataID)
	bits := leUint64(pushed[0].Data)
	assert.InDelta(t, 21.5, math.Float64frombits(bits), 0.0001)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
