package iio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houndlabs/hound/internal/model"
)

func accelSchema() model.SchemaDescriptor {
	return model.SchemaDescriptor{
		DataID: 3,
		Name:   "accel0",
		Fmts: []model.FieldDescriptor{
			{Name: "x", Type: model.TypeFloat},
			{Name: "y", Type: model.TypeFloat},
			{Name: "z", Type: model.TypeFloat},
		},
	}
}

func TestDataDescComputesRecordSizeFromSchema(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(map[string]model.ArgValue{"device": {Kind: model.ArgString, Str: "/dev/iio:device0"}}))
	_, err := d.DataDesc([]model.SchemaDescriptor{accelSchema()})
	require.NoError(t, err)
	assert.Equal(t, uint32(12), d.recordSize)
}

func TestParseSlicesFixedWidthSamples(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(map[string]model.ArgValue{"device": {Kind: model.ArgString, Str: "/dev/iio:device0"}}))
	_, err := d.DataDesc([]model.SchemaDescriptor{accelSchema()})
	require.NoError(t, err)

	raw := make([]byte, 12*2+5)
	recs, bytesLeft, err := d.Parse(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 5, bytesLeft)
	require.Len(t, recs, 2)
	assert.Equal(t, model.DataID(3), recs[0].DataID)
	assert.Len(t, recs[0].Data, 12)
}

func TestDataDescRejectsZeroSizeSchema(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(map[string]model.ArgValue{"device": {Kind: model.ArgString, Str: "/dev/iio:device0"}}))
	_, err := d.DataDesc([]model.SchemaDescriptor{{DataID: 4, Name: "empty0"}})
	assert.Error(t, err)
}
