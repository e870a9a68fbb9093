package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houndlabs/hound/internal/model"
)

func TestResolveFillsOffsets(t *testing.T) {
	d := model.SchemaDescriptor{
		DataID: 1,
		Name:   "accel",
		Fmts: []model.FieldDescriptor{
			{Name: "x", Type: model.TypeFloat, Unit: model.UnitMetersPerSecondSquared},
			{Name: "y", Type: model.TypeFloat, Unit: model.UnitMetersPerSecondSquared},
			{Name: "flags", Type: model.TypeU8},
		},
	}
	resolved, err := Resolve(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), resolved.Fmts[0].Offset)
	assert.Equal(t, uint32(4), resolved.Fmts[1].Offset)
	assert.Equal(t, uint32(8), resolved.Fmts[2].Offset)
	assert.Equal(t, uint32(9), RecordSize(resolved))
}

func TestResolveRejectsBytesNotLast(t *testing.T) {
	d := model.SchemaDescriptor{
		DataID: 2,
		Name:   "bad",
		Fmts: []model.FieldDescriptor{
			{Name: "payload", Type: model.TypeBytes, Size: 16},
			{Name: "crc", Type: model.TypeU32},
		},
	}
	_, err := Resolve(d)
	require.Error(t, err)
}

func TestResolveRejectsMultipleBytesFields(t *testing.T) {
	d := model.SchemaDescriptor{
		DataID: 3,
		Name:   "bad",
		Fmts: []model.FieldDescriptor{
			{Name: "a", Type: model.TypeBytes, Size: 4},
			{Name: "b", Type: model.TypeBytes, Size: 4},
		},
	}
	_, err := Resolve(d)
	require.Error(t, err)
}

func TestResolveAcceptsZeroSizeBytesAsVariable(t *testing.T) {
	d := model.SchemaDescriptor{
		DataID: 4,
		Name:   "variable",
		Fmts: []model.FieldDescriptor{
			{Name: "seq", Type: model.TypeU32},
			{Name: "payload", Type: model.TypeBytes},
		},
	}
	resolved, err := Resolve(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), resolved.Fmts[0].Offset)
	assert.Equal(t, uint32(4), resolved.Fmts[1].Offset)
	assert.Equal(t, uint32(0), resolved.Fmts[1].Size)
	assert.Equal(t, uint32(4), RecordSize(resolved))
}

func TestStaticSourceLoad(t *testing.T) {
	src := StaticSource{Descriptors: []model.SchemaDescriptor{
		{DataID: 5, Name: "counter", Fmts: []model.FieldDescriptor{
			{Name: "value", Type: model.TypeU64},
		}},
	}}
	out, err := src.Load("", "")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(8), out[0].Fmts[0].Size)
}
