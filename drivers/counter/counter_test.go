package counter

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
)

func schemaDescs() []model.SchemaDescriptor {
	return []model.SchemaDescriptor{
		{DataID: DataID, Name: "counter0", Fmts: []model.FieldDescriptor{{Name: "value", Type: model.TypeU64}}},
	}
}

func TestDataDescRejectsWrongSchemaCount(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(nil))
	_, err := d.DataDesc(append(schemaDescs(), schemaDescs()...))
	assert.Error(t, err)
}

func TestInitDefaultsAndOverridesName(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(nil))
	assert.Equal(t, "counter0", d.DeviceName())

	d2 := New()
	require.NoError(t, d2.Init(map[string]model.ArgValue{"name": {Kind: model.ArgString, Str: "counter1"}}))
	assert.Equal(t, "counter1", d2.DeviceName())
}

func TestNextThenParseEmitsMonotonicCounterValues(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(nil))
	_, err := d.DataDesc(schemaDescs())
	require.NoError(t, err)
	assert.Equal(t, interfaces.ModePull, d.Mode())

	fd, err := d.Start()
	require.NoError(t, err)
	assert.Equal(t, -1, fd)

	require.NoError(t, d.Next(DataID))
	require.NoError(t, d.Next(DataID))

	recs, bytesLeft, err := d.Parse(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, bytesLeft)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(recs[0].Data))
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(recs[1].Data))

	// A second Parse with nothing pending drains to empty, not stale data.
	recs, _, err = d.Parse(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, d.Stop())
}
