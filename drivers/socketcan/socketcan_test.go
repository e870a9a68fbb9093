package socketcan

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houndlabs/hound/internal/model"
)

func frame(id uint32, dlc uint8, data []byte) []byte {
	f := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(f[0:4], id)
	f[4] = dlc
	copy(f[8:16], data)
	return f
}

func TestParseDecodesWholeFramesAndReportsTrailingBytes(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(map[string]model.ArgValue{"interface": {Kind: model.ArgString, Str: "vcan0"}}))
	_, err := d.DataDesc([]model.SchemaDescriptor{{DataID: 7, Name: "can0", Fmts: []model.FieldDescriptor{{Name: "raw", Type: model.TypeBytes}}}})
	require.NoError(t, err)

	f1 := frame(0x123, 8, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	f2 := frame(0x456, 4, []byte{9, 9, 9, 9})
	raw := append(append([]byte{}, f1...), f2...)
	raw = append(raw, 0x01, 0x02, 0x03) // trailing partial frame

	recs, bytesLeft, err := d.Parse(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 3, bytesLeft)
	require.Len(t, recs, 2)
	assert.Equal(t, model.DataID(7), recs[0].DataID)

	assert.Equal(t, uint32(0x123), canID(recs[0].Data))
	assert.Equal(t, uint8(8), dlc(recs[0].Data))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, payload(recs[0].Data))

	assert.Equal(t, uint32(0x456), canID(recs[1].Data))
	assert.Equal(t, uint8(4), dlc(recs[1].Data))
}

func TestIndexForNameRequiresOpenSocket(t *testing.T) {
	_, err := indexForName(-1, "vcan0")
	assert.Error(t, err)
}
