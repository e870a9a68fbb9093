package canbcm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houndlabs/hound/internal/model"
)

func bcmRecord(frameData []byte) []byte {
	rec := make([]byte, recordSize)
	copy(rec[bcmHeadSize:], frameData)
	return rec
}

func TestParseStripsBCMHeadAndKeepsFramePayload(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(map[string]model.ArgValue{"interface": {Kind: model.ArgString, Str: "vcan0"}}))
	_, err := d.DataDesc([]model.SchemaDescriptor{{DataID: 9, Name: "can_bcm0", Fmts: []model.FieldDescriptor{{Name: "raw", Type: model.TypeBytes}}}})
	require.NoError(t, err)

	f1 := make([]byte, frameSize)
	f1[0] = 0xAA
	f2 := make([]byte, frameSize)
	f2[0] = 0xBB
	raw := append(bcmRecord(f1), bcmRecord(f2)...)
	raw = append(raw, 0x01, 0x02) // trailing partial record

	recs, bytesLeft, err := d.Parse(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 2, bytesLeft)
	require.Len(t, recs, 2)
	assert.Equal(t, model.DataID(9), recs[0].DataID)
	assert.Equal(t, byte(0xAA), recs[0].Data[0])
	assert.Equal(t, byte(0xBB), recs[1].Data[0])
	assert.Len(t, recs[0].Data, frameSize)
}

func TestDataDescRejectsWrongSchemaCount(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(map[string]model.ArgValue{"interface": {Kind: model.ArgString, Str: "vcan0"}}))
	_, err := d.DataDesc(nil)
	assert.Error(t, err)
}
