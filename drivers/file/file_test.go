package file

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/houndlabs/hound/internal/model"
)

func TestDecodeLinesPushesEachRecordAndCarriesPartialTail(t *testing.T) {
	l1, err := msgpack.Marshal(map[string]interface{}{"value": 1.5})
	require.NoError(t, err)
	l2, err := msgpack.Marshal(map[string]interface{}{"value": 2.5})
	require.NoError(t, err)

	chunk := append(append(append(l1, '\n'), l2...), '\n')
	chunk = append(chunk, 0xAB, 0xCD) // trailing partial line

	var pushed []model.Record
	consumed, err := decodeLines(chunk, 42, func(rec model.Record) error {
		pushed = append(pushed, rec)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(chunk)-2, consumed)
	require.Len(t, pushed, 2)
	assert.Equal(t, model.DataID(42), pushed[0].DataID)
	assert.InDelta(t, 1.5, math.Float64frombits(leUint64(pushed[0].Data)), 0.0001)
	assert.InDelta(t, 2.5, math.Float64frombits(leUint64(pushed[1].Data)), 0.0001)
}

func TestDecodeLinesSkipsMalformedLines(t *testing.T) {
	// 0xc1 is msgpack's reserved "never used" byte, guaranteed to fail decode.
	chunk := []byte{0xc1, '\n'}
	var pushed []model.Record
	_, err := decodeLines(chunk, 1, func(rec model.Record) error {
		pushed = append(pushed, rec)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, pushed)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
