package gpsd

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houndlabs/hound/internal/model"
)

func TestParseDecodesTPVAndSkipsOtherClasses(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(map[string]model.ArgValue{"addr": {Kind: model.ArgString, Str: "localhost:2947"}}))
	_, err := d.DataDesc([]model.SchemaDescriptor{{DataID: 5, Name: "fix0", Fmts: []model.FieldDescriptor{
		{Name: "lat", Type: model.TypeDouble},
		{Name: "lon", Type: model.TypeDouble},
		{Name: "alt", Type: model.TypeDouble},
		{Name: "speed", Type: model.TypeDouble},
	}}})
	require.NoError(t, err)

	raw := []byte(`{"class":"VERSION","release":"3.25"}` + "\n" +
		`{"class":"TPV","lat":37.5,"lon":-122.3,"alt":10.0,"speed":1.5}` + "\n")

	recs, bytesLeft, err := d.Parse(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 0, bytesLeft)
	require.Len(t, recs, 1)
	assert.Equal(t, model.DataID(5), recs[0].DataID)

	lat := math.Float64frombits(leUint64(recs[0].Data[0:8]))
	lon := math.Float64frombits(leUint64(recs[0].Data[8:16]))
	assert.InDelta(t, 37.5, lat, 0.0001)
	assert.InDelta(t, -122.3, lon, 0.0001)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
