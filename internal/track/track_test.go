package track

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrack() TrackData {
	return TrackData{
		TrackID:            42,
		Position:           Vec3{X: 4_500_000, Y: 1_200_000, Z: 4_300_000},
		Velocity:           Vec3{X: 120.5, Y: -3.25, Z: 0.5},
		OriginalUpdateTime: 1_760_000_000_000_000,
	}
}

func TestTrackData_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*TrackData)
		valid  bool
	}{
		{"valid", func(*TrackData) {}, true},
		{"zero id allowed", func(td *TrackData) { td.TrackID = 0 }, true},
		{"negative id", func(td *TrackData) { td.TrackID = -1 }, false},
		{"negative timestamp", func(td *TrackData) { td.OriginalUpdateTime = -5 }, false},
		{"NaN position", func(td *TrackData) { td.Position.Y = math.NaN() }, false},
		{"Inf velocity", func(td *TrackData) { td.Velocity.Z = math.Inf(-1) }, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			td := sampleTrack()
			tt.mutate(&td)
			err := td.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput), "want ErrInvalidInput, got %v", err)
		})
	}
}

func TestExtrapTrackData_HorizonAndValidate(t *testing.T) {
	e := ExtrapTrackData{
		TrackID:            7,
		OriginalUpdateTime: 1_000_000,
		UpdateTime:         1_250_000,
		FirstHopSentTime:   1_000_100,
	}
	assert.Equal(t, 250*time.Millisecond, e.Horizon())
	assert.NoError(t, e.Validate())

	e.UpdateTime = 999_999
	assert.True(t, errors.Is(e.Validate(), ErrInvalidInput))
}

func TestTrackDataCodec_ByteLayout(t *testing.T) {
	td := sampleTrack()
	b := TrackDataCodec{}.Encode(td)

	require.Len(t, b, TrackDataSize)
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(b[0:4]))
	// velocity precedes position on the wire
	assert.Equal(t, 120.5, math.Float64frombits(binary.LittleEndian.Uint64(b[4:12])))
	assert.Equal(t, 4_500_000.0, math.Float64frombits(binary.LittleEndian.Uint64(b[28:36])))
	assert.Equal(t, uint64(td.OriginalUpdateTime), binary.LittleEndian.Uint64(b[52:60]))
}

func TestDelayCalcTrackDataCodec_RoundTrip(t *testing.T) {
	in := DelayCalcTrackData{
		ExtrapTrackData: ExtrapTrackData{
			TrackID:            3,
			Position:           Vec3{X: 1, Y: 2, Z: 3},
			Velocity:           Vec3{X: -1, Y: 0, Z: 1},
			OriginalUpdateTime: 10,
			UpdateTime:         20,
			FirstHopSentTime:   30,
		},
		FirstHopDelayTime: 400,
		SecondHopSentTime: 430,
	}
	codec := DelayCalcTrackDataCodec{}

	out, err := codec.Decode(codec.Encode(in))
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFinalCalcTrackDataCodec_TrailingFields(t *testing.T) {
	in := FinalCalcTrackData{
		DelayCalcTrackData: DelayCalcTrackData{
			ExtrapTrackData: ExtrapTrackData{
				TrackID:            3,
				Position:           Vec3{X: 1, Y: 2, Z: 3},
				Velocity:           Vec3{X: -1, Y: 0, Z: 1},
				OriginalUpdateTime: 10,
				UpdateTime:         20,
				FirstHopSentTime:   30,
			},
			FirstHopDelayTime: 400,
			SecondHopSentTime: 430,
		},
		SecondHopDelayTime: 250,
		TotalDelayTime:     650,
		ThirdHopSentTime:   680,
	}
	codec := FinalCalcTrackDataCodec{}
	b := codec.Encode(in)

	require.Len(t, b, FinalCalcTrackDataSize)
	// a final record starts with the delay record it was built from
	assert.Equal(t, DelayCalcTrackDataCodec{}.Encode(in.DelayCalcTrackData), b[:DelayCalcTrackDataSize])
	assert.Equal(t, uint64(650), binary.LittleEndian.Uint64(b[DelayCalcTrackDataSize+8:]))

	out, err := codec.Decode(b)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 650*time.Microsecond, out.TotalDelay())
	assert.Equal(t, 250*time.Microsecond, out.SecondHopDelay())
}

func TestFinalCalcTrackData_Validate(t *testing.T) {
	f := FinalCalcTrackData{
		DelayCalcTrackData: DelayCalcTrackData{FirstHopDelayTime: 100},
		SecondHopDelayTime: 50,
		TotalDelayTime:     150,
	}
	assert.NoError(t, f.Validate())

	f.TotalDelayTime = 99
	assert.True(t, errors.Is(f.Validate(), ErrInvalidInput), "total below first hop")

	f.TotalDelayTime, f.SecondHopDelayTime = 150, -1
	assert.True(t, errors.Is(f.Validate(), ErrInvalidInput))
}

func TestDecode_ShortPayload(t *testing.T) {
	_, err := TrackDataCodec{}.Decode(make([]byte, TrackDataSize-1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "TrackData", de.Type)
	assert.Equal(t, TrackDataSize-1, de.Len)
}

func TestDecode_TrailingBytesIgnored(t *testing.T) {
	td := sampleTrack()
	b := append(TrackDataCodec{}.Encode(td), 0xde, 0xad)

	out, err := TrackDataCodec{}.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, td, out)
}

func TestDecode_InvalidFieldIsDecodeError(t *testing.T) {
	td := sampleTrack()
	td.Position.X = math.NaN()
	b := TrackDataCodec{}.Encode(td)

	_, err := TrackDataCodec{}.Decode(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.True(t, errors.Is(err, ErrInvalidInput), "validation cause should be preserved")
}
