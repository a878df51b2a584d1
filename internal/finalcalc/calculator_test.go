package finalcalc

import (
	"math"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/banshee-data/trackpipe/internal/ports"
	"github.com/banshee-data/trackpipe/internal/timeutil"
	"github.com/banshee-data/trackpipe/internal/track"
)

func delayRecord(id int32, firstHopDelay, secondHopSent int64) track.DelayCalcTrackData {
	return track.DelayCalcTrackData{
		ExtrapTrackData: track.ExtrapTrackData{
			TrackID:            id,
			Position:           track.Vec3{X: 1},
			OriginalUpdateTime: 4_000_000,
			UpdateTime:         4_500_000,
			FirstHopSentTime:   secondHopSent - firstHopDelay,
		},
		FirstHopDelayTime: firstHopDelay,
		SecondHopSentTime: secondHopSent,
	}
}

func TestAccept_StampsSecondHopAndTotal(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.UnixMicro(5_000_000))
	rec := &ports.Recorder[track.FinalCalcTrackData]{}
	c, err := New(rec, clock, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	first := delayRecord(4, 10_000, 4_995_000)
	require.NoError(t, c.Accept(first))

	clock.Advance(20 * time.Millisecond)
	second := delayRecord(4, 7_000, 5_000_000)
	require.NoError(t, c.Accept(second))

	got := rec.Values()
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].DelayCalcTrackData, "upstream fields carried unchanged")
	assert.Equal(t, int64(5_000), got[0].SecondHopDelayTime)
	assert.Equal(t, int64(15_000), got[0].TotalDelayTime)
	assert.Equal(t, int64(5_000_000), got[0].ThirdHopSentTime)

	assert.Equal(t, 20*time.Millisecond, got[1].SecondHopDelay())
	assert.Equal(t, 27*time.Millisecond, got[1].TotalDelay())
	assert.Equal(t, int64(5_020_000), got[1].ThirdHopSentTime)
	for _, f := range got {
		assert.NoError(t, f.Validate())
	}
}

func TestAccept_SenderAheadClampsSecondHop(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.UnixMicro(1_000))
	rec := &ports.Recorder[track.FinalCalcTrackData]{}
	c, err := New(rec, clock, nil)
	require.NoError(t, err)

	require.NoError(t, c.Accept(delayRecord(1, 300, 2_000)))
	got := rec.Values()[0]
	assert.Zero(t, got.SecondHopDelayTime)
	assert.Equal(t, int64(300), got.TotalDelayTime, "total falls back to the first hop")
}

func TestAccept_RejectsInvalid(t *testing.T) {
	t.Parallel()
	rec := &ports.Recorder[track.FinalCalcTrackData]{}
	c, err := New(rec, nil, nil)
	require.NoError(t, err)

	bad := delayRecord(1, 10, 20)
	bad.Velocity.Y = math.Inf(1)
	err = c.Accept(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, track.ErrInvalidInput))

	bad = delayRecord(1, 10, 20)
	bad.FirstHopDelayTime = -1
	assert.True(t, errors.Is(c.Accept(bad), track.ErrInvalidInput))
	assert.Zero(t, rec.Len())
}

func TestAccept_PublishError(t *testing.T) {
	t.Parallel()
	rec := &ports.Recorder[track.FinalCalcTrackData]{Err: errors.New("down")}
	c, err := New(rec, timeutil.NewMockClock(time.UnixMicro(100)), nil)
	require.NoError(t, err)

	err = c.Accept(delayRecord(1, 10, 20))
	assert.ErrorContains(t, err, "down")
}

func TestNew_RequiresOutgoingPort(t *testing.T) {
	t.Parallel()
	_, err := New(nil, nil, nil)
	assert.Error(t, err)
}
