package extrap

import (
	"math"
	"sync"
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

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestExtrapolator(t *testing.T, horizon time.Duration) (*Extrapolator, *ports.Recorder[track.ExtrapTrackData], *timeutil.MockClock) {
	t.Helper()
	rec := &ports.Recorder[track.ExtrapTrackData]{}
	clock := timeutil.NewMockClock(epoch)
	e, err := New(rec, Config{Horizon: horizon, Clock: clock, Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	return e, rec, clock
}

func obs(id int32, ts int64, pos, vel track.Vec3) track.TrackData {
	return track.TrackData{TrackID: id, Position: pos, Velocity: vel, OriginalUpdateTime: ts}
}

// =============================================================================
// Projection
// =============================================================================

func TestAccept_ZeroHorizonIsIdentity(t *testing.T) {
	t.Parallel()
	e, rec, _ := newTestExtrapolator(t, 0)

	in := obs(9, 1_000, track.Vec3{X: 10, Y: -20, Z: 30}, track.Vec3{X: 5, Y: 6, Z: 7})
	require.NoError(t, e.Accept(in))

	got := rec.Values()
	require.Len(t, got, 1)
	assert.Equal(t, in.Position, got[0].Position)
	assert.Equal(t, in.Velocity, got[0].Velocity)
	assert.Equal(t, in.OriginalUpdateTime, got[0].UpdateTime)
}

func TestAccept_ConstantVelocityProjection(t *testing.T) {
	t.Parallel()
	e, rec, clock := newTestExtrapolator(t, 250*time.Millisecond)

	in := obs(1, 2_000_000, track.Vec3{X: 100, Y: 0, Z: 0}, track.Vec3{X: 8, Y: -4, Z: 0})
	require.NoError(t, e.Accept(in))

	got := rec.Values()[0]
	assert.InDelta(t, 102.0, got.Position.X, 1e-9)
	assert.InDelta(t, -1.0, got.Position.Y, 1e-9)
	assert.Equal(t, int64(2_250_000), got.UpdateTime)
	assert.Equal(t, 250*time.Millisecond, got.Horizon())
	assert.Equal(t, clock.Now().UnixMicro(), got.FirstHopSentTime)
}

func TestAccept_HoldModel(t *testing.T) {
	t.Parallel()
	rec := &ports.Recorder[track.ExtrapTrackData]{}
	e, err := New(rec, Config{Horizon: time.Second, Model: Hold{}})
	require.NoError(t, err)
	assert.Equal(t, ModelHold, e.ModelName())

	in := obs(1, 1, track.Vec3{X: 1, Y: 2, Z: 3}, track.Vec3{X: 100})
	require.NoError(t, e.Accept(in))
	assert.Equal(t, in.Position, rec.Values()[0].Position)
	assert.Equal(t, int64(1+1_000_000), rec.Values()[0].UpdateTime)
}

func TestAccept_NonFiniteProjectionRejected(t *testing.T) {
	t.Parallel()
	e, rec, _ := newTestExtrapolator(t, time.Hour)

	in := obs(1, 1, track.Vec3{X: math.MaxFloat64}, track.Vec3{X: math.MaxFloat64})
	err := e.Accept(in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, track.ErrInvalidInput))
	assert.Zero(t, rec.Len())
	assert.Zero(t, e.Tracked(), "rejected record must not update last seen")
}

// =============================================================================
// Validation and ordering
// =============================================================================

func TestAccept_InvalidInputPublishesNothing(t *testing.T) {
	t.Parallel()
	e, rec, _ := newTestExtrapolator(t, time.Second)

	bad := []track.TrackData{
		obs(-1, 1, track.Vec3{}, track.Vec3{}),
		obs(1, -1, track.Vec3{}, track.Vec3{}),
		obs(1, 1, track.Vec3{X: math.NaN()}, track.Vec3{}),
		obs(1, 1, track.Vec3{}, track.Vec3{Y: math.Inf(1)}),
	}
	for _, in := range bad {
		err := e.Accept(in)
		require.Error(t, err)
		assert.True(t, errors.Is(err, track.ErrInvalidInput), "got %v", err)
	}
	assert.Zero(t, rec.Len())
	assert.Zero(t, e.Tracked())
}

func TestAccept_Monotonicity(t *testing.T) {
	t.Parallel()
	e, rec, _ := newTestExtrapolator(t, time.Second)
	p, v := track.Vec3{X: 1}, track.Vec3{X: 1}

	require.NoError(t, e.Accept(obs(5, 100, p, v)))
	require.NoError(t, e.Accept(obs(5, 300, p, v)))

	err := e.Accept(obs(5, 200, p, v))
	require.Error(t, err)
	assert.True(t, errors.Is(err, track.ErrInvalidInput))

	// equal timestamps are not an increase
	err = e.Accept(obs(5, 300, p, v))
	assert.True(t, errors.Is(err, track.ErrInvalidInput))

	// ordering is per id
	require.NoError(t, e.Accept(obs(6, 50, p, v)))

	got := rec.Values()
	require.Len(t, got, 3)
	assert.Equal(t, []int64{100, 300, 50},
		[]int64{got[0].OriginalUpdateTime, got[1].OriginalUpdateTime, got[2].OriginalUpdateTime})
	assert.Equal(t, 2, e.Tracked())
}

func TestAccept_StaleTracksForgottenAfterTTL(t *testing.T) {
	t.Parallel()
	rec := &ports.Recorder[track.ExtrapTrackData]{}
	clock := timeutil.NewMockClock(epoch)
	e, err := New(rec, Config{Clock: clock, TrackTTL: time.Minute, Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	p := track.Vec3{}

	require.NoError(t, e.Accept(obs(1, 500, p, p)))
	require.Error(t, e.Accept(obs(1, 10, p, p)))

	clock.Advance(30 * time.Second)
	require.NoError(t, e.Accept(obs(2, 1, p, p)))
	assert.Equal(t, 2, e.Tracked())

	clock.Advance(31 * time.Second)
	require.NoError(t, e.Accept(obs(2, 2, p, p)))
	assert.Equal(t, 1, e.Tracked(), "track 1 silent for over a minute")

	assert.NoError(t, e.Accept(obs(1, 10, p, p)), "restarted track accepted again")
	assert.Error(t, e.Accept(obs(2, 1, p, p)), "track 2 still remembered")
}

func TestAccept_ZeroTTLRemembersForever(t *testing.T) {
	t.Parallel()
	e, _, clock := newTestExtrapolator(t, 0)
	p := track.Vec3{}

	require.NoError(t, e.Accept(obs(1, 500, p, p)))
	clock.Advance(24 * time.Hour)
	require.NoError(t, e.Accept(obs(2, 1, p, p)))
	assert.Error(t, e.Accept(obs(1, 10, p, p)))
	assert.Equal(t, 2, e.Tracked())
}

func TestAccept_FailedPublishDoesNotMarkSeen(t *testing.T) {
	t.Parallel()
	full := errors.New("queue full")
	fail := true
	var sent []track.ExtrapTrackData
	out := ports.OutgoingFunc[track.ExtrapTrackData](func(v track.ExtrapTrackData) error {
		if fail {
			return full
		}
		sent = append(sent, v)
		return nil
	})
	e, err := New(out, Config{})
	require.NoError(t, err)

	in := obs(3, 5, track.Vec3{}, track.Vec3{})
	assert.ErrorIs(t, e.Accept(in), full)
	assert.Zero(t, e.Tracked())

	fail = false
	require.NoError(t, e.Accept(in), "resend of a dropped record is not out of order")
	require.Len(t, sent, 1)
	assert.Equal(t, int64(5), sent[0].OriginalUpdateTime)
	assert.Error(t, e.Accept(in), "once published the timestamp is seen")
}

func TestAccept_PublishErrorReturnedWrapped(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("queue full")
	calls := 0
	out := ports.OutgoingFunc[track.ExtrapTrackData](func(track.ExtrapTrackData) error {
		calls++
		return sentinel
	})
	e, err := New(out, Config{})
	require.NoError(t, err)

	err = e.Accept(obs(1, 1, track.Vec3{}, track.Vec3{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel))
	assert.False(t, errors.Is(err, track.ErrInvalidInput))
	assert.Equal(t, 1, calls, "exactly one publish per accept")
}

func TestAccept_ConcurrentCallers(t *testing.T) {
	t.Parallel()
	e, rec, _ := newTestExtrapolator(t, time.Millisecond)

	var wg sync.WaitGroup
	for id := int32(0); id < 8; id++ {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			for ts := int64(1); ts <= 50; ts++ {
				assert.NoError(t, e.Accept(obs(id, ts, track.Vec3{}, track.Vec3{X: 1})))
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 8*50, rec.Len())
	assert.Equal(t, 8, e.Tracked())
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{})
	assert.Error(t, err)

	_, err = New(&ports.Recorder[track.ExtrapTrackData]{}, Config{Horizon: -time.Second})
	assert.Error(t, err)

	_, err = New(&ports.Recorder[track.ExtrapTrackData]{}, Config{TrackTTL: -time.Second})
	assert.Error(t, err)
}

func TestParseModel(t *testing.T) {
	t.Parallel()
	for name, want := range map[string]string{
		"":                  ModelConstantVelocity,
		"constant_velocity": ModelConstantVelocity,
		" HOLD ":            ModelHold,
	} {
		m, err := ParseModel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, m.Name())
	}
	_, err := ParseModel("kalman")
	assert.Error(t, err)
}
