// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/trackpipe/internal/track"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// Eventually polls cond every few milliseconds until it returns true or
// timeout elapses, in which case the test fails with msg.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s: %s", timeout, msg)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Track builds a valid TrackData.
func Track(id int32, ts int64, pos, vel track.Vec3) track.TrackData {
	return track.TrackData{TrackID: id, Position: pos, Velocity: vel, OriginalUpdateTime: ts}
}

// EncodeTracks encodes each record with the default binary codec.
func EncodeTracks(tracks ...track.TrackData) [][]byte {
	out := make([][]byte, len(tracks))
	for i, td := range tracks {
		out[i] = track.TrackDataCodec{}.Encode(td)
	}
	return out
}

// DecodeExtrap decodes every payload, failing the test on the first error.
func DecodeExtrap(t testing.TB, payloads [][]byte) []track.ExtrapTrackData {
	t.Helper()
	out := make([]track.ExtrapTrackData, 0, len(payloads))
	for i, p := range payloads {
		e, err := track.ExtrapTrackDataCodec{}.Decode(p)
		if err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}
