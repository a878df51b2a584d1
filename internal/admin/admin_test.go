package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/banshee-data/trackpipe/internal/adapter"
	"github.com/banshee-data/trackpipe/internal/monitoring"
	"github.com/banshee-data/trackpipe/internal/pipeline"
	"github.com/banshee-data/trackpipe/internal/tap"
	"github.com/banshee-data/trackpipe/internal/testutil"
)

type fakePipeline struct {
	stats *monitoring.Stats
	state pipeline.State
}

func (f *fakePipeline) Name() string { return "extrap" }
func (f *fakePipeline) ID() string { return "0b4c6a6e-0000-4000-8000-000000000001" }
func (f *fakePipeline) State() pipeline.State { return f.state }
func (f *fakePipeline) Stats() *monitoring.Stats { return f.stats }
func (f *fakePipeline) Adapters() []adapter.AdapterStatus {
	return []adapter.AdapterStatus{
		{Name: "outgoing", Role: "outgoing", Running: true},
		{Name: "incoming", Role: "incoming", Running: true},
	}
}

// loopbackRequest makes the request look local so tsweb allows debug access.
func loopbackRequest(method, target string) *http.Request {
	req := testutil.NewTestRequest(method, target)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func newMux(t *testing.T) (*http.ServeMux, *fakePipeline) {
	t.Helper()
	p := &fakePipeline{stats: monitoring.NewStats(), state: pipeline.StateRunning}
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, p, nil, zaptest.NewLogger(t).Sugar())
	return mux, p
}

func TestAdminRoutes_Pipeline(t *testing.T) {
	mux, _ := newMux(t)
	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/pipeline"))

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "extrap", got.Name)
	assert.Equal(t, "running", got.State)
	require.Len(t, got.Adapters, 2)
	assert.Equal(t, "outgoing", got.Adapters[0].Role)
}

func TestAdminRoutes_Stats(t *testing.T) {
	mux, p := newMux(t)
	p.stats.AddReceived(60)
	p.stats.AddReceived(60)
	p.stats.AddSent(76)

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/stats"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got monitoring.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(2), got.Received)
	assert.Equal(t, int64(120), got.ReceivedByte)
	assert.Equal(t, int64(1), got.Sent)
}

func TestAdminRoutes_MethodNotAllowed(t *testing.T) {
	mux, _ := newMux(t)
	for _, path := range []string{"/debug/pipeline", "/debug/stats"} {
		rec := testutil.NewTestRecorder()
		mux.ServeHTTP(rec, loopbackRequest(http.MethodPost, path))
		testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestAdminRoutes_IndexShowsState(t *testing.T) {
	mux, _ := newMux(t)
	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/"))

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	body := rec.Body.String()
	assert.Contains(t, body, "extrap")
	assert.Contains(t, body, "running")
}

func TestAdminRoutes_RemoteDenied(t *testing.T) {
	mux, _ := newMux(t)
	rec := testutil.NewTestRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/stats", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	p := &fakePipeline{stats: monitoring.NewStats(), state: pipeline.StateRunning}
	s, err := Listen("127.0.0.1:0", p, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()

	resp, err := http.Get("http://" + s.Addr().String() + "/debug/pipeline")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state":"running"`)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestListen_BadAddress(t *testing.T) {
	_, err := Listen("256.0.0.1:http-nope", &fakePipeline{stats: monitoring.NewStats()}, nil, nil)
	assert.Error(t, err)
}

func TestAdminRoutes_TailNotRegisteredWithoutTap(t *testing.T) {
	mux, _ := newMux(t)
	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/tail"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutes_TailStreamsRecords(t *testing.T) {
	tail := tap.New(8)
	mux := http.NewServeMux()
	p := &fakePipeline{stats: monitoring.NewStats(), state: pipeline.StateRunning}
	AttachAdminRoutes(mux, p, tail, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/tail")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	testutil.Eventually(t, time.Second, tail.Active, "subscriber registered")
	tail.Publish(`{"TrackID":7}`)

	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if line != "\n" {
			break
		}
	}
	assert.Equal(t, "data: {\"TrackID\":7}\n", line)

	tail.Close()
	_, err = io.ReadAll(r)
	assert.NoError(t, err, "stream ends when the tap closes")
}
