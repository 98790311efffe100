package observability

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/jobrelay/internal/auth"
	"github.com/danmuck/jobrelay/internal/state"
	"github.com/danmuck/jobrelay/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type staticJobs []state.JobState

func (s staticJobs) List() []state.JobState {
	return append([]state.JobState(nil), s...)
}

type staticHops []HopStatus

func (s staticHops) Hops() []HopStatus {
	return append([]HopStatus(nil), s...)
}

func newTestServer() *StatusServer {
	now := time.Now()
	running := state.NewJobState("job_1", false, now.Add(-time.Minute))
	running.SetStatus(state.StatusRunning, now.Add(-30*time.Second))
	queued := state.NewJobState("job_2", false, now)
	queued.SetStatus(state.StatusQueued, now)
	return NewStatusServer("node-a", staticJobs{running, queued}, staticHops{
		{Name: "pbs", Phase: "connected", Mode: "pbs", Installed: true, Started: true, Connected: true},
		{Name: "local", Phase: "uninstalled", Mode: "exec"},
	})
}

func TestStatusServerRoutes(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"node":"node-a"`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/job_1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var job map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, "running", job["status"])
	require.NotEqual(t, "0s", job["run_interval"])
	require.Equal(t, []any{"resume", "stop"}, job["actions"])
	require.Equal(t, "resume", job["on_startup"])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hops", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var hops struct {
		Hops []HopStatus `json:"hops"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hops))
	require.Len(t, hops.Hops, 2)
	require.Equal(t, "local", hops.Hops[0].Name)

	RecordMessage("hop-http", "out", "ping")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "jobrelay_link_messages_total")
}

func TestStatusServerServeStopsWithContext(t *testing.T) {
	testlog.Start(t)
	srv := NewStatusServer("node-b", nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/jobs")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestStatusServerRequiresToken(t *testing.T) {
	testlog.Start(t)
	srv := NewStatusServer("node-c", nil, staticHops{{Name: "exec"}}, WithValidator(auth.StaticToken{Token: "s3cret"}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hops", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/hops", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/hops", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"name":"exec"`)
}
