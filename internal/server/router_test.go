package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/clusterd/internal/cluster"
)

type fakeController struct {
	workers    []cluster.WorkerInfo
	workersErr error
	report     cluster.RestartReport
	restartErr error
	requested  int
	shutdowns  int
}

func (f *fakeController) Workers(context.Context) ([]cluster.WorkerInfo, error) {
	return f.workers, f.workersErr
}

func (f *fakeController) Restart(context.Context) (cluster.RestartReport, error) {
	return f.report, f.restartErr
}

func (f *fakeController) RequestRestart() { f.requested++ }
func (f *fakeController) Shutdown()       { f.shutdowns++ }

func setupRouter(t *testing.T, ctl Controller, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestWorkersList(t *testing.T) {
	ctl := &fakeController{workers: []cluster.WorkerInfo{
		{ID: 1, PID: 101, State: cluster.StateRunning, SpawnedAt: time.Now().Add(-time.Minute)},
		{ID: 2, PID: 102, State: cluster.StateDisconnecting, SpawnedAt: time.Now()},
	}}
	h := setupRouter(t, ctl, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/workers")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got []workerResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].ID)
	assert.Equal(t, 101, got[0].PID)
	assert.Equal(t, "running", got[0].State)
	assert.Equal(t, "disconnecting", got[1].State)
}

func TestWorkersStopped(t *testing.T) {
	h := setupRouter(t, &fakeController{workersErr: cluster.ErrStopped}, "")
	rec := doReq(t, h, http.MethodGet, "/workers")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopped")
}

func TestRestartWaitsForReport(t *testing.T) {
	ctl := &fakeController{report: cluster.RestartReport{
		Seq:      4,
		Started:  time.Unix(100, 0),
		Finished: time.Unix(103, 0),
		Steps: []cluster.StepResult{
			{WorkerID: 1, PID: 101, Replacement: 3, Duration: time.Second},
			{WorkerID: 2, PID: 102, Replacement: 4, Forced: true, Duration: 2 * time.Second},
		},
	}}
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodPost, "/restart")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got restartResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(4), got.Plan)
	assert.Equal(t, 2, got.Replaced)
	assert.Equal(t, 1, got.Forced)
	assert.Equal(t, 0, got.Failed)
	assert.Equal(t, "3s", got.Duration)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, 4, got.Steps[1].Replacement)
	assert.Empty(t, got.Error)
	assert.Zero(t, ctl.requested)
}

func TestRestartPartialFailure(t *testing.T) {
	stepErr := errors.New("kill worker 2 (pid 102): operation not permitted")
	ctl := &fakeController{
		report: cluster.RestartReport{Seq: 1, Steps: []cluster.StepResult{
			{WorkerID: 1, Replacement: 3},
			{WorkerID: 2, Forced: true, Err: stepErr},
		}},
		restartErr: stepErr,
	}
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodPost, "/restart")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var got restartResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, stepErr.Error(), got.Steps[1].Error)
	assert.Equal(t, stepErr.Error(), got.Error)
}

func TestRestartRefusedWhileShuttingDown(t *testing.T) {
	h := setupRouter(t, &fakeController{restartErr: cluster.ErrShuttingDown}, "")
	rec := doReq(t, h, http.MethodPost, "/restart")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting down")
}

func TestRestartAsync(t *testing.T) {
	ctl := &fakeController{}
	h := setupRouter(t, ctl, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/restart?async=true")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, ctl.requested)
}

func TestShutdown(t *testing.T) {
	ctl := &fakeController{}
	h := setupRouter(t, ctl, "")
	rec := doReq(t, h, http.MethodPost, "/shutdown")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, ctl.shutdowns)

	rec = doReq(t, h, http.MethodGet, "/shutdown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(cluster.ErrCrashLoop))
	assert.Equal(t, http.StatusRequestTimeout, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}

func TestNewServer(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/ctl", &fakeController{})
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	rec := doReq(t, srv.Handler, http.MethodGet, "/ctl/workers")
	assert.Equal(t, http.StatusOK, rec.Code)
}
