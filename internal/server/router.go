// Package server exposes the primary's control surface over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/clusterd/internal/cluster"
)

// Controller is the part of the supervisor the API drives.
type Controller interface {
	Workers(ctx context.Context) ([]cluster.WorkerInfo, error)
	Restart(ctx context.Context) (cluster.RestartReport, error)
	RequestRestart()
	Shutdown()
}

// Router provides embeddable HTTP handlers for controlling the cluster.
// Endpoints:
//
//	GET  {basePath}/workers   live workers ordered by id
//	POST {basePath}/restart   rolling restart; waits for the report unless async=true
//	POST {basePath}/shutdown  graceful shutdown; returns immediately
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/workers, /api/restart, /api/shutdown.
func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/workers", r.handleWorkers)
	group.POST("/restart", r.handleRestart)
	group.POST("/shutdown", r.handleShutdown)
	return g
}

// NewServer returns an unstarted HTTP server on addr serving this router.
// A rolling restart can outlast the usual write timeout, so it has none.
func NewServer(addr, basePath string, ctl Controller) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(ctl, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type workerResp struct {
	ID        int       `json:"id"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	SpawnedAt time.Time `json:"spawned_at"`
	Uptime    string    `json:"uptime"`
}

type stepResp struct {
	WorkerID    int    `json:"worker_id"`
	PID         int    `json:"pid,omitempty"`
	Replacement int    `json:"replacement,omitempty"`
	Forced      bool   `json:"forced,omitempty"`
	Skipped     bool   `json:"skipped,omitempty"`
	Duration    string `json:"duration"`
	Error       string `json:"error,omitempty"`
}

type restartResp struct {
	Plan     uint64     `json:"plan"`
	Replaced int        `json:"replaced"`
	Forced   int        `json:"forced"`
	Failed   int        `json:"failed"`
	Duration string     `json:"duration"`
	Steps    []stepResp `json:"steps"`
	Error    string     `json:"error,omitempty"`
}

func (r *Router) handleWorkers(c *gin.Context) {
	ws, err := r.ctl.Workers(c.Request.Context())
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	now := time.Now()
	out := make([]workerResp, 0, len(ws))
	for _, w := range ws {
		out = append(out, workerResp{
			ID:        w.ID,
			PID:       w.PID,
			State:     w.State.String(),
			SpawnedAt: w.SpawnedAt,
			Uptime:    now.Sub(w.SpawnedAt).Truncate(time.Second).String(),
		})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleRestart(c *gin.Context) {
	if async, _ := strconv.ParseBool(c.Query("async")); async {
		r.ctl.RequestRestart()
		writeJSON(c, http.StatusAccepted, okResp{OK: true})
		return
	}
	report, err := r.ctl.Restart(c.Request.Context())
	if err != nil && report.Seq == 0 {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	resp := restartResp{
		Plan:     report.Seq,
		Replaced: report.Replaced(),
		Forced:   report.Forced(),
		Failed:   report.Failed(),
		Duration: report.Finished.Sub(report.Started).String(),
		Steps:    make([]stepResp, 0, len(report.Steps)),
	}
	for _, s := range report.Steps {
		sr := stepResp{
			WorkerID:    s.WorkerID,
			PID:         s.PID,
			Replacement: s.Replacement,
			Forced:      s.Forced,
			Skipped:     s.Skipped,
			Duration:    s.Duration.String(),
		}
		if s.Err != nil {
			sr.Error = s.Err.Error()
		}
		resp.Steps = append(resp.Steps, sr)
	}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = statusFor(err)
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleShutdown(c *gin.Context) {
	r.ctl.Shutdown()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cluster.ErrShuttingDown), errors.Is(err, cluster.ErrStopped), errors.Is(err, cluster.ErrCrashLoop):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
