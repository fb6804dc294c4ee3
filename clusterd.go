// Package clusterd runs one program as a primary and a pool of identical
// worker processes on a single host.
//
// The same binary plays both roles. Run inspects the environment: in the
// primary it writes the pid file, spawns workers by re-executing itself and
// supervises them; in a worker it decodes the bootstrap variables the
// primary set and calls the worker entry point.
package clusterd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/clusterd/internal/cluster"
	"github.com/loykin/clusterd/internal/env"
	"github.com/loykin/clusterd/internal/history"
	"github.com/loykin/clusterd/internal/history/factory"
	"github.com/loykin/clusterd/internal/logger"
	"github.com/loykin/clusterd/internal/metrics"
	"github.com/loykin/clusterd/internal/pidfile"
	"github.com/loykin/clusterd/internal/process"
	"github.com/loykin/clusterd/internal/server"
)

// DefaultPIDFile is used when Options.PIDFile is empty.
const DefaultPIDFile = "primary.pid"

// Re-exported so embedders do not import internal packages.
type (
	LogConfig     = logger.Config
	LogFileConfig = logger.FileConfig
	WorkerInfo    = cluster.WorkerInfo
	RestartReport = cluster.RestartReport
)

// ErrCrashLoop is returned by Run in the primary when a worker crashed again
// inside the restart cooldown.
var ErrCrashLoop = cluster.ErrCrashLoop

// Options configures both roles. Workers re-execute the same program, so the
// worker side sees the same Options the primary was built with.
type Options struct {
	Workers           int    // default runtime.NumCPU()
	PIDFile           string // default primary.pid
	RestartCooldown   time.Duration
	RestartTimeout    time.Duration
	RestartDelay      time.Duration
	DrainPollInterval time.Duration
	ShutdownTimeout   time.Duration

	Log    LogConfig
	Config any // JSON-encoded and handed to every worker

	// Listen, when set, is bound once by the primary and inherited by every
	// worker as fd 3.
	Listen string

	MetricsListen         string
	MetricsSampleInterval time.Duration

	HistoryDSN    string
	HistoryBuffer int

	// ControlListen, when set, serves the HTTP control API under
	// ControlBasePath.
	ControlListen   string
	ControlBasePath string

	Env    []string  // extra KEY=VALUE pairs for workers
	Stdout io.Writer // worker stdout; default os.Stdout
	Stderr io.Writer // worker stderr; default os.Stderr
}

// PrimaryFunc runs in the primary after the listener is bound and before any
// worker is spawned. Returning an error aborts startup.
type PrimaryFunc func(ctx context.Context, p *Primary) error

// WorkerFunc is the worker entry point. ctx is cancelled when the primary
// asks the worker to drain.
type WorkerFunc func(ctx context.Context, w *Worker) error

// IsWorker reports whether the current process was spawned as a worker.
func IsWorker() bool { return env.IsWorker(os.LookupEnv) }

// Run dispatches on the process role. In the primary it returns nil after a
// graceful shutdown and ErrCrashLoop when the crash-loop guard trips. In a
// worker it returns whatever worker returns. primary may be nil.
func Run(ctx context.Context, opts Options, primary PrimaryFunc, worker WorkerFunc) error {
	if IsWorker() {
		if worker == nil {
			return errors.New("clusterd: nil worker entry point")
		}
		return runWorker(ctx, opts, worker)
	}
	return runPrimary(ctx, opts, primary)
}

// Primary is handed to the primary entry point.
type Primary struct {
	log      *slog.Logger
	pid      int
	listener net.Listener
}

func (p *Primary) Logger() *slog.Logger { return p.log }
func (p *Primary) PID() int             { return p.pid }

// ListenAddr is the bound shared listener address, or nil without Listen.
func (p *Primary) ListenAddr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.PIDFile == "" {
		o.PIDFile = DefaultPIDFile
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

func runPrimary(ctx context.Context, opts Options, primary PrimaryFunc) error {
	opts = opts.withDefaults()
	pid := os.Getpid()

	if err := pidfile.Write(opts.PIDFile, pid); err != nil {
		return err
	}
	started := false
	defer func() {
		// the supervisor removes the record itself once it has run
		if !started {
			_ = pidfile.Remove(opts.PIDFile)
		}
	}()

	log, logCloser, err := opts.Log.New("role", "primary", "pid", pid)
	if err != nil {
		return fmt.Errorf("clusterd: logger: %w", err)
	}
	defer func() { _ = logCloser.Close() }()

	cfgJSON, err := encodeConfig(opts.Config)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if opts.MetricsListen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("clusterd: register metrics: %w", err)
		}
		metricsSrv = metrics.NewServer(opts.MetricsListen)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", opts.MetricsListen, "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(sctx)
		}()
		log.Info("serving metrics", "addr", opts.MetricsListen)
	}

	var rec *history.Recorder
	if opts.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(opts.HistoryDSN)
		if err != nil {
			return fmt.Errorf("clusterd: history sink: %w", err)
		}
		rec = history.NewRecorder(log, opts.HistoryBuffer, sink)
		defer func() {
			if cerr := rec.Close(); cerr != nil {
				log.Warn("closing history sink", "error", cerr)
			}
		}()
	}

	p := &Primary{log: log, pid: pid}
	var extra []*os.File
	if opts.Listen != "" {
		ln, f, err := listenShared(opts.Listen)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
			_ = ln.Close()
		}()
		p.listener = ln
		extra = []*os.File{f}
		log.Info("listening", "addr", ln.Addr().String())
	}

	if primary != nil {
		if err := primary(ctx, p); err != nil {
			return fmt.Errorf("clusterd: primary: %w", err)
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("clusterd: resolve executable: %w", err)
	}
	base := env.New()
	spawn := func(id int) (cluster.Handle, error) {
		boot := env.Bootstrap{
			WorkerID:    id,
			Config:      cfgJSON,
			FileLogging: opts.Log.UseFile(),
			ListenFDs:   len(extra),
		}
		// appended after Merge so the config blob is never ${} expanded
		vars := append(base.Merge(opts.Env), boot.Vars()...)
		proc, err := process.Start(process.Spec{
			Name:       fmt.Sprintf("worker-%d", id),
			Path:       exe,
			Args:       os.Args[1:],
			Env:        vars,
			ExtraFiles: extra,
			Stdout:     opts.Stdout,
			Stderr:     opts.Stderr,
		})
		if err != nil {
			return nil, err
		}
		return proc, nil
	}

	copts := cluster.Options{
		Workers:           opts.Workers,
		RestartCooldown:   opts.RestartCooldown,
		RestartTimeout:    opts.RestartTimeout,
		RestartDelay:      opts.RestartDelay,
		DrainPollInterval: opts.DrainPollInterval,
		ShutdownTimeout:   opts.ShutdownTimeout,
		PIDFile:           opts.PIDFile,
		Logger:            log,
	}
	if rec != nil {
		copts.Recorder = rec
	}
	sup := cluster.New(copts, spawn)

	stopSignals := watchSignals(sup, log)
	defer stopSignals()

	if opts.ControlListen != "" {
		ctlSrv := server.NewServer(opts.ControlListen, opts.ControlBasePath, sup)
		go func() {
			if err := ctlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("control server failed", "addr", opts.ControlListen, "error", err)
			}
		}()
		defer func() { _ = ctlSrv.Close() }()
		log.Info("serving control api", "addr", opts.ControlListen, "base", opts.ControlBasePath)
	}

	if metricsSrv != nil {
		sctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.NewSampler(opts.MetricsSampleInterval, workerTargets(sup), log).Run(sctx)
		}()
		defer func() {
			cancel()
			wg.Wait()
		}()
	}

	started = true
	log.Info("primary started", "workers", opts.Workers, "pidfile", opts.PIDFile)
	return sup.Run(ctx)
}

func encodeConfig(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := v.(json.RawMessage); ok && len(raw) > 0 {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("clusterd: encode worker config: %w", err)
	}
	return b, nil
}

// listenShared binds addr and returns the listener with a duplicate of its
// descriptor for children to inherit.
func listenShared(addr string) (net.Listener, *os.File, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("clusterd: listen %s: %w", addr, err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, nil, fmt.Errorf("clusterd: listen %s: not a TCP listener", addr)
	}
	f, err := tl.File()
	if err != nil {
		_ = ln.Close()
		return nil, nil, fmt.Errorf("clusterd: listener descriptor: %w", err)
	}
	return ln, f, nil
}

func workerTargets(sup *cluster.Supervisor) func(context.Context) ([]metrics.Target, error) {
	return func(ctx context.Context) ([]metrics.Target, error) {
		ws, err := sup.Workers(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]metrics.Target, 0, len(ws))
		for _, w := range ws {
			out = append(out, metrics.Target{WorkerID: w.ID, PID: w.PID})
		}
		return out, nil
	}
}

// Worker is handed to the worker entry point.
type Worker struct {
	boot env.Bootstrap
	log  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

func (w *Worker) ID() int              { return w.boot.WorkerID }
func (w *Worker) Logger() *slog.Logger { return w.log }

// DecodeConfig unmarshals the configuration blob the primary forwarded.
func (w *Worker) DecodeConfig(v any) error {
	if err := json.Unmarshal(w.boot.Config, v); err != nil {
		return fmt.Errorf("clusterd: decode worker config: %w", err)
	}
	return nil
}

// Listener returns the shared listener inherited from the primary. Every
// call returns the same listener.
func (w *Worker) Listener() (net.Listener, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener != nil {
		return w.listener, nil
	}
	if w.boot.ListenFDs == 0 {
		return nil, errors.New("clusterd: no listener inherited; set Options.Listen")
	}
	f := os.NewFile(3, "clusterd-listener")
	if f == nil {
		return nil, errors.New("clusterd: inherited descriptor 3 is invalid")
	}
	defer func() { _ = f.Close() }()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("clusterd: inherited listener: %w", err)
	}
	w.listener = ln
	return ln, nil
}

func runWorker(ctx context.Context, opts Options, fn WorkerFunc) error {
	boot, err := env.LoadBootstrap(os.LookupEnv)
	if err != nil {
		return fmt.Errorf("clusterd: %w", err)
	}
	lc := opts.Log
	if !boot.FileLogging {
		lc.File = logger.FileConfig{}
	}
	log, closer, err := lc.New("role", "worker", "worker", boot.WorkerID, "pid", os.Getpid())
	if err != nil {
		return fmt.Errorf("clusterd: logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := drainContext(ctx)
	defer stop()

	w := &Worker{boot: boot, log: log}
	defer func() {
		if w.listener != nil {
			_ = w.listener.Close()
		}
	}()
	log.Debug("worker starting")
	if err := fn(ctx, w); err != nil {
		log.Error("worker failed", "error", err)
		return err
	}
	return nil
}
