// Package cluster supervises a pool of worker processes on one host.
//
// A Supervisor is an actor: every mutation of the live worker set happens on
// the goroutine running Run. Process exits, restart and shutdown requests and
// timer expiries are delivered to it as messages, so handlers never run
// concurrently with each other and need no locks.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/loykin/clusterd/internal/history"
	"github.com/loykin/clusterd/internal/metrics"
	"github.com/loykin/clusterd/internal/pidfile"
	"github.com/loykin/clusterd/internal/process"
)

const (
	DefaultRestartCooldown   = time.Second
	DefaultRestartTimeout    = 10 * time.Second
	DefaultDrainPollInterval = 100 * time.Millisecond
	DefaultShutdownTimeout   = 30 * time.Second
)

var (
	// ErrCrashLoop is returned by Run when a worker crashed again inside the
	// restart cooldown window.
	ErrCrashLoop = errors.New("cluster: crash loop detected")
	// ErrShuttingDown is returned to restart requests refused or aborted by shutdown.
	ErrShuttingDown = errors.New("cluster: shutting down")
	// ErrStopped is returned by calls made after Run has returned.
	ErrStopped = errors.New("cluster: supervisor stopped")
)

// Recorder receives lifecycle events. Record must not block.
type Recorder interface {
	Record(e history.Event)
}

// Options configures a Supervisor. Zero durations select the defaults.
type Options struct {
	Workers           int
	RestartCooldown   time.Duration
	RestartTimeout    time.Duration // per-worker disconnect wait during a rolling restart
	RestartDelay      time.Duration // pause between rolling restart steps
	DrainPollInterval time.Duration
	ShutdownTimeout   time.Duration // kill workers still alive this long after shutdown began
	PIDFile           string        // removed when shutdown completes or the guard trips
	Logger            *slog.Logger
	Recorder          Recorder
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Workers < 0 {
		o.Workers = 0
	}
	if o.RestartCooldown <= 0 {
		o.RestartCooldown = DefaultRestartCooldown
	}
	if o.RestartTimeout <= 0 {
		o.RestartTimeout = DefaultRestartTimeout
	}
	if o.RestartDelay < 0 {
		o.RestartDelay = 0
	}
	if o.DrainPollInterval <= 0 {
		o.DrainPollInterval = DefaultDrainPollInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// messages handled by the loop

type startedEvent struct{ id int }

type exitEvent struct {
	id   int
	exit process.Exit
}

type restartRequest struct{ reply chan restartResult }

type shutdownRequest struct{}

type workersRequest struct{ reply chan []WorkerInfo }

type stepTimeout struct {
	seq uint64
	id  int
}

type stepResume struct{ seq uint64 }

type shutdownExpired struct{}

type respawnTick struct{}

type restartResult struct {
	report RestartReport
	err    error
}

// Supervisor owns the live worker set.
type Supervisor struct {
	opts  Options
	spawn SpawnFunc
	log   *slog.Logger
	guard *CrashLoopGuard

	events  chan any
	done    chan struct{}
	running atomic.Bool

	// loop-owned state below
	workers map[int]*Worker
	nextID  int
	plan    *RestartPlan
	planSeq uint64
	queued  []chan restartResult

	// missing counts workers whose spawn failed; they are retried every
	// RestartCooldown until the set is back at the desired size
	missing int
	respawn *time.Timer

	shutting  bool
	drain     *time.Ticker
	killTimer *time.Timer

	finished bool
	result   error
}

// New creates a supervisor that starts workers with spawn.
func New(opts Options, spawn SpawnFunc) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		opts:    opts,
		spawn:   spawn,
		log:     opts.Logger,
		guard:   NewCrashLoopGuard(opts.RestartCooldown),
		events:  make(chan any, 64),
		done:    make(chan struct{}),
		workers: make(map[int]*Worker),
	}
}

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Run spawns the configured workers and supervises them until shutdown
// completes (nil) or the crash-loop guard trips (ErrCrashLoop). Cancelling
// ctx requests a shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("cluster: Run called twice")
	}
	defer close(s.done)

	for i := 0; i < s.opts.Workers; i++ {
		s.safe("spawn", s.spawnOrRetry)
	}
	s.log.Info("cluster started", "workers", len(s.workers), "desired", s.opts.Workers)

	ctxDone := ctx.Done()
	for !s.finished {
		var drainC <-chan time.Time
		if s.drain != nil {
			drainC = s.drain.C
		}
		select {
		case ev := <-s.events:
			s.safe(fmt.Sprintf("%T", ev), func() { s.handle(ev) })
		case <-drainC:
			s.safe("drain", s.pollDrain)
		case <-ctxDone:
			ctxDone = nil
			s.safe("shutdown", s.beginShutdown)
		}
	}
	return s.result
}

// safe runs fn and logs a panic instead of letting it kill the primary.
func (s *Supervisor) safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("supervisor handler panicked", "handler", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (s *Supervisor) handle(ev any) {
	switch ev := ev.(type) {
	case startedEvent:
		if w, ok := s.workers[ev.id]; ok && w.state == StateStarting {
			w.state = StateRunning
		}
	case exitEvent:
		s.onExit(ev)
	case restartRequest:
		s.onRestartRequest(ev)
	case stepTimeout:
		s.onStepTimeout(ev)
	case stepResume:
		if s.plan != nil && s.plan.seq == ev.seq {
			s.advance()
		}
	case shutdownRequest:
		s.beginShutdown()
	case shutdownExpired:
		s.killStragglers()
	case respawnTick:
		s.onRespawn()
	case workersRequest:
		ev.reply <- s.snapshot()
	default:
		s.log.Warn("unknown supervisor message", "type", fmt.Sprintf("%T", ev))
	}
}

// send delivers ev to the loop unless the supervisor has stopped.
func (s *Supervisor) send(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) now() time.Time { return s.opts.Now() }

func (s *Supervisor) record(t history.EventType, w *Worker, cause string) {
	if s.opts.Recorder == nil {
		return
	}
	rec := history.Record{Cause: cause}
	if w != nil {
		rec.WorkerID, rec.PID = w.id, w.pid
	}
	s.opts.Recorder.Record(history.Event{Type: t, OccurredAt: s.now().UTC(), Record: rec})
}

// spawnWorker starts one worker and attaches its exit observer. It returns
// as soon as the process exists.
func (s *Supervisor) spawnWorker() (*Worker, error) {
	s.nextID++
	id := s.nextID
	h, err := s.spawn(id)
	if err != nil {
		metrics.IncSpawnFailure()
		s.log.Error("failed to spawn worker", "worker", id, "error", err)
		return nil, fmt.Errorf("spawn worker %d: %w", id, err)
	}
	w := &Worker{
		id:        id,
		pid:       h.PID(),
		handle:    h,
		spawnedAt: s.now(),
		state:     StateStarting,
	}
	s.workers[id] = w
	metrics.IncSpawn()
	metrics.SetLiveWorkers(len(s.workers))
	s.record(history.EventSpawn, w, "")
	s.log.Info("worker spawned", "worker", id, "pid", w.pid)

	go func() {
		if !s.send(startedEvent{id: id}) {
			return
		}
		ex := h.Wait()
		s.send(exitEvent{id: id, exit: ex})
	}()
	return w, nil
}

func exitKind(w *Worker, ex process.Exit) string {
	switch {
	case w.planned:
		return "planned"
	case ex.Interrupted():
		return "interrupt"
	default:
		return "crash"
	}
}

// onExit classifies a worker exit. The exit is always logged before any
// restart decision is taken.
func (s *Supervisor) onExit(ev exitEvent) {
	w, ok := s.workers[ev.id]
	if !ok {
		return
	}
	w.state = StateExited
	w.exit = &ev.exit
	s.log.Info("worker exited", "worker", w.id, "pid", w.pid, "cause", ev.exit.String())
	metrics.IncExit(exitKind(w, ev.exit))
	s.record(history.EventExit, w, ev.exit.String())

	if s.shutting {
		// removal waits until the whole set has drained
		return
	}
	delete(s.workers, w.id)
	metrics.SetLiveWorkers(len(s.workers))

	// only a begun step owns the exit; during a RestartDelay pause the
	// cursor already points at a worker that was never asked to leave
	if s.plan != nil && w.planned {
		if cur, ok := s.plan.Current(); ok && cur == w.id {
			s.stepExited(w)
			return
		}
	}
	if w.planned {
		return
	}
	if ev.exit.Interrupted() {
		s.log.Info("worker interrupted, not replacing", "worker", w.id, "pid", w.pid)
		return
	}
	if !s.guard.ShouldRestart(s.now()) {
		s.crashLoop(w)
		return
	}
	s.log.Warn("worker died, restarting", "worker", w.id, "pid", w.pid, "cause", ev.exit.String())
	metrics.IncCrashRestart()
	s.record(history.EventRestart, w, ev.exit.String())
	s.spawnOrRetry()
}

// spawnOrRetry starts a worker, scheduling a retry when the spawn fails so
// the pool does not stay short.
func (s *Supervisor) spawnOrRetry() {
	if _, err := s.spawnWorker(); err != nil {
		s.scheduleRespawn()
	}
}

func (s *Supervisor) scheduleRespawn() {
	s.missing++
	if s.respawn != nil {
		return
	}
	s.log.Warn("pool below desired size, retrying spawn", "missing", s.missing, "in", s.opts.RestartCooldown)
	s.respawn = time.AfterFunc(s.opts.RestartCooldown, func() { s.send(respawnTick{}) })
}

func (s *Supervisor) onRespawn() {
	s.respawn = nil
	if s.shutting || s.finished {
		return
	}
	n := s.missing
	s.missing = 0
	for i := 0; i < n; i++ {
		s.spawnOrRetry()
	}
}

func (s *Supervisor) stopRespawn() {
	if s.respawn != nil {
		s.respawn.Stop()
		s.respawn = nil
	}
	s.missing = 0
}

// crashLoop is fatal: remaining workers are killed, the pid file removed
// and Run returns ErrCrashLoop.
func (s *Supervisor) crashLoop(w *Worker) {
	s.log.Error("worker crashed within restart cooldown, terminating primary",
		"worker", w.id, "pid", w.pid, "cooldown", s.opts.RestartCooldown)
	s.abortRestarts(ErrCrashLoop)
	s.stopRespawn()
	for _, other := range s.workers {
		other.planned = true
		if err := other.handle.Kill(); err != nil {
			s.log.Warn("failed to kill worker", "worker", other.id, "pid", other.pid, "error", err)
		}
	}
	if err := pidfile.Remove(s.opts.PIDFile); err != nil {
		s.log.Warn("failed to remove pid file", "path", s.opts.PIDFile, "error", err)
	}
	s.record(history.EventShutdown, w, "crash loop")
	s.result = ErrCrashLoop
	s.finished = true
}

func (s *Supervisor) snapshot() []WorkerInfo {
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, id := range s.liveIDs() {
		out = append(out, s.workers[id].info())
	}
	return out
}

func (s *Supervisor) liveIDs() []int {
	ids := make([]int, 0, len(s.workers))
	for id, w := range s.workers {
		if w.state != StateExited {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Workers returns the current worker set ordered by id.
func (s *Supervisor) Workers(ctx context.Context) ([]WorkerInfo, error) {
	reply := make(chan []WorkerInfo, 1)
	select {
	case s.events <- workersRequest{reply: reply}:
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ws := <-reply:
		return ws, nil
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown asks the supervisor to drain every worker and stop. It returns
// without waiting; use Done to wait. Calls after the first are no-ops.
func (s *Supervisor) Shutdown() {
	s.send(shutdownRequest{})
}

func (s *Supervisor) beginShutdown() {
	if s.shutting || s.finished {
		return
	}
	s.shutting = true
	s.abortRestarts(ErrShuttingDown)
	s.stopRespawn()
	s.log.Info("shutting down, draining workers", "workers", len(s.workers))

	for _, id := range s.liveIDs() {
		w := s.workers[id]
		w.planned = true
		w.state = StateDisconnecting
		if err := w.handle.Disconnect(); err != nil {
			s.log.Warn("failed to disconnect worker", "worker", w.id, "pid", w.pid, "error", err)
		}
	}
	s.killTimer = time.AfterFunc(s.opts.ShutdownTimeout, func() { s.send(shutdownExpired{}) })
	s.drain = time.NewTicker(s.opts.DrainPollInterval)
	s.pollDrain()
}

// pollDrain completes the shutdown once every worker has exited.
func (s *Supervisor) pollDrain() {
	if !s.shutting || s.finished {
		return
	}
	for _, w := range s.workers {
		if w.state != StateExited {
			return
		}
	}
	s.drain.Stop()
	s.drain = nil
	s.killTimer.Stop()
	s.workers = make(map[int]*Worker)
	metrics.SetLiveWorkers(0)

	if err := pidfile.Remove(s.opts.PIDFile); err != nil {
		s.log.Debug("pid file cleanup failed", "path", s.opts.PIDFile, "error", err)
	}
	s.record(history.EventShutdown, nil, "")
	s.log.Info("shutdown complete")
	s.finished = true
}

func (s *Supervisor) killStragglers() {
	if !s.shutting || s.finished {
		return
	}
	for _, id := range s.liveIDs() {
		w := s.workers[id]
		s.log.Warn("worker did not drain in time, killing", "worker", w.id, "pid", w.pid, "timeout", s.opts.ShutdownTimeout)
		if err := w.handle.Kill(); err != nil {
			s.log.Warn("failed to kill worker", "worker", w.id, "pid", w.pid, "error", err)
		}
	}
}
