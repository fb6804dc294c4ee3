package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/clusterd/internal/history"
	"github.com/loykin/clusterd/internal/metrics"
)

// Restart runs a rolling restart and waits for its report. When a restart
// is already in progress the request is queued behind it; every request
// queued during one plan is served by the same follow-up plan.
func (s *Supervisor) Restart(ctx context.Context) (RestartReport, error) {
	reply := make(chan restartResult, 1)
	select {
	case s.events <- restartRequest{reply: reply}:
	case <-s.done:
		return RestartReport{}, ErrStopped
	case <-ctx.Done():
		return RestartReport{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.report, r.err
	case <-s.done:
		// the loop answers before it stops
		select {
		case r := <-reply:
			return r.report, r.err
		default:
			return RestartReport{}, ErrStopped
		}
	case <-ctx.Done():
		return RestartReport{}, ctx.Err()
	}
}

// RequestRestart triggers a rolling restart without waiting for it.
func (s *Supervisor) RequestRestart() {
	s.send(restartRequest{})
}

func (s *Supervisor) onRestartRequest(req restartRequest) {
	if s.shutting {
		s.log.Warn("rolling restart refused, shutting down")
		reply(req.reply, restartResult{err: ErrShuttingDown})
		return
	}
	if s.plan != nil {
		s.queued = append(s.queued, req.reply)
		s.log.Info("rolling restart already in progress, queued", "plan", s.plan.seq)
		return
	}
	s.startPlan([]chan restartResult{req.reply})
}

func (s *Supervisor) startPlan(replies []chan restartResult) {
	s.planSeq++
	s.plan = newRestartPlan(s.planSeq, s.liveIDs(), s.opts.RestartTimeout, s.now())
	s.plan.replies = replies
	s.log.Info("rolling restart started", "plan", s.plan.seq, "workers", s.plan.Len(), "timeout", s.opts.RestartTimeout)
	s.advance()
}

// advance starts the next step, skipping workers that left the set since the
// snapshot was taken.
func (s *Supervisor) advance() {
	for s.plan != nil {
		id, ok := s.plan.Current()
		if !ok {
			s.finishPlan()
			return
		}
		w, live := s.workers[id]
		if !live || w.state == StateExited {
			s.log.Info("worker already gone, skipping", "plan", s.plan.seq, "worker", id)
			s.plan.Next(StepResult{WorkerID: id, Skipped: true})
			continue
		}
		s.beginStep(w)
		return
	}
}

func (s *Supervisor) beginStep(w *Worker) {
	p := s.plan
	p.begin(s.now())
	w.planned = true
	w.state = StateDisconnecting
	s.log.Info("recycling worker", "plan", p.seq, "step", p.index+1, "of", p.Len(), "worker", w.id, "pid", w.pid)
	if err := w.handle.Disconnect(); err != nil {
		// the timeout still fires and escalates to a kill
		s.log.Warn("failed to disconnect worker", "worker", w.id, "pid", w.pid, "error", err)
	}
	seq, id := p.seq, w.id
	p.timer = time.AfterFunc(p.timeout, func() { s.send(stepTimeout{seq: seq, id: id}) })
}

func (s *Supervisor) onStepTimeout(ev stepTimeout) {
	if s.plan == nil || s.plan.seq != ev.seq {
		return
	}
	if cur, ok := s.plan.Current(); !ok || cur != ev.id {
		return
	}
	w, ok := s.workers[ev.id]
	if !ok {
		return
	}
	s.log.Warn("worker did not exit in time, killing", "worker", w.id, "pid", w.pid, "timeout", s.plan.timeout)
	s.plan.forced = true
	s.plan.timer = nil
	if err := w.handle.Kill(); err != nil {
		// leave the worker in the set; a later exit goes through the crash path
		w.planned = false
		w.state = StateRunning
		s.log.Error("failed to kill worker, leaving it in place", "worker", w.id, "pid", w.pid, "error", err)
		s.plan.Next(StepResult{
			WorkerID: w.id,
			PID:      w.pid,
			Forced:   true,
			Duration: s.now().Sub(s.plan.stepStarted),
			Err:      fmt.Errorf("kill worker %d (pid %d): %w", w.id, w.pid, err),
		})
		s.afterStep()
	}
}

// stepExited replaces the worker of the current step and moves on.
func (s *Supervisor) stepExited(w *Worker) {
	p := s.plan
	res := StepResult{
		WorkerID: w.id,
		PID:      w.pid,
		Forced:   p.forced,
		Duration: s.now().Sub(p.stepStarted),
	}
	kind := "voluntary"
	if res.Forced {
		kind = "forced"
	}
	metrics.ObserveRestartStep(kind, res.Duration.Seconds())

	nw, err := s.spawnWorker()
	if err != nil {
		res.Err = err
		s.scheduleRespawn()
	} else {
		res.Replacement = nw.id
		s.log.Info("worker replaced", "plan", p.seq, "worker", w.id, "replacement", nw.id, "pid", nw.pid, "forced", res.Forced)
	}
	p.Next(res)
	s.afterStep()
}

func (s *Supervisor) afterStep() {
	p := s.plan
	if s.opts.RestartDelay > 0 && !p.Done() {
		seq := p.seq
		p.timer = time.AfterFunc(s.opts.RestartDelay, func() { s.send(stepResume{seq: seq}) })
		return
	}
	s.advance()
}

// finishPlan logs the single summary line, answers waiters and starts the
// coalesced follow-up plan if any trigger arrived meanwhile.
func (s *Supervisor) finishPlan() {
	p := s.plan
	report := p.Report(s.now())
	err := report.Err()
	attrs := []any{
		"plan", p.seq,
		"workers", p.Len(),
		"replaced", report.Replaced(),
		"forced", report.Forced(),
		"duration", report.Finished.Sub(report.Started),
	}
	if err != nil {
		s.log.Warn("rolling restart finished with errors", append(attrs, "failed", report.Failed(), "error", err)...)
		metrics.IncRollingRestart("partial")
	} else {
		s.log.Info("rolling restart complete", attrs...)
		metrics.IncRollingRestart("ok")
	}
	s.record(history.EventRollingRestart, nil, fmt.Sprintf("replaced=%d forced=%d failed=%d", report.Replaced(), report.Forced(), report.Failed()))

	for _, r := range p.replies {
		reply(r, restartResult{report: report, err: err})
	}
	s.plan = nil

	if len(s.queued) > 0 {
		queued := s.queued
		s.queued = nil
		s.log.Info("starting queued rolling restart", "requests", len(queued))
		s.startPlan(queued)
	}
}

// abortRestarts cancels the active plan and every queued request.
func (s *Supervisor) abortRestarts(err error) {
	if s.plan != nil {
		s.plan.stopTimer()
		s.log.Warn("rolling restart aborted", "plan", s.plan.seq, "done", s.plan.index, "of", s.plan.Len(), "error", err)
		report := s.plan.Report(s.now())
		for _, r := range s.plan.replies {
			reply(r, restartResult{report: report, err: err})
		}
		s.plan = nil
	}
	for _, r := range s.queued {
		reply(r, restartResult{err: err})
	}
	s.queued = nil
}

func reply(ch chan restartResult, r restartResult) {
	if ch != nil {
		ch <- r
	}
}
