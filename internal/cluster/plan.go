package cluster

import (
	"errors"
	"time"
)

// StepResult is the outcome of recycling one worker.
type StepResult struct {
	WorkerID int
	PID      int
	// Replacement is the id of the spawned replacement, 0 when none was spawned.
	Replacement int
	Forced      bool
	// Skipped is set when the worker was already gone when its turn came.
	Skipped  bool
	Duration time.Duration
	Err      error
}

// RestartReport summarises a finished rolling restart.
type RestartReport struct {
	Seq      uint64
	Started  time.Time
	Finished time.Time
	Steps    []StepResult
}

func (r RestartReport) Replaced() int {
	n := 0
	for _, s := range r.Steps {
		if s.Replacement != 0 {
			n++
		}
	}
	return n
}

func (r RestartReport) Forced() int {
	n := 0
	for _, s := range r.Steps {
		if s.Forced {
			n++
		}
	}
	return n
}

func (r RestartReport) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Err != nil {
			n++
		}
	}
	return n
}

// Err joins every step failure, nil when all steps succeeded.
func (r RestartReport) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

// RestartPlan is the in-flight state of one rolling restart: a snapshot of
// worker ids taken when the restart was triggered and a cursor into it.
// Each step completion advances the cursor; nothing recurses.
type RestartPlan struct {
	seq     uint64
	ids     []int
	index   int
	timeout time.Duration
	started time.Time
	steps   []StepResult

	// current step
	stepStarted time.Time
	forced      bool
	timer       *time.Timer

	replies []chan restartResult
}

func newRestartPlan(seq uint64, ids []int, timeout time.Duration, now time.Time) *RestartPlan {
	return &RestartPlan{
		seq:     seq,
		ids:     append([]int(nil), ids...),
		timeout: timeout,
		started: now,
	}
}

func (p *RestartPlan) Seq() uint64            { return p.seq }
func (p *RestartPlan) Timeout() time.Duration { return p.timeout }
func (p *RestartPlan) Len() int               { return len(p.ids) }
func (p *RestartPlan) Index() int             { return p.index }

// IDs returns the snapshot in recycle order.
func (p *RestartPlan) IDs() []int { return append([]int(nil), p.ids...) }

// Current returns the worker id of the active step.
func (p *RestartPlan) Current() (int, bool) {
	if p.index >= len(p.ids) {
		return 0, false
	}
	return p.ids[p.index], true
}

// Done reports whether every step has been taken.
func (p *RestartPlan) Done() bool { return p.index >= len(p.ids) }

func (p *RestartPlan) begin(now time.Time) {
	p.stepStarted = now
	p.forced = false
}

// Next records r for the current step and moves the cursor forward.
func (p *RestartPlan) Next(r StepResult) {
	p.stopTimer()
	p.steps = append(p.steps, r)
	p.index++
	p.forced = false
}

func (p *RestartPlan) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *RestartPlan) Report(now time.Time) RestartReport {
	return RestartReport{
		Seq:      p.seq,
		Started:  p.started,
		Finished: now,
		Steps:    append([]StepResult(nil), p.steps...),
	}
}
