package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Target identifies a live worker process to sample.
type Target struct {
	WorkerID int
	PID      int
}

// Sample is one resource reading for a worker.
type Sample struct {
	Target
	CPUPercent float64
	RSS        uint64
}

// Sampler records CPU and memory usage of live workers at a fixed interval.
// Handles are cached per pid so CPU percentages are computed against the
// previous reading rather than process start.
type Sampler struct {
	interval time.Duration
	targets  func(context.Context) ([]Target, error)
	log      *slog.Logger

	procs map[int]*process.Process
	known map[string]struct{}
}

func NewSampler(interval time.Duration, targets func(context.Context) ([]Target, error), log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{
		interval: interval,
		targets:  targets,
		log:      log,
		procs:    make(map[int]*process.Process),
		known:    make(map[string]struct{}),
	}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SampleOnce(ctx)
		}
	}
}

// SampleOnce reads every current target once and updates the gauges.
func (s *Sampler) SampleOnce(ctx context.Context) []Sample {
	targets, err := s.targets(ctx)
	if err != nil {
		s.log.Debug("worker sampling skipped", "error", err)
		return nil
	}
	seenPID := make(map[int]struct{}, len(targets))
	seenWorker := make(map[string]struct{}, len(targets))
	out := make([]Sample, 0, len(targets))
	for _, tg := range targets {
		seenPID[tg.PID] = struct{}{}
		label := strconv.Itoa(tg.WorkerID)
		p, ok := s.procs[tg.PID]
		if !ok {
			p, err = process.NewProcessWithContext(ctx, int32(tg.PID)) // #nosec G115
			if err != nil {
				s.log.Debug("worker process handle", "worker", tg.WorkerID, "pid", tg.PID, "error", err)
				continue
			}
			s.procs[tg.PID] = p
		}
		cpu, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			cpu = 0
		}
		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			s.log.Debug("worker memory info", "worker", tg.WorkerID, "pid", tg.PID, "error", err)
			continue
		}
		seenWorker[label] = struct{}{}
		s.known[label] = struct{}{}
		setWorkerResources(label, cpu, mem.RSS)
		out = append(out, Sample{Target: tg, CPUPercent: cpu, RSS: mem.RSS})
	}
	for pid := range s.procs {
		if _, ok := seenPID[pid]; !ok {
			delete(s.procs, pid)
		}
	}
	for label := range s.known {
		if _, ok := seenWorker[label]; !ok {
			deleteWorkerResources(label)
			delete(s.known, label)
		}
	}
	return out
}
