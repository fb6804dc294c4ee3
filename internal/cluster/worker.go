package cluster

import (
	"time"

	"github.com/loykin/clusterd/internal/process"
)

// State is the lifecycle state of a worker.
// Starting -> Running -> Disconnecting -> Exited
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDisconnecting
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDisconnecting:
		return "disconnecting"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Handle is a running worker process.
type Handle interface {
	PID() int
	// Disconnect asks the worker to stop accepting work and exit.
	Disconnect() error
	Kill() error
	// Wait blocks until the process has terminated.
	Wait() process.Exit
}

// SpawnFunc starts the worker with the given id. It must return as soon as
// the process exists and never wait for the worker to become ready.
type SpawnFunc func(id int) (Handle, error)

// Worker is the supervisor's record of one worker process. It is owned by
// the event loop and never shared.
type Worker struct {
	id        int
	pid       int
	handle    Handle
	spawnedAt time.Time
	state     State
	exit      *process.Exit
	// planned marks a worker the supervisor asked to leave, so its exit is
	// never treated as a crash.
	planned bool
}

// WorkerInfo is an immutable snapshot of a Worker.
type WorkerInfo struct {
	ID        int           `json:"id"`
	PID       int           `json:"pid"`
	SpawnedAt time.Time     `json:"spawned_at"`
	State     State         `json:"state"`
	Exit      *process.Exit `json:"exit,omitempty"`
}

func (w *Worker) info() WorkerInfo {
	wi := WorkerInfo{ID: w.id, PID: w.pid, SpawnedAt: w.spawnedAt, State: w.state}
	if w.exit != nil {
		e := *w.exit
		wi.Exit = &e
	}
	return wi
}
