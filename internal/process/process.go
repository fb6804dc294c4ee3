package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Spec describes a worker process to be started.
type Spec struct {
	Name       string     // label used in errors and logs (e.g. worker-3)
	Path       string     // executable path; usually os.Executable()
	Args       []string   // arguments, excluding argv[0]
	Dir        string     // optional working dir
	Env        []string   // complete environment in KEY=VALUE form
	ExtraFiles []*os.File // inherited descriptors, fd 3 onwards
	Stdout     io.Writer  // nil discards
	Stderr     io.Writer  // nil discards
}

// Process is a started OS process with exactly one waiter.
type Process struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	mu   sync.Mutex
	exit Exit
	done chan struct{}
}

// Start launches the process described by spec and returns immediately.
// The child runs in its own process group so a terminal interrupt reaches
// only the primary, which then drains workers explicitly.
func Start(spec Spec) (*Process, error) {
	if spec.Path == "" {
		return nil, errors.New("process: empty executable path")
	}
	// #nosec G204
	cmd := exec.Command(spec.Path, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.ExtraFiles = spec.ExtraFiles
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p := &Process{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exit = ExitFromError(err)
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) Name() string         { return p.name }
func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits and returns how it ended.
func (p *Process) Wait() Exit {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Signal delivers sig to the process. Signalling an already reaped process is not an error.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("signal %s (pid %d): %w", p.name, p.pid, err)
	}
	return nil
}

// Disconnect asks the worker to stop accepting new work and exit once in-flight work is done.
func (p *Process) Disconnect() error { return p.Signal(syscall.SIGTERM) }

// Kill terminates the process immediately.
func (p *Process) Kill() error { return p.Signal(syscall.SIGKILL) }
