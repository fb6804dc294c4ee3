package process

import (
	"errors"
	"os/exec"
	"strconv"
	"syscall"
)

// Exit describes how a process terminated.
// Signal is zero unless the process was terminated by a signal, in which case Code is -1.
type Exit struct {
	Code   int
	Signal syscall.Signal
	Err    error // non-nil only when the wait itself failed
}

// ExitFromError decodes the error returned by (*exec.Cmd).Wait.
func ExitFromError(err error) Exit {
	if err == nil {
		return Exit{}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return Exit{Code: -1, Signal: ws.Signal()}
			}
			return Exit{Code: ws.ExitStatus()}
		}
		return Exit{Code: ee.ExitCode()}
	}
	return Exit{Code: -1, Err: err}
}

// Interrupted reports whether the process was terminated by SIGINT.
func (e Exit) Interrupted() bool { return e.Signal == syscall.SIGINT }

// Success reports a clean zero exit.
func (e Exit) Success() bool { return e.Err == nil && e.Signal == 0 && e.Code == 0 }

// Crashed reports an unexpected termination: anything other than a clean
// exit or an operator interrupt.
func (e Exit) Crashed() bool { return !e.Success() && !e.Interrupted() }

// String renders the exit cause the way operators read it in logs: the
// signal name when signalled, otherwise the exit code.
func (e Exit) String() string {
	switch {
	case e.Err != nil:
		return "wait: " + e.Err.Error()
	case e.Signal != 0:
		return e.Signal.String()
	default:
		return strconv.Itoa(e.Code)
	}
}
