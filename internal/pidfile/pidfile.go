// Package pidfile maintains the primary's identity record: a plain-text file
// holding the primary's pid, which operator tooling reads to know where to
// deliver restart and shutdown signals.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Write persists pid to path, replacing any stale record.
func Write(path string, pid int) error {
	if path == "" {
		return errors.New("pidfile: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("pidfile: create dir: %w", err)
		}
	}
	// #nosec G306
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("pidfile: write %s: %w", path, err)
	}
	return nil
}

// Remove deletes the record. A missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Read returns the pid stored at path.
func Read(path string) (int, error) {
	// #nosec G304
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, fmt.Errorf("pidfile: invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("pidfile: invalid pid %d in %s", pid, path)
	}
	return pid, nil
}

// Signal resolves the pid recorded at path and delivers sig to it.
func Signal(path string, sig os.Signal) (int, error) {
	pid, err := Read(path)
	if err != nil {
		return 0, err
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	if err := p.Signal(sig); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return pid, nil
}

// Alive returns true if a process with given pid exists (or EPERM).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
