//go:build !windows

package main

import (
	"os"
	"syscall"
)

var restartSignal os.Signal = syscall.SIGUSR1
