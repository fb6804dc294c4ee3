//go:build windows

package main

import "os"

// Windows has no SIGUSR1.
var restartSignal os.Signal
