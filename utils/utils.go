// Package utils holds small process-lifetime helpers shared by the demo
// harness (cmd/sshmuxdemo).
package utils

import (
	"os"
	"os/signal"
	"syscall"
)

// TrapSignal traps SIGINT and SIGTERM, runs cleanupFunc, then exits with
// the conventional 128+signal code. Used by cmd/sshmuxdemo to shut a Mux
// down cleanly (ParentInactive + Executor.Stop) instead of leaving the
// transport connection hanging on Ctrl-C.
func TrapSignal(cleanupFunc func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		if cleanupFunc != nil {
			cleanupFunc()
		}

		exitCode := 128
		switch sig {
		case syscall.SIGINT:
			exitCode += int(syscall.SIGINT)
		case syscall.SIGTERM:
			exitCode += int(syscall.SIGTERM)
		}

		os.Exit(exitCode)
	}()
}
