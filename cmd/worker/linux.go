//go:build linux

package main

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/flotilla-run/flotilla/pkg/utils"
)

func platformInit(logger *log.Logger) {
	logger.Info("Detected Linux")

	// Disable transparent huge pages to workaround memory leaks
	utils.DisableTHP(logger)
}

// Dump all goroutine stacks to stderr on SIGUSR1.
func stackDumpOnSignal() {
	dumps := make(chan os.Signal, 1)
	signal.Notify(dumps, syscall.SIGUSR1)

	go func() {
		for range dumps {
			stacks := make([]byte, 1<<20)
			stacks = stacks[:runtime.Stack(stacks, true)]
			os.Stderr.Write(stacks)
		}
	}()
}
