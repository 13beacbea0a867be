//go:build linux

package utils

import (
	"github.com/flotilla-run/flotilla/pkg/log"
	"golang.org/x/sys/unix"
)

func DisableTHP(logger *log.Logger) {
	// Disable transparent huge pages to workaround memory leaks
	logger.Info("Disabling transparent huge pages")
	if err := unix.Prctl(unix.PR_SET_THP_DISABLE, 1, 0, 0, 0); err != nil {
		logger.Warn("Failed to disable transparent huge pages:", err)
	}
}
