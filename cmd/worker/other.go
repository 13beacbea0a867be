//go:build !linux

package main

import (
	"github.com/flotilla-run/flotilla/pkg/log"
)

func platformInit(logger *log.Logger) {
}

func stackDumpOnSignal() {
}
