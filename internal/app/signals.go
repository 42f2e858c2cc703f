//go:build !windows

package app

import (
	"os"
	"syscall"
)

var shutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2}
