//go:build !windows

package main

import (
	"os"
	"syscall"
)

// redirectStderr points stderr at the --log file using dup2, so panic
// traces from the daemon end up in the log instead of a detached terminal.
func redirectStderr(f *os.File) {
	syscall.Dup2(int(f.Fd()), int(os.Stderr.Fd()))
}
