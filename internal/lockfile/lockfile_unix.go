//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"syscall"
)

func processAlive(pid int) (bool, string) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "not found"
	}

	// signal 0 only checks that the process exists
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, ""
	case errors.Is(err, os.ErrProcessDone):
		return false, "has finished"
	case errors.Is(err, syscall.EPERM):
		return true, ""
	}
	return false, "cannot be signalled"
}
