//go:build windows

package lockfile

import (
	"syscall"
)

func processAlive(pid int) (bool, string) {
	handle, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false, "not found"
	}
	syscall.CloseHandle(handle)
	return true, ""
}
