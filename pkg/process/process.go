// Package process provides the process-level operations the supervisor needs
// for orphan cleanup: a liveness probe and a graceful-then-forceful kill.
package process

import (
	"github.com/shirou/gopsutil/v4/process"
)

// Alive reports whether a process with the given pid currently exists.
// This is the signal-0 existence test; it deliberately says nothing about
// what the process is, so callers must treat a stale pid that was reused by
// an unrelated process as a false positive they can tolerate (the subsequent
// SIGTERM is the same one a shell user would send).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}
