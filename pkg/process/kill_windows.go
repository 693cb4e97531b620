//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Terminate kills a process by its ID. Windows has no SIGTERM; Kill is the
// only option, so grace only bounds the post-kill wait.
func Terminate(pid int, grace time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to kill process: %w", err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
