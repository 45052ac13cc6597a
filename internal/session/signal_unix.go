//go:build !windows

package session

import "syscall"

// terminateSignal is the graceful-shutdown signal sent to a managed child
// before the SIGKILL escalation (spec §4.8).
func terminateSignal() syscall.Signal {
	return syscall.SIGTERM
}
