//go:build windows

package session

import "os"

// terminateSignal falls back to os.Kill on Windows, which has no SIGTERM.
func terminateSignal() os.Signal {
	return os.Kill
}
