// Package session implements the daemon's session manager: opening and
// attaching sessions over either wire protocol, enforcing capability and
// name-uniqueness rules, and owning each session's managed child process
// (spec §4.8).
package session

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/douglance/dbg-sub001/internal/bwp"
	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/executor"
	"github.com/douglance/dbg-sub001/internal/ndap"
	"github.com/douglance/dbg-sub001/internal/types"
)

// killGrace is how long close() waits after SIGTERM before escalating to
// SIGKILL (spec §4.8, §5).
const killGrace = 2 * time.Second

// Session is one named debugger session: its executor, mutable state, and
// (if the daemon spawned the target) the managed child process.
type Session struct {
	Name     string
	Protocol types.Protocol
	Executor types.Executor

	mu      sync.Mutex
	state   *types.DebuggerState
	cmd     *exec.Cmd // nil for attached (not managed) targets
	watcher *childWatcher
}

// RequireCapability returns ErrCapabilityUnsupported naming cap if the
// session's protocol does not support it (spec §4.8).
func (s *Session) RequireCapability(cap string) error {
	if s.Executor.Capabilities().Has(cap) {
		return nil
	}
	return errs.New(errs.CodeCapabilityUnsupported, "session %q does not support capability %q", s.Name, cap)
}

// State returns the session's current debugger-state snapshot.
func (s *Session) State() *types.DebuggerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// close terminates the managed child (if any) and the transport, giving the
// child killGrace to exit after SIGTERM before sending SIGKILL.
func (s *Session) close(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.stop()
	}

	closeTransport(s.Executor)

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	if err := s.cmd.Process.Signal(terminateSignal()); err != nil {
		return s.cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(killGrace):
		_ = s.cmd.Process.Kill()
		<-done
		return nil
	}
}

// transportCloser is implemented by executors whose underlying transport
// can be shut down independently of the session object.
type transportCloser interface {
	CloseTransport()
}

func closeTransport(ex types.Executor) {
	if tc, ok := ex.(transportCloser); ok {
		tc.CloseTransport()
	}
}

// newBWPSession wires a dialed BWP stream into a session's state/executor.
func newBWPSession(name string, stream *bwp.Stream, store types.EventStore) *Session {
	state := types.NewDebuggerState(types.ProtoBWP)
	state.Connected = true
	return &Session{
		Name:     name,
		Protocol: types.ProtoBWP,
		Executor: executor.NewBWPExecutor(stream, state, store),
		state:    state,
	}
}

// newNDAPSession wires an NDAP transport into a session's state/executor.
func newNDAPSession(name string, transport *ndap.Transport, store types.EventStore) *Session {
	state := types.NewDebuggerState(types.ProtoNDAP)
	state.Connected = true
	return &Session{
		Name:     name,
		Protocol: types.ProtoNDAP,
		Executor: executor.NewNDAPExecutor(transport, state, store),
		state:    state,
	}
}
