// Package executor implements types.Executor for each wire protocol,
// wrapping a session's transport and state so virtual tables and the query
// dispatcher never reach into protocol internals directly (spec §9).
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/douglance/dbg-sub001/internal/bwp"
	"github.com/douglance/dbg-sub001/internal/ndap"
	"github.com/douglance/dbg-sub001/internal/types"
)

// NDAPExecutor adapts a *ndap.Transport and its session state to
// types.Executor. send calls are serialized per session (spec §5: "per-
// session ordering of protocol messages is preserved by serializing send
// per session").
type NDAPExecutor struct {
	mu        sync.Mutex
	transport *ndap.Transport
	state     *types.DebuggerState
	store     types.EventStore
	caps      types.Capabilities
}

// NewNDAPExecutor builds an executor bound to a live transport, the
// session's mutable state, and the process-wide event store.
func NewNDAPExecutor(transport *ndap.Transport, state *types.DebuggerState, store types.EventStore) *NDAPExecutor {
	return &NDAPExecutor{
		transport: transport,
		state:     state,
		store:     store,
		caps:      types.CapabilitiesFor(types.ProtoNDAP),
	}
}

func (e *NDAPExecutor) Send(ctx context.Context, method string, params interface{}, timeoutMs int) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var timeout time.Duration
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return e.transport.Request(ctx, method, params, timeout)
}

func (e *NDAPExecutor) GetState() *types.DebuggerState { return e.state }
func (e *NDAPExecutor) GetStore() types.EventStore     { return e.store }
func (e *NDAPExecutor) Protocol() types.Protocol        { return types.ProtoNDAP }
func (e *NDAPExecutor) Capabilities() types.Capabilities { return e.caps }

// CloseTransport shuts down the underlying NDAP transport, failing any
// pending requests with DAP_TRANSPORT_CLOSED.
func (e *NDAPExecutor) CloseTransport() { e.transport.Close() }

// BWPExecutor adapts a *bwp.Stream and its session state to types.Executor.
type BWPExecutor struct {
	mu     sync.Mutex
	stream *bwp.Stream
	state  *types.DebuggerState
	store  types.EventStore
	caps   types.Capabilities
}

// NewBWPExecutor builds an executor bound to a live websocket stream, the
// session's mutable state, and the process-wide event store.
func NewBWPExecutor(stream *bwp.Stream, state *types.DebuggerState, store types.EventStore) *BWPExecutor {
	return &BWPExecutor{
		stream: stream,
		state:  state,
		store:  store,
		caps:   types.CapabilitiesFor(types.ProtoBWP),
	}
}

func (e *BWPExecutor) Send(ctx context.Context, method string, params interface{}, timeoutMs int) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var timeout time.Duration
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return e.stream.Call(ctx, method, params, timeout)
}

func (e *BWPExecutor) GetState() *types.DebuggerState { return e.state }
func (e *BWPExecutor) GetStore() types.EventStore     { return e.store }
func (e *BWPExecutor) Protocol() types.Protocol        { return types.ProtoBWP }
func (e *BWPExecutor) Capabilities() types.Capabilities { return e.caps }

// CloseTransport shuts down the underlying websocket stream, failing any
// pending calls with BWP_TRANSPORT_CLOSED.
func (e *BWPExecutor) CloseTransport() { _ = e.stream.Close() }
