package types

import (
	"context"
	"encoding/json"
)

// EventStore is the minimal read access to the event log that virtual
// tables need (spec §4.5, event-store-backed tables). The concrete
// implementation lives in package eventstore; it is referenced here as an
// interface only, to keep types free of a dependency on eventstore.
type EventStore interface {
	Query(ctx context.Context, sql string, params ...interface{}) (columns []string, rows [][]interface{}, err error)
}

// Executor is the capability bundle a session exposes to virtual tables
// and the query dispatcher (spec §9). It is the single seam virtual tables
// depend on, so they never reach into session or transport internals
// directly.
type Executor interface {
	// Send issues an on-demand protocol request and returns its raw result
	// payload. timeoutMs <= 0 means "use the transport's default timeout".
	Send(ctx context.Context, method string, params interface{}, timeoutMs int) (json.RawMessage, error)

	// GetState returns the current snapshot of session state. Callers must
	// not mutate the returned value.
	GetState() *DebuggerState

	// GetStore returns the process-wide event store, or nil if none is
	// attached (it is always non-nil in the daemon's normal configuration).
	GetStore() EventStore

	Protocol() Protocol
	Capabilities() Capabilities
}
