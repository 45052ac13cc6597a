package vtable

import (
	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/types"
)

// Registry maps a table name to the list of Table definitions registered
// under it, possibly more than one when a name is registered separately
// per protocol (spec §3, §4.3).
type Registry struct {
	byName map[string][]*Table
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string][]*Table)}
}

// Register adds t under its Name. Multiple Tables may share a Name as long
// as their Protocols lists don't both match the same protocol.
func (r *Registry) Register(t *Table) {
	r.byName[t.Name] = append(r.byName[t.Name], t)
}

// Lookup resolves (name, protocol) to the first registered Table whose
// Protocols is unset or contains protocol (spec §4.3, §8 "table registry
// dispatch"). It distinguishes an unknown name from a protocol mismatch.
func (r *Registry) Lookup(name string, protocol types.Protocol) (*Table, error) {
	defs, ok := r.byName[name]
	if !ok {
		return nil, errs.New(errs.CodeUnknownTable, "unknown table %q", name)
	}
	for _, t := range defs {
		if t.supportsProtocol(protocol) {
			return t, nil
		}
	}
	return nil, errs.New(errs.CodeTableNotAvailableForProtocol, "table %q is not available for protocol %q", name, protocol)
}
