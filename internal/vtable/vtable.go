// Package vtable implements the virtual-table registry and the ~30 table
// definitions that materialize query rows from session state or from
// on-demand protocol requests (spec §3 VirtualTable, §4.3, §4.5).
package vtable

import (
	"context"

	"github.com/douglance/dbg-sub001/internal/types"
)

// Row is a single fetched record, reusing the same shape filterengine
// expects so a table's fetch result feeds directly into Apply.
type Row map[string]interface{}

// FetchFunc materializes rows for a table, given the query's WHERE
// expression (so filters like `source`'s required file=/script_id= can be
// read without a second pass) and the session's Executor.
type FetchFunc func(ctx context.Context, where *types.Expr, ex types.Executor) (columns []string, rows []Row, err error)

// Table is one virtual-table definition (spec §3).
type Table struct {
	Name            string
	Columns         []string
	RequiredFilters []string
	Protocols       []types.Protocol // nil means available under any protocol
	Fetch           FetchFunc
}

// supportsProtocol reports whether t is registered for p. An unset
// Protocols list matches every protocol.
func (t *Table) supportsProtocol(p types.Protocol) bool {
	if len(t.Protocols) == 0 {
		return true
	}
	for _, pp := range t.Protocols {
		if pp == p {
			return true
		}
	}
	return false
}
