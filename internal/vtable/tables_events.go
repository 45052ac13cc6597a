package vtable

import (
	"context"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/types"
)

// registerEventTables adds the tables backed by the append-only event
// store rather than live session state (spec §4.5, §4.10). Each issues a
// SQL query against the store's single events table and reshapes the
// result into the table's declared columns.
func registerEventTables(r *Registry) {
	r.Register(&Table{
		Name:    "events",
		Columns: []string{"id", "ts", "source", "category", "method", "data", "session_id"},
		Fetch:   fetchEventsRaw,
	})
	r.Register(&Table{
		Name:      "cdp",
		Columns:   []string{"id", "ts", "source", "category", "method", "data", "session_id"},
		Protocols: []types.Protocol{types.ProtoBWP},
		Fetch:     fetchCDPRaw,
	})
	r.Register(&Table{
		Name:      "cdp_messages",
		Columns:   []string{"id", "ts", "method", "data"},
		Protocols: []types.Protocol{types.ProtoBWP},
		Fetch:     fetchCDPMessages,
	})
	r.Register(&Table{
		Name:      "connections",
		Columns:   []string{"id", "ts", "data"},
		Protocols: []types.Protocol{types.ProtoBWP},
		Fetch:     fetchConnections,
	})
	r.Register(&Table{
		Name:    "timeline",
		Columns: []string{"id", "ts", "source", "category", "method"},
		Fetch:   fetchTimeline,
	})
}

func eventStoreQuery(ctx context.Context, ex types.Executor, sqlText string, params ...interface{}) ([]string, [][]interface{}, error) {
	store := ex.GetStore()
	if store == nil {
		return nil, nil, errs.New(errs.CodeUnknownTable, "event store is not attached")
	}
	return store.Query(ctx, sqlText, params...)
}

func rowsFromResult(cols []string, raw [][]interface{}) []Row {
	rows := make([]Row, 0, len(raw))
	for _, r := range raw {
		row := make(Row, len(cols))
		for i, c := range cols {
			if i < len(r) {
				row[c] = r[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func fetchEventsRaw(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "ts", "source", "category", "method", "data", "session_id"}
	storeCols, raw, err := eventStoreQuery(ctx, ex,
		"SELECT id, ts, source, category, method, data, session_id FROM events ORDER BY id")
	if err != nil {
		return cols, nil, err
	}
	return storeCols, rowsFromResult(storeCols, raw), nil
}

// fetchCDPRaw backs the `cdp` table: the full event row, scoped to BWP
// traffic, as opposed to `cdp_messages`' narrower method/data projection.
func fetchCDPRaw(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "ts", "source", "category", "method", "data", "session_id"}
	storeCols, raw, err := eventStoreQuery(ctx, ex,
		"SELECT id, ts, source, category, method, data, session_id FROM events WHERE source = ? ORDER BY id", "bwp")
	if err != nil {
		return cols, nil, err
	}
	return storeCols, rowsFromResult(storeCols, raw), nil
}

func fetchCDPMessages(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "ts", "method", "data"}
	storeCols, raw, err := eventStoreQuery(ctx, ex,
		"SELECT id, ts, method, data FROM events WHERE source = ? ORDER BY id", "bwp")
	if err != nil {
		return cols, nil, err
	}
	return storeCols, rowsFromResult(storeCols, raw), nil
}

func fetchConnections(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "ts", "data"}
	storeCols, raw, err := eventStoreQuery(ctx, ex,
		"SELECT id, ts, data FROM events WHERE category = ? ORDER BY id", "connection")
	if err != nil {
		return cols, nil, err
	}
	return storeCols, rowsFromResult(storeCols, raw), nil
}

func fetchTimeline(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "ts", "source", "category", "method"}
	storeCols, raw, err := eventStoreQuery(ctx, ex,
		"SELECT id, ts, source, category, method FROM events ORDER BY ts")
	if err != nil {
		return cols, nil, err
	}
	return storeCols, rowsFromResult(storeCols, raw), nil
}
