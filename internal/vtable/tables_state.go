package vtable

import (
	"context"

	"github.com/douglance/dbg-sub001/internal/types"
)

// registerStateTables adds the state-reflecting tables: those that read
// executor.GetState() and materialize rows with no I/O (spec §4.5).
func registerStateTables(r *Registry) {
	r.Register(&Table{
		Name:    "frames",
		Columns: []string{"id", "function", "url", "file", "line", "col", "script_id"},
		Fetch:   fetchFrames,
	})
	r.Register(&Table{
		Name:    "scopes",
		Columns: []string{"frame_id", "type", "object_id", "name"},
		Fetch:   fetchScopes,
	})
	r.Register(&Table{
		Name:    "async_frames",
		Columns: []string{"id", "function", "file", "line", "parent_id", "description"},
		Fetch:   fetchAsyncFrames,
	})
	r.Register(&Table{
		Name:    "scripts",
		Columns: []string{"script_id", "file", "url", "lines", "is_module"},
		Fetch:   fetchScripts,
	})
	r.Register(&Table{
		Name:    "breakpoints",
		Columns: []string{"id", "file", "line", "condition", "hits", "enabled", "wire_id"},
		Fetch:   fetchBreakpoints,
	})
	r.Register(&Table{
		Name:    "console",
		Columns: []string{"level", "text", "ts"},
		Fetch:   fetchConsole,
	})
	r.Register(&Table{
		Name:    "exceptions",
		Columns: []string{"text", "stack", "ts"},
		Fetch:   fetchExceptions,
	})
	r.Register(&Table{
		Name:      "page_events",
		Columns:   []string{"name", "ts", "data"},
		Protocols: []types.Protocol{types.ProtoBWP},
		Fetch:     fetchPageEvents,
	})
	r.Register(&Table{
		Name:      "network",
		Columns:   []string{"request_id", "url", "method", "status", "mime_type"},
		Protocols: []types.Protocol{types.ProtoBWP},
		Fetch:     fetchNetwork,
	})
	r.Register(&Table{
		Name:      "ws_frames",
		Columns:   []string{"direction", "opcode", "payload", "ts"},
		Protocols: []types.Protocol{types.ProtoBWP},
		Fetch:     fetchWSFrames,
	})
	r.Register(&Table{
		Name:      "threads",
		Columns:   []string{"id", "name"},
		Protocols: []types.Protocol{types.ProtoNDAP},
		Fetch:     fetchThreads,
	})
	r.Register(&Table{
		Name:      "modules",
		Columns:   []string{"id", "name", "path"},
		Protocols: []types.Protocol{types.ProtoNDAP},
		Fetch:     fetchModules,
	})
	r.Register(&Table{
		Name:      "registers",
		Columns:   []string{"name", "value"},
		Protocols: []types.Protocol{types.ProtoNDAP},
		Fetch:     fetchRegisters,
	})
}

func fetchFrames(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "function", "url", "file", "line", "col", "script_id"}
	st := ex.GetState()
	rows := make([]Row, 0, len(st.CallFrames))
	for _, f := range st.CallFrames {
		rows = append(rows, Row{
			"id": f.ID, "function": f.FunctionName, "url": f.URL,
			"file": f.File, "line": f.Line, "col": f.Col, "script_id": f.ScriptID,
		})
	}
	return cols, rows, nil
}

func fetchScopes(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"frame_id", "type", "object_id", "name"}
	st := ex.GetState()
	var rows []Row
	for _, f := range st.CallFrames {
		for _, s := range f.ScopeChain {
			rows = append(rows, Row{"frame_id": f.ID, "type": s.Type, "object_id": s.ObjectID, "name": s.Name})
		}
	}
	return cols, rows, nil
}

func fetchAsyncFrames(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "function", "file", "line", "parent_id", "description"}
	st := ex.GetState()
	rows := make([]Row, 0, len(st.AsyncStackTrace))
	for _, f := range st.AsyncStackTrace {
		rows = append(rows, Row{
			"id": f.ID, "function": f.FunctionName, "file": f.File,
			"line": f.Line, "parent_id": f.ParentID, "description": f.Description,
		})
	}
	return cols, rows, nil
}

func fetchScripts(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"script_id", "file", "url", "lines", "is_module"}
	st := ex.GetState()
	rows := make([]Row, 0, len(st.Scripts))
	for id, s := range st.Scripts {
		rows = append(rows, Row{
			"script_id": id, "file": s.File, "url": s.URL,
			"lines": s.Lines, "is_module": s.IsModule,
		})
	}
	return cols, rows, nil
}

func fetchBreakpoints(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "file", "line", "condition", "hits", "enabled", "wire_id"}
	st := ex.GetState()
	rows := make([]Row, 0, len(st.BreakpointOrder))
	for _, id := range st.BreakpointOrder {
		b := st.Breakpoints[id]
		rows = append(rows, Row{
			"id": b.ID, "file": b.File, "line": b.Line, "condition": b.Condition,
			"hits": b.Hits, "enabled": b.Enabled, "wire_id": b.WireID,
		})
	}
	return cols, rows, nil
}

func fetchConsole(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"level", "text", "ts"}
	st := ex.GetState()
	rows := make([]Row, 0, len(st.Console))
	for _, c := range st.Console {
		rows = append(rows, Row{"level": c.Level, "text": c.Text, "ts": c.TS})
	}
	return cols, rows, nil
}

func fetchExceptions(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"text", "stack", "ts"}
	st := ex.GetState()
	rows := make([]Row, 0, len(st.Exceptions))
	for _, e := range st.Exceptions {
		rows = append(rows, Row{"text": e.Text, "stack": e.Stack, "ts": e.TS})
	}
	return cols, rows, nil
}

func fetchPageEvents(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"name", "ts", "data"}
	st := ex.GetState()
	if st.BWP == nil {
		return cols, nil, nil
	}
	rows := make([]Row, 0, len(st.BWP.PageEvents))
	for _, e := range st.BWP.PageEvents {
		rows = append(rows, Row{"name": e.Name, "ts": e.TS, "data": e.Data})
	}
	return cols, rows, nil
}

func fetchNetwork(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"request_id", "url", "method", "status", "mime_type"}
	st := ex.GetState()
	if st.BWP == nil {
		return cols, nil, nil
	}
	rows := make([]Row, 0, len(st.BWP.NetworkRequests))
	for _, n := range st.BWP.NetworkRequests {
		rows = append(rows, Row{
			"request_id": n.RequestID, "url": n.URL, "method": n.Method,
			"status": n.Status, "mime_type": n.MimeType,
		})
	}
	return cols, rows, nil
}

func fetchWSFrames(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"direction", "opcode", "payload", "ts"}
	st := ex.GetState()
	if st.BWP == nil {
		return cols, nil, nil
	}
	rows := make([]Row, 0, len(st.BWP.WSFrames))
	for _, f := range st.BWP.WSFrames {
		rows = append(rows, Row{"direction": f.Direction, "opcode": f.Opcode, "payload": f.Payload, "ts": f.TS})
	}
	return cols, rows, nil
}

func fetchThreads(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "name"}
	st := ex.GetState()
	if st.NDAP == nil {
		return cols, nil, nil
	}
	rows := make([]Row, 0, len(st.NDAP.ActiveThreads))
	for _, t := range st.NDAP.ActiveThreads {
		rows = append(rows, Row{"id": t.ID, "name": t.Name})
	}
	return cols, rows, nil
}

func fetchModules(_ context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "name", "path"}
	st := ex.GetState()
	if st.NDAP == nil {
		return cols, nil, nil
	}
	rows := make([]Row, 0, len(st.NDAP.Modules))
	for _, m := range st.NDAP.Modules {
		rows = append(rows, Row{"id": m.ID, "name": m.Name, "path": m.Path})
	}
	return cols, rows, nil
}

// fetchRegisters prefers the cached ndap.registers snapshot and only falls
// back to a live protocol request when the cache is empty (spec §4.5).
func fetchRegisters(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"name", "value"}
	st := ex.GetState()
	if st.NDAP != nil && len(st.NDAP.Registers) > 0 {
		rows := make([]Row, 0, len(st.NDAP.Registers))
		for _, reg := range st.NDAP.Registers {
			rows = append(rows, Row{"name": reg.Name, "value": reg.Value})
		}
		return cols, rows, nil
	}

	data, err := ex.Send(ctx, "registers", nil, 0)
	if err != nil {
		return cols, nil, nil
	}
	regs, err := decodeRegisters(data)
	if err != nil {
		return cols, nil, nil
	}
	rows := make([]Row, 0, len(regs))
	for _, reg := range regs {
		rows = append(rows, Row{"name": reg.Name, "value": reg.Value})
	}
	return cols, rows, nil
}
