package vtable

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/types"
)

type fakeExecutor struct {
	protocol types.Protocol
	caps     types.Capabilities
	state    *types.DebuggerState
}

func (f *fakeExecutor) Send(ctx context.Context, method string, params interface{}, timeoutMs int) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeExecutor) GetState() *types.DebuggerState   { return f.state }
func (f *fakeExecutor) GetStore() types.EventStore       { return nil }
func (f *fakeExecutor) Protocol() types.Protocol         { return f.protocol }
func (f *fakeExecutor) Capabilities() types.Capabilities { return f.caps }

func newFakeExecutor(p types.Protocol) *fakeExecutor {
	return &fakeExecutor{protocol: p, caps: types.CapabilitiesFor(p), state: types.NewDebuggerState(p)}
}

func fixedFetch(cols []string, rows []Row) FetchFunc {
	return func(ctx context.Context, where *types.Expr, ex types.Executor) ([]string, []Row, error) {
		return cols, rows, nil
	}
}

func TestDispatchProjectsFilteredRows(t *testing.T) {
	r := NewRegistry()
	r.Register(&Table{
		Name:    "breakpoints",
		Columns: []string{"id", "file"},
		Fetch: fixedFetch([]string{"id", "file"}, []Row{
			{"id": "1", "file": "a.js"},
			{"id": "2", "file": "b.js"},
		}),
	})

	result, err := Dispatch(context.Background(), "SELECT id FROM breakpoints WHERE file = 'a.js'", r, newFakeExecutor(types.ProtoNDAP))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(result.Columns) != 1 || result.Columns[0] != "id" {
		t.Fatalf("columns = %v, want [id]", result.Columns)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != "1" {
		t.Fatalf("rows = %v, want a single row with id=1", result.Rows)
	}
	if result.Format != FormatTSV {
		t.Fatalf("format = %v, want tsv", result.Format)
	}
}

func TestDispatchJSONSuffixSelectsFormat(t *testing.T) {
	r := NewRegistry()
	r.Register(&Table{Name: "breakpoints", Columns: []string{"id"}, Fetch: fixedFetch([]string{"id"}, nil)})

	result, err := Dispatch(context.Background(), `SELECT * FROM breakpoints\j`, r, newFakeExecutor(types.ProtoNDAP))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Format != FormatJSON {
		t.Fatalf("format = %v, want json", result.Format)
	}
}

func TestDispatchRequiredFilterMissingIsError(t *testing.T) {
	r := NewRegistry()
	r.Register(&Table{
		Name:            "source",
		Columns:         []string{"script_id", "text"},
		RequiredFilters: []string{"script_id"},
		Fetch:           fixedFetch([]string{"script_id", "text"}, nil),
	})

	_, err := Dispatch(context.Background(), "SELECT * FROM source", r, newFakeExecutor(types.ProtoNDAP))
	if !errs.Is(err, errs.CodeRequiredFilter) {
		t.Fatalf("expected ErrRequiredFilter, got %v", err)
	}
}

func TestDispatchRequiredFilterInsideORDoesNotCount(t *testing.T) {
	r := NewRegistry()
	r.Register(&Table{
		Name:            "source",
		Columns:         []string{"script_id", "text"},
		RequiredFilters: []string{"script_id"},
		Fetch:           fixedFetch([]string{"script_id", "text"}, nil),
	})

	_, err := Dispatch(context.Background(), "SELECT * FROM source WHERE script_id = 'x' OR text = 'y'", r, newFakeExecutor(types.ProtoNDAP))
	if !errs.Is(err, errs.CodeRequiredFilter) {
		t.Fatalf("expected ErrRequiredFilter for an OR-gated filter, got %v", err)
	}
}

func TestDispatchRequiredFilterInsideANDSatisfies(t *testing.T) {
	r := NewRegistry()
	r.Register(&Table{
		Name:            "source",
		Columns:         []string{"script_id", "text"},
		RequiredFilters: []string{"script_id"},
		Fetch:           fixedFetch([]string{"script_id", "text"}, []Row{{"script_id": "x", "text": "y"}}),
	})

	_, err := Dispatch(context.Background(), "SELECT * FROM source WHERE script_id = 'x' AND text = 'y'", r, newFakeExecutor(types.ProtoNDAP))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestDispatchUnknownTableIsError(t *testing.T) {
	r := NewRegistry()
	_, err := Dispatch(context.Background(), "SELECT * FROM nope", r, newFakeExecutor(types.ProtoNDAP))
	if !errs.Is(err, errs.CodeUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}
