package filterengine

import (
	"testing"

	"github.com/douglance/dbg-sub001/internal/types"
)

func eq(col string, lit types.Literal, op types.Op) *types.Expr {
	return &types.Expr{Kind: types.ExprComparison, Col: col, CmpOp: op, Literal: lit}
}

func strLit(s string) types.Literal { return types.Literal{IsString: true, Str: s} }
func numLit(n float64) types.Literal { return types.Literal{Num: n} }

func TestEvalComparisonOperators(t *testing.T) {
	row := Row{"n": 5.0}
	cases := []struct {
		op   types.Op
		want bool
	}{
		{types.OpEq, false},
		{types.OpNeq, true},
		{types.OpLt, false},
		{types.OpLte, false},
		{types.OpGt, true},
		{types.OpGte, true},
	}
	for _, c := range cases {
		got, err := Eval(row, eq("n", numLit(3), c.op))
		if err != nil {
			t.Fatalf("op %v: %v", c.op, err)
		}
		if got != c.want {
			t.Errorf("op %v: got %v, want %v", c.op, got, c.want)
		}
	}
}

func TestEvalMissingColumnIsNull(t *testing.T) {
	row := Row{"other": "x"}
	got, err := Eval(row, eq("missing", strLit("x"), types.OpEq))
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if got {
		t.Fatal("missing column should never satisfy a comparison")
	}
}

func TestEvalAndOrShortCircuit(t *testing.T) {
	row := Row{"a": "1", "b": "2"}
	and := &types.Expr{Kind: types.ExprAnd, L: eq("a", strLit("1"), types.OpEq), R: eq("b", strLit("9"), types.OpEq)}
	if got, _ := Eval(row, and); got {
		t.Fatal("AND with one false side should be false")
	}
	or := &types.Expr{Kind: types.ExprOr, L: eq("a", strLit("1"), types.OpEq), R: eq("b", strLit("9"), types.OpEq)}
	if got, _ := Eval(row, or); !got {
		t.Fatal("OR with one true side should be true")
	}
}

func TestEvalNilExprMatchesEverything(t *testing.T) {
	got, err := Eval(Row{}, nil)
	if err != nil || !got {
		t.Fatalf("nil expr should match unconditionally, got %v, %v", got, err)
	}
}

func TestLikePattern(t *testing.T) {
	row := Row{"method": "Debugger.paused"}
	got, err := Eval(row, eq("method", strLit("Debugger.%"), types.OpLike))
	if err != nil || !got {
		t.Fatalf("expected LIKE match, got %v, %v", got, err)
	}
}

func TestLikeMetacharactersAreLiteral(t *testing.T) {
	re, err := LikeToRegexp("a.b")
	if err != nil {
		t.Fatalf("LikeToRegexp: %v", err)
	}
	if re.MatchString("aXb") {
		t.Fatal("'.' in a LIKE pattern must match literally, not as any-char")
	}
	if !re.MatchString("a.b") {
		t.Fatal("'.' in a LIKE pattern must match the literal dot")
	}
}

func TestApplyProjectionOrderLimit(t *testing.T) {
	rows := []Row{
		{"id": 1.0, "ts": 30.0},
		{"id": 2.0, "ts": 10.0},
		{"id": 3.0, "ts": 20.0},
	}
	q := &types.Query{
		Columns: []string{"id"},
		Table:   "events",
		OrderBy: &types.OrderBy{Column: "ts", Dir: types.DirAsc},
		Limit:   intPtr(2),
	}
	cols, out, err := Apply([]string{"id", "ts"}, rows, q)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(cols) != 1 || cols[0] != "id" {
		t.Fatalf("projected columns = %v, want [id]", cols)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0][0] != 2.0 || out[1][0] != 3.0 {
		t.Fatalf("rows not ordered by ts ascending: %v", out)
	}
}

func TestApplyUnknownColumnIsError(t *testing.T) {
	q := &types.Query{Columns: []string{"nope"}, Table: "events"}
	_, _, err := Apply([]string{"id"}, []Row{{"id": 1.0}}, q)
	if err == nil {
		t.Fatal("expected error projecting an unknown column")
	}
}

func intPtr(n int) *int { return &n }
