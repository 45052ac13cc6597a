package vtable

import (
	"strconv"

	"github.com/douglance/dbg-sub001/internal/types"
)

// EqFilter walks where (through AND/Paren, never OR) looking for an
// equality comparison against col and returns its literal value. Used by
// table-specific contracts that require a particular filter column, e.g.
// `memory`'s address=/length= and `source`'s script_id= (spec §4.5).
func EqFilter(where *types.Expr, col string) (types.Literal, bool) {
	var found types.Literal
	var ok bool
	var walk func(e *types.Expr)
	walk = func(e *types.Expr) {
		if e == nil || ok {
			return
		}
		switch e.Kind {
		case types.ExprParen:
			walk(e.Inner)
		case types.ExprAnd:
			walk(e.L)
			walk(e.R)
		case types.ExprComparison:
			if e.CmpOp == types.OpEq && e.Col == col {
				found = e.Literal
				ok = true
			}
		}
	}
	walk(where)
	return found, ok
}

// ColumnComparison walks where (through AND/Paren, never OR) looking for
// any comparison against col and returns its operator and literal value.
// Used where a filter may be bound by more than one operator, e.g.
// `source`'s file=/file LIKE resolution against DebuggerState.Scripts
// (spec §4.5).
func ColumnComparison(where *types.Expr, col string) (types.Op, types.Literal, bool) {
	var foundOp types.Op
	var found types.Literal
	var ok bool
	var walk func(e *types.Expr)
	walk = func(e *types.Expr) {
		if e == nil || ok {
			return
		}
		switch e.Kind {
		case types.ExprParen:
			walk(e.Inner)
		case types.ExprAnd:
			walk(e.L)
			walk(e.R)
		case types.ExprComparison:
			if e.Col == col {
				foundOp = e.CmpOp
				found = e.Literal
				ok = true
			}
		}
	}
	walk(where)
	return foundOp, found, ok
}

// StringLiteral returns lit's value as a string regardless of whether it
// was parsed as a quoted string or a bare number.
func StringLiteral(lit types.Literal) string {
	if lit.IsString {
		return lit.Str
	}
	return formatNum(lit.Num)
}

func formatNum(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
