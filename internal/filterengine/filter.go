// Package filterengine applies a parsed WHERE expression, ORDER BY, LIMIT,
// and column projection over a fetched row set (spec §4.2). Rows are
// represented as maps from column name to value so that a missing-column
// reference can be treated uniformly as NULL during filtering.
package filterengine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/types"
)

// Row is one fetched record, keyed by column name.
type Row map[string]interface{}

// Apply runs WHERE, then ORDER BY, then LIMIT, then projection, over rows,
// given the full set of columns the table fetch produced. It returns the
// projected column list and the resulting rows as ordered value slices
// matching that column list.
func Apply(fetchedColumns []string, rows []Row, q *types.Query) (columns []string, out [][]interface{}, err error) {
	filtered := make([]Row, 0, len(rows))
	for _, r := range rows {
		ok, err := Eval(r, q.Where)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			filtered = append(filtered, r)
		}
	}

	if q.OrderBy != nil {
		filtered = orderBy(fetchedColumns, filtered, q.OrderBy)
	}

	if q.Limit != nil && *q.Limit >= 0 && *q.Limit < len(filtered) {
		filtered = filtered[:*q.Limit]
	}

	projCols := fetchedColumns
	if !q.IsStar() {
		for _, c := range q.Columns {
			if !contains(fetchedColumns, c) {
				return nil, nil, errs.New(errs.CodeUnknownColumn, "unknown column %q for table %q", c, q.Table)
			}
		}
		projCols = q.Columns
	}

	out = make([][]interface{}, 0, len(filtered))
	for _, r := range filtered {
		rowOut := make([]interface{}, len(projCols))
		for i, c := range projCols {
			rowOut[i] = r[c] // nil if absent, matching TSV/JSON null rendering
		}
		out = append(out, rowOut)
	}
	return projCols, out, nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// orderBy sorts rows by column e.Column; an unknown column is a no-op,
// leaving rows in source order (spec §4.2, open question resolved in favor
// of no-op).
func orderBy(fetchedColumns []string, rows []Row, ob *types.OrderBy) []Row {
	if !contains(fetchedColumns, ob.Column) {
		return rows
	}
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		less := compareValues(sorted[i][ob.Column], sorted[j][ob.Column])
		if ob.Dir == types.DirDesc {
			return less > 0
		}
		return less < 0
	})
	return sorted
}

// compareValues returns <0, 0, >0 comparing a and b, treating nil as less
// than any non-nil value and comparing numerically when both sides parse
// as numbers, falling back to string comparison otherwise.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Eval evaluates e against row r, short-circuiting AND/OR. A nil expression
// (no WHERE clause) matches every row.
func Eval(r Row, e *types.Expr) (bool, error) {
	if e == nil {
		return true, nil
	}
	switch e.Kind {
	case types.ExprParen:
		return Eval(r, e.Inner)
	case types.ExprAnd:
		l, err := Eval(r, e.L)
		if err != nil || !l {
			return false, err
		}
		return Eval(r, e.R)
	case types.ExprOr:
		l, err := Eval(r, e.L)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return Eval(r, e.R)
	case types.ExprComparison:
		return evalComparison(r, e)
	default:
		return false, fmt.Errorf("filterengine: unknown expression kind %d", e.Kind)
	}
}

// evalComparison evaluates a single Col op Literal comparison. A missing
// column is treated as NULL and never satisfies any comparison (spec
// §4.2).
func evalComparison(r Row, e *types.Expr) (bool, error) {
	val, present := r[e.Col]
	if !present || val == nil {
		return false, nil
	}

	if e.CmpOp == types.OpLike {
		s, ok := val.(string)
		if !ok {
			s = fmt.Sprint(val)
		}
		return matchLike(s, e.Literal.Str), nil
	}

	if e.Literal.IsString {
		s, ok := val.(string)
		if !ok {
			s = fmt.Sprint(val)
		}
		return compareOp(strings.Compare(s, e.Literal.Str), e.CmpOp), nil
	}

	f, ok := toFloat(val)
	if !ok {
		return false, nil
	}
	switch {
	case f < e.Literal.Num:
		return compareOp(-1, e.CmpOp), nil
	case f > e.Literal.Num:
		return compareOp(1, e.CmpOp), nil
	default:
		return compareOp(0, e.CmpOp), nil
	}
}

func compareOp(cmp int, op types.Op) bool {
	switch op {
	case types.OpEq:
		return cmp == 0
	case types.OpNeq:
		return cmp != 0
	case types.OpLt:
		return cmp < 0
	case types.OpLte:
		return cmp <= 0
	case types.OpGt:
		return cmp > 0
	case types.OpGte:
		return cmp >= 0
	default:
		return false
	}
}
