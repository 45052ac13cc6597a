package vtable

import (
	"context"
	"strings"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/filterengine"
	"github.com/douglance/dbg-sub001/internal/queryparser"
	"github.com/douglance/dbg-sub001/internal/types"
)

// Format is the output encoding selected by a trailing `\j` on the raw
// query string (spec §4.4 step 1, §6).
type Format string

const (
	FormatTSV  Format = "tsv"
	FormatJSON Format = "json"
)

// Result is the outcome of a successful Dispatch.
type Result struct {
	Columns []string
	Rows    [][]interface{}
	Format  Format
}

const jsonSuffix = `\j`

// Dispatch runs the full query pipeline (spec §4.4): strip the `\j`
// suffix, parse, resolve the table for the executor's protocol, check
// required filters, fetch, then filter/order/limit/project.
func Dispatch(ctx context.Context, raw string, reg *Registry, ex types.Executor) (*Result, error) {
	trimmed := strings.TrimSpace(raw)
	format := FormatTSV
	if strings.HasSuffix(trimmed, jsonSuffix) {
		format = FormatJSON
		trimmed = strings.TrimSuffix(trimmed, jsonSuffix)
	}

	q, err := queryparser.Parse(trimmed)
	if err != nil {
		return nil, err
	}

	table, err := reg.Lookup(q.Table, ex.Protocol())
	if err != nil {
		return nil, err
	}

	if len(table.RequiredFilters) > 0 {
		if err := checkRequiredFilters(table, q.Where); err != nil {
			return nil, err
		}
	}

	fetchedCols, rows, err := table.Fetch(ctx, q.Where, ex)
	if err != nil {
		return nil, err
	}

	ferows := make([]filterengine.Row, len(rows))
	for i, r := range rows {
		ferows[i] = filterengine.Row(r)
	}

	cols, out, err := filterengine.Apply(fetchedCols, ferows, q)
	if err != nil {
		return nil, err
	}

	return &Result{Columns: cols, Rows: out, Format: format}, nil
}

// checkRequiredFilters verifies that every column named in
// table.RequiredFilters appears in where under an equality comparison,
// walking through AND/Paren only — an OR branch never satisfies a
// required filter, since the column might not be bound on every row the
// query could match (spec §4.4 step 4, §8 "required-filter gating").
func checkRequiredFilters(table *Table, where *types.Expr) error {
	bound := collectEqualityColumns(where)
	for _, col := range table.RequiredFilters {
		if !bound[col] {
			return errs.New(errs.CodeRequiredFilter, "table %q requires filter %q", table.Name, col)
		}
	}
	return nil
}

func collectEqualityColumns(e *types.Expr) map[string]bool {
	bound := make(map[string]bool)
	var walk func(e *types.Expr)
	walk = func(e *types.Expr) {
		if e == nil {
			return
		}
		switch e.Kind {
		case types.ExprParen:
			walk(e.Inner)
		case types.ExprAnd:
			walk(e.L)
			walk(e.R)
		case types.ExprOr:
			// OR branches never count: a column bound only under OR might
			// not be bound for every matching row.
		case types.ExprComparison:
			if e.CmpOp == types.OpEq {
				bound[e.Col] = true
			}
		}
	}
	walk(e)
	return bound
}
