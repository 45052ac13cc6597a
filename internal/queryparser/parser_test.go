package queryparser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/types"
)

func TestParseStar(t *testing.T) {
	q, err := Parse("SELECT * FROM breakpoints")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !q.IsStar() {
		t.Fatalf("expected star projection, got %v", q.Columns)
	}
	if q.Table != "breakpoints" {
		t.Fatalf("table = %q, want breakpoints", q.Table)
	}
}

func TestParseColumns(t *testing.T) {
	q, err := Parse("SELECT id, ts, method FROM events")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	assert.Equal(t, []string{"id", "ts", "method"}, q.Columns)
}

func TestParseWhereAndOrPrecedence(t *testing.T) {
	q, err := Parse("SELECT * FROM events WHERE category = 'net' AND method = 'a' OR category = 'dom'")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Where.Kind != types.ExprOr {
		t.Fatalf("top-level expr kind = %v, want ExprOr", q.Where.Kind)
	}
	if q.Where.L.Kind != types.ExprAnd {
		t.Fatalf("left of OR = %v, want ExprAnd", q.Where.L.Kind)
	}
}

func TestParseParenGroup(t *testing.T) {
	q, err := Parse("SELECT * FROM events WHERE (category = 'net' OR category = 'dom') AND session_id = 'x'")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Where.Kind != types.ExprAnd {
		t.Fatalf("top-level expr kind = %v, want ExprAnd", q.Where.Kind)
	}
	if q.Where.L.Kind != types.ExprParen {
		t.Fatalf("left of AND = %v, want ExprParen", q.Where.L.Kind)
	}
}

func TestParseOrderByLimit(t *testing.T) {
	q, err := Parse("SELECT * FROM events ORDER BY ts DESC LIMIT 10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.OrderBy == nil || q.OrderBy.Column != "ts" || q.OrderBy.Dir != types.DirDesc {
		t.Fatalf("orderBy = %+v, want ts DESC", q.OrderBy)
	}
	if q.Limit == nil || *q.Limit != 10 {
		t.Fatalf("limit = %v, want 10", q.Limit)
	}
}

func TestParseOrderByDefaultAsc(t *testing.T) {
	q, err := Parse("SELECT * FROM events ORDER BY id")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.OrderBy.Dir != types.DirAsc {
		t.Fatalf("default order dir = %v, want ASC", q.OrderBy.Dir)
	}
}

func TestParseLikeOperator(t *testing.T) {
	q, err := Parse("SELECT * FROM events WHERE method LIKE 'Debugger.%'")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Where.CmpOp != types.OpLike {
		t.Fatalf("op = %v, want LIKE", q.Where.CmpOp)
	}
}

func TestParseTrailingGarbageIsError(t *testing.T) {
	_, err := Parse("SELECT * FROM events garbage")
	if err == nil {
		t.Fatal("expected error on trailing input")
	}
	if !errs.Is(err, errs.CodeParse) {
		t.Fatalf("expected CodeParse, got %v", err)
	}
}

func TestParseMissingFromIsError(t *testing.T) {
	_, err := Parse("SELECT *")
	if err == nil {
		t.Fatal("expected error for missing FROM")
	}
}

func TestParseUnterminatedParen(t *testing.T) {
	_, err := Parse("SELECT * FROM events WHERE (a = '1'")
	if err == nil {
		t.Fatal("expected error for unterminated paren")
	}
}
