// Package queryparser implements the LL(1) hand-written tokenizer and
// recursive-descent parser for the daemon's SQL subset (spec §4.1):
//
//	SELECT <cols> FROM <table> [WHERE <expr>] [ORDER BY <col> [ASC|DESC]] [LIMIT <n>]
//
// The parser is pure and deterministic: same input, same AST or same
// error, every time.
package queryparser

import (
	"fmt"
	"strconv"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/types"
)

// parser walks a token stream with one token of lookahead.
type parser struct {
	lx   *lexer
	tok  Token
	errd error
}

// Parse parses a single SELECT statement into a Query AST. On a malformed
// query it returns an *errs.Error with Code errs.CodeParse, whose Message
// names the character offset and the offending token text.
func Parse(input string) (*types.Query, error) {
	p := &parser{lx: newLexer(input)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	if p.tok.Kind != TokEOF {
		return nil, p.parseErr("unexpected trailing input")
	}
	return q, nil
}

func (p *parser) advance() error {
	t, err := p.lx.next()
	if err != nil {
		if le, ok := err.(*lexError); ok {
			return errs.New(errs.CodeParse, "at offset %d: %s", le.offset, le.msg)
		}
		return errs.New(errs.CodeParse, "%v", err)
	}
	p.tok = t
	return nil
}

func (p *parser) parseErr(msg string) error {
	text := p.tok.Text
	if p.tok.Kind == TokEOF {
		text = "<eof>"
	}
	return errs.New(errs.CodeParse, "at offset %d near %q: %s", p.tok.Offset, text, msg)
}

func (p *parser) expectKeyword(kw string) error {
	if p.tok.Kind != TokKeyword || p.tok.Text != kw {
		return p.parseErr(fmt.Sprintf("expected %s", kw))
	}
	return p.advance()
}

func (p *parser) parseQuery() (*types.Query, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	cols, err := p.parseColumns()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	if p.tok.Kind != TokIdent {
		return nil, p.parseErr("expected table name")
	}
	table := p.tok.Text
	if err := p.advance(); err != nil {
		return nil, err
	}

	q := &types.Query{Columns: cols, Table: table}

	if p.tok.Kind == TokKeyword && p.tok.Text == "WHERE" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		q.Where = expr
	}

	if p.tok.Kind == TokKeyword && p.tok.Text == "ORDER" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		if p.tok.Kind != TokIdent {
			return nil, p.parseErr("expected column name after ORDER BY")
		}
		ob := &types.OrderBy{Column: p.tok.Text, Dir: types.DirAsc}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.Kind == TokKeyword && (p.tok.Text == "ASC" || p.tok.Text == "DESC") {
			if p.tok.Text == "DESC" {
				ob.Dir = types.DirDesc
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		q.OrderBy = ob
	}

	if p.tok.Kind == TokKeyword && p.tok.Text == "LIMIT" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.Kind != TokNumber {
			return nil, p.parseErr("expected integer after LIMIT")
		}
		n, err := strconv.Atoi(p.tok.Text)
		if err != nil {
			return nil, p.parseErr("invalid LIMIT value")
		}
		q.Limit = &n
		if err := p.advance(); err != nil {
			return nil, err
		}
	}

	return q, nil
}

func (p *parser) parseColumns() ([]string, error) {
	if p.tok.Kind == TokStar {
		if err := p.advance(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	var cols []string
	for {
		if p.tok.Kind != TokIdent {
			return nil, p.parseErr("expected column name")
		}
		cols = append(cols, p.tok.Text)
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.Kind != TokComma {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return cols, nil
}

// parseOr : parseAnd (OR parseAnd)*  — OR binds loosest.
func (p *parser) parseOr() (*types.Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.Kind == TokKeyword && p.tok.Text == "OR" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &types.Expr{Kind: types.ExprOr, L: left, R: right}
	}
	return left, nil
}

// parseAnd : parseUnary (AND parseUnary)*
func (p *parser) parseAnd() (*types.Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.Kind == TokKeyword && p.tok.Text == "AND" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &types.Expr{Kind: types.ExprAnd, L: left, R: right}
	}
	return left, nil
}

// parseUnary : '(' parseOr ')' | comparison
func (p *parser) parseUnary() (*types.Expr, error) {
	if p.tok.Kind == TokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.Kind != TokRParen {
			return nil, p.parseErr("expected )")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &types.Expr{Kind: types.ExprParen, Inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (*types.Expr, error) {
	if p.tok.Kind != TokIdent {
		return nil, p.parseErr("expected column name")
	}
	col := p.tok.Text
	if err := p.advance(); err != nil {
		return nil, err
	}

	var op types.Op
	switch {
	case p.tok.Kind == TokOp:
		op = types.Op(p.tok.Text)
	case p.tok.Kind == TokKeyword && p.tok.Text == "LIKE":
		op = types.OpLike
	default:
		return nil, p.parseErr("expected comparison operator")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}

	return &types.Expr{Kind: types.ExprComparison, Col: col, CmpOp: op, Literal: lit}, nil
}

func (p *parser) parseLiteral() (types.Literal, error) {
	switch p.tok.Kind {
	case TokString:
		lit := types.Literal{IsString: true, Str: p.tok.Text}
		return lit, p.advance()
	case TokNumber:
		n, err := strconv.ParseFloat(p.tok.Text, 64)
		if err != nil {
			return types.Literal{}, p.parseErr("invalid numeric literal")
		}
		lit := types.Literal{Num: n}
		return lit, p.advance()
	default:
		return types.Literal{}, p.parseErr("expected literal")
	}
}
