package types

// Op is a comparison operator in a WHERE expression.
type Op string

const (
	OpEq   Op = "="
	OpNeq  Op = "!="
	OpLt   Op = "<"
	OpLte  Op = "<="
	OpGt   Op = ">"
	OpGte  Op = ">="
	OpLike Op = "LIKE"
)

// Dir is an ORDER BY direction.
type Dir string

const (
	DirAsc  Dir = "ASC"
	DirDesc Dir = "DESC"
)

// Literal is a parsed literal value: either a string or a float64 (decimal
// integers and numbers with a decimal point both parse as Num).
type Literal struct {
	IsString bool
	Str      string
	Num      float64
}

// Expr is a WHERE expression node. Exactly one of the embedded fields is
// non-nil/zero per node; Kind disambiguates.
type Expr struct {
	Kind ExprKind

	// Comparison
	Col     string
	CmpOp   Op
	Literal Literal

	// And / Or
	L, R *Expr

	// Paren
	Inner *Expr
}

// ExprKind discriminates the Expr variant.
type ExprKind int

const (
	ExprComparison ExprKind = iota
	ExprAnd
	ExprOr
	ExprParen
)

// OrderBy is the optional ORDER BY clause of a Query.
type OrderBy struct {
	Column string
	Dir    Dir
}

// Query is the parsed AST of a SELECT statement (spec §3, §4.1).
type Query struct {
	Columns []string // nil means "*"
	Table   string
	Where   *Expr
	OrderBy *OrderBy
	Limit   *int
}

// IsStar reports whether the query projects all columns.
func (q *Query) IsStar() bool { return q.Columns == nil }
