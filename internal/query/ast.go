// Package query implements the structured query surface: a SQL-like
// statement language parsed into an AST, translated predicate by predicate
// into the search engine's native syntax, executed against the index and
// made authoritative against the content store and the permission model.
package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// ErrInvalidQuery is returned for statements that do not parse or that
// reference unknown or non-queryable types and columns.
var ErrInvalidQuery = errors.New("invalid query statement")

var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Keyword", Pattern: `(?i)\b(SELECT|FROM|WHERE|ORDER|BY|ASC|DESC|AND|OR|NOT|IN_FOLDER|IN_TREE|IN|LIKE|IS|NULL|ANY|CONTAINS|TIMESTAMP|TRUE|FALSE)\b`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_:.]*`},
	{Name: "Number", Pattern: `[-+]?\d+(\.\d+)?`},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "Operator", Pattern: `<>|<=|>=|=|<|>`},
	{Name: "Punct", Pattern: `[(),*]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var statementParser = participle.MustBuild[Statement](
	participle.Lexer(sqlLexer),
	participle.CaseInsensitive("Keyword"),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

// Parse turns one statement into its AST. Syntax failures wrap
// ErrInvalidQuery.
func Parse(statement string) (*Statement, error) {
	stmt, err := statementParser.ParseString("", statement)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return stmt, nil
}

// Statement is SELECT <list> FROM <type> [WHERE <expr>] [ORDER BY <specs>].
type Statement struct {
	Select  *SelectList `"SELECT" @@`
	From    string      `"FROM" @Ident`
	Where   *Expr       `("WHERE" @@)?`
	OrderBy []*SortSpec `("ORDER" "BY" @@ ("," @@)*)?`
}

// SelectList is either * or an explicit column list.
type SelectList struct {
	Star    bool     `  @"*"`
	Columns []string `| @Ident ("," @Ident)*`
}

// SortSpec is one ORDER BY key. Ascending when DESC is absent.
type SortSpec struct {
	Column string `@Ident`
	Desc   bool   `(@"DESC" | "ASC")?`
}

// Expr is a disjunction of conjunctions; OR binds loosest.
type Expr struct {
	First *AndExpr   `@@`
	Rest  []*AndExpr `("OR" @@)*`
}

type AndExpr struct {
	First *NotExpr   `@@`
	Rest  []*NotExpr `("AND" @@)*`
}

type NotExpr struct {
	Not  bool       `@"NOT"?`
	Pred *Predicate `@@`
}

// Predicate is one atomic condition or a parenthesized subexpression.
type Predicate struct {
	Paren    *Expr       `  "(" @@ ")"`
	Contains *Contains   `| @@`
	Folder   *FolderPred `| @@`
	Any      *AnyPred    `| @@`
	Cond     *Condition  `| @@`
}

// Contains is the full-text predicate CONTAINS('terms').
type Contains struct {
	Text *StringLit `"CONTAINS" "(" @String ")"`
}

// FolderPred is IN_FOLDER('id') or IN_TREE('id').
type FolderPred struct {
	Tree     bool       `(@"IN_TREE" | "IN_FOLDER")`
	FolderID *StringLit `"(" @String ")"`
}

// AnyPred is the multi-value quantifier ANY <col> IN (v, ...): true when
// any element of the column's value list matches.
type AnyPred struct {
	Column string     `"ANY" @Ident "IN"`
	Values []*Literal `"(" @@ ("," @@)* ")"`
}

type Condition struct {
	Column string    `@Ident`
	Tail   *CondTail `@@`
}

type CondTail struct {
	Compare *CompareTail `  @@`
	In      *InTail      `| @@`
	Like    *LikeTail    `| @@`
	Null    *NullTail    `| @@`
}

type CompareTail struct {
	Op    string   `@Operator`
	Value *Literal `@@`
}

type InTail struct {
	Not    bool       `@"NOT"? "IN"`
	Values []*Literal `"(" @@ ("," @@)* ")"`
}

type LikeTail struct {
	Not     bool       `@"NOT"? "LIKE"`
	Pattern *StringLit `@String`
}

type NullTail struct {
	NotNull bool `"IS" @"NOT"? "NULL"`
}

// StringLit is a quoted SQL string. The token keeps its quotes; Value
// strips them and collapses the '' escape.
type StringLit string

// Value returns the literal's unquoted text.
func (s StringLit) Value() string {
	raw := string(s)
	if len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'' {
		raw = raw[1 : len(raw)-1]
	}
	return strings.ReplaceAll(raw, "''", "'")
}

// Literal is one typed scalar value.
type Literal struct {
	Timestamp *StringLit `  "TIMESTAMP" @String`
	Str       *StringLit `| @String`
	Num       *float64   `| @Number`
	Bool      *string    `| @("TRUE" | "FALSE")`
}

// Raw returns the literal's canonical unquoted text form, the input to
// native-syntax escaping.
func (l *Literal) Raw() string {
	switch {
	case l.Timestamp != nil:
		return l.Timestamp.Value()
	case l.Str != nil:
		return l.Str.Value()
	case l.Num != nil:
		return strconv.FormatFloat(*l.Num, 'f', -1, 64)
	case l.Bool != nil:
		return strings.ToLower(*l.Bool)
	}
	return ""
}
