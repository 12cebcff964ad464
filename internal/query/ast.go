// Package query implements the small filter-expression language
// supplemented from original_source/'s query/ast.rs + query/parser.rs: the
// predicate evaluator behind the hybrid engine's Find(collection, filter)
// and the protocol's Query/Scan opcodes. It is deliberately not the full
// aggregation pipeline DSL spec.md names out of scope — just field-op-value
// comparisons composed with AND/OR.
package query

import (
	"fmt"

	"github.com/evalgo/veddb/internal/document"
)

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn
	OpExists
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpNe:
		return "ne"
	case OpGt:
		return "gt"
	case OpGte:
		return "gte"
	case OpLt:
		return "lt"
	case OpLte:
		return "lte"
	case OpIn:
		return "in"
	case OpExists:
		return "exists"
	default:
		return "unknown"
	}
}

// Expr is a filter expression: either a leaf Compare or a boolean
// combination of sub-expressions.
type Expr interface {
	isExpr()
}

// Compare is a leaf predicate: field path `op` value.
type Compare struct {
	Field string
	Op    Op
	Value document.Value
	Set   []document.Value // populated for OpIn
}

func (Compare) isExpr() {}

// And requires every sub-expression to match.
type And struct{ Exprs []Expr }

func (And) isExpr() {}

// Or requires at least one sub-expression to match.
type Or struct{ Exprs []Expr }

func (Or) isExpr() {}

// Not negates a sub-expression.
type Not struct{ Expr Expr }

func (Not) isExpr() {}

// Eval evaluates expr against doc's field path navigation.
func Eval(expr Expr, doc *document.Document) bool {
	switch e := expr.(type) {
	case Compare:
		return evalCompare(e, doc)
	case And:
		for _, sub := range e.Exprs {
			if !Eval(sub, doc) {
				return false
			}
		}
		return true
	case Or:
		for _, sub := range e.Exprs {
			if Eval(sub, doc) {
				return true
			}
		}
		return false
	case Not:
		return !Eval(e.Expr, doc)
	default:
		return false
	}
}

func evalCompare(c Compare, doc *document.Document) bool {
	v, ok := doc.GetPath(c.Field)
	if c.Op == OpExists {
		return ok == (c.Value.Kind != document.KindBool || c.Value.Bool)
	}
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return equal(v, c.Value)
	case OpNe:
		return !equal(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compareOrdered(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		}
	case OpIn:
		for _, want := range c.Set {
			if equal(v, want) {
				return true
			}
		}
		return false
	}
	return false
}

func equal(a, b document.Value) bool {
	if a.Kind != b.Kind {
		if n1, ok1 := numeric(a); ok1 {
			if n2, ok2 := numeric(b); ok2 {
				return n1 == n2
			}
		}
		return false
	}
	switch a.Kind {
	case document.KindNull:
		return true
	case document.KindBool:
		return a.Bool == b.Bool
	case document.KindInt32:
		return a.Int32 == b.Int32
	case document.KindInt64:
		return a.Int64 == b.Int64
	case document.KindFloat64:
		return a.Float64 == b.Float64
	case document.KindString:
		return a.Str == b.Str
	case document.KindBinary:
		return string(a.Bin) == string(b.Bin)
	case document.KindDateTime:
		return a.DateTime.Equal(b.DateTime)
	case document.KindObjectID:
		return a.ObjectID == b.ObjectID
	default:
		return false
	}
}

func numeric(v document.Value) (float64, bool) {
	switch v.Kind {
	case document.KindInt32:
		return float64(v.Int32), true
	case document.KindInt64:
		return float64(v.Int64), true
	case document.KindFloat64:
		return v.Float64, true
	default:
		return 0, false
	}
}

func compareOrdered(a, b document.Value) (int, bool) {
	if n1, ok1 := numeric(a); ok1 {
		if n2, ok2 := numeric(b); ok2 {
			switch {
			case n1 < n2:
				return -1, true
			case n1 > n2:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if a.Kind == document.KindString && b.Kind == document.KindString {
		switch {
		case a.Str < b.Str:
			return -1, true
		case a.Str > b.Str:
			return 1, true
		default:
			return 0, true
		}
	}
	if a.Kind == document.KindDateTime && b.Kind == document.KindDateTime {
		switch {
		case a.DateTime.Before(b.DateTime):
			return -1, true
		case a.DateTime.After(b.DateTime):
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

// String renders expr for diagnostics/logging.
func String(expr Expr) string {
	switch e := expr.(type) {
	case Compare:
		return fmt.Sprintf("%s %s %v", e.Field, e.Op, e.Value)
	case And:
		return joinExprs(e.Exprs, "AND")
	case Or:
		return joinExprs(e.Exprs, "OR")
	case Not:
		return "NOT(" + String(e.Expr) + ")"
	default:
		return "<expr>"
	}
}

func joinExprs(exprs []Expr, sep string) string {
	out := "("
	for i, e := range exprs {
		if i > 0 {
			out += " " + sep + " "
		}
		out += String(e)
	}
	return out + ")"
}
