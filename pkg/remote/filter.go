package remote

import (
	"fmt"
	"strings"

	"chillspace/pkg/timeutil"
)

type Op int

const (
	OpEq Op = iota
	OpNeq
	OpIsNull
	OpIn
)

type filterKind int

const (
	kindAll filterKind = iota
	kindCond
	kindAnd
	kindOr
)

// Filter selects rows. The zero value matches everything.
type Filter struct {
	kind     filterKind
	Column   string
	Op       Op
	Value    any
	Values   []any
	Children []Filter
}

func Eq(col string, v any) Filter { return Filter{kind: kindCond, Column: col, Op: OpEq, Value: v} }

func Neq(col string, v any) Filter { return Filter{kind: kindCond, Column: col, Op: OpNeq, Value: v} }

func IsNull(col string) Filter { return Filter{kind: kindCond, Column: col, Op: OpIsNull} }

func In(col string, vs ...any) Filter {
	return Filter{kind: kindCond, Column: col, Op: OpIn, Values: vs}
}

// InStrings is In for a string slice.
func InStrings(col string, vs []string) Filter {
	vals := make([]any, len(vs))
	for i, v := range vs {
		vals[i] = v
	}
	return In(col, vals...)
}

func And(fs ...Filter) Filter { return Filter{kind: kindAnd, Children: fs} }

func Or(fs ...Filter) Filter { return Filter{kind: kindOr, Children: fs} }

func (f Filter) IsZero() bool { return f.kind == kindAll }

func (f Filter) IsCond() bool { return f.kind == kindCond }

func (f Filter) IsAnd() bool { return f.kind == kindAnd }

func (f Filter) IsOr() bool { return f.kind == kindOr }

// Match evaluates f against r. Missing columns read as null.
func (f Filter) Match(r Record) bool {
	switch f.kind {
	case kindAll:
		return true
	case kindAnd:
		for _, c := range f.Children {
			if !c.Match(r) {
				return false
			}
		}
		return true
	case kindOr:
		for _, c := range f.Children {
			if c.Match(r) {
				return true
			}
		}
		return false
	}
	v := r[f.Column]
	switch f.Op {
	case OpEq:
		return v != nil && equalValues(v, f.Value)
	case OpNeq:
		return v != nil && !equalValues(v, f.Value)
	case OpIsNull:
		return v == nil
	case OpIn:
		if v == nil {
			return false
		}
		for _, want := range f.Values {
			if equalValues(v, want) {
				return true
			}
		}
		return false
	}
	return false
}

func (f Filter) String() string {
	switch f.kind {
	case kindAll:
		return "*"
	case kindAnd, kindOr:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = c.String()
		}
		sep := " AND "
		if f.kind == kindOr {
			sep = " OR "
		}
		return "(" + strings.Join(parts, sep) + ")"
	}
	switch f.Op {
	case OpEq:
		return fmt.Sprintf("%s = %v", f.Column, f.Value)
	case OpNeq:
		return fmt.Sprintf("%s != %v", f.Column, f.Value)
	case OpIsNull:
		return f.Column + " IS NULL"
	default:
		return fmt.Sprintf("%s IN %v", f.Column, f.Values)
	}
}

// Order sorts query results by one column.
type Order struct {
	Column string
	Desc   bool
}

func Asc(col string) Order { return Order{Column: col} }

func Desc(col string) Order { return Order{Column: col, Desc: true} }

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	}
	return 0, false
}

// CompareValues orders two column values: nulls first, numbers
// numerically, timestamps chronologically, everything else as strings.
func CompareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	if ta, ok := timeutil.Parse(sa); ok {
		if tb, ok := timeutil.Parse(sb); ok {
			return ta.Compare(tb)
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return boolInt(ba) - boolInt(bb)
		}
	}
	return strings.Compare(sa, sb)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
