package supaclient

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"chillspace/pkg/remote"
)

// filterParams renders f as PostgREST query parameters. A top-level AND of
// plain conditions becomes one parameter per condition; anything nested
// uses the logical operator syntax.
func filterParams(f remote.Filter, q url.Values) {
	switch {
	case f.IsZero():
	case f.IsCond():
		q.Add(f.Column, condValue(f))
	case f.IsAnd() && allConds(f.Children):
		for _, c := range f.Children {
			q.Add(c.Column, condValue(c))
		}
	case f.IsAnd():
		q.Add("and", "("+joinTerms(f.Children)+")")
	case f.IsOr():
		q.Add("or", "("+joinTerms(f.Children)+")")
	}
}

func allConds(fs []remote.Filter) bool {
	for _, f := range fs {
		if !f.IsCond() {
			return false
		}
	}
	return true
}

func joinTerms(fs []remote.Filter) string {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		if t := term(f); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, ",")
}

// term renders f inside an and(...) or or(...) group.
func term(f remote.Filter) string {
	switch {
	case f.IsZero():
		return ""
	case f.IsCond():
		return f.Column + "." + condExpr(f, true)
	case f.IsAnd():
		return "and(" + joinTerms(f.Children) + ")"
	default:
		return "or(" + joinTerms(f.Children) + ")"
	}
}

func condValue(f remote.Filter) string { return condExpr(f, false) }

func condExpr(f remote.Filter, nested bool) string {
	switch f.Op {
	case remote.OpEq:
		return "eq." + literal(f.Value, nested)
	case remote.OpNeq:
		return "neq." + literal(f.Value, nested)
	case remote.OpIsNull:
		return "is.null"
	default:
		vs := make([]string, len(f.Values))
		for i, v := range f.Values {
			vs[i] = literal(v, true)
		}
		return "in.(" + strings.Join(vs, ",") + ")"
	}
}

// literal formats v. Values inside groups or lists are double quoted when
// they contain characters PostgREST reserves there.
func literal(v any, nested bool) string {
	var s string
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		s = t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s = fmt.Sprint(t)
	}
	if nested && strings.ContainsAny(s, `,.:()" `) {
		return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
	}
	return s
}

func orderParam(order []remote.Order) string {
	parts := make([]string, len(order))
	for i, o := range order {
		dir := "asc"
		if o.Desc {
			dir = "desc"
		}
		parts[i] = o.Column + "." + dir
	}
	return strings.Join(parts, ",")
}

// realtimeFilter renders f in the realtime filter grammar, which takes a
// single condition. ok is false when f needs client-side matching.
func realtimeFilter(f remote.Filter) (string, bool) {
	if !f.IsCond() {
		return "", f.IsZero()
	}
	switch f.Op {
	case remote.OpEq, remote.OpNeq:
		return f.Column + "=" + condExpr(f, false), true
	case remote.OpIn:
		return f.Column + "=" + condExpr(f, false), true
	default:
		return "", false
	}
}
