package postgrest

import (
	"context"
	"fmt"
	"strings"
)

// FilterBuilder narrows a QueryBuilder after a terminal operation. Every
// filter method appends a verbatim PostgREST query segment
// (`column=op.value`) and returns the same builder for chaining.
type FilterBuilder struct {
	*QueryBuilder
}

// Op is the full PostgREST operator table required by G.
type Op string

const (
	OpEq         Op = "eq"
	OpNeq        Op = "neq"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIs         Op = "is"
	OpIsDistinct Op = "isdistinct"
	OpLike       Op = "like"
	OpILike      Op = "ilike"
	OpLikeAll    Op = "like(all)"
	OpLikeAny    Op = "like(any)"
	OpILikeAll   Op = "ilike(all)"
	OpILikeAny   Op = "ilike(any)"
	OpMatch      Op = "match"
	OpIMatch     Op = "imatch"
	OpIn         Op = "in"
	OpContains   Op = "cs"
	OpContained  Op = "cd"
	OpOverlaps   Op = "ov"
	OpStrictlyLeft     Op = "sl"
	OpStrictlyRight    Op = "sr"
	OpNotExtendRight   Op = "nxr"
	OpNotExtendLeft    Op = "nxl"
	OpAdjacent         Op = "adj"
	OpFts        Op = "fts"
	OpPlfts      Op = "plfts"
	OpPhfts      Op = "phfts"
	OpWfts       Op = "wfts"
)

// Filter appends `column=op.value` verbatim, the escape hatch for any
// operator not exposed as a named method.
func (f *FilterBuilder) Filter(column string, op Op, value string) *FilterBuilder {
	f.params.Add(column, string(op)+"."+value)
	return f
}

// FilterConfig appends a full-text-search operator with an optional
// dictionary config prefix: `column=op(config).value`.
func (f *FilterBuilder) FilterConfig(column string, op Op, config, value string) *FilterBuilder {
	opStr := string(op)
	if config != "" {
		opStr = fmt.Sprintf("%s(%s)", op, config)
	}
	f.params.Add(column, opStr+"."+value)
	return f
}

func (f *FilterBuilder) Eq(column, value string) *FilterBuilder  { return f.Filter(column, OpEq, value) }
func (f *FilterBuilder) Neq(column, value string) *FilterBuilder { return f.Filter(column, OpNeq, value) }
func (f *FilterBuilder) Gt(column, value string) *FilterBuilder  { return f.Filter(column, OpGt, value) }
func (f *FilterBuilder) Gte(column, value string) *FilterBuilder { return f.Filter(column, OpGte, value) }
func (f *FilterBuilder) Lt(column, value string) *FilterBuilder  { return f.Filter(column, OpLt, value) }
func (f *FilterBuilder) Lte(column, value string) *FilterBuilder { return f.Filter(column, OpLte, value) }
func (f *FilterBuilder) Is(column, value string) *FilterBuilder  { return f.Filter(column, OpIs, value) }
func (f *FilterBuilder) Like(column, value string) *FilterBuilder { return f.Filter(column, OpLike, value) }
func (f *FilterBuilder) ILike(column, value string) *FilterBuilder { return f.Filter(column, OpILike, value) }
func (f *FilterBuilder) Match(column, value string) *FilterBuilder { return f.Filter(column, OpMatch, value) }
func (f *FilterBuilder) IMatch(column, value string) *FilterBuilder { return f.Filter(column, OpIMatch, value) }
func (f *FilterBuilder) Contains(column, value string) *FilterBuilder { return f.Filter(column, OpContains, value) }
func (f *FilterBuilder) ContainedBy(column, value string) *FilterBuilder { return f.Filter(column, OpContained, value) }
func (f *FilterBuilder) Overlaps(column, value string) *FilterBuilder { return f.Filter(column, OpOverlaps, value) }

// In appends an `in.(...)` filter, quoting any value containing a comma,
// parenthesis, or space
func (f *FilterBuilder) In(column string, values []string) *FilterBuilder {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quoteIfNeeded(v)
	}
	return f.Filter(column, OpIn, "("+strings.Join(quoted, ",")+")")
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, ", ()") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}

// MatchBulk is the bulk-eq form: every key/value pair becomes `key=eq.value`.
func (f *FilterBuilder) MatchBulk(values map[string]string) *FilterBuilder {
	for k, v := range values {
		f.Eq(k, v)
	}
	return f
}

// Not negates a single filter segment: `column=not.op.value`.
func (f *FilterBuilder) Not(column string, op Op, value string) *FilterBuilder {
	f.params.Add(column, "not."+string(op)+"."+value)
	return f
}

// Or composes a disjunction of raw PostgREST filter clauses:
// `or=(clause1,clause2,...)`.
func (f *FilterBuilder) Or(clauses ...string) *FilterBuilder {
	f.params.Add("or", "("+strings.Join(clauses, ",")+")")
	return f
}

// Single narrows into a TransformBuilder expecting exactly one row.
func (f *FilterBuilder) Single() *TransformBuilder {
	f.header.Set("Accept", "application/vnd.pgrst.object+json")
	return &TransformBuilder{QueryBuilder: f.QueryBuilder}
}

// MaybeSingle narrows into a TransformBuilder expecting zero or one row.
// On GET, Execute unwraps a 1-element array, nils a 0-element array, and
// synthesizes a PGRST116 error for 2+.
func (f *FilterBuilder) MaybeSingle() *TransformBuilder {
	if f.method == "GET" {
		f.header.Set("Accept", "application/json")
	} else {
		f.header.Set("Accept", "application/vnd.pgrst.object+json")
	}
	return &TransformBuilder{QueryBuilder: f.QueryBuilder, isMaybeSingle: true}
}

// Order narrows into a TransformBuilder; see TransformBuilder.Order.
func (f *FilterBuilder) Order(column string, opts OrderOptions) *TransformBuilder {
	return (&TransformBuilder{QueryBuilder: f.QueryBuilder}).Order(column, opts)
}

// Range narrows into a TransformBuilder; see TransformBuilder.Range.
func (f *FilterBuilder) Range(from, to int, referencedTable string) *TransformBuilder {
	return (&TransformBuilder{QueryBuilder: f.QueryBuilder}).Range(from, to, referencedTable)
}

// Execute issues the request directly from a FilterBuilder (no transform
// applied).
func (f *FilterBuilder) Execute(ctx context.Context) (*Response, error) {
	return f.QueryBuilder.execute(ctx, false)
}
