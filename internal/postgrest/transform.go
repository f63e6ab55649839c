package postgrest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// TransformBuilder is the most-restricted stage: ordering, pagination, and
// output-shape transforms, terminating in Execute.
type TransformBuilder struct {
	*QueryBuilder
	isMaybeSingle bool
}

// OrderOptions configures Order.
type OrderOptions struct {
	Ascending       bool
	NullsFirst      *bool
	ReferencedTable string
}

// Order appends to the `order` (or `{rel}.order`) param; repeated calls
// compound via comma
func (t *TransformBuilder) Order(column string, opts OrderOptions) *TransformBuilder {
	key := "order"
	if opts.ReferencedTable != "" {
		key = opts.ReferencedTable + ".order"
	}

	direction := "asc"
	if !opts.Ascending {
		direction = "desc"
	}
	segment := column + "." + direction
	if opts.NullsFirst != nil {
		if *opts.NullsFirst {
			segment += ".nullsfirst"
		} else {
			segment += ".nullslast"
		}
	}

	if existing := t.params.Get(key); existing != "" {
		t.params.Set(key, existing+","+segment)
	} else {
		t.params.Set(key, segment)
	}
	return t
}

// Range translates [from,to] into offset/limit params.
func (t *TransformBuilder) Range(from, to int, referencedTable string) *TransformBuilder {
	offsetKey, limitKey := "offset", "limit"
	if referencedTable != "" {
		offsetKey = referencedTable + ".offset"
		limitKey = referencedTable + ".limit"
	}
	t.params.Set(offsetKey, strconv.Itoa(from))
	t.params.Set(limitKey, strconv.Itoa(to-from+1))
	return t
}

// Limit sets the `limit` param directly.
func (t *TransformBuilder) Limit(n int, referencedTable string) *TransformBuilder {
	key := "limit"
	if referencedTable != "" {
		key = referencedTable + ".limit"
	}
	t.params.Set(key, strconv.Itoa(n))
	return t
}

// CSV sets Accept: text/csv.
func (t *TransformBuilder) CSV() *TransformBuilder {
	t.header.Set("Accept", "text/csv")
	return t
}

// GeoJSON sets Accept: application/geo+json.
func (t *TransformBuilder) GeoJSON() *TransformBuilder {
	t.header.Set("Accept", "application/geo+json")
	return t
}

// Explain sets Accept to the PostgREST plan media type.
func (t *TransformBuilder) Explain(analyze, verbose bool, format string) *TransformBuilder {
	if format == "" {
		format = "text"
	}
	accept := fmt.Sprintf("application/vnd.pgrst.plan+%s", format)
	opts := make([]string, 0, 2)
	if analyze {
		opts = append(opts, "options=analyze")
	}
	if verbose {
		opts = append(opts, "options=verbose")
	}
	if len(opts) > 0 {
		accept += ";" + strings.Join(opts, ";")
	}
	t.header.Set("Accept", accept)
	return t
}

// Rollback appends `Prefer: tx=rollback`, useful for dry-run writes.
func (t *TransformBuilder) Rollback() *TransformBuilder {
	addPrefer(t.header, "tx=rollback")
	return t
}

// MaxAffected appends `Prefer: handling=strict,max-affected={n}`.
func (t *TransformBuilder) MaxAffected(n int) *TransformBuilder {
	addPrefer(t.header, fmt.Sprintf("handling=strict,max-affected=%d", n))
	return t
}

// Execute issues the composed HTTP request and applies response-workaround
// and maybeSingle-unwrap rules.
func (t *TransformBuilder) Execute(ctx context.Context) (*Response, error) {
	resp, err := t.QueryBuilder.execute(ctx, t.isMaybeSingle)
	if err != nil || resp.Err != nil {
		return resp, err
	}
	if t.isMaybeSingle && t.method == "GET" {
		return unwrapMaybeSingle(resp)
	}
	return resp, nil
}

func unwrapMaybeSingle(resp *Response) (*Response, error) {
	var arr []jsonValue
	if err := unmarshalRaw(resp.Data, &arr); err != nil {
		return resp, nil
	}
	switch len(arr) {
	case 0:
		return &Response{Data: rawNull}, nil
	case 1:
		return &Response{Data: arr[0]}, nil
	default:
		return &Response{Err: pgrst116TooManyRows()}, nil
	}
}
