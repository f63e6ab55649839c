// Package postgrest implements the lazy, chainable query builder the
// top-level client exposes for the REST-over-PostgreSQL gateway: a
// QueryBuilder narrows into a FilterBuilder on the first terminal
// operation (select/insert/upsert/update/delete), which narrows further
// into a TransformBuilder once an ordering/pagination/shape transform is
// applied. The underlying HTTP request is only issued when Execute is
// called.
package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/supa-kit/supa-go/internal/errs"
	"github.com/supa-kit/supa-go/internal/transport"
)

// Doer issues the composed request. *transport.Manager's Do method, or any
// transport.WrapAuth-wrapped variant, satisfies this.
type Doer = transport.Doer

// Client is the entry point: one per schema, shared across every table's
// QueryBuilder built from it.
type Client struct {
	baseURL    string
	schema     string
	do         Doer
	clientInfo transport.ClientInfo
}

// NewClient builds a postgrest Client rooted at baseURL (e.g.
// "https://project.supabase.co/rest/v1") using the given schema and HTTP
// Plane Doer.
func NewClient(baseURL, schema string, do Doer, info transport.ClientInfo) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), schema: schema, do: do, clientInfo: info}
}

// From starts a QueryBuilder against table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{
		client: c,
		table:  table,
		params: url.Values{},
		header: make(http.Header),
	}
}

// QueryBuilder accumulates URL params and headers until a terminal
// operation (select/insert/upsert/update/delete) is called, narrowing it
// into a FilterBuilder.
type QueryBuilder struct {
	client *Client
	table  string
	method string
	body   []byte
	params url.Values
	header http.Header
}

func (q *QueryBuilder) clone() *QueryBuilder {
	n := *q
	n.params = cloneValues(q.params)
	n.header = q.header.Clone()
	return &n
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vv := range v {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// SelectOptions configures Select.
type SelectOptions struct {
	Head  bool
	Count string // "exact" | "planned" | "estimated"
}

// Select appends `select={cols}` (after stripping whitespace outside
// quoted identifiers) and prepares a GET (or HEAD, if opts.Head).
func (q *QueryBuilder) Select(cols string, opts SelectOptions) *FilterBuilder {
	n := q.clone()
	if cols == "" {
		cols = "*"
	}
	n.params.Set("select", stripUnquotedWhitespace(cols))
	n.method = http.MethodGet
	if opts.Head {
		n.method = http.MethodHead
	}
	if opts.Count != "" {
		addPrefer(n.header, "count="+opts.Count)
	}
	return &FilterBuilder{QueryBuilder: n}
}

// InsertOptions configures Insert. The the defaultToNull defaults to
// true; Go's zero value for a bool is false, so this is expressed as its
// negation — MissingIsDefault — which defaults correctly to "off" and, when
// set, appends Prefer: missing=default (the defaultToNull=false case).
type InsertOptions struct {
	MissingIsDefault bool
	Count            string
}

// Insert issues a POST of values (a single object or an array of objects).
// For a heterogeneous array, the `columns` URL param is set to the union
// of all observed keys.
func (q *QueryBuilder) Insert(values any, opts InsertOptions) (*FilterBuilder, error) {
	n := q.clone()
	n.method = http.MethodPost

	body, columns, err := marshalRows(values)
	if err != nil {
		return nil, err
	}
	n.body = body
	if columns != nil {
		n.params.Set("columns", strings.Join(columns, ","))
	}
	if opts.MissingIsDefault {
		addPrefer(n.header, "missing=default")
	}
	if opts.Count != "" {
		addPrefer(n.header, "count="+opts.Count)
	}
	return &FilterBuilder{QueryBuilder: n}, nil
}

// UpsertOptions configures Upsert. See InsertOptions for why
// MissingIsDefault is expressed as defaultToNull's negation.
type UpsertOptions struct {
	OnConflict       string
	IgnoreDuplicates bool
	MissingIsDefault bool
	Count            string
}

// Upsert issues a POST with a merge-duplicates (or ignore-duplicates)
// resolution preference.
func (q *QueryBuilder) Upsert(values any, opts UpsertOptions) (*FilterBuilder, error) {
	n := q.clone()
	n.method = http.MethodPost

	body, columns, err := marshalRows(values)
	if err != nil {
		return nil, err
	}
	n.body = body
	if columns != nil {
		n.params.Set("columns", strings.Join(columns, ","))
	}

	resolution := "merge-duplicates"
	if opts.IgnoreDuplicates {
		resolution = "ignore-duplicates"
	}
	addPrefer(n.header, "resolution="+resolution)
	if opts.OnConflict != "" {
		n.params.Set("on_conflict", opts.OnConflict)
	}
	if opts.MissingIsDefault {
		addPrefer(n.header, "missing=default")
	}
	if opts.Count != "" {
		addPrefer(n.header, "count="+opts.Count)
	}
	return &FilterBuilder{QueryBuilder: n}, nil
}

// UpdateOptions configures Update.
type UpdateOptions struct {
	Count string
}

// Update issues a PATCH of values.
func (q *QueryBuilder) Update(values any, opts UpdateOptions) (*FilterBuilder, error) {
	n := q.clone()
	n.method = http.MethodPatch
	body, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	n.body = body
	if opts.Count != "" {
		addPrefer(n.header, "count="+opts.Count)
	}
	return &FilterBuilder{QueryBuilder: n}, nil
}

// DeleteOptions configures Delete.
type DeleteOptions struct {
	Count string
}

// Delete issues a DELETE.
func (q *QueryBuilder) Delete(opts DeleteOptions) *FilterBuilder {
	n := q.clone()
	n.method = http.MethodDelete
	if opts.Count != "" {
		addPrefer(n.header, "count="+opts.Count)
	}
	return &FilterBuilder{QueryBuilder: n}
}

func addPrefer(h http.Header, directive string) {
	existing := h.Get("Prefer")
	if existing == "" {
		h.Set("Prefer", directive)
		return
	}
	h.Set("Prefer", existing+","+directive)
}

// marshalRows encodes values (object or array of objects) and, for a
// heterogeneous array, returns the sorted union of observed keys.
func marshalRows(values any) ([]byte, []string, error) {
	body, err := json.Marshal(values)
	if err != nil {
		return nil, nil, err
	}

	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		// Not an array of objects (a single object, or scalar rows); no
		// columns param needed.
		return body, nil, nil
	}
	if len(rows) < 2 {
		return body, nil, nil
	}

	keySet := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			keySet[k] = true
		}
	}
	columns := make([]string, 0, len(keySet))
	for k := range keySet {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return body, columns, nil
}

// stripUnquotedWhitespace removes whitespace from cols except inside
// double-quoted identifiers() contract.
func stripUnquotedWhitespace(cols string) string {
	var b strings.Builder
	inQuotes := false
	for _, r := range cols {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case !inQuotes && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Execute issues the composed HTTP request and applies the response
// workaround rules from G (404/array → empty 200, 404/empty →
// 204, maybeSingle "0 rows" → null). It is the terminal step reachable
// from FilterBuilder and TransformBuilder.
func (q *QueryBuilder) execute(ctx context.Context, isMaybeSingle bool) (*Response, error) {
	target := fmt.Sprintf("%s/%s", q.client.baseURL, q.table)
	if encoded := q.params.Encode(); encoded != "" {
		target += "?" + encoded
	}

	header := q.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	switch q.method {
	case http.MethodGet, http.MethodHead:
		if q.client.schema != "" {
			header.Set("Accept-Profile", q.client.schema)
		}
	default:
		if q.client.schema != "" {
			header.Set("Content-Profile", q.client.schema)
		}
	}

	resp, err := q.client.do(ctx, transport.Request{
		Method:  q.method,
		URL:     target,
		Headers: header,
		Body:    q.body,
	})
	if err != nil {
		return nil, err
	}

	return applyResponseWorkarounds(resp, q.method, header.Get("Prefer"), isMaybeSingle)
}

// Response is what a terminal postgrest call returns: either Data or Err
// is set, never both.
type Response struct {
	Data  json.RawMessage
	Count *int64
	Err   error
}

func applyResponseWorkarounds(resp transport.Response, method, prefer string, isMaybeSingle bool) (*Response, error) {
	body := resp.Body
	status := resp.Status

	if status == 404 {
		trimmed := strings.TrimSpace(string(body))
		if trimmed == "" {
			return &Response{Data: json.RawMessage("null")}, nil
		}
		var arr []json.RawMessage
		if json.Unmarshal(body, &arr) == nil {
			return &Response{Data: json.RawMessage("[]")}, nil
		}
	}

	if isMaybeSingle && status >= 400 {
		var body404 struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if json.Unmarshal(resp.Body, &body404) == nil && strings.Contains(strings.ToLower(body404.Message), "0 rows") {
			return &Response{Data: json.RawMessage("null")}, nil
		}
	}

	classified := errs.FromResponse(errs.Response{Status: status, Headers: flattenHeader(resp.Headers), Body: body})
	if classified != nil {
		return &Response{Err: classified}, nil
	}

	out := &Response{Data: body}
	if strings.Contains(prefer, "count=") {
		if cr := resp.Headers.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 {
				if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
					out.Count = &n
				}
			}
		}
	}
	return out, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}
