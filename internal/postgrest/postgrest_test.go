package postgrest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/supa-kit/supa-go/internal/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewUnstartedServer(handler)
	// The transport Manager speaks HTTP/2 with prior knowledge to http:// URLs.
	srv.Config.Protocols = new(http.Protocols)
	srv.Config.Protocols.SetHTTP1(true)
	srv.Config.Protocols.SetUnencryptedHTTP2(true)
	srv.Start()
	t.Cleanup(srv.Close)

	mgr := transport.NewManager(0)
	t.Cleanup(mgr.Close)
	client := NewClient(srv.URL, "public", mgr.Do, transport.ClientInfo{Name: "supa-go", Version: "test"})
	return client, srv
}

func TestSelectAppendsSelectParam(t *testing.T) {
	var gotQuery string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`[]`))
	})

	_, err := client.From("users").Select("id, name", SelectOptions{}).Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// url.Values.Encode() percent-escapes the comma.
	if gotQuery != "select=id%2Cname" {
		t.Fatalf("got query %q", gotQuery)
	}
}

func TestEqFilterAppendsVerbatimSegment(t *testing.T) {
	var gotQuery string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(200)
		w.Write([]byte(`[]`))
	})

	_, _ = client.From("users").Select("*", SelectOptions{}).Eq("id", "42").Execute(context.Background())
	// url.Values.Encode() sorts keys alphabetically.
	if gotQuery != "id=eq.42&select=%2A" {
		t.Fatalf("got query %q", gotQuery)
	}
}

func TestInQuotesValuesWithSpecialChars(t *testing.T) {
	fb := (&Client{baseURL: "x", schema: "public", do: nil}).From("t").Select("*", SelectOptions{})
	fb.In("tags", []string{"a,b", "plain"})
	got := fb.params.Get("tags")
	want := `("a,b",plain)`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInsertSetsColumnsUnionForHeterogeneousArray(t *testing.T) {
	client := &Client{baseURL: "x", schema: "public", do: nil}
	qb := client.From("t")
	fb, err := qb.Insert([]map[string]any{
		{"a": 1, "b": 2},
		{"a": 1, "c": 3},
	}, InsertOptions{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := fb.params.Get("columns"); got != "a,b,c" {
		t.Fatalf("got columns %q", got)
	}
}

func TestUpsertSetsMergeResolutionAndOnConflict(t *testing.T) {
	client := &Client{baseURL: "x", schema: "public", do: nil}
	fb, err := client.From("t").Upsert(map[string]any{"id": 1}, UpsertOptions{OnConflict: "id"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if fb.header.Get("Prefer") != "resolution=merge-duplicates" {
		t.Fatalf("got prefer %q", fb.header.Get("Prefer"))
	}
	if fb.params.Get("on_conflict") != "id" {
		t.Fatalf("got on_conflict %q", fb.params.Get("on_conflict"))
	}
}

func TestOrderCompoundsAcrossCalls(t *testing.T) {
	client := &Client{baseURL: "x", schema: "public", do: nil}
	tb := client.From("t").Select("*", SelectOptions{}).Order("name", OrderOptions{Ascending: true})
	tb.Order("age", OrderOptions{Ascending: false})
	if got := tb.params.Get("order"); got != "name.asc,age.desc" {
		t.Fatalf("got order %q", got)
	}
}

func TestRangeTranslatesToOffsetLimit(t *testing.T) {
	client := &Client{baseURL: "x", schema: "public", do: nil}
	tb := client.From("t").Select("*", SelectOptions{}).Range(10, 19, "")
	if tb.params.Get("offset") != "10" || tb.params.Get("limit") != "10" {
		t.Fatalf("got offset=%q limit=%q", tb.params.Get("offset"), tb.params.Get("limit"))
	}
}

func TestNotFoundArrayBecomesEmptyArray(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte(`[]`))
	})

	resp, err := client.From("t").Select("*", SelectOptions{}).Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if string(resp.Data) != "[]" {
		t.Fatalf("got %s", resp.Data)
	}
}

func TestMaybeSingleUnwrapsSingleRowOnGet(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`[{"id":1}]`))
	})

	resp, err := client.From("t").Select("*", SelectOptions{}).MaybeSingle().Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if string(resp.Data) != `{"id":1}` {
		t.Fatalf("got %s", resp.Data)
	}
}

func TestMaybeSingleReturnsNullForZeroRows(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`[]`))
	})

	resp, err := client.From("t").Select("*", SelectOptions{}).MaybeSingle().Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(resp.Data) != "null" {
		t.Fatalf("got %s", resp.Data)
	}
}

func TestCountExtractedFromContentRange(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "0-9/42")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`[]`))
	})

	resp, err := client.From("t").Select("*", SelectOptions{Count: "exact"}).Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Count == nil || *resp.Count != 42 {
		t.Fatalf("got count %v", resp.Count)
	}
}
