package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoComposesStandardHeaders(t *testing.T) {
	var gotAPIVersion, gotClientInfo, gotContentType string
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIVersion = r.Header.Get(apiVersionHeader)
		gotClientInfo = r.Header.Get(clientInfoHeader)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(200)
	}))
	// The Manager speaks HTTP/2 with prior knowledge to http:// URLs.
	srv.Config.Protocols = new(http.Protocols)
	srv.Config.Protocols.SetHTTP1(true)
	srv.Config.Protocols.SetUnencryptedHTTP2(true)
	srv.Start()
	defer srv.Close()

	m := NewManager(5 * time.Second)
	_, err := m.Do(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/rest/v1/items",
		Body:   []byte(`{}`),
	}, ClientInfo{Name: "supa-go", Version: "0.1.0"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotAPIVersion != apiVersionValue {
		t.Fatalf("got api version %q", gotAPIVersion)
	}
	if gotClientInfo != "supa-go/0.1.0" {
		t.Fatalf("got client info %q", gotClientInfo)
	}
	if gotContentType != "application/json;charset=UTF-8" {
		t.Fatalf("got content type %q", gotContentType)
	}
}

func TestDoRespectsTimeout(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(200)
	}))
	// The Manager speaks HTTP/2 with prior knowledge to http:// URLs.
	srv.Config.Protocols = new(http.Protocols)
	srv.Config.Protocols.SetHTTP1(true)
	srv.Config.Protocols.SetUnencryptedHTTP2(true)
	srv.Start()
	defer srv.Close()

	m := NewManager(5 * time.Second)
	_, err := m.Do(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 5 * time.Millisecond,
	}, ClientInfo{Name: "supa-go", Version: "0.1.0"})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestMergeHeadersPrecedence(t *testing.T) {
	auto := http.Header{"Accept-Profile": []string{"public"}}
	defaults := http.Header{"Accept-Profile": []string{"tenant_a"}, "X-Client-Info": []string{"supa-go/0.1.0"}}
	override := http.Header{"Accept-Profile": []string{"explicit"}}

	merged := MergeHeaders(auto, defaults, override)
	if merged.Get("Accept-Profile") != "explicit" {
		t.Fatalf("expected override to win, got %q", merged.Get("Accept-Profile"))
	}
	if merged.Get("X-Client-Info") != "supa-go/0.1.0" {
		t.Fatalf("expected default to survive, got %q", merged.Get("X-Client-Info"))
	}
}

func TestWrapAuthDoesNotOverwriteExisting(t *testing.T) {
	var captured Request
	inner := func(_ context.Context, r Request) (Response, error) {
		captured = r
		return Response{Status: 200}, nil
	}

	resolveCalled := false
	resolve := func(context.Context) (string, error) {
		resolveCalled = true
		return "resolved-token", nil
	}

	wrapped := WrapAuth(inner, resolve, "anon-key")

	existing := http.Header{"Authorization": []string{"Bearer preset"}}
	if _, err := wrapped(context.Background(), Request{Headers: existing}); err != nil {
		t.Fatalf("wrapped: %v", err)
	}
	if resolveCalled {
		t.Fatalf("resolveToken should not be called when Authorization is already set")
	}
	if captured.Headers.Get("Authorization") != "Bearer preset" {
		t.Fatalf("got %q", captured.Headers.Get("Authorization"))
	}
	if captured.Headers.Get("apikey") != "anon-key" {
		t.Fatalf("expected apikey to be injected, got %q", captured.Headers.Get("apikey"))
	}
}
