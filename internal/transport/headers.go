package transport

import (
	"context"
	"net/http"
)

// MergeHeaders composes headers in ascending precedence order: later
// arguments win on key collision — auto-detected headers, then client
// defaults, then per-call invoke headers.
func MergeHeaders(layers ...http.Header) http.Header {
	merged := make(http.Header)
	for _, layer := range layers {
		for key, vals := range layer {
			merged.Del(key)
			for _, v := range vals {
				merged.Add(key, v)
			}
		}
	}
	return merged
}

// TokenResolver returns the current bearer access token, typically the
// Session Engine's resolve-token callback.
type TokenResolver func(ctx context.Context) (string, error)

// Doer issues a single HTTP Plane request. *Manager implements it.
type Doer func(ctx context.Context, req Request) (Response, error)

// WrapAuth returns a Doer that injects `Authorization: Bearer {token}` and
// `apikey: {apiKey}` into every request, without overwriting either header
// if the caller already set it — the auth-wrapping adapter shared by the
// PostgREST/Storage/Functions clients
func WrapAuth(do Doer, resolveToken TokenResolver, apiKey string) Doer {
	return func(ctx context.Context, req Request) (Response, error) {
		headers := req.Headers.Clone()
		if headers == nil {
			headers = make(http.Header)
		}
		if headers.Get("Authorization") == "" {
			token, err := resolveToken(ctx)
			if err != nil {
				return Response{}, err
			}
			headers.Set("Authorization", "Bearer "+token)
		}
		if headers.Get("apikey") == "" && apiKey != "" {
			headers.Set("apikey", apiKey)
		}
		req.Headers = headers
		return do(ctx, req)
	}
}
