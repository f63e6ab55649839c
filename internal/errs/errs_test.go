package errs

import (
	"errors"
	"testing"
)

func TestFromResponseSuccess(t *testing.T) {
	if err := FromResponse(Response{Status: 204}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestFromResponseRelayErrorHeaderWins(t *testing.T) {
	err := FromResponse(Response{
		Status:  200,
		Headers: map[string]string{"x-relay-error": "true"},
		Body:    []byte(`{}`),
	})
	var relayErr *RelayError
	if !errors.As(err, &relayErr) {
		t.Fatalf("expected *RelayError, got %T (%v)", err, err)
	}
}

func TestFromResponseGatewayStatusIsRetryable(t *testing.T) {
	for _, status := range []int{502, 503, 504} {
		err := FromResponse(Response{Status: status})
		var retryable *RetryableFetchError
		if !errors.As(err, &retryable) {
			t.Fatalf("status %d: expected *RetryableFetchError, got %T", status, err)
		}
	}
}

func TestFromResponseWeakPassword(t *testing.T) {
	body := []byte(`{"msg":"weak","error_code":"weak_password","weak_password":{"reasons":["length","characters"]}}`)
	err := FromResponse(Response{Status: 422, Body: body})

	var weak *WeakPasswordError
	if !errors.As(err, &weak) {
		t.Fatalf("expected *WeakPasswordError, got %T (%v)", err, err)
	}
	if len(weak.Reasons) != 2 || weak.Reasons[0] != "length" {
		t.Fatalf("unexpected reasons: %v", weak.Reasons)
	}
}

func TestFromResponseApiError(t *testing.T) {
	body := []byte(`{"msg":"invalid grant","error_code":"invalid_grant"}`)
	err := FromResponse(Response{Status: 400, Body: body})

	var apiErr *ApiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *ApiError, got %T (%v)", err, err)
	}
	if apiErr.Code != "invalid_grant" {
		t.Fatalf("got code %q", apiErr.Code)
	}
}

func TestFromResponseApiErrorEmptyJSONBody(t *testing.T) {
	// A 4xx response whose body parses as JSON but carries none of the
	// known message/code fields still classifies as ApiError, not
	// UnknownError: "status in [400,499] and body is JSON" is the
	// unconditional ApiError rule, with weak_password as its only carve-out.
	for _, body := range [][]byte{[]byte(`{}`), []byte(`{"details":"x"}`)} {
		err := FromResponse(Response{Status: 400, Body: body})
		var apiErr *ApiError
		if !errors.As(err, &apiErr) {
			t.Fatalf("body %s: expected *ApiError, got %T (%v)", body, err, err)
		}
	}
}

func TestFromResponseUnknownNonJSONBody(t *testing.T) {
	err := FromResponse(Response{Status: 500, Body: []byte("<html>oops</html>")})
	var unknown *UnknownError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownError, got %T (%v)", err, err)
	}
}

func TestFromTransportErrorAbortIsFatal(t *testing.T) {
	err := FromTransportError(errors.New("context canceled"), true)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError, got %T", err)
	}
}

func TestFromTransportErrorNetworkIsRetryable(t *testing.T) {
	err := FromTransportError(errors.New("connection refused"), false)
	var retryable *RetryableFetchError
	if !errors.As(err, &retryable) {
		t.Fatalf("expected *RetryableFetchError, got %T", err)
	}
}
