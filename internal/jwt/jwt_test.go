package jwt

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func buildToken(payload map[string]any) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, _ := json.Marshal(payload)
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + ".signature"
}

func TestDecodeValid(t *testing.T) {
	token := buildToken(map[string]any{"sub": "user-1", "exp": 1999999999, "email": "a@b.com"})
	claims, ok := Decode(token)
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if claims.Subject != "user-1" || claims.Exp != 1999999999 || claims.Email != "a@b.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestDecodeWrongPartCount(t *testing.T) {
	if _, ok := Decode("a.b"); ok {
		t.Fatalf("expected failure on 2-part token")
	}
}

func TestDecodeInvalidBase64(t *testing.T) {
	if _, ok := Decode("a.!!!not-base64!!!.c"); ok {
		t.Fatalf("expected failure on invalid base64")
	}
}

func TestDecodeBase64URLTolerance(t *testing.T) {
	raw := []byte("hello world, pkce")
	padded := base64.URLEncoding.EncodeToString(raw)
	unpadded := base64.RawURLEncoding.EncodeToString(raw)

	got, err := DecodeBase64URL(padded)
	if err != nil || string(got) != string(raw) {
		t.Fatalf("padded decode failed: %v %q", err, got)
	}
	got, err = DecodeBase64URL(" " + unpadded + "\n")
	if err != nil || string(got) != string(raw) {
		t.Fatalf("whitespace-tolerant decode failed: %v %q", err, got)
	}
}
