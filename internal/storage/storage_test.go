package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, ok, err := m.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := m.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("got %q %v %v, want v1 true nil", v, ok, err)
	}

	if err := m.Remove(ctx, "k"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after remove")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	if err := s.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, "key")
	if err != nil || !ok || v != "value" {
		t.Fatalf("got %q %v %v, want value true nil", v, ok, err)
	}

	if err := s.Set(ctx, "key", "value2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _, _ = s.Get(ctx, "key")
	if v != "value2" {
		t.Fatalf("got %q, want value2", v)
	}

	if err := s.Remove(ctx, "key"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "key"); ok {
		t.Fatalf("expected miss after remove")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	inner := NewMemory()
	enc := NewEncrypted(inner, "test-passphrase")
	ctx := context.Background()

	if err := enc.Set(ctx, "session", `{"access_token":"secret"}`); err != nil {
		t.Fatalf("set: %v", err)
	}

	raw, ok, err := inner.Get(ctx, "session")
	if err != nil || !ok {
		t.Fatalf("inner get: %v %v", ok, err)
	}
	if raw == `{"access_token":"secret"}` {
		t.Fatalf("expected ciphertext at rest, got plaintext")
	}

	v, ok, err := enc.Get(ctx, "session")
	if err != nil || !ok || v != `{"access_token":"secret"}` {
		t.Fatalf("got %q %v %v", v, ok, err)
	}
}
