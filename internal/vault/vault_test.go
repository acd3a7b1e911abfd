package vault_test

import (
	"errors"
	"path/filepath"
	"testing"

	"courier/internal/vault"
)

func TestSetGet_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	v, err := vault.Open(path, "pass")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	defer v.Close()

	type rec struct {
		Name  string `cbor:"name"`
		Count int    `cbor:"count"`
		Blob  []byte `cbor:"blob"`
	}
	in := rec{Name: "alice", Count: 7, Blob: []byte{0, 1, 2, 0xff}}
	if err := v.Set("rec/alice", in); err != nil {
		t.Fatalf("set: %v", err)
	}

	var out rec
	if err := v.Get("rec/alice", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || string(out.Blob) != string(in.Blob) {
		t.Fatalf("mismatch after get: %+v", out)
	}
}

func TestGet_Absent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	v, err := vault.Open(path, "pass")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	defer v.Close()

	var out string
	if err := v.Get("nope", &out); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReopen_PersistsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	v, err := vault.Open(path, "pass")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	if err := v.Set("k", []byte{9, 8, 7}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	v, err = vault.Open(path, "pass")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer v.Close()

	var out []byte
	if err := v.Get("k", &out); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(out) != string([]byte{9, 8, 7}) {
		t.Fatalf("mismatch after reopen: %v", out)
	}
}

func TestWrongPassphrase_FailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	v, err := vault.Open(path, "correct")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	if err := v.Set("k", "secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := vault.Open(path, "wrong"); !errors.Is(err, vault.ErrTamperOrWrongPassphrase) {
		t.Fatalf("expected ErrTamperOrWrongPassphrase, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	v, err := vault.Open(path, "pass")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	defer v.Close()

	if err := v.Set("k", 1); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var out int
	if err := v.Get("k", &out); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is a no-op.
	if err := v.Delete("k"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestKeysWithPrefix_Ordered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	v, err := vault.Open(path, "pass")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	defer v.Close()

	for _, k := range []string{"opk/00000003", "opk/00000001", "spk/00000001", "opk/00000002"} {
		if err := v.Set(k, k); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	keys, err := v.KeysWithPrefix("opk/")
	if err != nil {
		t.Fatalf("keys with prefix: %v", err)
	}
	want := []string{"opk/00000001", "opk/00000002", "opk/00000003"}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}
