package client

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialStore_SetAndGet(t *testing.T) {
	cs := NewCredentialStore(nil)

	if cs.Get() != nil {
		t.Fatal("expected nil credentials initially")
	}

	cs.Set(&Credentials{Token: "T", UserID: "alice"})
	got := cs.Get()
	if got == nil {
		t.Fatal("expected credentials after Set")
	}
	if got.Token != "T" || got.UserID != "alice" {
		t.Errorf("unexpected credentials: %+v", got)
	}

	cs.Set(nil)
	if cs.Get() != nil {
		t.Error("expected nil credentials after clearing")
	}
}

func TestCredentialStore_GetReturnsCopy(t *testing.T) {
	cs := NewCredentialStore(nil)
	cs.Set(&Credentials{Token: "T", UserID: "alice"})

	got := cs.Get()
	got.Token = "tampered"

	if cs.Get().Token != "T" {
		t.Error("mutating the returned credentials affected the store")
	}
}

func TestCredentialStore_Notify(t *testing.T) {
	cs := NewCredentialStore(nil)

	var calls []*Credentials
	cs.Subscribe(func(c *Credentials) { calls = append(calls, c) })

	cs.Set(&Credentials{Token: "T"})
	cs.Set(nil)

	if len(calls) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(calls))
	}
	if calls[0] == nil || calls[0].Token != "T" {
		t.Errorf("first notification: expected token T, got %+v", calls[0])
	}
	if calls[1] != nil {
		t.Errorf("second notification: expected nil, got %+v", calls[1])
	}
}

func TestFileTokenStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	s := NewFileTokenStorage(path)

	// Loading before any save yields an empty token, not an error.
	tok, err := s.Load()
	if err != nil {
		t.Fatalf("load on missing file: %v", err)
	}
	if tok != "" {
		t.Fatalf("expected empty token, got %q", tok)
	}

	if err := s.Save("secret-token"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	tok, err = s.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if tok != "secret-token" {
		t.Errorf("expected %q, got %q", "secret-token", tok)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected token file to be removed")
	}
	// Clearing again is a no-op.
	if err := s.Clear(); err != nil {
		t.Fatalf("second clear failed: %v", err)
	}
}

func TestCredentialStore_PersistsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	storage := NewFileTokenStorage(path)
	cs := NewCredentialStore(storage)

	cs.Set(&Credentials{Token: "persist-me", UserID: "alice"})

	tok, err := storage.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if tok != "persist-me" {
		t.Errorf("expected persisted token, got %q", tok)
	}

	cs.Set(nil)
	tok, err = storage.Load()
	if err != nil {
		t.Fatalf("load after clear failed: %v", err)
	}
	if tok != "" {
		t.Errorf("expected cleared token, got %q", tok)
	}
}
