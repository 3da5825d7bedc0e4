// Package client implements the real-time session core of the Parley chat
// client: credential tracking, the WebSocket connection lifecycle, routing of
// inbound frames into per-conversation message logs, and the outward-facing
// command API used by presentation code.
package client

import (
	"errors"
	"log"
	"os"
	"sync"
)

// Credentials holds the auth token and the identity it was issued for. The
// token is opaque: it is only ever forwarded to the server, never parsed.
type Credentials struct {
	Token  string
	UserID string
}

// TokenStorage persists the auth token across process restarts so a session
// can resume without logging in again.
type TokenStorage interface {
	Save(token string) error
	Load() (string, error)
	Clear() error
}

// FileTokenStorage stores the token in a single file with owner-only
// permissions.
type FileTokenStorage struct {
	path string
}

// NewFileTokenStorage creates a FileTokenStorage writing to the given path.
func NewFileTokenStorage(path string) *FileTokenStorage {
	return &FileTokenStorage{path: path}
}

// Save writes the token to the storage file.
func (s *FileTokenStorage) Save(token string) error {
	return os.WriteFile(s.path, []byte(token), 0o600)
}

// Load reads the stored token. A missing file is not an error; it returns an
// empty token.
func (s *FileTokenStorage) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Clear removes the storage file. Clearing a token that was never saved is a
// no-op.
func (s *FileTokenStorage) Clear() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// CredentialStore holds the current credentials and notifies subscribers when
// they change. Setting credentials persists the token to the configured
// storage; clearing them removes it.
type CredentialStore struct {
	mu      sync.Mutex
	creds   *Credentials
	storage TokenStorage
	subs    []func(*Credentials)
}

// NewCredentialStore creates a CredentialStore. Storage may be nil, in which
// case the token lives only in memory.
func NewCredentialStore(storage TokenStorage) *CredentialStore {
	return &CredentialStore{storage: storage}
}

// Set replaces the current credentials and notifies all subscribers. Passing
// nil clears the credentials (logout). Storage failures are logged but do not
// prevent the in-memory update.
func (cs *CredentialStore) Set(creds *Credentials) {
	cs.mu.Lock()
	if creds != nil {
		c := *creds
		cs.creds = &c
	} else {
		cs.creds = nil
	}
	subs := make([]func(*Credentials), len(cs.subs))
	copy(subs, cs.subs)
	cs.mu.Unlock()

	if cs.storage != nil {
		var err error
		if creds != nil {
			err = cs.storage.Save(creds.Token)
		} else {
			err = cs.storage.Clear()
		}
		if err != nil {
			log.Printf("client: token storage update failed: %v", err)
		}
	}

	// Notify outside the lock so subscribers can call back into the store.
	for _, fn := range subs {
		fn(cs.get())
	}
}

// Get returns a copy of the current credentials, or nil if logged out.
func (cs *CredentialStore) Get() *Credentials {
	return cs.get()
}

func (cs *CredentialStore) get() *Credentials {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.creds == nil {
		return nil
	}
	c := *cs.creds
	return &c
}

// Subscribe registers a change callback. Callbacks receive a copy of the new
// credentials (nil on logout) and are invoked synchronously from Set.
func (cs *CredentialStore) Subscribe(fn func(*Credentials)) {
	cs.mu.Lock()
	cs.subs = append(cs.subs, fn)
	cs.mu.Unlock()
}
