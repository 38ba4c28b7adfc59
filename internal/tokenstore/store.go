// Package tokenstore persists the bearer token and the pending-flow markers
// that let a new process reconstruct where the user is in authentication.
//
// Every write is immediately durable and every read goes to the backend.
// When the backend fails the store degrades to an in-memory map for the rest
// of the process, seeded with the last values the backend confirmed: the
// session keeps working but will not survive a restart.
package tokenstore

import (
	"log/slog"
	"sync"
)

// Key names a persisted marker.
type Key string

const (
	// KeyAccessToken holds the bearer token.
	KeyAccessToken Key = "accessToken"
	// KeyOTPEmail marks a login awaiting OTP verification.
	KeyOTPEmail Key = "temp_email"
	// KeyResetEmail marks a forgot-password flow in progress.
	KeyResetEmail Key = "resetEmail"
)

// Keys lists every key the store manages, in the order ClearAll removes them.
var Keys = []Key{KeyAccessToken, KeyOTPEmail, KeyResetEmail}

// Backend is the durable storage behind a Store.
// Get reports ok=false when the key is absent.
type Backend interface {
	Get(key Key) (value string, ok bool, err error)
	Set(key Key, value string) error
	Delete(key Key) error
	Name() string
}

// Store is the marker cell. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	known    map[Key]string // last value read from or written to backend
	degraded bool
}

// New wraps backend in a Store.
func New(backend Backend) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Store{backend: backend, known: make(map[Key]string)}
}

// NewDegraded returns a store that starts out in memory because the
// configured backend could not be opened.
func NewDegraded(backend string, err error) *Store {
	s := &Store{backend: failedBackend{name: backend}, known: make(map[Key]string)}
	s.mu.Lock()
	s.degrade("open", "", err)
	s.mu.Unlock()
	return s
}

type failedBackend struct{ name string }

func (f failedBackend) Name() string                  { return f.name }
func (f failedBackend) Get(Key) (string, bool, error) { return "", false, nil }
func (f failedBackend) Set(Key, string) error         { return nil }
func (f failedBackend) Delete(Key) error              { return nil }

// Get returns the value for key and whether it is present.
func (s *Store) Get(key Key) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok, err := s.backend.Get(key)
	if err != nil {
		s.degrade("get", key, err)
		value, ok, _ = s.backend.Get(key)
	}
	s.remember(key, value, ok)
	if value == "" {
		return "", false
	}
	return value, ok
}

// Has reports whether key is present.
func (s *Store) Has(key Key) bool {
	_, ok := s.Get(key)
	return ok
}

// Set stores value under key. An empty value clears the key: absence, not
// the empty string, is the meaningful state.
func (s *Store) Set(key Key, value string) {
	if value == "" {
		s.Clear(key)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Set(key, value); err != nil {
		s.degrade("set", key, err)
		_ = s.backend.Set(key, value)
	}
	s.remember(key, value, true)
}

// Clear removes key.
func (s *Store) Clear(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(key); err != nil {
		s.degrade("delete", key, err)
		_ = s.backend.Delete(key)
	}
	s.remember(key, "", false)
}

// ClearAll removes every managed key.
func (s *Store) ClearAll() {
	for _, k := range Keys {
		s.Clear(k)
	}
}

// Degraded reports whether the store has fallen back to memory.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Backend returns the name of the active backend.
func (s *Store) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Name()
}

// remember records what the backend last held for key. Must be called
// with mu held.
func (s *Store) remember(key Key, value string, ok bool) {
	if ok && value != "" {
		s.known[key] = value
		return
	}
	delete(s.known, key)
}

// degrade swaps in a memory backend holding the last known values, so a
// failure part-way through a session keeps the token and flow markers.
// Must be called with mu held.
func (s *Store) degrade(op string, key Key, err error) {
	if s.degraded {
		return
	}
	slog.Warn("token storage unavailable, continuing in memory; session will not survive a restart",
		"backend", s.backend.Name(),
		"op", op,
		"key", string(key),
		"error", err,
	)
	mem := NewMemoryBackend()
	for k, v := range s.known {
		mem.values[k] = v
	}
	s.backend = mem
	s.degraded = true
}
