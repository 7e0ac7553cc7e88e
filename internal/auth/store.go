package auth

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store persists user profiles outside the routing core. The session
// registry is memory-only; profiles are what survives a restart.
// Save is called under the user's lock; implementations must not
// retain the live pointer past the call, since other users' records
// keep mutating while a store write is in flight.
type Store interface {
	Load() ([]*User, error)
	Save(u *User) error
}

// FileStore keeps all profiles in a single JSON file, rewritten
// atomically on every save. It holds snapshots, never live records,
// so marshaling one user's save does not read another user's state.
type FileStore struct {
	path string

	mu    sync.Mutex
	users map[string]*User
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, users: make(map[string]*User)}
}

func (s *FileStore) Load() ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var users map[string]*User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(users))
	for _, u := range users {
		s.users[u.Name] = u.Snapshot()
		out = append(out, u)
	}
	return out, nil
}

func (s *FileStore) Save(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[u.Name] = u.Snapshot()
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Clean(s.path))
}

// MemoryStore is a non-persisting Store used in tests and when no
// store path is configured.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*User
}

func NewMemoryStore(seed ...*User) *MemoryStore {
	s := &MemoryStore{users: make(map[string]*User)}
	for _, u := range seed {
		s.users[u.Name] = u
	}
	return s
}

func (s *MemoryStore) Load() ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *MemoryStore) Save(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Name] = u.Snapshot()
	return nil
}
