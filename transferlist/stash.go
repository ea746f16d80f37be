package transferlist

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/affggh/otaupdate/errs"
)

// StashStore persists blocks set aside by a "stash" command for later
// consumption by "move" or "free" commands. Entries are content
// addressed by the sha-256 of their bytes and refcounted so the same
// content stashed under two different IDs (a common pattern when a
// script stashes the same source range for two independent later
// commands) shares one on-disk copy.
type StashStore struct {
	dir string

	mu    sync.Mutex
	ids   map[string]string // stash id -> content hash
	count map[string]int    // content hash -> refcount
}

// NewStashStore creates a stash area rooted at dir, which must already
// exist.
func NewStashStore(dir string) *StashStore {
	return &StashStore{dir: dir, ids: map[string]string{}, count: map[string]int{}}
}

func (s *StashStore) contentPath(hash string) string {
	return filepath.Join(s.dir, hash+".stash")
}

// Put stores data under id, keyed by its content hash. If the same
// content is already stashed under a different id, the refcount is
// incremented instead of duplicating storage.
func (s *StashStore) Put(id string, data []byte) error {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.count[hash]; !exists {
		if err := os.WriteFile(s.contentPath(hash), data, 0o600); err != nil {
			return errs.Wrap(errs.IOError, "write stash content", err)
		}
	}
	s.ids[id] = hash
	s.count[hash]++
	return nil
}

// Get reads back the bytes stashed under id.
func (s *StashStore) Get(id string) ([]byte, error) {
	s.mu.Lock()
	hash, ok := s.ids[id]
	s.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.StashMissing, "no such stash id: "+id)
	}
	data, err := os.ReadFile(s.contentPath(hash))
	if err != nil {
		return nil, errs.Wrap(errs.StashMissing, "read stash content", err)
	}
	return data, nil
}

// Free releases id's reference; the backing content file is removed
// once its refcount reaches zero, so a still-shared blob survives a
// Free of one of its aliases.
func (s *StashStore) Free(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.ids[id]
	if !ok {
		return errs.New(errs.StashMissing, "no such stash id: "+id)
	}
	delete(s.ids, id)

	s.count[hash]--
	if s.count[hash] > 0 {
		return nil
	}
	delete(s.count, hash)
	if err := os.Remove(s.contentPath(hash)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IOError, "remove stash content", err)
	}
	return nil
}

// FreeAll releases every live stash id, for end-of-transfer cleanup.
func (s *StashStore) FreeAll() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Free(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
