package storage

import (
	"context"
	"strconv"
	"sync"

	helixconnect "github.com/helix-data/helix-connect-go"
)

// Verify MemoryStore implements the object store interface.
var _ helixconnect.ObjectStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of an ObjectStore.
// NOTE: It should not be used in production and is for testing only!
type MemoryStore struct {
	sync.RWMutex

	Chunks    map[string]map[int][]byte
	Manifests map[string]*helixconnect.ObjectManifest
}

// NewMemoryStore returns a new in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Chunks:    make(map[string]map[int][]byte),
		Manifests: make(map[string]*helixconnect.ObjectManifest),
	}
}

// PutChunk stores a copy of the sealed chunk at the given index. Re-putting
// an index overwrites it, which keeps chunk uploads idempotent.
func (s *MemoryStore) PutChunk(_ context.Context, objectID string, index int, data []byte) error {
	s.Lock()
	defer s.Unlock()

	// If first time, need to initialize nested map
	if _, ok := s.Chunks[objectID]; !ok {
		s.Chunks[objectID] = make(map[int][]byte)
	}

	s.Chunks[objectID][index] = append([]byte(nil), data...)

	return nil
}

// GetChunk retrieves the sealed chunk at the given index. A missing chunk is
// a NotFoundError.
func (s *MemoryStore) GetChunk(_ context.Context, objectID string, index int) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	if data, ok := s.Chunks[objectID][index]; ok {
		return append([]byte(nil), data...), nil
	}

	return nil, &helixconnect.NotFoundError{Resource: "chunk", ID: objectID + "/" + strconv.Itoa(index)}
}

// PutManifest stores the manifest for objectID, overwriting any previous one.
func (s *MemoryStore) PutManifest(_ context.Context, objectID string, m *helixconnect.ObjectManifest) error {
	s.Lock()
	defer s.Unlock()

	cp := *m
	cp.Checksums = append([]string(nil), m.Checksums...)
	s.Manifests[objectID] = &cp

	return nil
}

// GetManifest retrieves the manifest for objectID. A missing manifest is a
// NotFoundError.
func (s *MemoryStore) GetManifest(_ context.Context, objectID string) (*helixconnect.ObjectManifest, error) {
	s.RLock()
	defer s.RUnlock()

	if m, ok := s.Manifests[objectID]; ok {
		cp := *m
		cp.Checksums = append([]string(nil), m.Checksums...)

		return &cp, nil
	}

	return nil, &helixconnect.NotFoundError{Resource: "manifest", ID: objectID}
}
