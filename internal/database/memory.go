package database

import (
	"fmt"
	"sync"

	"github.com/gogpu/replaykit/internal/records"
)

// Memory is an in-process record store. It mirrors the SQLite store's
// insertion-order enumeration and is the store of choice for tests and for
// worker processes that synthesize their own batches.
type Memory struct {
	mu    sync.RWMutex
	blobs map[records.Class]map[records.Hash][]byte
	order map[records.Class][]records.Hash
}

// NewMemory returns an empty in-memory record store.
func NewMemory() *Memory {
	return &Memory{
		blobs: make(map[records.Class]map[records.Hash][]byte),
		order: make(map[records.Class][]records.Hash),
	}
}

func (m *Memory) Close() error { return nil }

// Enumerate returns all hashes of a class in insertion order.
func (m *Memory) Enumerate(class records.Class) ([]records.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]records.Hash, len(m.order[class]))
	copy(out, m.order[class])
	return out, nil
}

// ReadBlob returns the stored blob for (class, hash).
func (m *Memory) ReadBlob(class records.Class, hash records.Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[class][hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, class, hash)
	}
	return blob, nil
}

// Put stores a JSON record blob under its JCS content hash.
func (m *Memory) Put(class records.Class, blob []byte) (records.Hash, error) {
	hash, err := records.HashBlob(blob)
	if err != nil {
		return 0, err
	}
	m.PutRaw(class, hash, blob)
	return hash, nil
}

// PutRaw stores a blob under an explicit hash, bypassing content hashing.
// Tests use it to plant malformed blobs that JCS would reject.
func (m *Memory) PutRaw(class records.Class, hash records.Hash, blob []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs[class] == nil {
		m.blobs[class] = make(map[records.Hash][]byte)
	}
	if _, exists := m.blobs[class][hash]; !exists {
		m.order[class] = append(m.order[class], hash)
	}
	m.blobs[class][hash] = blob
}
