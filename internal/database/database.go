// Package database provides the content-addressed record store the replayer
// reads from. Records are keyed by (resource class, content hash); the store
// enumerates hashes per class in a deterministic order so repeated replays
// visit records identically.
package database

import (
	"errors"

	"github.com/gogpu/replaykit/internal/records"
)

// ErrNotFound reports a (class, hash) pair with no stored blob.
var ErrNotFound = errors.New("database: record not found")

// Database is the read side consumed by the replay scheduler.
//
// Enumerate must return hashes in a stable order for a given database, and
// ReadBlob must return the exact bytes that were stored. Both are called from
// the scheduler goroutine only.
type Database interface {
	// Enumerate lists every stored hash for a resource class, in
	// insertion order.
	Enumerate(class records.Class) ([]records.Hash, error)

	// ReadBlob returns the serialized record for a hash, or ErrNotFound.
	ReadBlob(class records.Class, hash records.Hash) ([]byte, error)

	Close() error
}
