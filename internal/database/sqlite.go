package database

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/gogpu/replaykit/internal/records"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	class INTEGER NOT NULL,
	hash  INTEGER NOT NULL,
	blob  BLOB NOT NULL,
	PRIMARY KEY (class, hash)
);
`

// SQLite is a record store backed by a single SQLite file.
// Safe for use from one goroutine per method contract of Database; Put may
// be used from capture/import tooling before replay starts.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a record database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the SQLite connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enumerate returns all hashes of a class in insertion (rowid) order.
func (s *SQLite) Enumerate(class records.Class) ([]records.Hash, error) {
	rows, err := s.db.Query(`SELECT hash FROM records WHERE class = ? ORDER BY rowid`, int64(class))
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", class, err)
	}
	defer rows.Close()

	var hashes []records.Hash
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("enumerate %s: %w", class, err)
		}
		hashes = append(hashes, records.Hash(uint64(h)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", class, err)
	}
	return hashes, nil
}

// ReadBlob returns the stored blob for (class, hash).
func (s *SQLite) ReadBlob(class records.Class, hash records.Hash) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM records WHERE class = ? AND hash = ?`,
		int64(class), int64(uint64(hash))).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, class, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", class, hash, err)
	}
	return blob, nil
}

// Put stores a JSON record blob under its JCS content hash and returns that
// hash. Storing the same logical record twice is a no-op on the second call.
func (s *SQLite) Put(class records.Class, blob []byte) (records.Hash, error) {
	hash, err := records.HashBlob(blob)
	if err != nil {
		return 0, err
	}
	_, err = s.db.Exec(`INSERT OR IGNORE INTO records (class, hash, blob) VALUES (?, ?, ?)`,
		int64(class), int64(uint64(hash)), blob)
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", class, err)
	}
	return hash, nil
}
