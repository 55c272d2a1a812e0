package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/mpr/internal/apperr"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entries (
	path         TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	artifact     TEXT NOT NULL,
	artifact_sum TEXT NOT NULL,
	compiled_at  DATETIME NOT NULL,
	dirty        INTEGER NOT NULL DEFAULT 1
);
`

// Entry is the cache record for one source file.
type Entry struct {
	Path        string // source path relative to the watched root
	Fingerprint string // source fingerprint the artifact was compiled from
	Artifact    string // artifact path relative to the cache directory
	ArtifactSum string
	CompiledAt  time.Time
	Dirty       bool // compiled but not yet pushed to the device
}

// Manifest persists cache entries in SQLite.
type Manifest struct {
	conn *sql.DB
}

// OpenManifest opens (or creates) the manifest database and applies the schema.
func OpenManifest(dsn string) (*Manifest, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("cache: open manifest: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: ping manifest: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}
	return &Manifest{conn: conn}, nil
}

// Close closes the underlying database connection.
func (m *Manifest) Close() error {
	return m.conn.Close()
}

// Get returns the entry for path or an error wrapping apperr.ErrNotFound.
func (m *Manifest) Get(path string) (*Entry, error) {
	var e Entry
	var dirty int
	err := m.conn.QueryRow(`
		SELECT path, fingerprint, artifact, artifact_sum, compiled_at, dirty
		FROM entries WHERE path = ?
	`, path).Scan(&e.Path, &e.Fingerprint, &e.Artifact, &e.ArtifactSum, &e.CompiledAt, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache: entry %s: %w", path, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get entry: %w", err)
	}
	e.Dirty = dirty != 0
	return &e, nil
}

// Upsert inserts or replaces an entry.
func (m *Manifest) Upsert(e Entry) error {
	_, err := m.conn.Exec(`
		INSERT INTO entries (path, fingerprint, artifact, artifact_sum, compiled_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			fingerprint  = excluded.fingerprint,
			artifact     = excluded.artifact,
			artifact_sum = excluded.artifact_sum,
			compiled_at  = excluded.compiled_at,
			dirty        = excluded.dirty
	`, e.Path, e.Fingerprint, e.Artifact, e.ArtifactSum, e.CompiledAt.UTC(), boolInt(e.Dirty))
	if err != nil {
		return fmt.Errorf("cache: upsert entry: %w", err)
	}
	return nil
}

// SetClean clears the dirty flag of path if it still holds fingerprint. It
// reports whether a row was updated.
func (m *Manifest) SetClean(path, fingerprint string) (bool, error) {
	res, err := m.conn.Exec(`UPDATE entries SET dirty = 0 WHERE path = ? AND fingerprint = ?`, path, fingerprint)
	if err != nil {
		return false, fmt.Errorf("cache: set clean: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete removes the entry for path.
func (m *Manifest) Delete(path string) error {
	if _, err := m.conn.Exec(`DELETE FROM entries WHERE path = ?`, path); err != nil {
		return fmt.Errorf("cache: delete entry: %w", err)
	}
	return nil
}

// All returns every entry ordered by path.
func (m *Manifest) All() ([]Entry, error) {
	rows, err := m.conn.Query(`
		SELECT path, fingerprint, artifact, artifact_sum, compiled_at, dirty
		FROM entries ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("cache: all entries: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var dirty int
		if err := rows.Scan(&e.Path, &e.Fingerprint, &e.Artifact, &e.ArtifactSum, &e.CompiledAt, &dirty); err != nil {
			return nil, err
		}
		e.Dirty = dirty != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear removes every entry.
func (m *Manifest) Clear() error {
	if _, err := m.conn.Exec(`DELETE FROM entries`); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
