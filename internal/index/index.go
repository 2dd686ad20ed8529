// Package index implements the durable local state of spec §4.5 (C5): a
// cache, not an authority, mapping each LogicalPath to what was last seen
// locally and on the relay. Backed by SQLite via sqlx (schema, NamedExec
// upsert, GetState/Count/Destroy), built around escale's
// placeholder/version/digest model.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/escale/escale/internal/db"
)

// schemaVersion identifies the index_entries/bucketed_names/scan_counters
// layout this build expects; bumped whenever the schema changes shape.
const schemaVersion = "1"

// Counter keys recorded in scan_counters (spec §4.5 "C5"): the schema
// version, the timestamp of the last completed full scan, and a rebuild
// generation counter incremented every time Destroy wipes the index.
const (
	CounterSchemaVersion     = "schema_version"
	CounterLastFullScan      = "last_full_scan"
	CounterRebuildGeneration = "rebuild_generation"
)

const schema = `
CREATE TABLE IF NOT EXISTS index_entries (
	logical_path TEXT PRIMARY KEY,
	local_mtime INTEGER NOT NULL DEFAULT 0,
	local_size INTEGER NOT NULL DEFAULT 0,
	local_hash TEXT NOT NULL DEFAULT '',
	last_pushed_version INTEGER NOT NULL DEFAULT 0,
	last_pulled_version INTEGER NOT NULL DEFAULT 0,
	last_pulled_hash TEXT NOT NULL DEFAULT '',
	pending_state TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS bucketed_names (
	bucket_name TEXT PRIMARY KEY,
	logical_path TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_counters (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Entry is the durable per-path record of spec §3 "IndexEntry".
type Entry struct {
	LogicalPath       string `db:"logical_path"`
	LocalMTime        int64  `db:"local_mtime"` // unix nanoseconds
	LocalSize         int64  `db:"local_size"`
	LocalHash         string `db:"local_hash"`
	LastPushedVersion uint64 `db:"last_pushed_version"`
	LastPulledVersion uint64 `db:"last_pulled_version"`
	LastPulledHash    string `db:"last_pulled_hash"`
	PendingState      string `db:"pending_state"`
}

// LocalModTime returns LocalMTime as a time.Time.
func (e Entry) LocalModTime() time.Time {
	if e.LocalMTime == 0 {
		return time.Time{}
	}
	return time.Unix(0, e.LocalMTime)
}

// Index is the durable per-repository index database.
type Index struct {
	db   *sqlx.DB
	path string
}

// Open creates or opens the index database at path, initializing its
// schema, using a single dedicated connection since sqlite serializes
// writers anyway.
func Open(path string) (*Index, error) {
	d, err := db.NewSqliteDb(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	if _, err := d.Exec(schema); err != nil {
		d.Close()
		return nil, fmt.Errorf("index: init schema: %w", err)
	}

	ix := &Index{db: d, path: path}
	if err := ix.SetCounter(CounterSchemaVersion, schemaVersion); err != nil {
		d.Close()
		return nil, err
	}
	generation, err := readGenerationSidecar(path)
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := ix.SetCounter(CounterRebuildGeneration, strconv.Itoa(generation)); err != nil {
		d.Close()
		return nil, err
	}
	return ix, nil
}

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// Get retrieves the entry for logicalPath, or (Entry{}, false, nil) if
// none is recorded yet.
func (ix *Index) Get(logicalPath string) (Entry, bool, error) {
	var e Entry
	err := ix.db.Get(&e, "SELECT * FROM index_entries WHERE logical_path = ?", logicalPath)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("index: get %s: %w", logicalPath, err)
	}
	return e, true, nil
}

// Set inserts or updates the entry for its LogicalPath.
func (ix *Index) Set(e Entry) error {
	const q = `
INSERT INTO index_entries (
	logical_path, local_mtime, local_size, local_hash,
	last_pushed_version, last_pulled_version, last_pulled_hash,
	pending_state
) VALUES (
	:logical_path, :local_mtime, :local_size, :local_hash,
	:last_pushed_version, :last_pulled_version, :last_pulled_hash,
	:pending_state
)
ON CONFLICT(logical_path) DO UPDATE SET
	local_mtime=excluded.local_mtime, local_size=excluded.local_size, local_hash=excluded.local_hash,
	last_pushed_version=excluded.last_pushed_version, last_pulled_version=excluded.last_pulled_version,
	last_pulled_hash=excluded.last_pulled_hash,
	pending_state=excluded.pending_state
`
	if _, err := ix.db.NamedExec(q, e); err != nil {
		return fmt.Errorf("index: set %s: %w", e.LogicalPath, err)
	}
	return nil
}

// Delete removes the entry for logicalPath.
func (ix *Index) Delete(logicalPath string) error {
	if _, err := ix.db.Exec("DELETE FROM index_entries WHERE logical_path = ?", logicalPath); err != nil {
		return fmt.Errorf("index: delete %s: %w", logicalPath, err)
	}
	return nil
}

// All returns every known entry, keyed by LogicalPath.
func (ix *Index) All() (map[string]Entry, error) {
	var entries []Entry
	if err := ix.db.Select(&entries, "SELECT * FROM index_entries"); err != nil {
		return nil, fmt.Errorf("index: list entries: %w", err)
	}
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		out[e.LogicalPath] = e
	}
	return out, nil
}

// Count returns the number of recorded entries, used to decide whether a
// rebuild is needed (spec I4, P8).
func (ix *Index) Count() (int, error) {
	var n int
	if err := ix.db.Get(&n, "SELECT COUNT(*) FROM index_entries"); err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}

// PutBucketName records a bucketed-name -> LogicalPath mapping for an
// over-length path (spec §4.2).
func (ix *Index) PutBucketName(bucketName, logicalPath string) error {
	const q = `INSERT INTO bucketed_names (bucket_name, logical_path) VALUES (?, ?)
		ON CONFLICT(bucket_name) DO UPDATE SET logical_path=excluded.logical_path`
	if _, err := ix.db.Exec(q, bucketName, logicalPath); err != nil {
		return fmt.Errorf("index: put bucket name: %w", err)
	}
	return nil
}

// ResolveBucketName looks up the LogicalPath for a bucketed name.
func (ix *Index) ResolveBucketName(bucketName string) (string, bool, error) {
	var logicalPath string
	err := ix.db.Get(&logicalPath, "SELECT logical_path FROM bucketed_names WHERE bucket_name = ?", bucketName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("index: resolve bucket name: %w", err)
	}
	return logicalPath, true, nil
}

// SetCounter records a named global counter (e.g. last full-scan time,
// schema version, rebuild generation).
func (ix *Index) SetCounter(key, value string) error {
	const q = `INSERT INTO scan_counters (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	if _, err := ix.db.Exec(q, key, value); err != nil {
		return fmt.Errorf("index: set counter %s: %w", key, err)
	}
	return nil
}

// Counter reads a named global counter, or "" if unset.
func (ix *Index) Counter(key string) (string, error) {
	var value string
	err := ix.db.Get(&value, "SELECT value FROM scan_counters WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: get counter %s: %w", key, err)
	}
	return value, nil
}

// Destroy closes the index and renames its backing file aside with a
// timestamp suffix, so a full rescan starts from an empty index (spec
// §4.5 "after corruption or loss, a full rescan rebuilds it"). The
// rebuild generation counter survives the wipe via a sidecar file, since
// the counter's whole purpose is to distinguish index incarnations across
// exactly this kind of rename-away.
func (ix *Index) Destroy() error {
	path := ix.path
	generation, err := ix.Counter(CounterRebuildGeneration)
	if err != nil {
		return fmt.Errorf("index: destroy: read generation: %w", err)
	}
	n, _ := strconv.Atoi(generation)
	n++

	if err := ix.Close(); err != nil {
		return fmt.Errorf("index: destroy: close: %w", err)
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := writeGenerationSidecar(path, n); err != nil {
		return fmt.Errorf("index: destroy: write generation: %w", err)
	}
	backup := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("20060102150405"))
	if err := os.Rename(path, backup); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("index: destroy: rename: %w", err)
	}
	slog.Info("index destroyed", "path", path, "backup", backup, "rebuild_generation", n)
	return nil
}

func generationSidecarPath(indexPath string) string {
	return indexPath + ".generation"
}

// readGenerationSidecar returns the rebuild generation left by a prior
// Destroy, or 0 if the index has never been rebuilt.
func readGenerationSidecar(indexPath string) (int, error) {
	data, err := os.ReadFile(generationSidecarPath(indexPath))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("index: read generation sidecar: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("index: parse generation sidecar: %w", err)
	}
	return n, nil
}

func writeGenerationSidecar(indexPath string, generation int) error {
	return os.WriteFile(generationSidecarPath(indexPath), []byte(strconv.Itoa(generation)), 0o644)
}

// EnsureDir creates the parent directory of an index path.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
