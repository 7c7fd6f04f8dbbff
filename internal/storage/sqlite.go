// Package storage persists the peer's local file metadata and sealed file
// keys in SQLite. Encrypted chunk bytes live in the chunk store, not here.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS files (
    file_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    checksum TEXT NOT NULL,
    chunk_count INTEGER NOT NULL,
    chunk_size INTEGER NOT NULL,
    file_size INTEGER NOT NULL,
    shared_with TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS file_keys (
    file_id TEXT PRIMARY KEY,
    blob BLOB NOT NULL,
    salt BLOB NOT NULL,
    nonce BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (file_id) REFERENCES files(file_id)
);

CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);`
	_, err := d.db.Exec(schema)
	return err
}

// UpsertFileMeta inserts or replaces the metadata row for a file.
func (d *DB) UpsertFileMeta(m *FileMeta) error {
	shared, err := json.Marshal(m.SharedWith)
	if err != nil {
		return fmt.Errorf("encode shared_with: %w", err)
	}
	now := time.Now().Unix()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err = d.db.Exec(
		`INSERT INTO files (file_id, status, checksum, chunk_count, chunk_size, file_size, shared_with, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET
		   status = excluded.status,
		   checksum = excluded.checksum,
		   chunk_count = excluded.chunk_count,
		   chunk_size = excluded.chunk_size,
		   file_size = excluded.file_size,
		   shared_with = excluded.shared_with,
		   updated_at = excluded.updated_at`,
		m.FileID, m.Status, m.Checksum, m.ChunkCount, m.ChunkSize, m.FileSize, string(shared), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert file meta: %w", err)
	}
	return nil
}

// GetFileMeta retrieves the metadata row for a file.
func (d *DB) GetFileMeta(fileID string) (*FileMeta, error) {
	m := &FileMeta{}
	var shared string
	err := d.db.QueryRow(
		`SELECT file_id, status, checksum, chunk_count, chunk_size, file_size, shared_with, created_at, updated_at
		 FROM files WHERE file_id = ?`, fileID,
	).Scan(&m.FileID, &m.Status, &m.Checksum, &m.ChunkCount, &m.ChunkSize, &m.FileSize, &shared, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file meta: %w", err)
	}
	if err := json.Unmarshal([]byte(shared), &m.SharedWith); err != nil {
		return nil, fmt.Errorf("decode shared_with: %w", err)
	}
	return m, nil
}

// ListFileMeta returns all file metadata rows, optionally filtered by status.
func (d *DB) ListFileMeta(status FileStatus) ([]FileMeta, error) {
	query := `SELECT file_id, status, checksum, chunk_count, chunk_size, file_size, shared_with, created_at, updated_at FROM files`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list file meta: %w", err)
	}
	defer rows.Close()

	var metas []FileMeta
	for rows.Next() {
		var m FileMeta
		var shared string
		if err := rows.Scan(&m.FileID, &m.Status, &m.Checksum, &m.ChunkCount, &m.ChunkSize, &m.FileSize, &shared, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file meta: %w", err)
		}
		if err := json.Unmarshal([]byte(shared), &m.SharedWith); err != nil {
			return nil, fmt.Errorf("decode shared_with: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// SetFileStatus updates only the lifecycle status of a file.
func (d *DB) SetFileStatus(fileID string, status FileStatus) error {
	res, err := d.db.Exec(
		`UPDATE files SET status = ?, updated_at = ? WHERE file_id = ?`,
		status, time.Now().Unix(), fileID,
	)
	if err != nil {
		return fmt.Errorf("set file status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set file status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set file status: %w", ErrNotFound)
	}
	return nil
}

// SetSharedWith replaces the cached sharedWith list for a file. The
// coordinator's copy is authoritative; this cache feeds the re-announce after
// a restart.
func (d *DB) SetSharedWith(fileID string, sharedWith []string) error {
	shared, err := json.Marshal(sharedWith)
	if err != nil {
		return fmt.Errorf("encode shared_with: %w", err)
	}
	res, err := d.db.Exec(
		`UPDATE files SET shared_with = ?, updated_at = ? WHERE file_id = ?`,
		string(shared), time.Now().Unix(), fileID,
	)
	if err != nil {
		return fmt.Errorf("set shared_with: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set shared_with rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set shared_with: %w", ErrNotFound)
	}
	return nil
}

// DeleteFileMeta removes a file's metadata and sealed key.
func (d *DB) DeleteFileMeta(fileID string) error {
	if _, err := d.db.Exec(`DELETE FROM file_keys WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete file key: %w", err)
	}
	if _, err := d.db.Exec(`DELETE FROM files WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete file meta: %w", err)
	}
	return nil
}

// SaveFileKey stores a sealed per-file key.
func (d *DB) SaveFileKey(k *SealedKey) error {
	if k.CreatedAt == 0 {
		k.CreatedAt = time.Now().Unix()
	}
	_, err := d.db.Exec(
		`INSERT INTO file_keys (file_id, blob, salt, nonce, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET
		   blob = excluded.blob, salt = excluded.salt, nonce = excluded.nonce`,
		k.FileID, k.Blob, k.Salt, k.Nonce, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save file key: %w", err)
	}
	return nil
}

// GetFileKey retrieves the sealed key for a file.
func (d *DB) GetFileKey(fileID string) (*SealedKey, error) {
	k := &SealedKey{}
	err := d.db.QueryRow(
		`SELECT file_id, blob, salt, nonce, created_at FROM file_keys WHERE file_id = ?`, fileID,
	).Scan(&k.FileID, &k.Blob, &k.Salt, &k.Nonce, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file key: %w", err)
	}
	return k, nil
}
