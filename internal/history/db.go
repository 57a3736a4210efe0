package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpExport OpType = "export"
)

// ErrNoFile is returned when the catalog has no entry for a key.
var ErrNoFile = errors.New("no catalog entry")

// Operation is one journaled change to the stash.
type Operation struct {
	ID         int64             `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       OpType            `json:"type"`
	Key        string            `json:"key"`
	SourcePath string            `json:"source_path,omitempty"`
	DestPath   string            `json:"dest_path,omitempty"`
	FileSize   int64             `json:"file_size"`
	Batch      string            `json:"batch,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// File is the catalog entry of a stored file: what it was called before it
// was stashed.
type File struct {
	Key       string    `json:"key"`
	Filename  string    `json:"filename"`
	Extension string    `json:"extension"`
	Size      int64     `json:"size"`
	Added     time.Time `json:"added"`
}

const sqliteTime = "2006-01-02 15:04:05"

type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps sqlite writes serialized.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			key TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			extension TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			added DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_filename ON files(filename);

		CREATE TABLE IF NOT EXISTS operations (
			id INTEGER PRIMARY KEY,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			operation TEXT NOT NULL,
			key TEXT NOT NULL,
			source_path TEXT,
			dest_path TEXT,
			file_size INTEGER,
			batch TEXT,
			metadata JSON
		);
		CREATE INDEX IF NOT EXISTS idx_op_key ON operations(key);
		CREATE INDEX IF NOT EXISTS idx_op_batch ON operations(batch);
		CREATE INDEX IF NOT EXISTS idx_timestamp ON operations(timestamp);
	`)
	return err
}

func (d *DB) Close() error {
	return d.db.Close()
}

// AddFile records a newly stored file in the catalog.
func (d *DB) AddFile(f File) error {
	_, err := d.db.Exec(`
		INSERT INTO files (key, filename, extension, size) VALUES (?, ?, ?, ?)
	`, f.Key, f.Filename, f.Extension, f.Size)
	return err
}

// RemoveFile drops the catalog entry for key. A missing entry is not an
// error.
func (d *DB) RemoveFile(key string) error {
	_, err := d.db.Exec(`DELETE FROM files WHERE key = ?`, key)
	return err
}

func (d *DB) LookupFile(key string) (*File, error) {
	row := d.db.QueryRow(`
		SELECT key, filename, extension, size, added FROM files WHERE key = ?
	`, key)

	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoFile, key)
	}
	return f, err
}

// FindFiles returns catalog entries whose original filename contains query,
// newest first. An empty query lists everything.
func (d *DB) FindFiles(query string) ([]File, error) {
	pattern := "%" + query + "%"
	rows, err := d.db.Query(`
		SELECT key, filename, extension, size, added
		FROM files
		WHERE filename LIKE ?
		ORDER BY added DESC, filename
	`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*File, error) {
	var f File
	var added string
	if err := row.Scan(&f.Key, &f.Filename, &f.Extension, &f.Size, &added); err != nil {
		return nil, err
	}
	f.Added = parseTime(added)
	return &f, nil
}

func (d *DB) Record(op Operation) (int64, error) {
	metadata, _ := json.Marshal(op.Metadata)

	result, err := d.db.Exec(`
		INSERT INTO operations (operation, key, source_path, dest_path, file_size, batch, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.Type, op.Key, op.SourcePath, op.DestPath, op.FileSize, op.Batch, string(metadata))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const selectOperations = `
	SELECT id, timestamp, operation, key, source_path, dest_path, file_size, batch, metadata
	FROM operations
`

// Search matches query against keys and paths.
func (d *DB) Search(query string) ([]Operation, error) {
	pattern := "%" + query + "%"
	rows, err := d.db.Query(selectOperations+`
		WHERE key LIKE ? OR source_path LIKE ? OR dest_path LIKE ?
		ORDER BY timestamp DESC, id DESC
	`, pattern, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

func (d *DB) Since(t time.Time) ([]Operation, error) {
	rows, err := d.db.Query(selectOperations+`
		WHERE timestamp >= ?
		ORDER BY timestamp DESC, id DESC
	`, t.UTC().Format(sqliteTime))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

// Batch returns the operations recorded under one batch id, oldest first.
func (d *DB) Batch(batch string) ([]Operation, error) {
	rows, err := d.db.Query(selectOperations+`
		WHERE batch = ?
		ORDER BY id
	`, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

func (d *DB) Get(id int64) (*Operation, error) {
	row := d.db.QueryRow(selectOperations+`WHERE id = ?`, id)
	return scanOperation(row)
}

func scanOperation(row scanner) (*Operation, error) {
	var op Operation
	var ts string
	var sourcePath, destPath, batch, metadata sql.NullString
	var size sql.NullInt64

	err := row.Scan(&op.ID, &ts, &op.Type, &op.Key, &sourcePath, &destPath, &size, &batch, &metadata)
	if err != nil {
		return nil, err
	}

	op.Timestamp = parseTime(ts)
	op.SourcePath = sourcePath.String
	op.DestPath = destPath.String
	op.FileSize = size.Int64
	op.Batch = batch.String
	if metadata.Valid {
		json.Unmarshal([]byte(metadata.String), &op.Metadata)
	}
	return &op, nil
}

// parseTime reads a timestamp column, which the driver hands back either as
// sqlite's own text form or as RFC 3339.
func parseTime(s string) time.Time {
	for _, layout := range []string{sqliteTime, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func scanOperations(rows *sql.Rows) ([]Operation, error) {
	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}
