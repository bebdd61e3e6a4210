// Package h5 implements the canonical on-disk dataset file.
//
// The file is a hierarchy of groups, typed n-dimensional datasets and named
// attributes, stored in a single SQLite file. Dataset payloads are encoded
// little-endian (strings length-prefixed) and snappy-compressed.
package h5

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteMagic is the header every container starts with.
var sqliteMagic = []byte("SQLite format 3\x00")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS h5_groups (
	path TEXT PRIMARY KEY
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS h5_datasets (
	path TEXT PRIMARY KEY,
	dtype TEXT NOT NULL,
	dims TEXT NOT NULL,
	codec TEXT NOT NULL,
	payload BLOB NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS h5_attributes (
	path TEXT NOT NULL,
	name TEXT NOT NULL,
	dtype TEXT NOT NULL,
	dims TEXT NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (path, name)
) WITHOUT ROWID;

INSERT OR IGNORE INTO h5_groups (path) VALUES ('/');
`

const codecSnappy = "snappy"

// ErrNotFound is returned when a dataset or attribute does not exist.
var ErrNotFound = fmt.Errorf("h5: not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// File is an open container. A File opened for writing buffers all changes
// in one transaction until Commit.
type File struct {
	path string
	db   *sql.DB
	tx   *sql.Tx
}

// Create truncates filename and opens it for writing.
func Create(ctx context.Context, filename string) (*File, error) {
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("h5: failed to truncate %s: %w", filename, err)
	}
	return OpenWrite(ctx, filename)
}

// OpenWrite opens filename for writing, creating it when missing.
func OpenWrite(ctx context.Context, filename string) (*File, error) {
	if info, err := os.Stat(filename); err == nil && info.Size() > 0 && !IsContainer(filename) {
		return nil, fmt.Errorf("h5: %s exists and is not an h5 file", filename)
	}
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, fmt.Errorf("h5: failed to open %s: %w", filename, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("h5: failed to set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("h5: failed to create layout: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("h5: failed to begin transaction: %w", err)
	}
	return &File{path: filename, db: db, tx: tx}, nil
}

// Open opens an existing container read-only.
func Open(ctx context.Context, filename string) (*File, error) {
	if _, err := os.Stat(filename); err != nil {
		return nil, fmt.Errorf("h5: failed to open %s: %w", filename, err)
	}
	if !IsContainer(filename) {
		return nil, fmt.Errorf("h5: %s is not an h5 file", filename)
	}
	db, err := sql.Open("sqlite3", "file:"+filename+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("h5: failed to open %s: %w", filename, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("h5: failed to open %s: %w", filename, err)
	}
	return &File{path: filename, db: db}, nil
}

// IsContainer reports whether filename holds an h5 container.
func IsContainer(filename string) bool {
	fh, err := os.Open(filename)
	if err != nil {
		return false
	}
	header := make([]byte, len(sqliteMagic))
	_, err = fh.Read(header)
	fh.Close()
	if err != nil || !bytes.Equal(header, sqliteMagic) {
		return false
	}

	db, err := sql.Open("sqlite3", "file:"+filename+"?mode=ro")
	if err != nil {
		return false
	}
	defer db.Close()
	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('h5_groups', 'h5_datasets', 'h5_attributes')`).Scan(&n)
	return err == nil && n == 3
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// Writable reports whether the file was opened for writing.
func (f *File) Writable() bool { return f.tx != nil }

func (f *File) q() execer {
	if f.tx != nil {
		return f.tx
	}
	return f.db
}

// Commit flushes all pending writes and leaves the file in rollback-journal
// mode so it is a single self-contained file.
func (f *File) Commit(ctx context.Context) error {
	if f.tx == nil {
		return fmt.Errorf("h5: %s is not open for writing", f.path)
	}
	if err := f.tx.Commit(); err != nil {
		return fmt.Errorf("h5: failed to commit: %w", err)
	}
	f.tx = nil
	if _, err := f.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("h5: failed to checkpoint WAL: %w", err)
	}
	if _, err := f.db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return fmt.Errorf("h5: failed to set journal mode to DELETE: %w", err)
	}
	return nil
}

// Close releases the file. Uncommitted writes are discarded.
func (f *File) Close() error {
	if f.tx != nil {
		_ = f.tx.Rollback()
		f.tx = nil
	}
	return f.db.Close()
}

// CreateGroup creates a group and its parents.
func (f *File) CreateGroup(ctx context.Context, p string) error {
	if f.tx == nil {
		return fmt.Errorf("h5: %s is not open for writing", f.path)
	}
	p = clean(p)
	for cur := p; cur != "/"; cur = path.Dir(cur) {
		if _, err := f.tx.ExecContext(ctx, `INSERT OR IGNORE INTO h5_groups (path) VALUES (?)`, cur); err != nil {
			return fmt.Errorf("h5: failed to create group %s: %w", cur, err)
		}
	}
	return nil
}

// WriteDataset stores arr at p, replacing any previous dataset.
func (f *File) WriteDataset(ctx context.Context, p string, arr *Array) error {
	p = clean(p)
	if err := f.CreateGroup(ctx, path.Dir(p)); err != nil {
		return err
	}
	dims, payload, err := encodeArray(arr)
	if err != nil {
		return fmt.Errorf("h5: failed to encode %s: %w", p, err)
	}
	_, err = f.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO h5_datasets (path, dtype, dims, codec, payload) VALUES (?, ?, ?, ?, ?)`,
		p, string(arr.DType), dims, codecSnappy, snappy.Encode(nil, payload))
	if err != nil {
		return fmt.Errorf("h5: failed to write dataset %s: %w", p, err)
	}
	return nil
}

// ReadDataset loads the dataset at p.
func (f *File) ReadDataset(ctx context.Context, p string) (*Array, error) {
	p = clean(p)
	var dtype, dims, codec string
	var blob []byte
	err := f.q().QueryRowContext(ctx,
		`SELECT dtype, dims, codec, payload FROM h5_datasets WHERE path = ?`, p).
		Scan(&dtype, &dims, &codec, &blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: dataset %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("h5: failed to read dataset %s: %w", p, err)
	}
	return decodeStored(p, dtype, dims, codec, blob)
}

// Dims returns the dimensions of the dataset at p without loading it.
func (f *File) Dims(ctx context.Context, p string) ([]int, error) {
	p = clean(p)
	var raw string
	err := f.q().QueryRowContext(ctx, `SELECT dims FROM h5_datasets WHERE path = ?`, p).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: dataset %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("h5: failed to read dims of %s: %w", p, err)
	}
	var dims []int
	if err := json.Unmarshal([]byte(raw), &dims); err != nil {
		return nil, fmt.Errorf("h5: corrupt dims for %s: %w", p, err)
	}
	return dims, nil
}

// Exists reports whether a group or dataset lives at p.
func (f *File) Exists(ctx context.Context, p string) (bool, error) {
	p = clean(p)
	var n int
	err := f.q().QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM h5_groups WHERE path = ?) + (SELECT COUNT(*) FROM h5_datasets WHERE path = ?)`,
		p, p).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("h5: failed to look up %s: %w", p, err)
	}
	return n > 0, nil
}

// Children lists the names of datasets directly below group, sorted.
func (f *File) Children(ctx context.Context, group string) ([]string, error) {
	prefix := clean(group)
	if prefix != "/" {
		prefix += "/"
	}
	rows, err := f.q().QueryContext(ctx,
		`SELECT path FROM h5_datasets WHERE substr(path, 1, ?) = ? ORDER BY path`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("h5: failed to list %s: %w", group, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("h5: failed to scan path: %w", err)
		}
		name := strings.TrimPrefix(p, prefix)
		if !strings.Contains(name, "/") {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

// Groups lists every group path, sorted.
func (f *File) Groups(ctx context.Context) ([]string, error) {
	rows, err := f.q().QueryContext(ctx, `SELECT path FROM h5_groups ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("h5: failed to list groups: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("h5: failed to scan group: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetAttr attaches a named attribute to the node at p.
func (f *File) SetAttr(ctx context.Context, p, name string, arr *Array) error {
	if f.tx == nil {
		return fmt.Errorf("h5: %s is not open for writing", f.path)
	}
	dims, payload, err := encodeArray(arr)
	if err != nil {
		return fmt.Errorf("h5: failed to encode attribute %s@%s: %w", p, name, err)
	}
	_, err = f.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO h5_attributes (path, name, dtype, dims, payload) VALUES (?, ?, ?, ?, ?)`,
		clean(p), name, string(arr.DType), dims, payload)
	if err != nil {
		return fmt.Errorf("h5: failed to write attribute %s@%s: %w", p, name, err)
	}
	return nil
}

// Attr reads a named attribute of the node at p.
func (f *File) Attr(ctx context.Context, p, name string) (*Array, error) {
	var dtype, dims string
	var payload []byte
	err := f.q().QueryRowContext(ctx,
		`SELECT dtype, dims, payload FROM h5_attributes WHERE path = ? AND name = ?`, clean(p), name).
		Scan(&dtype, &dims, &payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: attribute %s@%s", ErrNotFound, p, name)
	}
	if err != nil {
		return nil, fmt.Errorf("h5: failed to read attribute %s@%s: %w", p, name, err)
	}
	return decodeArray(DType(dtype), dims, payload)
}

// Attrs lists attribute names of the node at p, sorted.
func (f *File) Attrs(ctx context.Context, p string) ([]string, error) {
	rows, err := f.q().QueryContext(ctx, `SELECT name FROM h5_attributes WHERE path = ? ORDER BY name`, clean(p))
	if err != nil {
		return nil, fmt.Errorf("h5: failed to list attributes of %s: %w", p, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("h5: failed to scan attribute: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Datasets lists every dataset path, sorted.
func (f *File) Datasets(ctx context.Context) ([]string, error) {
	rows, err := f.q().QueryContext(ctx, `SELECT path FROM h5_datasets ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("h5: failed to list datasets: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("h5: failed to scan dataset: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodeStored(p, dtype, dims, codec string, blob []byte) (*Array, error) {
	if codec != codecSnappy {
		return nil, fmt.Errorf("h5: dataset %s uses unknown codec %q", p, codec)
	}
	payload, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("h5: failed to decompress %s: %w", p, err)
	}
	arr, err := decodeArray(DType(dtype), dims, payload)
	if err != nil {
		return nil, fmt.Errorf("h5: failed to decode %s: %w", p, err)
	}
	return arr, nil
}

func clean(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
