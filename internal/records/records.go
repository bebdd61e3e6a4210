package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	mlerrors "github.com/mldata/mldata/internal/errors"
)

// MaxSlugLength bounds generated slugs, numeric collision suffix included.
const MaxSlugLength = 50

// Well-known tags.
const (
	TagConversionFailed = "conversion_failed"
	TagScraped          = "scraped"
)

// Dataset is one version of a dataset record.
type Dataset struct {
	ID             int64
	Name           string
	Slug           string
	Version        int
	Format         string
	FileName       string
	NumInstances   int
	NumAttributes  int
	Fingerprint    string
	ExtractCache   string // JSON extract shown on the dataset page
	AttributeTypes string // JSON array of attribute type descriptors
	SourceURL      string
	Tags           []string
	IsApproved     bool
	IsPublic       bool
	IsCurrent      bool
	IsDeleted      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasTag reports whether the record carries tag.
func (d *Dataset) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Task is one version of a task record.
type Task struct {
	ID          int64
	Name        string
	Slug        string
	Version     int
	DatasetSlug string
	FileName    string
	IsPublic    bool
	IsCurrent   bool
	IsDeleted   bool
	CreatedAt   time.Time
}

// Publication is a citation attached to a dataset.
type Publication struct {
	Title string
	Body  string
}

// Store reads and writes dataset and task records.
type Store interface {
	// CreateDataset inserts d as the next version of d.Slug. When d.IsCurrent
	// is set the current flag moves from the previous version in the same
	// transaction. A slug owned by a different name fails with ErrSlugConflict.
	CreateDataset(ctx context.Context, d *Dataset) error
	// UpdateDataset rewrites the mutable fields and tags of the row d.ID.
	UpdateDataset(ctx context.Context, d *Dataset) error
	// GetDataset returns the current version of slug.
	GetDataset(ctx context.Context, slug string) (*Dataset, error)
	GetDatasetVersion(ctx context.Context, slug string, version int) (*Dataset, error)
	// FindDatasetByName returns the current record with the given name.
	FindDatasetByName(ctx context.Context, name string) (*Dataset, error)
	ListDatasets(ctx context.Context) ([]*Dataset, error)
	SetCurrent(ctx context.Context, slug string, version int) error
	DeleteDataset(ctx context.Context, slug string) error
	AddTags(ctx context.Context, id int64, tags ...string) error
	AddPublication(ctx context.Context, id int64, p Publication) error
	Publications(ctx context.Context, id int64) ([]Publication, error)
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, slug string) (*Task, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	mu     sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// Open opens or creates the record store at dbPath.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("records: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("records: failed to initialize schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("records: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

const datasetColumns = `id, name, slug, version, format, file_name, num_instances, num_attributes,
	fingerprint, extract_cache, attribute_types, source_url,
	is_approved, is_public, is_current, is_deleted, created_at, updated_at`

func (s *SQLiteStore) CreateDataset(ctx context.Context, d *Dataset) error {
	if d.Slug == "" || d.Name == "" {
		return mlerrors.NewValidationError(mlerrors.CodeInvalidDataset, "records: dataset needs a name and a slug")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("records: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx,
		"SELECT name FROM datasets WHERE slug = ? ORDER BY version DESC LIMIT 1", d.Slug,
	).Scan(&owner)
	switch {
	case err == nil && owner != d.Name:
		return mlerrors.NewRecordError(mlerrors.CodeSlugConflict,
			fmt.Sprintf("slug %q belongs to dataset %q", d.Slug, owner), nil)
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("records: failed to look up slug %s: %w", d.Slug, err)
	}

	var version int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM datasets WHERE slug = ?", d.Slug,
	).Scan(&version); err != nil {
		return fmt.Errorf("records: failed to allocate version: %w", err)
	}

	if d.IsCurrent {
		if _, err := tx.ExecContext(ctx,
			"UPDATE datasets SET is_current = 0 WHERE slug = ? AND is_current = 1", d.Slug,
		); err != nil {
			return fmt.Errorf("records: failed to release current version: %w", err)
		}
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO datasets (
			name, slug, version, format, file_name, num_instances, num_attributes,
			fingerprint, extract_cache, attribute_types, source_url,
			is_approved, is_public, is_current, is_deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		d.Name, d.Slug, version, d.Format, d.FileName, d.NumInstances, d.NumAttributes,
		d.Fingerprint, d.ExtractCache, d.AttributeTypes, d.SourceURL,
		d.IsApproved, d.IsPublic, d.IsCurrent, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("records: failed to insert dataset %s: %w", d.Slug, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("records: failed to read dataset id: %w", err)
	}
	if err := insertTags(ctx, tx, id, d.Tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("records: failed to commit dataset %s: %w", d.Slug, err)
	}

	d.ID = id
	d.Version = version
	d.CreatedAt = time.Unix(0, now.UnixNano())
	d.UpdatedAt = d.CreatedAt
	return nil
}

func insertTags(ctx context.Context, tx *sql.Tx, id int64, tags []string) error {
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO dataset_tags (dataset_id, tag) VALUES (?, ?)", id, tag,
		); err != nil {
			return fmt.Errorf("records: failed to tag dataset %d: %w", id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) UpdateDataset(ctx context.Context, d *Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("records: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE datasets SET
			format = ?, file_name = ?, num_instances = ?, num_attributes = ?,
			fingerprint = ?, extract_cache = ?, attribute_types = ?, source_url = ?,
			is_approved = ?, is_public = ?, updated_at = ?
		WHERE id = ?`,
		d.Format, d.FileName, d.NumInstances, d.NumAttributes,
		d.Fingerprint, d.ExtractCache, d.AttributeTypes, d.SourceURL,
		d.IsApproved, d.IsPublic, now.UnixNano(), d.ID,
	)
	if err != nil {
		return fmt.Errorf("records: failed to update dataset %d: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("dataset id %d", d.ID)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM dataset_tags WHERE dataset_id = ?", d.ID); err != nil {
		return fmt.Errorf("records: failed to clear tags of %d: %w", d.ID, err)
	}
	if err := insertTags(ctx, tx, d.ID, d.Tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("records: failed to commit update: %w", err)
	}
	d.UpdatedAt = time.Unix(0, now.UnixNano())
	return nil
}

func (s *SQLiteStore) GetDataset(ctx context.Context, slug string) (*Dataset, error) {
	return s.getDataset(ctx, "dataset "+slug,
		"WHERE slug = ? AND is_current = 1 AND is_deleted = 0", slug)
}

func (s *SQLiteStore) GetDatasetVersion(ctx context.Context, slug string, version int) (*Dataset, error) {
	return s.getDataset(ctx, fmt.Sprintf("dataset %s version %d", slug, version),
		"WHERE slug = ? AND version = ? AND is_deleted = 0", slug, version)
}

func (s *SQLiteStore) FindDatasetByName(ctx context.Context, name string) (*Dataset, error) {
	return s.getDataset(ctx, "dataset named "+name,
		"WHERE name = ? AND is_current = 1 AND is_deleted = 0", name)
}

func (s *SQLiteStore) getDataset(ctx context.Context, what, where string, args ...interface{}) (*Dataset, error) {
	row := s.readDB.QueryRowContext(ctx, "SELECT "+datasetColumns+" FROM datasets "+where+" LIMIT 1", args...)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("%s", what)
	}
	if err != nil {
		return nil, fmt.Errorf("records: failed to get %s: %w", what, err)
	}
	if d.Tags, err = s.tags(ctx, d.ID); err != nil {
		return nil, err
	}
	return d, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDataset(row scanner) (*Dataset, error) {
	var d Dataset
	var created, updated int64
	err := row.Scan(&d.ID, &d.Name, &d.Slug, &d.Version, &d.Format, &d.FileName,
		&d.NumInstances, &d.NumAttributes, &d.Fingerprint, &d.ExtractCache,
		&d.AttributeTypes, &d.SourceURL,
		&d.IsApproved, &d.IsPublic, &d.IsCurrent, &d.IsDeleted, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = time.Unix(0, created)
	d.UpdatedAt = time.Unix(0, updated)
	return &d, nil
}

func (s *SQLiteStore) tags(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, "SELECT tag FROM dataset_tags WHERE dataset_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("records: failed to read tags: %w", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("records: failed to scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags, rows.Err()
}

// ListDatasets returns the current version of every live dataset, by slug.
func (s *SQLiteStore) ListDatasets(ctx context.Context) ([]*Dataset, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT "+datasetColumns+" FROM datasets WHERE is_current = 1 AND is_deleted = 0 ORDER BY slug")
	if err != nil {
		return nil, fmt.Errorf("records: failed to list datasets: %w", err)
	}
	var out []*Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("records: failed to scan dataset: %w", err)
		}
		out = append(out, d)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("records: failed to list datasets: %w", err)
	}
	for _, d := range out {
		if d.Tags, err = s.tags(ctx, d.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SetCurrent moves the current flag of slug to version.
func (s *SQLiteStore) SetCurrent(ctx context.Context, slug string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("records: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE datasets SET is_current = 0 WHERE slug = ? AND is_current = 1", slug,
	); err != nil {
		return fmt.Errorf("records: failed to release current version: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE datasets SET is_current = 1 WHERE slug = ? AND version = ? AND is_deleted = 0", slug, version)
	if err != nil {
		return fmt.Errorf("records: failed to set current version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("dataset %s version %d", slug, version)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("records: failed to commit current version: %w", err)
	}
	return nil
}

// DeleteDataset soft-deletes every version of slug.
func (s *SQLiteStore) DeleteDataset(ctx context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE datasets SET is_deleted = 1, is_current = 0, updated_at = ? WHERE slug = ? AND is_deleted = 0",
		time.Now().UnixNano(), slug)
	if err != nil {
		return fmt.Errorf("records: failed to delete dataset %s: %w", slug, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("dataset %s", slug)
	}
	return nil
}

func (s *SQLiteStore) AddTags(ctx context.Context, id int64, tags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("records: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertTags(ctx, tx, id, tags); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AddPublication(ctx context.Context, id int64, p Publication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO publications (dataset_id, title, body) VALUES (?, ?, ?)", id, p.Title, p.Body,
	); err != nil {
		return fmt.Errorf("records: failed to add publication to %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Publications(ctx context.Context, id int64) ([]Publication, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT title, body FROM publications WHERE dataset_id = ? ORDER BY id", id)
	if err != nil {
		return nil, fmt.Errorf("records: failed to read publications: %w", err)
	}
	defer rows.Close()
	var out []Publication
	for rows.Next() {
		var p Publication
		if err := rows.Scan(&p.Title, &p.Body); err != nil {
			return nil, fmt.Errorf("records: failed to scan publication: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateTask inserts t as the next version of t.Slug and makes it current.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	if t.Slug == "" || t.DatasetSlug == "" {
		return mlerrors.NewValidationError(mlerrors.CodeInvalidSplit, "records: task needs a slug and a dataset")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("records: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM tasks WHERE slug = ?", t.Slug,
	).Scan(&version); err != nil {
		return fmt.Errorf("records: failed to allocate task version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET is_current = 0 WHERE slug = ? AND is_current = 1", t.Slug,
	); err != nil {
		return fmt.Errorf("records: failed to release current task: %w", err)
	}
	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (name, slug, version, dataset_slug, file_name, is_public, is_current, is_deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, ?)`,
		t.Name, t.Slug, version, t.DatasetSlug, t.FileName, t.IsPublic, now.UnixNano())
	if err != nil {
		return fmt.Errorf("records: failed to insert task %s: %w", t.Slug, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("records: failed to read task id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("records: failed to commit task %s: %w", t.Slug, err)
	}
	t.ID, t.Version, t.IsCurrent = id, version, true
	t.CreatedAt = time.Unix(0, now.UnixNano())
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, slug string) (*Task, error) {
	var t Task
	var created int64
	err := s.readDB.QueryRowContext(ctx, `
		SELECT id, name, slug, version, dataset_slug, file_name, is_public, is_current, is_deleted, created_at
		FROM tasks WHERE slug = ? AND is_current = 1 AND is_deleted = 0`, slug,
	).Scan(&t.ID, &t.Name, &t.Slug, &t.Version, &t.DatasetSlug, &t.FileName,
		&t.IsPublic, &t.IsCurrent, &t.IsDeleted, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task %s", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("records: failed to get task %s: %w", slug, err)
	}
	t.CreatedAt = time.Unix(0, created)
	return &t, nil
}

// Close closes both connections.
func (s *SQLiteStore) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func notFound(format string, args ...interface{}) error {
	return mlerrors.NewRecordError(mlerrors.CodeRecordNotFound, fmt.Sprintf(format, args...)+" not found", nil)
}
