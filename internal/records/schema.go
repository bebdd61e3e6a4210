// Package records is the dataset record store: one SQLite database holding
// dataset and task records, their versions per slug, tags and publications.
package records

// CreateDatasetsTableSQL creates the dataset records table. Every upload of a
// slug is a new row with the next version; at most one live row per slug is
// current.
const CreateDatasetsTableSQL = `
CREATE TABLE IF NOT EXISTS datasets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    slug TEXT NOT NULL,
    version INTEGER NOT NULL,
    format TEXT NOT NULL DEFAULT '',
    file_name TEXT NOT NULL DEFAULT '',
    num_instances INTEGER NOT NULL DEFAULT 0,
    num_attributes INTEGER NOT NULL DEFAULT 0,
    fingerprint TEXT NOT NULL DEFAULT '',
    extract_cache TEXT NOT NULL DEFAULT '',
    attribute_types TEXT NOT NULL DEFAULT '',
    source_url TEXT NOT NULL DEFAULT '',
    is_approved INTEGER NOT NULL DEFAULT 0,
    is_public INTEGER NOT NULL DEFAULT 1,
    is_current INTEGER NOT NULL DEFAULT 0,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (slug, version)
)`

// CreateTasksTableSQL creates the task records table. Tasks reference the
// dataset slug they split.
const CreateTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    slug TEXT NOT NULL,
    version INTEGER NOT NULL,
    dataset_slug TEXT NOT NULL,
    file_name TEXT NOT NULL DEFAULT '',
    is_public INTEGER NOT NULL DEFAULT 1,
    is_current INTEGER NOT NULL DEFAULT 0,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    UNIQUE (slug, version)
)`

const CreateTagsTableSQL = `
CREATE TABLE IF NOT EXISTS dataset_tags (
    dataset_id INTEGER NOT NULL,
    tag TEXT NOT NULL,
    PRIMARY KEY (dataset_id, tag),
    FOREIGN KEY (dataset_id) REFERENCES datasets(id)
)`

const CreatePublicationsTableSQL = `
CREATE TABLE IF NOT EXISTS publications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dataset_id INTEGER NOT NULL,
    title TEXT NOT NULL,
    body TEXT NOT NULL,
    FOREIGN KEY (dataset_id) REFERENCES datasets(id)
)`

// CreateIndexesSQL creates the lookup indexes. The partial unique indexes
// keep a single current version per slug.
var CreateIndexesSQL = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_datasets_current ON datasets(slug)
		WHERE is_current = 1 AND is_deleted = 0`,
	`CREATE INDEX IF NOT EXISTS idx_datasets_name ON datasets(name)
		WHERE is_deleted = 0`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_current ON tasks(slug)
		WHERE is_current = 1 AND is_deleted = 0`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_dataset ON tasks(dataset_slug)`,
	`CREATE INDEX IF NOT EXISTS idx_tags_tag ON dataset_tags(tag)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the store.
func AllSchemaSQL() []string {
	statements := []string{
		CreateDatasetsTableSQL,
		CreateTasksTableSQL,
		CreateTagsTableSQL,
		CreatePublicationsTableSQL,
	}
	return append(statements, CreateIndexesSQL...)
}
