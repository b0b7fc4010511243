// Package persistence is the annotator database: glossary entries, revisions, snapshots,
// and run state. A single connection owned by the runner
// mediates all writes; additional read-only connections are permitted.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// CurrentSchemaVersion is the schema version this build expects.
const CurrentSchemaVersion = 1

// Open opens (and, if new, initializes) the annotator database with foreign keys enforced
// and WAL journaling.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening annotator database: %w", err)
	}
	// A SQLite connection pool with more than one connection to an in-memory database hands
	// out a fresh, independent database per connection; cap the pool at one connection so all
	// callers share the same database regardless of dbPath.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging annotator database: %w", err)
	}
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return db, nil
}

// initializeSchemaWithMigrations ensures the database schema is at CurrentSchemaVersion.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies migrations from fromVersion+1 up to toVersion, in order. There are
// none yet beyond the initial schema; the version-by-version dispatch shape gives future
// schema changes somewhere to go.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(_ *sql.DB, version int) error {
	return fmt.Errorf("unknown migration version: %d", version)
}

// createSchema creates all required tables, triggers, and indices, then stamps
// CurrentSchemaVersion.
func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS glossary_entry (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			term TEXT NOT NULL,
			term_normalized TEXT NOT NULL UNIQUE,
			definition TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('tentative', 'confirmed')),
			first_seen_post_id INTEGER NOT NULL,
			first_seen_thread_id INTEGER NOT NULL,
			last_updated_post_id INTEGER NOT NULL,
			last_updated_thread_id INTEGER NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS glossary_tag (
			entry_id INTEGER NOT NULL REFERENCES glossary_entry(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (entry_id, tag)
		)`,

		// Kept coherent with glossary_entry via the triggers below.
		`CREATE VIRTUAL TABLE IF NOT EXISTS glossary_fts USING fts5(
			term, definition, content='glossary_entry', content_rowid='id'
		)`,

		`CREATE TABLE IF NOT EXISTS revision (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id INTEGER REFERENCES glossary_entry(id) ON DELETE SET NULL,
			snapshot_id INTEGER REFERENCES snapshot(id) ON DELETE SET NULL,
			field_name TEXT NOT NULL CHECK (field_name IN ('term', 'definition', 'status', 'tags', 'curator_decision', 'deleted')),
			old_value TEXT,
			new_value TEXT NOT NULL,
			source_post_id INTEGER NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS snapshot (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL CHECK (type IN ('checkpoint', 'curator_fork', 'manual')),
			last_post_id INTEGER NOT NULL,
			last_thread_id INTEGER NOT NULL,
			thread_position INTEGER NOT NULL,
			entry_count INTEGER NOT NULL,
			token_count INTEGER,
			metadata TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS snapshot_context (
			snapshot_id INTEGER PRIMARY KEY REFERENCES snapshot(id) ON DELETE CASCADE,
			system_prompt TEXT NOT NULL,
			cumulative_summary TEXT,
			thread_summaries TEXT NOT NULL,
			chunk_summaries TEXT NOT NULL,
			conversation_history TEXT NOT NULL,
			current_thread_id INTEGER,
			current_scene_index INTEGER NOT NULL DEFAULT 0,
			summarized_chunk_indices TEXT NOT NULL,
			completed_thread_ids TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS snapshot_entry (
			snapshot_id INTEGER NOT NULL REFERENCES snapshot(id) ON DELETE CASCADE,
			entry_id INTEGER NOT NULL REFERENCES glossary_entry(id) ON DELETE CASCADE,
			definition TEXT NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (snapshot_id, entry_id)
		)`,

		`CREATE TABLE IF NOT EXISTS run_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_post_id INTEGER NOT NULL DEFAULT 0,
			last_thread_id INTEGER NOT NULL DEFAULT 0,
			current_snapshot_id INTEGER REFERENCES snapshot(id) ON DELETE SET NULL,
			started_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			posts_processed INTEGER NOT NULL DEFAULT 0,
			entries_created INTEGER NOT NULL DEFAULT 0,
			entries_updated INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS thread_state (
			thread_id INTEGER PRIMARY KEY,
			last_scene_index INTEGER NOT NULL DEFAULT -1,
			completed INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TRIGGER IF NOT EXISTS glossary_entry_ai AFTER INSERT ON glossary_entry BEGIN
			INSERT INTO glossary_fts(rowid, term, definition) VALUES (new.id, new.term, new.definition);
		END`,
		`CREATE TRIGGER IF NOT EXISTS glossary_entry_ad AFTER DELETE ON glossary_entry BEGIN
			INSERT INTO glossary_fts(glossary_fts, rowid, term, definition) VALUES ('delete', old.id, old.term, old.definition);
		END`,
		`CREATE TRIGGER IF NOT EXISTS glossary_entry_au AFTER UPDATE ON glossary_entry BEGIN
			INSERT INTO glossary_fts(glossary_fts, rowid, term, definition) VALUES ('delete', old.id, old.term, old.definition);
			INSERT INTO glossary_fts(rowid, term, definition) VALUES (new.id, new.term, new.definition);
		END`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_revision_entry_id ON revision(entry_id)",
		"CREATE INDEX IF NOT EXISTS idx_revision_snapshot_id ON revision(snapshot_id)",
		"CREATE INDEX IF NOT EXISTS idx_glossary_tag_tag ON glossary_tag(tag)",
		"CREATE INDEX IF NOT EXISTS idx_snapshot_type ON snapshot(type)",
		"CREATE INDEX IF NOT EXISTS idx_snapshot_entry_entry_id ON snapshot_entry(entry_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w\n%s", err, ddl)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w\n%s", err, ddl)
		}
	}

	return setSchemaVersion(db, CurrentSchemaVersion)
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the highest applied schema version, or 0 if the database is new.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
