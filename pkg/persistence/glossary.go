package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"terrarium-annotator/pkg/errs"
	"terrarium-annotator/pkg/logx"
)

// GlossaryStore is the SQLite-backed glossary with FTS5 search.
//
// Every create/update/delete logs to the revision table itself, in the same transaction as
// the mutation. That keeps the audit trail correct by construction instead of by caller
// discipline.
type GlossaryStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewGlossaryStore wraps an already-open, schema-initialized database connection.
func NewGlossaryStore(db *sql.DB) *GlossaryStore {
	return &GlossaryStore{db: db, logger: logx.NewLogger("glossary")}
}

// SearchStatus restricts Search to entries of a given status.
type SearchStatus string

const (
	SearchStatusAll       SearchStatus = "all"
	SearchStatusConfirmed SearchStatus = EntryStatusConfirmed
	SearchStatusTentative SearchStatus = EntryStatusTentative
)

// SearchOptions narrows a Search call.
type SearchOptions struct {
	Tags   []string
	Status SearchStatus
	Limit  int
}

// Search runs a full-text search over term and definition. An entry whose normalized term
// exactly matches query is promoted to rank 0 ahead of everything else; within each rank,
// results are ordered by FTS5 relevance (bm25) and then by id ascending as a final tie-break.
// Backs the search_glossary tool.
func (g *GlossaryStore) Search(query string, opts SearchOptions) ([]GlossaryEntry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Status == "" {
		opts.Status = SearchStatusAll
	}

	ftsQuery := query
	if strings.Contains(query, " ") {
		// Multi-word queries pass through as an implicit AND; quote single terms so FTS5
		// doesn't choke on punctuation inside them.
	} else {
		ftsQuery = `"` + query + `"`
	}

	sqlStr := `
		SELECT e.id, e.term, e.term_normalized, e.definition, e.status,
		       e.first_seen_post_id, e.first_seen_thread_id,
		       e.last_updated_post_id, e.last_updated_thread_id,
		       e.created_at, e.updated_at
		FROM glossary_fts f
		JOIN glossary_entry e ON f.rowid = e.id
		WHERE glossary_fts MATCH ?`
	args := []any{ftsQuery}

	if opts.Status != SearchStatusAll {
		sqlStr += ` AND e.status = ?`
		args = append(args, string(opts.Status))
	}

	if len(opts.Tags) > 0 {
		placeholders := make([]string, len(opts.Tags))
		for i, tag := range opts.Tags {
			placeholders[i] = "?"
			args = append(args, tag)
		}
		sqlStr += fmt.Sprintf(`
		AND e.id IN (
			SELECT entry_id FROM glossary_tag
			WHERE tag IN (%s)
			GROUP BY entry_id
			HAVING COUNT(DISTINCT tag) = ?
		)`, strings.Join(placeholders, ","))
		args = append(args, len(opts.Tags))
	}

	sqlStr += ` ORDER BY CASE WHEN e.term_normalized = ? THEN 0 ELSE 1 END, bm25(glossary_fts), e.id ASC LIMIT ?`
	args = append(args, NormalizeTerm(query), opts.Limit)

	rows, err := g.db.Query(sqlStr, args...)
	if err != nil {
		return nil, errs.Storage(err, "glossary search failed")
	}
	defer rows.Close()

	var entries []GlossaryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errs.Storage(err, "glossary search scan failed")
		}
		tags, err := g.tagsFor(entry.ID)
		if err != nil {
			return nil, err
		}
		entry.Tags = tags
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get fetches a single entry by id, or (nil, nil) if it does not exist.
func (g *GlossaryStore) Get(entryID int64) (*GlossaryEntry, error) {
	row := g.db.QueryRow(`
		SELECT id, term, term_normalized, definition, status,
		       first_seen_post_id, first_seen_thread_id,
		       last_updated_post_id, last_updated_thread_id,
		       created_at, updated_at
		FROM glossary_entry WHERE id = ?`, entryID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "get entry %d failed", entryID)
	}
	tags, err := g.tagsFor(entry.ID)
	if err != nil {
		return nil, err
	}
	entry.Tags = tags
	return &entry, nil
}

// Create inserts a new entry and its tags, logging the creation as four revision rows
// (term, definition, tags, status), all within one transaction.
//
// Returns errs.ErrDuplicateTerm (via errs.Domain) if the normalized term already exists.
func (g *GlossaryStore) Create(term, definition string, tags []string, postID, threadID int64, status string) (int64, error) {
	if status == "" {
		status = EntryStatusTentative
	}
	normalized := NormalizeTerm(term)

	var existingID int64
	err := g.db.QueryRow(`SELECT id FROM glossary_entry WHERE term_normalized = ?`, normalized).Scan(&existingID)
	if err == nil {
		return 0, errs.Domain(errs.ErrDuplicateTerm, "term %q already exists as entry %d", term, existingID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, errs.Storage(err, "checking for duplicate term failed")
	}

	tx, err := g.db.Begin()
	if err != nil {
		return 0, errs.Storage(err, "beginning create transaction failed")
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.Exec(`
		INSERT INTO glossary_entry (
			term, term_normalized, definition, status,
			first_seen_post_id, first_seen_thread_id,
			last_updated_post_id, last_updated_thread_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'), strftime('%Y-%m-%dT%H:%M:%fZ','now'))`,
		term, normalized, definition, status, postID, threadID, postID, threadID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, errs.Domain(errs.ErrDuplicateTerm, "term %q already exists", term)
		}
		return 0, errs.Storage(err, "insert entry failed")
	}
	entryID, err := result.LastInsertId()
	if err != nil {
		return 0, errs.Storage(err, "reading new entry id failed")
	}

	for _, tag := range tags {
		if _, err := tx.Exec(`INSERT INTO glossary_tag (entry_id, tag) VALUES (?, ?)`, entryID, tag); err != nil {
			return 0, errs.Storage(err, "insert tag %q failed", tag)
		}
	}

	if err := logCreation(tx, entryID, term, definition, tags, status, postID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Storage(err, "committing create transaction failed")
	}
	g.logger.Debug("created glossary entry %d: %q", entryID, term)
	return entryID, nil
}

// EntryUpdate describes the fields to change; nil fields are left untouched.
type EntryUpdate struct {
	Term       *string
	Definition *string
	Tags       []string // nil means "leave unchanged"; non-nil (incl. empty) replaces the set.
	Status     *string
}

// Update applies the given field changes, logging each actually-changed field as a revision
// row. Returns errs.ErrEntryNotFound (via errs.Domain) if the entry does not exist.
func (g *GlossaryStore) Update(entryID int64, upd EntryUpdate, postID, threadID int64) error {
	existing, err := g.Get(entryID)
	if err != nil {
		return err
	}
	if existing == nil {
		return errs.Domain(errs.ErrEntryNotFound, "entry %d not found", entryID)
	}

	tx, err := g.db.Begin()
	if err != nil {
		return errs.Storage(err, "beginning update transaction failed")
	}
	defer tx.Rollback() //nolint:errcheck

	sets := []string{"last_updated_post_id = ?", "last_updated_thread_id = ?", "updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')"}
	args := []any{postID, threadID}

	if upd.Term != nil && *upd.Term != existing.Term {
		sets = append(sets, "term = ?", "term_normalized = ?")
		args = append(args, *upd.Term, NormalizeTerm(*upd.Term))
		if err := logRevision(tx, entryID, FieldTerm, &existing.Term, *upd.Term, postID); err != nil {
			return err
		}
	}
	if upd.Definition != nil && *upd.Definition != existing.Definition {
		sets = append(sets, "definition = ?")
		args = append(args, *upd.Definition)
		if err := logRevision(tx, entryID, FieldDefinition, &existing.Definition, *upd.Definition, postID); err != nil {
			return err
		}
	}
	if upd.Status != nil && *upd.Status != existing.Status {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
		if err := logRevision(tx, entryID, FieldStatus, &existing.Status, *upd.Status, postID); err != nil {
			return err
		}
	}

	args = append(args, entryID)
	if _, err := tx.Exec(fmt.Sprintf(`UPDATE glossary_entry SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...); err != nil {
		return errs.Storage(err, "update entry %d failed", entryID)
	}

	if upd.Tags != nil && !sameTags(upd.Tags, existing.Tags) {
		if _, err := tx.Exec(`DELETE FROM glossary_tag WHERE entry_id = ?`, entryID); err != nil {
			return errs.Storage(err, "clearing tags for entry %d failed", entryID)
		}
		for _, tag := range upd.Tags {
			if _, err := tx.Exec(`INSERT INTO glossary_tag (entry_id, tag) VALUES (?, ?)`, entryID, tag); err != nil {
				return errs.Storage(err, "insert tag %q failed", tag)
			}
		}
		oldJSON, newJSON := joinTags(existing.Tags), joinTags(upd.Tags)
		if err := logRevision(tx, entryID, FieldTags, &oldJSON, newJSON, postID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Storage(err, "committing update transaction failed")
	}
	return nil
}

// Delete removes an entry, logging the reason as a "deleted" revision row first (the FK from
// revision.entry_id to glossary_entry is ON DELETE SET NULL, so the row survives the delete).
// Returns false if the entry did not exist.
func (g *GlossaryStore) Delete(entryID int64, reason string, postID int64) (bool, error) {
	tx, err := g.db.Begin()
	if err != nil {
		return false, errs.Storage(err, "beginning delete transaction failed")
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM glossary_entry WHERE id = ?`, entryID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errs.Storage(err, "checking entry %d before delete failed", entryID)
	}

	if err := logRevision(tx, entryID, FieldDeleted, nil, reason, postID); err != nil {
		return false, err
	}

	result, err := tx.Exec(`DELETE FROM glossary_entry WHERE id = ?`, entryID)
	if err != nil {
		return false, errs.Storage(err, "delete entry %d failed", entryID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errs.Storage(err, "reading delete result failed")
	}
	if rows == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, errs.Storage(err, "committing delete transaction failed")
	}
	return true, nil
}

// LogNote inserts a standalone revision row not tied to any entry (entry_id NULL). Used for
// curator decisions and summon dialogue notes that aren't a specific field change.
func (g *GlossaryStore) LogNote(fieldName, note string, sourcePostID int64) error {
	_, err := g.db.Exec(`
		INSERT INTO revision (entry_id, field_name, old_value, new_value, source_post_id, created_at)
		VALUES (NULL, ?, NULL, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))`,
		fieldName, note, sourcePostID)
	if err != nil {
		return errs.Storage(err, "logging note failed")
	}
	return nil
}

// NotesByField returns standalone revision rows (entry_id IS NULL) for the given field, newest
// first, e.g. fetching the curator_decision notes LogNote writes.
func (g *GlossaryStore) NotesByField(fieldName string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := g.db.Query(`
		SELECT id, entry_id, snapshot_id, field_name, old_value, new_value, source_post_id, created_at
		FROM revision WHERE entry_id IS NULL AND field_name = ? ORDER BY created_at DESC LIMIT ?`, fieldName, limit)
	if err != nil {
		return nil, errs.Storage(err, "notes_by_field query failed")
	}
	defer rows.Close()

	var revisions []Revision
	for rows.Next() {
		var rev Revision
		if err := rows.Scan(&rev.ID, &rev.EntryID, &rev.SnapshotID, &rev.FieldName, &rev.OldValue, &rev.NewValue, &rev.SourcePostID, &rev.CreatedAt); err != nil {
			return nil, errs.Storage(err, "notes_by_field scan failed")
		}
		revisions = append(revisions, rev)
	}
	return revisions, rows.Err()
}

// AllEntries returns every entry ordered by normalized term, for export and snapshot capture.
func (g *GlossaryStore) AllEntries() ([]GlossaryEntry, error) {
	rows, err := g.db.Query(`
		SELECT id, term, term_normalized, definition, status,
		       first_seen_post_id, first_seen_thread_id,
		       last_updated_post_id, last_updated_thread_id,
		       created_at, updated_at
		FROM glossary_entry ORDER BY term_normalized`)
	if err != nil {
		return nil, errs.Storage(err, "all_entries query failed")
	}
	defer rows.Close()

	var entries []GlossaryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errs.Storage(err, "all_entries scan failed")
		}
		tags, err := g.tagsFor(entry.ID)
		if err != nil {
			return nil, err
		}
		entry.Tags = tags
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Count returns the total number of glossary entries.
func (g *GlossaryStore) Count() (int, error) {
	var n int
	if err := g.db.QueryRow(`SELECT COUNT(*) FROM glossary_entry`).Scan(&n); err != nil {
		return 0, errs.Storage(err, "count failed")
	}
	return n, nil
}

// ThreadField selects which column GetByThread matches against.
type ThreadField string

const (
	ThreadFieldFirstSeen   ThreadField = "first_seen_thread_id"
	ThreadFieldLastUpdated ThreadField = "last_updated_thread_id"
)

// GetByThread returns entries associated with a thread via the given field.
func (g *GlossaryStore) GetByThread(threadID int64, field ThreadField) ([]GlossaryEntry, error) {
	if field != ThreadFieldFirstSeen && field != ThreadFieldLastUpdated {
		return nil, fmt.Errorf("invalid thread field: %s", field)
	}
	rows, err := g.db.Query(fmt.Sprintf(`
		SELECT id, term, term_normalized, definition, status,
		       first_seen_post_id, first_seen_thread_id,
		       last_updated_post_id, last_updated_thread_id,
		       created_at, updated_at
		FROM glossary_entry WHERE %s = ? ORDER BY term_normalized`, field), threadID)
	if err != nil {
		return nil, errs.Storage(err, "get_by_thread failed")
	}
	defer rows.Close()

	var entries []GlossaryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errs.Storage(err, "get_by_thread scan failed")
		}
		tags, err := g.tagsFor(entry.ID)
		if err != nil {
			return nil, err
		}
		entry.Tags = tags
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetTentativeByThread returns tentative entries first seen in a given thread, the input the
// curator reviews at a thread boundary.
func (g *GlossaryStore) GetTentativeByThread(threadID int64) ([]GlossaryEntry, error) {
	rows, err := g.db.Query(`
		SELECT id, term, term_normalized, definition, status,
		       first_seen_post_id, first_seen_thread_id,
		       last_updated_post_id, last_updated_thread_id,
		       created_at, updated_at
		FROM glossary_entry
		WHERE first_seen_thread_id = ? AND status = 'tentative'
		ORDER BY term_normalized`, threadID)
	if err != nil {
		return nil, errs.Storage(err, "get_tentative_by_thread failed")
	}
	defer rows.Close()

	var entries []GlossaryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errs.Storage(err, "get_tentative_by_thread scan failed")
		}
		tags, err := g.tagsFor(entry.ID)
		if err != nil {
			return nil, err
		}
		entry.Tags = tags
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// History returns an entry's change log, newest first.
func (g *GlossaryStore) History(entryID int64, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := g.db.Query(`
		SELECT id, entry_id, snapshot_id, field_name, old_value, new_value, source_post_id, created_at
		FROM revision WHERE entry_id = ? ORDER BY created_at DESC LIMIT ?`, entryID, limit)
	if err != nil {
		return nil, errs.Storage(err, "history query failed")
	}
	defer rows.Close()

	var revisions []Revision
	for rows.Next() {
		var rev Revision
		if err := rows.Scan(&rev.ID, &rev.EntryID, &rev.SnapshotID, &rev.FieldName, &rev.OldValue, &rev.NewValue, &rev.SourcePostID, &rev.CreatedAt); err != nil {
			return nil, errs.Storage(err, "history scan failed")
		}
		revisions = append(revisions, rev)
	}
	return revisions, rows.Err()
}

func (g *GlossaryStore) tagsFor(entryID int64) ([]string, error) {
	rows, err := g.db.Query(`SELECT tag FROM glossary_tag WHERE entry_id = ? ORDER BY tag`, entryID)
	if err != nil {
		return nil, errs.Storage(err, "tags query for entry %d failed", entryID)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errs.Storage(err, "tags scan failed")
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (GlossaryEntry, error) {
	var e GlossaryEntry
	err := row.Scan(
		&e.ID, &e.Term, &e.TermNormalized, &e.Definition, &e.Status,
		&e.FirstSeenPostID, &e.FirstSeenThreadID,
		&e.LastUpdatedPostID, &e.LastUpdatedThreadID,
		&e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func logRevision(tx *sql.Tx, entryID int64, field string, oldValue *string, newValue string, sourcePostID int64) error {
	_, err := tx.Exec(`
		INSERT INTO revision (entry_id, field_name, old_value, new_value, source_post_id, created_at)
		VALUES (?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))`,
		entryID, field, oldValue, newValue, sourcePostID)
	if err != nil {
		return errs.Storage(err, "logging revision for entry %d field %s failed", entryID, field)
	}
	return nil
}

func logCreation(tx *sql.Tx, entryID int64, term, definition string, tags []string, status string, sourcePostID int64) error {
	tagsJSON := joinTags(tags)
	for _, change := range []struct {
		field, value string
	}{
		{FieldTerm, term},
		{FieldDefinition, definition},
		{FieldTags, tagsJSON},
		{FieldStatus, status},
	} {
		if err := logRevision(tx, entryID, change.field, nil, change.value, sourcePostID); err != nil {
			return err
		}
	}
	return nil
}

func joinTags(tags []string) string {
	return "[" + strings.Join(quoteTags(tags), ",") + "]"
}

func quoteTags(tags []string) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = `"` + strings.ReplaceAll(t, `"`, `\"`) + `"`
	}
	return out
}

func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
