package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/sjson"

	"terrarium-annotator/pkg/errs"
	"terrarium-annotator/pkg/logx"
)

// SnapshotStore captures point-in-time run state: progress, serialized context, and the full
// glossary as it stood at capture time.
type SnapshotStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewSnapshotStore wraps an already-open, schema-initialized database connection.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logx.NewLogger("snapshots")}
}

// CreateParams bundles the state captured into a new snapshot.
type CreateParams struct {
	Type                   string
	LastPostID             int64
	LastThreadID           int64
	ThreadPosition         int
	SystemPrompt           string
	CumulativeSummary      *string
	ThreadSummaries        any // marshaled to JSON as-is: pending (typically 0-1) thread summaries.
	ChunkSummaries         any // marshaled to JSON as-is: current thread's chunk summaries.
	ConversationHistory    any // marshaled to JSON as-is.
	CurrentSceneIndex      int
	SummarizedChunkIndices []int
	CompletedThreadIDs     []int64
	TokenCount             *int
	Metadata               map[string]any
}

// Create writes a new snapshot, its context, and a capture of every current glossary entry,
// all in one transaction. Returns the new snapshot id.
func (s *SnapshotStore) Create(p CreateParams, glossary *GlossaryStore) (int64, error) {
	entries, err := glossary.AllEntries()
	if err != nil {
		return 0, err
	}

	threadSummariesJSON, err := json.Marshal(p.ThreadSummaries)
	if err != nil {
		return 0, errs.Storage(err, "marshaling thread summaries failed")
	}
	chunkSummariesJSON, err := json.Marshal(p.ChunkSummaries)
	if err != nil {
		return 0, errs.Storage(err, "marshaling chunk summaries failed")
	}
	historyJSON, err := json.Marshal(p.ConversationHistory)
	if err != nil {
		return 0, errs.Storage(err, "marshaling conversation history failed")
	}
	completedJSON, err := json.Marshal(p.CompletedThreadIDs)
	if err != nil {
		return 0, errs.Storage(err, "marshaling completed thread ids failed")
	}
	summarizedChunksJSON, err := json.Marshal(p.SummarizedChunkIndices)
	if err != nil {
		return 0, errs.Storage(err, "marshaling summarized chunk indices failed")
	}
	var metadataJSON []byte
	if p.Metadata != nil {
		metadataJSON, err = json.Marshal(p.Metadata)
		if err != nil {
			return 0, errs.Storage(err, "marshaling snapshot metadata failed")
		}
	}
	// Stamp the snapshot type into the metadata blob without disturbing whatever shape the
	// caller's map produced; starts a fresh object when no metadata was supplied.
	if metadataJSON == nil {
		metadataJSON = []byte("{}")
	}
	metadataJSON, err = sjson.SetBytes(metadataJSON, "snapshot_type", p.Type)
	if err != nil {
		return 0, errs.Storage(err, "stamping snapshot type into metadata failed")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errs.Storage(err, "beginning snapshot transaction failed")
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.Exec(`
		INSERT INTO snapshot (
			type, last_post_id, last_thread_id, thread_position,
			entry_count, token_count, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))`,
		p.Type, p.LastPostID, p.LastThreadID, p.ThreadPosition,
		len(entries), p.TokenCount, nullableString(metadataJSON))
	if err != nil {
		return 0, errs.Storage(err, "insert snapshot failed")
	}
	snapshotID, err := result.LastInsertId()
	if err != nil {
		return 0, errs.Storage(err, "reading new snapshot id failed")
	}

	_, err = tx.Exec(`
		INSERT INTO snapshot_context (
			snapshot_id, system_prompt, cumulative_summary,
			thread_summaries, chunk_summaries, conversation_history,
			current_thread_id, current_scene_index, summarized_chunk_indices, completed_thread_ids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshotID, p.SystemPrompt, p.CumulativeSummary,
		string(threadSummariesJSON), string(chunkSummariesJSON), string(historyJSON),
		p.LastThreadID, p.CurrentSceneIndex, string(summarizedChunksJSON), string(completedJSON))
	if err != nil {
		return 0, errs.Storage(err, "insert snapshot context failed")
	}

	for _, entry := range entries {
		if _, err := tx.Exec(`
			INSERT INTO snapshot_entry (snapshot_id, entry_id, definition, status)
			VALUES (?, ?, ?, ?)`, snapshotID, entry.ID, entry.Definition, entry.Status); err != nil {
			return 0, errs.Storage(err, "insert snapshot entry for glossary entry %d failed", entry.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Storage(err, "committing snapshot transaction failed")
	}
	s.logger.Debug("created snapshot %d (%s) at post %d, %d entries", snapshotID, p.Type, p.LastPostID, len(entries))
	return snapshotID, nil
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Get fetches a snapshot record by id, or (nil, nil) if it does not exist.
func (s *SnapshotStore) Get(snapshotID int64) (*Snapshot, error) {
	var (
		snap         Snapshot
		metadataJSON sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT id, type, last_post_id, last_thread_id, thread_position,
		       entry_count, token_count, metadata, created_at
		FROM snapshot WHERE id = ?`, snapshotID).Scan(
		&snap.ID, &snap.Type, &snap.LastPostID, &snap.LastThreadID, &snap.ThreadPosition,
		&snap.EntryCount, &snap.TokenCount, &metadataJSON, &snap.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "get snapshot %d failed", snapshotID)
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &snap.Metadata); err != nil {
			return nil, errs.Storage(err, "unmarshal snapshot metadata failed")
		}
	}
	return &snap, nil
}

// GetContext fetches the serialized context for a snapshot, or (nil, nil) if it does not exist.
func (s *SnapshotStore) GetContext(snapshotID int64) (*SnapshotContext, error) {
	var (
		ctx             SnapshotContext
		cumulativeSum   sql.NullString
		currentThreadID sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT snapshot_id, system_prompt, cumulative_summary,
		       thread_summaries, chunk_summaries, conversation_history,
		       current_thread_id, current_scene_index, summarized_chunk_indices, completed_thread_ids
		FROM snapshot_context WHERE snapshot_id = ?`, snapshotID).Scan(
		&ctx.SnapshotID, &ctx.SystemPrompt, &cumulativeSum,
		&ctx.ThreadSummariesJSON, &ctx.ChunkSummariesJSON, &ctx.HistoryJSON,
		&currentThreadID, &ctx.CurrentSceneIndex,
		&jsonIntSliceScanner{&ctx.SummarizedChunkIndices}, &jsonInt64SliceScanner{&ctx.CompletedThreadIDs},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "get snapshot context %d failed", snapshotID)
	}
	if cumulativeSum.Valid {
		ctx.CumulativeSummary = &cumulativeSum.String
	}
	if currentThreadID.Valid {
		ctx.CurrentThreadID = &currentThreadID.Int64
	}
	return &ctx, nil
}

// jsonInt64SliceScanner unmarshals a JSON-array-of-int64 column directly into an []int64 field
// during Scan, avoiding an intermediate string field on SnapshotContext.
type jsonInt64SliceScanner struct {
	dest *[]int64
}

func (c *jsonInt64SliceScanner) Scan(src any) error {
	raw, err := scanJSONBytes(src, "int64 slice column")
	if err != nil || raw == nil {
		return err
	}
	return json.Unmarshal(raw, c.dest)
}

// jsonIntSliceScanner is jsonInt64SliceScanner's []int counterpart, used for
// summarized_chunk_indices (chunk indices fit comfortably in int).
type jsonIntSliceScanner struct {
	dest *[]int
}

func (c *jsonIntSliceScanner) Scan(src any) error {
	raw, err := scanJSONBytes(src, "int slice column")
	if err != nil || raw == nil {
		return err
	}
	return json.Unmarshal(raw, c.dest)
}

func scanJSONBytes(src any, label string) ([]byte, error) {
	switch v := src.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported scan type %T for %s", src, label)
	}
}

// GetEntries fetches the glossary entry captures for a snapshot.
func (s *SnapshotStore) GetEntries(snapshotID int64) ([]SnapshotEntry, error) {
	rows, err := s.db.Query(`
		SELECT snapshot_id, entry_id, definition, status
		FROM snapshot_entry WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return nil, errs.Storage(err, "get snapshot entries for %d failed", snapshotID)
	}
	defer rows.Close()

	var entries []SnapshotEntry
	for rows.Next() {
		var e SnapshotEntry
		if err := rows.Scan(&e.SnapshotID, &e.EntryID, &e.Definition, &e.Status); err != nil {
			return nil, errs.Storage(err, "scan snapshot entry failed")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Latest returns the most recently created snapshot, or (nil, nil) if none exist.
func (s *SnapshotStore) Latest() (*Snapshot, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM snapshot ORDER BY id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "querying latest snapshot failed")
	}
	return s.Get(id)
}

// List returns every snapshot, newest first, for the `annotator inspect snapshots` command.
func (s *SnapshotStore) List() ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, type, last_post_id, last_thread_id, thread_position,
		       entry_count, token_count, metadata, created_at
		FROM snapshot ORDER BY id DESC`)
	if err != nil {
		return nil, errs.Storage(err, "list snapshots failed")
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var (
			snap         Snapshot
			metadataJSON sql.NullString
		)
		if err := rows.Scan(
			&snap.ID, &snap.Type, &snap.LastPostID, &snap.LastThreadID, &snap.ThreadPosition,
			&snap.EntryCount, &snap.TokenCount, &metadataJSON, &snap.CreatedAt,
		); err != nil {
			return nil, errs.Storage(err, "scan snapshot failed")
		}
		if metadataJSON.Valid {
			if err := json.Unmarshal([]byte(metadataJSON.String), &snap.Metadata); err != nil {
				return nil, errs.Storage(err, "unmarshal snapshot metadata failed")
			}
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}
