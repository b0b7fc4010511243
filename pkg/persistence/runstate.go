package persistence

import (
	"database/sql"
	"errors"

	"terrarium-annotator/pkg/errs"
)

// RunStateStore tracks overall harness progress in the singleton run_state row and per-thread
// scene progress in thread_state.
type RunStateStore struct {
	db *sql.DB
}

// NewRunStateStore wraps an already-open, schema-initialized database connection.
func NewRunStateStore(db *sql.DB) *RunStateStore {
	return &RunStateStore{db: db}
}

// Get returns the current run state, creating the singleton row on first call.
func (r *RunStateStore) Get() (*RunState, error) {
	var (
		rs                RunState
		currentSnapshotID sql.NullInt64
	)
	err := r.db.QueryRow(`
		SELECT last_post_id, last_thread_id, current_snapshot_id,
		       started_at, updated_at, posts_processed, entries_created, entries_updated
		FROM run_state WHERE id = 1`).Scan(
		&rs.LastPostID, &rs.LastThreadID, &currentSnapshotID,
		&rs.StartedAt, &rs.UpdatedAt, &rs.PostsProcessed, &rs.EntriesCreated, &rs.EntriesUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := r.db.Exec(`
			INSERT INTO run_state (id, last_post_id, last_thread_id)
			VALUES (1, 0, 0)`); err != nil {
			return nil, errs.Storage(err, "initializing run state failed")
		}
		return r.Get()
	}
	if err != nil {
		return nil, errs.Storage(err, "reading run state failed")
	}
	if currentSnapshotID.Valid {
		rs.CurrentSnapshotID = &currentSnapshotID.Int64
	}
	return &rs, nil
}

// Advance records progress after processing a scene: the new cursor position, counters, and
// (when a new snapshot was written in the same step) the current snapshot id. Call this and
// the snapshot write in the same transaction when checkpointing.
func (r *RunStateStore) Advance(tx *sql.Tx, lastPostID, lastThreadID int64, postsDelta, entriesCreatedDelta, entriesUpdatedDelta int64, snapshotID *int64) error {
	var exec execer = r.db
	if tx != nil {
		exec = tx
	}
	_, err := exec.Exec(`
		UPDATE run_state SET
			last_post_id = ?, last_thread_id = ?,
			current_snapshot_id = COALESCE(?, current_snapshot_id),
			posts_processed = posts_processed + ?,
			entries_created = entries_created + ?,
			entries_updated = entries_updated + ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = 1`,
		lastPostID, lastThreadID, snapshotID, postsDelta, entriesCreatedDelta, entriesUpdatedDelta)
	if err != nil {
		return errs.Storage(err, "advancing run state failed")
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// GetThreadState returns a thread's scene progress, or a fresh state (LastSceneIndex -1, not
// completed) if it has never been touched.
func (r *RunStateStore) GetThreadState(threadID int64) (ThreadState, error) {
	var (
		ts        ThreadState
		completed int
	)
	ts.ThreadID = threadID
	err := r.db.QueryRow(`
		SELECT last_scene_index, completed FROM thread_state WHERE thread_id = ?`, threadID).
		Scan(&ts.LastSceneIndex, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		ts.LastSceneIndex = -1
		return ts, nil
	}
	if err != nil {
		return ThreadState{}, errs.Storage(err, "reading thread state %d failed", threadID)
	}
	ts.Completed = completed != 0
	return ts, nil
}

// UpsertThreadState records a thread's scene progress.
func (r *RunStateStore) UpsertThreadState(tx *sql.Tx, ts ThreadState) error {
	var exec execer = r.db
	if tx != nil {
		exec = tx
	}
	completed := 0
	if ts.Completed {
		completed = 1
	}
	_, err := exec.Exec(`
		INSERT INTO thread_state (thread_id, last_scene_index, completed)
		VALUES (?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			last_scene_index = excluded.last_scene_index,
			completed = excluded.completed`,
		ts.ThreadID, ts.LastSceneIndex, completed)
	if err != nil {
		return errs.Storage(err, "upserting thread state %d failed", ts.ThreadID)
	}
	return nil
}
