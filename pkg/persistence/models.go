package persistence

import (
	"strings"
	"time"
	"unicode"
)

// GlossaryEntry is a single glossary term with its full provenance.
type GlossaryEntry struct {
	ID                  int64
	Term                string
	TermNormalized      string
	Definition          string
	Status              string // EntryStatusTentative or EntryStatusConfirmed.
	Tags                []string
	FirstSeenPostID     int64
	FirstSeenThreadID   int64
	LastUpdatedPostID   int64
	LastUpdatedThreadID int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Entry status constants.
const (
	EntryStatusTentative = "tentative"
	EntryStatusConfirmed = "confirmed"
)

// NormalizeTerm normalizes a term for deduplication: casefold, strip, and collapse internal
// whitespace. The corpus is plain-text English, so simple lowercasing (strings.ToLower) is sufficient;
// full Unicode normalization is not needed here since no combining-diacritic terms occur in
// this corpus.
func NormalizeTerm(term string) string {
	folded := strings.ToLower(strings.TrimSpace(term))
	return strings.Join(strings.FieldsFunc(folded, unicode.IsSpace), " ")
}

// Revision field name constants.
const (
	FieldTerm            = "term"
	FieldDefinition      = "definition"
	FieldStatus          = "status"
	FieldTags            = "tags"
	FieldCuratorDecision = "curator_decision"
	FieldDeleted         = "deleted"
)

// Revision is a single audited change to a glossary entry.
type Revision struct {
	ID           int64
	EntryID      *int64 // nil once the entry itself has been deleted.
	SnapshotID   *int64
	FieldName    string
	OldValue     *string
	NewValue     string
	SourcePostID int64
	CreatedAt    time.Time
}

// Snapshot types.
const (
	SnapshotTypeCheckpoint  = "checkpoint"
	SnapshotTypeCuratorFork = "curator_fork"
	SnapshotTypeManual      = "manual"
)

// Snapshot is a point-in-time capture of run progress, context, and glossary state.
type Snapshot struct {
	ID             int64
	Type           string
	LastPostID     int64
	LastThreadID   int64
	ThreadPosition int
	EntryCount     int
	TokenCount     *int
	Metadata       map[string]any
	CreatedAt      time.Time
}

// SnapshotContext is the serialized conversation/compaction state captured at snapshot time.
type SnapshotContext struct {
	SnapshotID             int64
	SystemPrompt           string
	CumulativeSummary      *string
	ThreadSummariesJSON    string // JSON array of serialized pending thread summaries.
	ChunkSummariesJSON     string // JSON array of serialized chunk summaries for the current thread.
	HistoryJSON            string // JSON array of serialized conversation turns.
	CurrentThreadID        *int64
	CurrentSceneIndex      int
	SummarizedChunkIndices []int // chunk indices already folded into ChunkSummariesJSON.
	CompletedThreadIDs     []int64
}

// SnapshotEntry is a glossary entry's definition/status as of a specific snapshot.
type SnapshotEntry struct {
	SnapshotID int64
	EntryID    int64
	Definition string
	Status     string
}

// RunState is the singleton row tracking overall harness progress.
type RunState struct {
	LastPostID        int64
	LastThreadID      int64
	CurrentSnapshotID *int64
	StartedAt         time.Time
	UpdatedAt         time.Time
	PostsProcessed    int64
	EntriesCreated    int64
	EntriesUpdated    int64
}

// ThreadState tracks per-thread scene progress, used to resume mid-thread.
type ThreadState struct {
	ThreadID       int64
	LastSceneIndex int
	Completed      bool
}
