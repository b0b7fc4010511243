package persistence_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrarium-annotator/pkg/persistence"
)

func newTestDB(t *testing.T) (*persistence.GlossaryStore, *persistence.SnapshotStore) {
	t.Helper()
	db, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return persistence.NewGlossaryStore(db), persistence.NewSnapshotStore(db)
}

// snapshotTurn mirrors contextmgr.Turn's JSON shape without importing contextmgr, avoiding an
// import cycle (contextmgr already imports persistence for FromSnapshot).
type snapshotTurn struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ThreadID   *int64 `json:"thread_id,omitempty"`
	SceneIndex *int   `json:"scene_index,omitempty"`
}

func TestSnapshotStore_CreateCapturesGlossaryAndMetadata(t *testing.T) {
	glossary, snapshots := newTestDB(t)

	_, err := glossary.Create("Emberlight", "A lamp that never dims.", []string{"item"}, 1, 1, persistence.EntryStatusConfirmed)
	require.NoError(t, err)

	tokenCount := 1234
	snapID, err := snapshots.Create(persistence.CreateParams{
		Type:           persistence.SnapshotTypeCheckpoint,
		LastPostID:     42,
		LastThreadID:   7,
		ThreadPosition: 3,
		SystemPrompt:   "system prompt text",
		TokenCount:     &tokenCount,
		Metadata:       map[string]any{"note": "manual checkpoint"},
	}, glossary)
	require.NoError(t, err)

	snap, err := snapshots.Get(snapID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, persistence.SnapshotTypeCheckpoint, snap.Type)
	assert.Equal(t, int64(42), snap.LastPostID)
	assert.Equal(t, 1, snap.EntryCount, "the single glossary entry present at capture time should be counted")
	require.NotNil(t, snap.TokenCount)
	assert.Equal(t, tokenCount, *snap.TokenCount)
	assert.Equal(t, "manual checkpoint", snap.Metadata["note"])
	assert.Equal(t, persistence.SnapshotTypeCheckpoint, snap.Metadata["snapshot_type"], "Create stamps its own type into the metadata blob")

	entries, err := snapshots.GetEntries(snapID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "A lamp that never dims.", entries[0].Definition)
	assert.Equal(t, persistence.EntryStatusConfirmed, entries[0].Status)
}

func TestSnapshotStore_Latest_ReturnsMostRecentlyCreated(t *testing.T) {
	glossary, snapshots := newTestDB(t)

	first, err := snapshots.Create(persistence.CreateParams{Type: persistence.SnapshotTypeCheckpoint, SystemPrompt: "p1"}, glossary)
	require.NoError(t, err)
	second, err := snapshots.Create(persistence.CreateParams{Type: persistence.SnapshotTypeManual, SystemPrompt: "p2"}, glossary)
	require.NoError(t, err)
	require.Greater(t, second, first)

	latest, err := snapshots.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second, latest.ID)
	assert.Equal(t, persistence.SnapshotTypeManual, latest.Type)
}

// TestSnapshotRoundTrip_PreservesBuildMessagesInput verifies the save -> load round trip: the
// conversation history and system prompt read back out of GetContext reconstruct exactly the
// turns that went in, byte for byte, which is what lets contextmgr.FromSnapshot rebuild a
// context whose BuildMessages output over identical inputs matches the pre-save context's.
func TestSnapshotRoundTrip_PreservesBuildMessagesInput(t *testing.T) {
	glossary, snapshots := newTestDB(t)

	threadID := int64(9)
	sceneIndex := 2
	history := []snapshotTurn{
		{Role: "user", Content: "first scene text", ThreadID: &threadID, SceneIndex: &sceneIndex},
		{Role: "assistant", Content: "model reply with <thinking>scratch</thinking> tail"},
	}
	historyJSON, err := json.Marshal(history)
	require.NoError(t, err)

	cumulative := "the party entered the vault"
	snapID, err := snapshots.Create(persistence.CreateParams{
		Type:                   persistence.SnapshotTypeCheckpoint,
		LastPostID:             100,
		LastThreadID:           threadID,
		ThreadPosition:         1,
		SystemPrompt:           "you are an annotator",
		CumulativeSummary:      &cumulative,
		ConversationHistory:    history,
		CurrentSceneIndex:      sceneIndex,
		SummarizedChunkIndices: []int{0, 1},
		CompletedThreadIDs:     []int64{5, 6},
	}, glossary)
	require.NoError(t, err)

	loaded, err := snapshots.GetContext(snapID)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, "you are an annotator", loaded.SystemPrompt)
	require.NotNil(t, loaded.CumulativeSummary)
	assert.Equal(t, cumulative, *loaded.CumulativeSummary)
	assert.Equal(t, sceneIndex, loaded.CurrentSceneIndex)
	assert.Equal(t, []int{0, 1}, loaded.SummarizedChunkIndices)
	assert.Equal(t, []int64{5, 6}, loaded.CompletedThreadIDs)
	assert.JSONEq(t, string(historyJSON), loaded.HistoryJSON, "the serialized history read back must be byte-for-byte equivalent to what was saved, since this is what FromSnapshot unmarshals to rebuild AnnotationContext.History for BuildMessages")

	var roundTripped []snapshotTurn
	require.NoError(t, json.Unmarshal([]byte(loaded.HistoryJSON), &roundTripped))
	require.Equal(t, history, roundTripped, "unmarshaling the stored JSON must reproduce the exact turns recorded before the save, so BuildMessages over the restored context renders identically to the original")
}

func TestSnapshotStore_GetContext_MissingSnapshotReturnsNil(t *testing.T) {
	_, snapshots := newTestDB(t)
	ctx, err := snapshots.GetContext(999)
	require.NoError(t, err)
	assert.Nil(t, ctx)
}

func TestSnapshotStore_List_OrdersNewestFirst(t *testing.T) {
	glossary, snapshots := newTestDB(t)

	first, err := snapshots.Create(persistence.CreateParams{Type: persistence.SnapshotTypeCheckpoint, SystemPrompt: "p1"}, glossary)
	require.NoError(t, err)
	second, err := snapshots.Create(persistence.CreateParams{Type: persistence.SnapshotTypeCheckpoint, SystemPrompt: "p2"}, glossary)
	require.NoError(t, err)

	list, err := snapshots.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
	assert.Equal(t, first, list[1].ID)
}
