package tools

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/persistence"
)

func seedSnapshot(t *testing.T, glossary *persistence.GlossaryStore, snapshots *persistence.SnapshotStore) int64 {
	t.Helper()
	_, err := glossary.Create("Archeota", "A sphere of old tech.", []string{"artifact"}, 100, 1, "")
	require.NoError(t, err)

	id, err := snapshots.Create(persistence.CreateParams{
		Type: persistence.SnapshotTypeCheckpoint, LastPostID: 100, LastThreadID: 1,
		SystemPrompt: "system prompt", ThreadSummaries: []any{}, ChunkSummaries: []any{},
		ConversationHistory: []any{},
	}, glossary)
	require.NoError(t, err)
	return id
}

func TestSummon_FullLifecycle(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)
	snapshotID := seedSnapshot(t, glossary, snapshots)

	start, err := d.Dispatch(llmclient.ToolCall{
		ID: "s1", Name: "summon_snapshot", Arguments: fmt.Sprintf(`{"snapshot_id": %d}`, snapshotID),
	}, 100, 1)
	require.NoError(t, err)
	require.True(t, start.Success)
	assert.Contains(t, start.Content, "<summon_active")
	assert.Contains(t, start.Content, "Archeota")
	assert.True(t, d.HasActiveSummon())

	blocked, err := d.Dispatch(llmclient.ToolCall{
		ID: "w1", Name: "glossary_create", Arguments: `{"term": "New", "definition": "x", "tags": []}`,
	}, 100, 1)
	require.NoError(t, err)
	assert.False(t, blocked.Success)
	assert.Contains(t, blocked.Content, `code="WRITE_BLOCKED"`)

	cont, err := d.Dispatch(llmclient.ToolCall{
		ID: "c1", Name: "summon_continue", Arguments: `{"message": "what was this about?"}`,
	}, 100, 1)
	require.NoError(t, err)
	assert.True(t, cont.Success)

	again, err := d.Dispatch(llmclient.ToolCall{
		ID: "s2", Name: "summon_snapshot", Arguments: fmt.Sprintf(`{"snapshot_id": %d}`, snapshotID),
	}, 100, 1)
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Contains(t, again.Content, `code="SUMMON_ACTIVE"`)

	dismiss, err := d.Dispatch(llmclient.ToolCall{
		ID: "d1", Name: "summon_dismiss", Arguments: `{"summary": "confirmed the sphere's origin"}`,
	}, 102, 1)
	require.NoError(t, err)
	assert.True(t, dismiss.Success)
	assert.False(t, d.HasActiveSummon())

	notes, err := glossary.NotesByField(persistence.FieldCuratorDecision, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].NewValue, "confirmed the sphere's origin")

	unblocked, err := d.Dispatch(llmclient.ToolCall{
		ID: "w2", Name: "glossary_create", Arguments: `{"term": "New", "definition": "x", "tags": []}`,
	}, 103, 1)
	require.NoError(t, err)
	assert.True(t, unblocked.Success)
}

func TestSummon_ContinueAndDismissWithoutActiveSummonFail(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	cont, err := d.Dispatch(llmclient.ToolCall{ID: "c1", Name: "summon_continue", Arguments: `{"message": "hi"}`}, 100, 1)
	require.NoError(t, err)
	assert.False(t, cont.Success)
	assert.Contains(t, cont.Content, `code="NO_SUMMON"`)

	dismiss, err := d.Dispatch(llmclient.ToolCall{ID: "d1", Name: "summon_dismiss", Arguments: `{"summary": "n/a"}`}, 100, 1)
	require.NoError(t, err)
	assert.False(t, dismiss.Success)
	assert.Contains(t, dismiss.Content, `code="NO_SUMMON"`)
}

func TestSummon_SnapshotNotFound(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	result, err := d.Dispatch(llmclient.ToolCall{
		ID: "s1", Name: "summon_snapshot", Arguments: `{"snapshot_id": 999}`,
	}, 100, 1)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Content, `code="NOT_FOUND"`)
}
