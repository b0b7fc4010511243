package contextmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrarium-annotator/pkg/corpus"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/persistence"
)

func threadID(id int64) *int64 { return &id }
func sceneIdx(i int) *int      { return &i }

func TestBuildMessages_OrderAndSentinels(t *testing.T) {
	ac := New("you are an annotator")
	ac.RecordTurn(llmclient.RoleAssistant, "earlier turn", RecordTurnOptions{ThreadID: threadID(1)})

	scene := &corpus.Scene{
		ThreadID: 2,
		Posts: []corpus.StoryPost{
			{PostID: 10, Body: " hello world ", Author: "gm"},
		},
	}
	entries := []persistence.GlossaryEntry{
		{Term: "Archeota", Definition: "A mysterious sphere.", Tags: []string{"item"}},
	}

	messages := ac.BuildMessages(BuildMessagesOptions{
		CumulativeSummary: "The story so far.",
		ChunkSummaries: []ChunkSummary{
			{ChunkIndex: 0, FirstSceneIndex: 0, LastSceneIndex: 6, SummaryText: "chunk zero"},
		},
		ThreadSummaries: []ThreadSummary{
			{ThreadID: 1, Position: 0, SummaryText: "thread one wrapped up"},
		},
		CurrentScene:    scene,
		RelevantEntries: entries,
	})

	require.Len(t, messages, 4)
	assert.Equal(t, llmclient.RoleSystem, messages[0].Role)
	assert.Equal(t, "you are an annotator", messages[0].Content)

	assert.Equal(t, llmclient.RoleUser, messages[1].Role)
	assert.Contains(t, messages[1].Content, "<cumulative_summary>The story so far.</cumulative_summary>")
	assert.Contains(t, messages[1].Content, `<chunk index="0" scenes="0-6">chunk zero</chunk>`)
	assert.Contains(t, messages[1].Content, `<thread_summary id="1" position="0">thread one wrapped up</thread_summary>`)

	assert.Equal(t, llmclient.RoleAssistant, messages[2].Role)
	assert.Equal(t, "earlier turn", messages[2].Content)

	assert.Equal(t, llmclient.RoleUser, messages[3].Role)
	assert.Contains(t, messages[3].Content, `<post id="10" author="gm">hello world</post>`)
	assert.Contains(t, messages[3].Content, `<term name="Archeota" tags="item">A mysterious sphere.</term>`)
	assert.Contains(t, messages[3].Content, "<instructions>")
}

func TestBuildMessages_OmitsSummaryBlockWhenEmpty(t *testing.T) {
	ac := New("system")
	messages := ac.BuildMessages(BuildMessagesOptions{})
	require.Len(t, messages, 1, "no summary block and no scene means just the system prompt")
}

func TestRemoveThreadTurns(t *testing.T) {
	ac := New("system")
	ac.RecordTurn(llmclient.RoleUser, "t1-a", RecordTurnOptions{ThreadID: threadID(1)})
	ac.RecordTurn(llmclient.RoleAssistant, "t2-a", RecordTurnOptions{ThreadID: threadID(2)})
	ac.RecordTurn(llmclient.RoleUser, "t1-b", RecordTurnOptions{ThreadID: threadID(1)})
	ac.RecordTurn(llmclient.RoleAssistant, "untagged", RecordTurnOptions{})

	removed := ac.RemoveThreadTurns(1)
	assert.Equal(t, 2, removed)
	require.Len(t, ac.History, 2)
	assert.Equal(t, "t2-a", ac.History[0].Content)
	assert.Equal(t, "untagged", ac.History[1].Content)
}

func TestRemoveChunkTurns(t *testing.T) {
	ac := New("system")
	ac.RecordTurn(llmclient.RoleUser, "scene0", RecordTurnOptions{ThreadID: threadID(1), SceneIndex: sceneIdx(0)})
	ac.RecordTurn(llmclient.RoleAssistant, "scene1", RecordTurnOptions{ThreadID: threadID(1), SceneIndex: sceneIdx(1)})
	ac.RecordTurn(llmclient.RoleUser, "scene2", RecordTurnOptions{ThreadID: threadID(1), SceneIndex: sceneIdx(2)})
	ac.RecordTurn(llmclient.RoleTool, "tool-call", RecordTurnOptions{ThreadID: threadID(1), ToolCallID: "tc1"})
	ac.RecordTurn(llmclient.RoleUser, "other-thread", RecordTurnOptions{ThreadID: threadID(2), SceneIndex: sceneIdx(0)})

	removed := ac.RemoveChunkTurns(1, 0, 1)
	assert.Equal(t, 2, removed)
	require.Len(t, ac.History, 3)
	assert.Equal(t, "scene2", ac.History[0].Content)
	assert.Equal(t, "tool-call", ac.History[1].Content, "turns without a scene index are never removed")
	assert.Equal(t, "other-thread", ac.History[2].Content, "turns from other threads are never removed")
}

func TestClone_IsIndependentDeepCopy(t *testing.T) {
	ac := New("system")
	ac.RecordTurn(llmclient.RoleUser, "original", RecordTurnOptions{ThreadID: threadID(1)})

	clone := ac.Clone()
	clone.History[0].Content = "mutated"
	*clone.History[0].ThreadID = 99

	assert.Equal(t, "original", ac.History[0].Content)
	assert.Equal(t, int64(1), *ac.History[0].ThreadID)
}

func TestFromSnapshot_RestoresSystemPromptAndHistory(t *testing.T) {
	sc := &persistence.SnapshotContext{
		SystemPrompt: "restored prompt",
		HistoryJSON:  `[{"role":"user","content":"hi","thread_id":3}]`,
	}

	ac, err := FromSnapshot(sc)
	require.NoError(t, err)
	assert.Equal(t, "restored prompt", ac.SystemPrompt)
	require.Len(t, ac.History, 1)
	assert.Equal(t, "hi", ac.History[0].Content)
	require.NotNil(t, ac.History[0].ThreadID)
	assert.Equal(t, int64(3), *ac.History[0].ThreadID)
}

func TestFormatUserPayload_IncludesTimestamp(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	scene := &corpus.Scene{Posts: []corpus.StoryPost{{PostID: 1, Body: "body", CreatedAt: &ts}}}
	out := formatUserPayload(scene, nil)
	assert.Contains(t, out, `ts="2025-01-02T03:04:05Z"`)
}
