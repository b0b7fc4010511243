package compactor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrarium-annotator/pkg/config"
	"terrarium-annotator/pkg/contextmgr"
	"terrarium-annotator/pkg/llmclient"
)

func newTestCompactor(t *testing.T, client llmclient.Client) (*Compactor, *contextmgr.AnnotationContext, *CompactionState) {
	t.Helper()
	glossary := newTestGlossary(t)
	summarizer := NewSummarizer(client, glossary, 0, 0)

	cfg := config.Default()
	cfg.ContextBudget = 1000
	cfg.SoftRatio = 0.5
	cfg.ThreadCompactRatio = 0.6
	cfg.EmergencyRatio = 0.8
	cfg.TargetRatio = 0.4
	cfg.ChunkSize = 2
	cfg.PreserveRecentChunks = 1

	counter := &perMessageCounter{tokensEach: 200}
	c := NewCompactor(cfg, counter, summarizer)

	ac := contextmgr.New("system prompt")
	state := NewCompactionState()
	state.StartNewThread(1)
	return c, ac, state
}

// perMessageCounter reports a token count proportional to the number of messages in the
// rebuilt list, so tests can drive the ratio thresholds deterministically without depending on
// exact heuristic character math.
type perMessageCounter struct {
	tokensEach int
}

func (p *perMessageCounter) CountMessages(messages []llmclient.Message) int {
	return len(messages) * p.tokensEach
}

func TestCompactionState_ChunkTracking(t *testing.T) {
	state := NewCompactionState()
	state.StartNewThread(1)
	for i := 0; i < 5; i++ {
		state.AdvanceScene()
	}
	assert.Equal(t, 2, state.GetCompletedChunkCount(2))
	assert.Equal(t, []int{0, 1}, state.GetUnsummarizedChunks(2))

	state.markChunkSummarized(0)
	assert.Equal(t, []int{1}, state.GetUnsummarizedChunks(2))
}

func TestCompactionState_StartNewThread_ResetsChunkTracking(t *testing.T) {
	state := NewCompactionState()
	state.StartNewThread(1)
	state.AdvanceScene()
	state.AdvanceScene()
	state.markChunkSummarized(0)

	state.StartNewThread(2)
	assert.Equal(t, 0, state.CurrentSceneIndex)
	assert.Empty(t, state.GetUnsummarizedChunks(2))
	assert.Equal(t, []int64{1}, state.CompletedThreadIDs)
	require.NotNil(t, state.CurrentThreadID)
	assert.Equal(t, int64(2), *state.CurrentThreadID)
}

func TestCompactor_ShouldCompactThresholds(t *testing.T) {
	c, _, _ := newTestCompactor(t, &stubClient{content: "ok"})
	assert.False(t, c.ShouldCompact(400))
	assert.True(t, c.ShouldCompact(600))
	assert.True(t, c.ShouldCompactThread(650))
	assert.False(t, c.ShouldCompactThread(550))
	assert.True(t, c.ShouldEmergencyCompact(850))
	assert.False(t, c.ShouldEmergencyCompact(750))
}

func TestCompact_SummarizesChunksUntilUnderTarget(t *testing.T) {
	c, ac, state := newTestCompactor(t, &stubClient{content: "chunk summarized"})

	for scene := 0; scene < 6; scene++ {
		idx := scene
		threadID := int64(1)
		ac.RecordTurn(llmclient.RoleUser, "scene content here", contextmgr.RecordTurnOptions{
			ThreadID: &threadID, SceneIndex: &idx,
		})
		state.AdvanceScene()
	}

	rebuild := func() []llmclient.Message { return ac.BuildMessages(contextmgr.BuildMessagesOptions{}) }
	result, err := c.Compact(context.Background(), ac, state, rebuild, false)
	require.NoError(t, err)
	assert.Contains(t, result.TiersActivated, 0)
	assert.Greater(t, result.ChunksSummarized, 0)
	assert.Less(t, len(ac.History), 6, "at least one chunk's turns should have been removed")
}

func TestCompactChunks_SummarizesExactlyOneChunkPerCall(t *testing.T) {
	c, ac, state := newTestCompactor(t, &stubClient{content: "chunk summarized"})
	c.preserveRecent = 0 // every completed chunk is immediately eligible.

	for scene := 0; scene < 6; scene++ {
		idx := scene
		threadID := int64(1)
		ac.RecordTurn(llmclient.RoleUser, "scene content here", contextmgr.RecordTurnOptions{
			ThreadID: &threadID, SceneIndex: &idx,
		})
		state.AdvanceScene()
	}
	require.Equal(t, []int{0, 1, 2}, state.GetUnsummarizedChunks(c.chunkSize))

	result := CompactionResult{}
	n, err := c.compactChunks(context.Background(), ac, state, false, &result)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one call should summarize exactly one chunk, leaving the rest for the next iteration")
	assert.Len(t, state.ChunkSummaries, 1)
	assert.Equal(t, []int{1, 2}, state.GetUnsummarizedChunks(c.chunkSize))

	n, err = c.compactChunks(context.Background(), ac, state, false, &result)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, state.ChunkSummaries, 2, "a second call summarizes the next oldest chunk, growing the count by one again")
	assert.Equal(t, []int{2}, state.GetUnsummarizedChunks(c.chunkSize))
}

func TestCompact_MergesCompletedThreadOnSignal(t *testing.T) {
	c, ac, state := newTestCompactor(t, &stubClient{content: "thread summary text"})

	threadID := int64(1)
	for scene := 0; scene < 3; scene++ {
		idx := scene
		ac.RecordTurn(llmclient.RoleAssistant, "thread turn", contextmgr.RecordTurnOptions{
			ThreadID: &threadID, SceneIndex: &idx,
		})
		state.AdvanceScene()
	}

	rebuild := func() []llmclient.Message { return ac.BuildMessages(contextmgr.BuildMessagesOptions{}) }
	result, err := c.Compact(context.Background(), ac, state, rebuild, true)
	require.NoError(t, err)
	assert.True(t, result.ThreadSummarized)
	assert.Contains(t, result.TiersActivated, 1)
	assert.Equal(t, "thread summary text", state.CumulativeSummary)
	assert.Empty(t, state.ThreadSummaries, "merged summary should not remain pending")
	for _, turn := range ac.History {
		assert.NotEqual(t, threadID, derefInt64(turn.ThreadID), "thread turns should have been removed")
	}
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func TestCompact_NoProgressStopsWithoutError(t *testing.T) {
	c, ac, state := newTestCompactor(t, &stubClient{content: "ok"})
	// Untagged user turns push usage over target, yet no tier has anything to act on: no scene
	// chunks, no thinking blocks, no assistant responses to truncate.
	for i := 0; i < 4; i++ {
		ac.RecordTurn(llmclient.RoleUser, "untagged turn", contextmgr.RecordTurnOptions{})
	}
	rebuild := func() []llmclient.Message { return ac.BuildMessages(contextmgr.BuildMessagesOptions{}) }

	result, err := c.Compact(context.Background(), ac, state, rebuild, false)
	require.NoError(t, err)
	assert.Greater(t, result.TokensBefore, 400, "usage must start above the 0.4 target so the loop runs")
	assert.Equal(t, result.TokensBefore, result.TokensAfter)
}
