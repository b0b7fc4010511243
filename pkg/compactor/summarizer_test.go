package compactor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrarium-annotator/pkg/contextmgr"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/persistence"
)

// stubClient is a minimal llmclient.Client for testing the summarizer without a real server.
type stubClient struct {
	content string
	err     error
	calls   int
}

func (s *stubClient) Chat(ctx context.Context, req llmclient.ChatRequest) (llmclient.ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return llmclient.ChatResponse{}, s.err
	}
	return llmclient.ChatResponse{Content: s.content}, nil
}

func (s *stubClient) Tokenize(ctx context.Context, text string) ([]int, error) {
	return nil, nil
}

func newTestGlossary(t *testing.T) *persistence.GlossaryStore {
	t.Helper()
	db, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return persistence.NewGlossaryStore(db)
}

func threadTurn(threadID int64, role llmclient.Role, content string) contextmgr.Turn {
	id := threadID
	return contextmgr.Turn{Role: role, Content: content, ThreadID: &id}
}

func TestSummarizeThread_UsesModelOutputAndAttributesEntries(t *testing.T) {
	glossary := newTestGlossary(t)
	_, err := glossary.Create("Archeota", "A sphere.", nil, 1, 42, "")
	require.NoError(t, err)

	client := &stubClient{content: "Thread 42 concluded with the party finding the sphere."}
	s := NewSummarizer(client, glossary, 0, 0)

	result, err := s.SummarizeThread(context.Background(), 42, []contextmgr.Turn{
		threadTurn(42, llmclient.RoleUser, "scene text"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, "Thread 42 concluded with the party finding the sphere.", result.SummaryText)
	require.Len(t, result.EntriesCreated, 1)
	assert.Empty(t, result.EntriesUpdated)
}

func TestSummarizeThread_FallsBackToHeuristicOnModelError(t *testing.T) {
	glossary := newTestGlossary(t)
	client := &stubClient{err: assert.AnError}
	s := NewSummarizer(client, glossary, 0, 0)

	result, err := s.SummarizeThread(context.Background(), 7, []contextmgr.Turn{
		threadTurn(7, llmclient.RoleAssistant, "the party crossed the river"),
	})
	require.NoError(t, err)
	assert.Contains(t, result.SummaryText, "the party crossed the river")
}

func TestSummarizeChunk_LeavesEntryAttributionEmpty(t *testing.T) {
	glossary := newTestGlossary(t)
	client := &stubClient{content: "Scenes 0-3 covered the ambush."}
	s := NewSummarizer(client, glossary, 0, 0)

	chunk, err := s.SummarizeChunk(context.Background(), 7, 0, 0, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "Scenes 0-3 covered the ambush.", chunk.SummaryText)
	assert.Equal(t, 0, chunk.FirstSceneIndex)
	assert.Equal(t, 3, chunk.LastSceneIndex)
	assert.Empty(t, chunk.EntriesCreated)
}

func TestMergeIntoCumulative_ConcatenatesOnModelFailure(t *testing.T) {
	glossary := newTestGlossary(t)
	client := &stubClient{err: assert.AnError}
	s := NewSummarizer(client, glossary, 0, 0)

	merged, err := s.MergeIntoCumulative(context.Background(), "Chapter one happened.", "Chapter two happened.")
	require.NoError(t, err)
	assert.Contains(t, merged, "Chapter one happened.")
	assert.Contains(t, merged, "Chapter two happened.")
}

func TestMergeIntoCumulative_ReturnsNewTextWhenNoExistingSummary(t *testing.T) {
	glossary := newTestGlossary(t)
	client := &stubClient{content: "should not be called"}
	s := NewSummarizer(client, glossary, 0, 0)

	merged, err := s.MergeIntoCumulative(context.Background(), "", "first summary")
	require.NoError(t, err)
	assert.Equal(t, "first summary", merged)
	assert.Equal(t, 0, client.calls)
}
