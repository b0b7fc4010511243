package runner

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite" // registers the "sqlite" driver used by newTestCorpus.

	"terrarium-annotator/pkg/compactor"
	"terrarium-annotator/pkg/config"
	"terrarium-annotator/pkg/corpus"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/metrics"
	"terrarium-annotator/pkg/persistence"
	"terrarium-annotator/pkg/tokencounter"
	"terrarium-annotator/pkg/tools"
)

// fakeLLM is a scripted llmclient.Client: each call to Chat pops the next scripted response
// (or replays the last one once the script runs dry), recording every request it was given.
type fakeLLM struct {
	mu        sync.Mutex
	responses []llmclient.ChatResponse
	errs      []error
	calls     []llmclient.ChatRequest
}

func (f *fakeLLM) Chat(ctx context.Context, req llmclient.ChatRequest) (llmclient.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	idx := len(f.calls) - 1
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	if err != nil {
		return llmclient.ChatResponse{}, err
	}

	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	if idx < 0 {
		return llmclient.ChatResponse{}, nil
	}
	return f.responses[idx], nil
}

func (f *fakeLLM) Tokenize(ctx context.Context, text string) ([]int, error) {
	out := make([]int, len(text)/4+1)
	return out, nil
}

func newTestCorpusDB(t *testing.T) *corpus.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE thread (id INTEGER PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE post (id INTEGER PRIMARY KEY, thread_id INTEGER, body TEXT, name TEXT, time INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE tag (post_id INTEGER, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO thread (id, title) VALUES (1, 'Thread One'), (2, 'Thread Two')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO post (id, thread_id, body, name, time) VALUES
		(100, 1, 'first qm post', 'alice', 1000),
		(101, 1, 'second qm post', 'bob', 1010),
		(200, 2, 'other thread post', 'alice', 2000)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO tag (post_id, name) VALUES (100, 'qm_post'), (101, 'qm_post'), (200, 'qm_post')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reader, err := corpus.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	return reader
}

type testHarness struct {
	runner   *Runner
	glossary *persistence.GlossaryStore
	llm      *fakeLLM
}

func newTestRunner(t *testing.T, llm *fakeLLM) *testHarness {
	t.Helper()
	db, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	glossary := persistence.NewGlossaryStore(db)
	snapshots := persistence.NewSnapshotStore(db)
	runState := persistence.NewRunStateStore(db)
	reader := newTestCorpusDB(t)
	dispatcher := tools.NewDispatcher(glossary, reader, snapshots)
	rec := metrics.NewRecorder()

	cfg := config.Default()
	counter := tokencounter.New(tokencounter.Options{CharsPerToken: cfg.CharsPerToken})
	summarizer := compactor.NewSummarizer(llm, glossary, 256, cfg.CharsPerToken)
	comp := compactor.NewCompactor(cfg, counter, summarizer)

	r := NewRunner(cfg, reader, glossary, snapshots, runState, llm, comp, dispatcher, rec)
	return &testHarness{runner: r, glossary: glossary, llm: llm}
}

func plainReply(text string) llmclient.ChatResponse {
	return llmclient.ChatResponse{Content: text, StopReason: "stop"}
}

func TestRun_NoToolCallsRecordsPlainTurnAndAdvances(t *testing.T) {
	llm := &fakeLLM{responses: []llmclient.ChatResponse{
		plainReply("Nothing new to record here."),
		plainReply("Acknowledged."),
	}}
	h := newTestRunner(t, llm)

	code, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	history := h.runner.ac.GetHistory()
	assert.NotEmpty(t, history)
}

func TestRun_ToolCallRoundTripCreatesGlossaryEntry(t *testing.T) {
	llm := &fakeLLM{responses: []llmclient.ChatResponse{
		{
			Content: "",
			ToolCalls: []llmclient.ToolCall{
				{ID: "c1", Name: "glossary_create", Arguments: `{"term": "Archeota", "definition": "Old tech sphere.", "tags": []}`},
			},
		},
		plainReply("Recorded Archeota."),
		plainReply("Second scene, nothing new."),
	}}
	h := newTestRunner(t, llm)

	code, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	entries, err := h.glossary.AllEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Archeota", entries[0].Term)
}

func TestRun_ThreadBoundaryTriggersCuratorAndCheckpoint(t *testing.T) {
	llm := &fakeLLM{responses: []llmclient.ChatResponse{
		{
			ToolCalls: []llmclient.ToolCall{
				{ID: "c1", Name: "glossary_create", Arguments: `{"term": "Archeota", "definition": "Old tech sphere.", "tags": []}`},
			},
		},
		plainReply("Recorded."),
		plainReply(`{"action": "confirm", "reasoning": "well attested"}`),
		plainReply("Second thread, nothing new."),
	}}
	h := newTestRunner(t, llm)

	code, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	entries, err := h.glossary.AllEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, persistence.EntryStatusConfirmed, entries[0].Status)

	rs, err := h.runner.runState.Get()
	require.NoError(t, err)
	assert.NotNil(t, rs.CurrentSnapshotID)
}

func TestRun_HaltsOnUnrecoverableLLMError(t *testing.T) {
	llm := &fakeLLM{errs: []error{assert.AnError}}
	h := newTestRunner(t, llm)

	code, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestRun_CheckpointsRunStateThroughLastPost(t *testing.T) {
	llm := &fakeLLM{responses: []llmclient.ChatResponse{
		plainReply("First scene done."),
		plainReply("Second scene done."),
	}}
	h := newTestRunner(t, llm)

	code, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	rs, err := h.runner.runState.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(200), rs.LastPostID)
}
