package tools

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite" // registers the "sqlite" driver used by newTestCorpus.

	"terrarium-annotator/pkg/corpus"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/persistence"
)

func newTestStores(t *testing.T) (*persistence.GlossaryStore, *persistence.SnapshotStore) {
	t.Helper()
	db, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return persistence.NewGlossaryStore(db), persistence.NewSnapshotStore(db)
}

// newTestCorpus seeds a tiny file-backed corpus database (the corpus is read-only by design,
// so the schema is created and populated through a separate writable connection first) and
// returns a Reader opened against it.
func newTestCorpus(t *testing.T) *corpus.Reader {
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
	_, err = db.Exec(`INSERT INTO thread (id, title) VALUES (1, 'Thread One')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO post (id, thread_id, body, name, time) VALUES
		(100, 1, 'first post', 'alice', 1000),
		(101, 1, 'second post', 'bob', 1010),
		(102, 1, 'third post', 'alice', 1020)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO tag (post_id, name) VALUES (100, 'qm_post')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reader, err := corpus.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	return reader
}

func TestDispatch_GlossaryCreateThenSearch(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	result, err := d.Dispatch(llmclient.ToolCall{
		ID: "c1", Name: "glossary_create",
		Arguments: `{"term": "Archeota", "definition": "A sphere of old tech.", "tags": ["artifact"]}`,
	}, 100, 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Content, "<glossary_created>")
	assert.Contains(t, result.Content, "Archeota")

	search, err := d.Dispatch(llmclient.ToolCall{
		ID: "c2", Name: "glossary_search", Arguments: `{"query": "Archeota"}`,
	}, 100, 1)
	require.NoError(t, err)
	assert.True(t, search.Success)
	assert.Contains(t, search.Content, "<glossary_results")
	assert.Contains(t, search.Content, "Archeota")
}

func TestDispatch_GlossaryCreateDuplicateReturnsStructuredError(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	args := `{"term": "Archeota", "definition": "A sphere.", "tags": []}`
	_, err := d.Dispatch(llmclient.ToolCall{ID: "c1", Name: "glossary_create", Arguments: args}, 100, 1)
	require.NoError(t, err)

	result, err := d.Dispatch(llmclient.ToolCall{ID: "c2", Name: "glossary_create", Arguments: args}, 101, 1)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Content, `code="DUPLICATE"`)
}

func TestDispatch_GlossaryUpdateNotFound(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	result, err := d.Dispatch(llmclient.ToolCall{
		ID: "u1", Name: "glossary_update", Arguments: `{"entry_id": 999, "definition": "new"}`,
	}, 100, 1)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Content, `code="NOT_FOUND"`)
}

func TestDispatch_GlossaryDeleteRoundTrip(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	entryID, err := glossary.Create("Archeota", "A sphere.", nil, 100, 1, "")
	require.NoError(t, err)

	result, err := d.Dispatch(llmclient.ToolCall{
		ID: "d1", Name: "glossary_delete",
		Arguments: fmt.Sprintf(`{"entry_id": %d, "reason": "superseded"}`, entryID),
	}, 102, 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Content, "<glossary_deleted")

	missing, err := glossary.Get(entryID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDispatch_ReadPost(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	result, err := d.Dispatch(llmclient.ToolCall{ID: "r1", Name: "read_post", Arguments: `{"post_id": 101}`}, 101, 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Content, "<corpus_post>")
	assert.Contains(t, result.Content, "second post")

	missing, err := d.Dispatch(llmclient.ToolCall{ID: "r2", Name: "read_post", Arguments: `{"post_id": 9999}`}, 101, 1)
	require.NoError(t, err)
	assert.False(t, missing.Success)
	assert.Contains(t, missing.Content, `code="NOT_FOUND"`)
}

func TestDispatch_ReadPostAdjacent(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	result, err := d.Dispatch(llmclient.ToolCall{
		ID: "r1", Name: "read_post", Arguments: `{"post_id": 101, "include_adjacent": true}`,
	}, 101, 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Content, "<corpus_posts")
	assert.Contains(t, result.Content, "first post")
	assert.Contains(t, result.Content, "third post")
}

func TestDispatch_ReadThreadRangeEmpty(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	result, err := d.Dispatch(llmclient.ToolCall{
		ID: "t1", Name: "read_thread_range", Arguments: `{"thread_id": 1, "tag_filter": "nonexistent_tag"}`,
	}, 100, 1)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Content, `code="EMPTY_RANGE"`)
}

func TestDispatch_ReadThreadRangeSuccess(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	result, err := d.Dispatch(llmclient.ToolCall{
		ID: "t1", Name: "read_thread_range", Arguments: `{"thread_id": 1}`,
	}, 100, 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Content, `<corpus_thread thread_id="1" count="3">`)
}

func TestDispatch_UnknownToolEscalatesAsError(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	_, err := d.Dispatch(llmclient.ToolCall{ID: "x1", Name: "does_not_exist"}, 100, 1)
	assert.Error(t, err)
}

func TestDispatch_MalformedArgumentsEscalatesAsError(t *testing.T) {
	glossary, snapshots := newTestStores(t)
	d := NewDispatcher(glossary, newTestCorpus(t), snapshots)

	_, err := d.Dispatch(llmclient.ToolCall{ID: "x1", Name: "glossary_search", Arguments: `{not json`}, 100, 1)
	assert.Error(t, err)
}
