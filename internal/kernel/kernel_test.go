package kernel

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite" // registers the "sqlite" driver used by seedCorpus.

	"terrarium-annotator/pkg/config"
	"terrarium-annotator/pkg/persistence"
)

// resetPersistence clears the process-wide database singleton so each test starts clean.
// Must be called before New in any test that has already opened an annotator database.
func resetPersistence(t *testing.T) {
	t.Helper()
	require.NoError(t, persistence.Reset())
}

// seedCorpus writes a minimal, valid corpus database at path.
func seedCorpus(t *testing.T, path string) {
	t.Helper()
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
	_, err = db.Exec(`INSERT INTO post (id, thread_id, body, name, time) VALUES (100, 1, 'first post', 'alice', 1000)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO tag (post_id, name) VALUES (100, 'qm_post')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	corpusPath := filepath.Join(dir, "corpus.db")
	seedCorpus(t, corpusPath)

	cfg := config.Default()
	cfg.CorpusDBPath = corpusPath
	cfg.AnnotatorDBPath = filepath.Join(dir, "annotator.db")
	cfg.MetricsAddr = "" // no-op metrics server in tests.
	return cfg
}

func TestNew_WiresEveryComponent(t *testing.T) {
	resetPersistence(t)
	cfg := testConfig(t)

	k, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, k)
	defer k.Close()

	assert.NotNil(t, k.Reader)
	assert.NotNil(t, k.Glossary)
	assert.NotNil(t, k.Snapshots)
	assert.NotNil(t, k.RunState)
	assert.NotNil(t, k.Dispatcher)
	assert.NotNil(t, k.Metrics)
	assert.NotNil(t, k.Runner)
}

func TestNew_FailsOnMissingCorpus(t *testing.T) {
	resetPersistence(t)
	cfg := config.Default()
	cfg.CorpusDBPath = filepath.Join(t.TempDir(), "does-not-exist.db")
	cfg.AnnotatorDBPath = filepath.Join(t.TempDir(), "annotator.db")

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestRun_DrivesRunnerToCompletion(t *testing.T) {
	resetPersistence(t)
	cfg := testConfig(t)
	cfg.AgentURL = "http://127.0.0.1:0" // unreachable: exercises the halting path, not success.

	k, err := New(cfg)
	require.NoError(t, err)

	code, err := k.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code) // LLM unreachable -> retries exhaust -> halt, not a Go error.
}
