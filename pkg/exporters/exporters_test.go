package exporters

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"terrarium-annotator/pkg/persistence"
)

func sampleEntries() []persistence.GlossaryEntry {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []persistence.GlossaryEntry{
		{ID: 1, Term: "Archeota", Definition: "Old tech sphere.", Status: persistence.EntryStatusConfirmed, Tags: []string{"artifact"}, FirstSeenPostID: 100, FirstSeenThreadID: 1, LastUpdatedPostID: 100, LastUpdatedThreadID: 1, CreatedAt: now, UpdatedAt: now},
		{ID: 2, Term: "Hollow Market", Definition: "A black market district.", Status: persistence.EntryStatusTentative, Tags: []string{"location"}, FirstSeenPostID: 101, FirstSeenThreadID: 1, LastUpdatedPostID: 101, LastUpdatedThreadID: 1, CreatedAt: now, UpdatedAt: now},
	}
}

func TestFilter_Apply(t *testing.T) {
	entries := sampleEntries()

	confirmed := Filter{Status: persistence.EntryStatusConfirmed}.Apply(entries)
	assert.Len(t, confirmed, 1)
	assert.Equal(t, "Archeota", confirmed[0].Term)

	byTag := Filter{Tags: []string{"location"}}.Apply(entries)
	assert.Len(t, byTag, 1)
	assert.Equal(t, "Hollow Market", byTag[0].Term)

	assert.Equal(t, entries, Filter{}.Apply(entries))
}

func TestJSONExporter_Export(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glossary.json")
	n, err := JSONExporter{}.Export(sampleEntries(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc exportDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 2, doc.Count)
	assert.Equal(t, "Archeota", doc.Entries[0].Term)
}

func TestYAMLExporter_Export(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glossary.yaml")
	n, err := YAMLExporter{}.Export(sampleEntries(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc exportDoc
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, 2, doc.Count)
	assert.Equal(t, "Hollow Market", doc.Entries[1].Term)
}

func TestForFormat(t *testing.T) {
	_, err := ForFormat("json")
	require.NoError(t, err)
	_, err = ForFormat("YAML")
	require.NoError(t, err)
	_, err = ForFormat("xml")
	assert.Error(t, err)
}
