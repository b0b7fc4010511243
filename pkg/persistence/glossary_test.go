package persistence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrarium-annotator/pkg/errs"
	"terrarium-annotator/pkg/persistence"
)

func newTestGlossaryStore(t *testing.T) *persistence.GlossaryStore {
	t.Helper()
	db, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return persistence.NewGlossaryStore(db)
}

func TestSearch_PromotesExactNormalizedMatchToRankZero(t *testing.T) {
	g := newTestGlossaryStore(t)

	_, err := g.Create("Archeota Fragment", "A shard of the greater Archeota.", nil, 1, 1, "")
	require.NoError(t, err)
	archeotaID, err := g.Create("Archeota", "A mysterious sphere of unknown origin.", nil, 1, 1, "")
	require.NoError(t, err)

	results, err := g.Search("archeota", persistence.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, archeotaID, results[0].ID, "the entry whose normalized term exactly matches the query should rank first, ahead of a higher-bm25 partial match")
}

func TestSearch_NonExactMatchesShareOneRankBucket(t *testing.T) {
	g := newTestGlossaryStore(t)

	idA, err := g.Create("Lantern Ward", "A ward that glows.", nil, 1, 1, "")
	require.NoError(t, err)
	idB, err := g.Create("Lantern Bearer", "One who carries a ward.", nil, 1, 1, "")
	require.NoError(t, err)
	require.Less(t, idA, idB)

	results, err := g.Search("ward", persistence.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2, "both entries mention 'ward' in their definition or term")

	// Neither term exactly normalizes to "ward", so both fall in the same rank bucket, where
	// bm25 and then id decide the order; only membership is asserted here.
	var ids []int64
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, idA)
	assert.Contains(t, ids, idB)
}

func TestSearch_FiltersByStatusAndTags(t *testing.T) {
	g := newTestGlossaryStore(t)

	confirmedID, err := g.Create("Glimmer Root", "A luminous plant.", []string{"flora", "rare"}, 1, 1, persistence.EntryStatusConfirmed)
	require.NoError(t, err)
	_, err = g.Create("Glimmer Vine", "A climbing plant.", []string{"flora"}, 1, 1, persistence.EntryStatusTentative)
	require.NoError(t, err)

	confirmedOnly, err := g.Search("glimmer", persistence.SearchOptions{Status: persistence.SearchStatusConfirmed})
	require.NoError(t, err)
	require.Len(t, confirmedOnly, 1)
	assert.Equal(t, confirmedID, confirmedOnly[0].ID)

	tagged, err := g.Search("glimmer", persistence.SearchOptions{Tags: []string{"flora", "rare"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1, "requiring both tags should exclude the entry tagged with only one of them")
	assert.Equal(t, confirmedID, tagged[0].ID)
}

func TestCreate_DuplicateNormalizedTermFails(t *testing.T) {
	g := newTestGlossaryStore(t)

	_, err := g.Create("Hollow Bell", "Rings when struck.", nil, 1, 1, "")
	require.NoError(t, err)

	_, err = g.Create("  HOLLOW   bell  ", "A second definition.", nil, 2, 2, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDuplicateTerm)
}

func TestCreate_LogsOneRevisionRowPerField(t *testing.T) {
	g := newTestGlossaryStore(t)

	entryID, err := g.Create("Sable Coin", "A coin that never tarnishes.", []string{"currency"}, 1, 1, "")
	require.NoError(t, err)

	history, err := g.History(entryID, 10)
	require.NoError(t, err)
	require.Len(t, history, 4, "creation logs term, definition, tags, and status as four separate revision rows")

	fields := make(map[string]bool)
	for _, rev := range history {
		fields[rev.FieldName] = true
		assert.Nil(t, rev.OldValue, "a brand-new entry has no prior value for any field")
	}
	assert.True(t, fields[persistence.FieldTerm])
	assert.True(t, fields[persistence.FieldDefinition])
	assert.True(t, fields[persistence.FieldTags])
	assert.True(t, fields[persistence.FieldStatus])
}

func TestUpdate_RenameThenRecheckUniqueness(t *testing.T) {
	g := newTestGlossaryStore(t)

	_, err := g.Create("Iron Thorn", "A barbed relic.", nil, 1, 1, "")
	require.NoError(t, err)
	otherID, err := g.Create("Brass Thorn", "A different relic.", nil, 1, 1, "")
	require.NoError(t, err)

	// Renaming "Brass Thorn" to the already-taken normalized term should fail without
	// mutating the entry, since Update re-derives term_normalized from the new term itself
	// rather than rechecking uniqueness up front.
	renamed := "Iron Thorn"
	err = g.Update(otherID, persistence.EntryUpdate{Term: &renamed}, 2, 2)
	require.Error(t, err, "the unique index on term_normalized should reject the collision when the UPDATE runs")

	stillOriginal, err := g.Get(otherID)
	require.NoError(t, err)
	require.NotNil(t, stillOriginal)
	assert.Equal(t, "Brass Thorn", stillOriginal.Term, "the failed rename must not have partially applied")

	// A rename to a genuinely free term succeeds and is recorded.
	freeName := "Brass Spike"
	err = g.Update(otherID, persistence.EntryUpdate{Term: &freeName}, 2, 2)
	require.NoError(t, err)

	renamedEntry, err := g.Get(otherID)
	require.NoError(t, err)
	require.NotNil(t, renamedEntry)
	assert.Equal(t, "Brass Spike", renamedEntry.Term)
	assert.Equal(t, "brass spike", renamedEntry.TermNormalized)
}

func TestUpdate_LogsOneRevisionRowPerChangedField(t *testing.T) {
	g := newTestGlossaryStore(t)

	entryID, err := g.Create("Quiet Bell", "Rings without sound.", nil, 1, 1, "")
	require.NoError(t, err)

	newDefinition := "Rings only in dreams."
	confirmed := persistence.EntryStatusConfirmed
	err = g.Update(entryID, persistence.EntryUpdate{
		Definition: &newDefinition,
		Status:     &confirmed,
	}, 5, 5)
	require.NoError(t, err)

	history, err := g.History(entryID, 10)
	require.NoError(t, err)

	var updateRevisions []persistence.Revision
	for _, rev := range history {
		if rev.SourcePostID == 5 {
			updateRevisions = append(updateRevisions, rev)
		}
	}
	require.Len(t, updateRevisions, 2, "only the two fields that actually changed should log a revision row; term and tags were left untouched")

	fields := make(map[string]string)
	for _, rev := range updateRevisions {
		fields[rev.FieldName] = rev.NewValue
		require.NotNil(t, rev.OldValue)
	}
	assert.Equal(t, newDefinition, fields[persistence.FieldDefinition])
	assert.Equal(t, confirmed, fields[persistence.FieldStatus])
}

func TestUpdate_NoOpWhenNewValueMatchesExisting(t *testing.T) {
	g := newTestGlossaryStore(t)

	entryID, err := g.Create("Still Water", "Reflects nothing.", nil, 1, 1, "")
	require.NoError(t, err)

	sameTerm := "Still Water"
	err = g.Update(entryID, persistence.EntryUpdate{Term: &sameTerm}, 9, 9)
	require.NoError(t, err)

	history, err := g.History(entryID, 10)
	require.NoError(t, err)
	for _, rev := range history {
		assert.NotEqual(t, int64(9), rev.SourcePostID, "setting a field to its current value should not log a revision row")
	}
}

func TestDelete_LogsReasonAsSurvivingRevisionRow(t *testing.T) {
	g := newTestGlossaryStore(t)

	entryID, err := g.Create("Faded Oath", "A promise forgotten.", nil, 1, 1, "")
	require.NoError(t, err)

	ok, err := g.Delete(entryID, "curator:reject - no longer referenced", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	gone, err := g.Get(entryID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// The delete sets the row's entry_id to NULL, so it is found among the entry-less notes.
	history, err := g.NotesByField(persistence.FieldDeleted, 10)
	require.NoError(t, err)
	var found bool
	for _, rev := range history {
		if rev.FieldName == persistence.FieldDeleted {
			found = true
			assert.Equal(t, "curator:reject - no longer referenced", rev.NewValue)
			assert.Nil(t, rev.EntryID, "the FK to the now-deleted entry is set null, but the revision row survives")
		}
	}
	assert.True(t, found, "delete must log a deleted revision row before removing the entry")
}

func TestDelete_MissingEntryReturnsFalse(t *testing.T) {
	g := newTestGlossaryStore(t)
	ok, err := g.Delete(999, "no such entry", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
