package compactor

import (
	"encoding/json"

	"terrarium-annotator/pkg/errs"
	"terrarium-annotator/pkg/persistence"
)

// FromSnapshot reconstructs a CompactionState from a persisted snapshot's context row — the
// compaction-bookkeeping half of restoring a snapshot, paired with contextmgr.FromSnapshot for
// the conversation half (mirrors the reference's CompactionState.from_dict).
func FromSnapshot(sc *persistence.SnapshotContext) (*CompactionState, error) {
	state := NewCompactionState()
	state.CurrentSceneIndex = sc.CurrentSceneIndex
	state.CompletedThreadIDs = append([]int64(nil), sc.CompletedThreadIDs...)

	if sc.CurrentThreadID != nil {
		id := *sc.CurrentThreadID
		state.CurrentThreadID = &id
	}
	if sc.CumulativeSummary != nil {
		state.CumulativeSummary = *sc.CumulativeSummary
	}
	if sc.ChunkSummariesJSON != "" {
		if err := json.Unmarshal([]byte(sc.ChunkSummariesJSON), &state.ChunkSummaries); err != nil {
			return nil, errs.Storage(err, "unmarshaling chunk summaries failed")
		}
	}
	if sc.ThreadSummariesJSON != "" {
		if err := json.Unmarshal([]byte(sc.ThreadSummariesJSON), &state.ThreadSummaries); err != nil {
			return nil, errs.Storage(err, "unmarshaling thread summaries failed")
		}
	}
	for _, idx := range sc.SummarizedChunkIndices {
		state.markChunkSummarized(idx)
	}
	return state, nil
}
