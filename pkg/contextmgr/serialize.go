package contextmgr

import (
	"encoding/json"

	"terrarium-annotator/pkg/errs"
	"terrarium-annotator/pkg/persistence"
)

// FromSnapshot reconstructs an AnnotationContext's system prompt and history from a persisted
// snapshot's context row. The compaction-specific fields of the row (cumulative summary,
// chunk/thread summaries, summarized chunk indices, completed thread ids) are the compactor's
// concern, not the context's, so they're rebuilt separately by the compactor package.
func FromSnapshot(sc *persistence.SnapshotContext) (*AnnotationContext, error) {
	ac := &AnnotationContext{SystemPrompt: sc.SystemPrompt}
	if sc.HistoryJSON != "" {
		if err := json.Unmarshal([]byte(sc.HistoryJSON), &ac.History); err != nil {
			return nil, errs.Storage(err, "unmarshaling conversation history failed")
		}
	}
	return ac, nil
}
