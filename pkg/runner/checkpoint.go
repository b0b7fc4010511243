package runner

import (
	"terrarium-annotator/pkg/compactor"
	"terrarium-annotator/pkg/contextmgr"
	"terrarium-annotator/pkg/persistence"
)

// toCreateParams assembles a persistence.CreateParams from the live context and compaction
// state, the counterpart to contextmgr.FromSnapshot/compactor.FromSnapshot used to resume.
func toCreateParams(snapType string, lastPostID, lastThreadID int64, ac *contextmgr.AnnotationContext, cs *compactor.CompactionState, tokens int) persistence.CreateParams {
	var cumulative *string
	if cs.CumulativeSummary != "" {
		s := cs.CumulativeSummary
		cumulative = &s
	}

	threadSummaries := cs.ThreadSummaries
	if threadSummaries == nil {
		threadSummaries = []contextmgr.ThreadSummary{}
	}
	chunkSummaries := cs.ChunkSummaries
	if chunkSummaries == nil {
		chunkSummaries = []contextmgr.ChunkSummary{}
	}
	history := ac.GetHistory()
	if history == nil {
		history = []contextmgr.Turn{}
	}

	var summarizedChunkIndices []int
	for pair := cs.SummarizedChunkIndices.Oldest(); pair != nil; pair = pair.Next() {
		summarizedChunkIndices = append(summarizedChunkIndices, pair.Key)
	}

	return persistence.CreateParams{
		Type:                   snapType,
		LastPostID:             lastPostID,
		LastThreadID:           lastThreadID,
		ThreadPosition:         len(cs.CompletedThreadIDs),
		SystemPrompt:           ac.SystemPrompt,
		CumulativeSummary:      cumulative,
		ThreadSummaries:        threadSummaries,
		ChunkSummaries:         chunkSummaries,
		ConversationHistory:    history,
		CurrentSceneIndex:      cs.CurrentSceneIndex,
		SummarizedChunkIndices: summarizedChunkIndices,
		CompletedThreadIDs:     append([]int64(nil), cs.CompletedThreadIDs...),
		TokenCount:             &tokens,
	}
}
