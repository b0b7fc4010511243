package compactor

import (
	"context"
	"fmt"
	"strings"

	"terrarium-annotator/pkg/contextmgr"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/logx"
	"terrarium-annotator/pkg/persistence"
)

// SummaryResult is a thread summarization's raw output, before it's wrapped for storage.
type SummaryResult struct {
	ThreadID       int64
	SummaryText    string
	EntriesCreated []int64
	EntriesUpdated []int64
	TokenCount     int
}

// Summarizer produces thread- and chunk-level summaries, and merges them into the running
// cumulative summary. Every method falls back to a heuristic, non-agent summary if the model
// call fails or returns empty content, so compaction never blocks on the model being unhappy.
type Summarizer struct {
	client        llmclient.Client
	glossary      *persistence.GlossaryStore
	maxTokens     int
	charsPerToken float64
	logger        *logx.Logger
}

// NewSummarizer builds a Summarizer. maxTokens bounds the requested completion length for
// summary calls; charsPerToken sizes the heuristic fallback.
func NewSummarizer(client llmclient.Client, glossary *persistence.GlossaryStore, maxTokens int, charsPerToken float64) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &Summarizer{
		client:        client,
		glossary:      glossary,
		maxTokens:     maxTokens,
		charsPerToken: charsPerToken,
		logger:        logx.NewLogger("compactor.summarizer"),
	}
}

// SummarizeThread produces a hybrid plot-plus-glossary summary for a completed thread, looking
// up which glossary entries were created or updated in it so the prompt (and the resulting
// ThreadSummary) can name them.
func (s *Summarizer) SummarizeThread(ctx context.Context, threadID int64, excerpt []contextmgr.Turn) (SummaryResult, error) {
	created, err := s.glossary.GetByThread(threadID, persistence.ThreadFieldFirstSeen)
	if err != nil {
		return SummaryResult{}, err
	}
	updated, err := s.glossary.GetByThread(threadID, persistence.ThreadFieldLastUpdated)
	if err != nil {
		return SummaryResult{}, err
	}
	createdIDs := entryIDs(created)
	updatedIDs := excludeIDs(entryIDs(updated), createdIDs)

	prompt := fmt.Sprintf(ThreadSummaryPrompt, threadID, joinIDs(createdIDs), joinIDs(updatedIDs))
	text, err := s.complete(ctx, prompt, excerpt)
	if err != nil || text == "" {
		if err != nil {
			s.logger.Warn("thread %d summary call failed, using heuristic: %v", threadID, err)
		}
		text = s.heuristicSummary(excerpt)
	}

	return SummaryResult{
		ThreadID:       threadID,
		SummaryText:    text,
		EntriesCreated: createdIDs,
		EntriesUpdated: updatedIDs,
		TokenCount:     s.estimateTokens(text),
	}, nil
}

// SummarizeChunk produces a narrower-scope summary for one run of consecutive scenes within
// the current thread (Tier 0.5). Unlike thread summaries, chunk summaries don't carry
// entry-id attribution: the glossary store only supports lookup by thread, not by scene range,
// so a chunk's created/updated lists are left empty rather than guessed at.
func (s *Summarizer) SummarizeChunk(ctx context.Context, threadID int64, chunkIndex, firstScene, lastScene int, excerpt []contextmgr.Turn) (contextmgr.ChunkSummary, error) {
	prompt := fmt.Sprintf(ChunkSummaryPrompt, firstScene, lastScene, threadID)
	text, err := s.complete(ctx, prompt, excerpt)
	if err != nil || text == "" {
		if err != nil {
			s.logger.Warn("chunk %d (thread %d) summary call failed, using heuristic: %v", chunkIndex, threadID, err)
		}
		text = s.heuristicSummary(excerpt)
	}
	return contextmgr.ChunkSummary{
		ThreadID:        threadID,
		ChunkIndex:      chunkIndex,
		FirstSceneIndex: firstScene,
		LastSceneIndex:  lastScene,
		SummaryText:     text,
	}, nil
}

// MergeIntoCumulative folds a newly produced summary into the running cumulative summary,
// deduplicating against what's already there. Falls back to plain concatenation if the model
// call fails or returns empty content.
func (s *Summarizer) MergeIntoCumulative(ctx context.Context, oldCumulative, newText string) (string, error) {
	if oldCumulative == "" {
		return newText, nil
	}
	prompt := fmt.Sprintf(CumulativeSummaryPrompt, oldCumulative, newText)
	merged, err := s.complete(ctx, prompt, nil)
	if err != nil || merged == "" {
		if err != nil {
			s.logger.Warn("cumulative summary merge call failed, using concatenation: %v", err)
		}
		return strings.TrimSpace(oldCumulative + "\n\n" + newText), nil
	}
	return merged, nil
}

// ToThreadSummary wraps a SummaryResult as a ThreadSummary pending merge into the cumulative
// summary at the given position (the order in which threads were completed).
func (s *Summarizer) ToThreadSummary(result SummaryResult, position int) contextmgr.ThreadSummary {
	return contextmgr.ThreadSummary{
		ThreadID:       result.ThreadID,
		Position:       position,
		SummaryText:    result.SummaryText,
		EntriesCreated: result.EntriesCreated,
		EntriesUpdated: result.EntriesUpdated,
	}
}

func (s *Summarizer) complete(ctx context.Context, prompt string, excerpt []contextmgr.Turn) (string, error) {
	messages := []llmclient.Message{{Role: llmclient.RoleSystem, Content: prompt}}
	for _, turn := range lastTurns(excerpt, 6) {
		content := turn.Content
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		messages = append(messages, llmclient.Message{Role: turn.Role, Content: content})
	}
	messages = append(messages, llmclient.Message{Role: llmclient.RoleUser, Content: "Please provide a concise summary."})

	resp, err := s.client.Chat(ctx, llmclient.ChatRequest{Messages: messages, MaxTokens: s.maxTokens, Temperature: 0.2})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (s *Summarizer) heuristicSummary(excerpt []contextmgr.Turn) string {
	var b strings.Builder
	for _, turn := range lastTurns(excerpt, 6) {
		if turn.Role != llmclient.RoleAssistant && turn.Role != llmclient.RoleUser {
			continue
		}
		line := strings.TrimSpace(turn.Content)
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200] + "..."
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(line)
	}
	if b.Len() == 0 {
		return "(no summarizable content)"
	}
	return b.String()
}

func (s *Summarizer) estimateTokens(text string) int {
	return max(1, int(float64(len(text))/s.charsPerToken))
}

func lastTurns(turns []contextmgr.Turn, n int) []contextmgr.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

func entryIDs(entries []persistence.GlossaryEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func excludeIDs(ids, exclude []int64) []int64 {
	excluded := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	var out []int64
	for _, id := range ids {
		if _, skip := excluded[id]; !skip {
			out = append(out, id)
		}
	}
	return out
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "(none)"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}
