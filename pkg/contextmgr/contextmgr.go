// Package contextmgr builds and maintains the conversation state shown to the model: the
// system prompt, the running summary blocks the compactor edits, and the recorded turn
// history.
package contextmgr

import (
	"fmt"
	"regexp"
	"strings"

	"terrarium-annotator/pkg/corpus"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/persistence"
)

var thinkingBlockPattern = regexp.MustCompile(`(?is)<thinking>.*?</thinking>`)

const truncationMarker = "... [truncated]"

// Turn is one recorded conversation turn. ThreadID and SceneIndex are compaction tags: the
// compactor filters by them when a thread or chunk has been summarized and its turns can be
// dropped from history.
type Turn struct {
	Role       llmclient.Role `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ThreadID   *int64         `json:"thread_id,omitempty"`
	SceneIndex *int           `json:"scene_index,omitempty"`
}

func (t Turn) toMessage() llmclient.Message {
	return llmclient.Message{Role: t.Role, Content: t.Content, ToolCallID: t.ToolCallID}
}

func (t Turn) clone() Turn {
	out := t
	if t.ThreadID != nil {
		id := *t.ThreadID
		out.ThreadID = &id
	}
	if t.SceneIndex != nil {
		idx := *t.SceneIndex
		out.SceneIndex = &idx
	}
	return out
}

// ThreadSummary is a completed thread's hybrid summary, pending merge into the cumulative
// summary (normally at most one is ever pending, since the compactor merges eagerly).
type ThreadSummary struct {
	ThreadID       int64   `json:"thread_id"`
	Position       int     `json:"position"`
	SummaryText    string  `json:"summary_text"`
	EntriesCreated []int64 `json:"entries_created"`
	EntriesUpdated []int64 `json:"entries_updated"`
}

// ChunkSummary is a completed chunk's (a run of consecutive scenes within the current
// thread) summary. ChunkIndex is negative for the partial-chunk fallback.
type ChunkSummary struct {
	ThreadID        int64   `json:"thread_id"`
	ChunkIndex      int     `json:"chunk_index"`
	FirstSceneIndex int     `json:"first_scene_index"`
	LastSceneIndex  int     `json:"last_scene_index"`
	SummaryText     string  `json:"summary_text"`
	EntriesCreated  []int64 `json:"entries_created"`
	EntriesUpdated  []int64 `json:"entries_updated"`
}

// AnnotationContext holds the system prompt and the full recorded turn history for one run.
// It is the thing that gets forked for curator review and summon dialogues (Clone), and
// the thing the compactor mutates in place so later scenes see the compacted state.
type AnnotationContext struct {
	SystemPrompt string
	History      []Turn
}

// New builds an AnnotationContext with an empty history.
func New(systemPrompt string) *AnnotationContext {
	return &AnnotationContext{SystemPrompt: systemPrompt}
}

// BuildMessagesOptions parametrizes BuildMessages. Tools is attached to the chat request as
// metadata by the caller, not turned into a message here.
type BuildMessagesOptions struct {
	CumulativeSummary string
	ChunkSummaries    []ChunkSummary
	ThreadSummaries   []ThreadSummary // pending thread summaries; only the most recent is shown.
	CurrentScene      *corpus.Scene
	RelevantEntries   []persistence.GlossaryEntry
	Tools             []llmclient.ToolDefinition
}

// BuildMessages assembles the ordered message list for one annotation request:
//
//  1. System prompt.
//  2. A user message wrapping the cumulative summary, chunk summaries, and the most recent
//     pending thread summary (each in its own sentinel tag so the compactor can find and
//     edit them), omitted entirely when all three are empty.
//  3. The recorded conversation history, in order.
//  4. A user message carrying the current scene's posts and candidate glossary entries.
func (ac *AnnotationContext) BuildMessages(opts BuildMessagesOptions) []llmclient.Message {
	messages := []llmclient.Message{{Role: llmclient.RoleSystem, Content: ac.SystemPrompt}}

	if block := formatSummaryBlock(opts.CumulativeSummary, opts.ChunkSummaries, opts.ThreadSummaries); block != "" {
		messages = append(messages, llmclient.Message{Role: llmclient.RoleUser, Content: block})
	}

	for _, turn := range ac.History {
		messages = append(messages, turn.toMessage())
	}

	if opts.CurrentScene != nil {
		messages = append(messages, llmclient.Message{
			Role:    llmclient.RoleUser,
			Content: formatUserPayload(opts.CurrentScene, opts.RelevantEntries),
		})
	}

	return messages
}

// RecordTurnOptions carries the optional fields of RecordTurn.
type RecordTurnOptions struct {
	ToolCallID string
	ThreadID   *int64
	SceneIndex *int
}

// RecordTurn appends a turn to history, tagged for later compaction filtering.
func (ac *AnnotationContext) RecordTurn(role llmclient.Role, content string, opts RecordTurnOptions) {
	ac.History = append(ac.History, Turn{
		Role:       role,
		Content:    content,
		ToolCallID: opts.ToolCallID,
		ThreadID:   opts.ThreadID,
		SceneIndex: opts.SceneIndex,
	})
}

// RemoveThreadTurns drops every turn tagged with threadID, reporting the count removed.
// Turns without a ThreadID are always preserved.
func (ac *AnnotationContext) RemoveThreadTurns(threadID int64) int {
	kept := ac.History[:0:0]
	removed := 0
	for _, turn := range ac.History {
		if turn.ThreadID != nil && *turn.ThreadID == threadID {
			removed++
			continue
		}
		kept = append(kept, turn)
	}
	ac.History = kept
	return removed
}

// RemoveChunkTurns drops turns tagged with threadID whose SceneIndex falls within
// [firstScene, lastScene], reporting the count removed. Turns from other threads, and turns
// without a SceneIndex (tool calls, etc.), are always preserved.
func (ac *AnnotationContext) RemoveChunkTurns(threadID int64, firstScene, lastScene int) int {
	kept := ac.History[:0:0]
	removed := 0
	for _, turn := range ac.History {
		if turn.ThreadID == nil || *turn.ThreadID != threadID || turn.SceneIndex == nil {
			kept = append(kept, turn)
			continue
		}
		if *turn.SceneIndex >= firstScene && *turn.SceneIndex <= lastScene {
			removed++
			continue
		}
		kept = append(kept, turn)
	}
	ac.History = kept
	return removed
}

// TrimThinkingBlocks strips <thinking>...</thinking> blocks from assistant turns older than
// the most recent preserveRecent turns, reporting how many turns were changed.
func (ac *AnnotationContext) TrimThinkingBlocks(preserveRecent int) int {
	trimmed := 0
	cutoff := len(ac.History) - preserveRecent
	for i := range ac.History {
		if i >= cutoff {
			continue
		}
		turn := &ac.History[i]
		if turn.Role != llmclient.RoleAssistant || !strings.Contains(strings.ToLower(turn.Content), "<thinking>") {
			continue
		}
		newContent := strings.TrimSpace(thinkingBlockPattern.ReplaceAllString(turn.Content, ""))
		if newContent != turn.Content {
			turn.Content = newContent
			trimmed++
		}
	}
	return trimmed
}

// TruncateOldResponses truncates assistant turns older than index len(History)-maxAge to
// maxLen characters, appending a visible marker. A turn already bearing the marker is left
// alone.
func (ac *AnnotationContext) TruncateOldResponses(maxAge, maxLen int) int {
	truncated := 0
	cutoff := len(ac.History) - maxAge
	for i := range ac.History {
		if i >= cutoff {
			continue
		}
		turn := &ac.History[i]
		if turn.Role != llmclient.RoleAssistant || turn.Content == "" {
			continue
		}
		if strings.HasSuffix(turn.Content, truncationMarker) {
			continue
		}
		if len(turn.Content) > maxLen {
			turn.Content = turn.Content[:maxLen] + truncationMarker
			truncated++
		}
	}
	return truncated
}

// GetHistory returns a copy of the recorded history, safe for serialization.
func (ac *AnnotationContext) GetHistory() []Turn {
	out := make([]Turn, len(ac.History))
	copy(out, ac.History)
	return out
}

// Clone deep-copies the context, for curator review and summon dialogue forks.
func (ac *AnnotationContext) Clone() *AnnotationContext {
	history := make([]Turn, len(ac.History))
	for i, turn := range ac.History {
		history[i] = turn.clone()
	}
	return &AnnotationContext{SystemPrompt: ac.SystemPrompt, History: history}
}

func formatSummaryBlock(cumulative string, chunks []ChunkSummary, threads []ThreadSummary) string {
	var b strings.Builder

	if cumulative != "" {
		fmt.Fprintf(&b, "<cumulative_summary>%s</cumulative_summary>", cumulative)
	}

	if len(chunks) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("<chunk_summaries>")
		for _, c := range chunks {
			b.WriteByte('\n')
			fmt.Fprintf(&b, `<chunk index="%d" scenes="%d-%d">%s</chunk>`,
				c.ChunkIndex, c.FirstSceneIndex, c.LastSceneIndex, c.SummaryText)
		}
		b.WriteString("\n</chunk_summaries>")
	}

	if len(threads) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		ts := threads[len(threads)-1] // "the most recent pending thread summary"
		entriesAttr := ""
		if len(ts.EntriesCreated) > 0 || len(ts.EntriesUpdated) > 0 {
			entriesAttr = fmt.Sprintf(` entries="%s"`, joinIDs(append(ts.EntriesCreated, ts.EntriesUpdated...)))
		}
		fmt.Fprintf(&b, `<thread_summary id="%d" position="%d"%s>%s</thread_summary>`,
			ts.ThreadID, ts.Position, entriesAttr, ts.SummaryText)
	}

	return b.String()
}

func formatUserPayload(scene *corpus.Scene, entries []persistence.GlossaryEntry) string {
	var b strings.Builder
	b.WriteString("<story_passages>")
	for _, post := range scene.Posts {
		meta := []string{fmt.Sprintf(`id="%d"`, post.PostID)}
		if post.CreatedAt != nil {
			meta = append(meta, fmt.Sprintf(`ts="%s"`, post.CreatedAt.Format("2006-01-02T15:04:05Z07:00")))
		}
		if post.Author != "" {
			meta = append(meta, fmt.Sprintf(`author="%s"`, post.Author))
		}
		b.WriteByte('\n')
		fmt.Fprintf(&b, "<post %s>%s</post>", strings.Join(meta, " "), strings.TrimSpace(post.Body))
	}
	b.WriteString("\n</story_passages>")

	if len(entries) > 0 {
		b.WriteString("\n<known_glossary>")
		for _, e := range entries {
			tagsAttr := ""
			if len(e.Tags) > 0 {
				tagsAttr = fmt.Sprintf(` tags="%s"`, strings.Join(e.Tags, ","))
			}
			b.WriteByte('\n')
			fmt.Fprintf(&b, `<term name="%s"%s>%s</term>`, e.Term, tagsAttr, e.Definition)
		}
		b.WriteString("\n</known_glossary>")
	}

	b.WriteString("\n<instructions>Emit glossary updates using tools as specified.</instructions>")
	return b.String()
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
