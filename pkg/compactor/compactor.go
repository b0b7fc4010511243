// Package compactor keeps a running annotation context inside its token budget: it summarizes
// completed threads and scene chunks into progressively shorter forms, trims stale reasoning,
// and truncates old responses, in that tiered order, only as far as each invocation needs.
package compactor

import (
	"context"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"terrarium-annotator/pkg/config"
	"terrarium-annotator/pkg/contextmgr"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/logx"
)

// TokenCounter is the subset of tokencounter.Counter the compactor needs: a way to measure a
// rendered message list. Depending on the interface rather than the concrete type keeps this
// package testable without a real or fake tokenizer endpoint.
type TokenCounter interface {
	CountMessages(messages []llmclient.Message) int
}

// thinkingPreserveRecent and the Tier 4 truncation parameters are fixed algorithm constants,
// not user-tunable knobs (config.go's own doc comment: "constants that users should not tune
// ... live as named constants in the packages that use them").
const (
	thinkingPreserveRecent  = 4
	truncateMaxAge          = 8
	truncateMaxLen          = 500
	partialChunkMinScenes   = 6
	maxCompactionIterations = 20
)

// CompactionState is the compactor's own bookkeeping, persisted alongside the annotation
// context so a resumed run doesn't re-derive (or re-summarize) chunk boundaries it already
// committed to. SummarizedChunkIndices uses an ordered map so iteration always walks chunks in
// the order they were first summarized, keeping Tier 0.5's tie-breaking deterministic across a
// run instead of depending on Go's unspecified map iteration order.
type CompactionState struct {
	CurrentThreadID        *int64
	CurrentSceneIndex      int
	ChunkSummaries         []contextmgr.ChunkSummary // pending for the current thread only.
	ThreadSummaries        []contextmgr.ThreadSummary // pending merge into CumulativeSummary.
	CumulativeSummary      string
	SummarizedChunkIndices *orderedmap.OrderedMap[int, struct{}] // chunk index -> presence, current thread only.
	CompletedThreadIDs     []int64
}

// NewCompactionState builds an empty state, ready for StartNewThread.
func NewCompactionState() *CompactionState {
	return &CompactionState{SummarizedChunkIndices: orderedmap.New[int, struct{}]()}
}

// StartNewThread finalizes bookkeeping for the outgoing thread (if any) and resets per-thread
// chunk tracking for the incoming one.
func (s *CompactionState) StartNewThread(threadID int64) {
	if s.CurrentThreadID != nil {
		s.CompletedThreadIDs = append(s.CompletedThreadIDs, *s.CurrentThreadID)
	}
	id := threadID
	s.CurrentThreadID = &id
	s.CurrentSceneIndex = 0
	s.ChunkSummaries = nil
	s.SummarizedChunkIndices = orderedmap.New[int, struct{}]()
}

// AdvanceScene records that another scene of the current thread has been processed.
func (s *CompactionState) AdvanceScene() {
	s.CurrentSceneIndex++
}

// GetCompletedChunkCount returns how many full chunks of chunkSize scenes have elapsed in the
// current thread.
func (s *CompactionState) GetCompletedChunkCount(chunkSize int) int {
	if chunkSize <= 0 {
		return 0
	}
	return s.CurrentSceneIndex / chunkSize
}

// GetUnsummarizedChunks returns the indices of completed chunks not yet folded into a chunk
// summary, oldest first.
func (s *CompactionState) GetUnsummarizedChunks(chunkSize int) []int {
	completed := s.GetCompletedChunkCount(chunkSize)
	var out []int
	for i := 0; i < completed; i++ {
		if _, ok := s.SummarizedChunkIndices.Get(i); !ok {
			out = append(out, i)
		}
	}
	return out
}

func (s *CompactionState) markChunkSummarized(index int) {
	s.SummarizedChunkIndices.Set(index, struct{}{})
}

// CompactionResult reports what a single Compact call actually did, for logging and metrics.
type CompactionResult struct {
	TokensBefore       int
	TokensAfter        int
	TiersActivated     []int
	ChunksSummarized   int
	ThreadSummarized   bool
	ThinkingTrimmed    int
	ResponsesTruncated int
}

func (r *CompactionResult) activate(tier int) {
	for _, t := range r.TiersActivated {
		if t == tier {
			return
		}
	}
	r.TiersActivated = append(r.TiersActivated, tier)
}

// Compactor implements the tiered compaction loop against a live AnnotationContext.
type Compactor struct {
	counter    TokenCounter
	summarizer *Summarizer
	logger     *logx.Logger

	contextBudget      int
	softRatio          float64
	threadCompactRatio float64
	emergencyRatio     float64
	targetRatio        float64
	chunkSize          int
	preserveRecent     int
}

// NewCompactor builds a Compactor from the run configuration.
func NewCompactor(cfg config.Config, counter TokenCounter, summarizer *Summarizer) *Compactor {
	return &Compactor{
		counter:            counter,
		summarizer:         summarizer,
		logger:             logx.NewLogger("compactor"),
		contextBudget:      cfg.ContextBudget,
		softRatio:          cfg.SoftRatio,
		threadCompactRatio: cfg.ThreadCompactRatio,
		emergencyRatio:     cfg.EmergencyRatio,
		targetRatio:        cfg.TargetRatio,
		chunkSize:          cfg.ChunkSize,
		preserveRecent:     cfg.PreserveRecentChunks,
	}
}

func (c *Compactor) usageRatio(tokens int) float64 {
	if c.contextBudget <= 0 {
		return 0
	}
	return float64(tokens) / float64(c.contextBudget)
}

// ShouldCompact reports whether usage has crossed the soft threshold at which Tier 0.5 chunk
// summarization should start looking for work.
func (c *Compactor) ShouldCompact(tokens int) bool {
	return c.usageRatio(tokens) >= c.softRatio
}

// ShouldCompactThread reports whether usage has crossed the threshold at which a just-completed
// thread should be folded into the cumulative summary rather than left in history.
func (c *Compactor) ShouldCompactThread(tokens int) bool {
	return c.usageRatio(tokens) >= c.threadCompactRatio
}

// ShouldEmergencyCompact reports whether usage has reached the emergency ratio. At that level
// Tier 0.5 drops its preserve window to zero at once (still one chunk per call) and may use the
// partial-chunk fallback, and Tiers 3 and 4 run.
func (c *Compactor) ShouldEmergencyCompact(tokens int) bool {
	return c.usageRatio(tokens) >= c.emergencyRatio
}

// Compact runs the tiered compaction loop against ac and state until usage falls under the
// target ratio, a fixed iteration cap is hit, or a pass makes no progress or does not lower
// the token count (the doom-loop guard). rebuild must re-render ac (plus whatever summary state the caller threads through
// BuildMessagesOptions) into the message list whose token count is being managed; it is called
// fresh after every mutation so measurement always reflects the current state.
//
// threadJustCompleted signals that the thread named by state.CurrentThreadID has just finished
// and is eligible for Tier 1 merging on this call.
func (c *Compactor) Compact(ctx context.Context, ac *contextmgr.AnnotationContext, state *CompactionState, rebuild func() []llmclient.Message, threadJustCompleted bool) (CompactionResult, error) {
	result := CompactionResult{TokensBefore: c.counter.CountMessages(rebuild())}

	tokens := result.TokensBefore
	emergency := c.ShouldEmergencyCompact(tokens)

	if threadJustCompleted && c.ShouldCompactThread(tokens) {
		if err := c.compactThread(ctx, ac, state, &result); err != nil {
			return result, err
		}
		tokens = c.counter.CountMessages(rebuild())
	}

	for iteration := 0; iteration < maxCompactionIterations && c.usageRatio(tokens) > c.targetRatio; iteration++ {
		progressed := false
		passStart := tokens

		if n, err := c.compactChunks(ctx, ac, state, emergency, &result); err != nil {
			return result, err
		} else if n > 0 {
			progressed = true
			tokens = c.counter.CountMessages(rebuild())
			if c.usageRatio(tokens) <= c.targetRatio {
				break
			}
		}

		trimmed := 0
		if c.ShouldEmergencyCompact(tokens) {
			trimmed = ac.TrimThinkingBlocks(thinkingPreserveRecent)
		}
		if trimmed > 0 {
			result.activate(3)
			result.ThinkingTrimmed += trimmed
			progressed = true
			tokens = c.counter.CountMessages(rebuild())
			if c.usageRatio(tokens) <= c.targetRatio {
				break
			}
		}

		truncated := 0
		if c.ShouldEmergencyCompact(tokens) {
			truncated = ac.TruncateOldResponses(truncateMaxAge, truncateMaxLen)
		}
		if truncated > 0 {
			result.activate(4)
			result.ResponsesTruncated += truncated
			progressed = true
			tokens = c.counter.CountMessages(rebuild())
		}

		if !progressed {
			c.logger.Warn("compaction made no progress at %.0f%% usage; stopping to avoid a doom loop", c.usageRatio(tokens)*100)
			break
		}
		if tokens >= passStart {
			c.logger.Warn("compaction pass did not lower the token count (%d); stopping to avoid a doom loop", tokens)
			break
		}
	}

	result.TokensAfter = tokens
	return result, nil
}

// compactThread summarizes the just-completed thread (Tier 1): produce its summary, drop its
// turns from history, merge the summary into the cumulative summary, and record it as
// completed.
func (c *Compactor) compactThread(ctx context.Context, ac *contextmgr.AnnotationContext, state *CompactionState, result *CompactionResult) error {
	if state.CurrentThreadID == nil {
		return nil
	}
	threadID := *state.CurrentThreadID

	summary, err := c.summarizer.SummarizeThread(ctx, threadID, ac.GetHistory())
	if err != nil {
		return err
	}
	ac.RemoveThreadTurns(threadID)

	position := len(state.CompletedThreadIDs)
	state.ThreadSummaries = append(state.ThreadSummaries, c.summarizer.ToThreadSummary(summary, position))

	merged, err := c.summarizer.MergeIntoCumulative(ctx, state.CumulativeSummary, summary.SummaryText)
	if err != nil {
		return err
	}
	state.CumulativeSummary = merged
	state.ThreadSummaries = nil // folded into the cumulative summary; nothing left pending to show.
	state.CompletedThreadIDs = append(state.CompletedThreadIDs, threadID)

	result.ThreadSummarized = true
	result.activate(1)
	return nil
}

// compactChunks runs one step of Tier 0.5: summarize the single oldest eligible scene chunk,
// holding back a trailing window of recent chunks so the model still sees them verbatim.
// Under emergency pressure the window collapses to zero immediately instead of shrinking
// gradually. Returns 1 if a chunk was summarized, 0 otherwise; the caller's iteration loop
// re-measures tokens and calls again if the budget still isn't met, rather than this call
// draining every eligible chunk in one pass.
func (c *Compactor) compactChunks(ctx context.Context, ac *contextmgr.AnnotationContext, state *CompactionState, emergency bool, result *CompactionResult) (int, error) {
	if state.CurrentThreadID == nil || c.chunkSize <= 0 {
		return 0, nil
	}
	threadID := *state.CurrentThreadID

	preserveSequence := []int{c.preserveRecent}
	for n := c.preserveRecent - 1; n >= 0; n-- {
		preserveSequence = append(preserveSequence, n)
	}
	if emergency {
		preserveSequence = []int{0}
	}

	summarized := 0
	for _, preserveN := range preserveSequence {
		unsummarized := state.GetUnsummarizedChunks(c.chunkSize)
		if len(unsummarized) <= preserveN {
			continue
		}
		chunkIndex := unsummarized[0]
		firstScene := chunkIndex * c.chunkSize
		lastScene := firstScene + c.chunkSize - 1
		if err := c.summarizeAndRemoveChunk(ctx, ac, state, threadID, chunkIndex, firstScene, lastScene); err != nil {
			return summarized, err
		}
		summarized++
		break
	}

	// Partial-chunk fallback: once at least partialChunkMinScenes scenes have accumulated past
	// the last full chunk boundary with no further full chunk in sight, summarize the first half
	// of them under a negative chunk index so they stop weighing on the budget while the thread
	// continues.
	if summarized == 0 && emergency {
		completed := state.GetCompletedChunkCount(c.chunkSize)
		firstScene := completed * c.chunkSize
		remaining := state.CurrentSceneIndex - firstScene
		if remaining >= partialChunkMinScenes {
			partialIndex := -(completed + 1)
			lastScene := firstScene + remaining/2 - 1
			if err := c.summarizeAndRemoveChunk(ctx, ac, state, threadID, partialIndex, firstScene, lastScene); err != nil {
				return summarized, err
			}
			summarized++
		}
	}

	if summarized > 0 {
		result.ChunksSummarized += summarized
		result.activate(0) // Tier 0.5, reported as tier 0 for the integer tier-activation tally.
	}
	return summarized, nil
}

func (c *Compactor) summarizeAndRemoveChunk(ctx context.Context, ac *contextmgr.AnnotationContext, state *CompactionState, threadID int64, chunkIndex, firstScene, lastScene int) error {
	excerpt := turnsInSceneRange(ac.GetHistory(), threadID, firstScene, lastScene)
	chunkSummary, err := c.summarizer.SummarizeChunk(ctx, threadID, chunkIndex, firstScene, lastScene, excerpt)
	if err != nil {
		return err
	}
	ac.RemoveChunkTurns(threadID, firstScene, lastScene)
	state.ChunkSummaries = append(state.ChunkSummaries, chunkSummary)
	if chunkIndex >= 0 {
		state.markChunkSummarized(chunkIndex)
	}
	return nil
}

func turnsInSceneRange(turns []contextmgr.Turn, threadID int64, firstScene, lastScene int) []contextmgr.Turn {
	var out []contextmgr.Turn
	for _, t := range turns {
		if t.ThreadID == nil || *t.ThreadID != threadID || t.SceneIndex == nil {
			continue
		}
		if *t.SceneIndex >= firstScene && *t.SceneIndex <= lastScene {
			out = append(out, t)
		}
	}
	return out
}
