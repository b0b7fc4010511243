package compactor

// ThreadSummaryPrompt asks for a hybrid plot-plus-glossary summary of one completed thread:
// roughly 500 tokens, naming the entry ids it touches.
const ThreadSummaryPrompt = `You are summarizing thread %d of the Banished Quest corpus for ` +
	`a long-running glossary-building agent.

Write a concise summary (roughly 500 tokens) covering:
- The plot highlights of this thread.
- Any notable terms, names, places, factions, or mechanics introduced or clarified.

Glossary entries created in this thread: %s
Glossary entries updated in this thread: %s

Keep the summary in plain prose. Do not repeat the entry lists verbatim; describe what ` +
	`changed and why it mattered.`

// ChunkSummaryPrompt is ThreadSummaryPrompt's narrower-scope counterpart for a single chunk
// (a run of consecutive scenes) within the current thread.
const ChunkSummaryPrompt = `You are summarizing scenes %d-%d of thread %d for a long-running ` +
	`glossary-building agent.

Write a concise summary (roughly 200 tokens) of what happened in these scenes, noting any ` +
	`terms, names, places, factions, or mechanics that were introduced or clarified.`

// CumulativeSummaryPrompt asks the model to fold a newly summarized thread into the running
// "story so far", deduplicating against what's already there.
const CumulativeSummaryPrompt = `You maintain a running "story so far" summary for a long ` +
	`quest narrative.

Current cumulative summary:
%s

New thread summary to merge in:
%s

Produce an updated cumulative summary that folds the new material in, removing redundancy ` +
	`and keeping the whole thing concise. Return only the merged summary text.`
