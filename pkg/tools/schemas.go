package tools

import "terrarium-annotator/pkg/llmclient"

func schema(properties map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func arrProp(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

// CoreToolDefinitions is the six-tool set every dispatcher exposes.
var CoreToolDefinitions = []llmclient.ToolDefinition{
	{
		Name:        "glossary_search",
		Description: "Search the glossary by term and definition text, optionally filtered by tags and status.",
		Parameters: schema(map[string]any{
			"query":              strProp("Free-text search query."),
			"tags":               arrProp("Restrict to entries carrying all of these tags."),
			"status":             strProp(`One of "tentative", "confirmed", or "all" (default "all").`),
			"include_references": boolProp(`If true, expand "[[term]]" cross-references found inside matched definitions.`),
			"limit":              intProp("Maximum entries to return (default 10)."),
		}, "query"),
	},
	{
		Name:        "glossary_create",
		Description: "Create a new glossary entry, stamped with the current post and thread as its first-seen location.",
		Parameters: schema(map[string]any{
			"term":       strProp("The term or name being defined."),
			"definition": strProp("The entry's definition text."),
			"tags":       arrProp("Tags categorizing this entry."),
			"status":     strProp(`"tentative" (default) or "confirmed".`),
		}, "term", "definition", "tags"),
	},
	{
		Name:        "glossary_update",
		Description: "Update one or more fields of an existing glossary entry. Only supplied fields are changed.",
		Parameters: schema(map[string]any{
			"entry_id":   intProp("The id of the entry to update."),
			"term":       strProp("New term text, if changing."),
			"definition": strProp("New definition text, if changing."),
			"tags":       arrProp("Replacement tag set, if changing."),
			"status":     strProp(`New status ("tentative" or "confirmed"), if changing.`),
		}, "entry_id"),
	},
	{
		Name:        "glossary_delete",
		Description: "Delete a glossary entry, recording the reason as a final revision before removal.",
		Parameters: schema(map[string]any{
			"entry_id": intProp("The id of the entry to delete."),
			"reason":   strProp("Why this entry is being deleted."),
		}, "entry_id", "reason"),
	},
	{
		Name:        "read_post",
		Description: "Read a single corpus post by id, optionally with its adjacent posts in the same thread.",
		Parameters: schema(map[string]any{
			"post_id":          intProp("The post id to read."),
			"include_adjacent": boolProp("If true, include the surrounding posts (+-2 by default) in the same thread."),
		}, "post_id"),
	},
	{
		Name:        "read_thread_range",
		Description: "Read a range of posts within a thread, optionally filtered to a tag.",
		Parameters: schema(map[string]any{
			"thread_id":  intProp("The thread to read from."),
			"start":      intProp("Inclusive starting post id (defaults to the thread's first post)."),
			"end":        intProp("Inclusive ending post id (defaults to the thread's last post)."),
			"tag_filter": strProp("Restrict to posts carrying this tag."),
		}, "thread_id"),
	},
}

// SummonToolDefinitions is the three-tool summon sub-state. AllToolDefinitions adds it only
// when includeSummon is true, which the dispatcher passes only while no summon is active.
var SummonToolDefinitions = []llmclient.ToolDefinition{
	{
		Name:        "summon_snapshot",
		Description: "Begin a read-only dialogue with a historical annotation context reconstituted from a snapshot. Fails if a summon is already active.",
		Parameters: schema(map[string]any{
			"snapshot_id": intProp("The snapshot id to summon."),
		}, "snapshot_id"),
	},
	{
		Name:        "summon_continue",
		Description: "Continue the active summon dialogue with a message, appended to its isolated transient history. Fails if no summon is active.",
		Parameters: schema(map[string]any{
			"message": strProp("The message to append to the summoned dialogue."),
		}, "message"),
	},
	{
		Name:        "summon_dismiss",
		Description: "End the active summon dialogue, recording a dialogue summary as a revision note and discarding the transient context.",
		Parameters: schema(map[string]any{
			"summary": strProp("A short summary of what the dialogue established, recorded as a revision note."),
		}, "summary"),
	},
}

// AllToolDefinitions returns the core set, plus the summon set when includeSummon is true
// (the dispatcher omits summon tools while a summon is already active, since summon_snapshot
// itself is blocked in that state).
func AllToolDefinitions(includeSummon bool) []llmclient.ToolDefinition {
	defs := make([]llmclient.ToolDefinition, len(CoreToolDefinitions))
	copy(defs, CoreToolDefinitions)
	if includeSummon {
		defs = append(defs, SummonToolDefinitions...)
	}
	return defs
}
