package tools

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"terrarium-annotator/pkg/corpus"
	"terrarium-annotator/pkg/persistence"
)

func esc(s string) string {
	return html.EscapeString(s)
}

func attrList(pairs ...[2]string) string {
	var parts []string
	for _, p := range pairs {
		if p[1] == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf(`%s="%s"`, p[0], esc(p[1])))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

func formatEntry(e persistence.GlossaryEntry) string {
	return fmt.Sprintf(`<entry id="%d" term="%s" status="%s"%s>%s</entry>`,
		e.ID, esc(e.Term), esc(e.Status), attrList([2]string{"tags", strings.Join(e.Tags, ",")}), esc(e.Definition))
}

// formatGlossaryResults wraps zero or more entries under <glossary_results> for glossary_search.
func formatGlossaryResults(query string, entries []persistence.GlossaryEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<glossary_results query="%s" count="%d">`, esc(query), len(entries))
	for _, e := range entries {
		b.WriteByte('\n')
		b.WriteString(formatEntry(e))
	}
	b.WriteString("\n</glossary_results>")
	return b.String()
}

// formatGlossaryCreated wraps the new entry under <glossary_created> for glossary_create.
func formatGlossaryCreated(e persistence.GlossaryEntry) string {
	return fmt.Sprintf("<glossary_created>\n%s\n</glossary_created>", formatEntry(e))
}

// formatGlossaryUpdated wraps the updated entry under <glossary_updated> for glossary_update.
func formatGlossaryUpdated(e persistence.GlossaryEntry) string {
	return fmt.Sprintf("<glossary_updated>\n%s\n</glossary_updated>", formatEntry(e))
}

// formatGlossaryDeleted confirms a deletion for glossary_delete.
func formatGlossaryDeleted(entryID int64, reason string) string {
	return fmt.Sprintf(`<glossary_deleted entry_id="%d">%s</glossary_deleted>`, entryID, esc(reason))
}

func formatPostTag(p corpus.StoryPost) string {
	ts := ""
	if p.CreatedAt != nil {
		ts = p.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return fmt.Sprintf(`<post id="%d" thread_id="%d"%s>%s</post>`,
		p.PostID, p.ThreadID,
		attrList([2]string{"author", p.Author}, [2]string{"ts", ts}, [2]string{"tags", strings.Join(p.Tags, ",")}),
		esc(strings.TrimSpace(p.Body)))
}

// formatCorpusPost wraps a single post under <corpus_post>, used when include_adjacent is false.
func formatCorpusPost(p corpus.StoryPost) string {
	return fmt.Sprintf("<corpus_post>\n%s\n</corpus_post>", formatPostTag(p))
}

// formatCorpusPosts wraps an adjacency window (or a thread range) under <corpus_posts>.
func formatCorpusPosts(posts []corpus.StoryPost, centerPostID int64) string {
	var b strings.Builder
	attr := ""
	if centerPostID != 0 {
		attr = fmt.Sprintf(` center="%d"`, centerPostID)
	}
	fmt.Fprintf(&b, `<corpus_posts count="%d"%s>`, len(posts), attr)
	for _, p := range posts {
		b.WriteByte('\n')
		b.WriteString(formatPostTag(p))
	}
	b.WriteString("\n</corpus_posts>")
	return b.String()
}

// formatCorpusThread wraps a thread-range read under <corpus_thread> for read_thread_range.
func formatCorpusThread(threadID int64, posts []corpus.StoryPost) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<corpus_thread thread_id="%d" count="%d">`, threadID, len(posts))
	for _, p := range posts {
		b.WriteByte('\n')
		b.WriteString(formatPostTag(p))
	}
	b.WriteString("\n</corpus_thread>")
	return b.String()
}

// formatError builds a structured <error> element, optionally carrying a machine-readable code.
func formatError(message, code string) string {
	if code == "" {
		return fmt.Sprintf("<error>%s</error>", esc(message))
	}
	return fmt.Sprintf(`<error code="%s">%s</error>`, code, esc(message))
}

// formatSuccess builds a structured <success> element for tools without a dedicated output tag
// (summon_continue, summon_dismiss).
func formatSuccess(message string, extra ...[2]string) string {
	return fmt.Sprintf("<success%s>%s</success>", attrList(extra...), esc(message))
}

// formatSummonStart builds the response to a successful summon_snapshot: the snapshot's own
// metadata, followed by up to 20 of its captured glossary entries (truncated definitions),
// noting how many more exist.
func formatSummonStart(snap persistence.Snapshot, entryStates map[int64]persistence.SnapshotEntry) string {
	ids := make([]int64, 0, len(entryStates))
	for id := range entryStates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	const maxListed = 20
	listed, more := ids, 0
	if len(listed) > maxListed {
		more = len(listed) - maxListed
		listed = listed[:maxListed]
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<summon_active snapshot_id="%d">`, snap.ID)
	fmt.Fprintf(&b, "\n"+`<snapshot id="%d" type="%s" thread="%d" post="%d" entries="%d" created="%s"/>`,
		snap.ID, esc(snap.Type), snap.LastThreadID, snap.LastPostID, snap.EntryCount, snap.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "\n"+`<entries count="%d">`, len(ids))
	for _, id := range listed {
		e := entryStates[id]
		def := e.Definition
		if len(def) > 100 {
			def = def[:100] + "..."
		}
		fmt.Fprintf(&b, "\n"+`<entry id="%d" status="%s">%s</entry>`, id, esc(e.Status), esc(def))
	}
	if more > 0 {
		fmt.Fprintf(&b, "\n"+`<note>...and %d more entries</note>`, more)
	}
	b.WriteString("\n</entries>")
	b.WriteString("\n<instructions>This is a read-only historical context. Use summon_continue to ask questions about it, or summon_dismiss to end the dialogue.</instructions>")
	b.WriteString("\n</summon_active>")
	return b.String()
}
