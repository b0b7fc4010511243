package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"terrarium-annotator/pkg/corpus"
	"terrarium-annotator/pkg/errs"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/logx"
	"terrarium-annotator/pkg/persistence"
)

// Dispatcher translates a structured tool call into a side-effecting operation and returns a
// structured, tag-delimited textual response. It owns pointers to the
// glossary store, corpus reader, and the summon sub-state; the caller supplies the current
// (post, thread) context each call since that changes scene to scene.
type Dispatcher struct {
	glossary *persistence.GlossaryStore
	corpus   *corpus.Reader
	summoner *Summoner
	logger   *logx.Logger
}

// NewDispatcher wires a Dispatcher against the stores it calls into. snapshots may be nil if
// the summon sub-state is disabled (e.g. in a one-shot export context).
func NewDispatcher(glossary *persistence.GlossaryStore, reader *corpus.Reader, snapshots *persistence.SnapshotStore) *Dispatcher {
	var summoner *Summoner
	if snapshots != nil {
		summoner = NewSummoner(snapshots, glossary)
	}
	return &Dispatcher{glossary: glossary, corpus: reader, summoner: summoner, logger: logx.NewLogger("tools.dispatcher")}
}

// HasActiveSummon reports whether a summon dialogue is currently open, gating write tools and
// whether summon_snapshot itself may be called.
func (d *Dispatcher) HasActiveSummon() bool {
	return d.summoner != nil && d.summoner.Active()
}

// ToolDefinitions returns the definitions to attach to the next chat request: the core six,
// plus the summon set only when no summon is already active (summon_snapshot would just fail).
func (d *Dispatcher) ToolDefinitions() []llmclient.ToolDefinition {
	return AllToolDefinitions(d.summoner != nil && !d.summoner.Active())
}

// Dispatch executes one tool call. The returned error is non-nil only for storage-layer
// failures and malformed tool-call payloads;
// every other failure — duplicate terms, missing entries, summon-state violations — comes back
// as a Result with Success=false so the model can see and react to it.
func (d *Dispatcher) Dispatch(call llmclient.ToolCall, currentPostID, currentThreadID int64) (Result, error) {
	if d.isWriteTool(call.Name) && d.HasActiveSummon() {
		return d.fail(call, formatError("write tools are blocked while a summon is active", "WRITE_BLOCKED")), nil
	}

	switch call.Name {
	case "glossary_search":
		return d.handleGlossarySearch(call)
	case "glossary_create":
		return d.handleGlossaryCreate(call, currentPostID, currentThreadID)
	case "glossary_update":
		return d.handleGlossaryUpdate(call, currentPostID, currentThreadID)
	case "glossary_delete":
		return d.handleGlossaryDelete(call, currentPostID)
	case "read_post":
		return d.handleReadPost(call)
	case "read_thread_range":
		return d.handleReadThreadRange(call)
	case "summon_snapshot":
		return d.handleSummonSnapshot(call)
	case "summon_continue":
		return d.handleSummonContinue(call)
	case "summon_dismiss":
		return d.handleSummonDismiss(call, currentPostID)
	default:
		return Result{}, errs.Protocol(nil, "unknown tool %q", call.Name)
	}
}

func (d *Dispatcher) isWriteTool(name string) bool {
	return name == "glossary_create" || name == "glossary_update" || name == "glossary_delete"
}

func (d *Dispatcher) ok(call llmclient.ToolCall, content string) Result {
	return Result{ToolName: call.Name, CallID: call.ID, Success: true, Content: content}
}

func (d *Dispatcher) fail(call llmclient.ToolCall, content string) Result {
	return Result{ToolName: call.Name, CallID: call.ID, Success: false, Content: content}
}

func parseArgs(call llmclient.ToolCall, out any) error {
	if call.Arguments == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(call.Arguments), out); err != nil {
		return errs.Protocol(err, "malformed arguments for tool %q", call.Name)
	}
	return nil
}

type glossarySearchArgs struct {
	Query             string   `json:"query"`
	Tags              []string `json:"tags"`
	Status            string   `json:"status"`
	IncludeReferences bool     `json:"include_references"`
	Limit             int      `json:"limit"`
}

func (d *Dispatcher) handleGlossarySearch(call llmclient.ToolCall) (Result, error) {
	var args glossarySearchArgs
	if err := parseArgs(call, &args); err != nil {
		return Result{}, err
	}

	entries, err := d.glossary.Search(args.Query, persistence.SearchOptions{
		Tags: args.Tags, Status: persistence.SearchStatus(args.Status), Limit: args.Limit,
	})
	if err != nil {
		return Result{}, err
	}

	if args.IncludeReferences {
		for i := range entries {
			entries[i].Definition = d.expandReferences(entries[i].Definition)
		}
	}
	return d.ok(call, formatGlossaryResults(args.Query, entries)), nil
}

var refPattern = regexp.MustCompile(`\[\[([^\]]+)\]\]`)

// expandReferences resolves "[[Term]]" cross-references inside a definition to their own
// definitions, inline. A reference that doesn't resolve is left as-is rather than dropped.
func (d *Dispatcher) expandReferences(text string) string {
	return refPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "[["), "]]")
		found, err := d.glossary.Search(persistence.NormalizeTerm(name), persistence.SearchOptions{Limit: 1})
		if err != nil || len(found) == 0 {
			return match
		}
		return fmt.Sprintf("%s (%s)", found[0].Term, found[0].Definition)
	})
}

type glossaryCreateArgs struct {
	Term       string   `json:"term"`
	Definition string   `json:"definition"`
	Tags       []string `json:"tags"`
	Status     string   `json:"status"`
}

func (d *Dispatcher) handleGlossaryCreate(call llmclient.ToolCall, postID, threadID int64) (Result, error) {
	var args glossaryCreateArgs
	if err := parseArgs(call, &args); err != nil {
		return Result{}, err
	}

	entryID, err := d.glossary.Create(args.Term, args.Definition, args.Tags, postID, threadID, args.Status)
	if err != nil {
		if errors.Is(err, errs.ErrDuplicateTerm) {
			return d.fail(call, formatError(err.Error(), "DUPLICATE")), nil
		}
		return Result{}, err
	}

	entry, err := d.glossary.Get(entryID)
	if err != nil {
		return Result{}, err
	}
	return d.ok(call, formatGlossaryCreated(*entry)), nil
}

type glossaryUpdateArgs struct {
	EntryID    int64    `json:"entry_id"`
	Term       *string  `json:"term"`
	Definition *string  `json:"definition"`
	Tags       []string `json:"tags"`
	Status     *string  `json:"status"`
}

func (d *Dispatcher) handleGlossaryUpdate(call llmclient.ToolCall, postID, threadID int64) (Result, error) {
	var args glossaryUpdateArgs
	if err := parseArgs(call, &args); err != nil {
		return Result{}, err
	}

	err := d.glossary.Update(args.EntryID, persistence.EntryUpdate{
		Term: args.Term, Definition: args.Definition, Tags: args.Tags, Status: args.Status,
	}, postID, threadID)
	if err != nil {
		if errors.Is(err, errs.ErrEntryNotFound) {
			return d.fail(call, formatError(err.Error(), "NOT_FOUND")), nil
		}
		return Result{}, err
	}

	entry, err := d.glossary.Get(args.EntryID)
	if err != nil {
		return Result{}, err
	}
	return d.ok(call, formatGlossaryUpdated(*entry)), nil
}

type glossaryDeleteArgs struct {
	EntryID int64  `json:"entry_id"`
	Reason  string `json:"reason"`
}

func (d *Dispatcher) handleGlossaryDelete(call llmclient.ToolCall, postID int64) (Result, error) {
	var args glossaryDeleteArgs
	if err := parseArgs(call, &args); err != nil {
		return Result{}, err
	}

	existed, err := d.glossary.Delete(args.EntryID, args.Reason, postID)
	if err != nil {
		return Result{}, err
	}
	if !existed {
		return d.fail(call, formatError(fmt.Sprintf("entry %d not found", args.EntryID), "NOT_FOUND")), nil
	}
	return d.ok(call, formatGlossaryDeleted(args.EntryID, args.Reason)), nil
}

type readPostArgs struct {
	PostID          int64 `json:"post_id"`
	IncludeAdjacent bool  `json:"include_adjacent"`
}

func (d *Dispatcher) handleReadPost(call llmclient.ToolCall) (Result, error) {
	var args readPostArgs
	if err := parseArgs(call, &args); err != nil {
		return Result{}, err
	}

	if !args.IncludeAdjacent {
		post, err := d.corpus.GetPost(args.PostID)
		if err != nil {
			return Result{}, err
		}
		if post == nil {
			return d.fail(call, formatError(fmt.Sprintf("post %d not found", args.PostID), "NOT_FOUND")), nil
		}
		return d.ok(call, formatCorpusPost(*post)), nil
	}

	posts, err := d.corpus.GetAdjacentPosts(args.PostID, 2, 2)
	if err != nil {
		return Result{}, err
	}
	if posts == nil {
		return d.fail(call, formatError(fmt.Sprintf("post %d not found", args.PostID), "NOT_FOUND")), nil
	}
	return d.ok(call, formatCorpusPosts(posts, args.PostID)), nil
}

type readThreadRangeArgs struct {
	ThreadID  int64  `json:"thread_id"`
	Start     *int64 `json:"start"`
	End       *int64 `json:"end"`
	TagFilter string `json:"tag_filter"`
}

func (d *Dispatcher) handleReadThreadRange(call llmclient.ToolCall) (Result, error) {
	var args readThreadRangeArgs
	if err := parseArgs(call, &args); err != nil {
		return Result{}, err
	}

	posts, err := d.corpus.GetPostsRange(args.ThreadID, args.Start, args.End, args.TagFilter)
	if err != nil {
		return Result{}, err
	}
	if len(posts) == 0 {
		return d.fail(call, formatError(fmt.Sprintf("no posts in thread %d for the given range", args.ThreadID), "EMPTY_RANGE")), nil
	}
	return d.ok(call, formatCorpusThread(args.ThreadID, posts)), nil
}

type summonSnapshotArgs struct {
	SnapshotID int64 `json:"snapshot_id"`
}

func (d *Dispatcher) handleSummonSnapshot(call llmclient.ToolCall) (Result, error) {
	if d.summoner == nil {
		return Result{}, errs.Protocol(nil, "summon sub-state is not available in this session")
	}
	var args summonSnapshotArgs
	if err := parseArgs(call, &args); err != nil {
		return Result{}, err
	}
	return d.summoner.Snapshot(call, args.SnapshotID)
}

type summonContinueArgs struct {
	Message string `json:"message"`
}

func (d *Dispatcher) handleSummonContinue(call llmclient.ToolCall) (Result, error) {
	if d.summoner == nil {
		return Result{}, errs.Protocol(nil, "summon sub-state is not available in this session")
	}
	var args summonContinueArgs
	if err := parseArgs(call, &args); err != nil {
		return Result{}, err
	}
	return d.summoner.Continue(call, args.Message)
}

type summonDismissArgs struct {
	Summary string `json:"summary"`
}

func (d *Dispatcher) handleSummonDismiss(call llmclient.ToolCall, currentPostID int64) (Result, error) {
	if d.summoner == nil {
		return Result{}, errs.Protocol(nil, "summon sub-state is not available in this session")
	}
	var args summonDismissArgs
	if err := parseArgs(call, &args); err != nil {
		return Result{}, err
	}
	return d.summoner.Dismiss(call, args.Summary, currentPostID)
}
