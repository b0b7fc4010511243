package tools

import (
	"fmt"

	"terrarium-annotator/pkg/compactor"
	"terrarium-annotator/pkg/contextmgr"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/persistence"
)

// SummonState is a read-only dialogue reconstituted from a historical snapshot. Conversation
// is transient: summon_dismiss discards it rather than folding it back into the live context.
type SummonState struct {
	SnapshotID      int64
	Context         *contextmgr.AnnotationContext
	CompactionState *compactor.CompactionState
	EntryStates     map[int64]persistence.SnapshotEntry
	Conversation    []contextmgr.Turn
}

// Summoner owns the mutually-exclusive summon sub-state: at most one
// SummonState is active at a time, and write tools are blocked for as long as it is.
type Summoner struct {
	snapshots *persistence.SnapshotStore
	glossary  *persistence.GlossaryStore
	active    *SummonState
}

// NewSummoner wires a Summoner against the stores it restores from and logs dismissal notes to.
func NewSummoner(snapshots *persistence.SnapshotStore, glossary *persistence.GlossaryStore) *Summoner {
	return &Summoner{snapshots: snapshots, glossary: glossary}
}

// Active reports whether a summon dialogue is currently open.
func (s *Summoner) Active() bool {
	return s.active != nil
}

// Snapshot restores a historical context and opens the summon dialogue. Fails if a summon is
// already active.
func (s *Summoner) Snapshot(call llmclient.ToolCall, snapshotID int64) (Result, error) {
	if s.active != nil {
		return Result{ToolName: call.Name, CallID: call.ID, Success: false,
			Content: formatError("a summon is already active", "SUMMON_ACTIVE")}, nil
	}

	snap, err := s.snapshots.Get(snapshotID)
	if err != nil {
		return Result{}, err
	}
	if snap == nil {
		return Result{ToolName: call.Name, CallID: call.ID, Success: false,
			Content: formatError(fmt.Sprintf("snapshot %d not found", snapshotID), "NOT_FOUND")}, nil
	}

	sc, err := s.snapshots.GetContext(snapshotID)
	if err != nil {
		return Result{}, err
	}
	if sc == nil {
		return Result{ToolName: call.Name, CallID: call.ID, Success: false,
			Content: formatError(fmt.Sprintf("snapshot %d has no saved context", snapshotID), "RESTORE_FAILED")}, nil
	}

	ac, err := contextmgr.FromSnapshot(sc)
	if err != nil {
		return Result{}, err
	}
	cs, err := compactor.FromSnapshot(sc)
	if err != nil {
		return Result{}, err
	}
	entries, err := s.snapshots.GetEntries(snapshotID)
	if err != nil {
		return Result{}, err
	}

	entryStates := make(map[int64]persistence.SnapshotEntry, len(entries))
	for _, e := range entries {
		entryStates[e.EntryID] = e
	}

	s.active = &SummonState{SnapshotID: snapshotID, Context: ac, CompactionState: cs, EntryStates: entryStates}
	return Result{ToolName: call.Name, CallID: call.ID, Success: true,
		Content: formatSummonStart(*snap, entryStates)}, nil
}

// Continue appends a message to the active summon's isolated transient history. Fails if no
// summon is active.
func (s *Summoner) Continue(call llmclient.ToolCall, message string) (Result, error) {
	if s.active == nil {
		return Result{ToolName: call.Name, CallID: call.ID, Success: false,
			Content: formatError("no summon is active", "NO_SUMMON")}, nil
	}

	s.active.Conversation = append(s.active.Conversation, contextmgr.Turn{Role: llmclient.RoleUser, Content: message})
	shown := message
	if len(shown) > 100 {
		shown = shown[:100] + "..."
	}
	return Result{ToolName: call.Name, CallID: call.ID, Success: true,
		Content: formatSuccess(fmt.Sprintf("continued summon %d: %s", s.active.SnapshotID, shown))}, nil
}

// Dismiss records the dialogue's summary as a standalone revision note and discards the
// transient context. Fails if no summon is active.
func (s *Summoner) Dismiss(call llmclient.ToolCall, summary string, sourcePostID int64) (Result, error) {
	if s.active == nil {
		return Result{ToolName: call.Name, CallID: call.ID, Success: false,
			Content: formatError("no summon is active", "NO_SUMMON")}, nil
	}

	snapshotID, turns := s.active.SnapshotID, len(s.active.Conversation)
	note := fmt.Sprintf("summon of snapshot %d dismissed after %d turn(s): %s", snapshotID, turns, summary)
	if err := s.glossary.LogNote(persistence.FieldCuratorDecision, note, sourcePostID); err != nil {
		return Result{}, err
	}

	s.active = nil
	return Result{ToolName: call.Name, CallID: call.ID, Success: true,
		Content: formatSuccess(fmt.Sprintf("summon %d dismissed", snapshotID))}, nil
}
