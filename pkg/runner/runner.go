// Package runner drives the perceive-reason-act loop that walks the corpus scene by scene,
// consults the LLM, and keeps the glossary and its audit trail up to date.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"terrarium-annotator/pkg/compactor"
	"terrarium-annotator/pkg/config"
	"terrarium-annotator/pkg/contextmgr"
	"terrarium-annotator/pkg/corpus"
	"terrarium-annotator/pkg/errs"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/logx"
	"terrarium-annotator/pkg/metrics"
	"terrarium-annotator/pkg/persistence"
	"terrarium-annotator/pkg/tools"
)

// Runner owns the live annotation context and drives it, one scene at a time, through the
// COMPACTING -> PREPARING -> CALLING -> PROCESSING/TOOL_EXEC -> PARSING -> RECORDING ->
// BOUNDARY -> [CURATING] -> CHECKPOINT -> IDLE cycle. It is built once per `annotator run`
// invocation via NewRunner and driven to completion by Run.
type Runner struct {
	cfg        config.Config
	reader     *corpus.Reader
	batcher    *corpus.SceneBatcher
	glossary   *persistence.GlossaryStore
	snapshots  *persistence.SnapshotStore
	runState   *persistence.RunStateStore
	llm        llmclient.Client
	compactor  *compactor.Compactor
	dispatcher *tools.Dispatcher
	metrics    *metrics.Recorder
	logger     *logx.Logger

	state        State
	ac           *contextmgr.AnnotationContext
	compState    *compactor.CompactionState
	sceneIter    *corpus.SceneIterator
	currentScene *corpus.Scene

	sceneMessages    []llmclient.Message
	sceneTools       []llmclient.ToolDefinition
	lastResponse     llmclient.ChatResponse
	pendingToolCalls []llmclient.ToolCall

	threadJustCompletedPending bool
	lastTokenCount             int
	lastErr                    error

	pendingPostsDelta          int64
	pendingEntriesCreatedDelta int64
	pendingEntriesUpdatedDelta int64

	exitCode int
}

// NewRunner wires a Runner against its dependencies. llm is expected to be a
// llmclient.RetryableClient in production so CALLING's single Chat call already reflects
// exhausted retries; Runner itself never retries a call.
func NewRunner(
	cfg config.Config,
	reader *corpus.Reader,
	glossary *persistence.GlossaryStore,
	snapshots *persistence.SnapshotStore,
	runState *persistence.RunStateStore,
	llm llmclient.Client,
	comp *compactor.Compactor,
	dispatcher *tools.Dispatcher,
	rec *metrics.Recorder,
) *Runner {
	return &Runner{
		cfg:        cfg,
		reader:     reader,
		batcher:    corpus.NewSceneBatcher(reader),
		glossary:   glossary,
		snapshots:  snapshots,
		runState:   runState,
		llm:        llm,
		compactor:  comp,
		dispatcher: dispatcher,
		metrics:    rec,
		logger:     logx.NewLogger("runner"),
	}
}

// Run drives the state machine to completion: corpus exhaustion (exit 0), an unrecoverable LLM
// failure after CALLING's single attempt (exit 1, checkpointed first), a fatal storage error
// (exit 2, best-effort checkpoint attempted), or context cancellation (exit 1, same as HALTING).
func (r *Runner) Run(ctx context.Context) (int, error) {
	r.state = StateInit
	defer func() {
		if r.sceneIter != nil {
			_ = r.sceneIter.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.logger.Warn("context canceled in state %s, checkpointing before exit", r.state)
			r.checkpointBestEffort()
			return 1, ctx.Err()
		default:
		}

		next, done, err := r.ProcessState(ctx)
		if err != nil {
			r.logger.Error("fatal error in state %s: %v", r.state, err)
			r.checkpointBestEffort()
			return 2, err
		}
		r.state = next
		if done {
			return r.exitCode, nil
		}
	}
}

// ProcessState executes exactly one state and reports the next one: one handleX method per
// state, logged on entry.
func (r *Runner) ProcessState(ctx context.Context) (State, bool, error) {
	r.logger.DebugState("enter", r.state.String())

	switch r.state {
	case StateInit:
		return r.handleInit(ctx)
	case StateIdle:
		return r.handleIdle(ctx)
	case StateNoMore:
		return r.handleNoMore(ctx)
	case StateCompacting:
		return r.handleCompacting(ctx)
	case StatePreparing:
		return r.handlePreparing(ctx)
	case StateCalling:
		return r.handleCalling(ctx)
	case StateHalting:
		return r.handleHalting(ctx)
	case StateProcessing:
		return r.handleProcessing(ctx)
	case StateToolExec:
		return r.handleToolExec(ctx)
	case StateParsing:
		return r.handleParsing(ctx)
	case StateRecording:
		return r.handleRecording(ctx)
	case StateBoundary:
		return r.handleBoundary(ctx)
	case StateCurating:
		return r.handleCurating(ctx)
	case StateCheckpoint:
		return r.handleCheckpoint(ctx)
	case StateExit:
		return StateExit, true, nil
	default:
		return "", false, fmt.Errorf("unknown runner state %q", r.state)
	}
}

// handleInit resumes from the latest checkpoint (when configured and one exists) or starts a
// fresh annotation context, then opens the scene iterator at the right resume point.
func (r *Runner) handleInit(ctx context.Context) (State, bool, error) {
	rs, err := r.runState.Get()
	if err != nil {
		return "", false, err
	}

	var startAfter *int64
	if r.cfg.Resume && rs.CurrentSnapshotID != nil {
		snapCtx, err := r.snapshots.GetContext(*rs.CurrentSnapshotID)
		if err != nil {
			return "", false, err
		}
		if snapCtx == nil {
			return "", false, fmt.Errorf("run state references snapshot %d with no context row", *rs.CurrentSnapshotID)
		}
		ac, err := contextmgr.FromSnapshot(snapCtx)
		if err != nil {
			return "", false, err
		}
		cs, err := compactor.FromSnapshot(snapCtx)
		if err != nil {
			return "", false, err
		}
		r.ac, r.compState = ac, cs
		lastPostID := rs.LastPostID
		startAfter = &lastPostID
		r.logger.Info("resumed from snapshot %d at post %d", *rs.CurrentSnapshotID, rs.LastPostID)
	} else {
		r.ac = contextmgr.New(SystemPrompt)
		r.compState = compactor.NewCompactionState()
		if rs.LastPostID > 0 {
			lastPostID := rs.LastPostID
			startAfter = &lastPostID
		}
	}

	iter, err := r.batcher.IterScenes(startAfter)
	if err != nil {
		return "", false, err
	}
	r.sceneIter = iter
	return StateIdle, false, nil
}

// handleIdle pulls the next scene, or moves to NO_MORE once the corpus is exhausted.
func (r *Runner) handleIdle(ctx context.Context) (State, bool, error) {
	scene, more, err := r.sceneIter.Next()
	if err != nil {
		return "", false, err
	}
	if !more {
		return StateNoMore, false, nil
	}
	r.currentScene = scene
	return StateCompacting, false, nil
}

func (r *Runner) handleNoMore(ctx context.Context) (State, bool, error) {
	r.logger.Info("corpus exhausted, run complete")
	r.exitCode = 0
	return StateExit, true, nil
}

// handleCompacting folds the just-finished thread into the cumulative summary when warranted,
// shrinks the live context if usage calls for it, and starts per-thread bookkeeping for the
// scene about to be processed.
func (r *Runner) handleCompacting(ctx context.Context) (State, bool, error) {
	scene := r.currentScene
	threadJustCompleted := r.threadJustCompletedPending
	r.threadJustCompletedPending = false

	rebuild := func() []llmclient.Message { return r.ac.BuildMessages(r.buildOptions()) }

	result, err := r.compactor.Compact(ctx, r.ac, r.compState, rebuild, threadJustCompleted)
	if err != nil {
		r.lastErr = err
		return StateHalting, false, nil
	}
	for _, tier := range result.TiersActivated {
		r.metrics.Compactions.WithLabelValues(tierLabel(tier)).Inc()
	}
	r.lastTokenCount = result.TokensAfter

	if r.compState.CurrentThreadID == nil || *r.compState.CurrentThreadID != scene.ThreadID {
		r.compState.StartNewThread(scene.ThreadID)
	}
	return StatePreparing, false, nil
}

func (r *Runner) buildOptions() contextmgr.BuildMessagesOptions {
	return contextmgr.BuildMessagesOptions{
		CumulativeSummary: r.compState.CumulativeSummary,
		ChunkSummaries:    r.compState.ChunkSummaries,
		ThreadSummaries:   r.compState.ThreadSummaries,
		CurrentScene:      r.currentScene,
		Tools:             r.dispatcher.ToolDefinitions(),
	}
}

func (r *Runner) handlePreparing(ctx context.Context) (State, bool, error) {
	opts := r.buildOptions()
	r.sceneMessages = r.ac.BuildMessages(opts)
	r.sceneTools = opts.Tools
	return StateCalling, false, nil
}

// handleCalling makes the single LLM request for this step. llmclient.RetryableClient already
// retries to exhaustion internally per the error's classified retry policy, so any error
// surfacing here means the run cannot proceed without intervention.
func (r *Runner) handleCalling(ctx context.Context) (State, bool, error) {
	req := llmclient.ChatRequest{
		Messages:    r.sceneMessages,
		Tools:       r.sceneTools,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}

	var resp llmclient.ChatResponse
	err := r.metrics.ObserveLLMCall(func() error {
		var callErr error
		resp, callErr = r.llm.Chat(ctx, req)
		return callErr
	})
	if err != nil {
		r.lastErr = err
		r.metrics.RetriesAttempted.WithLabelValues(errs.TypeOf(err).String()).Inc()
		return StateHalting, false, nil
	}

	r.lastResponse = resp
	return StateProcessing, false, nil
}

// handleProcessing appends the model's reply to the scene-local message buffer and branches on
// whether it made any tool calls.
func (r *Runner) handleProcessing(ctx context.Context) (State, bool, error) {
	assistantMsg := llmclient.Message{
		Role:      llmclient.RoleAssistant,
		Content:   r.lastResponse.Content,
		ToolCalls: r.lastResponse.ToolCalls,
	}
	r.sceneMessages = append(r.sceneMessages, assistantMsg)

	if len(r.lastResponse.ToolCalls) == 0 {
		return StateParsing, false, nil
	}
	r.pendingToolCalls = r.lastResponse.ToolCalls
	return StateToolExec, false, nil
}

// handleToolExec dispatches every pending tool call and loops back to CALLING so the model can
// see the results and continue (or stop) within the same scene. A storage-layer dispatch error
// escalates (fatal); every other dispatch outcome — including a protocol/parse failure — comes
// back as a <tool_error> message the model can react to.
func (r *Runner) handleToolExec(ctx context.Context) (State, bool, error) {
	scene := r.currentScene
	postID, threadID := scene.LastPostID(), scene.ThreadID

	for _, call := range r.pendingToolCalls {
		result, err := r.dispatcher.Dispatch(call, postID, threadID)
		if err != nil {
			if errs.TypeOf(err) == errs.TypeStorage {
				return "", false, err
			}
			r.logger.Warn("tool %s dispatch error: %v", call.Name, err)
			r.sceneMessages = append(r.sceneMessages, llmclient.Message{
				Role:       llmclient.RoleTool,
				Content:    fmt.Sprintf("<tool_error>%s</tool_error>", err.Error()),
				ToolCallID: call.ID,
			})
			continue
		}

		if result.Success {
			switch call.Name {
			case "glossary_create":
				r.pendingEntriesCreatedDelta++
			case "glossary_update":
				r.pendingEntriesUpdatedDelta++
			}
		}

		r.sceneMessages = append(r.sceneMessages, llmclient.Message{
			Role:       llmclient.RoleTool,
			Content:    result.Content,
			ToolCallID: result.CallID,
		})
	}

	r.pendingToolCalls = nil
	return StateCalling, false, nil
}

// handleParsing runs the secondary, redundant update channel: a model that described updates
// as inline <codex_updates> JSON instead of calling glossary_create still gets them recorded.
func (r *Runner) handleParsing(ctx context.Context) (State, bool, error) {
	scene := r.currentScene
	for _, u := range extractCodexUpdates(r.lastResponse.Content) {
		_, err := r.glossary.Create(u.Term, u.Definition, u.Tags, scene.LastPostID(), scene.ThreadID, persistence.EntryStatusTentative)
		if err != nil {
			if errors.Is(err, errs.ErrDuplicateTerm) {
				continue
			}
			return "", false, err
		}
		r.pendingEntriesCreatedDelta++
	}
	return StateRecording, false, nil
}

// handleRecording folds the scene into the recorded conversation history as a plain-text
// user/assistant pair — not the raw tool-calling transcript, which contextmgr.Turn has no
// field for and which later scenes don't need to see verbatim — and updates per-thread
// progress tracking.
func (r *Runner) handleRecording(ctx context.Context) (State, bool, error) {
	scene := r.currentScene
	threadID := scene.ThreadID
	sceneIndex := scene.SceneIndex

	r.ac.RecordTurn(llmclient.RoleUser, scene.Text(), contextmgr.RecordTurnOptions{ThreadID: &threadID, SceneIndex: &sceneIndex})
	r.ac.RecordTurn(llmclient.RoleAssistant, r.lastResponse.Content, contextmgr.RecordTurnOptions{ThreadID: &threadID, SceneIndex: &sceneIndex})
	r.compState.AdvanceScene()

	if err := r.runState.UpsertThreadState(nil, persistence.ThreadState{
		ThreadID: threadID, LastSceneIndex: sceneIndex, Completed: scene.IsThreadEnd,
	}); err != nil {
		return "", false, err
	}

	r.pendingPostsDelta += int64(len(scene.Posts))
	r.metrics.ScenesProcessed.WithLabelValues(strconv.FormatBool(scene.IsThreadEnd)).Inc()

	return StateBoundary, false, nil
}

// handleBoundary routes to the curator only at a thread's end; a checkpoint is only ever
// committed at a thread boundary, config.CheckpointCadence being advisory-only for the
// intra-thread cadence.
func (r *Runner) handleBoundary(ctx context.Context) (State, bool, error) {
	if !r.currentScene.IsThreadEnd {
		return StateIdle, false, nil
	}
	return StateCurating, false, nil
}

func (r *Runner) handleCurating(ctx context.Context) (State, bool, error) {
	scene := r.currentScene
	if err := r.runCurator(ctx, scene.ThreadID, scene.LastPostID()); err != nil {
		return "", false, err
	}
	r.threadJustCompletedPending = true
	return StateCheckpoint, false, nil
}

func (r *Runner) handleHalting(ctx context.Context) (State, bool, error) {
	r.logger.Error("halting after unrecoverable error: %v", r.lastErr)
	r.checkpointBestEffort()
	r.exitCode = 1
	return StateExit, true, nil
}

func (r *Runner) handleCheckpoint(ctx context.Context) (State, bool, error) {
	if err := r.checkpoint(); err != nil {
		return "", false, err
	}
	return StateIdle, false, nil
}

// checkpoint persists a snapshot and advances run/thread state sequentially rather than in one
// shared transaction: SnapshotStore.Create owns its own transaction, and the database pool is
// single-connection (SQLite), so wrapping both calls in one externally-held transaction would
// deadlock. A crash between the two writes leaves the snapshot committed but the cursor
// unadvanced; resuming simply redoes the last scene, which is idempotent (glossary_create's
// duplicate-term detection absorbs the replay).
func (r *Runner) checkpoint() error {
	scene := r.currentScene
	params := toCreateParams(persistence.SnapshotTypeCheckpoint, scene.LastPostID(), scene.ThreadID, r.ac, r.compState, r.lastTokenCount)

	snapshotID, err := r.snapshots.Create(params, r.glossary)
	if err != nil {
		return err
	}
	if err := r.runState.Advance(nil, scene.LastPostID(), scene.ThreadID,
		r.pendingPostsDelta, r.pendingEntriesCreatedDelta, r.pendingEntriesUpdatedDelta, &snapshotID); err != nil {
		return err
	}
	if err := r.runState.UpsertThreadState(nil, persistence.ThreadState{
		ThreadID: scene.ThreadID, LastSceneIndex: scene.SceneIndex, Completed: true,
	}); err != nil {
		return err
	}

	r.pendingPostsDelta, r.pendingEntriesCreatedDelta, r.pendingEntriesUpdatedDelta = 0, 0, 0
	r.logger.Info("checkpointed at post %d (snapshot %d)", scene.LastPostID(), snapshotID)
	return nil
}

// checkpointBestEffort attempts a checkpoint on the halting/cancellation/fatal-error paths,
// logging rather than escalating a failure there — we're already exiting.
func (r *Runner) checkpointBestEffort() {
	if r.currentScene == nil {
		return
	}
	if err := r.checkpoint(); err != nil {
		r.logger.Error("best-effort checkpoint failed: %v", err)
	}
}

func tierLabel(tier int) string {
	switch tier {
	case 0:
		return "chunk_summary"
	case 1:
		return "thread_summary"
	case 3:
		return "thinking_trim"
	case 4:
		return "truncate"
	default:
		return "unknown"
	}
}
