// Package kernel wires the annotation harness's infrastructure together: the corpus reader, the
// annotator database and its stores, the LLM client, the compactor, the tool dispatcher, the
// metrics server, and the runner that drives them all. One Kernel is built per `annotator run`
// invocation and owns the lifecycle of everything it constructs.
package kernel

import (
	"context"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver used by corpus.Open and persistence.Open.

	"terrarium-annotator/pkg/compactor"
	"terrarium-annotator/pkg/config"
	"terrarium-annotator/pkg/corpus"
	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/logx"
	"terrarium-annotator/pkg/metrics"
	"terrarium-annotator/pkg/persistence"
	"terrarium-annotator/pkg/runner"
	"terrarium-annotator/pkg/tokencounter"
	"terrarium-annotator/pkg/tools"
)

// Kernel owns every long-lived dependency a run needs, constructed once and torn down once.
type Kernel struct {
	Config config.Config
	Logger *logx.Logger

	Reader     *corpus.Reader
	Glossary   *persistence.GlossaryStore
	Snapshots  *persistence.SnapshotStore
	RunState   *persistence.RunStateStore
	Dispatcher *tools.Dispatcher
	Metrics    *metrics.Recorder
	MetricsSrv *metrics.Server
	Runner     *runner.Runner

	running bool
}

// New builds a Kernel: opens the read-only corpus connection, initializes (or opens) the
// annotator database and its schema, and wires every component the runner depends on. Nothing
// is started yet — call Run to start the metrics server and drive the runner.
func New(cfg config.Config) (*Kernel, error) {
	logger := logx.NewLogger("kernel")

	reader, err := corpus.Open(cfg.CorpusDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening corpus database: %w", err)
	}

	if err := persistence.Initialize(cfg.AnnotatorDBPath); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("initializing annotator database: %w", err)
	}
	db := persistence.GetDB()

	glossary := persistence.NewGlossaryStore(db)
	snapshots := persistence.NewSnapshotStore(db)
	runState := persistence.NewRunStateStore(db)

	httpClient := llmclient.NewHTTPClient(cfg.AgentURL, cfg.RequestTimeout)
	llm := llmclient.NewRetryableClient(httpClient)

	counter := tokencounter.New(tokencounter.Options{
		Client:            llm,
		CharsPerToken:     cfg.CharsPerToken,
		MessageOverhead:   cfg.MessageOverhead,
		ToolCallOverhead:  cfg.ToolCallOverhead,
		VerificationRatio: cfg.VerificationRatio,
	})
	summarizer := compactor.NewSummarizer(llm, glossary, cfg.MaxTokens, cfg.CharsPerToken)
	comp := compactor.NewCompactor(cfg, counter, summarizer)

	dispatcher := tools.NewDispatcher(glossary, reader, snapshots)
	rec := metrics.NewRecorder()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, rec)

	r := runner.NewRunner(cfg, reader, glossary, snapshots, runState, llm, comp, dispatcher, rec)

	return &Kernel{
		Config:     cfg,
		Logger:     logger,
		Reader:     reader,
		Glossary:   glossary,
		Snapshots:  snapshots,
		RunState:   runState,
		Dispatcher: dispatcher,
		Metrics:    rec,
		MetricsSrv: metricsSrv,
		Runner:     r,
		running:    true,
	}, nil
}

// Run starts the optional metrics server, drives the runner state machine to completion, and
// shuts everything down before returning — a single call replaces the start/run/stop sequence
// a longer-lived service would need separately.
func (k *Kernel) Run(ctx context.Context) (int, error) {
	k.running = true
	defer k.Close()

	metricsErr := make(chan error, 1)
	go func() { metricsErr <- k.MetricsSrv.ServeContext(ctx) }()

	code, err := k.Runner.Run(ctx)

	select {
	case mErr := <-metricsErr:
		if mErr != nil {
			k.Logger.Warn("metrics server error: %v", mErr)
		}
	default:
	}

	return code, err
}

// Close releases the corpus and annotator database connections. Safe to call more than once.
func (k *Kernel) Close() {
	if !k.running {
		return
	}
	k.running = false
	if k.Reader != nil {
		if err := k.Reader.Close(); err != nil {
			k.Logger.Warn("closing corpus reader: %v", err)
		}
	}
	if err := persistence.Close(); err != nil {
		k.Logger.Warn("closing annotator database: %v", err)
	}
}
