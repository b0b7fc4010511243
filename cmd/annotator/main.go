// Command annotator drives the LLM annotation harness over a read-only story corpus, building
// up a structured glossary with a full provenance trail.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	_ "modernc.org/sqlite" // registers the "sqlite" driver used by corpus.Open and persistence.Initialize.

	"terrarium-annotator/internal/kernel"
	"terrarium-annotator/pkg/config"
	"terrarium-annotator/pkg/corpus"
	"terrarium-annotator/pkg/exporters"
	"terrarium-annotator/pkg/persistence"
)

// Exit codes.
const (
	exitSuccess    = 0
	exitHalted     = 1
	exitStorage    = 2
	exitUsageError = 64
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run contains the full CLI dispatch and returns the process exit code, so main itself stays a
// one-line os.Exit wrapper any defers can run ahead of.
func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsageError
	}

	switch args[0] {
	case "run":
		return runCommand(args[1:])
	case "status":
		return statusCommand(args[1:])
	case "inspect":
		return inspectCommand(args[1:])
	case "export":
		return exportCommand(args[1:])
	case "-h", "--help", "help":
		usage()
		return exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsageError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `annotator - LLM annotation harness for a story corpus

Usage:
  annotator run --corpus <path> --db <path> [--agent-url URL] [--limit N] [--no-resume] [--batch-size N]
  annotator status --db <path>
  annotator inspect snapshots --db <path>
  annotator inspect snapshot <id> --db <path>
  annotator inspect entries --db <path>
  annotator inspect entry <id> --db <path> [--blame <fragment>]
  annotator inspect thread <id> --db <path>
  annotator export --format {json|yaml} --db <path> --out <path> [--status S] [--tags T,U]`)
}

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	corpusPath := fs.String("corpus", "", "path to the read-only corpus database")
	dbPath := fs.String("db", "", "path to the annotator database")
	agentURL := fs.String("agent-url", "", "LLM server base URL (overrides default)")
	limit := fs.Int("limit", 0, "stop after N scenes (0 means unbounded)")
	noResume := fs.Bool("no-resume", false, "start fresh instead of resuming from run_state")
	batchSize := fs.Int("batch-size", 0, "override the configured batch size (0 keeps the default)")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if *corpusPath == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "run requires --corpus and --db")
		return exitUsageError
	}

	cfg := config.Default()
	cfg.CorpusDBPath = *corpusPath
	cfg.AnnotatorDBPath = *dbPath
	if *agentURL != "" {
		cfg.AgentURL = *agentURL
	}
	cfg.Limit = *limit
	cfg.Resume = !*noResume
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}

	k, err := kernel.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		return exitStorage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code, err := k.Run(ctx)
	if err != nil && code != exitHalted {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
	}
	return code
}

func statusCommand(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to the annotator database")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "status requires --db")
		return exitUsageError
	}

	stores, code := openStores(*dbPath)
	if stores == nil {
		return code
	}
	defer persistence.Close()

	rs, err := stores.runState.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading run state: %v\n", err)
		return exitStorage
	}
	count, err := stores.glossary.Count()
	if err != nil {
		fmt.Fprintf(os.Stderr, "counting glossary entries: %v\n", err)
		return exitStorage
	}

	w := tableWriter()
	w.row("last post", fmt.Sprintf("%d", rs.LastPostID))
	w.row("last thread", fmt.Sprintf("%d", rs.LastThreadID))
	w.row("posts processed", fmt.Sprintf("%d", rs.PostsProcessed))
	w.row("entries created", fmt.Sprintf("%d", rs.EntriesCreated))
	w.row("entries updated", fmt.Sprintf("%d", rs.EntriesUpdated))
	w.row("glossary size", fmt.Sprintf("%d", count))
	if rs.CurrentSnapshotID != nil {
		w.row("current snapshot", fmt.Sprintf("%d", *rs.CurrentSnapshotID))
	}
	w.flush()
	return exitSuccess
}

func inspectCommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "inspect requires a subcommand: snapshots|snapshot <id>|entries|entry <id>|thread <id>")
		return exitUsageError
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "snapshots":
		return inspectSnapshots(rest)
	case "snapshot":
		return inspectSnapshot(rest)
	case "entries":
		return inspectEntries(rest)
	case "entry":
		return inspectEntry(rest)
	case "thread":
		return inspectThread(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown inspect subcommand %q\n", sub)
		return exitUsageError
	}
}

func inspectSnapshots(args []string) int {
	fs := flag.NewFlagSet("inspect snapshots", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to the annotator database")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	stores, code := openStores(*dbPath)
	if stores == nil {
		return code
	}
	defer persistence.Close()

	snaps, err := stores.snapshots.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing snapshots: %v\n", err)
		return exitStorage
	}

	w := tableWriter()
	w.row("id", "type", "last_post_id", "last_thread_id", "entries", "created_at")
	for _, s := range snaps {
		w.row(fmt.Sprintf("%d", s.ID), s.Type, fmt.Sprintf("%d", s.LastPostID),
			fmt.Sprintf("%d", s.LastThreadID), fmt.Sprintf("%d", s.EntryCount), s.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	w.flush()
	return exitSuccess
}

func inspectSnapshot(args []string) int {
	fs := flag.NewFlagSet("inspect snapshot", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to the annotator database")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	id, ok := requireIDArg(fs.Args(), "snapshot")
	if !ok {
		return exitUsageError
	}

	stores, code := openStores(*dbPath)
	if stores == nil {
		return code
	}
	defer persistence.Close()

	snap, err := stores.snapshots.Get(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading snapshot %d: %v\n", id, err)
		return exitStorage
	}
	if snap == nil {
		fmt.Fprintf(os.Stderr, "snapshot %d not found\n", id)
		return exitUsageError
	}

	entries, err := stores.snapshots.GetEntries(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading snapshot entries: %v\n", err)
		return exitStorage
	}

	w := tableWriter()
	w.row("type", snap.Type)
	w.row("last_post_id", fmt.Sprintf("%d", snap.LastPostID))
	w.row("last_thread_id", fmt.Sprintf("%d", snap.LastThreadID))
	w.row("entry_count", fmt.Sprintf("%d", snap.EntryCount))
	w.row("created_at", snap.CreatedAt.Format("2006-01-02T15:04:05Z"))
	w.flush()

	fmt.Println()
	w2 := tableWriter()
	w2.row("entry_id", "term", "status")
	for _, e := range entries {
		term := "(deleted)"
		if ge, err := stores.glossary.Get(e.EntryID); err == nil && ge != nil {
			term = ge.Term
		}
		w2.row(fmt.Sprintf("%d", e.EntryID), term, e.Status)
	}
	w2.flush()
	return exitSuccess
}

func inspectEntries(args []string) int {
	fs := flag.NewFlagSet("inspect entries", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to the annotator database")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	stores, code := openStores(*dbPath)
	if stores == nil {
		return code
	}
	defer persistence.Close()

	entries, err := stores.glossary.AllEntries()
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing entries: %v\n", err)
		return exitStorage
	}

	w := tableWriter()
	w.row("id", "term", "status", "first_seen_post_id")
	for _, e := range entries {
		w.row(fmt.Sprintf("%d", e.ID), e.Term, e.Status, fmt.Sprintf("%d", e.FirstSeenPostID))
	}
	w.flush()
	return exitSuccess
}

func inspectEntry(args []string) int {
	fs := flag.NewFlagSet("inspect entry", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to the annotator database")
	blame := fs.String("blame", "", "find the earliest snapshot whose definition already contained this fragment")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	id, ok := requireIDArg(fs.Args(), "entry")
	if !ok {
		return exitUsageError
	}

	stores, code := openStores(*dbPath)
	if stores == nil {
		return code
	}
	defer persistence.Close()

	entry, err := stores.glossary.Get(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading entry %d: %v\n", id, err)
		return exitStorage
	}
	if entry == nil {
		fmt.Fprintf(os.Stderr, "entry %d not found\n", id)
		return exitUsageError
	}

	w := tableWriter()
	w.row("term", entry.Term)
	w.row("status", entry.Status)
	w.row("definition", entry.Definition)
	w.row("first_seen_post_id", fmt.Sprintf("%d", entry.FirstSeenPostID))
	w.row("last_updated_post_id", fmt.Sprintf("%d", entry.LastUpdatedPostID))
	w.flush()

	if *blame != "" {
		snapID, err := blameEntry(stores, id, *blame)
		if err != nil {
			fmt.Fprintf(os.Stderr, "blame: %v\n", err)
			return exitStorage
		}
		if snapID == nil {
			fmt.Println("\nblame: fragment not found in any recorded snapshot")
		} else {
			fmt.Printf("\nblame: introduced by snapshot %d\n", *snapID)
		}
	}
	return exitSuccess
}

// blameEntry scans snapshot_entry history for entryID in ascending snapshot order and returns
// the earliest snapshot whose stored definition already contained fragment.
func blameEntry(stores *openedStores, entryID int64, fragment string) (*int64, error) {
	snaps, err := stores.snapshots.List()
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		entries, err := stores.snapshots.GetEntries(s.ID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.EntryID == entryID && containsFold(e.Definition, fragment) {
				id := s.ID
				return &id, nil
			}
		}
	}
	return nil, nil
}

func containsFold(haystack, needle string) bool {
	return len(needle) == 0 || indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	if nl == 0 {
		return 0
	}
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func inspectThread(args []string) int {
	fs := flag.NewFlagSet("inspect thread", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to the annotator database")
	corpusPath := fs.String("corpus", "", "path to the corpus database, to show the thread's posts")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	id, ok := requireIDArg(fs.Args(), "thread")
	if !ok {
		return exitUsageError
	}

	stores, code := openStores(*dbPath)
	if stores == nil {
		return code
	}
	defer persistence.Close()

	entries, err := stores.glossary.GetByThread(id, persistence.ThreadFieldFirstSeen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading thread entries: %v\n", err)
		return exitStorage
	}

	w := tableWriter()
	w.row("entry_id", "term", "status")
	for _, e := range entries {
		w.row(fmt.Sprintf("%d", e.ID), e.Term, e.Status)
	}
	w.flush()

	if *corpusPath == "" {
		return exitSuccess
	}

	reader, err := corpus.Open(*corpusPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening corpus: %v\n", err)
		return exitStorage
	}
	defer reader.Close()

	posts, err := reader.GetPostsRange(id, nil, nil, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading thread posts: %v\n", err)
		return exitStorage
	}
	fmt.Println()
	w2 := tableWriter()
	w2.row("post_id", "author")
	for _, p := range posts {
		w2.row(fmt.Sprintf("%d", p.PostID), p.Author)
	}
	w2.flush()
	return exitSuccess
}

func exportCommand(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to the annotator database")
	format := fs.String("format", "json", "export format: json or yaml")
	out := fs.String("out", "", "output file path")
	status := fs.String("status", "", "only export entries with this status")
	tags := fs.String("tags", "", "comma-separated list of tags; entries must match at least one")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if *dbPath == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "export requires --db and --out")
		return exitUsageError
	}

	exporter, err := exporters.ForFormat(*format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageError
	}

	stores, code := openStores(*dbPath)
	if stores == nil {
		return code
	}
	defer persistence.Close()

	entries, err := stores.glossary.AllEntries()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading glossary: %v\n", err)
		return exitStorage
	}
	filter := exporters.Filter{Status: *status, Tags: splitNonEmpty(*tags, ",")}
	entries = filter.Apply(entries)

	n, err := exporter.Export(entries, *out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exporting: %v\n", err)
		return exitStorage
	}
	fmt.Printf("exported %d entries to %s\n", n, *out)
	return exitSuccess
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || string(s[i]) == sep {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func requireIDArg(args []string, what string) (int64, bool) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "inspect %s requires exactly one id argument\n", what)
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s id %q\n", what, args[0])
		return 0, false
	}
	return id, true
}

type openedStores struct {
	glossary  *persistence.GlossaryStore
	snapshots *persistence.SnapshotStore
	runState  *persistence.RunStateStore
}

// openStores opens the annotator database read-write (store queries are read-only in the CLI
// surface, but persistence.Open always applies pending schema migrations first) and returns the
// usual store trio, or nil plus the exit code to return if opening failed.
func openStores(dbPath string) (*openedStores, int) {
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "missing required --db flag")
		return nil, exitUsageError
	}
	if err := persistence.Initialize(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "opening annotator database: %v\n", err)
		return nil, exitStorage
	}
	db := persistence.GetDB()
	return &openedStores{
		glossary:  persistence.NewGlossaryStore(db),
		snapshots: persistence.NewSnapshotStore(db),
		runState:  persistence.NewRunStateStore(db),
	}, exitSuccess
}

// tableStringWriter renders simple key/value or row-oriented tables, padding columns to the
// widest cell and capping total width to the terminal's detected width (or a fixed fallback when
// stdout isn't a TTY), x/term wiring.
type tableStringWriter struct {
	width int
	rows  [][]string
}

func tableWriter() *tableStringWriter {
	width := 100
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	return &tableStringWriter{width: width}
}

func (t *tableStringWriter) row(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *tableStringWriter) flush() {
	if len(t.rows) == 0 {
		return
	}
	cols := len(t.rows[0])
	widths := make([]int, cols)
	for _, row := range t.rows {
		for i, cell := range row {
			if i < cols && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	for _, row := range t.rows {
		line := ""
		for i, cell := range row {
			if i > 0 {
				line += "  "
			}
			line += padRight(cell, widths[i])
		}
		if len(line) > t.width {
			line = line[:t.width]
		}
		fmt.Println(line)
	}
}

func padRight(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s
}
