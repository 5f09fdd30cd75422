package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/mattjoyce/cascade/internal/api"
	"github.com/mattjoyce/cascade/internal/capability"
	"github.com/mattjoyce/cascade/internal/config"
	"github.com/mattjoyce/cascade/internal/engine"
	"github.com/mattjoyce/cascade/internal/events"
	"github.com/mattjoyce/cascade/internal/graph"
	"github.com/mattjoyce/cascade/internal/log"
	"github.com/mattjoyce/cascade/internal/runlog"
	"github.com/mattjoyce/cascade/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "run":
		return runRun(args)
	case "replay":
		return runReplay(args)
	case "test":
		return runTest(args)
	case "runs":
		return runRuns(args)
	case "config":
		return runConfigNoun(args)
	case "serve":
		return runServe(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

// --- run ---

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "Path to pipeline definition")
	runID := fs.String("run-id", "", "Run identifier (default: generated UUID)")
	storePath := fs.String("store", "", "Run log database path (default: from definition)")
	inputsJSON := fs.String("inputs", "", "Run-scoped inputs as a JSON object")
	watchFlag := fs.Bool("watch", false, "Show live run progress TUI")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load pipeline: %v\n", err)
		return 1
	}

	var runInputs map[string]any
	if *inputsJSON != "" {
		if err := json.Unmarshal([]byte(*inputsJSON), &runInputs); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --inputs JSON: %v\n", err)
			return 1
		}
	}

	caps := capability.NewRegistry()
	for kind, cc := range cfg.Capabilities {
		caps.Register(kind, capability.NewExec(cc.Entrypoint, cc.Args...))
	}

	return executeRun(cfg, caps, *runID, *storePath, runInputs, *watchFlag)
}

// executeRun is shared by the run and test verbs: it wires the engine,
// drives the run to completion, and reports per-task provenance.
func executeRun(cfg *config.Config, caps *capability.Registry, runID, storePath string, runInputs map[string]any, watchRun bool) int {
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	g, err := graph.Build(cfg.TaskSpecs())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pipeline: %v\n", err)
		return 1
	}

	hash, err := config.Hash(cfg.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash pipeline: %v\n", err)
		return 1
	}

	if storePath == "" {
		storePath = cfg.Service.Store
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := runlog.Open(ctx, storePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run log: %v\n", err)
		return 1
	}
	defer db.Close()
	store := runlog.NewStore(db)

	if runID == "" {
		runID = uuid.NewString()
	}

	hub := events.NewHub(256)
	eng := engine.New(g, caps, store, hub, engine.Options{
		Workers:      cfg.Service.Workers,
		PipelineHash: hash,
		RunInputs:    runInputs,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Subscribe the watch view before the run starts so no event is
	// missed.
	var watchModel *watch.Model
	if watchRun {
		watchModel = watch.New(runID, g.Order(), hub)
	}

	type runOutcome struct {
		res *engine.Result
		err error
	}
	outcomeCh := make(chan runOutcome, 1)
	go func() {
		res, err := eng.Run(ctx, runID)
		outcomeCh <- runOutcome{res, err}
	}()

	if watchModel != nil {
		if _, err := tea.NewProgram(watchModel).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}

	outcome := <-outcomeCh
	if outcome.res == nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", outcome.err)
		return 1
	}

	printRunReport(outcome.res, g.Order())
	if outcome.err != nil {
		fmt.Fprintf(os.Stderr, "Run %s aborted: %v\n", runID, outcome.err)
		return 1
	}

	fmt.Println(string(outcome.res.TerminalOutput))
	return 0
}

func printRunReport(res *engine.Result, order []string) {
	fmt.Fprintf(os.Stderr, "Run %s: %s\n", res.RunID, res.Status)
	for _, id := range order {
		if st, ok := res.Stages[id]; ok {
			fmt.Fprintf(os.Stderr, "  %-28s %-18s %s (attempts: %d)\n",
				id, st.Status, st.Provenance, st.Attempts)
			continue
		}
		fmt.Fprintf(os.Stderr, "  %-28s %s\n", id, res.States[id])
	}
}

// --- replay ---

func runReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "Path to pipeline definition")
	runID := fs.String("run-id", "", "Run to replay")
	storePath := fs.String("store", "", "Run log database path (default: from definition)")
	verify := fs.Bool("verify", false, "Verify the definition still matches the recorded hash")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "Usage: cascade replay --run-id ID [--store PATH]")
		return 1
	}

	storeFile := *storePath
	var cfg *config.Config
	if storeFile == "" || *verify {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load pipeline: %v\n", err)
			return 1
		}
		cfg = loaded
		if storeFile == "" {
			storeFile = cfg.Service.Store
		}
	}

	ctx := context.Background()
	db, err := runlog.Open(ctx, storeFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run log: %v\n", err)
		return 1
	}
	defer db.Close()
	store := runlog.NewStore(db)

	rep, err := store.Replay(ctx, *runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Replay failed: %v\n", err)
		return 1
	}

	if *verify {
		if err := config.VerifyHash(cfg.Path, rep.Run.PipelineHash); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	fmt.Fprintf(os.Stderr, "Run %s: %s (recorded %s)\n",
		rep.Run.ID, rep.Run.Status, rep.Run.CreatedAt.Format(time.RFC3339))
	for _, rec := range rep.Records {
		fmt.Fprintf(os.Stderr, "  %-28s %-18s %s (attempts: %d)\n",
			rec.TaskID, rec.Status, rec.Provenance, rec.Attempts)
	}

	fmt.Println(string(rep.TerminalOutput))
	return 0
}

// --- test ---

// runTest executes the pipeline against a fixed synthetic capability
// built from the per-task sample payloads; no external process runs.
func runTest(args []string) int {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "Path to pipeline definition")
	storePath := fs.String("store", "", "Run log database path (default: in-memory temp)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load pipeline: %v\n", err)
		return 1
	}

	behaviors := make(map[string]capability.Behavior, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		sample, err := t.SampleJSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Task %s: invalid sample: %v\n", t.ID, err)
			return 1
		}
		if sample == nil {
			fmt.Fprintf(os.Stderr, "Task %s: no sample payload; the test verb needs one per task\n", t.ID)
			return 1
		}
		behaviors[t.ID] = capability.Behavior{Payload: sample}
	}
	syn := capability.NewSynthetic(behaviors)

	caps := capability.NewRegistry()
	for kind := range cfg.Capabilities {
		caps.Register(kind, syn)
	}

	if *storePath == "" {
		dir, err := os.MkdirTemp("", "cascade-test-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create temp store: %v\n", err)
			return 1
		}
		defer os.RemoveAll(dir)
		*storePath = dir + "/runs.db"
	}

	return executeRun(cfg, caps, "", *storePath, nil, false)
}

// --- runs ---

func runRuns(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "Path to pipeline definition")
	storePath := fs.String("store", "", "Run log database path (default: from definition)")
	limit := fs.Int("limit", 20, "Maximum runs to list")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	storeFile := *storePath
	if storeFile == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load pipeline: %v\n", err)
			return 1
		}
		storeFile = cfg.Service.Store
	}

	ctx := context.Background()
	db, err := runlog.Open(ctx, storeFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run log: %v\n", err)
		return 1
	}
	defer db.Close()

	runs, err := runlog.NewStore(db).ListRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(runs, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return 0
	}
	for _, run := range runs {
		fmt.Printf("%-38s %-9s %s\n", run.ID, run.Status, run.CreatedAt.Format(time.RFC3339))
	}
	return 0
}

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: cascade config <action> [flags]")
		fmt.Println("Actions: check, hash")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "hash":
		return runConfigHash(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "Path to pipeline definition")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Check FAILED: %v\n", err)
		return 1
	}

	g, err := graph.Build(cfg.TaskSpecs())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Check FAILED: %v\n", err)
		return 1
	}

	fmt.Printf("Check PASSED: %d tasks, %d capabilities\n", g.Len(), len(cfg.Capabilities))
	fmt.Printf("Execution order: %s\n", strings.Join(g.Order(), " -> "))
	fmt.Printf("Sinks: %s\n", strings.Join(g.Sinks(), ", "))
	return 0
}

func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "Path to pipeline definition")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	hash, err := config.Hash(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash pipeline: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

// --- serve ---

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "Path to pipeline definition")
	listen := fs.String("listen", "", "Listen address (default: from definition)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load pipeline: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("api")

	addr := *listen
	if addr == "" {
		addr = cfg.API.Listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := runlog.Open(ctx, cfg.Service.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run log: %v\n", err)
		return 1
	}
	defer db.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	srv := api.New(api.Config{Listen: addr, APIKey: cfg.API.Auth.APIKey},
		runlog.NewStore(db), events.NewHub(256), logger)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}

// --- version ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("cascade %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	builtAt := strings.TrimSpace(buildDate)
	if builtAt == "" || builtAt == "unknown" {
		builtAt = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, builtAt); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func printUsage() {
	fmt.Print(`cascade - Deterministic pipeline orchestration engine

Usage:
  cascade <command> [flags]

Commands:
  run       Execute the pipeline (exit 0: complete, 1: aborted)
  replay    Reconstruct a recorded run without re-invoking capabilities
  test      Execute the pipeline against fixed sample payloads
  runs      List recorded runs
  config    Validate or hash the pipeline definition
  serve     Expose recorded runs over HTTP
  version   Show version information
  help      Show this help message

Run Commands:
  run --config pipeline.yaml [--run-id ID] [--inputs JSON] [--watch]
  replay --run-id ID [--store PATH] [--verify]
  test --config pipeline.yaml

Use 'cascade <command> --help' for command-specific flags.
`)
}
