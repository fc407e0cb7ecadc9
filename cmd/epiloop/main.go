package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/wjlgatech/epiloop/internal/agent"
	"github.com/wjlgatech/epiloop/internal/checkpoint"
	"github.com/wjlgatech/epiloop/internal/daemon"
	"github.com/wjlgatech/epiloop/internal/delegate"
	"github.com/wjlgatech/epiloop/internal/events"
	"github.com/wjlgatech/epiloop/internal/lock"
	"github.com/wjlgatech/epiloop/internal/model"
	"github.com/wjlgatech/epiloop/internal/orchestrator"
	"github.com/wjlgatech/epiloop/internal/pool"
	"github.com/wjlgatech/epiloop/internal/registry"
	"github.com/wjlgatech/epiloop/internal/sandbox"
	"github.com/wjlgatech/epiloop/internal/setup"
	"github.com/wjlgatech/epiloop/internal/status"
	"github.com/wjlgatech/epiloop/internal/uds"
	"github.com/wjlgatech/epiloop/internal/worker"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "resume":
		runResume(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "job":
		runJob(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("epiloop %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	name := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			if args[i][0] == '-' {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: epiloop init [dir] [--name <project>]\n", args[i])
				os.Exit(1)
			}
			dir = args[i]
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .epiloop/ in %s\n", absDir)
}

func runRun(args []string) {
	graphFlag := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--graph":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--graph requires a value")
				os.Exit(1)
			}
			i++
			graphFlag = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: epiloop run [--graph <stories.yaml>]\n", args[i])
			os.Exit(1)
		}
	}

	epiloopDir := mustFindEpiloopDir()
	cfg := mustLoadConfig(epiloopDir)
	graphPath := resolveGraphPath(epiloopDir, cfg, graphFlag)

	sessionID, err := model.GenerateID(model.IDTypeSession)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("session %s\n", sessionID)
	if err := executeSession(ctx, epiloopDir, cfg, graphPath, sessionID, true); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("session completed")
}

func runResume(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: epiloop resume <session_id> [--discard] [--graph <stories.yaml>]")
		os.Exit(1)
	}
	sessionID := args[0]
	if !model.ValidateID(sessionID) {
		fmt.Fprintf(os.Stderr, "invalid session id: %s\n", sessionID)
		os.Exit(1)
	}

	choice := checkpoint.ChoiceResume
	graphFlag := ""
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--discard":
			choice = checkpoint.ChoiceDiscard
		case "--graph":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--graph requires a value")
				os.Exit(1)
			}
			i++
			graphFlag = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: epiloop resume <session_id> [--discard] [--graph <stories.yaml>]\n", args[i])
			os.Exit(1)
		}
	}

	epiloopDir := mustFindEpiloopDir()
	cfg := mustLoadConfig(epiloopDir)
	graphPath := resolveGraphPath(epiloopDir, cfg, graphFlag)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := resumeSession(ctx, epiloopDir, cfg, graphPath, sessionID, choice, true); err != nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		os.Exit(1)
	}
	if choice == checkpoint.ChoiceDiscard {
		fmt.Printf("session %s discarded\n", sessionID)
		return
	}
	fmt.Printf("session %s completed\n", sessionID)
}

func runDaemon(_ []string) {
	epiloopDir := mustFindEpiloopDir()
	cfg := mustLoadConfig(epiloopDir)

	d, err := daemon.New(epiloopDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	d.SetJobRunner(func(ctx context.Context, job model.Job, sessionID string) error {
		graphPath := job.StoryFile
		if !filepath.IsAbs(graphPath) {
			graphPath = filepath.Join(filepath.Dir(epiloopDir), graphPath)
		}
		return executeSession(ctx, epiloopDir, cfg, graphPath, sessionID, false)
	})

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runJob(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: epiloop job <submit|cancel|pause|resume|list> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "submit":
		runJobSubmit(args[1:])
	case "cancel":
		runJobAction("job_cancel", args[1:], true)
	case "pause":
		runJobAction("job_pause", args[1:], false)
	case "resume":
		runJobAction("job_resume", args[1:], false)
	case "list":
		runJobList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown job subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: epiloop job <submit|cancel|pause|resume|list> [options]")
		os.Exit(1)
	}
}

func runJobSubmit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: epiloop job submit <story_file> [--priority <n>]")
		os.Exit(1)
	}
	storyFile := args[0]
	priority := 0
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--priority":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--priority requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --priority value: %s\n", args[i])
				os.Exit(1)
			}
			priority = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: epiloop job submit <story_file> [--priority <n>]\n", args[i])
			os.Exit(1)
		}
	}

	absFile, err := filepath.Abs(storyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve story file: %v\n", err)
		os.Exit(1)
	}
	if _, err := os.Stat(absFile); err != nil {
		fmt.Fprintf(os.Stderr, "story file: %v\n", err)
		os.Exit(1)
	}

	sendJobCommand("job_submit", map[string]any{
		"story_file": absFile,
		"priority":   priority,
	})
}

func runJobAction(command string, args []string, allowReason bool) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: epiloop job %s <job_id>\n", command[len("job_"):])
		os.Exit(1)
	}
	jobID := args[0]
	reason := ""
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--reason":
			if !allowReason {
				fmt.Fprintf(os.Stderr, "unknown flag: --reason\n")
				os.Exit(1)
			}
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--reason requires a value")
				os.Exit(1)
			}
			i++
			reason = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}

	params := map[string]any{"job_id": jobID}
	if reason != "" {
		params["reason"] = reason
	}
	sendJobCommand(command, params)
}

func runJobList(args []string) {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "usage: epiloop job list")
		os.Exit(1)
	}
	sendJobCommand("job_list", nil)
}

func sendJobCommand(command string, params map[string]any) {
	epiloopDir := mustFindEpiloopDir()

	client := uds.NewClient(filepath.Join(epiloopDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}

	if !resp.Success {
		code := ""
		msg := "unknown error"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, code, msg)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

func runStatus(args []string) {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "usage: epiloop status")
		os.Exit(1)
	}

	epiloopDir := mustFindEpiloopDir()
	cfg := mustLoadConfig(epiloopDir)

	report, err := status.Collect(epiloopDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	report.Render(os.Stdout)
}

// executeSession assembles the full execution stack for one session and
// runs the graph to completion.
func executeSession(ctx context.Context, epiloopDir string, cfg model.Config, graphPath, sessionID string, verbose bool) error {
	orch, cleanup, err := buildOrchestrator(ctx, epiloopDir, cfg, graphPath, sessionID, verbose)
	if err != nil {
		return err
	}
	defer cleanup()
	return orch.Run(ctx, sessionID)
}

// resumeSession assembles the same stack and routes through crash
// recovery instead of a fresh run.
func resumeSession(ctx context.Context, epiloopDir string, cfg model.Config, graphPath, sessionID string, choice checkpoint.RecoveryChoice, verbose bool) error {
	orch, cleanup, err := buildOrchestrator(ctx, epiloopDir, cfg, graphPath, sessionID, verbose)
	if err != nil {
		return err
	}
	defer cleanup()
	return orch.Resume(ctx, sessionID, choice)
}

func buildOrchestrator(ctx context.Context, epiloopDir string, cfg model.Config, graphPath, sessionID string, verbose bool) (*orchestrator.Orchestrator, func(), error) {
	level := model.ParseLogLevel(cfg.Logging.Level)
	projectRoot := cfg.Project.Root
	if projectRoot == "" {
		projectRoot = filepath.Dir(epiloopDir)
	}
	sandboxRoot := cfg.Sandbox.Root
	if sandboxRoot == "" {
		sandboxRoot = filepath.Join(epiloopDir, "sandboxes")
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*orchestrator.Orchestrator, func(), error) {
		cleanup()
		return nil, nil, err
	}

	sb, err := sandbox.New(cfg.Sandbox, projectRoot, sandboxRoot)
	if err != nil {
		return fail(fmt.Errorf("create sandbox: %w", err))
	}

	grace := time.Duration(cfg.Workers.GracePeriodSec) * time.Second
	invoker := agent.NewInvoker(cfg.Agent, grace)
	metrics := status.NewFileMetrics(epiloopDir, lock.NewMutexMap())

	bus := events.NewBus(100)
	closers = append(closers, bus.Close)
	if verbose {
		subscribeProgress(bus)
	}

	exec, err := worker.NewExecutor(epiloopDir, sb, invoker, level)
	if err != nil {
		return fail(fmt.Errorf("create executor: %w", err))
	}
	closers = append(closers, func() { exec.Close() })
	exec.SetMetrics(metrics)
	exec.SetEventBus(bus)

	tracker, err := delegate.NewTracker(epiloopDir, cfg.Delegation)
	if err != nil {
		return fail(fmt.Errorf("create delegation tracker: %w", err))
	}
	closers = append(closers, func() { tracker.Close() })
	exec.SetDelegationSink(tracker)

	coord, err := pool.NewCoordinator(epiloopDir, cfg.Workers, exec, tracker, bus, level)
	if err != nil {
		return fail(fmt.Errorf("create coordinator: %w", err))
	}
	closers = append(closers, func() { coord.Close() })

	reg, err := registry.Open(filepath.Join(epiloopDir, "state", "registry.yaml"))
	if err != nil {
		return fail(fmt.Errorf("open registry: %w", err))
	}
	coord.SetRegistry(reg, sessionID)
	reg.StartSnapshots(ctx, 30*time.Second)
	closers = append(closers, func() { reg.Flush() })

	store, err := checkpoint.NewStore(epiloopDir, cfg.Checkpoint, level)
	if err != nil {
		return fail(fmt.Errorf("open checkpoint store: %w", err))
	}
	closers = append(closers, func() { store.Close() })

	orch, err := orchestrator.New(epiloopDir, graphPath, coord, store, metrics, bus, level)
	if err != nil {
		return fail(fmt.Errorf("create orchestrator: %w", err))
	}
	closers = append(closers, func() { orch.Close() })

	return orch, cleanup, nil
}

// subscribeProgress prints worker lifecycle events for interactive runs.
func subscribeProgress(bus *events.Bus) {
	bus.Subscribe(events.EventWorkerCompleted, func(e events.Event) {
		storyID, _ := e.Data["story_id"].(string)
		if success, _ := e.Data["success"].(bool); success {
			fmt.Printf("  done  %s\n", storyID)
			return
		}
		fmt.Printf("  FAIL  %s\n", storyID)
	})
	bus.Subscribe(events.EventBatchProgress, func(e events.Event) {
		fmt.Printf("  ... %v completed, %v running, %v pending\n",
			e.Data["completed"], e.Data["running"], e.Data["pending"])
	})
	bus.Subscribe(events.EventCheckpointSaved, func(e events.Event) {
		fmt.Printf("  checkpoint saved (iteration %v)\n", e.Data["iteration"])
	})
}

func resolveGraphPath(epiloopDir string, cfg model.Config, flag string) string {
	if flag != "" {
		abs, err := filepath.Abs(flag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve graph path: %v\n", err)
			os.Exit(1)
		}
		return abs
	}
	root := cfg.Project.Root
	if root == "" {
		root = filepath.Dir(epiloopDir)
	}
	return filepath.Join(root, "stories.yaml")
}

func mustFindEpiloopDir() string {
	dir := findEpiloopDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .epiloop/ directory not found. Run 'epiloop init' first.")
		os.Exit(1)
	}
	return dir
}

// findEpiloopDir searches for .epiloop/ in the current directory and
// ancestors.
func findEpiloopDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".epiloop")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustLoadConfig(epiloopDir string) model.Config {
	cfg, err := setup.LoadConfig(epiloopDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `epiloop %s — Autonomous story-graph executor

Usage: epiloop <command> [options]

Project:
  init [dir] [--name <project>]   Initialize .epiloop/ workspace
  run [--graph <file>]            Execute the story graph as a new session
  resume <session_id> [--discard] Recover a crashed session
  status                          Show daemon, jobs, sessions, and metrics

Daemon:
  daemon                          Run the background job daemon
  job submit <story_file> [--priority <n>]
  job cancel <job_id> [--reason <text>]
  job pause <job_id>
  job resume <job_id>
  job list

Utilities:
  version                         Show version
  help                            Show this help

`, version)
}
