// Package worker runs one story to completion inside an isolated
// sandbox: task-scoped prompt in, WorkerResult out.
package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/wjlgatech/epiloop/internal/agent"
	"github.com/wjlgatech/epiloop/internal/events"
	"github.com/wjlgatech/epiloop/internal/model"
	"github.com/wjlgatech/epiloop/internal/sandbox"
)

// Invoker is the single external call a worker makes.
type Invoker interface {
	Invoke(ctx context.Context, dir, prompt string) (agent.Output, error)
}

// Options carries per-execution identity assigned by the delegation
// tracker.
type Options struct {
	ExecutionID string
	Depth       int
}

// Executor turns one story into a WorkerResult. It is safe for
// concurrent use; each Run owns its sandbox exclusively.
type Executor struct {
	sandbox     sandbox.Sandbox
	invoker     Invoker
	delegations DelegationSink
	metrics     MetricsSink
	bus         *events.Bus
	logger      *log.Logger
	logFile     io.Closer
	logLevel    model.LogLevel
}

// NewExecutor wires an executor logging to .epiloop/logs/worker.log.
func NewExecutor(epiloopDir string, sb sandbox.Sandbox, inv Invoker, level model.LogLevel) (*Executor, error) {
	logPath := filepath.Join(epiloopDir, "logs", "worker.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	e := newExecutor(sb, inv, f, level)
	e.logFile = f
	return e, nil
}

func newExecutor(sb sandbox.Sandbox, inv Invoker, w io.Writer, level model.LogLevel) *Executor {
	return &Executor{
		sandbox:  sb,
		invoker:  inv,
		logger:   log.New(w, "", 0),
		logLevel: level,
	}
}

// Close releases the log file handle.
func (e *Executor) Close() error {
	if e.logFile != nil {
		return e.logFile.Close()
	}
	return nil
}

// Run executes one story. Failures are reported in the result, never
// panicked; an error return means the result itself could not be
// produced.
func (e *Executor) Run(ctx context.Context, story model.Story, opts Options) model.WorkerResult {
	start := time.Now()
	result := model.WorkerResult{
		StoryID:         story.ID,
		DelegationDepth: opts.Depth,
	}

	h, err := e.sandbox.Acquire()
	if err != nil {
		e.log(model.LogLevelError, "sandbox_acquire_failed story=%s error=%v", story.ID, err)
		return failed(result, model.ExitFailure, fmt.Sprintf("acquire sandbox: %v", err), start)
	}
	e.log(model.LogLevelDebug, "sandbox_acquired story=%s sandbox=%s", story.ID, h.ID)

	prompt := BuildPrompt(story)
	out, invErr := e.invoker.Invoke(ctx, h.Dir, prompt)

	result.TokensIn = out.TokensIn
	result.TokensOut = out.TokensOut
	result.TokensEstimated = out.TokensEstimated
	result.CostUSD = out.CostUSD
	result.ExitCode = out.ExitCode

	success := false
	var reason string
	switch {
	case out.TimedOut:
		reason = fmt.Sprintf("worker timed out: %v", invErr)
	case invErr != nil:
		reason = fmt.Sprintf("agent invocation failed: %v", invErr)
	default:
		success, reason = DetectOutcome(out.Action, out.Content)
		e.runDelegations(ctx, story.ID, opts, out.Content, out.TokensIn+out.TokensOut)
	}

	if files, diffErr := e.sandbox.Diff(h); diffErr != nil {
		e.log(model.LogLevelWarn, "sandbox_diff_failed story=%s error=%v", story.ID, diffErr)
	} else {
		result.FilesChanged = files
	}

	if relErr := e.sandbox.Release(h, !success); relErr != nil {
		e.log(model.LogLevelWarn, "sandbox_release_failed story=%s error=%v", story.ID, relErr)
	}

	result.Success = success
	result.DurationMs = time.Since(start).Milliseconds()
	if success {
		result.ExitCode = model.ExitSuccess
	} else {
		errMsg := reason
		result.Error = &errMsg
		if result.ExitCode == model.ExitSuccess {
			result.ExitCode = model.ExitFailure
		}
	}

	e.log(model.LogLevelInfo,
		"worker_finished story=%s success=%v exit_code=%d duration_ms=%d files_changed=%d tokens_in=%d tokens_out=%d estimated=%v",
		story.ID, result.Success, result.ExitCode, result.DurationMs,
		len(result.FilesChanged), result.TokensIn, result.TokensOut, result.TokensEstimated)
	return result
}

func failed(r model.WorkerResult, exitCode int, msg string, start time.Time) model.WorkerResult {
	r.Success = false
	r.ExitCode = exitCode
	r.Error = &msg
	r.DurationMs = time.Since(start).Milliseconds()
	return r
}

func (e *Executor) log(level model.LogLevel, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s worker: %s", time.Now().Format(time.RFC3339), level, msg)
}
