// Package agent runs the external code-generation agent CLI: one
// invocation per work item, prompt on stdin, structured JSON on stdout.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/wjlgatech/epiloop/internal/model"
)

// Output is the parsed result of one agent invocation. Stdout (the
// structured payload) is kept separate from raw stderr.
type Output struct {
	Content         string
	Action          string // structured completion verdict, "" if absent
	TokensIn        int
	TokensOut       int
	TokensEstimated bool
	CostUSD         float64
	Stderr          string
	ExitCode        int
	TimedOut        bool
}

// agentPayload mirrors the agent CLI's JSON output envelope.
type agentPayload struct {
	Result  string  `json:"result"`
	Action  string  `json:"action"`
	CostUSD float64 `json:"total_cost_usd"`
	Usage   *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Invoker runs the configured agent command.
type Invoker struct {
	command string
	args    []string
	model   string
	timeout time.Duration
	grace   time.Duration
}

// NewInvoker builds an Invoker from config. cfg must be normalized.
// grace is how long a cancelled agent gets to exit on SIGTERM before
// it is killed.
func NewInvoker(cfg model.AgentConfig, grace time.Duration) *Invoker {
	return &Invoker{
		command: cfg.Command,
		args:    cfg.Args,
		model:   cfg.Model,
		timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		grace:   grace,
	}
}

// Invoke runs the agent once with prompt on stdin, working in dir.
// The call is bounded by the configured timeout; timeout expiry maps
// to ExitTimeout, distinct from other non-zero exits.
func (inv *Invoker) Invoke(ctx context.Context, dir, prompt string) (Output, error) {
	runCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	args := append([]string{}, inv.args...)
	args = append(args, "-p", "--output-format", "json")
	if inv.model != "" {
		args = append(args, "--model", inv.model)
	}

	cmd := exec.CommandContext(runCtx, inv.command, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(prompt)
	// On cancellation the agent gets SIGTERM and a grace period before
	// the kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = inv.grace
	// Clear any nesting guard so the agent can run inside a parent
	// agent session.
	cmd.Env = filterEnv(os.Environ(), "CLAUDECODE")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	out := Output{Stderr: stderr.String()}

	if runCtx.Err() == context.DeadlineExceeded {
		out.TimedOut = true
		out.ExitCode = model.ExitTimeout
		inv.fillTokens(&out, prompt, stdout.String())
		return out, fmt.Errorf("agent timed out after %s", inv.timeout)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = model.ExitFailure
		}
		out.Content = stdout.String()
		inv.fillTokens(&out, prompt, out.Content)
		return out, fmt.Errorf("agent invocation: %w", runErr)
	}

	out.ExitCode = model.ExitSuccess
	inv.parsePayload(&out, stdout.String())
	inv.fillTokens(&out, prompt, out.Content)
	return out, nil
}

// parsePayload extracts the structured envelope; non-JSON output is
// carried through as plain content with no Action.
func (inv *Invoker) parsePayload(out *Output, raw string) {
	var payload agentPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		out.Content = raw
		return
	}
	out.Content = payload.Result
	out.Action = payload.Action
	out.CostUSD = payload.CostUSD
	if payload.Usage != nil {
		out.TokensIn = payload.Usage.InputTokens
		out.TokensOut = payload.Usage.OutputTokens
	}
}

// fillTokens falls back to a character-count estimate when the agent
// reported no metered usage. Estimated counts are flagged so they are
// never confused with metered ones downstream.
func (inv *Invoker) fillTokens(out *Output, prompt, content string) {
	if out.TokensIn > 0 || out.TokensOut > 0 {
		return
	}
	out.TokensIn = EstimateTokens(prompt)
	out.TokensOut = EstimateTokens(content)
	out.TokensEstimated = true
}

// EstimateTokens approximates token usage from character count. The
// divisor matches the common ~4 chars/token heuristic for English text.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// filterEnv returns a copy of environ with the named variable removed.
func filterEnv(environ []string, name string) []string {
	prefix := name + "="
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}
