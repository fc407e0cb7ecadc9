package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wjlgatech/epiloop/internal/model"
)

// writeFakeAgent writes an executable shell script that stands in for
// the agent CLI and returns its path.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

func TestInvoke_ParsesJSONPayload(t *testing.T) {
	cmd := writeFakeAgent(t, `cat >/dev/null
echo '{"result":"all done","action":"complete","total_cost_usd":0.07,"usage":{"input_tokens":120,"output_tokens":45}}'
`)
	inv := NewInvoker(model.AgentConfig{Command: cmd, TimeoutSec: 30}, time.Second)

	out, err := inv.Invoke(context.Background(), t.TempDir(), "do the work")
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if out.Content != "all done" {
		t.Errorf("content = %q", out.Content)
	}
	if out.Action != "complete" {
		t.Errorf("action = %q, want complete", out.Action)
	}
	if out.TokensIn != 120 || out.TokensOut != 45 {
		t.Errorf("tokens = %d/%d, want 120/45", out.TokensIn, out.TokensOut)
	}
	if out.CostUSD != 0.07 {
		t.Errorf("cost = %v, want 0.07", out.CostUSD)
	}
	if out.TokensEstimated {
		t.Errorf("metered usage flagged as estimated")
	}
	if out.ExitCode != model.ExitSuccess {
		t.Errorf("exit code = %d", out.ExitCode)
	}
}

func TestInvoke_PlainTextFallsBackToEstimate(t *testing.T) {
	cmd := writeFakeAgent(t, `cat >/dev/null
echo 'TASK_COMPLETE'
`)
	inv := NewInvoker(model.AgentConfig{Command: cmd, TimeoutSec: 30}, time.Second)

	out, err := inv.Invoke(context.Background(), t.TempDir(), "prompt text")
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if out.Action != "" {
		t.Errorf("action = %q, want empty for non-JSON output", out.Action)
	}
	if !out.TokensEstimated {
		t.Errorf("estimate not flagged")
	}
	if out.TokensIn == 0 || out.TokensOut == 0 {
		t.Errorf("estimated tokens = %d/%d, want non-zero", out.TokensIn, out.TokensOut)
	}
}

func TestInvoke_NonZeroExit(t *testing.T) {
	cmd := writeFakeAgent(t, `cat >/dev/null
echo 'broken' >&2
exit 3
`)
	inv := NewInvoker(model.AgentConfig{Command: cmd, TimeoutSec: 30}, time.Second)

	out, err := inv.Invoke(context.Background(), t.TempDir(), "prompt")
	if err == nil {
		t.Fatalf("Invoke succeeded on exit 3")
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", out.ExitCode)
	}
	if out.Stderr == "" {
		t.Errorf("stderr not captured")
	}
	if out.TimedOut {
		t.Errorf("non-timeout failure flagged as timeout")
	}
}

func TestInvoke_Timeout(t *testing.T) {
	cmd := writeFakeAgent(t, `cat >/dev/null
sleep 10
`)
	inv := NewInvoker(model.AgentConfig{Command: cmd, TimeoutSec: 1}, time.Second)

	out, err := inv.Invoke(context.Background(), t.TempDir(), "prompt")
	if err == nil {
		t.Fatalf("Invoke succeeded past its deadline")
	}
	if !out.TimedOut {
		t.Errorf("timeout not flagged")
	}
	if out.ExitCode != model.ExitTimeout {
		t.Errorf("exit code = %d, want %d", out.ExitCode, model.ExitTimeout)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.in); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
