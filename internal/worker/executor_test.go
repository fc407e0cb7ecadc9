package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wjlgatech/epiloop/internal/agent"
	"github.com/wjlgatech/epiloop/internal/model"
	"github.com/wjlgatech/epiloop/internal/sandbox"
)

// fakeInvoker returns a canned output and optionally writes files into
// the sandbox so the diff has something to see.
type fakeInvoker struct {
	out    agent.Output
	err    error
	writes map[string]string
}

func (f *fakeInvoker) Invoke(_ context.Context, dir, _ string) (agent.Output, error) {
	for rel, content := range f.writes {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return agent.Output{}, err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return agent.Output{}, err
		}
	}
	return f.out, f.err
}

func newTestExecutor(t *testing.T, inv Invoker) *Executor {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "existing.go"), []byte("package x\n"), 0644); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	sb := sandbox.NewCopySandbox(root, t.TempDir())
	return newExecutor(sb, inv, io.Discard, model.LogLevelError)
}

func testStory() model.Story {
	return model.Story{
		ID:                 "story_0000000001_deadbeef",
		Description:        "add a widget",
		AcceptanceCriteria: []string{"widget exists"},
		FileScope:          []string{"widget.go"},
	}
}

func TestRun_Success(t *testing.T) {
	inv := &fakeInvoker{
		out: agent.Output{
			Content:  "done\nTASK_COMPLETE\n",
			TokensIn: 100, TokensOut: 50,
			ExitCode: model.ExitSuccess,
		},
		writes: map[string]string{"widget.go": "package x\n"},
	}
	e := newTestExecutor(t, inv)

	result := e.Run(context.Background(), testStory(), Options{Depth: 0})

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.ExitCode != model.ExitSuccess {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if len(result.FilesChanged) != 1 || result.FilesChanged[0] != "widget.go" {
		t.Errorf("files changed = %v, want [widget.go]", result.FilesChanged)
	}
	if result.Error != nil {
		t.Errorf("error = %q, want nil", *result.Error)
	}
	if result.TokensIn != 100 || result.TokensOut != 50 {
		t.Errorf("tokens = %d/%d", result.TokensIn, result.TokensOut)
	}
}

func TestRun_ActionFieldWinsOverMarkers(t *testing.T) {
	inv := &fakeInvoker{
		out: agent.Output{
			Action:  "failed",
			Content: "TASK_COMPLETE\n", // contradicted by the structured verdict
		},
	}
	e := newTestExecutor(t, inv)

	result := e.Run(context.Background(), testStory(), Options{})
	if result.Success {
		t.Errorf("marker overrode structured action verdict")
	}
}

func TestRun_NoMarkerIsFailure(t *testing.T) {
	inv := &fakeInvoker{
		out: agent.Output{Content: "I made some progress but hit an error in parsing\n"},
	}
	e := newTestExecutor(t, inv)

	result := e.Run(context.Background(), testStory(), Options{})
	if result.Success {
		t.Fatalf("markerless output treated as success")
	}
	if result.ExitCode != model.ExitFailure {
		t.Errorf("exit code = %d, want %d", result.ExitCode, model.ExitFailure)
	}
	if result.Error == nil {
		t.Errorf("failure carries no error message")
	}
}

func TestRun_TimeoutMapsToDistinctExitCode(t *testing.T) {
	inv := &fakeInvoker{
		out: agent.Output{TimedOut: true, ExitCode: model.ExitTimeout},
		err: errors.New("agent timed out after 1s"),
	}
	e := newTestExecutor(t, inv)

	result := e.Run(context.Background(), testStory(), Options{Depth: 1})
	if result.Success {
		t.Fatalf("timed-out run reported success")
	}
	if result.ExitCode != model.ExitTimeout {
		t.Errorf("exit code = %d, want %d", result.ExitCode, model.ExitTimeout)
	}
	if result.DelegationDepth != 1 {
		t.Errorf("delegation depth = %d, want 1", result.DelegationDepth)
	}
}

func TestDetectOutcome(t *testing.T) {
	cases := []struct {
		name    string
		action  string
		content string
		want    bool
	}{
		{"action complete", "complete", "", true},
		{"action failed", "failed", "TASK_COMPLETE", false},
		{"anchored complete", "", "work log\nTASK_COMPLETE\n", true},
		{"anchored failed", "", "TASK_FAILED\ncould not build", false},
		{"marker mid-line ignored", "", "note: TASK_COMPLETE was not printed", false},
		{"incidental error text", "", "fixed the error handling\nTASK_COMPLETE", true},
		{"no marker", "", "some output", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := DetectOutcome(tc.action, tc.content)
			if got != tc.want {
				t.Errorf("DetectOutcome = %v (%s), want %v", got, reason, tc.want)
			}
		})
	}
}

func TestBuildPrompt_TaskScoped(t *testing.T) {
	prompt := BuildPrompt(testStory())

	for _, want := range []string{"add a widget", "widget exists", "widget.go", markerComplete, markerFailed} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "dependencies") {
		t.Errorf("prompt leaks graph structure")
	}
}
