package model

import "testing"

func TestStoryFile_FindAndMarkComplete(t *testing.T) {
	f := &StoryFile{
		SchemaVersion: 1,
		FileType:      "story_graph",
		Stories: []Story{
			{ID: "A", Description: "first"},
			{ID: "B", Description: "second", Dependencies: []string{"A"}},
		},
	}

	s, err := f.FindStory("B")
	if err != nil {
		t.Fatalf("FindStory failed: %v", err)
	}
	if s.Description != "second" {
		t.Errorf("Description = %q, want %q", s.Description, "second")
	}

	if _, err := f.FindStory("missing"); err == nil {
		t.Errorf("FindStory(missing) succeeded, want error")
	}

	if err := f.MarkComplete("A"); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}
	if !f.Stories[0].Complete {
		t.Errorf("story A not marked complete")
	}
	if got := len(f.Incomplete()); got != 1 {
		t.Errorf("Incomplete count = %d, want 1", got)
	}
}

func TestValidateJobTransition(t *testing.T) {
	valid := []struct{ from, to JobStatus }{
		{JobPending, JobInProgress},
		{JobPending, JobPaused},
		{JobPaused, JobPending},
		{JobPaused, JobCancelled},
		{JobInProgress, JobCompleted},
		{JobInProgress, JobFailed},
		{JobInProgress, JobCancelled},
	}
	for _, c := range valid {
		if err := ValidateJobTransition(c.from, c.to); err != nil {
			t.Errorf("ValidateJobTransition(%s, %s) = %v, want nil", c.from, c.to, err)
		}
	}

	invalid := []struct{ from, to JobStatus }{
		{JobCompleted, JobPending},
		{JobCancelled, JobInProgress},
		{JobPaused, JobInProgress},
		{JobPending, JobCompleted},
	}
	for _, c := range invalid {
		if err := ValidateJobTransition(c.from, c.to); err == nil {
			t.Errorf("ValidateJobTransition(%s, %s) = nil, want error", c.from, c.to)
		}
	}
}

func TestValidateDelegationTransition(t *testing.T) {
	if err := ValidateDelegationTransition(DelegationStarted, DelegationCompleted); err != nil {
		t.Errorf("started→completed rejected: %v", err)
	}
	if err := ValidateDelegationTransition(DelegationStarted, DelegationFailed); err != nil {
		t.Errorf("started→failed rejected: %v", err)
	}
	if err := ValidateDelegationTransition(DelegationRejected, DelegationCompleted); err == nil {
		t.Errorf("rejected→completed allowed, want error")
	}
	if err := ValidateDelegationTransition(DelegationCompleted, DelegationFailed); err == nil {
		t.Errorf("completed→failed allowed, want error")
	}
}

func TestConfigNormalize_Defaults(t *testing.T) {
	cfg := Config{}.Normalize()

	if cfg.Agent.Command != "claude" {
		t.Errorf("Agent.Command = %q, want claude", cfg.Agent.Command)
	}
	if cfg.Workers.Max != 3 {
		t.Errorf("Workers.Max = %d, want 3", cfg.Workers.Max)
	}
	if cfg.Delegation.MaxDepth != 2 {
		t.Errorf("Delegation.MaxDepth = %d, want 2", cfg.Delegation.MaxDepth)
	}
	if cfg.Delegation.ContextBudgetTokens != 100_000 {
		t.Errorf("ContextBudgetTokens = %d, want 100000", cfg.Delegation.ContextBudgetTokens)
	}
	if cfg.Checkpoint.MaxCheckpoints != 3 {
		t.Errorf("MaxCheckpoints = %d, want 3", cfg.Checkpoint.MaxCheckpoints)
	}
	if cfg.Sandbox.Strategy != "copy" {
		t.Errorf("Sandbox.Strategy = %q, want copy", cfg.Sandbox.Strategy)
	}
}

func TestConfigNormalize_PreservesExplicit(t *testing.T) {
	cfg := Config{}
	cfg.Workers.Max = 8
	cfg.Delegation.MaxDepth = 4
	cfg = cfg.Normalize()

	if cfg.Workers.Max != 8 {
		t.Errorf("Workers.Max = %d, want 8", cfg.Workers.Max)
	}
	if cfg.Delegation.MaxDepth != 4 {
		t.Errorf("Delegation.MaxDepth = %d, want 4", cfg.Delegation.MaxDepth)
	}
}
