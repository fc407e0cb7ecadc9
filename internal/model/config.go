package model

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Agent      AgentConfig      `yaml:"agent"`
	Workers    WorkersConfig    `yaml:"workers"`
	Delegation DelegationConfig `yaml:"delegation"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Root        string `yaml:"root"`
}

type AgentConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args,omitempty"`
	Model      string   `yaml:"model"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

type WorkersConfig struct {
	Max                 int `yaml:"max"`
	GracePeriodSec      int `yaml:"grace_period_sec"`
	ProgressIntervalSec int `yaml:"progress_interval_sec"`
}

type DelegationConfig struct {
	MaxDepth            int `yaml:"max_depth"`
	ContextBudgetTokens int `yaml:"context_budget_tokens"`
}

type CheckpointConfig struct {
	MaxCheckpoints int `yaml:"max_checkpoints"`
}

type SandboxConfig struct {
	Strategy string `yaml:"strategy"` // "copy" or "git"
	Root     string `yaml:"root"`
}

type DaemonConfig struct {
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Normalize fills zero values with defaults. Loaders call this once
// after unmarshal so downstream code never re-checks.
func (c Config) Normalize() Config {
	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Agent.TimeoutSec <= 0 {
		c.Agent.TimeoutSec = 600
	}
	if c.Workers.Max <= 0 {
		c.Workers.Max = 3
	}
	if c.Workers.GracePeriodSec <= 0 {
		c.Workers.GracePeriodSec = 10
	}
	if c.Workers.ProgressIntervalSec <= 0 {
		c.Workers.ProgressIntervalSec = 5
	}
	if c.Delegation.MaxDepth <= 0 {
		c.Delegation.MaxDepth = 2
	}
	if c.Delegation.ContextBudgetTokens <= 0 {
		c.Delegation.ContextBudgetTokens = 100_000
	}
	if c.Checkpoint.MaxCheckpoints <= 0 {
		c.Checkpoint.MaxCheckpoints = 3
	}
	if c.Sandbox.Strategy == "" {
		c.Sandbox.Strategy = "copy"
	}
	if c.Daemon.ScanIntervalSec <= 0 {
		c.Daemon.ScanIntervalSec = 10
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}
