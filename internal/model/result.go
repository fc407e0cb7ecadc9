package model

// WorkerResult is the normalized outcome of one worker executor
// invocation. It is consumed by the pool coordinator and discarded
// after aggregation; only derived effects (Complete flags, checkpoints,
// logs) persist.
type WorkerResult struct {
	StoryID         string   `yaml:"story_id"`
	Success         bool     `yaml:"success"`
	ExitCode        int      `yaml:"exit_code"`
	DurationMs      int64    `yaml:"duration_ms"`
	TokensIn        int      `yaml:"tokens_in"`
	TokensOut       int      `yaml:"tokens_out"`
	TokensEstimated bool     `yaml:"tokens_estimated"`
	CostUSD         float64  `yaml:"cost_usd"`
	FilesChanged    []string `yaml:"files_changed"`
	Error           *string  `yaml:"error"`
	DelegationDepth int      `yaml:"delegation_depth"`
}

// Worker exit codes. ExitTimeout is distinct from other non-zero exits
// so timeouts are distinguishable downstream.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitTimeout = 124
)
