package model

// ExecutionNode is one node in the execution forest: which worker
// execution spawned which. Roots have depth 0 and a nil parent.
// Invariant: Depth == parent.Depth + 1.
type ExecutionNode struct {
	ExecutionID       string  `yaml:"execution_id"`
	ParentExecutionID *string `yaml:"parent_execution_id"`
	Depth             int     `yaml:"depth"`
}

// DelegationLog is the on-disk append-only delegation record log
// (.epiloop/state/delegation.yaml).
type DelegationLog struct {
	SchemaVersion int                `yaml:"schema_version"`
	FileType      string             `yaml:"file_type"`
	Records       []DelegationRecord `yaml:"records"`
}

// DelegationRecord is one append-only delegation event. Never mutated
// after write; completion/failure appends a new record.
type DelegationRecord struct {
	ParentStoryID string           `yaml:"parent_story_id"`
	ChildStoryID  string           `yaml:"child_story_id"`
	Depth         int              `yaml:"depth"`
	Status        DelegationStatus `yaml:"status"`
	CostUSD       float64          `yaml:"cost_usd"`
	TokensIn      int              `yaml:"tokens_in"`
	TokensOut     int              `yaml:"tokens_out"`
	DurationMs    int64            `yaml:"duration_ms"`
	Timestamp     string           `yaml:"timestamp"`
	Reason        *string          `yaml:"reason,omitempty"`
}
