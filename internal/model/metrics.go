package model

type Metrics struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	Counters      MetricsCounters `yaml:"counters"`
	Recovery      RecoveryMetrics `yaml:"recovery"`
	UpdatedAt     *string         `yaml:"updated_at"`
}

type MetricsCounters struct {
	BatchesCompleted    int `yaml:"batches_completed"`
	StoriesCompleted    int `yaml:"stories_completed"`
	WorkersFailed       int `yaml:"workers_failed"`
	WorkerTimeouts      int `yaml:"worker_timeouts"`
	DelegationsAccepted int `yaml:"delegations_accepted"`
	DelegationsRejected int `yaml:"delegations_rejected"`
	CheckpointsWritten  int `yaml:"checkpoints_written"`
	CheckpointFallbacks int `yaml:"checkpoint_fallbacks"`
}

type RecoveryMetrics struct {
	CrashesDetected        int  `yaml:"crashes_detected"`
	Resumes                int  `yaml:"resumes"`
	Discards               int  `yaml:"discards"`
	LastRecoveredIteration *int `yaml:"last_recovered_iteration"`
}
