package model

// JobQueue is the on-disk daemon job queue (.epiloop/jobs/queue.yaml).
// Ordering is priority-descending, FIFO within a priority.
type JobQueue struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Jobs          []Job  `yaml:"jobs"`
}

// Job is one submitted run request: execute the given story graph file.
type Job struct {
	ID           string    `yaml:"id"`
	StoryFile    string    `yaml:"story_file"`
	Priority     int       `yaml:"priority"`
	Status       JobStatus `yaml:"status"`
	SessionID    *string   `yaml:"session_id"`
	LastError    *string   `yaml:"last_error"`
	CancelReason *string   `yaml:"cancel_reason,omitempty"`
	CreatedAt    string    `yaml:"created_at"`
	UpdatedAt    string    `yaml:"updated_at"`
}
