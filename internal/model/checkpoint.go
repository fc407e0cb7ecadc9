package model

// CheckpointSchemaVersion is the only checkpoint schema this build
// reads or writes. Checkpoints carry a string version (unlike the
// integer schema_version header on other documents) so that minor
// revisions can be expressed without a migration.
const CheckpointSchemaVersion = "1.0"

// Checkpoint is a durable snapshot of execution progress, sufficient to
// resume a session after process termination. Immutable once written.
type Checkpoint struct {
	SchemaVersion string        `yaml:"schema_version"`
	FileType      string        `yaml:"file_type"`
	SessionID     string        `yaml:"session_id"`
	StoryID       string        `yaml:"story_id"`
	Iteration     int           `yaml:"iteration"`
	Timestamp     string        `yaml:"timestamp"`
	GraphSnapshot GraphSnapshot `yaml:"graph_snapshot"`
}

// GraphSnapshot is a compact summary of the story graph at checkpoint
// time, not the full graph.
type GraphSnapshot struct {
	TotalStories     int      `yaml:"total_stories"`
	CompletedStories int      `yaml:"completed_stories"`
	CompletedIDs     []string `yaml:"completed_ids"`
}
