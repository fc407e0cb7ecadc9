// Package setup handles epiloop workspace initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wjlgatech/epiloop/internal/model"
	yamlutil "github.com/wjlgatech/epiloop/internal/yaml"
)

const epiloopDir = ".epiloop"

// Run initializes the .epiloop/ workspace in the given project
// directory. projectName defaults to the directory basename.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, epiloopDir)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"jobs",
		"state",
		"sessions",
		"sandboxes",
		"locks",
		"logs",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := writeConfig(base, absDir, projectName); err != nil {
		return err
	}
	if err := writeStarterGraph(filepath.Join(absDir, "stories.yaml")); err != nil {
		return err
	}

	queue := model.JobQueue{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "job_queue",
		Jobs:          []model.Job{},
	}
	if err := yamlutil.AtomicWrite(filepath.Join(base, "jobs", "queue.yaml"), queue); err != nil {
		return fmt.Errorf("write queue.yaml: %w", err)
	}

	metrics := model.Metrics{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "state_metrics",
	}
	if err := yamlutil.AtomicWrite(filepath.Join(base, "state", "metrics.yaml"), metrics); err != nil {
		return fmt.Errorf("write metrics.yaml: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

// configFile adds workspace provenance on top of the runtime config.
type configFile struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Created       string `yaml:"created"`
	model.Config  `yaml:",inline"`
}

func writeConfig(base, projectDir, projectName string) error {
	cfg := model.Config{}.Normalize()
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Root = projectDir

	doc := configFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "config",
		Created:       time.Now().Format(time.RFC3339),
		Config:        cfg,
	}
	if err := yamlutil.AtomicWrite(filepath.Join(base, "config.yaml"), doc); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// writeStarterGraph creates an empty story graph next to the workspace
// unless one already exists.
func writeStarterGraph(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	doc := model.StoryFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "story_graph",
		Stories:       []model.Story{},
	}
	if err := yamlutil.AtomicWrite(path, doc); err != nil {
		return fmt.Errorf("write stories.yaml: %w", err)
	}
	return nil
}

// LoadConfig reads .epiloop/config.yaml with defaults applied.
func LoadConfig(base string) (model.Config, error) {
	path := filepath.Join(base, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return model.Config{}.Normalize(), nil
	}
	if err := yamlutil.ValidateSchemaHeader(path, "config"); err != nil {
		return model.Config{}, fmt.Errorf("config header: %w", err)
	}
	var doc configFile
	if err := yamlutil.ReadInto(path, &doc); err != nil {
		return model.Config{}, fmt.Errorf("load config: %w", err)
	}
	return doc.Config.Normalize(), nil
}
