// Package model defines the data structures for epiloop's configuration,
// story graph, execution state, and on-disk documents.
package model

import "fmt"

// StoryFile is the on-disk story graph document (.epiloop/stories.yaml).
type StoryFile struct {
	SchemaVersion int     `yaml:"schema_version"`
	FileType      string  `yaml:"file_type"`
	Stories       []Story `yaml:"stories"`
}

// Story is one unit of schedulable work. The orchestrator is the only
// writer of Complete; stories are never deleted.
type Story struct {
	ID                 string   `yaml:"id"`
	Description        string   `yaml:"description"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	FileScope          []string `yaml:"file_scope,omitempty"`
	Dependencies       []string `yaml:"dependencies,omitempty"`
	Complete           bool     `yaml:"complete"`
}

// FindStory returns the story with the given ID, or an error if absent.
func (f *StoryFile) FindStory(id string) (*Story, error) {
	for i := range f.Stories {
		if f.Stories[i].ID == id {
			return &f.Stories[i], nil
		}
	}
	return nil, fmt.Errorf("story %q not found", id)
}

// MarkComplete sets Complete on the story with the given ID.
func (f *StoryFile) MarkComplete(id string) error {
	s, err := f.FindStory(id)
	if err != nil {
		return err
	}
	s.Complete = true
	return nil
}

// Incomplete returns the stories whose Complete flag is still false.
func (f *StoryFile) Incomplete() []Story {
	var out []Story
	for _, s := range f.Stories {
		if !s.Complete {
			out = append(out, s)
		}
	}
	return out
}
