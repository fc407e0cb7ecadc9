package plan

import (
	"fmt"
	"strings"

	"github.com/wjlgatech/epiloop/internal/model"
)

// ValidationErrors collects field-level validation failures.
type ValidationErrors struct {
	Errors []string
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors = append(v.Errors, fmt.Sprintf("%s: %s", field, message))
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return strings.Join(v.Errors, "; ")
}

// Validate checks the story set for structural problems the planner
// cannot tolerate: duplicate IDs, self-references, and dependencies on
// unknown stories.
func Validate(stories []model.Story) error {
	errs := &ValidationErrors{}

	ids := make(map[string]bool, len(stories))
	for _, s := range stories {
		if s.ID == "" {
			errs.Add("stories", "story with empty id")
			continue
		}
		if ids[s.ID] {
			errs.Add(s.ID, "duplicate story id")
		}
		ids[s.ID] = true
	}

	for _, s := range stories {
		for i, dep := range s.Dependencies {
			if dep == s.ID {
				errs.Add(fmt.Sprintf("%s.dependencies[%d]", s.ID, i), "self-reference is not allowed")
			} else if !ids[dep] {
				errs.Add(fmt.Sprintf("%s.dependencies[%d]", s.ID, i),
					fmt.Sprintf("references unknown story %q", dep))
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
