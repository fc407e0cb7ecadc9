package worker

import (
	"fmt"
	"strings"

	"github.com/wjlgatech/epiloop/internal/model"
)

// Completion markers the agent is instructed to emit on its own line.
const (
	markerComplete = "TASK_COMPLETE"
	markerFailed   = "TASK_FAILED"
)

// BuildPrompt renders the task-scoped prompt for one story. It carries
// only this story's description, acceptance criteria, and file scope,
// never the full graph.
func BuildPrompt(story model.Story) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", story.ID)
	fmt.Fprintf(&b, "%s\n", strings.TrimSpace(story.Description))

	if len(story.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n")
		for _, c := range story.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if len(story.FileScope) > 0 {
		b.WriteString("\n## File scope\n")
		b.WriteString("Only modify files matching:\n")
		for _, f := range story.FileScope {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	b.WriteString("\n## Completion protocol\n")
	fmt.Fprintf(&b, "When every acceptance criterion is satisfied, print %s on its own line.\n", markerComplete)
	fmt.Fprintf(&b, "If the task cannot be completed, print %s on its own line and explain why.\n", markerFailed)

	return b.String()
}
