package worker

import "strings"

// DetectOutcome decides whether an agent run satisfied its task. A
// structured action verdict wins when present; otherwise only a line
// consisting exactly of a completion marker counts. Incidental "error"
// text in the output never flips the verdict.
func DetectOutcome(action, content string) (success bool, reason string) {
	switch action {
	case "complete":
		return true, "agent reported action=complete"
	case "failed":
		return false, "agent reported action=failed"
	}

	for _, raw := range strings.Split(content, "\n") {
		switch strings.TrimSpace(raw) {
		case markerComplete:
			return true, "completion marker found"
		case markerFailed:
			return false, "failure marker found"
		}
	}

	return false, "no completion marker in agent output"
}
