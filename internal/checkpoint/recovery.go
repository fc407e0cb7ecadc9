package checkpoint

import (
	"fmt"

	"github.com/wjlgatech/epiloop/internal/model"
)

// RecoveryChoice is the resume-vs-discard decision, made by a human in
// interactive runs and by policy in non-interactive ones.
type RecoveryChoice string

const (
	ChoiceResume  RecoveryChoice = "resume"
	ChoiceDiscard RecoveryChoice = "discard"
)

// MetricsSink records recovery metrics. Implemented by the status
// package's file-backed metrics store.
type MetricsSink interface {
	Update(mutate func(*model.Metrics)) error
}

// RecoveryOutcome reports what recovery did for one crashed session.
type RecoveryOutcome struct {
	SessionID  string
	Choice     RecoveryChoice
	Checkpoint *model.Checkpoint // nil on discard or failed restore
	Fallbacks  int
}

// Recover applies the chosen recovery path for a crashed session.
// Resume restores the newest valid checkpoint via the fallback chain;
// discard leaves the checkpoints on disk but marks the session closed
// so it no longer reads as crashed. The choice and recovered iteration
// are recorded as metrics.
func (s *Store) Recover(sessionID string, choice RecoveryChoice, metrics MetricsSink) (RecoveryOutcome, error) {
	if !s.DetectCrash(sessionID) {
		return RecoveryOutcome{}, fmt.Errorf("session %s did not crash", sessionID)
	}

	outcome := RecoveryOutcome{SessionID: sessionID, Choice: choice}

	switch choice {
	case ChoiceResume:
		cp, fallbacks, err := s.Restore(sessionID)
		outcome.Fallbacks = fallbacks
		if err != nil {
			s.recordRecovery(metrics, outcome, fallbacks)
			return outcome, fmt.Errorf("resume: %w", err)
		}
		outcome.Checkpoint = &cp
		s.log(model.LogLevelInfo, "recovery_resume session=%s iteration=%d fallbacks=%d",
			sessionID, cp.Iteration, fallbacks)

	case ChoiceDiscard:
		if err := s.MarkCleanShutdown(sessionID); err != nil {
			return outcome, fmt.Errorf("discard: %w", err)
		}
		s.log(model.LogLevelInfo, "recovery_discard session=%s", sessionID)

	default:
		return outcome, fmt.Errorf("unknown recovery choice %q", choice)
	}

	s.recordRecovery(metrics, outcome, outcome.Fallbacks)
	return outcome, nil
}

func (s *Store) recordRecovery(metrics MetricsSink, outcome RecoveryOutcome, fallbacks int) {
	if metrics == nil {
		return
	}
	err := metrics.Update(func(m *model.Metrics) {
		m.Recovery.CrashesDetected++
		m.Counters.CheckpointFallbacks += fallbacks
		switch outcome.Choice {
		case ChoiceResume:
			if outcome.Checkpoint != nil {
				m.Recovery.Resumes++
				iter := outcome.Checkpoint.Iteration
				m.Recovery.LastRecoveredIteration = &iter
			}
		case ChoiceDiscard:
			m.Recovery.Discards++
		}
	})
	if err != nil {
		s.log(model.LogLevelWarn, "recovery_metrics_write_failed session=%s error=%v", outcome.SessionID, err)
	}
}
