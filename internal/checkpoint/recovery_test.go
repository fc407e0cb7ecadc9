package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjlgatech/epiloop/internal/model"
)

type memMetrics struct {
	m model.Metrics
}

func (s *memMetrics) Update(mutate func(*model.Metrics)) error {
	mutate(&s.m)
	return nil
}

func TestDetectCrash_MarkerAbsent(t *testing.T) {
	s := newTestStore(t, 3)
	session := "sess_0000000002_0000aaaa"

	// Unknown session: nothing on disk, nothing to recover.
	assert.False(t, s.DetectCrash(session))

	require.NoError(t, s.BeginSession(session))
	assert.True(t, s.DetectCrash(session), "session without marker must read as crashed")
	assert.Equal(t, model.SessionCrashed, s.SessionState(session))

	require.NoError(t, s.MarkCleanShutdown(session))
	assert.False(t, s.DetectCrash(session))
	assert.Equal(t, model.SessionCleanShutdown, s.SessionState(session))
}

func TestBeginSession_ClearsStaleMarker(t *testing.T) {
	s := newTestStore(t, 3)
	session := "sess_0000000002_0000bbbb"

	require.NoError(t, s.BeginSession(session))
	require.NoError(t, s.MarkCleanShutdown(session))

	// A new run of the same session is active again.
	require.NoError(t, s.BeginSession(session))
	assert.Equal(t, model.SessionCrashed, s.SessionState(session))
}

func TestRecover_Resume(t *testing.T) {
	s := newTestStore(t, 3)
	session := "sess_0000000002_0000cccc"
	metrics := &memMetrics{}

	require.NoError(t, s.BeginSession(session))
	require.NoError(t, s.Save(checkpointFor(session, 4)))

	outcome, err := s.Recover(session, ChoiceResume, metrics)
	require.NoError(t, err)
	require.NotNil(t, outcome.Checkpoint)
	assert.Equal(t, 4, outcome.Checkpoint.Iteration)

	assert.Equal(t, 1, metrics.m.Recovery.CrashesDetected)
	assert.Equal(t, 1, metrics.m.Recovery.Resumes)
	require.NotNil(t, metrics.m.Recovery.LastRecoveredIteration)
	assert.Equal(t, 4, *metrics.m.Recovery.LastRecoveredIteration)
}

func TestRecover_Discard(t *testing.T) {
	s := newTestStore(t, 3)
	session := "sess_0000000002_0000dddd"
	metrics := &memMetrics{}

	require.NoError(t, s.BeginSession(session))
	require.NoError(t, s.Save(checkpointFor(session, 2)))

	outcome, err := s.Recover(session, ChoiceDiscard, metrics)
	require.NoError(t, err)
	assert.Nil(t, outcome.Checkpoint)

	// Discard closes the session so a second startup sees no crash.
	assert.False(t, s.DetectCrash(session))
	assert.Equal(t, 1, metrics.m.Recovery.Discards)

	_, err = s.Recover(session, ChoiceDiscard, metrics)
	assert.Error(t, err, "recovering a non-crashed session must fail")
}

func TestRecover_RequiresCrash(t *testing.T) {
	s := newTestStore(t, 3)
	session := "sess_0000000002_0000eeee"

	require.NoError(t, s.BeginSession(session))
	require.NoError(t, s.MarkCleanShutdown(session))

	_, err := s.Recover(session, ChoiceResume, nil)
	assert.Error(t, err)
}
