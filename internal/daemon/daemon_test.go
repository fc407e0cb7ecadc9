package daemon

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjlgatech/epiloop/internal/model"
	"github.com/wjlgatech/epiloop/internal/uds"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "locks"), 0755))
	cfg := model.Config{}.Normalize()
	d := newDaemon(dir, cfg, io.Discard, nil)
	t.Cleanup(func() { d.ticker.Stop(); d.cancel() })
	return d
}

func mustRequest(t *testing.T, command string, params any) *uds.Request {
	t.Helper()
	req, err := uds.NewRequest(command, params)
	require.NoError(t, err)
	return req
}

func TestHandleSubmit(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleSubmit(mustRequest(t, "job_submit", submitParams{StoryFile: "stories.yaml", Priority: 4}))
	require.True(t, resp.Success, "error: %+v", resp.Error)

	var job model.Job
	require.NoError(t, json.Unmarshal(resp.Data, &job))
	assert.Equal(t, "stories.yaml", job.StoryFile)
	assert.Equal(t, model.JobPending, job.Status)
	assert.True(t, model.ValidateID(job.ID))
}

func TestHandleSubmit_RequiresStoryFile(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleSubmit(mustRequest(t, "job_submit", submitParams{}))
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)
}

func TestHandleLifecycle(t *testing.T) {
	d := newTestDaemon(t)

	job, err := d.queue.Submit("stories.yaml", 1)
	require.NoError(t, err)

	resp := d.handlePause(mustRequest(t, "job_pause", jobIDParams{JobID: job.ID}))
	require.True(t, resp.Success, "pause: %+v", resp.Error)

	resp = d.handleResume(mustRequest(t, "job_resume", jobIDParams{JobID: job.ID}))
	require.True(t, resp.Success, "resume: %+v", resp.Error)

	resp = d.handleCancel(mustRequest(t, "job_cancel", jobIDParams{JobID: job.ID, Reason: "test"}))
	require.True(t, resp.Success, "cancel: %+v", resp.Error)

	// Cancelling again is an invalid transition, not an internal error.
	resp = d.handleCancel(mustRequest(t, "job_cancel", jobIDParams{JobID: job.ID}))
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeInvalidTransition, resp.Error.Code)
}

func TestHandleCancel_UnknownJob(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleCancel(mustRequest(t, "job_cancel", jobIDParams{JobID: "job_0000000001_00000000"}))
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeNotFound, resp.Error.Code)
}

func TestHandleList(t *testing.T) {
	d := newTestDaemon(t)

	_, err := d.queue.Submit("a.yaml", 1)
	require.NoError(t, err)
	_, err = d.queue.Submit("b.yaml", 9)
	require.NoError(t, err)

	resp := d.handleList(mustRequest(t, "job_list", nil))
	require.True(t, resp.Success)

	var data struct {
		Jobs []model.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.Jobs, 2)
	assert.Equal(t, "b.yaml", data.Jobs[0].StoryFile)
}

func TestDispatch_RunsNextPendingJob(t *testing.T) {
	d := newTestDaemon(t)

	var mu sync.Mutex
	var ran []string
	done := make(chan struct{}, 4)
	d.SetJobRunner(func(_ context.Context, job model.Job, sessionID string) error {
		mu.Lock()
		ran = append(ran, job.StoryFile)
		mu.Unlock()
		assert.True(t, model.ValidateID(sessionID))
		done <- struct{}{}
		return nil
	})

	_, err := d.queue.Submit("stories.yaml", 1)
	require.NoError(t, err)

	d.dispatch()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}

	// The completion must be persisted.
	require.Eventually(t, func() bool {
		jobs, err := d.queue.List()
		return err == nil && len(jobs) == 1 && jobs[0].Status == model.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stories.yaml"}, ran)
}

func TestDispatch_FailureRecorded(t *testing.T) {
	d := newTestDaemon(t)

	d.SetJobRunner(func(context.Context, model.Job, string) error {
		return assert.AnError
	})

	job, err := d.queue.Submit("stories.yaml", 1)
	require.NoError(t, err)

	d.dispatch()
	require.Eventually(t, func() bool {
		got, err := d.queue.Get(job.ID)
		return err == nil && got.Status == model.JobFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := d.queue.Get(job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
}

func TestIngestDropIn(t *testing.T) {
	d := newTestDaemon(t)

	jobsDir := filepath.Join(d.epiloopDir, "jobs")
	require.NoError(t, os.MkdirAll(jobsDir, 0755))
	dropin := filepath.Join(jobsDir, "submit_me.yaml")
	require.NoError(t, os.WriteFile(dropin, []byte("story_file: dropped.yaml\npriority: 7\n"), 0644))

	d.ingestDropIn(dropin)

	jobs, err := d.queue.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "dropped.yaml", jobs[0].StoryFile)
	assert.Equal(t, 7, jobs[0].Priority)

	_, statErr := os.Stat(dropin)
	assert.True(t, os.IsNotExist(statErr), "drop-in file must be consumed")
}

func TestIngestDropIn_IgnoresQueueFile(t *testing.T) {
	d := newTestDaemon(t)

	_, err := d.queue.Submit("stories.yaml", 1)
	require.NoError(t, err)

	// Re-ingesting the queue document itself must not duplicate jobs.
	d.ingestDropIn(filepath.Join(d.epiloopDir, "jobs", "queue.yaml"))

	jobs, err := d.queue.List()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
