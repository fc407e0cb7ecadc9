// Package daemon runs the background job intake: a persisted priority
// queue of run requests, a UDS control surface, and filesystem
// watching for drop-in submissions.
package daemon

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/wjlgatech/epiloop/internal/lock"
	"github.com/wjlgatech/epiloop/internal/model"
	yamlutil "github.com/wjlgatech/epiloop/internal/yaml"
)

// ErrJobNotFound is returned by queue operations on unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

const queueLockKey = "job_queue"

// Queue is the durable daemon job queue at .epiloop/jobs/queue.yaml.
// A restarted daemon resumes exactly the persisted queue. Ordering is
// priority-descending, FIFO within one priority.
type Queue struct {
	path     string
	lockMap  *lock.MutexMap
	logger   *log.Logger
	logLevel model.LogLevel
}

func NewQueue(epiloopDir string, lockMap *lock.MutexMap, logger *log.Logger, level model.LogLevel) *Queue {
	return &Queue{
		path:     filepath.Join(epiloopDir, "jobs", "queue.yaml"),
		lockMap:  lockMap,
		logger:   logger,
		logLevel: level,
	}
}

// Submit appends a pending job for the given story graph file.
func (q *Queue) Submit(storyFile string, priority int) (model.Job, error) {
	id, err := model.GenerateID(model.IDTypeJob)
	if err != nil {
		return model.Job{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	job := model.Job{
		ID:        id,
		StoryFile: storyFile,
		Priority:  priority,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = q.mutate(func(doc *model.JobQueue) error {
		doc.Jobs = append(doc.Jobs, job)
		return nil
	})
	if err != nil {
		return model.Job{}, err
	}

	q.log(model.LogLevelInfo, "job_submitted id=%s story_file=%s priority=%d", id, storyFile, priority)
	return job, nil
}

// Cancel moves a job to cancelled. Valid from pending, paused, and
// in_progress; in-flight work is signalled by the dispatcher, not here.
func (q *Queue) Cancel(jobID, reason string) error {
	err := q.transition(jobID, model.JobCancelled, func(j *model.Job) {
		if reason != "" {
			j.CancelReason = &reason
		}
	})
	if err != nil {
		return err
	}
	q.log(model.LogLevelInfo, "job_cancelled id=%s reason=%q", jobID, reason)
	return nil
}

// Pause holds a pending job back from dispatch.
func (q *Queue) Pause(jobID string) error {
	if err := q.transition(jobID, model.JobPaused, nil); err != nil {
		return err
	}
	q.log(model.LogLevelInfo, "job_paused id=%s", jobID)
	return nil
}

// Resume returns a paused job to pending.
func (q *Queue) Resume(jobID string) error {
	if err := q.transition(jobID, model.JobPending, nil); err != nil {
		return err
	}
	q.log(model.LogLevelInfo, "job_resumed id=%s", jobID)
	return nil
}

// MarkInProgress claims a job for a session.
func (q *Queue) MarkInProgress(jobID, sessionID string) error {
	return q.transition(jobID, model.JobInProgress, func(j *model.Job) {
		j.SessionID = &sessionID
	})
}

// MarkCompleted records a successful run.
func (q *Queue) MarkCompleted(jobID string) error {
	return q.transition(jobID, model.JobCompleted, nil)
}

// MarkFailed records a failed run with its error.
func (q *Queue) MarkFailed(jobID, errMsg string) error {
	return q.transition(jobID, model.JobFailed, func(j *model.Job) {
		j.LastError = &errMsg
	})
}

// List returns all jobs in dispatch order: priority descending, then
// submission order within one priority.
func (q *Queue) List() ([]model.Job, error) {
	q.lockMap.Lock(queueLockKey)
	defer q.lockMap.Unlock(queueLockKey)

	doc, err := q.loadLocked()
	if err != nil {
		return nil, err
	}
	jobs := append([]model.Job{}, doc.Jobs...)
	// Jobs are stored in submission order, so a stable sort preserves
	// FIFO within a priority.
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Priority > jobs[j].Priority
	})
	return jobs, nil
}

// Next returns the highest-priority pending job, if any.
func (q *Queue) Next() (model.Job, bool, error) {
	jobs, err := q.List()
	if err != nil {
		return model.Job{}, false, err
	}
	for _, j := range jobs {
		if j.Status == model.JobPending {
			return j, true, nil
		}
	}
	return model.Job{}, false, nil
}

// Get returns one job by ID.
func (q *Queue) Get(jobID string) (model.Job, error) {
	jobs, err := q.List()
	if err != nil {
		return model.Job{}, err
	}
	for _, j := range jobs {
		if j.ID == jobID {
			return j, nil
		}
	}
	return model.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// transition applies a validated status change plus an optional extra
// mutation under the queue lock.
func (q *Queue) transition(jobID string, to model.JobStatus, extra func(*model.Job)) error {
	return q.mutate(func(doc *model.JobQueue) error {
		for i := range doc.Jobs {
			if doc.Jobs[i].ID != jobID {
				continue
			}
			if err := model.ValidateJobTransition(doc.Jobs[i].Status, to); err != nil {
				return err
			}
			doc.Jobs[i].Status = to
			doc.Jobs[i].UpdatedAt = time.Now().UTC().Format(time.RFC3339)
			if extra != nil {
				extra(&doc.Jobs[i])
			}
			return nil
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	})
}

// mutate loads the queue document, applies fn, and writes it back
// atomically, all under the queue lock.
func (q *Queue) mutate(fn func(*model.JobQueue) error) error {
	q.lockMap.Lock(queueLockKey)
	defer q.lockMap.Unlock(queueLockKey)

	doc, err := q.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}
	if err := yamlutil.AtomicWrite(q.path, doc); err != nil {
		return fmt.Errorf("write job queue: %w", err)
	}
	return nil
}

func (q *Queue) loadLocked() (*model.JobQueue, error) {
	doc := &model.JobQueue{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "job_queue",
	}
	if _, err := os.Stat(q.path); os.IsNotExist(err) {
		return doc, nil
	}
	if err := yamlutil.ValidateSchemaHeader(q.path, "job_queue"); err != nil {
		return nil, fmt.Errorf("job queue header: %w", err)
	}
	if err := yamlutil.ReadInto(q.path, doc); err != nil {
		return nil, fmt.Errorf("load job queue: %w", err)
	}
	return doc, nil
}

func (q *Queue) log(level model.LogLevel, format string, args ...any) {
	if level < q.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	q.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
