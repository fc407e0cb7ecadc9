package status

import (
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/wjlgatech/epiloop/internal/checkpoint"
	"github.com/wjlgatech/epiloop/internal/daemon"
	"github.com/wjlgatech/epiloop/internal/lock"
	"github.com/wjlgatech/epiloop/internal/model"
	"github.com/wjlgatech/epiloop/internal/uds"
)

// SessionInfo pairs a session with its crash-recovery state.
type SessionInfo struct {
	ID    string
	State model.SessionState
}

// Report is one point-in-time view of the workspace.
type Report struct {
	DaemonRunning bool
	DaemonPID     int
	Jobs          []model.Job
	Sessions      []SessionInfo
	Metrics       model.Metrics
}

// Collect gathers daemon liveness, queue contents, session states, and
// run metrics from the workspace.
func Collect(epiloopDir string, cfg model.Config) (Report, error) {
	var report Report

	client := uds.NewClient(filepath.Join(epiloopDir, uds.DefaultSocketName))
	report.DaemonRunning = client.Ping()
	if report.DaemonRunning {
		report.DaemonPID = lock.NewFileLock(filepath.Join(epiloopDir, "locks", "daemon.lock")).OwnerPID()
	}

	lockMap := lock.NewMutexMap()
	queue := daemon.NewQueue(epiloopDir, lockMap, log.New(io.Discard, "", 0), model.LogLevelError)
	jobs, err := queue.List()
	if err != nil {
		return report, fmt.Errorf("read job queue: %w", err)
	}
	report.Jobs = jobs

	store, err := checkpoint.NewStore(epiloopDir, cfg.Checkpoint, model.LogLevelError)
	if err != nil {
		return report, fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	sessions, err := store.Sessions()
	if err != nil {
		return report, fmt.Errorf("list sessions: %w", err)
	}
	for _, id := range sessions {
		report.Sessions = append(report.Sessions, SessionInfo{ID: id, State: store.SessionState(id)})
	}

	metrics, err := NewFileMetrics(epiloopDir, lockMap).Load()
	if err != nil {
		return report, fmt.Errorf("load metrics: %w", err)
	}
	report.Metrics = metrics

	return report, nil
}

// Render writes the report as the status command's plain-text output.
func (r Report) Render(w io.Writer) {
	if r.DaemonRunning {
		if r.DaemonPID > 0 {
			fmt.Fprintf(w, "daemon: running (pid %d)\n", r.DaemonPID)
		} else {
			fmt.Fprintln(w, "daemon: running")
		}
	} else {
		fmt.Fprintln(w, "daemon: stopped")
	}

	fmt.Fprintf(w, "jobs: %d\n", len(r.Jobs))
	for _, j := range r.Jobs {
		fmt.Fprintf(w, "  %s  priority=%d  status=%s  %s\n", j.ID, j.Priority, j.Status, j.StoryFile)
	}

	fmt.Fprintf(w, "sessions: %d\n", len(r.Sessions))
	for _, s := range r.Sessions {
		fmt.Fprintf(w, "  %s  %s\n", s.ID, s.State)
	}

	c := r.Metrics.Counters
	fmt.Fprintf(w, "batches completed: %d\n", c.BatchesCompleted)
	fmt.Fprintf(w, "stories completed: %d\n", c.StoriesCompleted)
	fmt.Fprintf(w, "workers failed: %d (timeouts: %d)\n", c.WorkersFailed, c.WorkerTimeouts)
	fmt.Fprintf(w, "delegations: %d accepted, %d rejected\n", c.DelegationsAccepted, c.DelegationsRejected)
	fmt.Fprintf(w, "checkpoints written: %d (fallbacks: %d)\n", c.CheckpointsWritten, c.CheckpointFallbacks)

	rec := r.Metrics.Recovery
	if rec.CrashesDetected > 0 {
		fmt.Fprintf(w, "recoveries: %d crashes, %d resumed, %d discarded\n",
			rec.CrashesDetected, rec.Resumes, rec.Discards)
		if rec.LastRecoveredIteration != nil {
			fmt.Fprintf(w, "last recovered iteration: %d\n", *rec.LastRecoveredIteration)
		}
	}
}
