// Package orchestrator drives a session end to end: plan batches from
// the story graph, run each batch through the pool, write completion
// back, checkpoint every iteration, and recover crashed sessions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/wjlgatech/epiloop/internal/checkpoint"
	"github.com/wjlgatech/epiloop/internal/events"
	"github.com/wjlgatech/epiloop/internal/model"
	"github.com/wjlgatech/epiloop/internal/plan"
	"github.com/wjlgatech/epiloop/internal/pool"
	yamlutil "github.com/wjlgatech/epiloop/internal/yaml"
)

// ErrBatchFailed halts the run at a batch boundary. Completed work and
// its checkpoints stay valid and resumable.
var ErrBatchFailed = errors.New("batch failed")

// BatchRunner executes one batch. Satisfied by pool.Coordinator.
type BatchRunner interface {
	Run(ctx context.Context, batch []model.Story) (pool.BatchReport, error)
}

// Orchestrator owns the session control loop for one story graph file.
type Orchestrator struct {
	graphPath string
	runner    BatchRunner
	store     *checkpoint.Store
	metrics   checkpoint.MetricsSink
	bus       *events.Bus

	logger   *log.Logger
	logFile  io.Closer
	logLevel model.LogLevel
}

// New wires an orchestrator logging to .epiloop/logs/orchestrator.log.
func New(epiloopDir, graphPath string, runner BatchRunner, store *checkpoint.Store, metrics checkpoint.MetricsSink, bus *events.Bus, level model.LogLevel) (*Orchestrator, error) {
	logPath := filepath.Join(epiloopDir, "logs", "orchestrator.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open orchestrator log: %w", err)
	}
	o := newOrchestrator(graphPath, runner, store, metrics, bus, f, level)
	o.logFile = f
	return o, nil
}

func newOrchestrator(graphPath string, runner BatchRunner, store *checkpoint.Store, metrics checkpoint.MetricsSink, bus *events.Bus, w io.Writer, level model.LogLevel) *Orchestrator {
	return &Orchestrator{
		graphPath: graphPath,
		runner:    runner,
		store:     store,
		metrics:   metrics,
		bus:       bus,
		logger:    log.New(w, "", 0),
		logLevel:  level,
	}
}

// Close releases the log file handle.
func (o *Orchestrator) Close() error {
	if o.logFile != nil {
		return o.logFile.Close()
	}
	return nil
}

// Run executes the graph for a fresh session starting at iteration 0.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	return o.run(ctx, sessionID, 0)
}

// run is the batch loop shared by fresh runs and resumes.
func (o *Orchestrator) run(ctx context.Context, sessionID string, startIteration int) error {
	doc, err := o.loadGraph()
	if err != nil {
		return err
	}

	if err := o.store.BeginSession(sessionID); err != nil {
		return err
	}
	o.log(model.LogLevelInfo, "session_started session=%s stories=%d iteration=%d",
		sessionID, len(doc.Stories), startIteration)

	batches, err := plan.Batches(doc.Stories)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	iteration := startIteration
	for i, batchIDs := range batches {
		if err := ctx.Err(); err != nil {
			// Explicit shutdown is a clean exit, not a crash.
			o.log(model.LogLevelInfo, "session_interrupted session=%s batch=%d", sessionID, i)
			if merr := o.store.MarkCleanShutdown(sessionID); merr != nil {
				o.log(model.LogLevelError, "shutdown_marker_failed session=%s error=%v", sessionID, merr)
			}
			return err
		}

		batch := make([]model.Story, 0, len(batchIDs))
		for _, id := range batchIDs {
			story, err := doc.FindStory(id)
			if err != nil {
				return fmt.Errorf("planned story missing from graph: %w", err)
			}
			batch = append(batch, *story)
		}

		o.log(model.LogLevelInfo, "batch_started session=%s batch=%d stories=%d", sessionID, i, len(batch))
		report, err := o.runner.Run(ctx, batch)
		if err != nil {
			return fmt.Errorf("run batch %d: %w", i, err)
		}

		lastCompleted := ""
		for _, r := range report.Results {
			if r.Success {
				if err := doc.MarkComplete(r.StoryID); err != nil {
					return fmt.Errorf("record completion: %w", err)
				}
				lastCompleted = r.StoryID
			}
		}
		if err := o.saveGraph(doc); err != nil {
			return err
		}

		iteration++
		if err := o.saveCheckpoint(sessionID, lastCompleted, iteration, doc); err != nil {
			return err
		}
		o.recordBatch(report)

		if report.Failed {
			o.log(model.LogLevelWarn, "batch_failed session=%s batch=%d", sessionID, i)
			return fmt.Errorf("batch %d: %w", i, ErrBatchFailed)
		}
	}

	if err := o.store.MarkCleanShutdown(sessionID); err != nil {
		return fmt.Errorf("mark clean shutdown: %w", err)
	}
	o.log(model.LogLevelInfo, "session_completed session=%s iterations=%d", sessionID, iteration)
	return nil
}

// Resume resolves a crashed session and, on a resume choice, continues
// the batch loop from the recovered iteration under the same session.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, choice checkpoint.RecoveryChoice) error {
	outcome, err := o.store.Recover(sessionID, choice, o.metrics)
	if err != nil {
		return err
	}
	o.publish(events.EventRecovery, map[string]interface{}{
		"session_id": sessionID,
		"choice":     string(outcome.Choice),
	})

	if choice == checkpoint.ChoiceDiscard {
		o.log(model.LogLevelInfo, "session_discarded session=%s", sessionID)
		return nil
	}

	o.log(model.LogLevelInfo, "session_resumed session=%s iteration=%d", sessionID, outcome.Checkpoint.Iteration)
	return o.run(ctx, sessionID, outcome.Checkpoint.Iteration)
}

func (o *Orchestrator) saveCheckpoint(sessionID, storyID string, iteration int, doc *model.StoryFile) error {
	completed := make([]string, 0, len(doc.Stories))
	for _, s := range doc.Stories {
		if s.Complete {
			completed = append(completed, s.ID)
		}
	}
	if storyID == "" {
		// A wholly failed batch still checkpoints the attempt.
		storyID = "story_0000000000_00000000"
	}

	cp := model.Checkpoint{
		SessionID: sessionID,
		StoryID:   storyID,
		Iteration: iteration,
		GraphSnapshot: model.GraphSnapshot{
			TotalStories:     len(doc.Stories),
			CompletedStories: len(completed),
			CompletedIDs:     completed,
		},
	}
	if err := o.store.Save(cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	o.publish(events.EventCheckpointSaved, map[string]interface{}{
		"session_id": sessionID,
		"iteration":  iteration,
	})
	if o.metrics != nil {
		o.updateMetrics(func(m *model.Metrics) { m.Counters.CheckpointsWritten++ })
	}
	return nil
}

func (o *Orchestrator) recordBatch(report pool.BatchReport) {
	if o.metrics == nil {
		return
	}
	o.updateMetrics(func(m *model.Metrics) {
		m.Counters.BatchesCompleted++
		for _, r := range report.Results {
			if r.Success {
				m.Counters.StoriesCompleted++
				continue
			}
			m.Counters.WorkersFailed++
			if r.ExitCode == model.ExitTimeout {
				m.Counters.WorkerTimeouts++
			}
		}
	})
}

func (o *Orchestrator) updateMetrics(mutate func(*model.Metrics)) {
	if err := o.metrics.Update(mutate); err != nil {
		o.log(model.LogLevelWarn, "metrics_write_failed error=%v", err)
	}
}

func (o *Orchestrator) loadGraph() (*model.StoryFile, error) {
	if err := yamlutil.ValidateSchemaHeader(o.graphPath, "story_graph"); err != nil {
		return nil, fmt.Errorf("story graph header: %w", err)
	}
	var doc model.StoryFile
	if err := yamlutil.ReadInto(o.graphPath, &doc); err != nil {
		return nil, fmt.Errorf("load story graph: %w", err)
	}
	return &doc, nil
}

func (o *Orchestrator) saveGraph(doc *model.StoryFile) error {
	doc.SchemaVersion = yamlutil.CurrentSchemaVersion
	doc.FileType = "story_graph"
	if err := yamlutil.AtomicWrite(o.graphPath, doc); err != nil {
		return fmt.Errorf("write story graph: %w", err)
	}
	return nil
}

func (o *Orchestrator) publish(eventType events.EventType, data map[string]interface{}) {
	if o.bus != nil {
		o.bus.Publish(eventType, data)
	}
}

func (o *Orchestrator) log(level model.LogLevel, format string, args ...any) {
	if level < o.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	o.logger.Printf("%s %s orchestrator: %s", time.Now().Format(time.RFC3339), level, msg)
}
