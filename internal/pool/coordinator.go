// Package pool runs a batch of stories through a bounded set of
// concurrent workers with channel-based completion and periodic
// progress reporting.
package pool

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/wjlgatech/epiloop/internal/events"
	"github.com/wjlgatech/epiloop/internal/model"
	"github.com/wjlgatech/epiloop/internal/registry"
	"github.com/wjlgatech/epiloop/internal/worker"
)

// Runner executes one story. Satisfied by worker.Executor.
type Runner interface {
	Run(ctx context.Context, story model.Story, opts worker.Options) model.WorkerResult
}

// RootRegistrar assigns execution identity to top-level workers.
// Satisfied by delegate.Tracker.
type RootRegistrar interface {
	RegisterRoot(storyID string) (string, error)
}

// BatchReport is the coordinator's terminal output for one batch.
type BatchReport struct {
	Results    []model.WorkerResult
	Failed     bool
	DurationMs int64
}

// Progress is the payload of a periodic progress tick.
type Progress struct {
	Completed int
	Running   int
	Pending   int
	Elapsed   time.Duration
}

// Coordinator bounds worker concurrency for one batch at a time.
type Coordinator struct {
	maxWorkers       int
	progressInterval time.Duration
	runner           Runner
	roots            RootRegistrar
	bus              *events.Bus

	registry  registry.Store
	sessionID string

	logger   *log.Logger
	logFile  io.Closer
	logLevel model.LogLevel
}

// NewCoordinator wires a coordinator logging to .epiloop/logs/pool.log.
func NewCoordinator(epiloopDir string, cfg model.WorkersConfig, runner Runner, roots RootRegistrar, bus *events.Bus, level model.LogLevel) (*Coordinator, error) {
	logPath := filepath.Join(epiloopDir, "logs", "pool.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pool log: %w", err)
	}
	c := newCoordinator(cfg, runner, roots, bus, f, level)
	c.logFile = f
	return c, nil
}

func newCoordinator(cfg model.WorkersConfig, runner Runner, roots RootRegistrar, bus *events.Bus, w io.Writer, level model.LogLevel) *Coordinator {
	return &Coordinator{
		maxWorkers:       cfg.Max,
		progressInterval: time.Duration(cfg.ProgressIntervalSec) * time.Second,
		runner:           runner,
		roots:            roots,
		bus:              bus,
		logger:           log.New(w, "", 0),
		logLevel:         level,
	}
}

// SetRegistry publishes the active-worker set to the shared
// coordination registry for the given session. Must be called before
// Run.
func (c *Coordinator) SetRegistry(store registry.Store, sessionID string) {
	c.registry = store
	c.sessionID = sessionID
}

// Close releases the log file handle.
func (c *Coordinator) Close() error {
	if c.logFile != nil {
		return c.logFile.Close()
	}
	return nil
}

// Run executes every story in the batch. At most maxWorkers run at
// once; a freed slot is backfilled immediately. A failed story never
// interrupts in-flight siblings, but the report marks the batch
// failed. Run returns once every story has a recorded result.
func (c *Coordinator) Run(ctx context.Context, batch []model.Story) (BatchReport, error) {
	start := time.Now()
	report := BatchReport{}

	if len(batch) == 0 {
		return report, nil
	}

	done := make(chan model.WorkerResult, len(batch))
	pending := append([]model.Story{}, batch...)
	running := 0
	completed := 0

	launch := func() {
		story := pending[0]
		pending = pending[1:]
		running++

		execID := ""
		depth := 0
		if c.roots != nil {
			id, err := c.roots.RegisterRoot(story.ID)
			if err != nil {
				c.log(model.LogLevelWarn, "register_root_failed story=%s error=%v", story.ID, err)
			} else {
				execID = id
			}
		}

		c.log(model.LogLevelInfo, "worker_launched story=%s active=%d", story.ID, running)
		c.publish(events.EventWorkerStarted, map[string]interface{}{"story_id": story.ID})
		if c.registry != nil {
			if _, err := c.registry.CompareAndSwap(registry.ActiveWorkerKey(c.sessionID, story.ID), "running", 0); err != nil {
				c.log(model.LogLevelWarn, "registry_claim_failed story=%s error=%v", story.ID, err)
			}
		}

		go func() {
			done <- c.runner.Run(ctx, story, worker.Options{ExecutionID: execID, Depth: depth})
		}()
	}

	for running < c.maxWorkers && len(pending) > 0 {
		launch()
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	if c.progressInterval > 0 {
		ticker = time.NewTicker(c.progressInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for completed < len(batch) {
		select {
		case result := <-done:
			running--
			completed++
			report.Results = append(report.Results, result)
			if !result.Success {
				report.Failed = true
			}

			if c.registry != nil {
				c.registry.Delete(registry.ActiveWorkerKey(c.sessionID, result.StoryID))
			}
			c.log(model.LogLevelInfo, "worker_done story=%s success=%v completed=%d/%d",
				result.StoryID, result.Success, completed, len(batch))
			c.publish(events.EventWorkerCompleted, map[string]interface{}{
				"story_id": result.StoryID,
				"success":  result.Success,
			})

			if len(pending) > 0 {
				launch()
			}

		case <-tick:
			c.publishProgress(completed, running, len(pending), time.Since(start))
		}
	}

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].StoryID < report.Results[j].StoryID
	})
	report.DurationMs = time.Since(start).Milliseconds()

	c.log(model.LogLevelInfo, "batch_finished stories=%d failed=%v duration_ms=%d",
		len(batch), report.Failed, report.DurationMs)
	c.publish(events.EventBatchFinished, map[string]interface{}{
		"stories": len(batch),
		"failed":  report.Failed,
	})
	return report, nil
}

func (c *Coordinator) publishProgress(completed, running, pending int, elapsed time.Duration) {
	c.log(model.LogLevelDebug, "progress completed=%d running=%d pending=%d elapsed=%s",
		completed, running, pending, elapsed.Round(time.Second))
	c.publish(events.EventBatchProgress, map[string]interface{}{
		"completed": completed,
		"running":   running,
		"pending":   pending,
		"elapsed":   elapsed.String(),
	})
}

func (c *Coordinator) publish(eventType events.EventType, data map[string]interface{}) {
	if c.bus != nil {
		c.bus.Publish(eventType, data)
	}
}

func (c *Coordinator) log(level model.LogLevel, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s pool: %s", time.Now().Format(time.RFC3339), level, msg)
}
