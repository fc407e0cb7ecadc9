package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/wjlgatech/epiloop/internal/lock"
	"github.com/wjlgatech/epiloop/internal/model"
	"github.com/wjlgatech/epiloop/internal/uds"
)

// JobRunner executes one claimed job to completion. Wired by the CLI
// entrypoint so the daemon does not depend on the orchestrator.
type JobRunner func(ctx context.Context, job model.Job, sessionID string) error

// submission is the drop-in job file format accepted in .epiloop/jobs/.
type submission struct {
	StoryFile string `yaml:"story_file"`
	Priority  int    `yaml:"priority"`
}

// Daemon is the background epiloop process: singleton via file lock,
// UDS control surface, fsnotify plus ticker driven job intake.
type Daemon struct {
	epiloopDir string
	config     model.Config
	logLevel   model.LogLevel
	logger     *log.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker
	queue    *Queue
	lockMap  *lock.MutexMap
	runner   JobRunner

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	dispatching atomic.Bool
}

// New creates a daemon logging to .epiloop/logs/daemon.log.
func New(epiloopDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(epiloopDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(epiloopDir, cfg, logFile, logFile), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(epiloopDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	logger := log.New(w, "", 0)
	level := model.ParseLogLevel(cfg.Logging.Level)
	lockMap := lock.NewMutexMap()

	return &Daemon{
		epiloopDir: epiloopDir,
		config:     cfg,
		logLevel:   level,
		logger:     logger,
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(epiloopDir, "locks", "daemon.lock")),
		server:     uds.NewServer(filepath.Join(epiloopDir, uds.DefaultSocketName)),
		ticker:     time.NewTicker(time.Duration(cfg.Daemon.ScanIntervalSec) * time.Second),
		queue:      NewQueue(epiloopDir, lockMap, logger, level),
		lockMap:    lockMap,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetJobRunner wires job execution. Must be called before Run.
func (d *Daemon) SetJobRunner(r JobRunner) {
	d.runner = r
}

// Queue exposes the job queue for in-process callers.
func (d *Daemon) Queue() *Queue {
	return d.queue
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(model.LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	jobsDir := filepath.Join(d.epiloopDir, "jobs")
	if err := os.MkdirAll(jobsDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure jobs dir: %w", err)
	}
	if err := watcher.Add(jobsDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", jobsDir, err)
	}

	d.registerHandlers()
	d.server.SetLogger(d.logger)

	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(model.LogLevelInfo, "UDS server listening on %s", filepath.Join(d.epiloopDir, uds.DefaultSocketName))

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	d.scan()
	d.log(model.LogLevelInfo, "daemon ready")

	d.waitSignals()
	return nil
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("job_submit", d.handleSubmit)
	d.server.Handle("job_cancel", d.handleCancel)
	d.server.Handle("job_pause", d.handlePause)
	d.server.Handle("job_resume", d.handleResume)
	d.server.Handle("job_list", d.handleList)

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(model.LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// fsnotifyLoop ingests drop-in job files as they appear.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.ingestDropIn(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(model.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(model.LogLevelDebug, "periodic scan triggered")
			d.scan()
		}
	}
}

// scan sweeps drop-in files missed by fsnotify and dispatches the next
// pending job if no job is currently running.
func (d *Daemon) scan() {
	jobsDir := filepath.Join(d.epiloopDir, "jobs")
	entries, err := os.ReadDir(jobsDir)
	if err == nil {
		for _, e := range entries {
			d.ingestDropIn(filepath.Join(jobsDir, e.Name()))
		}
	}
	d.dispatch()
}

// ingestDropIn turns an externally written submission file into a
// queued job and removes the file. The queue document itself and temp
// files are ignored.
func (d *Daemon) ingestDropIn(path string) {
	name := filepath.Base(path)
	if name == "queue.yaml" || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var sub submission
	if err := yamlv3.Unmarshal(content, &sub); err != nil || sub.StoryFile == "" {
		d.log(model.LogLevelWarn, "dropin_rejected file=%s error=%v", name, err)
		return
	}

	job, err := d.queue.Submit(sub.StoryFile, sub.Priority)
	if err != nil {
		d.log(model.LogLevelError, "dropin_submit_failed file=%s error=%v", name, err)
		return
	}
	if err := os.Remove(path); err != nil {
		d.log(model.LogLevelWarn, "dropin_cleanup_failed file=%s error=%v", name, err)
	}
	d.log(model.LogLevelInfo, "dropin_accepted file=%s job=%s", name, job.ID)
}

// dispatch claims and runs the next pending job. Jobs run one at a
// time; worker concurrency lives inside the run, not across jobs.
func (d *Daemon) dispatch() {
	if d.runner == nil {
		return
	}
	if !d.dispatching.CompareAndSwap(false, true) {
		return
	}

	job, ok, err := d.queue.Next()
	if err != nil {
		d.log(model.LogLevelError, "queue_read_failed error=%v", err)
		d.dispatching.Store(false)
		return
	}
	if !ok {
		d.dispatching.Store(false)
		return
	}

	sessionID, err := model.GenerateID(model.IDTypeSession)
	if err != nil {
		d.log(model.LogLevelError, "session_id_failed error=%v", err)
		d.dispatching.Store(false)
		return
	}
	if err := d.queue.MarkInProgress(job.ID, sessionID); err != nil {
		d.log(model.LogLevelError, "claim_failed job=%s error=%v", job.ID, err)
		d.dispatching.Store(false)
		return
	}

	d.log(model.LogLevelInfo, "job_started id=%s session=%s story_file=%s", job.ID, sessionID, job.StoryFile)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.dispatching.Store(false)

		if err := d.runner(d.ctx, job, sessionID); err != nil {
			d.log(model.LogLevelError, "job_failed id=%s error=%v", job.ID, err)
			if merr := d.queue.MarkFailed(job.ID, err.Error()); merr != nil {
				d.log(model.LogLevelError, "job_mark_failed id=%s error=%v", job.ID, merr)
			}
			return
		}
		if err := d.queue.MarkCompleted(job.ID); err != nil {
			d.log(model.LogLevelError, "job_mark_completed id=%s error=%v", job.ID, err)
			return
		}
		d.log(model.LogLevelInfo, "job_completed id=%s", job.ID)
	}()
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(model.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit
	go func() {
		<-sigCh
		d.log(model.LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(model.LogLevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		select {
		case <-done:
			d.log(model.LogLevelInfo, "all goroutines drained")
		case <-time.After(timeout):
			d.log(model.LogLevelWarn, "shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.log(model.LogLevelInfo, "daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.epiloopDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
