// Package checkpoint persists bounded rings of session checkpoints and
// drives crash detection and recovery at startup.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wjlgatech/epiloop/internal/model"
	yamlutil "github.com/wjlgatech/epiloop/internal/yaml"
)

// ErrNoValidCheckpoint means the fallback chain was exhausted and the
// session must restart fresh.
var ErrNoValidCheckpoint = errors.New("no valid checkpoint found")

const cleanShutdownMarker = "clean_shutdown"

// Store manages per-session checkpoint rings under
// .epiloop/sessions/<session_id>/.
type Store struct {
	mu          sync.Mutex
	sessionsDir string
	max         int

	logger   *log.Logger
	logFile  io.Closer
	logLevel model.LogLevel
}

// NewStore wires a store logging to .epiloop/logs/checkpoint.log.
func NewStore(epiloopDir string, cfg model.CheckpointConfig, level model.LogLevel) (*Store, error) {
	logPath := filepath.Join(epiloopDir, "logs", "checkpoint.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}
	s := newStore(filepath.Join(epiloopDir, "sessions"), cfg.MaxCheckpoints, f, level)
	s.logFile = f
	return s, nil
}

func newStore(sessionsDir string, max int, w io.Writer, level model.LogLevel) *Store {
	return &Store{
		sessionsDir: sessionsDir,
		max:         max,
		logger:      log.New(w, "", 0),
		logLevel:    level,
	}
}

// Close releases the log file handle.
func (s *Store) Close() error {
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.sessionsDir, sessionID)
}

func checkpointFile(iteration int) string {
	// Zero-padded so lexicographic order is iteration order.
	return fmt.Sprintf("ckpt_%06d.yaml", iteration)
}

// Save writes one checkpoint atomically, then prunes the ring to the
// most recent max entries. The checkpoint is immutable once written.
func (s *Store) Save(cp model.Checkpoint) error {
	if cp.SchemaVersion == "" {
		cp.SchemaVersion = model.CheckpointSchemaVersion
	}
	if cp.FileType == "" {
		cp.FileType = "checkpoint"
	}
	if cp.Timestamp == "" {
		cp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if err := Validate(cp); err != nil {
		return fmt.Errorf("refusing to save invalid checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(dir, checkpointFile(cp.Iteration))
	if err := yamlutil.AtomicWrite(path, cp); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	s.log(model.LogLevelInfo, "checkpoint_saved session=%s iteration=%d story=%s",
		cp.SessionID, cp.Iteration, cp.StoryID)

	return s.pruneLocked(cp.SessionID)
}

// pruneLocked deletes the oldest checkpoints beyond the ring size.
// Caller holds s.mu.
func (s *Store) pruneLocked(sessionID string) error {
	files, err := s.listLocked(sessionID)
	if err != nil {
		return err
	}
	for len(files) > s.max {
		oldest := files[len(files)-1]
		if err := os.Remove(filepath.Join(s.sessionDir(sessionID), oldest)); err != nil {
			return fmt.Errorf("prune checkpoint %s: %w", oldest, err)
		}
		s.log(model.LogLevelDebug, "checkpoint_pruned session=%s file=%s", sessionID, oldest)
		files = files[:len(files)-1]
	}
	return nil
}

// listLocked returns checkpoint file names newest first. Caller holds
// s.mu.
func (s *Store) listLocked(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "ckpt_") && strings.HasSuffix(name, ".yaml") {
			files = append(files, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// List returns stored iterations newest first.
func (s *Store) List(sessionID string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.listLocked(sessionID)
	if err != nil {
		return nil, err
	}
	iters := make([]int, 0, len(files))
	for _, name := range files {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "ckpt_"), ".yaml"))
		if err != nil {
			continue
		}
		iters = append(iters, n)
	}
	return iters, nil
}

// Validate checks one checkpoint document: required fields present,
// supported schema version, well-formed timestamp, sane iteration.
func Validate(cp model.Checkpoint) error {
	if cp.SchemaVersion != model.CheckpointSchemaVersion {
		return fmt.Errorf("unsupported schema version %q (want %q)", cp.SchemaVersion, model.CheckpointSchemaVersion)
	}
	if cp.FileType != "checkpoint" {
		return fmt.Errorf("unexpected file type %q", cp.FileType)
	}
	if cp.SessionID == "" {
		return errors.New("missing session_id")
	}
	if cp.StoryID == "" {
		return errors.New("missing story_id")
	}
	if cp.Iteration < 0 {
		return fmt.Errorf("negative iteration %d", cp.Iteration)
	}
	if _, err := time.Parse(time.RFC3339, cp.Timestamp); err != nil {
		return fmt.Errorf("malformed timestamp %q: %w", cp.Timestamp, err)
	}
	return nil
}

// Restore walks the session's checkpoints newest first and returns the
// first valid one. Each invalid checkpoint is logged and skipped; an
// exhausted chain returns ErrNoValidCheckpoint. The fallback count is
// also returned so recovery metrics can record it.
func (s *Store) Restore(sessionID string) (model.Checkpoint, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.listLocked(sessionID)
	if err != nil {
		return model.Checkpoint{}, 0, err
	}

	fallbacks := 0
	for _, name := range files {
		path := filepath.Join(s.sessionDir(sessionID), name)
		var cp model.Checkpoint
		if err := yamlutil.ReadInto(path, &cp); err != nil {
			s.log(model.LogLevelWarn, "checkpoint_skipped session=%s file=%s reason=%q", sessionID, name, err)
			fallbacks++
			continue
		}
		if err := Validate(cp); err != nil {
			s.log(model.LogLevelWarn, "checkpoint_skipped session=%s file=%s reason=%q", sessionID, name, err)
			fallbacks++
			continue
		}
		s.log(model.LogLevelInfo, "checkpoint_restored session=%s iteration=%d fallbacks=%d",
			sessionID, cp.Iteration, fallbacks)
		return cp, fallbacks, nil
	}

	return model.Checkpoint{}, fallbacks, fmt.Errorf("session %s: %w", sessionID, ErrNoValidCheckpoint)
}

// BeginSession creates the session directory in the active state, with
// any stale clean-shutdown marker removed.
func (s *Store) BeginSession(sessionID string) error {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.Remove(filepath.Join(dir, cleanShutdownMarker)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear shutdown marker: %w", err)
	}
	return nil
}

// MarkCleanShutdown sets the session's clean-shutdown marker.
func (s *Store) MarkCleanShutdown(sessionID string) error {
	path := filepath.Join(s.sessionDir(sessionID), cleanShutdownMarker)
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return fmt.Errorf("write shutdown marker: %w", err)
	}
	return nil
}

// SessionState classifies a session from its on-disk remains. Crash
// detection depends only on the marker, never on process exit codes.
func (s *Store) SessionState(sessionID string) model.SessionState {
	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		return model.SessionActive
	}
	if _, err := os.Stat(filepath.Join(dir, cleanShutdownMarker)); err == nil {
		return model.SessionCleanShutdown
	}
	return model.SessionCrashed
}

// DetectCrash reports whether the session terminated without its
// clean-shutdown marker.
func (s *Store) DetectCrash(sessionID string) bool {
	return s.SessionState(sessionID) == model.SessionCrashed
}

// Sessions lists session IDs present on disk.
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) log(level model.LogLevel, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s checkpoint: %s", time.Now().Format(time.RFC3339), level, msg)
}
