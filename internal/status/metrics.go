// Package status aggregates workspace state for the status command and
// owns the durable run metrics document.
package status

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wjlgatech/epiloop/internal/lock"
	"github.com/wjlgatech/epiloop/internal/model"
	yamlutil "github.com/wjlgatech/epiloop/internal/yaml"
)

const metricsLockKey = "state_metrics"

// FileMetrics is the metrics document at .epiloop/state/metrics.yaml.
// It satisfies the checkpoint store's MetricsSink.
type FileMetrics struct {
	path    string
	lockMap *lock.MutexMap
}

func NewFileMetrics(epiloopDir string, lockMap *lock.MutexMap) *FileMetrics {
	return &FileMetrics{
		path:    filepath.Join(epiloopDir, "state", "metrics.yaml"),
		lockMap: lockMap,
	}
}

// Load returns the current metrics, zero-valued when none exist yet.
func (f *FileMetrics) Load() (model.Metrics, error) {
	f.lockMap.Lock(metricsLockKey)
	defer f.lockMap.Unlock(metricsLockKey)
	return f.loadLocked()
}

// Update applies mutate to the metrics under the lock and persists the
// result atomically.
func (f *FileMetrics) Update(mutate func(*model.Metrics)) error {
	f.lockMap.Lock(metricsLockKey)
	defer f.lockMap.Unlock(metricsLockKey)

	m, err := f.loadLocked()
	if err != nil {
		return err
	}
	mutate(&m)

	now := time.Now().UTC().Format(time.RFC3339)
	m.UpdatedAt = &now
	m.SchemaVersion = yamlutil.CurrentSchemaVersion
	m.FileType = "state_metrics"

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := yamlutil.AtomicWrite(f.path, m); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func (f *FileMetrics) loadLocked() (model.Metrics, error) {
	m := model.Metrics{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "state_metrics",
	}
	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		return m, nil
	}
	if err := yamlutil.ValidateSchemaHeader(f.path, "state_metrics"); err != nil {
		return m, fmt.Errorf("metrics header: %w", err)
	}
	if err := yamlutil.ReadInto(f.path, &m); err != nil {
		return m, fmt.Errorf("load metrics: %w", err)
	}
	return m, nil
}
