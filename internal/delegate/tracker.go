// Package delegate enforces bounded recursive delegation: depth limits,
// cycle freedom, and a context-token budget. Every accepted, rejected,
// and completed delegation is appended to a durable record log used for
// cost roll-up per ancestor story.
package delegate

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wjlgatech/epiloop/internal/model"
	yamlutil "github.com/wjlgatech/epiloop/internal/yaml"
)

// RejectReason classifies why a delegation was refused.
type RejectReason string

const (
	RejectSelf   RejectReason = "self_delegation"
	RejectDepth  RejectReason = "depth_limit"
	RejectCycle  RejectReason = "cycle"
	RejectBudget RejectReason = "context_budget"
)

// RejectionError is returned synchronously to the delegating worker.
// It always carries current-vs-limit context; it is never downgraded
// to a silent cap.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("delegation rejected (%s): %s", e.Reason, e.Detail)
}

// CompletionInfo carries the measured outcome of a finished delegation.
type CompletionInfo struct {
	Status     model.DelegationStatus // completed or failed
	CostUSD    float64
	TokensIn   int
	TokensOut  int
	DurationMs int64
}

// Tracker owns the execution forest and the delegation record log.
// All mutations happen under one mutex, so each edge insertion and
// depth assignment is a single atomic update.
type Tracker struct {
	mu       sync.Mutex
	maxDepth int
	budget   int

	nodes     map[string]model.ExecutionNode // execution ID → node
	execStory map[string]string              // execution ID → story ID
	edges     map[string][]string            // parent story → child stories (accepted only)
	records   []model.DelegationRecord

	logPath string
	logger  *log.Logger
	logFile io.Closer

	rollup singleflight.Group
}

// NewTracker creates a Tracker logging to .epiloop/logs/delegation.log
// and persisting records to .epiloop/state/delegation.yaml. An existing
// record log is reloaded so accepted edges survive restarts.
func NewTracker(epiloopDir string, cfg model.DelegationConfig) (*Tracker, error) {
	logPath := filepath.Join(epiloopDir, "logs", "delegation.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open delegation log: %w", err)
	}
	recordPath := filepath.Join(epiloopDir, "state", "delegation.yaml")
	return newTracker(recordPath, cfg, logFile, logFile)
}

// newTracker is the internal constructor that accepts an io.Writer for
// testing.
func newTracker(recordPath string, cfg model.DelegationConfig, w io.Writer, closer io.Closer) (*Tracker, error) {
	t := &Tracker{
		maxDepth:  cfg.MaxDepth,
		budget:    cfg.ContextBudgetTokens,
		nodes:     make(map[string]model.ExecutionNode),
		execStory: make(map[string]string),
		edges:     make(map[string][]string),
		logPath:   recordPath,
		logger:    log.New(w, "", 0),
		logFile:   closer,
	}

	if _, err := os.Stat(recordPath); err == nil {
		if err := yamlutil.ValidateSchemaHeader(recordPath, "delegation_log"); err != nil {
			return nil, fmt.Errorf("delegation log header: %w", err)
		}
		var doc model.DelegationLog
		if err := yamlutil.ReadInto(recordPath, &doc); err != nil {
			return nil, fmt.Errorf("load delegation log: %w", err)
		}
		t.records = doc.Records
		for _, r := range doc.Records {
			if r.Status == model.DelegationStarted {
				t.edges[r.ParentStoryID] = append(t.edges[r.ParentStoryID], r.ChildStoryID)
			}
		}
	}

	return t, nil
}

// Close releases the log file handle.
func (t *Tracker) Close() error {
	if t.logFile != nil {
		return t.logFile.Close()
	}
	return nil
}

// RegisterRoot creates a depth-0 execution node for a top-level worker.
func (t *Tracker) RegisterRoot(storyID string) (string, error) {
	execID, err := model.GenerateID(model.IDTypeExecution)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodes[execID] = model.ExecutionNode{ExecutionID: execID, Depth: 0}
	t.execStory[execID] = storyID
	t.log("root_registered exec_id=%s story_id=%s", execID, storyID)
	return execID, nil
}

// Depth returns the recorded depth of an execution.
func (t *Tracker) Depth(execID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[execID]
	if !ok {
		return 0, fmt.Errorf("unknown execution %q", execID)
	}
	return node.Depth, nil
}

// Delegate authorizes and records a parent → child delegation. On
// success it inserts the edge, creates the child execution node at
// depth parent+1, appends a started record, and returns the child
// execution ID. On rejection the forest and edge set are unchanged, a
// rejected record is appended, and a *RejectionError is returned.
func (t *Tracker) Delegate(parentExecID, childStoryID string, parentTokensUsed, estimatedChildTokens int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentExecID]
	if !ok {
		return "", fmt.Errorf("unknown parent execution %q", parentExecID)
	}
	parentStoryID := t.execStory[parentExecID]
	childDepth := parent.Depth + 1

	if rej := t.check(parentStoryID, childStoryID, childDepth, parentTokensUsed, estimatedChildTokens); rej != nil {
		t.log("delegation_rejected parent_story=%s child_story=%s reason=%s detail=%q",
			parentStoryID, childStoryID, rej.Reason, rej.Detail)
		reason := rej.Error()
		if err := t.appendRecordLocked(model.DelegationRecord{
			ParentStoryID: parentStoryID,
			ChildStoryID:  childStoryID,
			Depth:         childDepth,
			Status:        model.DelegationRejected,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			Reason:        &reason,
		}); err != nil {
			return "", fmt.Errorf("append rejected record: %w", err)
		}
		return "", rej
	}

	childExecID, err := model.GenerateID(model.IDTypeExecution)
	if err != nil {
		return "", err
	}

	parentID := parentExecID
	t.nodes[childExecID] = model.ExecutionNode{
		ExecutionID:       childExecID,
		ParentExecutionID: &parentID,
		Depth:             childDepth,
	}
	t.execStory[childExecID] = childStoryID
	t.edges[parentStoryID] = append(t.edges[parentStoryID], childStoryID)

	if err := t.appendRecordLocked(model.DelegationRecord{
		ParentStoryID: parentStoryID,
		ChildStoryID:  childStoryID,
		Depth:         childDepth,
		Status:        model.DelegationStarted,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return "", fmt.Errorf("append started record: %w", err)
	}

	t.log("delegation_accepted parent_story=%s child_story=%s depth=%d exec_id=%s",
		parentStoryID, childStoryID, childDepth, childExecID)
	return childExecID, nil
}

// check runs the three mandatory gates in order: self, depth, cycle,
// then context budget. Caller holds t.mu.
func (t *Tracker) check(parentStoryID, childStoryID string, childDepth, parentTokensUsed, estimatedChildTokens int) *RejectionError {
	if parentStoryID == childStoryID {
		return &RejectionError{
			Reason: RejectSelf,
			Detail: fmt.Sprintf("story %q cannot delegate to itself", parentStoryID),
		}
	}

	if childDepth > t.maxDepth {
		return &RejectionError{
			Reason: RejectDepth,
			Detail: fmt.Sprintf("child depth %d exceeds max delegation depth %d", childDepth, t.maxDepth),
		}
	}

	// Reachability from the proposed child back to the proposed parent:
	// if parent is a descendant of child, the new edge closes a cycle.
	if t.reachableLocked(childStoryID, parentStoryID) {
		return &RejectionError{
			Reason: RejectCycle,
			Detail: fmt.Sprintf("edge %s → %s would close a delegation cycle", parentStoryID, childStoryID),
		}
	}

	if parentTokensUsed+estimatedChildTokens > t.budget {
		return &RejectionError{
			Reason: RejectBudget,
			Detail: fmt.Sprintf("context budget exceeded: %d used + %d estimated > %d limit",
				parentTokensUsed, estimatedChildTokens, t.budget),
		}
	}

	return nil
}

// reachableLocked reports whether target is reachable from start over
// recorded delegation edges. Caller holds t.mu.
func (t *Tracker) reachableLocked(start, target string) bool {
	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			return true
		}
		if visited[node] {
			continue
		}
		visited[node] = true
		stack = append(stack, t.edges[node]...)
	}
	return false
}

// Complete appends the terminal record for a child execution.
func (t *Tracker) Complete(childExecID string, info CompletionInfo) error {
	if err := model.ValidateDelegationTransition(model.DelegationStarted, info.Status); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[childExecID]
	if !ok {
		return fmt.Errorf("unknown execution %q", childExecID)
	}
	if node.ParentExecutionID == nil {
		return fmt.Errorf("execution %q is a root, not a delegation", childExecID)
	}

	parentStoryID := t.execStory[*node.ParentExecutionID]
	childStoryID := t.execStory[childExecID]

	if err := t.appendRecordLocked(model.DelegationRecord{
		ParentStoryID: parentStoryID,
		ChildStoryID:  childStoryID,
		Depth:         node.Depth,
		Status:        info.Status,
		CostUSD:       info.CostUSD,
		TokensIn:      info.TokensIn,
		TokensOut:     info.TokensOut,
		DurationMs:    info.DurationMs,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("append completion record: %w", err)
	}

	t.log("delegation_%s parent_story=%s child_story=%s cost_usd=%.4f tokens_in=%d tokens_out=%d",
		info.Status, parentStoryID, childStoryID, info.CostUSD, info.TokensIn, info.TokensOut)
	return nil
}

// Records returns a copy of the append-only record log.
func (t *Tracker) Records() []model.DelegationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.DelegationRecord, len(t.records))
	copy(out, t.records)
	return out
}

// CostRollup sums CostUSD over every record whose parent story is the
// given ancestor, transitively. Concurrent callers for the same story
// share one computation.
func (t *Tracker) CostRollup(storyID string) float64 {
	v, _, _ := t.rollup.Do(storyID, func() (interface{}, error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		parents := make(map[string]bool)
		parents[storyID] = true
		stack := []string{storyID}
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, child := range t.edges[node] {
				if !parents[child] {
					parents[child] = true
					stack = append(stack, child)
				}
			}
		}

		total := 0.0
		for _, r := range t.records {
			if parents[r.ParentStoryID] {
				total += r.CostUSD
			}
		}
		return total, nil
	})
	return v.(float64)
}

// appendRecordLocked appends the record in memory and rewrites the log
// file atomically. Caller holds t.mu.
func (t *Tracker) appendRecordLocked(r model.DelegationRecord) error {
	t.records = append(t.records, r)
	doc := model.DelegationLog{
		SchemaVersion: 1,
		FileType:      "delegation_log",
		Records:       t.records,
	}
	if err := yamlutil.AtomicWrite(t.logPath, doc); err != nil {
		// Keep memory and disk consistent on failure
		t.records = t.records[:len(t.records)-1]
		return err
	}
	return nil
}

func (t *Tracker) log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.logger.Printf("%s INFO delegation: %s", time.Now().Format(time.RFC3339), msg)
}
