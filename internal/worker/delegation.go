package worker

import (
	"context"
	"errors"

	"github.com/wjlgatech/epiloop/internal/delegate"
	"github.com/wjlgatech/epiloop/internal/events"
	"github.com/wjlgatech/epiloop/internal/model"
)

// DelegationSink authorizes, records, and settles delegations.
// Satisfied by delegate.Tracker.
type DelegationSink interface {
	Delegate(parentExecID, childStoryID string, parentTokensUsed, estimatedChildTokens int) (string, error)
	Complete(childExecID string, info delegate.CompletionInfo) error
}

// MetricsSink accumulates delegation counters. Implemented by the
// status package's file-backed metrics store.
type MetricsSink interface {
	Update(mutate func(*model.Metrics)) error
}

// SetDelegationSink enables delegation-marker handling. Must be called
// before Run.
func (e *Executor) SetDelegationSink(sink DelegationSink) {
	e.delegations = sink
}

// SetMetrics enables delegation counter accumulation.
func (e *Executor) SetMetrics(m MetricsSink) {
	e.metrics = m
}

// SetEventBus enables delegation lifecycle events.
func (e *Executor) SetEventBus(bus *events.Bus) {
	e.bus = bus
}

// runDelegations parses delegation markers from the agent output and
// runs each authorized child synchronously in its own sandbox. A
// rejected delegation is logged and skipped; it never fails the
// parent.
func (e *Executor) runDelegations(ctx context.Context, parentStoryID string, opts Options, content string, parentTokensUsed int) {
	if e.delegations == nil || opts.ExecutionID == "" {
		return
	}

	markers, rejected := delegate.ParseMarkers(content)
	for _, r := range rejected {
		e.log(model.LogLevelWarn, "marker_rejected story=%s line=%q reason=%q", parentStoryID, r.Line, r.Reason)
	}

	for _, m := range markers {
		childID, err := model.GenerateID(model.IDTypeStory)
		if err != nil {
			e.log(model.LogLevelError, "child_id_failed story=%s error=%v", parentStoryID, err)
			continue
		}

		childExecID, err := e.delegations.Delegate(opts.ExecutionID, childID, parentTokensUsed, m.EstimatedTokens)
		if err != nil {
			var rej *delegate.RejectionError
			if errors.As(err, &rej) {
				e.log(model.LogLevelWarn, "delegation_rejected story=%s reason=%s detail=%q",
					parentStoryID, rej.Reason, rej.Detail)
				e.countDelegation(false)
				if e.bus != nil {
					e.bus.Publish(events.EventDelegationRejected, map[string]interface{}{
						"parent_story": parentStoryID,
						"reason":       string(rej.Reason),
					})
				}
			} else {
				e.log(model.LogLevelError, "delegation_failed story=%s error=%v", parentStoryID, err)
			}
			continue
		}
		e.countDelegation(true)

		child := model.Story{ID: childID, Description: m.Description}
		childResult := e.Run(ctx, child, Options{ExecutionID: childExecID, Depth: opts.Depth + 1})

		status := model.DelegationCompleted
		if !childResult.Success {
			status = model.DelegationFailed
		}
		err = e.delegations.Complete(childExecID, delegate.CompletionInfo{
			Status:     status,
			CostUSD:    childResult.CostUSD,
			TokensIn:   childResult.TokensIn,
			TokensOut:  childResult.TokensOut,
			DurationMs: childResult.DurationMs,
		})
		if err != nil {
			e.log(model.LogLevelError, "delegation_complete_failed story=%s child=%s error=%v",
				parentStoryID, childID, err)
		}
	}
}

func (e *Executor) countDelegation(accepted bool) {
	if e.metrics == nil {
		return
	}
	err := e.metrics.Update(func(m *model.Metrics) {
		if accepted {
			m.Counters.DelegationsAccepted++
		} else {
			m.Counters.DelegationsRejected++
		}
	})
	if err != nil {
		e.log(model.LogLevelWarn, "delegation_metrics_write_failed error=%v", err)
	}
}
