package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/swarmguard/kernel/internal/telemetry"
)

// Sandbox isolates step (e) execution for a task whose sandboxConfig is
// enabled. fn is the same work TaskExecutor.Execute would otherwise run
// directly; the sandbox decides how (container, gVisor, simulation) and
// reports whether the attempt actually ran.
type Sandbox interface {
	ExecuteInSandbox(ctx context.Context, task TaskSpec, params map[string]interface{}, fn Effect) (SandboxResult, error)
}

// SandboxResult is what a Sandbox reports back for one execution attempt.
type SandboxResult struct {
	Success  bool
	Data     map[string]interface{}
	Error    string
	Metadata map[string]interface{}
}

// SandboxTaskExecutor adapts a Sandbox into the plain TaskExecutor interface
// the orchestrator calls uniformly, regardless of whether a task's
// sandboxConfig routed it here or to the direct executor.
type SandboxTaskExecutor struct {
	Sandbox Sandbox
}

func (s *SandboxTaskExecutor) Execute(ctx context.Context, task TaskSpec, params map[string]interface{}) (map[string]interface{}, error) {
	fn := func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return params, nil // the sandbox itself performs the call; fn here only carries params through
	}
	result, err := s.Sandbox.ExecuteInSandbox(ctx, task, params, fn)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("sandboxed execution of task %s failed: %s", task.ID, result.Error)
	}
	return result.Data, nil
}

// MemoryAPI is the durable, append-only provenance trail a task's executor
// may write to independent of the kernel's own event log — notes, partial
// results, and anything worth replaying in a timeline view.
type MemoryAPI interface {
	Write(ctx context.Context, content string, provenance string, options map[string]interface{}) error
	ListTimeline(ctx context.Context, workflowID string) ([]MemoryEntry, error)
}

// MemoryEntry is one entry MemoryAPI.ListTimeline returns.
type MemoryEntry struct {
	Content    string
	Provenance string
	Options    map[string]interface{}
}

// Telemetry is the fire-and-forget observability sink the kernel publishes
// lifecycle summaries to, separate from the durable event log: a dropped
// publish never affects workflow correctness. KernelTelemetry adapts
// internal/telemetry.Sink (NATS-backed, or a no-op) to this shape.
type Telemetry interface {
	RecordWorkflowStarted(ctx context.Context, workflowID string)
	RecordWorkflowCompleted(ctx context.Context, workflowID string)
	RecordWorkflowFailed(ctx context.Context, workflowID string, reason string)
	RecordTaskEvent(ctx context.Context, workflowID, taskID string, eventType EventType)
}

// KernelTelemetry publishes each Record* call as a JSON payload on
// "kernel.events.<workflowId>" via the wrapped sink.
type KernelTelemetry struct {
	sink telemetry.Sink
}

// NewKernelTelemetry wraps sink (a telemetry.NATSSink or telemetry.NoopSink)
// as the kernel's Telemetry capability.
func NewKernelTelemetry(sink telemetry.Sink) *KernelTelemetry {
	if sink == nil {
		sink = telemetry.NoopSink{}
	}
	return &KernelTelemetry{sink: sink}
}

func (k *KernelTelemetry) publish(ctx context.Context, workflowID string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	k.sink.Record(ctx, "kernel.events."+workflowID, data)
}

func (k *KernelTelemetry) RecordWorkflowStarted(ctx context.Context, workflowID string) {
	k.publish(ctx, workflowID, map[string]interface{}{"type": "workflow_started", "workflowId": workflowID})
}

func (k *KernelTelemetry) RecordWorkflowCompleted(ctx context.Context, workflowID string) {
	k.publish(ctx, workflowID, map[string]interface{}{"type": "workflow_completed", "workflowId": workflowID})
}

func (k *KernelTelemetry) RecordWorkflowFailed(ctx context.Context, workflowID string, reason string) {
	k.publish(ctx, workflowID, map[string]interface{}{"type": "workflow_failed", "workflowId": workflowID, "reason": reason})
}

func (k *KernelTelemetry) RecordTaskEvent(ctx context.Context, workflowID, taskID string, eventType EventType) {
	k.publish(ctx, workflowID, map[string]interface{}{"type": string(eventType), "workflowId": workflowID, "taskId": taskID})
}

// RollbackRequest names the world-state snapshot a caller wants restored.
// Rollback is policy-gated at RiskHigh like any other high-risk action: a
// call without a valid ApprovalToken fails with a PolicyViolationError
// whose RequiresHumanApproval is set. That error carries no token; a token
// for the "rollback" action comes from PolicyGate.Evaluate, and the caller
// resubmits the same request carrying it.
type RollbackRequest struct {
	WorkflowID    string
	TaskID        string
	SnapshotID    string
	RequestedBy   string
	Reason        string
	ApprovalToken string
}

// RollbackResult reports the outcome of a Rollback call.
type RollbackResult struct {
	RestoredSnapshotID string
	Diff               []StateDiffEntry
}

// Rollback restores world state to req.SnapshotID, subject to policy, and
// refuses if any outbox entry for req.WorkflowID is still PROCESSING —
// resolving the open question on rollback/outbox interplay in favor of the
// documented safe default: in-flight side effects must settle first.
func (o *Orchestrator) Rollback(ctx context.Context, req RollbackRequest, principal Principal) (*RollbackResult, error) {
	decision := o.policy.Evaluate(ctx, principal, ActionPolicy{
		Name:     "rollback",
		RiskTier: RiskHigh,
	}, "", req.ApprovalToken)
	if !decision.Allowed {
		return nil, &PolicyViolationError{Principal: principal.ID, Action: "rollback", Reason: decision.Reason, RequiresHumanApproval: decision.RequiresHumanApproval}
	}

	inFlight, err := o.outbox.HasProcessingForWorkflow(req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if inFlight {
		return nil, &RollbackError{WorkflowID: req.WorkflowID, Reason: "one or more outbox entries for this workflow are still PROCESSING"}
	}

	before, err := o.world.Snapshot()
	if err != nil {
		return nil, err
	}

	snapshot, ok := o.snapshotByID(req.SnapshotID)
	if !ok {
		return nil, &SnapshotNotFoundError{SnapshotID: req.SnapshotID}
	}
	if err := o.restoreSnapshot(snapshot); err != nil {
		return nil, err
	}

	after, err := o.world.Snapshot()
	if err != nil {
		return nil, err
	}
	diff := Diff(before, after)

	o.logEvent(ctx, WorkflowSpec{ID: req.WorkflowID}, req.TaskID, EventStateUpdated, map[string]interface{}{
		"rollback":    true,
		"snapshotId":  req.SnapshotID,
		"requestedBy": req.RequestedBy,
		"reason":      req.Reason,
	})
	o.audit.LogEvent("ROLLBACK", map[string]interface{}{"workflowId": req.WorkflowID, "taskId": req.TaskID, "snapshotId": req.SnapshotID, "requestedBy": req.RequestedBy, "reason": req.Reason})

	return &RollbackResult{RestoredSnapshotID: req.SnapshotID, Diff: diff}, nil
}

// snapshotByID looks a snapshot up in the orchestrator's in-memory archive:
// the kernel's WorldStateStore only exposes the current-state Snapshot(), so
// the archive holds every before/after snapshot runAttempt takes, plus any
// snapshot a caller adds via RegisterSnapshot. The archive is not persisted.
func (o *Orchestrator) snapshotByID(id string) (StateSnapshot, bool) {
	snap, ok := o.snapshotArchive[id]
	return snap, ok
}

// RegisterSnapshot archives snap under its own ID for later Rollback calls.
func (o *Orchestrator) RegisterSnapshot(snap StateSnapshot) {
	if o.snapshotArchive == nil {
		o.snapshotArchive = make(map[string]StateSnapshot)
	}
	o.snapshotArchive[snap.ID] = snap
}

func (o *Orchestrator) restoreSnapshot(snap StateSnapshot) error {
	current, err := o.world.Snapshot()
	if err != nil {
		return err
	}
	for key := range current.Entries {
		if _, keep := snap.Entries[key]; !keep {
			if entry, _, err := o.world.Read(key); err == nil && entry != nil {
				_ = o.world.Delete(key, entry.Version)
			}
		}
	}
	for key, entry := range snap.Entries {
		if existing, found, _ := o.world.Read(key); found {
			_, _ = o.world.Update(key, entry.Value, existing.Version)
		} else {
			_, _ = o.world.Create(key, entry.Value)
		}
	}
	return nil
}
