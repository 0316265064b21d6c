package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/swarmguard/kernel/internal/telemetry"
)

type fakeSandbox struct {
	result SandboxResult
	err    error
}

func (f *fakeSandbox) ExecuteInSandbox(ctx context.Context, task TaskSpec, params map[string]interface{}, fn Effect) (SandboxResult, error) {
	return f.result, f.err
}

func TestSandboxTaskExecutorAdaptsSuccess(t *testing.T) {
	sandbox := &fakeSandbox{result: SandboxResult{Success: true, Data: map[string]interface{}{"ok": true}}}
	exec := &SandboxTaskExecutor{Sandbox: sandbox}
	result, err := exec.Execute(context.Background(), TaskSpec{ID: "t1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("expected sandbox data passed through, got %v", result)
	}
}

func TestSandboxTaskExecutorAdaptsFailure(t *testing.T) {
	sandbox := &fakeSandbox{result: SandboxResult{Success: false, Error: "denied"}}
	exec := &SandboxTaskExecutor{Sandbox: sandbox}
	_, err := exec.Execute(context.Background(), TaskSpec{ID: "t1"}, nil)
	if err == nil {
		t.Fatal("expected error when sandbox reports failure")
	}
}

func TestKernelTelemetryNoopSinkDoesNotPanic(t *testing.T) {
	kt := NewKernelTelemetry(telemetry.NoopSink{})
	kt.RecordWorkflowStarted(context.Background(), "wf-1")
	kt.RecordWorkflowCompleted(context.Background(), "wf-1")
	kt.RecordWorkflowFailed(context.Background(), "wf-1", "boom")
	kt.RecordTaskEvent(context.Background(), "wf-1", "t1", EventTaskCompleted)
}

func TestRollbackRestoresSnapshotAndRefusesWithInFlightOutbox(t *testing.T) {
	executor := newFakeTaskExecutor()
	o := newTestOrchestrator(t, executor, nil)

	if _, err := o.world.Create("counter", float64(1)); err != nil {
		t.Fatalf("seed create: %v", err)
	}
	before, err := o.world.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	o.RegisterSnapshot(before)

	entry, _, err := o.world.Read("counter")
	if err != nil || entry == nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := o.world.Update("counter", float64(2), entry.Version); err != nil {
		t.Fatalf("update: %v", err)
	}

	principal := Principal{ID: "admin"}
	_, err = o.Rollback(context.Background(), RollbackRequest{WorkflowID: "wf-rb", SnapshotID: before.ID}, principal)
	var policyErr *PolicyViolationError
	if !errors.As(err, &policyErr) || !policyErr.RequiresHumanApproval {
		t.Fatalf("expected first Rollback call to require human approval, got %v", err)
	}

	decision := o.policy.Evaluate(context.Background(), principal, ActionPolicy{Name: "rollback", RiskTier: RiskHigh}, "", "")
	if decision.ApprovalToken == "" {
		t.Fatal("expected an approval token to be issued")
	}

	result, err := o.Rollback(context.Background(), RollbackRequest{WorkflowID: "wf-rb", SnapshotID: before.ID, ApprovalToken: decision.ApprovalToken}, principal)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if result.RestoredSnapshotID != before.ID {
		t.Fatalf("expected restored snapshot id %s, got %s", before.ID, result.RestoredSnapshotID)
	}
	restored, _, err := o.world.Read("counter")
	if err != nil || restored == nil {
		t.Fatalf("read after rollback: %v", err)
	}
	if restored.Value != float64(1) {
		t.Fatalf("expected counter restored to 1, got %v", restored.Value)
	}

	// Now simulate an in-flight outbox entry for the same workflow and
	// confirm rollback is refused.
	if err := o.outbox.put(&OutboxEntry{
		ID:             "idem-1",
		WorkflowID:     "wf-rb",
		TaskID:         "t1",
		ToolID:         "tool.a",
		IdempotencyKey: "idem-1",
		State:          OutboxProcessing,
		Attempts:       1,
		MaxAttempts:    3,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	decision2 := o.policy.Evaluate(context.Background(), principal, ActionPolicy{Name: "rollback", RiskTier: RiskHigh}, "", "")
	_, err = o.Rollback(context.Background(), RollbackRequest{WorkflowID: "wf-rb", SnapshotID: before.ID, ApprovalToken: decision2.ApprovalToken}, principal)
	if err == nil {
		t.Fatal("expected Rollback to refuse while an outbox entry is PROCESSING")
	}
	var rbErr *RollbackError
	if !errors.As(err, &rbErr) {
		t.Fatalf("expected *RollbackError, got %T: %v", err, err)
	}
}
