package kernel

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

type fakeTaskExecutor struct {
	mu        sync.Mutex
	calls     map[string]int
	failUntil map[string]int // task succeeds once calls[id] > failUntil[id]
	order     []string
}

func newFakeTaskExecutor() *fakeTaskExecutor {
	return &fakeTaskExecutor{calls: make(map[string]int), failUntil: make(map[string]int)}
}

func (f *fakeTaskExecutor) Execute(ctx context.Context, task TaskSpec, params map[string]interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	f.calls[task.ID]++
	count := f.calls[task.ID]
	f.order = append(f.order, task.ID)
	f.mu.Unlock()

	if count <= f.failUntil[task.ID] {
		return nil, errTransient
	}
	return map[string]interface{}{"taskId": task.ID, "attempt": count}, nil
}

var errTransient = &ToolExecutionError{ToolName: "test.tool", Err: errTransientInner}
var errTransientInner = simpleErr("transient failure")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func newTestOrchestratorDeps(t *testing.T) (*StateStore, *EventLog, *WorldStateStore, *AuditChain, *Outbox, *PolicyGate, *FeasibilityChecker, *ValidationGate) {
	t.Helper()
	meter := noop.NewMeterProvider().Meter("test")
	dir := t.TempDir()

	states, err := NewStateStore(filepath.Join(dir, "states.db"), meter)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	events, err := NewEventLog(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	world, err := OpenWorldStateStore(filepath.Join(dir, "world"))
	if err != nil {
		t.Fatalf("OpenWorldStateStore: %v", err)
	}
	audit, err := OpenAuditChain(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("OpenAuditChain: %v", err)
	}
	outbox, err := NewOutbox(filepath.Join(dir, "outbox.db"), meter)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	policy, err := NewPolicyGate("", meter)
	if err != nil {
		t.Fatalf("NewPolicyGate: %v", err)
	}
	tools := NewToolRegistry([]ToolDescriptor{
		{Name: "tool.a", Available: true, RiskLevel: RiskLow},
		{Name: "tool.b", Available: true, RiskLevel: RiskLow},
		{Name: "tool.alt", Available: true, RiskLevel: RiskLow},
	})
	feasibility := NewFeasibilityChecker(tools, world, nil, nil)
	validation := NewValidationGate([]Validator{alwaysValid}, nil)

	t.Cleanup(func() {
		states.Close()
		events.Close()
		world.Close()
		audit.Close()
		outbox.Close()
	})

	return states, events, world, audit, outbox, policy, feasibility, validation
}

func newTestOrchestrator(t *testing.T, executor TaskExecutor, compensation CompensationExecutor) *Orchestrator {
	t.Helper()
	states, events, world, audit, outbox, policy, feasibility, validation := newTestOrchestratorDeps(t)
	return NewOrchestrator(OrchestratorConfig{
		States:       states,
		Events:       events,
		World:        world,
		Audit:        audit,
		Outbox:       outbox,
		Policy:       policy,
		Feasibility:  feasibility,
		Validation:   validation,
		Compensation: compensation,
		Executor:     executor,
		Meter:        noop.NewMeterProvider().Meter("test"),
	})
}

func TestExecuteWorkflowRunsTasksInDependencyOrder(t *testing.T) {
	executor := newFakeTaskExecutor()
	o := newTestOrchestrator(t, executor, nil)
	spec := WorkflowSpec{
		ID: "wf-order",
		Tasks: []TaskSpec{
			{ID: "b", Name: "b", RiskTier: RiskLow, ToolName: "tool.b"},
			{ID: "a", Name: "a", RiskTier: RiskLow, ToolName: "tool.a"},
		},
		Dependencies: map[string][]string{"b": {"a"}},
	}

	state, err := o.ExecuteWorkflow(context.Background(), spec, Principal{ID: "agent-1"})
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if state.Status != WorkflowCompleted {
		t.Fatalf("expected workflow completed, got %s", state.Status)
	}
	if len(executor.order) != 2 || executor.order[0] != "a" || executor.order[1] != "b" {
		t.Fatalf("expected execution order [a b], got %v", executor.order)
	}
}

func TestExecuteWorkflowRetriesTransientFailure(t *testing.T) {
	executor := newFakeTaskExecutor()
	executor.failUntil["flaky"] = 1 // fails once, succeeds on 2nd call
	o := newTestOrchestrator(t, executor, nil)
	spec := WorkflowSpec{
		ID: "wf-retry",
		Tasks: []TaskSpec{
			{ID: "flaky", Name: "flaky", RiskTier: RiskLow, ToolName: "tool.a", Retry: RetryPolicy{MaxAttempts: 3, BackoffMs: 1}},
		},
	}

	state, err := o.ExecuteWorkflow(context.Background(), spec, Principal{ID: "agent-1"})
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if state.TaskStates["flaky"].Status != TaskCompleted {
		t.Fatalf("expected flaky task to complete, got %+v", state.TaskStates["flaky"])
	}
	if state.TaskStates["flaky"].Attempt != 2 {
		t.Fatalf("expected 2 attempts, got %d", state.TaskStates["flaky"].Attempt)
	}
}

func TestExecuteWorkflowTerminalOnPolicyDenial(t *testing.T) {
	executor := newFakeTaskExecutor()
	o := newTestOrchestrator(t, executor, nil)
	spec := WorkflowSpec{
		ID: "wf-denied",
		Tasks: []TaskSpec{
			{
				ID: "locked", Name: "locked", RiskTier: RiskLow, ToolName: "tool.a",
				RequiredPermissions: []Permission{{Action: "delete", Resource: "records"}},
				Retry:                RetryPolicy{MaxAttempts: 5},
			},
		},
	}

	state, err := o.ExecuteWorkflow(context.Background(), spec, Principal{ID: "agent-1"})
	if err == nil {
		t.Fatal("expected policy denial to fail the workflow")
	}
	if state.TaskStates["locked"].Attempt != 1 {
		t.Fatalf("expected policy denial to be terminal on the first attempt, got %d attempts", state.TaskStates["locked"].Attempt)
	}
	if executor.calls["locked"] != 0 {
		t.Fatalf("expected executor never invoked for a policy-denied task, got %d calls", executor.calls["locked"])
	}
}

func TestExecuteWorkflowIdempotentResumeSkipsCompletedTasks(t *testing.T) {
	executor := newFakeTaskExecutor()
	states, events, world, audit, outbox, policy, feasibility, validation := newTestOrchestratorDeps(t)
	cfg := OrchestratorConfig{
		States: states, Events: events, World: world, Audit: audit, Outbox: outbox,
		Policy: policy, Feasibility: feasibility, Validation: validation,
		Executor: executor, Meter: noop.NewMeterProvider().Meter("test"),
	}
	o := NewOrchestrator(cfg)
	spec := WorkflowSpec{
		ID: "wf-resume",
		Tasks: []TaskSpec{
			{ID: "a", Name: "a", RiskTier: RiskLow, ToolName: "tool.a"},
			{ID: "b", Name: "b", RiskTier: RiskLow, ToolName: "tool.b"},
		},
		Dependencies: map[string][]string{"b": {"a"}},
	}

	if _, err := o.ExecuteWorkflow(context.Background(), spec, Principal{ID: "agent-1"}); err != nil {
		t.Fatalf("first ExecuteWorkflow: %v", err)
	}
	if executor.calls["a"] != 1 || executor.calls["b"] != 1 {
		t.Fatalf("expected each task to run once, got %+v", executor.calls)
	}

	o2 := NewOrchestrator(cfg)
	if _, err := o2.ExecuteWorkflow(context.Background(), spec, Principal{ID: "agent-1"}); err != nil {
		t.Fatalf("second ExecuteWorkflow: %v", err)
	}
	if executor.calls["a"] != 1 || executor.calls["b"] != 1 {
		t.Fatalf("expected resume to skip already-completed tasks, got %+v", executor.calls)
	}
}

type fakeCompensationExecutorSpy struct {
	mu    sync.Mutex
	order []string
}

func (f *fakeCompensationExecutorSpy) Execute(ctx context.Context, action CompensationAction, workflowID, taskID string) error {
	f.mu.Lock()
	f.order = append(f.order, taskID)
	f.mu.Unlock()
	return nil
}

func TestExecuteWorkflowRunsSagaOnFailure(t *testing.T) {
	executor := newFakeTaskExecutor()
	executor.failUntil["boom"] = 99 // always fails
	compensation := &fakeCompensationExecutorSpy{}
	o := newTestOrchestrator(t, executor, compensation)
	spec := WorkflowSpec{
		ID: "wf-saga",
		Tasks: []TaskSpec{
			{ID: "first", Name: "first", RiskTier: RiskLow, ToolName: "tool.a", CompensationAction: &CompensationAction{Tool: "tool.a.undo"}},
			{ID: "second", Name: "second", RiskTier: RiskLow, ToolName: "tool.b", CompensationAction: &CompensationAction{Tool: "tool.b.undo"}},
			{ID: "boom", Name: "boom", RiskTier: RiskLow, ToolName: "tool.alt", Retry: RetryPolicy{MaxAttempts: 1}},
		},
		Dependencies: map[string][]string{
			"second": {"first"},
			"boom":   {"second"},
		},
	}

	state, err := o.ExecuteWorkflow(context.Background(), spec, Principal{ID: "agent-1"})
	if err == nil {
		t.Fatal("expected workflow to fail")
	}
	if state.Status != WorkflowFailed {
		t.Fatalf("expected WorkflowFailed, got %s", state.Status)
	}
	if len(compensation.order) != 2 || compensation.order[0] != "second" || compensation.order[1] != "first" {
		t.Fatalf("expected LIFO compensation order [second first], got %v", compensation.order)
	}
}

func TestExecuteWorkflowAcquiresAndReleasesDeclaredResources(t *testing.T) {
	executor := newFakeTaskExecutor()
	o := newTestOrchestrator(t, executor, nil)
	spec := WorkflowSpec{
		ID: "wf-resources",
		Tasks: []TaskSpec{
			{ID: "writer", Name: "writer", RiskTier: RiskLow, ToolName: "tool.a",
				Resources: []ResourceClaim{{ResourceID: "db.rows.42", LockType: LockWrite}}},
		},
	}

	state, err := o.ExecuteWorkflow(context.Background(), spec, Principal{ID: "agent-1"})
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if state.TaskStates["writer"].Status != TaskCompleted {
		t.Fatalf("expected writer completed, got %s", state.TaskStates["writer"].Status)
	}
	if held := o.coordination.locks["db.rows.42"]; len(held) != 0 {
		t.Fatalf("expected lock released after task completion, got %d holders", len(held))
	}
}

func TestAcquireResourcesMitigatesDetectedDeadlock(t *testing.T) {
	executor := newFakeTaskExecutor()
	o := newTestOrchestrator(t, executor, nil)
	o.lockWaitLimit = 30 * time.Millisecond

	// agent-x holds resB and waits on resA; agent-y (this task) holds resA
	// and will be asked to also acquire resB, forming a two-node cycle.
	if _, ok := o.coordination.AcquireLock("resA", "agent-y", "wf-dl", LockWrite); !ok {
		t.Fatal("expected agent-y to acquire resA")
	}
	if _, ok := o.coordination.AcquireLock("resB", "agent-x", "wf-dl", LockWrite); !ok {
		t.Fatal("expected agent-x to acquire resB")
	}
	// agent-x waits on resA, recording the wait-for edge agent-x -> agent-y.
	if _, ok := o.coordination.AcquireLock("resA", "agent-x", "wf-dl", LockWrite); ok {
		t.Fatal("expected agent-x to block on resA")
	}

	task := TaskSpec{ID: "agent-y", Resources: []ResourceClaim{{ResourceID: "resB", LockType: LockWrite}}}
	spec := WorkflowSpec{ID: "wf-dl", CoordinationMitigation: MitigationAbort}

	err := o.acquireResources(context.Background(), spec, task)
	if err != nil {
		t.Fatalf("expected deadlock to be mitigated and lock eventually granted, got err: %v", err)
	}
}
