package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/kernel/internal/otelinit"
	"github.com/swarmguard/kernel/internal/resilience"
)

// TaskExecutor performs the actual work a task describes. It is the one
// capability the kernel cannot provide itself (§6): everything upstream of
// it — policy, feasibility, snapshots, validation, compensation — is
// orchestration around a call the host program supplies.
type TaskExecutor interface {
	Execute(ctx context.Context, task TaskSpec, params map[string]interface{}) (map[string]interface{}, error)
}

// TaskExecutorFunc adapts a plain function to TaskExecutor.
type TaskExecutorFunc func(ctx context.Context, task TaskSpec, params map[string]interface{}) (map[string]interface{}, error)

func (f TaskExecutorFunc) Execute(ctx context.Context, task TaskSpec, params map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, task, params)
}

// Orchestrator drives a WorkflowSpec through the full DAG scheduling
// pipeline: static safety check, topological ordering, and per-task
// policy → feasibility → snapshot → execute → validate → commit.
type Orchestrator struct {
	states       *StateStore
	events       *EventLog
	world        *WorldStateStore
	audit        *AuditChain
	outbox       *Outbox
	policy       *PolicyGate
	feasibility  *FeasibilityChecker
	validation   *ValidationGate
	compensation CompensationExecutor
	executor     TaskExecutor
	sandbox      TaskExecutor
	askUser      func(ctx context.Context, task TaskSpec, prompt string) (map[string]interface{}, bool)

	coordination *CoordinationCore
	mitigator    *CoordinationMitigator

	telemetry Telemetry
	memory    MemoryAPI

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker

	snapshotArchive map[string]StateSnapshot

	defaultTimeout time.Duration
	lockWaitLimit  time.Duration

	taskDuration     metric.Float64Histogram
	tasksTotal       metric.Int64Counter
	workflowsTotal   metric.Int64Counter
	retriesTotal     metric.Int64Counter
}

// OrchestratorConfig bundles the required collaborators an Orchestrator
// wires every workflow execution through.
type OrchestratorConfig struct {
	States       *StateStore
	Events       *EventLog
	World        *WorldStateStore
	Audit        *AuditChain
	Outbox       *Outbox
	Policy       *PolicyGate
	Feasibility  *FeasibilityChecker
	Validation   *ValidationGate
	Compensation CompensationExecutor
	Executor     TaskExecutor
	Coordination *CoordinationCore
	Meter        metric.Meter

	// Telemetry publishes fire-and-forget lifecycle summaries (§6). Nil
	// defaults to a KernelTelemetry wrapping a no-op sink.
	Telemetry Telemetry

	// Memory is the task executor's provenance trail (§6). Nil leaves it
	// unwired: Write/ListTimeline calls are simply skipped.
	Memory MemoryAPI

	// DefaultTimeout bounds step (e) when a task declares no timeoutMs.
	DefaultTimeout time.Duration

	// LockWaitLimit bounds how long a task waits on ResourceClaims before
	// the orchestrator runs deadlock detection and mitigation. Defaults to
	// 5 seconds.
	LockWaitLimit time.Duration
}

// NewOrchestrator constructs an Orchestrator from cfg. Sandbox and AskUser
// are optional and set afterward via WithSandbox/WithAskUser.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	lockWaitLimit := cfg.LockWaitLimit
	if lockWaitLimit <= 0 {
		lockWaitLimit = 5 * time.Second
	}
	taskDuration, _ := cfg.Meter.Float64Histogram("kernel_orchestrator_task_duration_ms")
	tasksTotal, _ := cfg.Meter.Int64Counter("kernel_orchestrator_tasks_total")
	workflowsTotal, _ := cfg.Meter.Int64Counter("kernel_orchestrator_workflows_total")
	retriesTotal, _ := cfg.Meter.Int64Counter("kernel_orchestrator_retries_total")

	coordination := cfg.Coordination
	if coordination == nil {
		coordination = NewCoordinationCore(cfg.Meter)
	}

	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = NewKernelTelemetry(nil)
	}

	return &Orchestrator{
		states:         cfg.States,
		events:         cfg.Events,
		world:          cfg.World,
		audit:          cfg.Audit,
		outbox:         cfg.Outbox,
		policy:         cfg.Policy,
		feasibility:    cfg.Feasibility,
		validation:     cfg.Validation,
		compensation:   cfg.Compensation,
		executor:       cfg.Executor,
		coordination:   coordination,
		mitigator:      NewCoordinationMitigator(coordination),
		telemetry:      telemetry,
		memory:         cfg.Memory,
		breakers:       make(map[string]*resilience.CircuitBreaker),
		defaultTimeout: timeout,
		lockWaitLimit:  lockWaitLimit,
		taskDuration:   taskDuration,
		tasksTotal:     tasksTotal,
		workflowsTotal: workflowsTotal,
		retriesTotal:   retriesTotal,
	}
}

// WithSandbox routes tasks whose sandboxConfig is enabled through sandbox
// instead of the primary executor.
func (o *Orchestrator) WithSandbox(sandbox TaskExecutor) *Orchestrator {
	o.sandbox = sandbox
	return o
}

// WithAskUser wires the human-in-the-loop callback the validation gate's
// ask_user recovery strategy invokes.
func (o *Orchestrator) WithAskUser(fn func(ctx context.Context, task TaskSpec, prompt string) (map[string]interface{}, bool)) *Orchestrator {
	o.askUser = fn
	return o
}

// ExecuteWorkflow runs spec's tasks to completion, to a blocked stop, or to
// failure-with-compensation, returning the final persisted WorkflowState.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, spec WorkflowSpec, principal Principal) (*WorkflowState, error) {
	slog.Info("workflow execution requested", "workflow_id", spec.ID, "tenant_id", spec.TenantID, "task_count", len(spec.Tasks))

	safety := CheckWorkflowSafety(spec, spec.SafetyPolicy)
	if !safety.Passed {
		return nil, fmt.Errorf("workflow %s rejected by static safety check: %+v", spec.ID, safety.Violations)
	}

	order, err := o.topologicalOrder(spec)
	if err != nil {
		return nil, err
	}

	state, found, err := o.states.LoadWorkflowState(ctx, spec.ID, spec.TenantID)
	if err != nil {
		return nil, err
	}
	if !found {
		now := time.Now().UTC()
		state = &WorkflowState{
			WorkflowID: spec.ID,
			TenantID:   spec.TenantID,
			Status:     WorkflowRunning,
			TaskStates: make(map[string]*TaskState, len(spec.Tasks)),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		for _, t := range spec.Tasks {
			state.TaskStates[t.ID] = &TaskState{Status: TaskPending}
		}
		o.logEvent(ctx, spec, "", EventWorkflowStarted, nil)
		o.audit.LogEvent("WORKFLOW_STARTED", map[string]interface{}{"workflowId": spec.ID, "tenantId": spec.TenantID})
		o.telemetry.RecordWorkflowStarted(ctx, spec.ID)
		slog.Info("workflow started", "workflow_id", spec.ID, "tenant_id", spec.TenantID)
	} else {
		state.Status = WorkflowRunning
	}
	if err := o.states.SaveWorkflowState(ctx, state); err != nil {
		return nil, err
	}
	o.workflowsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "started")))

	for _, taskID := range order {
		ts := state.TaskStates[taskID]
		if ts != nil && ts.Status == TaskCompleted {
			continue // idempotent resume: already-completed tasks are not re-run
		}
		task, _ := spec.TaskByID(taskID)

		if err := o.runTaskPipeline(ctx, spec, state, task, principal); err != nil {
			state.Status = WorkflowFailed
			_ = o.states.SaveWorkflowState(ctx, state)
			o.logEvent(ctx, spec, taskID, EventWorkflowFailed, map[string]interface{}{"error": err.Error()})
			o.audit.LogEvent("WORKFLOW_FAILED", map[string]interface{}{"workflowId": spec.ID, "taskId": taskID, "error": err.Error()})
			o.telemetry.RecordWorkflowFailed(ctx, spec.ID, err.Error())
			o.workflowsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "failed")))
			slog.Error("workflow failed", "workflow_id", spec.ID, "task_id", taskID, "tenant_id", spec.TenantID, "error", err)
			o.runCompensation(ctx, spec, state, task)

			var crvErr *CRVValidationError
			if errors.As(err, &crvErr) && crvErr.Graceful {
				return state, nil
			}
			return state, err
		}
	}

	state.Status = WorkflowCompleted
	if err := o.states.SaveWorkflowState(ctx, state); err != nil {
		return state, err
	}
	o.logEvent(ctx, spec, "", EventWorkflowCompleted, nil)
	o.audit.LogEvent("WORKFLOW_COMPLETED", map[string]interface{}{"workflowId": spec.ID})
	o.telemetry.RecordWorkflowCompleted(ctx, spec.ID)
	o.workflowsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "completed")))
	slog.Info("workflow completed", "workflow_id", spec.ID, "tenant_id", spec.TenantID)
	return state, nil
}

// runTaskPipeline runs one task through attempt → policy → feasibility →
// snapshot → execute → validate → commit, retrying step (e)'s failures up
// to task.Retry.MaxAttempts with exponential backoff (jittered when
// task.Retry.Jitter is set). Policy and
// feasibility rejections are terminal: they describe the task itself, not a
// transient execution fault, so retrying changes nothing.
func (o *Orchestrator) runTaskPipeline(ctx context.Context, spec WorkflowSpec, state *WorkflowState, task TaskSpec, principal Principal) error {
	ts := state.TaskStates[task.ID]
	if ts == nil {
		ts = &TaskState{}
		state.TaskStates[task.ID] = ts
	}

	maxAttempts := task.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	fail := func(err error, status TaskStatus) error {
		ts.Status = status
		ts.Error = err.Error()
		_ = o.states.SaveTaskState(ctx, spec.ID, task.ID, ts)
		o.logEvent(ctx, spec, task.ID, EventTaskFailed, map[string]interface{}{"error": err.Error()})
		o.telemetry.RecordTaskEvent(ctx, spec.ID, task.ID, EventTaskFailed)
		o.tasksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "failed")))
		slog.Warn("task failed", "workflow_id", spec.ID, "task_id", task.ID, "tenant_id", spec.TenantID, "error", err)
		return err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retry, err := o.runAttempt(ctx, spec, task, ts, attempt, maxAttempts, principal, fail)
		if retry {
			continue
		}
		return err
	}

	return fail(fmt.Errorf("task %s exhausted retries with no recorded error", task.ID), TaskFailed)
}

// runAttempt runs one attempt of the per-task pipeline under its own trace
// span, returning (true, nil) when the caller should retry and (false, err)
// on a terminal outcome (err is nil on success).
func (o *Orchestrator) runAttempt(ctx context.Context, spec WorkflowSpec, task TaskSpec, ts *TaskState, attempt, maxAttempts int, principal Principal, fail func(error, TaskStatus) error) (bool, error) {
	ctx, endSpan := otelinit.WithSpan(ctx, "kernel.task."+task.ID)
	defer endSpan()

	start := time.Now()
	ts.Attempt = attempt
	ts.Status = TaskRunning
	startedAt := time.Now().UTC()
	ts.StartedAt = &startedAt
	if err := o.states.SaveTaskState(ctx, spec.ID, task.ID, ts); err != nil {
		return false, err
	}
	o.logEvent(ctx, spec, task.ID, EventTaskStarted, map[string]interface{}{"attempt": attempt})
	o.telemetry.RecordTaskEvent(ctx, spec.ID, task.ID, EventTaskStarted)
	slog.Info("task started", "workflow_id", spec.ID, "task_id", task.ID, "tenant_id", spec.TenantID, "attempt", attempt)

	decision := o.policy.Evaluate(ctx, principal, policyActionFor(task), task.ToolName, approvalTokenFor(task))
	o.logEvent(ctx, spec, task.ID, EventPolicyDecision, map[string]interface{}{"allowed": decision.Allowed, "reason": decision.Reason})
	if !decision.Allowed {
		ts.Metadata = map[string]interface{}{"policyBlocked": true}
		slog.Warn("task blocked by policy", "workflow_id", spec.ID, "task_id", task.ID, "tenant_id", spec.TenantID, "reason", decision.Reason)
		return false, fail(&PolicyViolationError{Principal: principal.ID, Action: task.Name, Reason: decision.Reason, RequiresHumanApproval: decision.RequiresHumanApproval}, TaskFailed)
	}

	feasible := o.feasibility.CheckFeasibility(task)
	o.logEvent(ctx, spec, task.ID, EventFeasibilityDecision, map[string]interface{}{"feasible": feasible.Feasible, "reasons": feasible.Reasons})
	if !feasible.Feasible {
		return false, fail(fmt.Errorf("task %s infeasible: %v", task.ID, feasible.Reasons), TaskFailed)
	}

	beforeSnap, err := o.world.Snapshot()
	if err != nil {
		return false, fail(err, TaskFailed)
	}
	o.RegisterSnapshot(beforeSnap)
	o.logEvent(ctx, spec, task.ID, EventStateSnapshot, map[string]interface{}{"snapshotId": beforeSnap.ID, "phase": "before"})

	if len(task.Resources) > 0 {
		if err := o.acquireResources(ctx, spec, task); err != nil {
			if attempt < maxAttempts {
				ts.Status = TaskRetrying
				ts.Error = err.Error()
				_ = o.states.SaveTaskState(ctx, spec.ID, task.ID, ts)
				o.retriesTotal.Add(ctx, 1)
				sleepBackoff(task.Retry, attempt)
				return true, nil
			}
			return false, fail(err, TaskFailed)
		}
	}

	result, execErr := o.executeOnce(ctx, spec, task)
	if len(task.Resources) > 0 {
		o.releaseResources(task)
	}
	o.taskDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("task", task.ID)))

	if execErr != nil {
		var timeoutErr *TaskTimeoutError
		if errors.As(execErr, &timeoutErr) {
			ts.TimedOut = true
			o.logEvent(ctx, spec, task.ID, EventTaskTimeout, map[string]interface{}{"attempt": attempt})
			o.telemetry.RecordTaskEvent(ctx, spec.ID, task.ID, EventTaskTimeout)
		}
		if attempt < maxAttempts {
			ts.Status = TaskRetrying
			ts.Error = execErr.Error()
			_ = o.states.SaveTaskState(ctx, spec.ID, task.ID, ts)
			o.logEvent(ctx, spec, task.ID, EventTaskRetrying, map[string]interface{}{"attempt": attempt, "error": execErr.Error()})
			o.telemetry.RecordTaskEvent(ctx, spec.ID, task.ID, EventTaskRetrying)
			o.retriesTotal.Add(ctx, 1)
			slog.Warn("task retrying", "workflow_id", spec.ID, "task_id", task.ID, "tenant_id", spec.TenantID, "attempt", attempt, "error", execErr)
			sleepBackoff(task.Retry, attempt)
			return true, nil
		}
		return false, fail(&WorkflowExecutionError{WorkflowID: spec.ID, TaskID: task.ID, Attempt: attempt, OriginalError: execErr}, TaskFailed)
	}

	finalResult, recovered, err := o.runValidation(ctx, spec, task, result)
	if err != nil {
		var crvErr *CRVValidationError
		if errors.As(err, &crvErr) && crvErr.Graceful {
			ts.Metadata = map[string]interface{}{"crvRecoveryGracefulFailure": true}
		}
		return false, fail(err, TaskFailed)
	}

	afterSnap, err := o.world.Snapshot()
	if err != nil {
		return false, fail(err, TaskFailed)
	}
	o.RegisterSnapshot(afterSnap)
	diff := Diff(beforeSnap, afterSnap)
	if len(diff) > 0 || recovered {
		payload := map[string]interface{}{"diff": diff, "snapshotId": afterSnap.ID}
		if recovered {
			payload["crvRecovery"] = map[string]interface{}{"success": true}
		}
		o.logEvent(ctx, spec, task.ID, EventStateUpdated, payload)
		o.audit.LogEvent("STATE_COMMIT", map[string]interface{}{"workflowId": spec.ID, "taskId": task.ID, "snapshotId": afterSnap.ID})
	}

	ts.Status = TaskCompleted
	completedAt := time.Now().UTC()
	ts.CompletedAt = &completedAt
	ts.Result = finalResult
	ts.Error = ""
	if err := o.states.SaveTaskState(ctx, spec.ID, task.ID, ts); err != nil {
		return false, err
	}
	o.logEvent(ctx, spec, task.ID, EventTaskCompleted, map[string]interface{}{"attempt": attempt})
	o.audit.LogEvent("TASK_COMPLETED", map[string]interface{}{"workflowId": spec.ID, "taskId": task.ID})
	o.telemetry.RecordTaskEvent(ctx, spec.ID, task.ID, EventTaskCompleted)
	o.recordMemory(ctx, spec, task, finalResult)
	o.tasksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "completed")))
	slog.Info("task completed", "workflow_id", spec.ID, "task_id", task.ID, "tenant_id", spec.TenantID, "attempt", attempt)
	return false, nil
}

// recordMemory writes finalResult to the configured MemoryAPI as one
// provenance entry, keyed so WorkflowTimeline can replay it later. A nil
// memory capability (the common case when no host MemoryAPI is wired) is a
// no-op; a write failure is logged and swallowed, matching Telemetry's
// fire-and-forget contract — provenance is a convenience, not part of the
// task's durability guarantee.
func (o *Orchestrator) recordMemory(ctx context.Context, spec WorkflowSpec, task TaskSpec, result map[string]interface{}) {
	if o.memory == nil {
		return
	}
	content, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := o.memory.Write(ctx, string(content), task.ToolName, map[string]interface{}{"workflowId": spec.ID, "taskId": task.ID}); err != nil {
		slog.Warn("memory write failed", "workflow_id", spec.ID, "task_id", task.ID, "error", err)
	}
}

// WorkflowTimeline returns the provenance entries a task executor recorded
// via MemoryAPI for workflowID, or nil if no MemoryAPI is configured.
func (o *Orchestrator) WorkflowTimeline(ctx context.Context, workflowID string) ([]MemoryEntry, error) {
	if o.memory == nil {
		return nil, nil
	}
	return o.memory.ListTimeline(ctx, workflowID)
}

// runValidation runs the commit built from result through the validation
// gate, applying recovery when it's blocked. It returns the data that
// should be committed as the task's result, and whether that data came from
// a successful recovery rather than the first pass.
func (o *Orchestrator) runValidation(ctx context.Context, spec WorkflowSpec, task TaskSpec, result map[string]interface{}) (map[string]interface{}, bool, error) {
	commit := Commit{ID: task.ID, Data: result}
	gateResult := o.validation.Run(commit)
	o.logEvent(ctx, spec, task.ID, EventCRVDecision, map[string]interface{}{"passed": gateResult.Passed, "failureCode": gateResult.FailureCode})
	if gateResult.Passed {
		return result, false, nil
	}

	var recoveredData map[string]interface{}
	altRunner := func(toolName string) (Commit, error) {
		altTask := task
		altTask.ToolName = toolName
		altResult, err := o.executor.Execute(ctx, altTask, task.Input)
		if err != nil {
			return Commit{}, err
		}
		recoveredData = altResult
		return Commit{ID: task.ID, Data: altResult}, nil
	}
	var askUserFn func(string) (Commit, bool)
	if o.askUser != nil {
		askUserFn = func(prompt string) (Commit, bool) {
			data, ok := o.askUser(ctx, task, prompt)
			if ok {
				recoveredData = data
			}
			return Commit{ID: task.ID, Data: data}, ok
		}
	}

	recovered, err := o.validation.ApplyRecovery(gateResult, altRunner, askUserFn)
	if err != nil {
		return nil, false, &CRVValidationError{TaskID: task.ID, FailureCode: gateResult.FailureCode, Reasons: []string{err.Error()}}
	}
	if !recovered.Passed {
		graceful := recovered.RecoveryStrategy != nil && recovered.RecoveryStrategy.Kind == RecoveryEscalate && recoveredData == nil
		return nil, false, &CRVValidationError{TaskID: task.ID, FailureCode: recovered.FailureCode, Reasons: collectReasons(recovered.ValidationResults), Graceful: graceful}
	}
	if recoveredData != nil {
		return recoveredData, true, nil
	}
	return result, false, nil
}

func collectReasons(results []ValidationResult) []string {
	reasons := make([]string, 0, len(results))
	for _, r := range results {
		if !r.Valid {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}

// executeOnce runs a single attempt of step (e): execution bound by the
// task's timeout (or the orchestrator default), racing a result channel
// against the deadline the way the teacher's worker pool races cancellation,
// since a slow tool implementation may not itself respect ctx. Idempotency-
// keyed tasks run through the outbox instead, for exactly-once commit.
func (o *Orchestrator) executeOnce(ctx context.Context, spec WorkflowSpec, task TaskSpec) (map[string]interface{}, error) {
	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	executor := o.executor
	if task.SandboxConfig != nil && task.SandboxConfig.Enabled && o.sandbox != nil {
		executor = o.sandbox
	}
	breaker := o.breakerFor(task.ToolName)
	effect := func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		if !breaker.Allow() {
			return nil, &CircuitOpenError{ToolName: task.ToolName}
		}
		result, err := executor.Execute(ctx, task, params)
		breaker.RecordResult(err == nil)
		return result, err
	}

	if task.IdempotencyKey != "" {
		maxAttempts := task.Retry.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		entry, err := o.outbox.Execute(execCtx, spec.ID, task.ID, task.ToolName, task.Input, task.IdempotencyKey, effect, maxAttempts)
		if err != nil {
			if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
				return nil, &TaskTimeoutError{WorkflowID: spec.ID, TaskID: task.ID, TimeoutMs: task.TimeoutMs}
			}
			return nil, err
		}
		return entry.Result, nil
	}

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := effect(execCtx, task.Input)
		ch <- outcome{res, err}
	}()
	select {
	case out := <-ch:
		return out.result, out.err
	case <-execCtx.Done():
		return nil, &TaskTimeoutError{WorkflowID: spec.ID, TaskID: task.ID, TimeoutMs: task.TimeoutMs}
	}
}

// breakerFor returns the per-tool circuit breaker, creating one with the
// orchestrator's default trip parameters on first use. A tripped breaker
// turns a failing tool's dispatch into an immediate CircuitOpenError instead
// of a hung or slowly-failing call, the same way a tool's own timeout would,
// but scoped to the tool's recent failure rate rather than a single attempt.
func (o *Orchestrator) breakerFor(tool string) *resilience.CircuitBreaker {
	o.breakerMu.Lock()
	defer o.breakerMu.Unlock()
	b, ok := o.breakers[tool]
	if !ok {
		b = resilience.NewCircuitBreaker(60*time.Second, 6, 5, 0.5, 10*time.Second, 1)
		o.breakers[tool] = b
	}
	return b
}

// acquireResources grants every claim task.Resources declares, in order,
// polling the coordination core until each grant succeeds or lockWaitLimit
// elapses. A stalled wait triggers deadlock detection; any detected cycle
// runs spec.CoordinationMitigation (default
// ESCALATE) before the wait resumes, so a mitigated cycle can still succeed
// within the same call. Claims already granted are released before
// returning an error, so a partial acquisition never leaks locks.
func (o *Orchestrator) acquireResources(ctx context.Context, spec WorkflowSpec, task TaskSpec) error {
	agentID := task.ID
	granted := make([]string, 0, len(task.Resources))

	strategy := spec.CoordinationMitigation
	if strategy == "" {
		strategy = MitigationEscalate
	}

	deadline := time.Now().Add(o.lockWaitLimit)
	for _, claim := range task.Resources {
		for {
			if _, ok := o.coordination.AcquireLock(claim.ResourceID, agentID, spec.ID, claim.LockType); ok {
				granted = append(granted, claim.ResourceID)
				break
			}
			if time.Now().After(deadline) {
				if report := o.coordination.DetectDeadlock(); report.Detected {
					o.logEvent(ctx, spec, task.ID, EventMitigationStarted, map[string]interface{}{"type": "deadlock", "cycle": report.Cycle})
					outcome := o.mitigator.MitigateDeadlock(report, strategy)
					if outcome.Succeeded {
						affected := []string{}
						if outcome.TargetAgent != "" {
							affected = []string{outcome.TargetAgent}
						}
						o.logEvent(ctx, spec, task.ID, EventMitigationCompleted, map[string]interface{}{"strategy": string(outcome.Strategy), "affectedAgents": affected, "released": outcome.ReleasedLocks})
						o.audit.LogEvent("MITIGATION_COMPLETED", map[string]interface{}{"workflowId": spec.ID, "taskId": task.ID, "strategy": string(outcome.Strategy), "affectedAgents": affected})
						deadline = time.Now().Add(o.lockWaitLimit)
						continue
					}
					o.logEvent(ctx, spec, task.ID, EventMitigationFailed, map[string]interface{}{"strategy": string(outcome.Strategy)})
				}
				for _, r := range granted {
					o.coordination.ReleaseLock(r, agentID)
				}
				return &ResourceExhaustedError{Resource: claim.ResourceID, Reason: fmt.Sprintf("task %s timed out waiting for lock", task.ID)}
			}
			time.Sleep(25 * time.Millisecond)
		}
	}
	return nil
}

// releaseResources releases every lock task.Resources declared, regardless
// of whether execution succeeded.
func (o *Orchestrator) releaseResources(task TaskSpec) {
	for _, claim := range task.Resources {
		o.coordination.ReleaseLock(claim.ResourceID, task.ID)
	}
}

// runCompensation handles a terminally failed task: it runs the task's own
// onFailure/onTimeout compensation handler if declared, then unwinds every
// already-completed step carrying a compensationAction in LIFO order via
// RunSaga (§4.11).
func (o *Orchestrator) runCompensation(ctx context.Context, spec WorkflowSpec, state *WorkflowState, failedTask TaskSpec) {
	ts := state.TaskStates[failedTask.ID]
	handlerID := failedTask.Compensation.OnFailure
	if ts != nil && ts.TimedOut && failedTask.Compensation.OnTimeout != "" {
		handlerID = failedTask.Compensation.OnTimeout
	}
	if handlerID != "" {
		if handlerTask, ok := spec.TaskByID(handlerID); ok {
			o.logEvent(ctx, spec, handlerID, EventCompensationStart, map[string]interface{}{"for": failedTask.ID})
			if _, err := o.executeOnce(ctx, spec, handlerTask); err != nil {
				o.logEvent(ctx, spec, handlerID, EventCompensationFailed, map[string]interface{}{"error": err.Error()})
				o.audit.LogEvent("COMPENSATION_FAILED", map[string]interface{}{"workflowId": spec.ID, "taskId": handlerID, "error": err.Error()})
			} else {
				o.logEvent(ctx, spec, handlerID, EventCompensationDone, nil)
				o.audit.LogEvent("COMPENSATION_COMPLETED", map[string]interface{}{"workflowId": spec.ID, "taskId": handlerID})
			}
		}
	}

	if o.compensation == nil {
		return
	}
	order, err := o.topologicalOrder(spec)
	if err != nil {
		return
	}
	var completed []TaskSpec
	for _, id := range order {
		t, _ := spec.TaskByID(id)
		st := state.TaskStates[t.ID]
		if st != nil && st.Status == TaskCompleted && t.CompensationAction != nil {
			completed = append(completed, t)
		}
	}
	if len(completed) == 0 {
		return
	}
	o.logEvent(ctx, spec, "", EventCompensationStart, map[string]interface{}{"stepCount": len(completed)})
	RunSaga(ctx, o.compensation, spec.ID, completed, func(oc CompensationOutcome) {
		if oc.Err != nil {
			o.logEvent(ctx, spec, oc.TaskID, EventCompensationFailed, map[string]interface{}{"error": oc.Err.Error()})
			o.audit.LogEvent("COMPENSATION_FAILED", map[string]interface{}{"workflowId": spec.ID, "taskId": oc.TaskID, "error": oc.Err.Error()})
			return
		}
		o.logEvent(ctx, spec, oc.TaskID, EventCompensationDone, nil)
		o.audit.LogEvent("COMPENSATION_COMPLETED", map[string]interface{}{"workflowId": spec.ID, "taskId": oc.TaskID})
	})
}

// topologicalOrder computes a stable Kahn's-algorithm ordering of spec's
// tasks: among nodes simultaneously ready, ties break by declaration order
// in spec.Tasks, not map iteration order.
func (o *Orchestrator) topologicalOrder(spec WorkflowSpec) ([]string, error) {
	declOrder := make(map[string]int, len(spec.Tasks))
	indegree := make(map[string]int, len(spec.Tasks))
	for i, t := range spec.Tasks {
		declOrder[t.ID] = i
		indegree[t.ID] = len(spec.Dependencies[t.ID])
	}
	children := make(map[string][]string)
	for id, deps := range spec.Dependencies {
		for _, dep := range deps {
			children[dep] = append(children[dep], id)
		}
	}

	byDecl := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return declOrder[ids[i]] < declOrder[ids[j]] })
	}

	var ready []string
	for _, t := range spec.Tasks {
		if indegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}
	byDecl(ready)

	order := make([]string, 0, len(spec.Tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		next := children[id]
		for _, child := range next {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
		byDecl(ready)
	}

	if len(order) != len(spec.Tasks) {
		return nil, &DependencyError{TaskID: spec.ID, Reason: "cycle detected while computing topological order"}
	}
	return order, nil
}

func (o *Orchestrator) logEvent(ctx context.Context, spec WorkflowSpec, taskID string, evType EventType, data map[string]interface{}) {
	_, _ = o.events.Append(ctx, Event{
		Type:       evType,
		WorkflowID: spec.ID,
		TaskID:     taskID,
		TenantID:   spec.TenantID,
		Data:       data,
	})
}

func policyActionFor(task TaskSpec) ActionPolicy {
	return ActionPolicy{
		Name:                task.Name,
		RiskTier:            task.RiskTier,
		RequiredPermissions: task.RequiredPermissions,
		AllowedTools:        task.AllowedTools,
		Intent:              task.Intent,
		DataZone:            task.DataZone,
	}
}

// approvalTokenFor extracts an approval token a caller attached to a CRITICAL
// task's input, if any. A task carries no dedicated approval-token field;
// callers resubmitting an approved task pass it through input["approvalToken"].
func approvalTokenFor(task TaskSpec) string {
	if task.Input == nil {
		return ""
	}
	if tok, ok := task.Input["approvalToken"].(string); ok {
		return tok
	}
	return ""
}

// sleepBackoff implements exponential backoff per the retry policy's
// declared multiplier (default 2) off its base backoffMs (default 500ms),
// capped at 60s; when retry.Jitter is set the delay is scaled by a uniform
// factor in [0.5, 1.5).
func sleepBackoff(retry RetryPolicy, attempt int) {
	base := time.Duration(retry.BackoffMs) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	mult := retry.Multiplier
	if mult <= 0 {
		mult = 2
	}
	wait := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if wait > 60*time.Second {
		wait = 60 * time.Second
	}
	if retry.Jitter {
		factor := 0.5 + rand.Float64()
		wait = time.Duration(float64(wait) * factor)
	}
	time.Sleep(wait)
}
