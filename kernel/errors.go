package kernel

import "fmt"

// WorkflowExecutionError surfaces a failed task with its execution context.
// The orchestrator returns this from executeWorkflow when a task fails and
// no graceful-failure recovery applied.
type WorkflowExecutionError struct {
	WorkflowID    string
	TaskID        string
	Attempt       int
	OriginalError error
}

func (e *WorkflowExecutionError) Error() string {
	return fmt.Sprintf("workflow %s: task %s failed on attempt %d: %v", e.WorkflowID, e.TaskID, e.Attempt, e.OriginalError)
}

func (e *WorkflowExecutionError) Unwrap() error { return e.OriginalError }

// TaskTimeoutError reports that pipeline step (e), execution, exceeded the
// task's timeoutMs.
type TaskTimeoutError struct {
	WorkflowID string
	TaskID     string
	TimeoutMs  int64
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s in workflow %s timed out after %dms", e.TaskID, e.WorkflowID, e.TimeoutMs)
}

// StateStoreError wraps a persistence-layer failure.
type StateStoreError struct {
	Op  string
	Err error
}

func (e *StateStoreError) Error() string { return fmt.Sprintf("state store %s: %v", e.Op, e.Err) }
func (e *StateStoreError) Unwrap() error { return e.Err }

// IdempotencyViolation reports an outbox idempotency key used inconsistently
// (e.g. a second caller supplying different tool/params for a key already
// bound to a different entry).
type IdempotencyViolation struct {
	Key    string
	Reason string
}

func (e *IdempotencyViolation) Error() string {
	return fmt.Sprintf("idempotency key %q violated: %s", e.Key, e.Reason)
}

// RollbackError reports that a rollback could not be performed.
type RollbackError struct {
	WorkflowID string
	Reason     string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of workflow %s refused: %s", e.WorkflowID, e.Reason)
}

// SnapshotNotFoundError reports a rollback or diff referencing a missing
// snapshot id.
type SnapshotNotFoundError struct {
	SnapshotID string
}

func (e *SnapshotNotFoundError) Error() string {
	return fmt.Sprintf("snapshot %s not found", e.SnapshotID)
}

// CRVValidationError reports that the validation gate blocked a commit and
// no recovery strategy produced an acceptable result. Graceful is set when
// the chosen recovery was escalate-with-no-replacement-data: the task is
// still marked failed, but the orchestrator surfaces the resulting
// WorkflowState instead of rethrowing this error.
type CRVValidationError struct {
	TaskID      string
	FailureCode string
	Reasons     []string
	Graceful    bool
}

func (e *CRVValidationError) Error() string {
	return fmt.Sprintf("task %s blocked by validation gate (%s): %v", e.TaskID, e.FailureCode, e.Reasons)
}

// PolicyViolationError reports a policy gate denial.
type PolicyViolationError struct {
	Principal             string
	Action                string
	Reason                string
	RequiresHumanApproval  bool
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy denied %s for %s: %s", e.Action, e.Principal, e.Reason)
}

// ConflictError reports an optimistic world-state version mismatch.
type ConflictError struct {
	Key             string
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on key %q: expected version %d, got %d", e.Key, e.ExpectedVersion, e.ActualVersion)
}

// DependencyError reports an unmet or undeclared dependency found while
// topologically ordering a workflow.
type DependencyError struct {
	TaskID   string
	DependsOn string
	Reason   string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %s depends on %s: %s", e.TaskID, e.DependsOn, e.Reason)
}

// ResourceExhaustedError reports a lock, outbox, or retry budget exceeded.
type ResourceExhaustedError struct {
	Resource string
	Reason   string
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource %s exhausted: %s", e.Resource, e.Reason)
}

// CircuitOpenError reports that a tool's circuit breaker refused to
// dispatch the call because the tool's recent failure rate tripped it open.
type CircuitOpenError struct {
	ToolName string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for tool %q", e.ToolName)
}

// ToolExecutionError wraps an adapter-layer execution failure.
type ToolExecutionError struct {
	ToolName string
	Err      error
}

func (e *ToolExecutionError) Error() string { return fmt.Sprintf("tool %s execution failed: %v", e.ToolName, e.Err) }
func (e *ToolExecutionError) Unwrap() error { return e.Err }
