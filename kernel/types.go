// Package kernel implements the durable workflow orchestration core: DAG
// scheduling, policy gating, world-state versioning, outbox effects, saga
// compensation, coordination, and a tamper-evident audit chain.
package kernel

import "time"

// RiskTier orders task risk from least to most sensitive.
type RiskTier string

const (
	RiskLow      RiskTier = "LOW"
	RiskMedium   RiskTier = "MEDIUM"
	RiskHigh     RiskTier = "HIGH"
	RiskCritical RiskTier = "CRITICAL"
)

var riskRank = map[RiskTier]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// Less reports whether r is strictly lower risk than other.
func (r RiskTier) Less(other RiskTier) bool { return riskRank[r] < riskRank[other] }

// AtLeast reports whether r is at least as risky as other.
func (r RiskTier) AtLeast(other RiskTier) bool { return riskRank[r] >= riskRank[other] }

// TaskType distinguishes how a task's children are scheduled.
type TaskType string

const (
	TaskTypeAction   TaskType = "action"
	TaskTypeDecision TaskType = "decision"
	TaskTypeParallel TaskType = "parallel"
)

// Permission is a required (action, resource) pair, optionally narrowed by
// intent and data zone.
type Permission struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Intent   string `json:"intent,omitempty"`
	DataZone string `json:"dataZone,omitempty"`
}

// RetryPolicy bounds how a task's pipeline step (e) is retried on failure.
type RetryPolicy struct {
	MaxAttempts int     `json:"maxAttempts"`
	BackoffMs   int64   `json:"backoffMs"`
	Multiplier  float64 `json:"multiplier"`
	Jitter      bool    `json:"jitter"`
}

// CompensationSpec names the tasks run when this task fails or times out.
type CompensationSpec struct {
	OnFailure string `json:"onFailure,omitempty"`
	OnTimeout string `json:"onTimeout,omitempty"`
}

// CompensationAction is the saga undo invoked in reverse order on workflow
// failure, per completed task.
type CompensationAction struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// SandboxConfig controls whether a task runs through the sandbox capability.
type SandboxConfig struct {
	Enabled        bool     `json:"enabled"`
	Type           string   `json:"type,omitempty"`
	SimulationMode bool     `json:"simulationMode,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
}

// TaskSpec is the immutable, workflow-scoped definition of one task.
type TaskSpec struct {
	ID                  string               `json:"id"`
	Name                string               `json:"name"`
	Type                TaskType             `json:"type"`
	RiskTier            RiskTier             `json:"riskTier"`
	Intent              string               `json:"intent,omitempty"`
	DataZone            string               `json:"dataZone,omitempty"`
	RequiredPermissions []Permission         `json:"requiredPermissions,omitempty"`
	Retry               RetryPolicy          `json:"retry"`
	TimeoutMs           int64                `json:"timeoutMs,omitempty"`
	IdempotencyKey      string               `json:"idempotencyKey,omitempty"`
	ToolName            string               `json:"toolName,omitempty"`
	AllowedTools        []string             `json:"allowedTools,omitempty"`
	Input               map[string]interface{} `json:"input,omitempty"`
	Compensation        CompensationSpec     `json:"compensation,omitempty"`
	CompensationAction  *CompensationAction  `json:"compensationAction,omitempty"`
	SandboxConfig       *SandboxConfig       `json:"sandboxConfig,omitempty"`
	Resources           []ResourceClaim      `json:"resources,omitempty"`
}

// ResourceClaim declares one shared resource a task must hold a lock on for
// the duration of its execution step. Tasks that declare no claims never
// touch the coordination core — coordination only governs resources a task
// explicitly registers.
type ResourceClaim struct {
	ResourceID string   `json:"resourceId"`
	LockType   LockType `json:"lockType"`
}

// SafetyRuleConfig toggles one static safety rule (see safety.go).
type SafetyRuleConfig struct {
	Enabled  bool   `json:"enabled"`
	Severity string `json:"severity"` // "error" | "warning"
}

// SafetyPolicy configures the workflow checker (C12).
type SafetyPolicy struct {
	FailFast                    bool                        `json:"failFast"`
	NoActionAfterCritical       SafetyRuleConfig            `json:"noActionAfterCritical"`
	RequirePermissionsForHigh   SafetyRuleConfig            `json:"requirePermissionsForHighRisk"`
	RequireCompensationCritical SafetyRuleConfig            `json:"requireCompensationForCritical"`
	NoCycles                    SafetyRuleConfig            `json:"noCycles"`
	ApprovedAfterCritical       map[string][]string         `json:"approvedAfterCritical,omitempty"`
	Custom                      []CustomSafetyRule          `json:"-"`
}

// CustomSafetyRule is an arbitrary predicate over a WorkflowSpec.
type CustomSafetyRule struct {
	Name     string
	Severity string
	Check    func(WorkflowSpec) []SafetyViolation
}

// WorkflowSpec is the declarative DAG of tasks submitted for execution.
type WorkflowSpec struct {
	ID                     string              `json:"id"`
	Name                   string              `json:"name"`
	Tasks                  []TaskSpec          `json:"tasks"`
	Dependencies           map[string][]string `json:"dependencies"`
	SafetyPolicy           *SafetyPolicy       `json:"safetyPolicy,omitempty"`
	TenantID               string              `json:"tenantId,omitempty"`
	CoordinationMitigation MitigationStrategy  `json:"coordinationMitigation,omitempty"`
}

// TaskByID looks up a task spec by id.
func (w WorkflowSpec) TaskByID(id string) (TaskSpec, bool) {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// TaskStatus is the lifecycle state of a single task's execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
	TaskTimeout   TaskStatus = "timeout"
)

// TaskState is the orchestrator's persisted view of one task's progress.
type TaskState struct {
	Status      TaskStatus             `json:"status"`
	Attempt     int                    `json:"attempt"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	TimedOut    bool                   `json:"timedOut"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// WorkflowStatus is the lifecycle state of a whole workflow execution.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowPaused    WorkflowStatus = "paused"
)

// WorkflowState is the orchestrator's persisted view of a whole execution.
type WorkflowState struct {
	WorkflowID string                `json:"workflowId"`
	TenantID   string                `json:"tenantId,omitempty"`
	Status     WorkflowStatus        `json:"status"`
	TaskStates map[string]*TaskState `json:"taskStates"`
	CreatedAt  time.Time             `json:"createdAt"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

// EventType enumerates the lifecycle transitions the event log records.
type EventType string

const (
	EventWorkflowStarted     EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted   EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed      EventType = "WORKFLOW_FAILED"
	EventTaskStarted         EventType = "TASK_STARTED"
	EventTaskCompleted       EventType = "TASK_COMPLETED"
	EventTaskFailed          EventType = "TASK_FAILED"
	EventTaskRetrying        EventType = "TASK_RETRYING"
	EventTaskTimeout         EventType = "TASK_TIMEOUT"
	EventStateSnapshot       EventType = "STATE_SNAPSHOT"
	EventStateUpdated        EventType = "STATE_UPDATED"
	EventPolicyDecision      EventType = "POLICY_DECISION"
	EventFeasibilityDecision EventType = "FEASIBILITY_DECISION"
	EventCRVDecision         EventType = "CRV_DECISION"
	EventCompensationStart   EventType = "COMPENSATION_TRIGGERED"
	EventCompensationDone    EventType = "COMPENSATION_COMPLETED"
	EventCompensationFailed  EventType = "COMPENSATION_FAILED"
	EventLockTimeout         EventType = "LOCK_TIMEOUT"
	EventMitigationStarted   EventType = "MITIGATION_STARTED"
	EventMitigationCompleted EventType = "MITIGATION_COMPLETED"
	EventMitigationFailed    EventType = "MITIGATION_FAILED"
	EventFaultInjected       EventType = "FAULT_INJECTED"
)

// Event is one append-only record in a workflow's event stream.
type Event struct {
	Sequence  uint64                 `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	WorkflowID string                `json:"workflowId"`
	TaskID    string                 `json:"taskId,omitempty"`
	TenantID  string                 `json:"tenantId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// WorldStateEntry is one versioned key in the world-model store.
type WorldStateEntry struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Version   uint64      `json:"version"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// StateSnapshot is an immutable copy of every entry at a point in time.
type StateSnapshot struct {
	ID      string                     `json:"id"`
	Entries map[string]WorldStateEntry `json:"entries"`
	TakenAt time.Time                  `json:"takenAt"`
}

// DiffOp names the kind of change between two snapshot entries.
type DiffOp string

const (
	DiffCreate DiffOp = "create"
	DiffUpdate DiffOp = "update"
	DiffDelete DiffOp = "delete"
)

// StateDiffEntry is one per-key delta between two snapshots.
type StateDiffEntry struct {
	Key    string           `json:"key"`
	Before *WorldStateEntry `json:"before,omitempty"`
	After  *WorldStateEntry `json:"after,omitempty"`
	Op     DiffOp           `json:"op"`
}

// OutboxState is the lifecycle of one exactly-once side effect.
type OutboxState string

const (
	OutboxPending     OutboxState = "PENDING"
	OutboxProcessing  OutboxState = "PROCESSING"
	OutboxCommitted   OutboxState = "COMMITTED"
	OutboxFailed      OutboxState = "FAILED"
	OutboxDeadLetter  OutboxState = "DEAD_LETTER"
)

// OutboxEntry tracks one idempotency-keyed side effect through its lifecycle.
type OutboxEntry struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflowId"`
	TaskID         string                 `json:"taskId"`
	ToolID         string                 `json:"toolId"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	State          OutboxState            `json:"state"`
	Attempts       int                    `json:"attempts"`
	MaxAttempts    int                    `json:"maxAttempts"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// AuditRecord is one hash-chained entry in the tamper-evident audit log.
type AuditRecord struct {
	Sequence     uint64      `json:"sequence"`
	Timestamp    time.Time   `json:"timestamp"`
	Kind         string      `json:"kind"`
	Payload      interface{} `json:"payload"`
	PreviousHash string      `json:"previousHash"`
	Hash         string      `json:"hash"`
}

// LockType distinguishes read locks (shareable) from write locks (exclusive).
type LockType string

const (
	LockRead  LockType = "read"
	LockWrite LockType = "write"
)

// CoordinationPolicy governs how concurrent lock requests for a resource are
// resolved.
type CoordinationPolicy string

const (
	PolicyExclusive CoordinationPolicy = "EXCLUSIVE"
	PolicyShared    CoordinationPolicy = "SHARED"
	PolicyOrdered   CoordinationPolicy = "ORDERED"
	PolicyPriority  CoordinationPolicy = "PRIORITY"
)

// ResourceLock is one held or pending lock on a coordination-core resource.
type ResourceLock struct {
	ResourceID string     `json:"resourceId"`
	AgentID    string     `json:"agentId"`
	WorkflowID string     `json:"workflowId"`
	LockType   LockType   `json:"lockType"`
	AcquiredAt time.Time  `json:"acquiredAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// AgentDependency describes one agent's place in the resource wait-for graph.
type AgentDependency struct {
	AgentID            string   `json:"agentId"`
	HeldResources      []string `json:"heldResources"`
	RequestedResources []string `json:"requestedResources"`
	WaitingFor         []string `json:"waitingFor"`
}

// SafetyViolation is one rule failure found by the static workflow checker.
type SafetyViolation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	TaskID   string `json:"taskId,omitempty"`
	Message  string `json:"message"`
}

// Commit is the structured object the validation gate evaluates.
type Commit struct {
	ID            string                 `json:"id"`
	Data          map[string]interface{} `json:"data"`
	PreviousState map[string]interface{} `json:"previousState,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}
