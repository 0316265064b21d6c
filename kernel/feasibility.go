package kernel

import (
	"fmt"
)

// ToolDescriptor describes one registered capability a task may invoke.
type ToolDescriptor struct {
	Name      string
	Available bool
	RiskLevel RiskTier
}

// ToolRegistry is the feasibility checker's view of what tools exist and
// whether they are currently usable, generalized from the teacher's
// tool-type dispatch in task_executor.go into an explicit lookup table.
type ToolRegistry struct {
	tools map[string]ToolDescriptor
}

// NewToolRegistry builds a registry from a fixed tool set.
func NewToolRegistry(tools []ToolDescriptor) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]ToolDescriptor, len(tools))}
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return r
}

// Lookup returns a tool descriptor by name.
func (r *ToolRegistry) Lookup(name string) (ToolDescriptor, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// HardConstraint is a world-state precondition that must hold for a task
// to be feasible; a violation always blocks.
type HardConstraint func(world *WorldStateStore) error

// SoftConstraint is a world-state precondition whose violation only lowers
// confidence without blocking feasibility.
type SoftConstraint func(world *WorldStateStore) (violated bool, reason string)

// FeasibilityResult is the outcome of checkFeasibility.
type FeasibilityResult struct {
	Feasible            bool
	Reasons             []string
	ConfidenceScore     float64
	ToolCapabilityCheck bool
	ConstraintViolations []string
}

// FeasibilityChecker validates a task can plausibly execute before the
// orchestrator commits to running it: tool availability/risk alignment,
// world-state hard constraints, permission structure, and required inputs.
type FeasibilityChecker struct {
	tools            *ToolRegistry
	world            *WorldStateStore
	hardConstraints  []HardConstraint
	softConstraints  []SoftConstraint
}

// NewFeasibilityChecker wires a tool registry and world-state store plus
// the hard/soft constraint sets evaluated against it.
func NewFeasibilityChecker(tools *ToolRegistry, world *WorldStateStore, hard []HardConstraint, soft []SoftConstraint) *FeasibilityChecker {
	return &FeasibilityChecker{tools: tools, world: world, hardConstraints: hard, softConstraints: soft}
}

// CheckFeasibility runs the four-step check named in the pipeline's
// feasibility stage and reports feasible = len(reasons) == 0.
func (c *FeasibilityChecker) CheckFeasibility(task TaskSpec) FeasibilityResult {
	result := FeasibilityResult{ConfidenceScore: 1.0, ToolCapabilityCheck: true}

	if task.ToolName != "" {
		tool, ok := c.tools.Lookup(task.ToolName)
		switch {
		case !ok:
			result.ToolCapabilityCheck = false
			result.Reasons = append(result.Reasons, fmt.Sprintf("tool %q is not registered", task.ToolName))
		case !tool.Available:
			result.ToolCapabilityCheck = false
			result.Reasons = append(result.Reasons, fmt.Sprintf("tool %q is not currently available", task.ToolName))
		case len(task.AllowedTools) > 0 && !contains(task.AllowedTools, task.ToolName):
			result.ToolCapabilityCheck = false
			result.Reasons = append(result.Reasons, fmt.Sprintf("tool %q is not in task's allowed tool list", task.ToolName))
		case tool.RiskLevel.AtLeast(task.RiskTier) && tool.RiskLevel != task.RiskTier:
			result.ToolCapabilityCheck = false
			result.Reasons = append(result.Reasons, fmt.Sprintf("tool %q risk level %s exceeds task risk tier %s", task.ToolName, tool.RiskLevel, task.RiskTier))
		}
	}

	for _, check := range c.hardConstraints {
		if err := check(c.world); err != nil {
			result.Reasons = append(result.Reasons, fmt.Sprintf("hard constraint violated: %v", err))
			result.ConstraintViolations = append(result.ConstraintViolations, err.Error())
		}
	}
	for _, check := range c.softConstraints {
		if violated, reason := check(c.world); violated {
			result.ConstraintViolations = append(result.ConstraintViolations, reason)
			result.ConfidenceScore -= 0.1
			if result.ConfidenceScore < 0 {
				result.ConfidenceScore = 0
			}
		}
	}

	for _, perm := range task.RequiredPermissions {
		if perm.Action == "" || perm.Resource == "" {
			result.Reasons = append(result.Reasons, "required permission record is structurally invalid: action and resource must be set")
		}
	}

	for key, val := range task.Input {
		if val == nil {
			result.Reasons = append(result.Reasons, fmt.Sprintf("required input %q is null", key))
		}
	}

	result.Feasible = len(result.Reasons) == 0
	return result
}
