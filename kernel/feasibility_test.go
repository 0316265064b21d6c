package kernel

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestWorldState(t *testing.T) *WorldStateStore {
	t.Helper()
	store, err := OpenWorldStateStore(filepath.Join(t.TempDir(), "world"))
	if err != nil {
		t.Fatalf("OpenWorldStateStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFeasibilityCheckerToolUnregistered(t *testing.T) {
	world := newTestWorldState(t)
	registry := NewToolRegistry(nil)
	checker := NewFeasibilityChecker(registry, world, nil, nil)

	result := checker.CheckFeasibility(TaskSpec{ID: "t1", ToolName: "fs.write", RiskTier: RiskLow})
	if result.Feasible {
		t.Fatal("expected infeasible for unregistered tool")
	}
	if result.ToolCapabilityCheck {
		t.Fatal("expected tool capability check to fail")
	}
}

func TestFeasibilityCheckerToolRiskExceedsTask(t *testing.T) {
	world := newTestWorldState(t)
	registry := NewToolRegistry([]ToolDescriptor{{Name: "admin.wipe", Available: true, RiskLevel: RiskCritical}})
	checker := NewFeasibilityChecker(registry, world, nil, nil)

	result := checker.CheckFeasibility(TaskSpec{ID: "t1", ToolName: "admin.wipe", RiskTier: RiskLow})
	if result.Feasible {
		t.Fatal("expected infeasible when tool risk exceeds task risk tier")
	}
}

func TestFeasibilityCheckerHardConstraintBlocks(t *testing.T) {
	world := newTestWorldState(t)
	registry := NewToolRegistry([]ToolDescriptor{{Name: "fs.write", Available: true, RiskLevel: RiskLow}})
	hard := []HardConstraint{
		func(w *WorldStateStore) error { return errors.New("disk quota exceeded") },
	}
	checker := NewFeasibilityChecker(registry, world, hard, nil)

	result := checker.CheckFeasibility(TaskSpec{ID: "t1", ToolName: "fs.write", RiskTier: RiskLow})
	if result.Feasible {
		t.Fatal("expected infeasible when a hard constraint is violated")
	}
}

func TestFeasibilityCheckerSoftConstraintLowersConfidenceOnly(t *testing.T) {
	world := newTestWorldState(t)
	registry := NewToolRegistry([]ToolDescriptor{{Name: "fs.write", Available: true, RiskLevel: RiskLow}})
	soft := []SoftConstraint{
		func(w *WorldStateStore) (bool, string) { return true, "disk usage above recommended watermark" },
	}
	checker := NewFeasibilityChecker(registry, world, nil, soft)

	result := checker.CheckFeasibility(TaskSpec{ID: "t1", ToolName: "fs.write", RiskTier: RiskLow})
	if !result.Feasible {
		t.Fatal("soft constraint violation must not block feasibility")
	}
	if result.ConfidenceScore >= 1.0 {
		t.Fatalf("expected confidence score lowered, got %f", result.ConfidenceScore)
	}
}

func TestFeasibilityCheckerRejectsNullInput(t *testing.T) {
	world := newTestWorldState(t)
	registry := NewToolRegistry(nil)
	checker := NewFeasibilityChecker(registry, world, nil, nil)

	result := checker.CheckFeasibility(TaskSpec{ID: "t1", RiskTier: RiskLow, Input: map[string]interface{}{"path": nil}})
	if result.Feasible {
		t.Fatal("expected infeasible for null required input")
	}
}
