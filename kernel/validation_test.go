package kernel

import "testing"

func alwaysValid(commit Commit) ValidationResult { return ValidationResult{Valid: true, Confidence: 1} }

func TestValidationGatePassesWhenAllValidatorsPass(t *testing.T) {
	gate := NewValidationGate([]Validator{alwaysValid, alwaysValid}, nil)
	result := gate.Run(Commit{ID: "c1", Data: map[string]interface{}{"x": 1}})
	if !result.Passed {
		t.Fatalf("expected pass, got %+v", result)
	}
}

func TestValidationGateEscalatesByDefault(t *testing.T) {
	failing := func(commit Commit) ValidationResult { return ValidationResult{Valid: false, Reason: "schema mismatch"} }
	gate := NewValidationGate([]Validator{failing}, nil)

	result := gate.Run(Commit{ID: "c1", Data: map[string]interface{}{"x": 1}})
	if result.Passed {
		t.Fatal("expected failure")
	}
	if result.RecoveryStrategy == nil || result.RecoveryStrategy.Kind != RecoveryEscalate {
		t.Fatalf("expected default escalate strategy, got %+v", result.RecoveryStrategy)
	}
	if result.BlockedCommit == nil || result.BlockedCommit.ID != "c1" {
		t.Fatal("expected blockedCommit to carry the original commit")
	}
}

func TestValidationGateIgnoreRecoveryPasses(t *testing.T) {
	failing := func(commit Commit) ValidationResult { return ValidationResult{Valid: false, Reason: "cosmetic issue"} }
	chooseIgnore := func(commit Commit, results []ValidationResult) *RecoveryStrategy {
		return &RecoveryStrategy{Kind: RecoveryIgnore, Reason: "non-blocking per policy"}
	}
	gate := NewValidationGate([]Validator{failing}, chooseIgnore)

	result := gate.Run(Commit{ID: "c1", Data: map[string]interface{}{"x": 1}})
	recovered, err := gate.ApplyRecovery(result, nil, nil)
	if err != nil {
		t.Fatalf("ApplyRecovery: %v", err)
	}
	if !recovered.Passed {
		t.Fatal("expected ignore recovery to pass")
	}
}

func TestValidationGateRetryAltToolRevalidates(t *testing.T) {
	callCount := 0
	flaky := func(commit Commit) ValidationResult {
		callCount++
		if v, ok := commit.Data["fixed"]; ok && v == true {
			return ValidationResult{Valid: true, Confidence: 1}
		}
		return ValidationResult{Valid: false, Reason: "bad output"}
	}
	chooseRetry := func(commit Commit, results []ValidationResult) *RecoveryStrategy {
		return &RecoveryStrategy{Kind: RecoveryRetryAltTool, AltTool: "alt.tool", MaxRetries: 1}
	}
	gate := NewValidationGate([]Validator{flaky}, chooseRetry)

	result := gate.Run(Commit{ID: "c1", Data: map[string]interface{}{}})
	altRunner := func(toolName string) (Commit, error) {
		return Commit{ID: "c1", Data: map[string]interface{}{"fixed": true}}, nil
	}
	recovered, err := gate.ApplyRecovery(result, altRunner, nil)
	if err != nil {
		t.Fatalf("ApplyRecovery: %v", err)
	}
	if !recovered.Passed {
		t.Fatalf("expected re-validation to pass after alt-tool fix, got %+v", recovered)
	}
}

func TestValidationGateAskUserDeclineKeepsOriginalFailure(t *testing.T) {
	failing := func(commit Commit) ValidationResult { return ValidationResult{Valid: false, Reason: "needs confirmation"} }
	chooseAsk := func(commit Commit, results []ValidationResult) *RecoveryStrategy {
		return &RecoveryStrategy{Kind: RecoveryAskUser, Prompt: "confirm deletion?"}
	}
	gate := NewValidationGate([]Validator{failing}, chooseAsk)

	result := gate.Run(Commit{ID: "c1", Data: map[string]interface{}{}})
	declineUser := func(prompt string) (Commit, bool) { return Commit{}, false }
	recovered, err := gate.ApplyRecovery(result, nil, declineUser)
	if err != nil {
		t.Fatalf("ApplyRecovery: %v", err)
	}
	if recovered.Passed {
		t.Fatal("expected failure to persist when user does not answer")
	}
}
