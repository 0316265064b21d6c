package kernel

import "fmt"

// ValidationResult is one validator's verdict on a Commit.
type ValidationResult struct {
	Valid      bool
	Reason     string
	Confidence float64
}

// Validator inspects a Commit and returns a verdict. The gate runs a
// composed sequence of these, mirroring the policy engine's
// evaluate-then-decide shape but applied to post-execution data instead of
// pre-execution intent.
type Validator func(commit Commit) ValidationResult

// RecoveryStrategyKind names one of the recovery strategies a blocked
// commit may invoke.
type RecoveryStrategyKind string

const (
	RecoveryIgnore       RecoveryStrategyKind = "ignore"
	RecoveryRetryAltTool RecoveryStrategyKind = "retry_alt_tool"
	RecoveryAskUser      RecoveryStrategyKind = "ask_user"
	RecoveryEscalate     RecoveryStrategyKind = "escalate"
)

// RecoveryStrategy is the recovery directive attached to a blocked commit.
type RecoveryStrategy struct {
	Kind        RecoveryStrategyKind
	AltTool     string
	MaxRetries  int
	Prompt      string
	Reason      string
}

// GateResult is the outcome of running the validation gate on a commit.
type GateResult struct {
	Passed            bool
	BlockedCommit     *Commit
	ValidationResults []ValidationResult
	FailureCode       string
	RecoveryStrategy  *RecoveryStrategy
}

// ValidationGate runs a composed validator sequence over a task's result,
// producing a pass/fail decision plus, on failure, a recovery strategy the
// orchestrator can act on without treating the failure as an exception.
type ValidationGate struct {
	validators []Validator
	chooseRecovery func(commit Commit, results []ValidationResult) *RecoveryStrategy
}

// NewValidationGate wires a validator sequence and a recovery-selection
// function. chooseRecovery may be nil, in which case every failure
// escalates (the conservative default: an unconfigured gate never silently
// ignores or auto-retries).
func NewValidationGate(validators []Validator, chooseRecovery func(Commit, []ValidationResult) *RecoveryStrategy) *ValidationGate {
	if chooseRecovery == nil {
		chooseRecovery = func(commit Commit, results []ValidationResult) *RecoveryStrategy {
			return &RecoveryStrategy{Kind: RecoveryEscalate, Reason: "no recovery strategy configured"}
		}
	}
	return &ValidationGate{validators: validators, chooseRecovery: chooseRecovery}
}

// Run evaluates commit against every validator. All must pass for the gate
// to pass; the first failure's reason becomes FailureCode.
func (g *ValidationGate) Run(commit Commit) GateResult {
	results := make([]ValidationResult, 0, len(g.validators))
	failed := false
	var failureReason string
	for _, v := range g.validators {
		res := v(commit)
		results = append(results, res)
		if !res.Valid && !failed {
			failed = true
			failureReason = res.Reason
		}
	}

	if !failed {
		return GateResult{Passed: true, ValidationResults: results}
	}

	blocked := commit
	strategy := g.chooseRecovery(commit, results)
	return GateResult{
		Passed:            false,
		BlockedCommit:     &blocked,
		ValidationResults: results,
		FailureCode:       failureReason,
		RecoveryStrategy:  strategy,
	}
}

// ApplyRecovery executes the recovery directive attached to a GateResult.
// altToolRunner re-executes the task via an alternate tool when the
// strategy is retry_alt_tool; askUser solicits human input when the
// strategy is ask_user. Re-entrant data from either path is re-validated
// exactly once; a second failure combines both failure reasons.
func (g *ValidationGate) ApplyRecovery(
	result GateResult,
	altToolRunner func(toolName string) (Commit, error),
	askUser func(prompt string) (Commit, bool),
) (GateResult, error) {
	if result.Passed || result.RecoveryStrategy == nil {
		return result, nil
	}

	switch result.RecoveryStrategy.Kind {
	case RecoveryIgnore:
		return GateResult{Passed: true, ValidationResults: result.ValidationResults}, nil

	case RecoveryEscalate:
		return result, nil

	case RecoveryRetryAltTool:
		if altToolRunner == nil {
			return result, fmt.Errorf("retry_alt_tool recovery requested but no alt-tool runner was supplied")
		}
		newCommit, err := altToolRunner(result.RecoveryStrategy.AltTool)
		if err != nil {
			return result, fmt.Errorf("alt-tool execution failed: %w", err)
		}
		reValidated := g.Run(newCommit)
		if !reValidated.Passed {
			reValidated.FailureCode = fmt.Sprintf("%s; re-validation after retry_alt_tool also failed: %s", result.FailureCode, reValidated.FailureCode)
		}
		return reValidated, nil

	case RecoveryAskUser:
		if askUser == nil {
			return result, fmt.Errorf("ask_user recovery requested but no user prompt handler was supplied")
		}
		newCommit, answered := askUser(result.RecoveryStrategy.Prompt)
		if !answered {
			return result, nil
		}
		reValidated := g.Run(newCommit)
		if !reValidated.Passed {
			reValidated.FailureCode = fmt.Sprintf("%s; re-validation after ask_user also failed: %s", result.FailureCode, reValidated.FailureCode)
		}
		return reValidated, nil

	default:
		return result, fmt.Errorf("unknown recovery strategy %q", result.RecoveryStrategy.Kind)
	}
}
