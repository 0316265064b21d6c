package kernel

import (
	"context"
	"fmt"
)

// CompensationExecutor invokes the tool referenced by a CompensationAction.
// The kernel calls it through this interface so the actual tool dispatch
// stays a host-provided capability (§6).
type CompensationExecutor interface {
	Execute(ctx context.Context, action CompensationAction, workflowID, taskID string) error
}

// CompensationOutcome records one compensation attempt for a completed step.
type CompensationOutcome struct {
	TaskID string
	Err    error
}

// RunSaga executes the compensationAction of every entry in completedSteps
// in reverse (LIFO) order. Each compensation runs independently of the
// others: a failure is captured and the saga continues, matching the
// spec's "failures emit COMPENSATION_FAILED but do not halt the saga."
// onOutcome is called once per attempt for the caller to emit events/audit
// records; it may be nil.
func RunSaga(ctx context.Context, executor CompensationExecutor, workflowID string, completedSteps []TaskSpec, onOutcome func(CompensationOutcome)) []CompensationOutcome {
	outcomes := make([]CompensationOutcome, 0, len(completedSteps))
	for i := len(completedSteps) - 1; i >= 0; i-- {
		step := completedSteps[i]
		if step.CompensationAction == nil {
			continue
		}
		err := executor.Execute(ctx, *step.CompensationAction, workflowID, step.ID)
		if err != nil {
			err = fmt.Errorf("compensation for task %s failed: %w", step.ID, err)
		}
		outcome := CompensationOutcome{TaskID: step.ID, Err: err}
		outcomes = append(outcomes, outcome)
		if onOutcome != nil {
			onOutcome(outcome)
		}
	}
	return outcomes
}
