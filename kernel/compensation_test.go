package kernel

import (
	"context"
	"errors"
	"testing"
)

type fakeCompensationExecutor struct {
	calls    []string
	failFor  map[string]bool
}

func (f *fakeCompensationExecutor) Execute(ctx context.Context, action CompensationAction, workflowID, taskID string) error {
	f.calls = append(f.calls, taskID)
	if f.failFor[taskID] {
		return errors.New("tool unavailable")
	}
	return nil
}

func TestRunSagaExecutesInReverseOrder(t *testing.T) {
	executor := &fakeCompensationExecutor{failFor: map[string]bool{}}
	steps := []TaskSpec{
		{ID: "t1", CompensationAction: &CompensationAction{Tool: "undo1"}},
		{ID: "t2", CompensationAction: &CompensationAction{Tool: "undo2"}},
		{ID: "t3", CompensationAction: &CompensationAction{Tool: "undo3"}},
	}
	RunSaga(context.Background(), executor, "wf-1", steps, nil)
	want := []string{"t3", "t2", "t1"}
	if len(executor.calls) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(executor.calls))
	}
	for i, id := range want {
		if executor.calls[i] != id {
			t.Fatalf("call %d: expected %s, got %s", i, id, executor.calls[i])
		}
	}
}

func TestRunSagaContinuesAfterFailure(t *testing.T) {
	executor := &fakeCompensationExecutor{failFor: map[string]bool{"t2": true}}
	steps := []TaskSpec{
		{ID: "t1", CompensationAction: &CompensationAction{Tool: "undo1"}},
		{ID: "t2", CompensationAction: &CompensationAction{Tool: "undo2"}},
		{ID: "t3", CompensationAction: &CompensationAction{Tool: "undo3"}},
	}
	outcomes := RunSaga(context.Background(), executor, "wf-1", steps, nil)
	if len(outcomes) != 3 {
		t.Fatalf("expected all 3 steps attempted despite one failure, got %d", len(outcomes))
	}
	if outcomes[1].Err == nil {
		t.Fatal("expected t2's compensation outcome to carry its error")
	}
	if outcomes[0].Err != nil || outcomes[2].Err != nil {
		t.Fatal("expected t3 and t1 to succeed despite t2 failing")
	}
}

func TestRunSagaSkipsStepsWithoutCompensationAction(t *testing.T) {
	executor := &fakeCompensationExecutor{failFor: map[string]bool{}}
	steps := []TaskSpec{
		{ID: "t1"},
		{ID: "t2", CompensationAction: &CompensationAction{Tool: "undo2"}},
	}
	outcomes := RunSaga(context.Background(), executor, "wf-1", steps, nil)
	if len(outcomes) != 1 || outcomes[0].TaskID != "t2" {
		t.Fatalf("expected only t2 to be compensated, got %+v", outcomes)
	}
}
