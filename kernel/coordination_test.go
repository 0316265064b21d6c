package kernel

import (
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func newTestCoordinationCore(t *testing.T) *CoordinationCore {
	t.Helper()
	return NewCoordinationCore(noop.NewMeterProvider().Meter("test"))
}

func TestAcquireLockExclusiveBlocksSecondHolder(t *testing.T) {
	c := newTestCoordinationCore(t)
	lock1, ok := c.AcquireLock("res-1", "agent-a", "wf-1", LockWrite)
	if !ok || lock1 == nil {
		t.Fatal("expected first exclusive lock to be granted")
	}
	_, ok = c.AcquireLock("res-1", "agent-b", "wf-1", LockWrite)
	if ok {
		t.Fatal("expected second exclusive lock to be denied")
	}
}

func TestAcquireLockSharedAllowsConcurrentReaders(t *testing.T) {
	c := newTestCoordinationCore(t)
	c.SetResourcePolicy("res-1", ResourcePolicy{Policy: PolicyShared, MaxConcurrentAccess: 2, LockTimeout: time.Minute})

	_, ok1 := c.AcquireLock("res-1", "agent-a", "wf-1", LockRead)
	_, ok2 := c.AcquireLock("res-1", "agent-b", "wf-1", LockRead)
	_, ok3 := c.AcquireLock("res-1", "agent-c", "wf-1", LockRead)
	if !ok1 || !ok2 {
		t.Fatal("expected first two shared readers to be granted")
	}
	if ok3 {
		t.Fatal("expected third reader to exceed maxConcurrentAccess")
	}
}

func TestAcquireLockSharedDeniesWriteWhileReadHeld(t *testing.T) {
	c := newTestCoordinationCore(t)
	c.SetResourcePolicy("res-1", ResourcePolicy{Policy: PolicyShared, MaxConcurrentAccess: 4, LockTimeout: time.Minute})
	c.AcquireLock("res-1", "agent-a", "wf-1", LockRead)

	_, ok := c.AcquireLock("res-1", "agent-b", "wf-1", LockWrite)
	if ok {
		t.Fatal("expected write lock to be denied while a read lock is held")
	}
}

func TestSweepExpiredLocksReleasesPastTimeout(t *testing.T) {
	c := newTestCoordinationCore(t)
	c.SetResourcePolicy("res-1", ResourcePolicy{Policy: PolicyExclusive, LockTimeout: time.Millisecond})
	c.AcquireLock("res-1", "agent-a", "wf-1", LockWrite)

	time.Sleep(5 * time.Millisecond)
	expired := c.SweepExpiredLocks()
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired lock, got %d", len(expired))
	}

	_, ok := c.AcquireLock("res-1", "agent-b", "wf-1", LockWrite)
	if !ok {
		t.Fatal("expected resource to be lockable again after expiry sweep")
	}
}

func TestDetectDeadlockFindsCycle(t *testing.T) {
	c := newTestCoordinationCore(t)
	c.AcquireLock("res-1", "agent-a", "wf-1", LockWrite)
	c.AcquireLock("res-2", "agent-b", "wf-1", LockWrite)

	c.AcquireLock("res-1", "agent-b", "wf-1", LockWrite) // agent-b waits on agent-a
	c.AcquireLock("res-2", "agent-a", "wf-1", LockWrite) // agent-a waits on agent-b

	report := c.DetectDeadlock()
	if !report.Detected {
		t.Fatal("expected deadlock cycle to be detected")
	}
	if len(report.Cycle) < 2 {
		t.Fatalf("expected a cycle with at least 2 nodes, got %v", report.Cycle)
	}
}

func TestDetectDeadlockNoFalsePositive(t *testing.T) {
	c := newTestCoordinationCore(t)
	c.AcquireLock("res-1", "agent-a", "wf-1", LockWrite)
	c.AcquireLock("res-1", "agent-b", "wf-1", LockWrite) // agent-b waits, no cycle

	report := c.DetectDeadlock()
	if report.Detected {
		t.Fatal("expected no deadlock for a simple wait chain")
	}
}

func TestRecordAgentStateDetectsLivelock(t *testing.T) {
	c := newTestCoordinationCore(t)
	pattern := []string{"h1", "h2"}
	var last LivelockReport
	for i := 0; i < 8; i++ {
		last = c.RecordAgentState("agent-a", pattern[i%2], 10, 3, 60*time.Second)
	}
	if !last.Detected {
		t.Fatal("expected repeating 2-hash pattern to be detected as livelock")
	}
}

func TestRecordAgentStateNoLivelockForDistinctStates(t *testing.T) {
	c := newTestCoordinationCore(t)
	var last LivelockReport
	for i := 0; i < 8; i++ {
		last = c.RecordAgentState("agent-a", CanonicalStateHash("step", string(rune('a'+i))), 10, 3, 60*time.Second)
	}
	if last.Detected {
		t.Fatal("expected no livelock for strictly progressing states")
	}
}
