package kernel

import "sort"

// MitigationStrategy names one coordination-incident response.
type MitigationStrategy string

const (
	MitigationAbort    MitigationStrategy = "ABORT"
	MitigationReplan   MitigationStrategy = "REPLAN"
	MitigationEscalate MitigationStrategy = "ESCALATE"
)

// MitigationOutcome records what a mitigator did in response to an
// incident, for the orchestrator to turn into MITIGATION_* events.
type MitigationOutcome struct {
	Strategy       MitigationStrategy
	TargetAgent    string
	ReleasedLocks  []string
	Succeeded      bool
	Reason         string
}

// EscalationContext is handed to registered escalation callbacks.
type EscalationContext struct {
	Type             string // "deadlock" | "livelock"
	Details          string
	SuggestedActions []string
}

// CoordinationMitigator applies ABORT/REPLAN/ESCALATE responses to
// detected deadlocks and livelocks.
type CoordinationMitigator struct {
	core        *CoordinationCore
	escalations []func(EscalationContext)
}

// NewCoordinationMitigator wires a mitigator to the coordination core whose
// locks and state windows it acts on.
func NewCoordinationMitigator(core *CoordinationCore) *CoordinationMitigator {
	return &CoordinationMitigator{core: core}
}

// OnEscalate registers a callback invoked by MitigateEscalate.
func (m *CoordinationMitigator) OnEscalate(cb func(EscalationContext)) {
	m.escalations = append(m.escalations, cb)
}

// MitigateDeadlock applies strategy to a detected cycle. ABORT releases
// the locks of the agent holding the most resources in the cycle (ties
// broken by lexicographically smallest agent id); REPLAN releases the
// locks of the agent holding the fewest.
func (m *CoordinationMitigator) MitigateDeadlock(report DeadlockReport, strategy MitigationStrategy) MitigationOutcome {
	if !report.Detected {
		return MitigationOutcome{Strategy: strategy, Succeeded: false, Reason: "no deadlock to mitigate"}
	}

	if strategy == MitigationEscalate {
		m.fireEscalation(EscalationContext{
			Type:             "deadlock",
			Details:          "cycle: " + joinStrings(report.Cycle),
			SuggestedActions: []string{"ABORT the heaviest holder", "REPLAN the lightest holder"},
		})
		return MitigationOutcome{Strategy: strategy, Succeeded: true}
	}

	target := m.pickByResourceCount(report.Cycle, strategy == MitigationAbort)
	released := m.releaseAll(target)
	return MitigationOutcome{Strategy: strategy, TargetAgent: target, ReleasedLocks: released, Succeeded: target != ""}
}

// MitigateLivelock applies ABORT/REPLAN (both clear state history for every
// participating agent) or ESCALATE.
func (m *CoordinationMitigator) MitigateLivelock(agents []string, strategy MitigationStrategy) MitigationOutcome {
	if strategy == MitigationEscalate {
		m.fireEscalation(EscalationContext{
			Type:             "livelock",
			Details:          "agents: " + joinStrings(agents),
			SuggestedActions: []string{"clear state history and retry"},
		})
		return MitigationOutcome{Strategy: strategy, Succeeded: true}
	}

	m.core.mu.Lock()
	for _, a := range agents {
		delete(m.core.windows, a)
	}
	m.core.mu.Unlock()
	return MitigationOutcome{Strategy: strategy, Succeeded: true}
}

func (m *CoordinationMitigator) fireEscalation(ctx EscalationContext) {
	for _, cb := range m.escalations {
		cb(ctx)
	}
}

func (m *CoordinationMitigator) pickByResourceCount(agents []string, pickMax bool) string {
	m.core.mu.Lock()
	defer m.core.mu.Unlock()

	counts := make(map[string]int, len(agents))
	for _, a := range agents {
		counts[a] = 0
	}
	for _, locks := range m.core.locks {
		for _, l := range locks {
			if _, ok := counts[l.AgentID]; ok {
				counts[l.AgentID]++
			}
		}
	}

	sorted := append([]string(nil), agents...)
	sort.Strings(sorted)

	best := ""
	bestCount := -1
	for _, a := range sorted {
		c := counts[a]
		if best == "" {
			best, bestCount = a, c
			continue
		}
		if (pickMax && c > bestCount) || (!pickMax && c < bestCount) {
			best, bestCount = a, c
		}
	}
	return best
}

func (m *CoordinationMitigator) releaseAll(agentID string) []string {
	if agentID == "" {
		return nil
	}
	m.core.mu.Lock()
	defer m.core.mu.Unlock()

	var released []string
	for resourceID, locks := range m.core.locks {
		kept := locks[:0]
		for _, l := range locks {
			if l.AgentID == agentID {
				released = append(released, resourceID)
				continue
			}
			kept = append(kept, l)
		}
		m.core.locks[resourceID] = kept
	}
	delete(m.core.waitFor, agentID)
	return released
}

func joinStrings(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
