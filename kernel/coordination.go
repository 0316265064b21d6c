package kernel

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ResourcePolicy configures one resource's coordination behavior.
type ResourcePolicy struct {
	Policy              CoordinationPolicy
	MaxConcurrentAccess int           // honored only under PolicyShared
	LockTimeout         time.Duration
	Order               []string      // agent/workflow ordering key for ORDERED/PRIORITY, lower index ranks ahead; these policies grant only a resource with no holder
}

// CoordinationCore owns resource locks, deadlock detection over the
// wait-for graph, and livelock detection over per-agent state-hash
// windows — the three concerns grouped under one registry the way the
// teacher groups active-execution bookkeeping under CancellationManager.
type CoordinationCore struct {
	mu       sync.Mutex
	locks    map[string][]*ResourceLock // resourceID -> held locks
	policies map[string]ResourcePolicy
	waitFor  map[string]map[string]struct{} // agentID -> set of agentIDs it waits for

	windows map[string]*stateHashWindow // agentID -> sliding window

	lockTimeouts metric.Int64Counter
	deadlocks    metric.Int64Counter
	livelocks    metric.Int64Counter
}

// NewCoordinationCore constructs an empty coordination core.
func NewCoordinationCore(meter metric.Meter) *CoordinationCore {
	lockTimeouts, _ := meter.Int64Counter("kernel_coordination_lock_timeouts_total")
	deadlocks, _ := meter.Int64Counter("kernel_coordination_deadlocks_detected_total")
	livelocks, _ := meter.Int64Counter("kernel_coordination_livelocks_detected_total")
	return &CoordinationCore{
		locks:        make(map[string][]*ResourceLock),
		policies:     make(map[string]ResourcePolicy),
		waitFor:      make(map[string]map[string]struct{}),
		windows:      make(map[string]*stateHashWindow),
		lockTimeouts: lockTimeouts,
		deadlocks:    deadlocks,
		livelocks:    livelocks,
	}
}

// SetResourcePolicy registers (or replaces) the coordination policy for a
// resource. Resources default to PolicyExclusive when never registered.
func (c *CoordinationCore) SetResourcePolicy(resourceID string, policy ResourcePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[resourceID] = policy
}

func (c *CoordinationCore) policyFor(resourceID string) ResourcePolicy {
	if p, ok := c.policies[resourceID]; ok {
		return p
	}
	return ResourcePolicy{Policy: PolicyExclusive, LockTimeout: 30 * time.Second}
}

// AcquireLock attempts to grant agentID a lockType lock on resourceID.
// Expired locks are swept before the grant decision. On success the lock
// is recorded and any prior wait-for edge from agentID is cleared; on
// failure a wait-for edge is recorded against the current holders so
// deadlock detection can see it.
func (c *CoordinationCore) AcquireLock(resourceID, agentID, workflowID string, lockType LockType) (*ResourceLock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepExpiredLocked(resourceID)

	policy := c.policyFor(resourceID)
	held := c.locks[resourceID]

	granted := false
	switch policy.Policy {
	case PolicyShared:
		if lockType == LockRead {
			readers := 0
			writeHeld := false
			for _, l := range held {
				if l.LockType == LockWrite {
					writeHeld = true
					break
				}
				readers++
			}
			max := policy.MaxConcurrentAccess
			if max <= 0 {
				max = len(held) + 1
			}
			granted = !writeHeld && readers < max
		} else {
			granted = len(held) == 0
		}
	case PolicyOrdered, PolicyPriority:
		granted = len(held) == 0 && c.ordersAhead(policy, agentID, held)
	default: // PolicyExclusive
		granted = len(held) == 0
	}

	if !granted {
		c.recordWait(agentID, held)
		return nil, false
	}

	delete(c.waitFor, agentID)
	var expiresAt *time.Time
	if policy.LockTimeout > 0 {
		t := time.Now().Add(policy.LockTimeout)
		expiresAt = &t
	}
	lock := &ResourceLock{
		ResourceID: resourceID,
		AgentID:    agentID,
		WorkflowID: workflowID,
		LockType:   lockType,
		AcquiredAt: time.Now(),
		ExpiresAt:  expiresAt,
	}
	c.locks[resourceID] = append(c.locks[resourceID], lock)
	return lock, true
}

func (c *CoordinationCore) ordersAhead(policy ResourcePolicy, agentID string, held []*ResourceLock) bool {
	if len(policy.Order) == 0 {
		return len(held) == 0
	}
	rank := func(id string) int {
		for i, a := range policy.Order {
			if a == id {
				return i
			}
		}
		return -1
	}
	myRank := rank(agentID)
	for _, l := range held {
		if rank(l.AgentID) <= myRank {
			return false
		}
	}
	return true
}

func (c *CoordinationCore) recordWait(agentID string, held []*ResourceLock) {
	if len(held) == 0 {
		return
	}
	set := c.waitFor[agentID]
	if set == nil {
		set = make(map[string]struct{})
		c.waitFor[agentID] = set
	}
	for _, l := range held {
		if l.AgentID != agentID {
			set[l.AgentID] = struct{}{}
		}
	}
}

// ReleaseLock releases agentID's lock on resourceID, if held.
func (c *CoordinationCore) ReleaseLock(resourceID, agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	locks := c.locks[resourceID]
	out := locks[:0]
	for _, l := range locks {
		if l.AgentID != agentID {
			out = append(out, l)
		}
	}
	c.locks[resourceID] = out
}

// SweepExpiredLocks releases every lock past its ExpiresAt and returns the
// released locks (for the caller to emit LOCK_TIMEOUT events from).
func (c *CoordinationCore) SweepExpiredLocks() []*ResourceLock {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*ResourceLock
	for resourceID := range c.locks {
		expired = append(expired, c.sweepExpiredLocked(resourceID)...)
	}
	return expired
}

func (c *CoordinationCore) sweepExpiredLocked(resourceID string) []*ResourceLock {
	locks := c.locks[resourceID]
	now := time.Now()
	var expired []*ResourceLock
	kept := locks[:0]
	for _, l := range locks {
		if l.ExpiresAt != nil && now.After(*l.ExpiresAt) {
			expired = append(expired, l)
			continue
		}
		kept = append(kept, l)
	}
	c.locks[resourceID] = kept
	if len(expired) > 0 {
		c.lockTimeouts.Add(context.Background(), int64(len(expired)), metric.WithAttributes(attribute.String("resource", resourceID)))
	}
	return expired
}

// DeadlockReport names the first cycle found in the wait-for graph.
type DeadlockReport struct {
	Detected  bool
	Cycle     []string
	Resources []string
}

// colorWhite/Gray/Black implement the standard three-color DFS cycle scheme.
const (
	colorWhite = iota
	colorGray
	colorBlack
)

// DetectDeadlock runs a three-color DFS over the wait-for graph built from
// registered AgentDependency edges, returning the first cycle found.
// O(V+E) and idempotent — it does not mutate coordination state.
func (c *CoordinationCore) DetectDeadlock() DeadlockReport {
	c.mu.Lock()
	graph := make(map[string][]string, len(c.waitFor))
	for agent, waits := range c.waitFor {
		for target := range waits {
			graph[agent] = append(graph[agent], target)
		}
	}
	c.mu.Unlock()

	agents := make([]string, 0, len(graph))
	for a := range graph {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	colors := make(map[string]int)
	parent := make(map[string]string)

	var cycleFrom string
	var dfs func(node string) bool
	dfs = func(node string) bool {
		colors[node] = colorGray
		neighbors := append([]string(nil), graph[node]...)
		sort.Strings(neighbors)
		for _, next := range neighbors {
			if colors[next] == colorGray {
				cycleFrom = next
				parent[next] = node
				return true
			}
			if colors[next] == colorWhite {
				parent[next] = node
				if dfs(next) {
					return true
				}
			}
		}
		colors[node] = colorBlack
		return false
	}

	for _, a := range agents {
		if colors[a] != colorWhite {
			continue
		}
		if dfs(a) {
			cycle := []string{cycleFrom}
			for cur := parent[cycleFrom]; cur != cycleFrom && cur != ""; cur = parent[cur] {
				cycle = append(cycle, cur)
				if len(cycle) > len(agents)+1 {
					break // safety bound; a well-formed graph never reaches this
				}
			}
			cycle = append(cycle, cycleFrom)
			reverseStrings(cycle)
			return DeadlockReport{Detected: true, Cycle: cycle, Resources: c.resourcesHeldBy(cycle)}
		}
	}
	return DeadlockReport{Detected: false}
}

func (c *CoordinationCore) resourcesHeldBy(agents []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]struct{})
	inCycle := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		inCycle[a] = struct{}{}
	}
	for resourceID, locks := range c.locks {
		for _, l := range locks {
			if _, ok := inCycle[l.AgentID]; ok {
				set[resourceID] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// stateHashWindow keeps a bounded, per-agent sliding window of 256-bit
// canonicalized state hashes (and the time each was recorded) for livelock
// detection.
type stateHashWindow struct {
	hashes []string
	times  []time.Time
	size   int
}

func newStateHashWindow(size int) *stateHashWindow {
	return &stateHashWindow{size: size}
}

func (w *stateHashWindow) push(hash string, at time.Time) {
	w.hashes = append(w.hashes, hash)
	w.times = append(w.times, at)
	if len(w.hashes) > w.size {
		w.hashes = w.hashes[len(w.hashes)-w.size:]
		w.times = w.times[len(w.times)-w.size:]
	}
}

// CanonicalStateHash combines a sequence of field values into one
// sha256 digest, reusing the teacher's Merkle combine(left, right) =
// sha256(left||right) technique folded left-to-right over the fields
// instead of over tree siblings.
func CanonicalStateHash(fields ...string) string {
	acc := sha256.Sum256(nil)
	for _, f := range fields {
		buf := make([]byte, 0, 64)
		buf = append(buf, acc[:]...)
		buf = append(buf, []byte(f)...)
		acc = sha256.Sum256(buf)
	}
	return fmt.Sprintf("%x", acc)
}

// LivelockReport describes a detected repeating pattern.
type LivelockReport struct {
	Detected      bool
	PatternLength int
	Repeats       int
	Reason        string // "pattern" | "stalled"
}

// RecordAgentState pushes a new canonicalized state hash onto agentID's
// window (creating the window, sized windowSize, on first use) and checks
// for a livelock per §4.9: (a) a repeating tail pattern of length
// 2 ≤ ℓ ≤ ⌊windowSize/2⌋ appearing at least patternThreshold times — this
// also covers (b), a two-hash alternation, as the ℓ=2 case — or (c) every
// hash in a full window identical and spanning at least progressTimeout.
func (c *CoordinationCore) RecordAgentState(agentID, hash string, windowSize, patternThreshold int, progressTimeout time.Duration) LivelockReport {
	now := time.Now()
	c.mu.Lock()
	w, ok := c.windows[agentID]
	if !ok {
		w = newStateHashWindow(windowSize)
		c.windows[agentID] = w
	}
	w.push(hash, now)
	hashes := append([]string(nil), w.hashes...)
	times := append([]time.Time(nil), w.times...)
	c.mu.Unlock()

	report := detectRepeatingTail(hashes, windowSize, patternThreshold)
	if !report.Detected {
		report = detectStalledWindow(hashes, times, windowSize, progressTimeout)
	}
	if report.Detected {
		c.livelocks.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent", agentID)))
	}
	return report
}

func detectRepeatingTail(hashes []string, windowSize, patternThreshold int) LivelockReport {
	maxLen := windowSize / 2
	for length := 2; length <= maxLen; length++ {
		repeats := countTailRepeats(hashes, length)
		if repeats >= patternThreshold {
			return LivelockReport{Detected: true, PatternLength: length, Repeats: repeats, Reason: "pattern"}
		}
	}
	return LivelockReport{Detected: false}
}

// detectStalledWindow implements criterion (c): a full window where every
// hash is identical and the oldest entry is at least progressTimeout old.
func detectStalledWindow(hashes []string, times []time.Time, windowSize int, progressTimeout time.Duration) LivelockReport {
	if len(hashes) < windowSize {
		return LivelockReport{Detected: false}
	}
	for i := 1; i < len(hashes); i++ {
		if hashes[i] != hashes[0] {
			return LivelockReport{Detected: false}
		}
	}
	if time.Since(times[0]) < progressTimeout {
		return LivelockReport{Detected: false}
	}
	return LivelockReport{Detected: true, PatternLength: 1, Repeats: len(hashes), Reason: "stalled"}
}

func countTailRepeats(hashes []string, length int) int {
	if len(hashes) < length {
		return 0
	}
	tail := hashes[len(hashes)-length:]
	repeats := 1
	for start := len(hashes) - length; start-length >= 0; start -= length {
		prev := hashes[start-length : start]
		if !equalStrings(prev, tail) {
			break
		}
		repeats++
	}
	return repeats
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
