package kernel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PrincipalPermission is one (action, resource) grant a principal holds,
// optionally narrowed by intent/dataZone the way a required Permission is.
type PrincipalPermission struct {
	Permission
}

// Principal is the caller identity the policy gate evaluates against.
type Principal struct {
	ID          string
	Permissions []PrincipalPermission
}

// ActionPolicy describes the risk profile and constraints of one action a
// workflow task may request.
type ActionPolicy struct {
	Name                string
	RiskTier            RiskTier
	RequiredPermissions []Permission
	AllowedTools        []string
	Intent              string
	DataZone            string
}

// Decision is the result of one policy evaluation.
type Decision struct {
	Allowed               bool
	Reason                string
	RequiresHumanApproval bool
	ApprovalToken         string
}

// PolicyGate evaluates actions against a compiled rego bundle plus the
// kernel's own risk-tier/permission/approval rules. Rego packages are
// hot-reloaded from a directory via fsnotify, mirroring the teacher's
// debounce-then-recompile loop.
type PolicyGate struct {
	mu              sync.RWMutex
	preparedQueries map[string]*rego.PreparedEvalQuery
	policyDir       string
	defaultPackage  string

	approvals *approvalRegistry

	compileLatency metric.Float64Histogram
	evalCounter    metric.Int64Counter
}

// NewPolicyGate constructs a gate reading .rego files from policyDir. An
// empty policyDir is valid — the gate then relies solely on the built-in
// risk/permission/approval rules with every rego evaluation defaulting to
// allow, useful for tests and for deployments with no custom rego.
func NewPolicyGate(policyDir string, meter metric.Meter) (*PolicyGate, error) {
	compileLatency, _ := meter.Float64Histogram("kernel_policy_compile_latency_ms")
	evalCounter, _ := meter.Int64Counter("kernel_policy_evaluations_total")
	g := &PolicyGate{
		preparedQueries: make(map[string]*rego.PreparedEvalQuery),
		policyDir:       policyDir,
		defaultPackage:  "kernel.allow",
		approvals:       newApprovalRegistry(),
		compileLatency:  compileLatency,
		evalCounter:     evalCounter,
	}
	if policyDir != "" {
		if err := g.LoadPolicies(context.Background()); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// LoadPolicies (re)compiles every .rego file in the gate's policy directory.
func (g *PolicyGate) LoadPolicies(ctx context.Context) error {
	start := time.Now()

	files, err := filepath.Glob(filepath.Join(g.policyDir, "*.rego"))
	if err != nil {
		return fmt.Errorf("glob policies: %w", err)
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return fmt.Errorf("parse policy %s: %w", file, err)
		}
		modules[file] = module
	}

	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		return fmt.Errorf("policy compile failed: %v", compiler.Errors)
	}

	packages := make(map[string]bool)
	for _, module := range modules {
		packages[module.Package.Path.String()] = true
	}

	queries := make(map[string]*rego.PreparedEvalQuery, len(packages))
	for pkg := range packages {
		prepared, err := rego.New(
			rego.Query(fmt.Sprintf("data.%s.allow", pkg)),
			rego.Compiler(compiler),
		).PrepareForEval(ctx)
		if err != nil {
			return fmt.Errorf("prepare query for %s: %w", pkg, err)
		}
		queries[pkg] = &prepared
	}

	g.mu.Lock()
	g.preparedQueries = queries
	g.mu.Unlock()

	g.compileLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.Int("policy_count", len(files))))
	return nil
}

// WatchAndReload runs until ctx is cancelled, hot-reloading on any .rego
// change in the policy directory (debounced 200ms, matching the gate's
// compile cost). onReload is called with the reload error, or nil on
// success; it may be nil.
func (g *PolicyGate) WatchAndReload(ctx context.Context, onReload func(error)) error {
	if g.policyDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(g.policyDir); err != nil {
		return fmt.Errorf("watch policy dir: %w", err)
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-watcher.Events:
			if filepath.Ext(ev.Name) == ".rego" {
				debounce.Reset(200 * time.Millisecond)
			}
		case err := <-watcher.Errors:
			if onReload != nil {
				onReload(err)
			}
		case <-debounce.C:
			err := g.LoadPolicies(ctx)
			if onReload != nil {
				onReload(err)
			}
		}
	}
}

// Evaluate runs the kernel's built-in gate policy (tool allow-list,
// permission coverage, risk-tier approval) and, if the gate has a compiled
// rego bundle, additionally consults data.<package>.allow as a secondary
// custom check. Every evaluation is deterministic and side-effect-free
// apart from the single telemetry record it emits.
func (g *PolicyGate) Evaluate(ctx context.Context, principal Principal, action ActionPolicy, tool, approvalToken string) Decision {
	defer g.evalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action.Name)))

	if tool != "" && len(action.AllowedTools) > 0 && !contains(action.AllowedTools, tool) {
		return Decision{Allowed: false, Reason: fmt.Sprintf("tool %q is not in the allowed tool list for action %q", tool, action.Name)}
	}

	for _, required := range action.RequiredPermissions {
		if !principalSatisfies(principal, required) {
			return Decision{Allowed: false, Reason: fmt.Sprintf("principal %s lacks permission %s:%s", principal.ID, required.Action, required.Resource)}
		}
	}

	if action.RiskTier == RiskCritical || action.RiskTier.AtLeast(RiskHigh) {
		if approvalToken == "" || !g.approvals.consume(approvalToken, action.Name, principal.ID) {
			token := g.approvals.issue(action.Name, principal.ID, 15*time.Minute)
			return Decision{Allowed: false, RequiresHumanApproval: true, ApprovalToken: token, Reason: "risk tier requires human approval"}
		}
	}

	if g.hasRego() {
		allowed, reason := g.evaluateRego(ctx, principal, action, tool)
		if !allowed {
			return Decision{Allowed: false, Reason: reason}
		}
	}

	return Decision{Allowed: true}
}

func (g *PolicyGate) hasRego() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.preparedQueries) > 0
}

func (g *PolicyGate) evaluateRego(ctx context.Context, principal Principal, action ActionPolicy, tool string) (bool, string) {
	g.mu.RLock()
	prepared, ok := g.preparedQueries[g.defaultPackage]
	g.mu.RUnlock()
	if !ok {
		return true, ""
	}

	input := map[string]interface{}{
		"principal": principal.ID,
		"action":    action.Name,
		"riskTier":  string(action.RiskTier),
		"tool":      tool,
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Sprintf("policy evaluation error: %v", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "policy bundle returned no decision"
	}
	allowed, _ := results[0].Expressions[0].Value.(bool)
	if !allowed {
		return false, "denied by custom policy bundle"
	}
	return true, ""
}

func principalSatisfies(principal Principal, required Permission) bool {
	for _, held := range principal.Permissions {
		if held.Action != required.Action || held.Resource != required.Resource {
			continue
		}
		if required.Intent != "" && held.Intent != "" && held.Intent != required.Intent {
			continue
		}
		if required.DataZone != "" && held.DataZone != "" && held.DataZone != required.DataZone {
			continue
		}
		return true
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// approvalRegistry issues and consumes single-use approval tokens bound to
// (action, principal, expiry), resolving SPEC_FULL.md's open question on
// approval-token lifecycle: 128-bit crypto/rand tokens, single-use, TTL-
// bound, held in memory only (no durability requirement is implied by the
// spec for an out-of-band approval handshake).
type approvalRegistry struct {
	mu     sync.Mutex
	tokens map[string]approvalGrant
}

type approvalGrant struct {
	action    string
	principal string
	expiresAt time.Time
	used      bool
}

func newApprovalRegistry() *approvalRegistry {
	return &approvalRegistry{tokens: make(map[string]approvalGrant)}
}

func (r *approvalRegistry) issue(action, principal string, ttl time.Duration) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	token := hex.EncodeToString(buf)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = approvalGrant{action: action, principal: principal, expiresAt: time.Now().Add(ttl)}
	return token
}

// consume redeems token for (action, principal) exactly once, rejecting
// expired or already-used tokens.
func (r *approvalRegistry) consume(token, action, principal string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	grant, ok := r.tokens[token]
	if !ok || grant.used || grant.action != action || grant.principal != principal {
		return false
	}
	if time.Now().After(grant.expiresAt) {
		delete(r.tokens, token)
		return false
	}
	grant.used = true
	r.tokens[token] = grant
	return true
}
