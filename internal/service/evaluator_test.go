package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Koded0214h/Agentic-Enterprise/internal/adapter/outbound/memory"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

type engineFixture struct {
	policies *memory.MemoryPolicyStore
	agents   *memory.MemoryAgentStore
	audits   *memory.MemoryAuditStore
	factory  *EvaluatorFactory
}

func newEngineFixture(t *testing.T, opts ...EvaluatorOption) *engineFixture {
	t.Helper()
	ctx := context.Background()

	fx := &engineFixture{
		policies: memory.NewPolicyStore(),
		agents:   memory.NewAgentStore(),
		audits:   memory.NewAuditStore(),
	}
	for _, a := range []*agent.Agent{
		{ID: "agent-ops", Name: "Ops Bot", Type: agent.TypeFunctional, Roles: []string{"role-ops"}},
		{ID: "agent-sales", Name: "Sales Bot", Type: agent.TypeFunctional, Roles: []string{"role-sales"}},
	} {
		if err := fx.agents.SaveAgent(ctx, a); err != nil {
			t.Fatalf("SaveAgent() error: %v", err)
		}
	}
	fx.factory = NewEvaluatorFactory(fx.agents, fx.policies, fx.policies, fx.audits, discardLogger(), opts...)
	return fx
}

// add stores an active policy and returns it with its assigned ID.
func (fx *engineFixture) add(t *testing.T, p policy.Policy) *policy.Policy {
	t.Helper()
	p.Active = true
	if err := fx.policies.SavePolicy(context.Background(), &p); err != nil {
		t.Fatalf("SavePolicy(%s) error: %v", p.Name, err)
	}
	return &p
}

func (fx *engineFixture) evaluate(t *testing.T, agentID, resource string, reqCtx map[string]any) policy.Decision {
	t.Helper()
	ev, err := fx.factory.ForAgent(context.Background(), agentID)
	if err != nil {
		t.Fatalf("ForAgent(%s) error: %v", agentID, err)
	}
	d, err := ev.Evaluate(context.Background(), resource, "invoke", reqCtx)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	return d
}

func (fx *engineFixture) callsMade(t *testing.T, id string) int {
	t.Helper()
	p, err := fx.policies.GetPolicy(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPolicy(%s) error: %v", id, err)
	}
	return p.CallsMade
}

func intPtr(n int) *int { return &n }

func TestEvaluator_NoPoliciesDenies(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)

	d := fx.evaluate(t, "agent-ops", policy.ResourceToolCRM, nil)

	if d.Effect != policy.EffectDeny {
		t.Errorf("Effect = %s, want DENY", d.Effect)
	}
	if d.Reason != policy.ReasonNoApplicablePolicy {
		t.Errorf("Reason = %q, want %q", d.Reason, policy.ReasonNoApplicablePolicy)
	}
	if d.Policy != nil {
		t.Errorf("Policy = %+v, want nil", d.Policy)
	}

	entries, _ := fx.audits.Query(context.Background(), audit.Filter{})
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].PolicyID != nil {
		t.Errorf("audit PolicyID = %v, want nil", *entries[0].PolicyID)
	}
	if entries[0].Decision != "DENY" {
		t.Errorf("audit Decision = %s, want DENY", entries[0].Decision)
	}
}

func TestEvaluator_GlobalPolicyAppliesToEveryAgent(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	fx.add(t, policy.Policy{Name: "everyone", Resources: []string{policy.ResourceToolAll}, Effect: policy.EffectAllow})

	for _, id := range []string{"agent-ops", "agent-sales"} {
		if d := fx.evaluate(t, id, policy.ResourceToolEmail, nil); d.Effect != policy.EffectAllow {
			t.Errorf("agent %s: Effect = %s, want ALLOW", id, d.Effect)
		}
	}
}

func TestEvaluator_Scoping(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	fx.add(t, policy.Policy{Name: "ops role", Resources: []string{policy.ResourceDataRead}, Effect: policy.EffectAllow, Roles: []string{"role-ops"}})
	fx.add(t, policy.Policy{Name: "sales agent", Resources: []string{policy.ResourceDataWrite}, Effect: policy.EffectAllow, Agents: []string{"agent-sales"}})

	tests := []struct {
		agent    string
		resource string
		want     policy.Effect
	}{
		{"agent-ops", policy.ResourceDataRead, policy.EffectAllow},
		{"agent-sales", policy.ResourceDataRead, policy.EffectDeny},
		{"agent-sales", policy.ResourceDataWrite, policy.EffectAllow},
		{"agent-ops", policy.ResourceDataWrite, policy.EffectDeny},
	}
	for _, tt := range tests {
		if d := fx.evaluate(t, tt.agent, tt.resource, nil); d.Effect != tt.want {
			t.Errorf("%s on %s: Effect = %s, want %s", tt.agent, tt.resource, d.Effect, tt.want)
		}
	}
}

func TestEvaluator_RoleChangeNeedsNewEvaluator(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	fx.add(t, policy.Policy{Name: "finance", Resources: []string{policy.ResourceDataRead}, Effect: policy.EffectAllow, Roles: []string{"role-finance"}})

	ctx := context.Background()
	before, err := fx.factory.ForAgent(ctx, "agent-ops")
	if err != nil {
		t.Fatalf("ForAgent() error: %v", err)
	}
	if err := fx.agents.SetRoles("agent-ops", "role-ops", "role-finance"); err != nil {
		t.Fatalf("SetRoles() error: %v", err)
	}

	if d, _ := before.Evaluate(ctx, policy.ResourceDataRead, "read", nil); d.Effect != policy.EffectDeny {
		t.Errorf("existing evaluator: Effect = %s, want DENY", d.Effect)
	}
	if d := fx.evaluate(t, "agent-ops", policy.ResourceDataRead, nil); d.Effect != policy.EffectAllow {
		t.Errorf("fresh evaluator: Effect = %s, want ALLOW", d.Effect)
	}
}

func TestEvaluator_PriorityCombination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mode       CombineMode
		high, low  policy.Effect
		wantEffect policy.Effect
		wantPolicy string
	}{
		{"overwrite: deny below allow wins", CombineOverwrite, policy.EffectAllow, policy.EffectDeny, policy.EffectDeny, "low"},
		{"overwrite: deny above allow short-circuits", CombineOverwrite, policy.EffectDeny, policy.EffectAllow, policy.EffectDeny, "high"},
		{"overwrite: later allow replaces audit", CombineOverwrite, policy.EffectAudit, policy.EffectAllow, policy.EffectAllow, "low"},
		{"first applicable: allow above deny", CombineFirstApplicable, policy.EffectAllow, policy.EffectDeny, policy.EffectAllow, "high"},
		{"first applicable: deny above allow", CombineFirstApplicable, policy.EffectDeny, policy.EffectAllow, policy.EffectDeny, "high"},
		{"first applicable: escalate above allow", CombineFirstApplicable, policy.EffectEscalate, policy.EffectAllow, policy.EffectEscalate, "high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fx := newEngineFixture(t, WithCombineMode(tt.mode))
			fx.add(t, policy.Policy{Name: "high", Resources: []string{policy.ResourceToolCRM}, Effect: tt.high, Priority: 10})
			fx.add(t, policy.Policy{Name: "low", Resources: []string{policy.ResourceToolCRM}, Effect: tt.low, Priority: 5})

			d := fx.evaluate(t, "agent-ops", policy.ResourceToolCRM, nil)
			if d.Effect != tt.wantEffect {
				t.Errorf("Effect = %s, want %s", d.Effect, tt.wantEffect)
			}
			if d.Policy == nil || d.Policy.Name != tt.wantPolicy {
				t.Fatalf("Policy = %+v, want %s", d.Policy, tt.wantPolicy)
			}
			want := "Policy '" + tt.wantPolicy + "' applied with effect " + string(tt.wantEffect)
			if d.Reason != want {
				t.Errorf("Reason = %q, want %q", d.Reason, want)
			}
		})
	}
}

func TestEvaluator_ResourceWildcard(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	fx.add(t, policy.Policy{Name: "tools", Resources: []string{policy.ResourceToolAll}, Effect: policy.EffectAllow})

	if d := fx.evaluate(t, "agent-ops", policy.ResourceToolCRM, nil); d.Effect != policy.EffectAllow {
		t.Errorf("tool:crm Effect = %s, want ALLOW", d.Effect)
	}
	if d := fx.evaluate(t, "agent-ops", policy.ResourceDataRead, nil); d.Effect != policy.EffectDeny {
		t.Errorf("data:read Effect = %s, want DENY", d.Effect)
	}
}

func TestEvaluator_ContainsCondition(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	fx.add(t, policy.Policy{
		Name:      "urgent only",
		Resources: []string{policy.ResourceToolEmail},
		Effect:    policy.EffectAllow,
		Conditions: []policy.Condition{
			{Field: "ticket.tags", Operator: policy.OpContains, Value: policy.String("urgent")},
		},
	})

	match := map[string]any{"ticket": map[string]any{"tags": []any{"billing", "urgent"}}}
	if d := fx.evaluate(t, "agent-ops", policy.ResourceToolEmail, match); d.Effect != policy.EffectAllow {
		t.Errorf("with tag: Effect = %s, want ALLOW", d.Effect)
	}
	miss := map[string]any{"ticket": map[string]any{"tags": []any{"billing"}}}
	if d := fx.evaluate(t, "agent-ops", policy.ResourceToolEmail, miss); d.Effect != policy.EffectDeny {
		t.Errorf("without tag: Effect = %s, want DENY", d.Effect)
	}
	if d := fx.evaluate(t, "agent-ops", policy.ResourceToolEmail, nil); d.Effect != policy.EffectDeny {
		t.Errorf("missing field: Effect = %s, want DENY", d.Effect)
	}
}

func TestEvaluator_ExhaustedPolicyExcluded(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	fx.add(t, policy.Policy{Name: "spent", Resources: []string{policy.ResourceToolAPI}, Effect: policy.EffectAllow, MaxCalls: intPtr(1), CallsMade: 1})

	d := fx.evaluate(t, "agent-ops", policy.ResourceToolAPI, nil)
	if d.Effect != policy.EffectDeny || d.Reason != policy.ReasonNoApplicablePolicy {
		t.Errorf("decision = %+v, want default deny", d)
	}
}

func TestEvaluator_QuotaConsumedAcrossEvaluators(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	p := fx.add(t, policy.Policy{Name: "one shot", Resources: []string{policy.ResourceToolAPI}, Effect: policy.EffectAllow, MaxCalls: intPtr(1)})

	if d := fx.evaluate(t, "agent-ops", policy.ResourceToolAPI, nil); d.Effect != policy.EffectAllow {
		t.Fatalf("first call: Effect = %s, want ALLOW", d.Effect)
	}
	if got := fx.callsMade(t, p.ID); got != 1 {
		t.Errorf("CallsMade = %d, want 1", got)
	}
	if d := fx.evaluate(t, "agent-ops", policy.ResourceToolAPI, nil); d.Effect != policy.EffectDeny {
		t.Errorf("second call: Effect = %s, want DENY", d.Effect)
	}
	if got := fx.callsMade(t, p.ID); got != 1 {
		t.Errorf("CallsMade after exhaustion = %d, want 1", got)
	}
}

func TestEvaluator_RematchesWhenQuotaTakenConcurrently(t *testing.T) {
	t.Parallel()

	// In both modes "one shot" is the policy applied while it has quota.
	tests := []struct {
		name                string
		mode                CombineMode
		oneShotPri, fallPri int
	}{
		{"first applicable", CombineFirstApplicable, 10, 1},
		{"overwrite", CombineOverwrite, 1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fx := newEngineFixture(t, WithCombineMode(tt.mode))
			fx.add(t, policy.Policy{Name: "one shot", Resources: []string{policy.ResourceToolAPI}, Effect: policy.EffectAllow, Priority: tt.oneShotPri, MaxCalls: intPtr(1)})
			fx.add(t, policy.Policy{Name: "fallback", Resources: []string{policy.ResourceToolAPI}, Effect: policy.EffectAudit, Priority: tt.fallPri})

			ctx := context.Background()
			first, _ := fx.factory.ForAgent(ctx, "agent-ops")
			second, _ := fx.factory.ForAgent(ctx, "agent-ops")

			// Both snapshots hold the one-shot policy; only one request may use it.
			d1, err := first.Evaluate(ctx, policy.ResourceToolAPI, "call", nil)
			if err != nil || d1.Effect != policy.EffectAllow || d1.Policy == nil || d1.Policy.Name != "one shot" {
				t.Fatalf("first: %+v, %v", d1, err)
			}
			d2, err := second.Evaluate(ctx, policy.ResourceToolAPI, "call", nil)
			if err != nil {
				t.Fatalf("second: %v", err)
			}
			if d2.Effect != policy.EffectAudit || d2.Policy == nil || d2.Policy.Name != "fallback" {
				t.Errorf("second decision = %+v, want AUDIT from fallback", d2)
			}
			for _, p := range second.Policies() {
				if p.Name == "one shot" {
					t.Error("exhausted policy still in evaluator snapshot")
				}
			}
		})
	}
}

func TestEvaluator_ConcurrentQuotaNeverOverruns(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	p := fx.add(t, policy.Policy{Name: "limited", Resources: []string{policy.ResourceToolAPI}, Effect: policy.EffectAllow, MaxCalls: intPtr(5)})

	var (
		mu      sync.Mutex
		allowed int
		wg      sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := fx.factory.ForAgent(context.Background(), "agent-ops")
			if err != nil {
				t.Errorf("ForAgent() error: %v", err)
				return
			}
			d, _ := ev.Evaluate(context.Background(), policy.ResourceToolAPI, "call", nil)
			if d.Effect == policy.EffectAllow {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 5 {
		t.Errorf("allowed = %d, want 5", allowed)
	}
	if got := fx.callsMade(t, p.ID); got != 5 {
		t.Errorf("CallsMade = %d, want 5", got)
	}
}

func TestEvaluator_AuditAndEscalateDoNotConsumeQuota(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	esc := fx.add(t, policy.Policy{Name: "review", Resources: []string{policy.ResourceDataDelete}, Effect: policy.EffectEscalate, MaxCalls: intPtr(1)})
	aud := fx.add(t, policy.Policy{Name: "watch", Resources: []string{policy.ResourceDataRead}, Effect: policy.EffectAudit, MaxCalls: intPtr(1)})

	for i := 0; i < 3; i++ {
		if d := fx.evaluate(t, "agent-ops", policy.ResourceDataDelete, nil); d.Effect != policy.EffectEscalate {
			t.Errorf("call %d: Effect = %s, want ESCALATE", i, d.Effect)
		}
		if d := fx.evaluate(t, "agent-ops", policy.ResourceDataRead, nil); d.Effect != policy.EffectAudit {
			t.Errorf("call %d: Effect = %s, want AUDIT", i, d.Effect)
		}
	}
	if fx.callsMade(t, esc.ID) != 0 || fx.callsMade(t, aud.ID) != 0 {
		t.Error("AUDIT/ESCALATE decisions consumed quota")
	}
}

func TestEvaluator_DenyConsumesQuota(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	p := fx.add(t, policy.Policy{Name: "block", Resources: []string{policy.ResourceDataDelete}, Effect: policy.EffectDeny, MaxCalls: intPtr(3)})

	fx.evaluate(t, "agent-ops", policy.ResourceDataDelete, nil)
	fx.evaluate(t, "agent-ops", policy.ResourceDataDelete, nil)

	if got := fx.callsMade(t, p.ID); got != 2 {
		t.Errorf("CallsMade = %d, want 2", got)
	}
}

func TestEvaluator_OneAuditEntryPerCall(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	allow := fx.add(t, policy.Policy{Name: "crm", Resources: []string{policy.ResourceToolCRM}, Effect: policy.EffectAllow})

	reqCtx := map[string]any{"customer": map[string]any{"tier": "gold"}, "amount": 120}
	fx.evaluate(t, "agent-ops", policy.ResourceToolCRM, reqCtx)
	fx.evaluate(t, "agent-ops", policy.ResourceDataWrite, nil)

	// mutate after the fact; the audit snapshot must not change
	reqCtx["customer"].(map[string]any)["tier"] = "bronze"

	entries, err := fx.audits.Query(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}

	// newest first
	denied, allowed := entries[0], entries[1]
	if denied.Decision != "DENY" || denied.Resource != policy.ResourceDataWrite || denied.PolicyID != nil {
		t.Errorf("deny entry = %+v", denied)
	}
	if allowed.Decision != "ALLOW" || allowed.PolicyID == nil || *allowed.PolicyID != allow.ID {
		t.Errorf("allow entry = %+v", allowed)
	}
	if allowed.AgentID != "agent-ops" || allowed.Action != "invoke" {
		t.Errorf("allow entry subject = %s/%s", allowed.AgentID, allowed.Action)
	}
	if tier := allowed.RequestData["customer"].(map[string]any)["tier"]; tier != "gold" {
		t.Errorf("audit snapshot tier = %v, want gold", tier)
	}
	if allowed.ID == "" || allowed.ID == denied.ID {
		t.Error("audit entries need distinct IDs")
	}
}

func TestEvaluator_AuditFailureStillReturnsDecision(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")
	fx := newEngineFixture(t, WithMetrics(metrics))
	p := fx.add(t, policy.Policy{Name: "crm", Resources: []string{policy.ResourceToolCRM}, Effect: policy.EffectAllow, MaxCalls: intPtr(10)})
	fx.audits.FailWith(errors.New("disk full"))

	ev, err := fx.factory.ForAgent(context.Background(), "agent-ops")
	if err != nil {
		t.Fatalf("ForAgent() error: %v", err)
	}
	d, err := ev.Evaluate(context.Background(), policy.ResourceToolCRM, "read", nil)

	if d.Effect != policy.EffectAllow {
		t.Errorf("Effect = %s, want ALLOW", d.Effect)
	}
	if !errors.Is(err, ErrAuditWrite) {
		t.Errorf("error = %v, want ErrAuditWrite", err)
	}
	if errors.Is(err, ErrQuotaUpdate) {
		t.Error("unexpected ErrQuotaUpdate")
	}
	if got := fx.callsMade(t, p.ID); got != 1 {
		t.Errorf("CallsMade = %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.PersistenceErrors.WithLabelValues("audit")); got != 1 {
		t.Errorf("audit persistence errors = %v, want 1", got)
	}
}

type quotaFunc func(ctx context.Context, policyID string) error

func (f quotaFunc) ConsumeCall(ctx context.Context, policyID string) error { return f(ctx, policyID) }

func TestEvaluator_QuotaStoreFailure(t *testing.T) {
	t.Parallel()
	policies := memory.NewPolicyStore()
	agents := memory.NewAgentStore()
	audits := memory.NewAuditStore()
	_ = agents.SaveAgent(context.Background(), &agent.Agent{ID: "agent-ops"})
	policies.AddPolicy(&policy.Policy{Name: "crm", Resources: []string{policy.ResourceToolCRM}, Effect: policy.EffectAllow, Active: true})

	broken := quotaFunc(func(context.Context, string) error { return errors.New("connection reset") })
	factory := NewEvaluatorFactory(agents, policies, broken, audits, discardLogger())

	ev, _ := factory.ForAgent(context.Background(), "agent-ops")
	d, err := ev.Evaluate(context.Background(), policy.ResourceToolCRM, "read", nil)

	if d.Effect != policy.EffectAllow {
		t.Errorf("Effect = %s, want ALLOW", d.Effect)
	}
	if !errors.Is(err, ErrQuotaUpdate) {
		t.Errorf("error = %v, want ErrQuotaUpdate", err)
	}
	if audits.Len() != 1 {
		t.Errorf("audit entries = %d, want 1", audits.Len())
	}
}

func TestEvaluator_UnknownAgent(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)

	_, err := fx.factory.ForAgent(context.Background(), "ghost")
	if !errors.Is(err, agent.ErrAgentNotFound) {
		t.Errorf("ForAgent(ghost) error = %v, want ErrAgentNotFound", err)
	}
	if fx.audits.Len() != 0 {
		t.Errorf("audit entries = %d, want 0", fx.audits.Len())
	}
}

func TestEvaluator_ValidityWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	fx := newEngineFixture(t, WithClock(func() time.Time { return now }))

	expired := now.Add(-time.Hour)
	upcoming := now.Add(time.Hour)
	fx.add(t, policy.Policy{Name: "expired", Resources: []string{policy.ResourceToolFile}, Effect: policy.EffectAllow, ValidUntil: &expired})
	fx.add(t, policy.Policy{Name: "upcoming", Resources: []string{policy.ResourceToolFile}, Effect: policy.EffectAllow, ValidFrom: &upcoming})

	if d := fx.evaluate(t, "agent-ops", policy.ResourceToolFile, nil); d.Effect != policy.EffectDeny {
		t.Errorf("Effect = %s, want DENY", d.Effect)
	}

	entries, _ := fx.audits.Query(context.Background(), audit.Filter{})
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if !entries[0].CreatedAt.Equal(now) {
		t.Errorf("audit CreatedAt = %v, want %v", entries[0].CreatedAt, now)
	}
}

func TestEvaluator_InactivePolicyIgnored(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	fx.policies.AddPolicy(&policy.Policy{Name: "off", Resources: []string{policy.ResourceToolCRM}, Effect: policy.EffectAllow, Active: false})

	if d := fx.evaluate(t, "agent-ops", policy.ResourceToolCRM, nil); d.Effect != policy.EffectDeny {
		t.Errorf("Effect = %s, want DENY", d.Effect)
	}
}

func TestEvaluator_DryRun(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	p := &policy.Policy{
		Name:      "draft",
		Resources: []string{policy.ResourceToolCRM},
		Effect:    policy.EffectAllow,
		Agents:    []string{"agent-sales"},
		MaxCalls:  intPtr(1),
		CallsMade: 1,
		Active:    false,
	}
	fx.policies.AddPolicy(p)

	ev, err := fx.factory.ForPolicy(context.Background(), "agent-ops", p)
	if err != nil {
		t.Fatalf("ForPolicy() error: %v", err)
	}
	d, err := ev.Evaluate(context.Background(), policy.ResourceToolCRM, "read", nil)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if d.Effect != policy.EffectAllow || d.Policy == nil || d.Policy.ID != p.ID {
		t.Errorf("decision = %+v, want ALLOW from draft", d)
	}
	if got := fx.callsMade(t, p.ID); got != 1 {
		t.Errorf("CallsMade = %d, want unchanged 1", got)
	}

	d, _ = ev.Evaluate(context.Background(), policy.ResourceDataRead, "read", nil)
	if d.Effect != policy.EffectDeny || d.Policy != nil {
		t.Errorf("non-matching dry run = %+v, want default deny", d)
	}

	entries, _ := fx.audits.Query(context.Background(), audit.Filter{})
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if !e.DryRun {
			t.Errorf("entry %s not marked dry run", e.ID)
		}
	}
}

type capturingRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *capturingRecorder) Record(e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func TestEvaluator_ForwardsPersistedEntriesToExporter(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t)
	rec := &capturingRecorder{}
	fx.factory.exporter = rec

	fx.evaluate(t, "agent-ops", policy.ResourceToolCRM, nil)

	fx.audits.FailWith(errors.New("read-only"))
	ev, _ := fx.factory.ForAgent(context.Background(), "agent-ops")
	_, _ = ev.Evaluate(context.Background(), policy.ResourceToolCRM, "read", nil)

	if len(rec.entries) != 1 {
		t.Errorf("exported entries = %d, want 1 (unpersisted entries are not exported)", len(rec.entries))
	}
}

func TestEvaluator_MetricsAndSpans(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	fx := newEngineFixture(t, WithMetrics(metrics), WithTracer(tp.Tracer("test")))
	p := fx.add(t, policy.Policy{Name: "crm", Resources: []string{policy.ResourceToolCRM}, Effect: policy.EffectAllow, MaxCalls: intPtr(5)})

	fx.evaluate(t, "agent-ops", policy.ResourceToolCRM, nil)
	fx.evaluate(t, "agent-ops", policy.ResourceDataRead, nil)

	if got := testutil.ToFloat64(metrics.EvaluationsTotal.WithLabelValues("ALLOW", "resolved")); got != 1 {
		t.Errorf("ALLOW evaluations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.EvaluationsTotal.WithLabelValues("DENY", "resolved")); got != 1 {
		t.Errorf("DENY evaluations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.QuotaConsumed.WithLabelValues("ok")); got != 1 {
		t.Errorf("quota ok = %v, want 1", got)
	}

	ended := spans.Ended()
	if len(ended) != 2 {
		t.Fatalf("spans = %d, want 2", len(ended))
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if ended[0].Name() != "policy.Evaluate" {
		t.Errorf("span name = %s", ended[0].Name())
	}
	if attrs["policy.decision"].AsString() != "ALLOW" || attrs["policy.id"].AsString() != p.ID {
		t.Errorf("span attributes = %v", attrs)
	}
}
