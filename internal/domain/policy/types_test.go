package policy

import (
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func timePtr(t time.Time) *time.Time { return &t }

func TestPolicy_ValidAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		policy Policy
		want   bool
	}{
		{"active unbounded", Policy{Active: true}, true},
		{"inactive", Policy{Active: false}, false},
		{"before window", Policy{Active: true, ValidFrom: timePtr(now.Add(time.Hour))}, false},
		{"window start inclusive", Policy{Active: true, ValidFrom: timePtr(now)}, true},
		{"window end inclusive", Policy{Active: true, ValidUntil: timePtr(now)}, true},
		{"after window", Policy{Active: true, ValidUntil: timePtr(now.Add(-time.Second))}, false},
		{"quota remaining", Policy{Active: true, MaxCalls: intPtr(2), CallsMade: 1}, true},
		{"quota exhausted", Policy{Active: true, MaxCalls: intPtr(1), CallsMade: 1}, false},
		{"quota overrun", Policy{Active: true, MaxCalls: intPtr(1), CallsMade: 5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.policy.ValidAt(now); got != tt.want {
				t.Errorf("ValidAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_AppliesTo(t *testing.T) {
	t.Parallel()

	global := Policy{}
	if !global.AppliesTo("agent-1", nil) {
		t.Error("global policy must apply to every agent")
	}

	byAgent := Policy{Agents: []string{"agent-1"}}
	if !byAgent.AppliesTo("agent-1", nil) {
		t.Error("agent-scoped policy should apply to its agent")
	}
	if byAgent.AppliesTo("agent-2", []string{"ops"}) {
		t.Error("agent-scoped policy applied to another agent")
	}

	byRole := Policy{Roles: []string{"ops"}}
	if !byRole.AppliesTo("agent-2", []string{"sales", "ops"}) {
		t.Error("role-scoped policy should apply to role holder")
	}
	if byRole.AppliesTo("agent-2", []string{"sales"}) {
		t.Error("role-scoped policy applied to non-holder")
	}
}

func TestSort(t *testing.T) {
	t.Parallel()

	ps := []Policy{
		{ID: "3", Name: "b", Priority: 5},
		{ID: "2", Name: "a", Priority: 5},
		{ID: "1", Name: "z", Priority: 10},
		{ID: "0", Name: "a", Priority: 5},
	}
	Sort(ps)

	want := []string{"1", "0", "2", "3"}
	for i, id := range want {
		if ps[i].ID != id {
			t.Fatalf("Sort() position %d = %s, want %s (got order %v)", i, ps[i].ID, id, ids(ps))
		}
	}
}

func ids(ps []Policy) []string {
	out := make([]string, len(ps))
	for i := range ps {
		out[i] = ps[i].ID
	}
	return out
}

func TestParseEffect(t *testing.T) {
	t.Parallel()

	e, err := ParseEffect(" allow ")
	if err != nil || e != EffectAllow {
		t.Fatalf("ParseEffect(allow) = %q, %v", e, err)
	}
	if _, err := ParseEffect("permit"); err == nil {
		t.Error("ParseEffect(permit) should fail")
	}
	if EffectAudit.ConsumesQuota() || EffectEscalate.ConsumesQuota() {
		t.Error("AUDIT and ESCALATE must not consume quota")
	}
}

func TestPolicy_CloneIsDeep(t *testing.T) {
	t.Parallel()

	p := &Policy{
		Resources:  []string{"tool:crm"},
		Agents:     []string{"a"},
		MaxCalls:   intPtr(3),
		Conditions: []Condition{{Field: "x", Operator: OpIn, Value: Strings("a")}},
	}
	c := p.Clone()
	c.Resources[0] = "tool:email"
	*c.MaxCalls = 9
	c.Agents[0] = "b"

	if p.Resources[0] != "tool:crm" || *p.MaxCalls != 3 || p.Agents[0] != "a" {
		t.Errorf("Clone() shares state with original: %+v", p)
	}
}
