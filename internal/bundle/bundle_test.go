package bundle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/Koded0214h/Agentic-Enterprise/internal/adapter/outbound/memory"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
	"github.com/Koded0214h/Agentic-Enterprise/internal/service"
)

const sample = `apiVersion: agentgate/v1
kind: PolicyBundle
policies:
  - name: crm for sales
    resources: ["tool:crm"]
    effect: ALLOW
    priority: 10
    roles: [sales]
    max_calls: 100
    conditions:
      - field: region
        operator: in
        value: [eu, us]
  - name: block deletes
    resources: ["data:delete"]
    effect: deny
    priority: 100
    is_active: false
`

func newAdmin() (*service.PolicyAdminService, *memory.MemoryPolicyStore) {
	store := memory.NewPolicyStore()
	return service.NewPolicyAdminService(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestDecode(t *testing.T) {
	doc, err := Decode(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(doc.Policies) != 2 {
		t.Fatalf("policies = %d, want 2", len(doc.Policies))
	}

	first := doc.Policies[0].Policy()
	if !first.Active {
		t.Error("omitted is_active must default to true")
	}
	if first.MaxCalls == nil || *first.MaxCalls != 100 {
		t.Errorf("MaxCalls = %v", first.MaxCalls)
	}
	if items, ok := first.Conditions[0].Value.Items(); !ok || len(items) != 2 {
		t.Errorf("condition operand = %v", first.Conditions[0].Value)
	}
	if doc.Policies[1].Policy().Active {
		t.Error("explicit is_active: false ignored")
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"wrong kind", "apiVersion: agentgate/v1\nkind: Other\npolicies: []\n"},
		{"unknown field", "apiVersion: agentgate/v1\nkind: PolicyBundle\npolicies:\n  - name: x\n    calls_made: 3\n"},
		{"malformed", "apiVersion: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.input)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	_, err := Decode(strings.NewReader("apiVersion: v0\nkind: PolicyBundle\n"))
	if !errors.Is(err, ErrInvalidBundle) {
		t.Errorf("header error = %v, want ErrInvalidBundle", err)
	}
}

func TestImport_CreatesThenSkipsOrReplaces(t *testing.T) {
	ctx := context.Background()
	admin, store := newAdmin()
	doc, _ := Decode(strings.NewReader(sample))

	res, err := Import(ctx, admin, doc, ImportOptions{CreatedBy: "ops@example.com"})
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if len(res.Created) != 2 || len(res.Skipped) != 0 {
		t.Errorf("first import = %+v", res)
	}
	deny, err := store.GetPolicyByName(ctx, "block deletes")
	if err != nil {
		t.Fatal(err)
	}
	if deny.Effect != policy.EffectDeny || deny.CreatedBy != "ops@example.com" {
		t.Errorf("imported policy = %+v", deny)
	}

	res, _ = Import(ctx, admin, doc, ImportOptions{})
	if len(res.Skipped) != 2 || len(res.Created) != 0 {
		t.Errorf("second import = %+v, want all skipped", res)
	}

	doc.Policies[1].Priority = 5
	res, err = Import(ctx, admin, doc, ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("replace Import() error: %v", err)
	}
	if len(res.Updated) != 2 {
		t.Errorf("replace import = %+v", res)
	}
	deny, _ = store.GetPolicyByName(ctx, "block deletes")
	if deny.Priority != 5 || deny.CreatedBy != "ops@example.com" {
		t.Errorf("replaced policy = %+v", deny)
	}
}

func TestImport_StopsOnInvalidPolicy(t *testing.T) {
	ctx := context.Background()
	admin, _ := newAdmin()
	doc := &Document{APIVersion: APIVersion, Kind: Kind, Policies: []PolicySpec{
		{Name: "ok", Resources: []string{"tool:*"}, Effect: "ALLOW"},
		{Name: "bad", Effect: "ALLOW"},
		{Name: "never", Resources: []string{"tool:*"}, Effect: "ALLOW"},
	}}

	res, err := Import(ctx, admin, doc, ImportOptions{})
	if !errors.Is(err, service.ErrInvalidPolicy) {
		t.Fatalf("Import() = %v, want ErrInvalidPolicy", err)
	}
	if len(res.Created) != 1 || res.Created[0] != "ok" {
		t.Errorf("partial result = %+v", res)
	}
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	admin, store := newAdmin()
	doc, _ := Decode(strings.NewReader(sample))
	if _, err := Import(ctx, admin, doc, ImportOptions{}); err != nil {
		t.Fatal(err)
	}

	ps, _ := store.ListPolicies(ctx, policy.Filter{})
	var buf bytes.Buffer
	if err := Encode(&buf, FromPolicies(ps)); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if strings.Contains(buf.String(), "calls_made") {
		t.Error("export leaks the call counter")
	}

	again, err := Decode(&buf)
	if err != nil {
		t.Fatalf("re-Decode() error: %v\n%s", err, buf.String())
	}
	if len(again.Policies) != 2 || again.Policies[0].Name != "block deletes" {
		t.Errorf("exported order = %+v", again.Policies)
	}
	if *again.Policies[0].IsActive {
		t.Error("inactive policy exported as active")
	}
	if len(again.Policies[1].Conditions) != 1 || again.Policies[1].Conditions[0].ID == "" {
		t.Errorf("conditions not exported with IDs: %+v", again.Policies[1].Conditions)
	}
}
