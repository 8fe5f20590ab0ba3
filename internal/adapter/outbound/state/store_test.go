package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ---------------------------------------------------------------------------
// FileStateStore tests
// ---------------------------------------------------------------------------

func TestDefaultState_IsEmpty(t *testing.T) {
	s := NewFileStateStore(filepath.Join(t.TempDir(), "state.json"), testLogger())
	st := s.DefaultState()

	if st.Version != CurrentVersion {
		t.Errorf("Version = %q, want %q", st.Version, CurrentVersion)
	}
	if st.Policies == nil || len(st.Policies) != 0 {
		t.Errorf("Policies = %v, want empty non-nil slice", st.Policies)
	}
	if st.Agents == nil || st.Roles == nil || st.Conditions == nil {
		t.Error("collections must be non-nil so they serialize as []")
	}
	if st.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestLoad_NoFile_ReturnsDefaultState(t *testing.T) {
	s := NewFileStateStore(filepath.Join(t.TempDir(), "missing.json"), testLogger())

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(st.Policies) != 0 || st.Version != CurrentVersion {
		t.Errorf("Load() = %+v, want default state", st)
	}
	if s.Exists() {
		t.Error("Load() must not create the file")
	}
}

func TestLoad_CorruptFile_ReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{broken"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileStateStore(path, testLogger()).Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSave_WritesIndentedJSONWith0600(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s := NewFileStateStore(path, testLogger())

	st := s.DefaultState()
	st.Agents = append(st.Agents, agent.Agent{ID: "a1", Name: "Planner"})
	if err := s.Save(st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !bytes.Contains(data, []byte("\n  \"version\"")) {
		t.Errorf("state is not indented:\n%s", data)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Error("state lacks trailing newline")
	}

	if runtime.GOOS != "windows" {
		info, _ := os.Stat(path)
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("permissions = %04o, want 0600", perm)
		}
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestSave_CreatesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewFileStateStore(path, testLogger())

	first := s.DefaultState()
	first.Roles = append(first.Roles, agent.Role{ID: "r1", Name: "first"})
	if err := s.Save(first); err != nil {
		t.Fatal(err)
	}
	second := s.DefaultState()
	second.Roles = append(second.Roles, agent.Role{ID: "r2", Name: "second"})
	if err := s.Save(second); err != nil {
		t.Fatal(err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup not written: %v", err)
	}
	if !strings.Contains(string(bak), `"first"`) || strings.Contains(string(bak), `"second"`) {
		t.Errorf("backup holds wrong generation:\n%s", bak)
	}
}

func TestSave_UpdatesTimestamps(t *testing.T) {
	s := NewFileStateStore(filepath.Join(t.TempDir(), "state.json"), testLogger())
	st := &AppState{Version: CurrentVersion}

	if err := s.Save(st); err != nil {
		t.Fatal(err)
	}
	if st.CreatedAt.IsZero() || st.UpdatedAt.IsZero() {
		t.Errorf("timestamps not set: created=%v updated=%v", st.CreatedAt, st.UpdatedAt)
	}
}

func TestLoad_TooOpenPermissions_WarnsButSucceeds(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"version":"1"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if _, err := NewFileStateStore(path, logger).Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !strings.Contains(buf.String(), "too-open permissions") {
		t.Errorf("expected permission warning, got %q", buf.String())
	}
}

func TestConcurrentSaves_DoNotCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewFileStateStore(path, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			st := s.DefaultState()
			st.Roles = append(st.Roles, agent.Role{ID: "r", Name: strings.Repeat("x", n)})
			_ = s.Save(st)
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("state corrupted: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Repository tests
// ---------------------------------------------------------------------------

func TestRepository_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	repo, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := repo.SaveRole(ctx, &agent.Role{ID: "ops", Name: "Operations"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveAgent(ctx, &agent.Agent{ID: "bot-1", Name: "Ops Bot", Roles: []string{"ops"}}); err != nil {
		t.Fatal(err)
	}

	limit := 2
	p := &policy.Policy{
		Name:      "ops crm",
		Resources: []string{"tool:crm"},
		Effect:    policy.EffectAllow,
		Roles:     []string{"ops"},
		MaxCalls:  &limit,
		Active:    true,
		Conditions: []policy.Condition{
			{Field: "region", Operator: policy.OpIn, Value: policy.Strings("eu", "us")},
		},
	}
	if err := repo.SavePolicy(ctx, p); err != nil {
		t.Fatal(err)
	}
	orphan := &policy.Condition{Field: "unused", Operator: policy.OpEq, Value: policy.Bool(true)}
	if err := repo.SaveCondition(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	if err := repo.ConsumeCall(ctx, p.ID); err != nil {
		t.Fatalf("ConsumeCall() error: %v", err)
	}

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}

	got, err := reopened.GetPolicy(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPolicy() after reopen: %v", err)
	}
	if got.CallsMade != 1 {
		t.Errorf("CallsMade = %d, want 1", got.CallsMade)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].ID != p.Conditions[0].ID {
		t.Errorf("conditions = %+v", got.Conditions)
	}
	if items, _ := got.Conditions[0].Value.Items(); len(items) != 2 {
		t.Errorf("condition operand = %v, want 2-item list", got.Conditions[0].Value)
	}
	if _, err := reopened.GetCondition(ctx, orphan.ID); err != nil {
		t.Errorf("unreferenced condition lost: %v", err)
	}

	a, err := reopened.GetAgent(ctx, "bot-1")
	if err != nil || !a.HasRole("ops") {
		t.Errorf("agent after reopen = %+v, %v", a, err)
	}
	cands, _ := reopened.ListCandidates(ctx, "bot-1", a.Roles)
	if len(cands) != 1 {
		t.Errorf("candidates = %d, want 1", len(cands))
	}
}

func TestRepository_QuotaExhaustionPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	repo, _ := Open(path, testLogger())
	one := 1
	p := &policy.Policy{Name: "once", Resources: []string{"tool:api"}, Effect: policy.EffectAllow, MaxCalls: &one, Active: true}
	_ = repo.SavePolicy(ctx, p)

	if err := repo.ConsumeCall(ctx, p.ID); err != nil {
		t.Fatalf("first ConsumeCall() error: %v", err)
	}

	reopened, _ := Open(path, testLogger())
	if err := reopened.ConsumeCall(ctx, p.ID); !errors.Is(err, policy.ErrQuotaExhausted) {
		t.Errorf("ConsumeCall() after reopen = %v, want ErrQuotaExhausted", err)
	}
}

func TestRepository_FailedMutationIsNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	repo, _ := Open(path, testLogger())
	if err := repo.DeletePolicy(ctx, "nope"); !errors.Is(err, policy.ErrPolicyNotFound) {
		t.Errorf("DeletePolicy() = %v, want ErrPolicyNotFound", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("failed mutation wrote the state file")
	}
}

func TestRepository_SharedFile_QuotaClaimedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	first, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	second, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	one := 1
	p := &policy.Policy{Name: "once", Resources: []string{"tool:api"}, Effect: policy.EffectAllow, MaxCalls: &one, Active: true}
	if err := first.SavePolicy(ctx, p); err != nil {
		t.Fatal(err)
	}

	if err := second.ConsumeCall(ctx, p.ID); err != nil {
		t.Fatalf("second.ConsumeCall() error: %v", err)
	}
	if err := first.ConsumeCall(ctx, p.ID); !errors.Is(err, policy.ErrQuotaExhausted) {
		t.Errorf("first.ConsumeCall() = %v, want ErrQuotaExhausted", err)
	}
}

func TestRepository_SharedFile_KeepsOtherWritersChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	checker, _ := Open(path, testLogger())
	admin, _ := Open(path, testLogger())

	allow := &policy.Policy{Name: "crm", Resources: []string{"tool:crm"}, Effect: policy.EffectAllow, Active: true}
	if err := admin.SavePolicy(ctx, allow); err != nil {
		t.Fatal(err)
	}
	block := &policy.Policy{Name: "block", Resources: []string{"data:delete"}, Effect: policy.EffectDeny, Active: true}
	if err := admin.SavePolicy(ctx, block); err != nil {
		t.Fatal(err)
	}

	// checker was opened before either policy existed.
	if err := checker.ConsumeCall(ctx, allow.ID); err != nil {
		t.Fatalf("ConsumeCall() error: %v", err)
	}
	if _, err := checker.GetPolicyByName(ctx, "block"); err != nil {
		t.Errorf("checker view not refreshed: %v", err)
	}

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.GetPolicyByName(ctx, "block"); err != nil {
		t.Errorf("DENY policy lost: %v", err)
	}
	got, err := reopened.GetPolicy(ctx, allow.ID)
	if err != nil || got.CallsMade != 1 {
		t.Errorf("crm after reopen = %+v, %v", got, err)
	}
}

func TestRepository_SharedFile_ConcurrentClaims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	repos := make([]*Repository, 3)
	for i := range repos {
		r, err := Open(path, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		repos[i] = r
	}
	limit := 4
	p := &policy.Policy{Name: "limited", Resources: []string{"tool:api"}, Effect: policy.EffectAllow, MaxCalls: &limit, Active: true}
	if err := repos[0].SavePolicy(ctx, p); err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(r *Repository) {
			defer wg.Done()
			if err := r.ConsumeCall(ctx, p.ID); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(repos[i%len(repos)])
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("granted = %d, want %d", granted, limit)
	}
}
