package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

// Errors returned alongside a valid decision when recording it failed.
// The decision is still authoritative; these only signal lost side effects.
var (
	ErrAuditWrite  = errors.New("audit entry not persisted")
	ErrQuotaUpdate = errors.New("policy quota not updated")
)

// CombineMode selects how matches at different priorities combine.
type CombineMode int

const (
	// CombineOverwrite walks every policy high to low priority, letting each
	// match overwrite the running decision, and stops only on DENY.
	CombineOverwrite CombineMode = iota
	// CombineFirstApplicable stops at the first matching policy.
	CombineFirstApplicable
)

const tracerName = "github.com/Koded0214h/Agentic-Enterprise/internal/service"

// entryRecorder forwards committed audit entries to secondary exporters.
type entryRecorder interface {
	Record(entry audit.Entry)
}

// EvaluatorFactory builds request-scoped evaluators.
type EvaluatorFactory struct {
	agents   agent.Lookup
	resolver *Resolver
	quota    policy.QuotaCounter
	sink     audit.Sink
	exporter entryRecorder
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
	combine  CombineMode
}

// EvaluatorOption configures EvaluatorFactory.
type EvaluatorOption func(*EvaluatorFactory)

// WithMetrics records evaluation metrics.
func WithMetrics(m *Metrics) EvaluatorOption {
	return func(f *EvaluatorFactory) {
		f.metrics = m
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) EvaluatorOption {
	return func(f *EvaluatorFactory) {
		f.tracer = t
	}
}

// WithClock sets the time source used for validity checks and audit timestamps.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(f *EvaluatorFactory) {
		f.now = now
	}
}

// WithExporter forwards every persisted audit entry to the export pipeline.
func WithExporter(s *AuditService) EvaluatorOption {
	return func(f *EvaluatorFactory) {
		if s != nil {
			f.exporter = s
		}
	}
}

// WithCombineMode selects how policy matches combine.
func WithCombineMode(mode CombineMode) EvaluatorOption {
	return func(f *EvaluatorFactory) {
		f.combine = mode
	}
}

// NewEvaluatorFactory creates a factory over the given stores.
func NewEvaluatorFactory(
	agents agent.Lookup,
	policies policy.CandidateSource,
	quota policy.QuotaCounter,
	sink audit.Sink,
	logger *slog.Logger,
	opts ...EvaluatorOption,
) *EvaluatorFactory {
	f := &EvaluatorFactory{
		agents: agents,
		quota:  quota,
		sink:   sink,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.resolver = NewResolver(policies, f.now)
	return f
}

// ForAgent looks up the agent and resolves its applicable policies once.
// Returns an error wrapping agent.ErrAgentNotFound when the agent is unknown.
func (f *EvaluatorFactory) ForAgent(ctx context.Context, agentID string) (*Evaluator, error) {
	subject, err := f.lookup(ctx, agentID)
	if err != nil {
		return nil, err
	}
	policies, err := f.resolver.Resolve(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("resolve policies for agent %s: %w", agentID, err)
	}
	f.logger.Debug("policies resolved", "agent_id", agentID, "count", len(policies))
	return f.newEvaluator(subject, policies, false), nil
}

// ForPolicy builds a dry-run evaluator restricted to p. Scoping, validity and
// activation are ignored, no quota is consumed and the audit entry is marked
// as a dry run.
func (f *EvaluatorFactory) ForPolicy(ctx context.Context, agentID string, p *policy.Policy) (*Evaluator, error) {
	subject, err := f.lookup(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return f.newEvaluator(subject, []policy.Policy{*p.Clone()}, true), nil
}

func (f *EvaluatorFactory) lookup(ctx context.Context, agentID string) (*agent.Agent, error) {
	subject, err := f.agents.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			return nil, fmt.Errorf("agent %s: %w", agentID, agent.ErrAgentNotFound)
		}
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return subject, nil
}

func (f *EvaluatorFactory) newEvaluator(subject *agent.Agent, policies []policy.Policy, dryRun bool) *Evaluator {
	return &Evaluator{
		factory:  f,
		subject:  subject,
		policies: policies,
		dryRun:   dryRun,
	}
}

// Evaluator decides requests for one subject against a fixed policy snapshot.
// Construct a new one to observe role or policy changes.
type Evaluator struct {
	factory *EvaluatorFactory
	subject *agent.Agent

	mu       sync.Mutex
	policies []policy.Policy
	dryRun   bool
}

// Policies returns a copy of the current policy snapshot in evaluation order.
func (e *Evaluator) Policies() []policy.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]policy.Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// Evaluate decides whether the subject may perform action on resource.
//
// The returned decision is always valid. A non-nil error means the decision
// could not be fully recorded (see ErrAuditWrite and ErrQuotaUpdate) and
// must be surfaced to operators, not used to change the outcome.
func (e *Evaluator) Evaluate(ctx context.Context, resource, action string, reqCtx map[string]any) (policy.Decision, error) {
	f := e.factory
	start := time.Now()

	mode := "resolved"
	if e.dryRun {
		mode = "single"
	}
	ctx, span := f.tracer.Start(ctx, "policy.Evaluate", trace.WithAttributes(
		attribute.String("agent.id", e.subject.ID),
		attribute.String("policy.resource", resource),
		attribute.String("policy.action", action),
		attribute.String("policy.mode", mode),
	))
	defer span.End()

	if reqCtx == nil {
		reqCtx = map[string]any{}
	}

	e.mu.Lock()
	decision, applied, quotaErr := e.decide(ctx, resource, reqCtx)
	e.mu.Unlock()

	elapsed := time.Since(start)
	entry := audit.Entry{
		ID:              uuid.NewString(),
		AgentID:         e.subject.ID,
		Resource:        resource,
		Action:          action,
		RequestData:     copyContext(reqCtx),
		Decision:        string(decision.Effect),
		Reason:          decision.Reason,
		DryRun:          e.dryRun,
		CreatedAt:       f.now().UTC(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	policyID := ""
	if applied != nil {
		policyID = applied.ID
		entry.PolicyID = &policyID
		entry.PolicyName = applied.Name
	}

	var auditErr error
	if err := f.sink.Append(ctx, entry); err != nil {
		auditErr = fmt.Errorf("%w: %w", ErrAuditWrite, err)
		f.metrics.persistenceError("audit")
		f.logger.Error("failed to write audit entry",
			"agent_id", e.subject.ID,
			"resource", resource,
			"decision", decision.Effect,
			"error", err,
		)
	} else if f.exporter != nil {
		f.exporter.Record(entry)
	}

	f.metrics.observeDecision(string(decision.Effect), mode, elapsed.Seconds())

	span.SetAttributes(attribute.String("policy.decision", string(decision.Effect)))
	if policyID != "" {
		span.SetAttributes(attribute.String("policy.id", policyID))
	}

	err := errors.Join(quotaErr, auditErr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision not fully recorded")
	}

	f.logger.Debug("policy decision",
		"agent_id", e.subject.ID,
		"resource", resource,
		"action", action,
		"decision", decision.Effect,
		"policy_id", policyID,
		"duration_ms", entry.ExecutionTimeMs,
	)
	return decision, err
}

// decide runs matching and claims quota for the applied policy. When another
// request took the last call of that policy first, the policy is dropped from
// the snapshot and matching runs again. Must be called with e.mu held.
func (e *Evaluator) decide(ctx context.Context, resource string, reqCtx map[string]any) (policy.Decision, *policy.Policy, error) {
	f := e.factory
	for {
		decision, applied := e.match(resource, reqCtx)
		if applied == nil || e.dryRun || !decision.Effect.ConsumesQuota() {
			return decision, applied, nil
		}

		err := f.quota.ConsumeCall(ctx, applied.ID)
		switch {
		case err == nil:
			f.metrics.quota("ok")
			return decision, applied, nil
		case errors.Is(err, policy.ErrQuotaExhausted):
			f.metrics.quota("exhausted")
			f.logger.Debug("policy quota exhausted during evaluation, re-matching",
				"agent_id", e.subject.ID,
				"policy_id", applied.ID,
			)
			e.drop(applied.ID)
		default:
			f.metrics.quota("error")
			f.metrics.persistenceError("quota")
			f.logger.Error("failed to update policy quota",
				"agent_id", e.subject.ID,
				"policy_id", applied.ID,
				"error", err,
			)
			return decision, applied, fmt.Errorf("%w: policy %s: %w", ErrQuotaUpdate, applied.ID, err)
		}
	}
}

// match walks the snapshot in order. Must be called with e.mu held.
func (e *Evaluator) match(resource string, reqCtx map[string]any) (policy.Decision, *policy.Policy) {
	decision := policy.DefaultDecision()
	var applied *policy.Policy

	for i := range e.policies {
		p := &e.policies[i]
		if !p.Matches(resource, reqCtx) {
			continue
		}
		applied = p
		decision = policy.Decision{
			Effect: p.Effect,
			Policy: p.Ref(),
			Reason: policy.AppliedReason(p),
		}
		if p.Effect == policy.EffectDeny || e.factory.combine == CombineFirstApplicable {
			break
		}
	}
	if applied == nil {
		return decision, nil
	}
	// detach from the snapshot, which drop may rearrange
	cp := *applied
	return decision, &cp
}

// drop removes a policy from the snapshot. Must be called with e.mu held.
func (e *Evaluator) drop(id string) {
	kept := e.policies[:0]
	for _, p := range e.policies {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	e.policies = kept
}

// copyContext deep-copies nested maps and slices so the audit snapshot is
// not affected by later caller mutations.
func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyContext(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	}
	return v
}
