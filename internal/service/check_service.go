// Package service contains application services.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

// CheckRequest asks whether an agent may perform an action on a resource.
type CheckRequest struct {
	AgentID  string         `json:"agent_id"`
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Context  map[string]any `json:"context,omitempty"`
}

// CheckResponse is the structured result of a check.
type CheckResponse struct {
	RequestID  string    `json:"request_id"`
	AgentID    string    `json:"agent_id"`
	Resource   string    `json:"resource"`
	Action     string    `json:"action"`
	Decision   string    `json:"decision"`
	PolicyID   string    `json:"policy_id,omitempty"`
	PolicyName string    `json:"policy_name,omitempty"`
	Reason     string    `json:"reason"`
	HelpText   string    `json:"help_text,omitempty"`
	DryRun     bool      `json:"dry_run,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	LatencyMs  int64     `json:"latency_ms"`
}

// Allowed reports whether the decision lets the action proceed unreviewed.
func (r *CheckResponse) Allowed() bool {
	return r.Decision == string(policy.EffectAllow)
}

// CheckService is the one-shot entry point used by the CLI: it resolves a
// fresh evaluator per request and shapes the decision for display.
type CheckService struct {
	factory  *EvaluatorFactory
	policies policy.Store
	logger   *slog.Logger
}

// NewCheckService creates a new CheckService.
func NewCheckService(factory *EvaluatorFactory, policies policy.Store, logger *slog.Logger) *CheckService {
	return &CheckService{
		factory:  factory,
		policies: policies,
		logger:   logger,
	}
}

// Check evaluates req against every policy applicable to the agent.
//
// A non-nil response is returned together with an error wrapping
// ErrAuditWrite or ErrQuotaUpdate when the decision was made but not fully
// recorded. Unknown agents yield agent.ErrAgentNotFound and no response.
func (s *CheckService) Check(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	if err := validateCheck(req); err != nil {
		return nil, err
	}
	ev, err := s.factory.ForAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, ev, req, false)
}

// DryRun evaluates req against a single policy, bypassing scoping, validity
// and activation. No quota is consumed.
func (s *CheckService) DryRun(ctx context.Context, policyID string, req CheckRequest) (*CheckResponse, error) {
	if err := validateCheck(req); err != nil {
		return nil, err
	}
	p, err := s.policies.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", policyID, err)
	}
	ev, err := s.factory.ForPolicy(ctx, req.AgentID, p)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, ev, req, true)
}

func (s *CheckService) run(ctx context.Context, ev *Evaluator, req CheckRequest, dryRun bool) (*CheckResponse, error) {
	start := time.Now()
	decision, evalErr := ev.Evaluate(ctx, req.Resource, req.Action, req.Context)

	resp := &CheckResponse{
		RequestID: uuid.NewString(),
		AgentID:   req.AgentID,
		Resource:  req.Resource,
		Action:    req.Action,
		Decision:  string(decision.Effect),
		Reason:    decision.Reason,
		DryRun:    dryRun,
		Timestamp: s.factory.now().UTC(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if decision.Policy != nil {
		resp.PolicyID = decision.Policy.ID
		resp.PolicyName = decision.Policy.Name
	}
	resp.HelpText = helpText(decision, req)

	if evalErr != nil {
		s.logger.Warn("decision returned but not fully recorded",
			"request_id", resp.RequestID,
			"agent_id", req.AgentID,
			"decision", resp.Decision,
			"error", evalErr,
		)
	}
	return resp, evalErr
}

// ErrInvalidCheck is returned for requests missing required fields.
var ErrInvalidCheck = errors.New("invalid check request")

func validateCheck(req CheckRequest) error {
	switch {
	case req.AgentID == "":
		return fmt.Errorf("%w: agent_id is required", ErrInvalidCheck)
	case req.Resource == "":
		return fmt.Errorf("%w: resource is required", ErrInvalidCheck)
	case req.Action == "":
		return fmt.Errorf("%w: action is required", ErrInvalidCheck)
	}
	return nil
}

func helpText(d policy.Decision, req CheckRequest) string {
	switch {
	case d.Effect == policy.EffectDeny && d.Policy == nil:
		return fmt.Sprintf("No active policy grants %q to agent %s. Add an ALLOW policy scoped to the agent, one of its roles, or globally.", req.Resource, req.AgentID)
	case d.Effect == policy.EffectEscalate:
		return "This action requires human review before it may proceed."
	}
	return ""
}
