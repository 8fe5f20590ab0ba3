package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

// ProductionEnvironment disables default policy seeding.
const ProductionEnvironment = "production"

// DefaultPolicies returns the global ALLOW policies installed on a fresh
// non-production deployment.
func DefaultPolicies() []policy.Policy {
	return []policy.Policy{
		{
			Name:        "Global Allow - Agent Execution",
			Description: "Allow every agent to execute",
			Resources:   []string{policy.ResourceAgentExecute},
			Effect:      policy.EffectAllow,
			Active:      true,
			CreatedBy:   "system",
		},
		{
			Name:        "Global Allow - Tool Access",
			Description: "Allow every agent to use every tool",
			Resources:   []string{policy.ResourceToolAll},
			Effect:      policy.EffectAllow,
			Active:      true,
			CreatedBy:   "system",
		},
		{
			Name:        "Global Allow - Workflow Execution",
			Description: "Allow every agent to create and execute workflows",
			Resources:   []string{policy.ResourceWorkflowExecute, policy.ResourceWorkflowCreate},
			Effect:      policy.EffectAllow,
			Active:      true,
			CreatedBy:   "system",
		},
	}
}

// SeedDefaultPolicies installs DefaultPolicies, skipping any whose name is
// already taken. Returns the number created. Does nothing in production.
func SeedDefaultPolicies(ctx context.Context, store policy.Store, environment string, logger *slog.Logger) (int, error) {
	if environment == ProductionEnvironment {
		logger.Info("skipping default policy seed in production")
		return 0, nil
	}

	created := 0
	for _, p := range DefaultPolicies() {
		_, err := store.GetPolicyByName(ctx, p.Name)
		if err == nil {
			logger.Debug("default policy already present", "name", p.Name)
			continue
		}
		if !errors.Is(err, policy.ErrPolicyNotFound) {
			return created, fmt.Errorf("look up policy %q: %w", p.Name, err)
		}
		if err := store.SavePolicy(ctx, &p); err != nil {
			return created, fmt.Errorf("seed policy %q: %w", p.Name, err)
		}
		created++
		logger.Info("seeded default policy", "id", p.ID, "name", p.Name)
	}
	return created, nil
}
