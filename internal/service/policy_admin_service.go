package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

// ErrInvalidPolicy is returned when a policy or condition fails validation.
var ErrInvalidPolicy = errors.New("invalid policy")

// CopySuffix is appended to the name of a duplicated policy.
const CopySuffix = " (Copy)"

// policyRules mirrors the validated subset of policy.Policy.
type policyRules struct {
	Name      string   `validate:"required,max=255"`
	Resources []string `validate:"required,min=1,dive,required,max=255"`
	Effect    string   `validate:"required,oneof=ALLOW DENY AUDIT ESCALATE"`
	RiskLevel int      `validate:"min=0,max=100"`
	MaxCalls  *int     `validate:"omitempty,min=1"`
}

// PolicyAdminService provides CRUD operations on policies and conditions
// with validation. CallsMade is owned by the decision engine and is never
// changed through this service, except that duplicates start at zero.
type PolicyAdminService struct {
	store    policy.Store
	validate *validator.Validate
	logger   *slog.Logger
}

// NewPolicyAdminService creates a new PolicyAdminService.
func NewPolicyAdminService(store policy.Store, logger *slog.Logger) *PolicyAdminService {
	return &PolicyAdminService{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// List returns policies matching filter in evaluation order.
func (s *PolicyAdminService) List(ctx context.Context, filter policy.Filter) ([]policy.Policy, error) {
	ps, err := s.store.ListPolicies(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return ps, nil
}

// Get returns a single policy by ID.
// Returns policy.ErrPolicyNotFound if the policy does not exist.
func (s *PolicyAdminService) Get(ctx context.Context, id string) (*policy.Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", id, err)
	}
	return p, nil
}

// GetByName returns a single policy by its unique name.
func (s *PolicyAdminService) GetByName(ctx context.Context, name string) (*policy.Policy, error) {
	p, err := s.store.GetPolicyByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get policy %q: %w", name, err)
	}
	return p, nil
}

// Create validates and stores a new policy. The store assigns the ID and
// timestamps. CallsMade always starts at zero.
func (s *PolicyAdminService) Create(ctx context.Context, p *policy.Policy) (*policy.Policy, error) {
	s.normalize(p)
	if err := s.Validate(p); err != nil {
		return nil, err
	}

	p.ID = ""
	p.CallsMade = 0
	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	s.logger.Info("policy created",
		"id", p.ID,
		"name", p.Name,
		"effect", p.Effect,
		"priority", p.Priority,
		"global", p.IsGlobal(),
	)
	if unknown := UnknownResources(p); len(unknown) > 0 {
		s.logger.Warn("policy references resources outside the catalogue", "id", p.ID, "resources", unknown)
	}
	return s.store.GetPolicy(ctx, p.ID)
}

// Update replaces an existing policy. Preserves immutable fields (ID,
// CreatedAt, CreatedBy) and the engine-owned CallsMade counter.
func (s *PolicyAdminService) Update(ctx context.Context, id string, p *policy.Policy) (*policy.Policy, error) {
	existing, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", id, err)
	}

	s.normalize(p)
	if err := s.Validate(p); err != nil {
		return nil, err
	}

	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	p.CreatedBy = existing.CreatedBy
	p.CallsMade = existing.CallsMade

	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}
	s.logger.Info("policy updated", "id", p.ID, "name", p.Name)
	return s.store.GetPolicy(ctx, p.ID)
}

// SetActive toggles the master switch of a policy.
func (s *PolicyAdminService) SetActive(ctx context.Context, id string, active bool) (*policy.Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", id, err)
	}
	p.Active = active
	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}
	s.logger.Info("policy activation changed", "id", id, "active", active)
	return p, nil
}

// Delete removes a policy.
func (s *PolicyAdminService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeletePolicy(ctx, id); err != nil {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}
	s.logger.Info("policy deleted", "id", id)
	return nil
}

// Duplicate copies a policy under the name "<name> (Copy)" with a fresh
// call counter. The copy references the same conditions as the original.
func (s *PolicyAdminService) Duplicate(ctx context.Context, id, createdBy string) (*policy.Policy, error) {
	original, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", id, err)
	}

	dup := original.Clone()
	dup.ID = ""
	dup.Name = original.Name + CopySuffix
	dup.CallsMade = 0
	dup.CreatedAt = time.Time{}
	dup.UpdatedAt = time.Time{}
	if createdBy != "" {
		dup.CreatedBy = createdBy
	}

	if err := s.store.SavePolicy(ctx, dup); err != nil {
		return nil, fmt.Errorf("save duplicate of %s: %w", id, err)
	}
	s.logger.Info("policy duplicated", "source_id", id, "id", dup.ID, "name", dup.Name)
	return s.store.GetPolicy(ctx, dup.ID)
}

// ListConditions returns every stored condition.
func (s *PolicyAdminService) ListConditions(ctx context.Context) ([]policy.Condition, error) {
	cs, err := s.store.ListConditions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	return cs, nil
}

// SaveCondition validates and creates or updates a condition. Updates are
// visible to every policy referencing the condition.
func (s *PolicyAdminService) SaveCondition(ctx context.Context, c *policy.Condition) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := s.store.SaveCondition(ctx, c); err != nil {
		return fmt.Errorf("save condition: %w", err)
	}
	return nil
}

// DeleteCondition removes a condition from the store and from all policies.
func (s *PolicyAdminService) DeleteCondition(ctx context.Context, id string) error {
	if err := s.store.DeleteCondition(ctx, id); err != nil {
		return fmt.Errorf("delete condition %s: %w", id, err)
	}
	return nil
}

// Validate checks a policy and its embedded conditions.
func (s *PolicyAdminService) Validate(p *policy.Policy) error {
	rules := policyRules{
		Name:      p.Name,
		Resources: p.Resources,
		Effect:    string(p.Effect),
		RiskLevel: p.RiskLevel,
		MaxCalls:  p.MaxCalls,
	}
	if err := s.validate.Struct(rules); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, formatPolicyErrors(err))
	}
	if p.ValidFrom != nil && p.ValidUntil != nil && p.ValidUntil.Before(*p.ValidFrom) {
		return fmt.Errorf("%w: valid_until must not be before valid_from", ErrInvalidPolicy)
	}
	for i := range p.Conditions {
		if err := p.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("%w: conditions[%d]: %v", ErrInvalidPolicy, i, err)
		}
	}
	return nil
}

// normalize trims names and upper-cases the effect.
func (s *PolicyAdminService) normalize(p *policy.Policy) {
	p.Name = strings.TrimSpace(p.Name)
	if e, err := policy.ParseEffect(string(p.Effect)); err == nil {
		p.Effect = e
	}
	if p.Effect == "" {
		p.Effect = policy.EffectDeny
	}
}

// UnknownResources returns the patterns of p that cover nothing in the
// known resource catalogue.
func UnknownResources(p *policy.Policy) []string {
	var unknown []string
	for _, r := range p.Resources {
		if !policy.IsKnownResource(r) {
			unknown = append(unknown, r)
		}
	}
	return unknown
}

func formatPolicyErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, e.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, e.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation: %s", field, e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
