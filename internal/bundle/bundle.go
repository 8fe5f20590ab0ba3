// Package bundle reads and writes policy bundles: YAML documents carrying
// policies with their embedded conditions, used to move policy sets between
// stores and environments.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

const (
	APIVersion = "agentgate/v1"
	Kind       = "PolicyBundle"
)

// ErrInvalidBundle is returned for documents with the wrong header.
var ErrInvalidBundle = errors.New("invalid policy bundle")

// Document is the top-level bundle.
type Document struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Policies   []PolicySpec `yaml:"policies"`
}

// PolicySpec is the bundle form of a policy. Engine-owned fields such as
// the call counter are not carried.
type PolicySpec struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description,omitempty"`
	Resources   []string           `yaml:"resources"`
	Effect      string             `yaml:"effect"`
	Priority    int                `yaml:"priority,omitempty"`
	Agents      []string           `yaml:"agents,omitempty"`
	Roles       []string           `yaml:"roles,omitempty"`
	Conditions  []policy.Condition `yaml:"conditions,omitempty"`
	ValidFrom   *time.Time         `yaml:"valid_from,omitempty"`
	ValidUntil  *time.Time         `yaml:"valid_until,omitempty"`
	MaxCalls    *int               `yaml:"max_calls,omitempty"`
	RiskLevel   int                `yaml:"risk_level,omitempty"`
	// IsActive defaults to true when omitted.
	IsActive *bool `yaml:"is_active,omitempty"`
}

// Decode parses a bundle, rejecting unknown keys.
func Decode(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidBundle)
		}
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	if doc.APIVersion != APIVersion || doc.Kind != Kind {
		return nil, fmt.Errorf("%w: want apiVersion %q kind %q, got %q %q",
			ErrInvalidBundle, APIVersion, Kind, doc.APIVersion, doc.Kind)
	}
	return &doc, nil
}

// Encode writes doc as YAML with two-space indentation.
func Encode(w io.Writer, doc *Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	return enc.Close()
}

// FromPolicies builds a bundle from stored policies.
func FromPolicies(ps []policy.Policy) *Document {
	doc := &Document{APIVersion: APIVersion, Kind: Kind, Policies: make([]PolicySpec, 0, len(ps))}
	for i := range ps {
		p := ps[i].Clone()
		active := p.Active
		doc.Policies = append(doc.Policies, PolicySpec{
			Name:        p.Name,
			Description: p.Description,
			Resources:   p.Resources,
			Effect:      string(p.Effect),
			Priority:    p.Priority,
			Agents:      p.Agents,
			Roles:       p.Roles,
			Conditions:  p.Conditions,
			ValidFrom:   p.ValidFrom,
			ValidUntil:  p.ValidUntil,
			MaxCalls:    p.MaxCalls,
			RiskLevel:   p.RiskLevel,
			IsActive:    &active,
		})
	}
	return doc
}

// Policy converts the spec to a policy ready for validation and saving.
func (s *PolicySpec) Policy() *policy.Policy {
	active := true
	if s.IsActive != nil {
		active = *s.IsActive
	}
	p := &policy.Policy{
		Name:        s.Name,
		Description: s.Description,
		Resources:   append([]string(nil), s.Resources...),
		Effect:      policy.Effect(s.Effect),
		Priority:    s.Priority,
		Agents:      append([]string(nil), s.Agents...),
		Roles:       append([]string(nil), s.Roles...),
		ValidFrom:   s.ValidFrom,
		ValidUntil:  s.ValidUntil,
		MaxCalls:    s.MaxCalls,
		RiskLevel:   s.RiskLevel,
		Active:      active,
	}
	for _, c := range s.Conditions {
		p.Conditions = append(p.Conditions, c.Clone())
	}
	return p
}

// Admin is the policy administration surface an import goes through, so
// bundle contents get the same validation as any other write.
type Admin interface {
	GetByName(ctx context.Context, name string) (*policy.Policy, error)
	Create(ctx context.Context, p *policy.Policy) (*policy.Policy, error)
	Update(ctx context.Context, id string, p *policy.Policy) (*policy.Policy, error)
}

// ImportOptions controls conflict handling.
type ImportOptions struct {
	// Replace updates policies whose name already exists instead of skipping them.
	Replace   bool
	CreatedBy string
}

// ImportResult lists policy names by outcome.
type ImportResult struct {
	Created []string
	Updated []string
	Skipped []string
}

// Import applies every policy in doc. It stops at the first failing policy;
// the result reports what was applied before it.
func Import(ctx context.Context, admin Admin, doc *Document, opts ImportOptions) (*ImportResult, error) {
	res := &ImportResult{}
	for i := range doc.Policies {
		spec := &doc.Policies[i]
		p := spec.Policy()
		p.CreatedBy = opts.CreatedBy

		existing, err := admin.GetByName(ctx, p.Name)
		switch {
		case errors.Is(err, policy.ErrPolicyNotFound):
			if _, err := admin.Create(ctx, p); err != nil {
				return res, fmt.Errorf("policy %q: %w", spec.Name, err)
			}
			res.Created = append(res.Created, p.Name)
		case err != nil:
			return res, fmt.Errorf("policy %q: %w", spec.Name, err)
		case !opts.Replace:
			res.Skipped = append(res.Skipped, existing.Name)
		default:
			if _, err := admin.Update(ctx, existing.ID, p); err != nil {
				return res, fmt.Errorf("policy %q: %w", spec.Name, err)
			}
			res.Updated = append(res.Updated, existing.Name)
		}
	}
	return res, nil
}
