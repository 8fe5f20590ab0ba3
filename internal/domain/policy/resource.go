package policy

import (
	"regexp"
	"strings"
)

// Well-known resource identifiers used by the agent platform.
const (
	ResourceToolAll         = "tool:*"
	ResourceToolCRM         = "tool:crm"
	ResourceToolEmail       = "tool:email"
	ResourceToolDatabase    = "tool:database"
	ResourceToolAPI         = "tool:api"
	ResourceToolFile        = "tool:file"
	ResourceAgentCreate     = "agent:create"
	ResourceAgentRead       = "agent:read"
	ResourceAgentUpdate     = "agent:update"
	ResourceAgentDelete     = "agent:delete"
	ResourceAgentExecute    = "agent:execute"
	ResourceWorkflowCreate  = "workflow:create"
	ResourceWorkflowExecute = "workflow:execute"
	ResourceDataRead        = "data:read"
	ResourceDataWrite       = "data:write"
	ResourceDataDelete      = "data:delete"
)

// KnownResources is the catalogue of resources the platform emits.
// Patterns outside it are accepted but flagged by administrative tooling.
var KnownResources = []string{
	ResourceToolAll, ResourceToolCRM, ResourceToolEmail, ResourceToolDatabase, ResourceToolAPI, ResourceToolFile,
	ResourceAgentCreate, ResourceAgentRead, ResourceAgentUpdate, ResourceAgentDelete, ResourceAgentExecute,
	ResourceWorkflowCreate, ResourceWorkflowExecute,
	ResourceDataRead, ResourceDataWrite, ResourceDataDelete,
}

// IsKnownResource reports whether pattern is in the catalogue or covers an entry of it.
func IsKnownResource(pattern string) bool {
	for _, r := range KnownResources {
		if r == pattern || MatchPattern(pattern, r) {
			return true
		}
	}
	return false
}

// MatchResource reports whether any of patterns covers resource.
func MatchResource(patterns []string, resource string) bool {
	for _, p := range patterns {
		if MatchPattern(p, resource) {
			return true
		}
	}
	return false
}

// MatchPattern tests a single pattern. Supported forms are an exact name,
// a "prefix:*" wildcard and a glob using *, ? and [...].
func MatchPattern(pattern, resource string) bool {
	if pattern == resource {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(pattern, "*"))
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return false
	}
	re, err := regexp.Compile(globToRegex(pattern))
	if err != nil {
		return false
	}
	return re.MatchString(resource)
}

// globToRegex rewrites * and ? into their regex equivalents and anchors the
// result. Other characters pass through unchanged, so bracket classes keep
// their regex meaning.
func globToRegex(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 8)
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('$')
	return b.String()
}
