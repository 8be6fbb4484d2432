package hostfs

import (
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// Policy decides how much of a volume the guest may see and modify.
type Policy interface {
	// Permission returns the effective permission for a volume-relative path.
	Permission(p string) types.Permission

	// Visible reports whether the path may be looked up or listed.
	Visible(p string) bool

	// Limit caps the access the host reports for the path.
	Limit(p string, access types.AccessMode) types.AccessMode
}

// rulePolicy is the default implementation of Policy.
type rulePolicy struct {
	rules []types.AccessRule
}

// NewPolicy creates a policy from rules. Paths no rule matches keep full
// access, so a volume without rules behaves as the host reports.
func NewPolicy(rules []types.AccessRule) Policy {
	sorted := make([]types.AccessRule, len(rules))
	copy(sorted, rules)

	// Higher priority first, then file > directory > glob, then more specific
	// patterns first.
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		ti := patternTypePriority(sorted[i].Type)
		tj := patternTypePriority(sorted[j].Type)
		if ti != tj {
			return ti > tj
		}
		return patternSpecificity(sorted[i].Pattern) > patternSpecificity(sorted[j].Pattern)
	})
	return &rulePolicy{rules: sorted}
}

// patternSpecificity calculates how specific a pattern is.
// Higher values mean more specific (should match first).
func patternSpecificity(pattern string) int {
	specificity := 0

	if strings.HasPrefix(pattern, "/") {
		specificity += 100
	}
	if !strings.HasPrefix(pattern, "**") {
		specificity += 50
	}
	// Longer literal prefix before the first wildcard
	if idx := strings.IndexAny(pattern, "*?["); idx > 0 {
		specificity += idx
	}
	if !strings.ContainsAny(pattern, "*?[") {
		specificity += 200
	}

	return specificity
}

func patternTypePriority(t types.PatternType) int {
	switch t {
	case types.PatternFile:
		return 3
	case types.PatternDirectory:
		return 2
	case types.PatternGlob:
		return 1
	default:
		return 0
	}
}

// Permission returns the permission of the first matching rule.
func (p *rulePolicy) Permission(target string) types.Permission {
	target = normalizePath(target)

	for _, rule := range p.rules {
		if matchRule(rule, target) {
			return rule.Permission
		}
	}
	return types.PermReadWrite
}

// Visible reports whether the path may be looked up or listed.
func (p *rulePolicy) Visible(target string) bool {
	return p.Permission(target) != types.PermNone
}

// Limit caps access by the matching rule.
func (p *rulePolicy) Limit(target string, access types.AccessMode) types.AccessMode {
	switch p.Permission(target) {
	case types.PermNone:
		return types.AccessUnknown
	case types.PermReadOnly:
		return access.Cap(types.AccessReadOnly)
	default:
		return access
	}
}

func matchRule(rule types.AccessRule, target string) bool {
	switch rule.Type {
	case types.PatternFile:
		return target == normalizePath(rule.Pattern)

	case types.PatternDirectory:
		dir := strings.TrimSuffix(normalizePath(rule.Pattern), "/")
		if dir == "" {
			return true
		}
		return target == dir || strings.HasPrefix(target, dir+"/")

	case types.PatternGlob:
		// A pattern without a slash matches the base name at any depth
		if !strings.Contains(rule.Pattern, "/") {
			matched, _ := doublestar.Match(rule.Pattern, path.Base(target))
			return matched
		}
		matched, _ := doublestar.Match(normalizePath(rule.Pattern), target)
		return matched

	default:
		return false
	}
}

// normalizePath makes p absolute and clean. Volume-relative tags ("" for the
// root, "/a/b" below it) map onto themselves, with the root as "/".
func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
