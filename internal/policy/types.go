package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Effect of a policy statement.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Matcher kinds. A matcher is a tagged variant; the kind decides how the
// pattern is compared against a candidate string.
const (
	MatchExact    = "exact"
	MatchPrefix   = "prefix"
	MatchWildcard = "wildcard"
)

// Matcher matches principals, actions or resources in a statement.
type Matcher struct {
	Kind    string `json:"kind"`
	Pattern string `json:"pattern"`
}

// Matches reports whether the candidate satisfies this matcher.
func (m Matcher) Matches(candidate string) bool {
	switch m.Kind {
	case MatchExact:
		return candidate == m.Pattern
	case MatchPrefix:
		return strings.HasPrefix(candidate, m.Pattern)
	case MatchWildcard:
		return wildcardMatch(m.Pattern, candidate)
	default:
		return false
	}
}

// Validate checks that the matcher kind is known.
func (m Matcher) Validate() error {
	switch m.Kind {
	case MatchExact, MatchPrefix, MatchWildcard:
		return nil
	default:
		return fmt.Errorf("unknown matcher kind: %q", m.Kind)
	}
}

// wildcardMatch matches pattern against s where '*' spans any run of
// characters and '?' exactly one. Iterative with backtracking, no
// regexp compilation on the request path.
func wildcardMatch(pattern, s string) bool {
	var pi, si int
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// Statement is one rule in a policy document.
type Statement struct {
	Sid        string    `json:"sid,omitempty"`
	Effect     Effect    `json:"effect"`
	Principals []Matcher `json:"principals"`
	Actions    []Matcher `json:"actions"`
	Resources  []Matcher `json:"resources"`
}

// Document is a bucket access policy: an ordered list of statements
// evaluated with deny-overrides semantics.
type Document struct {
	Version    string      `json:"version"`
	Statements []Statement `json:"statements"`
}

// DocumentVersion is the only schema version currently understood.
const DocumentVersion = "2026-01-01"

// ParseDocument decodes and validates a policy document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed policy document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks structural soundness of the document.
func (d *Document) Validate() error {
	if d.Version != DocumentVersion {
		return fmt.Errorf("unsupported policy version: %q", d.Version)
	}
	if len(d.Statements) == 0 {
		return fmt.Errorf("policy document has no statements")
	}
	for i, stmt := range d.Statements {
		if stmt.Effect != EffectAllow && stmt.Effect != EffectDeny {
			return fmt.Errorf("statement %d: effect must be Allow or Deny, got %q", i, stmt.Effect)
		}
		if len(stmt.Principals) == 0 || len(stmt.Actions) == 0 || len(stmt.Resources) == 0 {
			return fmt.Errorf("statement %d: principals, actions and resources must all be non-empty", i)
		}
		for _, group := range [][]Matcher{stmt.Principals, stmt.Actions, stmt.Resources} {
			for _, m := range group {
				if err := m.Validate(); err != nil {
					return fmt.Errorf("statement %d: %w", i, err)
				}
			}
		}
	}
	return nil
}
