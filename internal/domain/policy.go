// Package domain contains the core types shared by all gatewarden modules.
package domain

import (
	"fmt"
	"time"
)

// RuleKind distinguishes mutation rules from validation rules.
type RuleKind string

// Rule kinds.
const (
	RuleKindMutation   RuleKind = "mutation"
	RuleKindValidation RuleKind = "validation"
)

// IsValid checks if the rule kind is valid.
func (k RuleKind) IsValid() bool {
	return k == RuleKindMutation || k == RuleKindValidation
}

// Severity represents the severity of a violation or a validation rule.
type Severity string

// Severity levels.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal rank of the severity. Higher is more severe.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid checks if the severity is valid.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether the severity is at or above the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// EnforcementMode represents how a constraint's evaluation result is acted on.
type EnforcementMode string

// Enforcement modes.
const (
	// ModeDryRun evaluates rules but never patches or denies.
	ModeDryRun EnforcementMode = "dry-run"
	// ModeAudit applies mutations and records violations but never denies.
	ModeAudit EnforcementMode = "audit"
	// ModeEnforce applies mutations and denies on violations at or above
	// the constraint's severity threshold.
	ModeEnforce EnforcementMode = "enforce"
)

// IsValid checks if the enforcement mode is valid.
func (m EnforcementMode) IsValid() bool {
	return m == ModeDryRun || m == ModeAudit || m == ModeEnforce
}

// TimeoutPolicy decides the admission outcome when the pipeline exceeds its
// deadline. There is no safe default: constraints must set one explicitly.
type TimeoutPolicy string

// Timeout policies.
const (
	TimeoutFailOpen   TimeoutPolicy = "fail-open"
	TimeoutFailClosed TimeoutPolicy = "fail-closed"
)

// IsValid checks if the timeout policy is valid.
func (p TimeoutPolicy) IsValid() bool {
	return p == TimeoutFailOpen || p == TimeoutFailClosed
}

// Selector matches resources by kind, namespace and labels.
// Empty fields match everything.
type Selector struct {
	Kinds      []string          `json:"kinds,omitempty"`
	Namespaces []string          `json:"namespaces,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Matches reports whether the selector matches the given resource.
// Label matching is subset semantics: every selector label must be present
// on the resource with the same value.
func (s Selector) Matches(r Resource) bool {
	if len(s.Kinds) > 0 && !contains(s.Kinds, r.Kind) {
		return false
	}
	if len(s.Namespaces) > 0 && !contains(s.Namespaces, r.Namespace) {
		return false
	}
	for k, v := range s.Labels {
		if r.Labels[k] != v {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// PolicyRule is a single versioned policy rule. Rules are immutable once
// published: changing a rule body creates a new version, it never edits an
// existing one in place.
type PolicyRule struct {
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	Kind      RuleKind  `json:"kind"`
	Selector  Selector  `json:"selector"`
	Body      string    `json:"body"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the id@version reference of the rule.
func (r PolicyRule) Ref() string {
	return fmt.Sprintf("%s@v%d", r.ID, r.Version)
}

// Constraint aggregates rules that are evaluated together under one
// enforcement mode. Mode is the only field that changes without a new
// constraint version.
type Constraint struct {
	ID             string          `json:"id"`
	RuleIDs        []string        `json:"rule_ids"`
	Mode           EnforcementMode `json:"mode"`
	TargetSelector Selector        `json:"target_selector"`
	// Threshold is the minimum violation severity that causes a denial
	// when the constraint is in enforce mode.
	Threshold     Severity      `json:"threshold"`
	TimeoutPolicy TimeoutPolicy `json:"timeout_policy"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
