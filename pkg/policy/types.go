package policy

import (
	"time"
)

// Severity of a violation. Only error and critical block a run.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of this severity stop a run.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set reports violations. Deny entries
// may be strings or objects with msg, server and severity fields.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"` // default for entries without one
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`
	Source      string   `json:"source,omitempty"` // empty for built-ins
}

// Violation is one deny entry.
type Violation struct {
	Policy   string                 `json:"policy"`
	Server   string                 `json:"server,omitempty"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Result of evaluating all enabled policies against one manifest. A policy
// that fails to evaluate is listed in Errors and makes the result
// disallowed.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	Errors            []string      `json:"errors,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}
