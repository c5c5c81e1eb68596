package policy

import (
	"time"
)

// Severity of a violation. Error and critical violations block the step;
// info and warning are reported only.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the step.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose package defines a "deny" set. Each element
// is a message string or an object with msg, severity and remediation.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Builtin     bool     `json:"builtin,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for builtins.
	Source   string    `json:"source,omitempty"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy      string   `json:"policy"`
	StepID      string   `json:"step_id,omitempty"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Remediation string   `json:"remediation,omitempty"`
}

// Decision is the outcome of evaluating the enabled policies against one
// step, or the merge of several steps for a whole plan.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Violations are blocking; Warnings are non-blocking violations and
	// policies that failed to evaluate.
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// StepInput is the document policies see as "input".
type StepInput struct {
	TaskID  string       `json:"task_id"`
	Step    StepDocument `json:"step"`
	Context *Context     `json:"context"`
}

// StepDocument is the policy view of a step.
type StepDocument struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Capability   string         `json:"action_type"`
	Parameters   map[string]any `json:"parameters"`
	Dependencies []string       `json:"dependencies"`
}

// Context is input.context. An empty AllowedRoots allows any path that
// does not traverse upward.
type Context struct {
	Timestamp      time.Time `json:"timestamp"`
	AllowedRoots   []string  `json:"allowed_roots"`
	AllowedSchemes []string  `json:"allowed_schemes"`
}

// PolicyBundle is the format of *.bundle.json files.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}

// Config controls the policy engine.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Paths are .rego/.json files or directories loaded after the builtins.
	// With Watch set they are reloaded on change.
	Paths []string `yaml:"paths"`
	Watch bool     `yaml:"watch"`

	// Disabled names policies to switch off at startup.
	Disabled []string `yaml:"disabled"`

	// AllowedRoots restricts file steps. AllowedSchemes restricts browser
	// URLs and defaults to http and https.
	AllowedRoots   []string `yaml:"allowed_roots"`
	AllowedSchemes []string `yaml:"allowed_schemes"`
}
