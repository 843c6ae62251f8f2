package policy

import (
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for violations that are logged but do not reject a command.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the command.
	SeverityError Severity = "error"

	// SeverityCritical rejects the command.
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Blocks reports whether a violation of this severity rejects a command.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine; reloads keep them.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single deny result of a policy.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message describes the violation.
	Message string `json:"message"`

	// Severity is the violation severity, defaulting to the policy severity.
	Severity Severity `json:"severity"`

	// Code is the error code reported when the violation rejects a command.
	Code string `json:"code,omitempty"`

	// Resource identifies the offending entity.
	Resource string `json:"resource,omitempty"`
}

// Result is the outcome of evaluating all enabled policies against a command.
type Result struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	Evaluated   []string    `json:"evaluated"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Blocking returns the violations that reject the command.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	CommandID string               `json:"command_id"`
	Action    engine.CommandAction `json:"action"`
	Kind      engine.EntityKind    `json:"kind"`
	ProjectID string               `json:"project_id,omitempty"`
	Entity    engine.Entity        `json:"entity"`
	IssuedBy  engine.Principal     `json:"issued_by"`
	Timestamp time.Time            `json:"timestamp"`
}

// NewInput builds the policy input for a command.
func NewInput(cmd *engine.Command) *Input {
	return &Input{
		CommandID: cmd.InstanceID(),
		Action:    cmd.Action,
		Kind:      cmd.Kind,
		ProjectID: cmd.ProjectID,
		Entity:    cmd.Payload,
		IssuedBy:  cmd.IssuedBy,
		Timestamp: time.Now().UTC(),
	}
}

// Bundle represents a collection of related policies shipped in one JSON file.
type Bundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
