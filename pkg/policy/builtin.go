package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		entityNamingPolicy(),
		parentReferencesPolicy(),
	}
}

// entityNamingPolicy enforces display name conventions on created and updated entities.
func entityNamingPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "entity-naming",
		Description: "Display names use lowercase letters, numbers, and hyphens only",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package teamcloud.policies.naming

import rego.v1

deny contains violation if {
	input.action != "delete"
	name := input.entity.name
	name != ""
	not regex.match("^[a-z0-9-]+$", name)
	violation := {
		"message": sprintf("display name '%s' must contain only lowercase letters, numbers, and hyphens", [name]),
		"resource": input.entity.id,
	}
}

deny contains violation if {
	input.action != "delete"
	name := input.entity.name
	regex.match("^-|-$", name)
	violation := {
		"message": sprintf("display name '%s' must not start or end with a hyphen", [name]),
		"resource": input.entity.id,
	}
}

deny contains violation if {
	input.action != "delete"
	name := input.entity.name
	count(name) > 63
	violation := {
		"message": sprintf("display name '%s' must not exceed 63 characters", [name]),
		"resource": input.entity.id,
	}
}`,
	}
}

// parentReferencesPolicy requires the references that place an entity in the hierarchy.
func parentReferencesPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "parent-references",
		Description: "Entities carry the references to their organization, project, and component",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"hierarchy"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package teamcloud.policies.parents

import rego.v1

required := {
	"deployment_scope": ["organization"],
	"project": ["organization"],
	"component": ["organization", "project_id"],
	"component_task": ["organization", "project_id", "component_id"],
}

deny contains violation if {
	some field in required[input.kind]
	object.get(input.entity, field, "") == ""
	violation := {
		"message": sprintf("%s '%s' is missing its %s reference", [input.kind, input.entity.id, field]),
		"resource": input.entity.id,
	}
}`,
	}
}
