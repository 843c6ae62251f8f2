// Package policy provides Open Policy Agent (OPA) admission control for
// TeamCloud commands.
//
// The Engine implements engine.Admission. CommandService calls Admit before it
// records a result or starts an instance, so a rejected command leaves no
// trace in the stores.
//
// # Policies
//
// A policy is a Rego module defining a deny set in its own package. The input
// document is the command:
//
//	{
//	  "command_id": "…",
//	  "action": "create",
//	  "kind": "component",
//	  "project_id": "p1",
//	  "entity": {"id": "web", "name": "web", "organization": "contoso", "project_id": "p1"},
//	  "issued_by": {"id": "alice"}
//	}
//
// Deny members are either messages or objects with message, severity, code,
// and resource fields. Violations of error or critical severity reject the
// command with a validation error carrying the last non-empty code
// (VALIDATION_ERROR by default, PERMISSION_DENIED for authorization rules);
// warnings are only logged.
//
// Two policies are built in:
//
//   - entity-naming: display names use lowercase letters, numbers, and hyphens
//   - parent-references: entities carry the references to their parents
//
// # Custom Policies
//
// Custom policies are loaded from .rego files, single-policy .json files, or
// JSON bundles:
//
//	eng, err := policy.NewEngine(tel)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/teamcloud/policies"}); err != nil {
//	    return err
//	}
//	if err := eng.Watch(ctx, []string{"/etc/teamcloud/policies"}); err != nil {
//	    return err
//	}
//
// Watch replaces all custom policies whenever a watched file changes; the
// built-in policies are kept.
package policy
