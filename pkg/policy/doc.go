// Package policy gates provisioning and deletion plans with Open Policy Agent.
//
// Every plan is turned into a credential-free input document and evaluated
// against the deny set of each enabled policy before any side effect. Violations
// of severity error or critical deny the plan; warnings are reported only.
//
// # Input
//
//	input.plan.kind                      "provision" or "delete"
//	input.plan.actions[_]                {position, kind, description}
//	input.plan.source                    absent for deletions
//	input.plan.destination.name          alias name
//	input.plan.destination.database      {driver, host, port, name, username, prefix}
//	input.plan.destination.binding       {type, name}
//	input.plan.destination.files         %files path
//	input.context                        {user, environment, overwrite, dry_run}
//
// Values from the settings file are available under data.sitespinner, e.g.
// data.sitespinner.protected.
//
// # Built-in Policies
//
//   - distinct-databases: the destination database is not the source database
//   - distinct-files: the %files directories do not overlap
//   - binding-name: binding names are valid host labels or path segments
//   - path-binding-root: path bindings have a root
//   - protected-destinations: aliases in data.sitespinner.protected are untouchable
//
// # Custom Policies
//
// .rego files are named after the file; a "# severity: error" comment sets the
// default severity. .json files hold a serialized Policy. Rules produce either
// strings or objects:
//
//	package site.freeze
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.context.environment == "production"
//	    violation := {"message": "change freeze", "severity": "critical"}
//	}
//
// A loaded policy with the same name as a built-in replaces it. Engine.Watch
// reloads custom policies when files change.
package policy
