package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	policies := []Policy{
		distinctDatabasesPolicy(),
		distinctFilesPolicy(),
		bindingNamePolicy(),
		pathBindingPolicy(),
		protectedDestinationsPolicy(),
	}
	now := time.Now()
	for i := range policies {
		policies[i].Builtin = true
		policies[i].Enabled = true
		policies[i].UpdatedAt = now
	}
	return policies
}

// distinctDatabasesPolicy stops a provisioning run from loading a dump into
// the database it was taken from.
func distinctDatabasesPolicy() Policy {
	return Policy{
		Name:        "distinct-databases",
		Description: "Source and destination must not share a database",
		Severity:    SeverityCritical,
		Tags:        []string{"database", "safety"},
		Rego: `package sitespinner.policies.databases

import rego.v1

deny contains violation if {
	input.plan.kind == "provision"
	src := input.plan.source.database
	dst := input.plan.destination.database

	src.driver == dst.driver
	lower(src.host) == lower(dst.host)
	src.name == dst.name

	violation := {
		"message": sprintf("destination database %s on %s is the source database", [dst.name, dst.host]),
		"severity": "critical",
		"alias": input.plan.destination.name,
		"remediation": "give the destination its own databases.default.default.database",
	}
}

deny contains violation if {
	input.plan.kind == "provision"
	src := input.plan.source.database
	dst := input.plan.destination.database

	src.name != dst.name
	dst.username == src.username
	lower(src.host) == lower(dst.host)

	violation := {
		"message": sprintf("destination reuses the source database user %s", [dst.username]),
		"severity": "warning",
		"alias": input.plan.destination.name,
	}
}`,
	}
}

// distinctFilesPolicy keeps the copy from overwriting or recursing into the
// source files directory.
func distinctFilesPolicy() Policy {
	return Policy{
		Name:        "distinct-files",
		Description: "Source and destination files directories must not overlap",
		Severity:    SeverityError,
		Tags:        []string{"files", "safety"},
		Rego: `package sitespinner.policies.files

import rego.v1

clean(p) := trim_right(p, "/")

same_host if {
	object.get(input.plan.source, "remote_host", "") == object.get(input.plan.destination, "remote_host", "")
}

deny contains violation if {
	input.plan.kind == "provision"
	same_host
	clean(input.plan.source.files) == clean(input.plan.destination.files)

	violation := {
		"message": sprintf("destination %%files %s is the source %%files", [input.plan.destination.files]),
		"severity": "error",
		"alias": input.plan.destination.name,
	}
}

deny contains violation if {
	input.plan.kind == "provision"
	same_host
	src := clean(input.plan.source.files)
	dst := clean(input.plan.destination.files)
	src != dst
	startswith(dst, concat("", [src, "/"]))

	violation := {
		"message": sprintf("destination %%files %s lies inside the source %%files %s", [dst, src]),
		"severity": "error",
		"alias": input.plan.destination.name,
	}
}

deny contains violation if {
	input.plan.kind == "provision"
	same_host
	src := clean(input.plan.source.files)
	dst := clean(input.plan.destination.files)
	src != dst
	startswith(src, concat("", [dst, "/"]))

	violation := {
		"message": sprintf("source %%files %s lies inside the destination %%files %s", [src, dst]),
		"severity": "error",
		"alias": input.plan.destination.name,
	}
}`,
	}
}

// bindingNamePolicy validates domain-binding names before they reach sites.php.
func bindingNamePolicy() Policy {
	return Policy{
		Name:        "binding-name",
		Description: "Domain binding names must be valid host labels or path segments",
		Severity:    SeverityError,
		Tags:        []string{"binding"},
		Rego: `package sitespinner.policies.binding

import rego.v1

host_pattern := ` + "`" + `^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$` + "`" + `

path_pattern := ` + "`" + `^[A-Za-z0-9][A-Za-z0-9._-]*$` + "`" + `

binding := input.plan.destination.binding

deny contains violation if {
	binding.type in {"domain", "subdomain"}
	not regex.match(host_pattern, binding.name)

	violation := {
		"message": sprintf("%s binding name %q is not a valid lowercase host name", [binding.type, binding.name]),
		"severity": "error",
		"alias": input.plan.destination.name,
	}
}

deny contains violation if {
	binding.type == "subdomain"
	contains(binding.name, ".")

	violation := {
		"message": sprintf("subdomain binding name %q must be a single label", [binding.name]),
		"severity": "error",
		"alias": input.plan.destination.name,
	}
}

deny contains violation if {
	binding.type == "path"
	not regex.match(path_pattern, binding.name)

	violation := {
		"message": sprintf("path binding name %q must be a single path segment", [binding.name]),
		"severity": "error",
		"alias": input.plan.destination.name,
	}
}

deny contains violation if {
	binding.type == "path"
	binding.name in {"sites", "modules", "themes", "profiles", "includes", "misc", "core"}

	violation := {
		"message": sprintf("path binding name %q shadows a Drupal directory", [binding.name]),
		"severity": "error",
		"alias": input.plan.destination.name,
	}
}`,
	}
}

// pathBindingPolicy requires a docroot for path bindings, which are symlinks
// inside it.
func pathBindingPolicy() Policy {
	return Policy{
		Name:        "path-binding-root",
		Description: "Path bindings need the destination root",
		Severity:    SeverityError,
		Tags:        []string{"binding"},
		Rego: `package sitespinner.policies.pathroot

import rego.v1

deny contains violation if {
	input.plan.destination.binding.type == "path"
	object.get(input.plan.destination, "root", "") == ""

	violation := {
		"message": "path binding requires the destination root",
		"severity": "error",
		"alias": input.plan.destination.name,
	}
}

deny contains violation if {
	input.plan.destination.binding.type == "path"
	root := trim_right(input.plan.destination.root, "/")
	files := input.plan.destination.files
	not startswith(files, concat("", [root, "/"]))

	violation := {
		"message": sprintf("destination %%files %s is outside root %s", [files, root]),
		"severity": "warning",
		"alias": input.plan.destination.name,
	}
}`,
	}
}

// protectedDestinationsPolicy refuses to touch aliases listed under
// data.sitespinner.protected.
func protectedDestinationsPolicy() Policy {
	return Policy{
		Name:        "protected-destinations",
		Description: "Protected aliases are never provisioned over or deleted",
		Severity:    SeverityCritical,
		Tags:        []string{"safety"},
		Rego: `package sitespinner.policies.protected

import rego.v1

default protected_aliases := []

protected_aliases := data.sitespinner.protected

deny contains violation if {
	some name in protected_aliases
	name == input.plan.destination.name

	violation := {
		"message": sprintf("%s is protected; refusing to %s it", [name, input.plan.kind]),
		"severity": "critical",
		"alias": name,
	}
}

deny contains violation if {
	input.plan.kind == "provision"
	input.context.overwrite

	violation := {
		"message": "overwrite is set; an existing database and files directory will be reused",
		"severity": "warning",
		"alias": input.plan.destination.name,
	}
}`,
	}
}
