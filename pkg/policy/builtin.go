package policy

import (
	"time"
)

// Builtin policy names.
const (
	PolicyDestructiveCommands = "destructive-commands"
	PolicyPathTraversal       = "path-traversal"
	PolicyBrowserSchemes      = "browser-schemes"
	PolicyPrivilegeEscalation = "privilege-escalation"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveCommandsPolicy(),
		pathTraversalPolicy(),
		browserSchemesPolicy(),
		privilegeEscalationPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, src string) Policy {
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		Rego:        src,
		LoadedAt:    time.Now(),
	}
}

// destructiveCommandsPolicy blocks shell commands that wipe or halt the host.
func destructiveCommandsPolicy() Policy {
	return builtin(PolicyDestructiveCommands,
		"Blocks system steps whose command destroys data or stops the host",
		SeverityCritical, []string{"system", "safety"},
		`package pilot.policies.commands

import rego.v1

destructive_patterns := [
	"(^|[;&|]\\s*)(sudo\\s+)?rm\\s+(-[a-z]+\\s+)*(/|~)(\\s|\\*|/?$)",
	"(^|[;&|]\\s*)(sudo\\s+)?mkfs(\\.[a-z0-9]+)?\\b",
	"(^|[;&|]\\s*)(sudo\\s+)?dd\\s+.*of=/dev/",
	"(^|[;&|]\\s*)(sudo\\s+)?(shutdown|reboot|halt|poweroff)\\b",
	":\\(\\)\\s*\\{\\s*:\\s*\\|\\s*:\\s*&\\s*\\}",
	"(^|[;&|]\\s*)(sudo\\s+)?chmod\\s+(-[a-z]+\\s+)*0?777\\s+/(\\s|$)",
	">\\s*/dev/(sd[a-z]|nvme[0-9])",
]

deny contains violation if {
	input.step.action_type == "system"
	command := lower(input.step.parameters.command)
	some pattern in destructive_patterns
	regex.match(pattern, command)
	violation := {
		"message": sprintf("command '%s' matches a destructive pattern", [input.step.parameters.command]),
		"severity": "critical",
		"remediation": "Scope the command to a specific path or run it manually",
	}
}
`)
}

// pathTraversalPolicy keeps file steps inside their workspace.
func pathTraversalPolicy() Policy {
	return builtin(PolicyPathTraversal,
		"Rejects file steps that climb out of a directory or leave the allowed roots",
		SeverityError, []string{"file", "safety"},
		`package pilot.policies.paths

import rego.v1

path_keys := ["path", "source", "destination"]

file_paths contains p if {
	input.step.action_type == "file"
	some key in path_keys
	p := input.step.parameters[key]
	is_string(p)
}

deny contains violation if {
	some p in file_paths
	some segment in split(replace(p, "\\", "/"), "/")
	segment == ".."
	violation := {
		"message": sprintf("path '%s' traverses a parent directory", [p]),
		"severity": "error",
		"remediation": "Use a path without '..' segments",
	}
}

deny contains violation if {
	count(input.context.allowed_roots) > 0
	some p in file_paths
	startswith(p, "/")
	not under_allowed_root(p)
	violation := {
		"message": sprintf("path '%s' is outside the allowed roots", [p]),
		"severity": "error",
		"remediation": sprintf("Use a path under one of %v", [input.context.allowed_roots]),
	}
}

under_allowed_root(p) if {
	some root in input.context.allowed_roots
	p == trim_right(root, "/")
}

under_allowed_root(p) if {
	some root in input.context.allowed_roots
	startswith(p, concat("", [trim_right(root, "/"), "/"]))
}
`)
}

// browserSchemesPolicy restricts the URLs browser steps may open.
func browserSchemesPolicy() Policy {
	return builtin(PolicyBrowserSchemes,
		"Restricts browser steps to the allowed URL schemes",
		SeverityError, []string{"browser", "safety"},
		`package pilot.policies.browser

import rego.v1

script_prefixes := ["javascript:", "data:", "vbscript:"]

url_scheme(url) := scheme if {
	i := indexof(url, "://")
	i > 0
	scheme := lower(substring(url, 0, i))
}

allowed_scheme(scheme) if {
	some allowed in input.context.allowed_schemes
	lower(allowed) == scheme
}

deny contains violation if {
	input.step.action_type == "browser"
	url := input.step.parameters.url
	is_string(url)
	scheme := url_scheme(url)
	not allowed_scheme(scheme)
	violation := {
		"message": sprintf("URL scheme '%s' is not allowed", [scheme]),
		"severity": "error",
	}
}

deny contains violation if {
	input.step.action_type == "browser"
	url := input.step.parameters.url
	is_string(url)
	some prefix in script_prefixes
	startswith(lower(url), prefix)
	violation := {
		"message": sprintf("URL '%s' executes inline content", [url]),
		"severity": "error",
	}
}
`)
}

// privilegeEscalationPolicy flags commands that run with elevated rights.
func privilegeEscalationPolicy() Policy {
	return builtin(PolicyPrivilegeEscalation,
		"Warns when a system step elevates privileges",
		SeverityWarning, []string{"system", "audit"},
		`package pilot.policies.privilege

import rego.v1

deny contains violation if {
	input.step.action_type == "system"
	regex.match("^\\s*(sudo|su|doas|pkexec)\\b", input.step.parameters.command)
	violation := {
		"message": sprintf("command '%s' runs with elevated privileges", [input.step.parameters.command]),
		"severity": "warning",
	}
}
`)
}
