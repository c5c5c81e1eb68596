// Package policy guards steps with Open Policy Agent (Rego) policies before
// any handler runs.
//
// Every policy is a Rego module whose package defines a "deny" set. Each
// entry is either a message string or an object with "message",
// "severity", and optional "remediation" keys. Error and critical
// violations reject the step with a permanent POLICY_DENIED error; info
// and warning violations are logged and returned as warnings.
//
// # Built-in policies
//
//   - destructive-commands: system steps that wipe disks, delete the root or
//     home directory, halt the host, or fork-bomb it.
//   - path-traversal: file steps whose path, source, or destination climbs
//     through ".." or leaves the configured allowed roots.
//   - browser-schemes: browser steps that open a URL scheme other than the
//     allowed ones, or inline javascript:/data: content.
//   - privilege-escalation: a warning for commands run through sudo, su,
//     doas, or pkexec.
//
// # Input document
//
//	{
//	  "task_id": "...",
//	  "step": {"id": "...", "action_type": "system", "parameters": {...}, ...},
//	  "context": {"timestamp": "...", "allowed_roots": [...], "allowed_schemes": [...]}
//	}
//
// # Custom policies
//
// Additional policies are loaded from .rego files, single-policy JSON
// files, and *.bundle.json bundles under Config.Paths. A "# severity:"
// comment in a .rego file sets its default severity. With Watch, changes
// under those paths are compiled and swapped in atomically; a policy that
// fails to compile leaves the previous set in place.
//
//	guard, err := policy.NewEngine(ctx, policy.Config{
//		Paths:        []string{"/etc/pilot/policies"},
//		AllowedRoots: []string{"/home/me/work"},
//	}, inst)
//	if err != nil {
//		return err
//	}
//	_ = guard.Watch(ctx)
//	executor := engine.NewExecutor(handlers, engine.ExecutorConfig{}, guard, inst)
package policy
