// Package policy provides Open Policy Agent (OPA) admission checks for
// deployments.
//
// Before a run, the manifest and the effective run settings are summarised
// into an Input document and every enabled policy's deny set is evaluated
// against it. Violations with error or critical severity block the run;
// info and warning violations are reported only. A policy that fails to
// evaluate also blocks the run.
//
// # Writing policies
//
// A policy is a Rego module that defines deny. Entries are strings or
// objects with message, and optionally severity and server:
//
//	# Production servers must belong to a farm.
//	# severity: error
//	package seqdeploy.custom.farm
//
//	import rego.v1
//
//	deny contains v if {
//		some s in input.servers
//		s.farm == ""
//		v := {"message": sprintf("%s has no farm", [s.name]), "server": s.name}
//	}
//
// The input has this shape:
//
//	{
//	  "name": "web",
//	  "environment": "production",
//	  "settings": {"suspend_mode": "graceful", "max_parallel": 1, "dry_run": false, ...},
//	  "load_balancer": {"type": "redis", "farm": "web", "exclusive": true},
//	  "servers": [{"name": "web-1", "address": "10.0.0.1", "labels": {...}, ...}],
//	  "local": [{"name": "build", "kind": "local", "only_if": "", "steps": []}],
//	  "remote": [...]
//	}
//
// # Built-in policies
//
//   - server-address: every server declares an address
//   - immediate-suspend: immediate suspend requires allow_immediate=true on every server
//   - unique-server-names: no server is declared twice
//   - parallelism: max_parallel does not exceed the server count
//   - empty-remote: warns when no remote steps are declared
//
// Built-ins can be disabled with DisablePolicy. Policies loaded from files
// are replaced as a set on reload and may not reuse a built-in name.
package policy
