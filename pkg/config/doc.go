// Package config loads deployment manifests and turns them into sequence
// trees for the engine.
//
// # Manifests
//
// A manifest names the servers to deploy to, the load balancer used to take
// them out of rotation, and two lists of steps: local steps that run once on
// the deploying machine and remote steps that run on every server. Manifests
// are written in YAML or CUE; the file extension selects the format.
//
//	name: web
//	settings:
//	  suspend_mode: graceful
//	load_balancer:
//	  type: redis
//	  address: localhost:6379
//	servers:
//	  - name: web-1
//	    address: 10.0.0.1
//	remote:
//	  - name: restart
//	    kind: command
//	    params:
//	      command: systemctl restart app
//	  - only_if: facts.os.name.startswith("Ubuntu")
//	    steps:
//	      - name: apt
//	        kind: command
//	        params:
//	          command: apt-get install -y app
//
// CUE manifests are unified with a built-in #Manifest definition before they
// are decoded, so type and enum errors are reported with file positions.
// YAML manifests reject unknown fields. Both are then checked for the
// structural rules shared by the two formats.
//
// # Conditions
//
// only_if expressions are Starlark and see a frozen facts value:
//
//	facts.os.name, facts.os.version, facts.os.kernel, facts.os.arch, facts.os.hostname
//	facts.extra["key"]
//	facts.labels.get("role") == "web"
//
// Expressions are compiled when the plan is built and evaluated once per
// server by the engine. A group step (steps plus only_if) becomes a
// conditional node; a single step with only_if becomes a conditional node
// wrapping that step.
//
// # Watching
//
// Watcher reloads a manifest when its file changes and reports the result,
// which backs validate --watch.
package config
