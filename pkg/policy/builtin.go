package policy

// Names of the built-in policies.
const (
	PolicyServerAddress      = "server-address"
	PolicyImmediateSuspend   = "immediate-suspend"
	PolicyUniqueServerNames  = "unique-server-names"
	PolicyParallelism        = "parallelism"
	PolicyEmptyRemoteSection = "empty-remote"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		serverAddressPolicy(),
		immediateSuspendPolicy(),
		uniqueServerNamesPolicy(),
		parallelismPolicy(),
		emptyRemotePolicy(),
	}
}

// serverAddressPolicy requires every server to declare an address.
func serverAddressPolicy() Policy {
	return Policy{
		Name:        PolicyServerAddress,
		Description: "Every server must declare an address",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"servers"},
		Rego: `package seqdeploy.servers.address

import rego.v1

deny contains violation if {
	some server in input.servers
	server.address == ""
	violation := {
		"message": sprintf("server %s has no address", [server.name]),
		"server": server.name,
	}
}
`,
	}
}

// immediateSuspendPolicy requires an opt-in label on every server before
// it is cut out of the pool without draining.
func immediateSuspendPolicy() Policy {
	return Policy{
		Name:        PolicyImmediateSuspend,
		Description: "Immediate suspend requires every server to carry allow_immediate=true",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"load-balancer", "safety"},
		Rego: `package seqdeploy.settings.immediate

import rego.v1

deny contains violation if {
	input.settings.suspend_mode == "immediate"
	not input.settings.dry_run
	some server in input.servers
	object.get(server.labels, "allow_immediate", "") != "true"
	violation := {
		"message": sprintf("server %s does not allow immediate suspend (label allow_immediate=true)", [server.name]),
		"server": server.name,
	}
}
`,
	}
}

// uniqueServerNamesPolicy rejects servers declared twice.
func uniqueServerNamesPolicy() Policy {
	return Policy{
		Name:        PolicyUniqueServerNames,
		Description: "Server names must be unique",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"servers"},
		Rego: `package seqdeploy.servers.unique

import rego.v1

deny contains violation if {
	some i, j
	input.servers[i].name == input.servers[j].name
	i < j
	name := input.servers[i].name
	violation := {
		"message": sprintf("server %s is declared more than once", [name]),
		"server": name,
	}
}
`,
	}
}

// parallelismPolicy rejects a worker count larger than the server list.
func parallelismPolicy() Policy {
	return Policy{
		Name:        PolicyParallelism,
		Description: "max_parallel must not exceed the number of servers",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"settings"},
		Rego: `package seqdeploy.settings.parallelism

import rego.v1

deny contains violation if {
	input.settings.max_parallel > count(input.servers)
	violation := {
		"message": sprintf("max_parallel %d exceeds the %d declared servers", [input.settings.max_parallel, count(input.servers)]),
	}
}
`,
	}
}

// emptyRemotePolicy warns when nothing would run on the servers.
func emptyRemotePolicy() Policy {
	return Policy{
		Name:        PolicyEmptyRemoteSection,
		Description: "Warns when no remote steps are declared",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"steps"},
		Rego: `package seqdeploy.steps.remote

import rego.v1

deny contains "no remote steps are declared; servers will only be suspended and resumed" if {
	count(input.remote) == 0
	input.settings.suspend_mode != "none"
}

deny contains "no remote steps are declared" if {
	count(input.remote) == 0
	input.settings.suspend_mode == "none"
}
`,
	}
}
