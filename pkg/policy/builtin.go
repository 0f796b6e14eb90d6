package policy

import (
	"time"
)

// GetBuiltinPolicies returns the built-in compatibility policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		crossEnvironmentDependencyPolicy(),
		productionVerificationPolicy(),
		sharedResourceConsistencyPolicy(),
	}
}

// crossEnvironmentDependencyPolicy blocks portfolios where a domain depends
// on a domain in a different environment.
func crossEnvironmentDependencyPolicy() Policy {
	return Policy{
		Name:        "cross-environment-dependency",
		Description: "Domains must not depend on domains deployed to a different environment",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"compatibility", "dependencies"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package wavedeploy.policies.crossenv

import rego.v1

deny contains violation if {
	some domain in input.portfolio
	some dep_name in domain.depends_on
	some dep in input.portfolio
	dep.name == dep_name
	dep.environment != domain.environment
	violation := {
		"message": sprintf("domain %s (%s) depends on %s (%s) in a different environment", [domain.name, domain.environment, dep.name, dep.environment]),
		"severity": "error",
		"domain": domain.name,
	}
}
`,
	}
}

// productionVerificationPolicy requires a pinned artifact version for
// production domains.
func productionVerificationPolicy() Policy {
	return Policy{
		Name:        "production-artifact-version",
		Description: "Production domains must pin an artifact version",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"production", "artifacts"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package wavedeploy.policies.production

import rego.v1

deny contains violation if {
	some domain in input.portfolio
	domain.environment == "production"
	not domain.service.artifact_version
	violation := {
		"message": sprintf("production domain %s has no pinned artifact version", [domain.name]),
		"severity": "error",
		"domain": domain.name,
	}
}

deny contains violation if {
	some domain in input.portfolio
	domain.environment == "production"
	domain.service.artifact_version == "latest"
	violation := {
		"message": sprintf("production domain %s pins the floating version 'latest'", [domain.name]),
		"severity": "error",
		"domain": domain.name,
	}
}
`,
	}
}

// sharedResourceConsistencyPolicy requires domains sharing a resource to
// target the same environment.
func sharedResourceConsistencyPolicy() Policy {
	return Policy{
		Name:        "shared-resource-environment-consistency",
		Description: "Domains sharing a resource must target the same environment",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"compatibility", "shared-resources"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package wavedeploy.policies.shared

import rego.v1

deny contains violation if {
	some a in input.portfolio
	some b in input.portfolio
	a.name < b.name
	some resource in a.shared_resources
	resource in b.shared_resources
	a.environment != b.environment
	violation := {
		"message": sprintf("domains %s and %s share resource %s across environments %s and %s", [a.name, b.name, resource, a.environment, b.environment]),
		"severity": "error",
		"domain": a.name,
	}
}
`,
	}
}
