package engine

import (
	"time"
)

// DomainDescriptor describes one deployment target within a portfolio.
// Descriptors are created at discovery and immutable after registration,
// except for metadata refresh.
type DomainDescriptor struct {
	// Name is the fully qualified domain name of the deployment target.
	Name string `json:"name" yaml:"name" validate:"required,fqdn"`

	// Environment is the deployment environment this domain belongs to.
	Environment string `json:"environment" yaml:"environment" validate:"required,oneof=development staging production"`

	// Service is the service configuration deployed to this domain.
	Service ServiceConfig `json:"service" yaml:"service"`

	// SharedResources lists names of infrastructure objects shared with
	// other domains (e.g. a database referenced by several services).
	SharedResources []string `json:"shared_resources,omitempty" yaml:"shared_resources,omitempty"`

	// DependsOn lists domain names that must deploy before this one.
	// Dependencies outside the current run's scope are ignored.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Labels are key-value pairs for organizing and selecting domains.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Source names the discovery channel that produced this descriptor.
	Source string `json:"source,omitempty" yaml:"-"`

	// RegisteredAt is when the descriptor was registered.
	RegisteredAt time.Time `json:"registered_at,omitempty" yaml:"-"`
}

// ServiceConfig holds the per-domain service settings consumed by the
// deployment executor.
type ServiceConfig struct {
	// Name is the service name. Derived from the domain when empty.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// ArtifactVersion pins the artifact version to publish.
	ArtifactVersion string `json:"artifact_version,omitempty" yaml:"artifact_version,omitempty"`

	// Routes are the request routes bound to the service.
	Routes []string `json:"routes,omitempty" yaml:"routes,omitempty"`

	// StorageBindings bind named storage instances into the service.
	StorageBindings []StorageBinding `json:"storage_bindings,omitempty" yaml:"storage_bindings,omitempty"`

	// Vars are non-secret environment variables for the service.
	Vars map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// StorageBinding binds a storage instance into a service under a binding name.
type StorageBinding struct {
	// Binding is the name the service uses to address the instance.
	Binding string `json:"binding" yaml:"binding" validate:"required"`

	// Instance is the storage instance name on the platform.
	Instance string `json:"instance" yaml:"instance" validate:"required"`

	// Shared marks the instance as referenced by more than one domain.
	// Shared instances are provisioned exactly once, during preparation.
	Shared bool `json:"shared,omitempty" yaml:"shared,omitempty"`
}

// ResolvedConfig is the concrete, environment-specific configuration for one
// domain, produced by the resolver.
type ResolvedConfig struct {
	// Domain is the domain name this configuration was resolved for.
	Domain string `json:"domain"`

	// Environment is the environment the configuration targets.
	Environment string `json:"environment"`

	// ServiceName is the environment-qualified service name.
	ServiceName string `json:"service_name"`

	// ServiceURL is the public URL the deployed service answers on.
	ServiceURL string `json:"service_url"`

	// HealthURL is the health endpoint probed during verification.
	HealthURL string `json:"health_url"`

	// Routes are the resolved request routes.
	Routes []string `json:"routes,omitempty"`

	// StorageBindings are the resolved storage bindings.
	StorageBindings []StorageBinding `json:"storage_bindings,omitempty"`

	// Vars are the resolved non-secret variables.
	Vars map[string]string `json:"vars,omitempty"`

	// ResolvedAt is when the configuration was computed.
	ResolvedAt time.Time `json:"resolved_at"`
}

// DomainDeploymentState tracks one domain through one run. Each state record
// is exclusively owned by whichever operation is currently processing the
// domain; it is never written concurrently.
type DomainDeploymentState struct {
	// Domain is the domain name.
	Domain string `json:"domain"`

	// Status is the current pipeline status.
	Status DomainStatus `json:"status"`

	// DeploymentID correlates log lines and external artifacts with this
	// domain's deployment attempt.
	DeploymentID string `json:"deployment_id,omitempty"`

	// StartedAt is when the domain's pipeline started.
	StartedAt time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the domain reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// FailedPhase is the phase that failed, if any.
	FailedPhase Phase `json:"failed_phase,omitempty"`

	// Errors accumulates error messages encountered for this domain.
	Errors []string `json:"errors,omitempty"`

	// Warnings accumulates non-fatal warnings (e.g. unverified health).
	Warnings []string `json:"warnings,omitempty"`

	// RollbackActions are the reversible side effects recorded for this
	// domain, most recent first.
	RollbackActions []RollbackAction `json:"rollback_actions,omitempty"`

	// ResolvedConfig is the configuration the pipeline ran with.
	ResolvedConfig *ResolvedConfig `json:"resolved_config,omitempty"`

	// DeployedURL is the URL reported by the deployment executor.
	DeployedURL string `json:"deployed_url,omitempty"`

	// WorkerID is the executor's identifier for the deployed unit, if any.
	WorkerID string `json:"worker_id,omitempty"`
}

// RollbackActionType identifies the kind of reversible side effect recorded.
type RollbackActionType string

const (
	// RollbackActionRemoveDeployment removes a published deployment.
	RollbackActionRemoveDeployment RollbackActionType = "remove-deployment"

	// RollbackActionDropStorage drops a storage instance created by this run.
	RollbackActionDropStorage RollbackActionType = "drop-storage"

	// RollbackActionRevokeSecrets revokes secrets distributed by this run.
	RollbackActionRevokeSecrets RollbackActionType = "revoke-secrets"

	// RollbackActionRestoreManifest restores a manifest snapshot taken before patching.
	RollbackActionRestoreManifest RollbackActionType = "restore-manifest"
)

// RollbackAction records one reversible side effect. Actions are appended
// LIFO and consumed in exact reverse order during rollback.
type RollbackAction struct {
	// Type identifies the side effect to reverse.
	Type RollbackActionType `json:"type"`

	// Description is a human-readable summary of the action.
	Description string `json:"description"`

	// Domain is the domain the side effect belongs to.
	Domain string `json:"domain"`

	// Payload carries the data needed to reverse the side effect.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Timestamp is when the side effect was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// PortfolioMetrics aggregates per-domain terminal statuses. The counters
// always equal the sum of terminal per-domain statuses.
type PortfolioMetrics struct {
	// Total is the number of domains in the run.
	Total int `json:"total"`

	// Completed is the number of domains that succeeded.
	Completed int `json:"completed"`

	// Failed is the number of domains that failed.
	Failed int `json:"failed"`

	// RolledBack is the number of domains rolled back.
	RolledBack int `json:"rolled_back"`
}

// AuditEvent is one immutable, timestamped entry in the run's audit log.
// Entries are appended in order and never reordered.
type AuditEvent struct {
	// Sequence is the append position within the run, starting at 1.
	Sequence int64 `json:"sequence"`

	// Event names what happened (e.g. "domain.deploy.started").
	Event string `json:"event"`

	// Domain is the affected domain, empty for portfolio-level events.
	Domain string `json:"domain,omitempty"`

	// Timestamp is when the event was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Details contains event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`
}

// PortfolioState is the run context owning all portfolio-wide state. One
// instance exists per run; it is constructed explicitly and passed by
// reference, never held in a process-wide global.
type PortfolioState struct {
	// OrchestrationID is the time-prefixed unique identifier for the run.
	OrchestrationID string `json:"orchestration_id"`

	// DomainStates maps domain name to its deployment state record.
	DomainStates map[string]*DomainDeploymentState `json:"domain_states"`

	// RollbackPlan holds recorded rollback actions, most recent first.
	RollbackPlan []RollbackAction `json:"rollback_plan"`

	// AuditLog is the append-only audit trail for the run.
	AuditLog []AuditEvent `json:"audit_log"`

	// Metrics aggregates terminal per-domain statuses.
	Metrics PortfolioMetrics `json:"metrics"`

	// StartedAt is when the run context was created.
	StartedAt time.Time `json:"started_at"`
}

// DomainResult is the structured outcome of one domain's pipeline.
type DomainResult struct {
	// Domain is the domain name.
	Domain string `json:"domain"`

	// Status is the terminal status the domain reached.
	Status DomainStatus `json:"status"`

	// URL is the deployed service URL on success.
	URL string `json:"url,omitempty"`

	// FailedPhase is the phase that failed, if any.
	FailedPhase Phase `json:"failed_phase,omitempty"`

	// Err is the classified failure, if any.
	Err *OrchestrationError `json:"error,omitempty"`

	// Warnings lists non-fatal warnings raised during the pipeline.
	Warnings []string `json:"warnings,omitempty"`

	// Duration is how long the pipeline ran.
	Duration time.Duration `json:"duration"`
}

// PortfolioResult is the itemized per-domain outcome of a batched deployment.
type PortfolioResult struct {
	// Successful lists results for domains that deployed successfully.
	Successful []*DomainResult `json:"successful"`

	// Failed lists results for domains that failed or were skipped.
	Failed []*DomainResult `json:"failed"`

	// Batches records the domain batches in execution order.
	Batches [][]string `json:"batches"`
}

// SucceededDomains returns the names of successful domains in result order.
func (r *PortfolioResult) SucceededDomains() []string {
	names := make([]string, 0, len(r.Successful))
	for _, res := range r.Successful {
		names = append(names, res.Domain)
	}
	return names
}

// CoordinationResults partitions domains by coordination outcome.
type CoordinationResults struct {
	// Successful lists domains that deployed successfully.
	Successful []string `json:"successful"`

	// Failed lists domains that failed.
	Failed []string `json:"failed"`

	// RolledBack lists domains whose side effects were reversed.
	RolledBack []string `json:"rolled_back"`
}

// CoordinationMetrics aggregates coordination-level statistics.
type CoordinationMetrics struct {
	// Total is the number of in-scope domains.
	Total int `json:"total"`

	// Succeeded is the number of domains that deployed successfully.
	Succeeded int `json:"succeeded"`

	// Failed is the number of domains that failed.
	Failed int `json:"failed"`

	// RolledBack is the number of domains rolled back.
	RolledBack int `json:"rolled_back"`

	// Duration is the total coordination wall time.
	Duration time.Duration `json:"duration"`
}

// Coordination tracks one portfolio-scale coordination run through its four
// phases.
type Coordination struct {
	// CoordinationID is the unique identifier for this coordination run.
	CoordinationID string `json:"coordination_id"`

	// Domains are the in-scope domain names.
	Domains []string `json:"domains"`

	// Phases is the strict phase order for the run.
	Phases []CoordinationPhase `json:"phases"`

	// CurrentPhase is the phase currently executing, or the last executed.
	CurrentPhase CoordinationPhase `json:"current_phase,omitempty"`

	// Status is the coordination status.
	Status CoordinationStatus `json:"status"`

	// Results partitions domains by outcome.
	Results CoordinationResults `json:"results"`

	// Metrics aggregates coordination statistics.
	Metrics CoordinationMetrics `json:"metrics"`

	// StartedAt is when the coordination started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the coordination reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RollbackActionResult is the outcome of reversing one recorded action.
type RollbackActionResult struct {
	// Action is the action that was executed.
	Action RollbackAction `json:"action"`

	// Err is the failure reversing the action, if any.
	Err *OrchestrationError `json:"error,omitempty"`
}

// RollbackReport summarizes a rollback pass.
type RollbackReport struct {
	// Executed lists action results in execution (reverse-chronological) order.
	Executed []RollbackActionResult `json:"executed"`

	// Domains lists domains marked rolled-back by this pass.
	Domains []string `json:"domains"`

	// Failures is the number of actions that failed to reverse.
	Failures int `json:"failures"`
}

// PrerequisiteReport is the outcome of prerequisite validation for a domain.
type PrerequisiteReport struct {
	// Valid is true when no blocking issues were found.
	Valid bool `json:"valid"`

	// Issues lists the blocking problems found.
	Issues []string `json:"issues,omitempty"`
}

// HealthReport is the outcome of a single health probe.
type HealthReport struct {
	// Status is the probe outcome.
	Status HealthStatus `json:"status"`

	// Details contains probe-specific data (latency, response body fields).
	Details map[string]interface{} `json:"details,omitempty"`
}

// DeploymentOutput is the executor's report of a successful publish.
type DeploymentOutput struct {
	// URL is the URL the artifact is served from.
	URL string `json:"url"`

	// WorkerID is the platform's identifier for the deployed unit, if any.
	WorkerID string `json:"worker_id,omitempty"`
}

// SecretBundle is the secret distributor's output for one domain.
type SecretBundle struct {
	// Secrets maps secret names to opaque values.
	Secrets map[string]string `json:"secrets"`

	// DistributionFiles lists local paths of generated distribution files.
	DistributionFiles []string `json:"distribution_files,omitempty"`
}

// SecretOptions configures secret generation for one domain.
type SecretOptions struct {
	// Rotate forces regeneration of existing secrets.
	Rotate bool `json:"rotate,omitempty"`

	// Names restricts generation to the listed secret names.
	Names []string `json:"names,omitempty"`
}
