package engine

import (
	"context"
)

// DeploymentExecutor publishes and removes deployments on the target platform.
// Implementations wrap an external deployment tool or API.
type DeploymentExecutor interface {
	// Deploy publishes the domain's artifact and returns the deployed URL.
	Deploy(ctx context.Context, domain string, cfg *ResolvedConfig) (*DeploymentOutput, error)

	// Remove deletes a previously published deployment.
	Remove(ctx context.Context, domain string, deploymentID string) error
}

// ResourceProvisioner creates and destroys storage instances on the platform.
type ResourceProvisioner interface {
	// Exists reports whether the named storage instance already exists.
	Exists(ctx context.Context, instance string) (bool, error)

	// Create creates the named storage instance.
	Create(ctx context.Context, instance string) error

	// ApplyMigrations applies pending schema migrations to the bound instance
	// and returns the number of migrations applied.
	ApplyMigrations(ctx context.Context, binding StorageBinding, environment string, remote bool) (int, error)

	// Drop destroys the named storage instance.
	Drop(ctx context.Context, instance string) error
}

// SecretDistributor generates per-domain secrets and distributes them to the
// deployment environment.
type SecretDistributor interface {
	// GenerateSecrets generates (or rotates) secrets for the domain.
	GenerateSecrets(ctx context.Context, domain string, cfg *ResolvedConfig, opts SecretOptions) (*SecretBundle, error)

	// Revoke invalidates secrets previously distributed for the domain.
	Revoke(ctx context.Context, domain string) error
}

// HealthChecker probes a deployed service's health endpoint. A single call is
// one probe; retry policy belongs to the caller.
type HealthChecker interface {
	CheckHealth(ctx context.Context, url string) (*HealthReport, error)
}

// ManifestStore reads and writes per-domain deployment manifests.
type ManifestStore interface {
	// Patch applies the resolved configuration to the domain's manifest and
	// returns a snapshot of the manifest as it was before the patch.
	Patch(ctx context.Context, domain string, cfg *ResolvedConfig) (snapshot []byte, err error)

	// Snapshot returns the current manifest content for the domain.
	Snapshot(ctx context.Context, domain string) ([]byte, error)

	// Restore writes a previously taken snapshot back.
	Restore(ctx context.Context, domain string, snapshot []byte) error
}

// StateRecorder receives state transitions, audit events, and rollback
// actions from the coordinator. The run's state manager implements it.
type StateRecorder interface {
	// UpdateDomainState applies a patch to the domain's state record.
	UpdateDomainState(domain string, patch StatePatch) error

	// LogAuditEvent appends an event to the run's audit log.
	LogAuditEvent(event string, domain string, details map[string]interface{})

	// RecordRollbackAction records a reversible side effect.
	RecordRollbackAction(action RollbackAction)

	// DomainState returns the current state record for the domain.
	DomainState(domain string) (*DomainDeploymentState, bool)
}

// StatePatch is a partial update to a domain's state record. Zero-valued
// fields are left unchanged.
type StatePatch struct {
	// Status moves the domain to a new status. Validated against the
	// current status; illegal transitions are rejected.
	Status DomainStatus

	// DeploymentID sets the deployment identifier.
	DeploymentID string

	// FailedPhase records the phase that failed.
	FailedPhase Phase

	// AppendError appends an error message.
	AppendError string

	// AppendWarning appends a warning message.
	AppendWarning string

	// ResolvedConfig attaches the resolved configuration.
	ResolvedConfig *ResolvedConfig

	// DeployedURL sets the deployed service URL.
	DeployedURL string

	// WorkerID sets the executor's worker identifier.
	WorkerID string
}

// MetricsRecorder receives deployment metrics from the coordinator.
// The telemetry package provides the Prometheus-backed implementation.
type MetricsRecorder interface {
	DeploymentStarted(domain string)
	DeploymentCompleted(domain string, status DomainStatus, duration float64)
	PhaseObserved(domain string, phase Phase, duration float64)
	RollbackActionExecuted(actionType RollbackActionType, success bool)
	ErrorRecorded(class ErrorClass, code string)
}

// RollbackExecutor reverses one recorded rollback action. The orchestrator
// implements it by dispatching on the action type to its collaborators.
type RollbackExecutor interface {
	ExecuteRollbackAction(ctx context.Context, action RollbackAction) error
}

// PhaseFunc executes one pipeline phase against the domain's state record.
type PhaseFunc func(ctx context.Context, state *DomainDeploymentState) error

// PhaseHandlers binds an implementation to each pipeline phase. The
// orchestrator populates it with closures over its collaborators.
type PhaseHandlers struct {
	Validate         PhaseFunc
	Initialize       PhaseFunc
	ProvisionStorage PhaseFunc
	ProvisionSecrets PhaseFunc
	Deploy           PhaseFunc
	Verify           PhaseFunc
}

// Handler returns the handler bound to the given phase.
func (h PhaseHandlers) Handler(phase Phase) PhaseFunc {
	switch phase {
	case PhaseValidation:
		return h.Validate
	case PhaseInitialization:
		return h.Initialize
	case PhaseStorageProvisioning:
		return h.ProvisionStorage
	case PhaseSecretProvisioning:
		return h.ProvisionSecrets
	case PhaseDeployment:
		return h.Deploy
	case PhaseVerification:
		return h.Verify
	default:
		return nil
	}
}
