package engine

import (
	"encoding/json"
	"fmt"
)

// DomainStatus represents the deployment status of a single domain within a run.
type DomainStatus string

const (
	// DomainStatusPending indicates the domain is registered but not yet started.
	DomainStatusPending DomainStatus = "pending"

	// DomainStatusValidating indicates prerequisite validation is in progress.
	DomainStatusValidating DomainStatus = "validating"

	// DomainStatusInitializing indicates config resolution and manifest preparation.
	DomainStatusInitializing DomainStatus = "initializing"

	// DomainStatusProvisioningStorage indicates storage resources are being provisioned.
	DomainStatusProvisioningStorage DomainStatus = "provisioning-storage"

	// DomainStatusProvisioningSecrets indicates secrets are being generated and distributed.
	DomainStatusProvisioningSecrets DomainStatus = "provisioning-secrets"

	// DomainStatusDeploying indicates the deployment executor is publishing the artifact.
	DomainStatusDeploying DomainStatus = "deploying"

	// DomainStatusVerifying indicates post-deployment health verification.
	DomainStatusVerifying DomainStatus = "verifying"

	// DomainStatusSucceeded indicates the domain deployed successfully.
	DomainStatusSucceeded DomainStatus = "succeeded"

	// DomainStatusFailed indicates the domain deployment failed.
	DomainStatusFailed DomainStatus = "failed"

	// DomainStatusRolledBack indicates the domain's side effects were reversed.
	DomainStatusRolledBack DomainStatus = "rolled-back"
)

// statusRank orders statuses along the pipeline. A state transition may only
// move forward, with the single exception of the explicit transition to
// rolled-back.
var statusRank = map[DomainStatus]int{
	DomainStatusPending:             0,
	DomainStatusValidating:          1,
	DomainStatusInitializing:        2,
	DomainStatusProvisioningStorage: 3,
	DomainStatusProvisioningSecrets: 4,
	DomainStatusDeploying:           5,
	DomainStatusVerifying:           6,
	DomainStatusSucceeded:           7,
	DomainStatusFailed:              7,
	DomainStatusRolledBack:          8,
}

// IsTerminal returns true if the status represents a final state.
func (s DomainStatus) IsTerminal() bool {
	return s == DomainStatusSucceeded || s == DomainStatusFailed || s == DomainStatusRolledBack
}

// CanTransitionTo reports whether a transition from s to next is legal.
// Regression is never allowed except via the explicit rolled-back transition.
func (s DomainStatus) CanTransitionTo(next DomainStatus) bool {
	if next == DomainStatusRolledBack {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from || s == next
}

// Validate checks if the domain status is valid.
func (s DomainStatus) Validate() error {
	if _, ok := statusRank[s]; !ok {
		return fmt.Errorf("invalid domain status: %s", s)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DomainStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DomainStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DomainStatus(str)
	return s.Validate()
}

// Phase represents one step of the fixed per-domain deployment pipeline.
type Phase string

const (
	// PhaseValidation checks prerequisites before any side effect.
	PhaseValidation Phase = "validation"

	// PhaseInitialization resolves config and prepares the deployment manifest.
	PhaseInitialization Phase = "initialization"

	// PhaseStorageProvisioning creates storage resources and applies migrations.
	PhaseStorageProvisioning Phase = "storage-provisioning"

	// PhaseSecretProvisioning generates and distributes secrets.
	PhaseSecretProvisioning Phase = "secret-provisioning"

	// PhaseDeployment invokes the deployment executor.
	PhaseDeployment Phase = "deployment"

	// PhaseVerification probes the deployed service's health endpoint.
	PhaseVerification Phase = "verification"
)

// Phases is the fixed, ordered pipeline every domain is driven through.
var Phases = []Phase{
	PhaseValidation,
	PhaseInitialization,
	PhaseStorageProvisioning,
	PhaseSecretProvisioning,
	PhaseDeployment,
	PhaseVerification,
}

// RunningStatus returns the domain status reported while this phase executes.
func (p Phase) RunningStatus() DomainStatus {
	switch p {
	case PhaseValidation:
		return DomainStatusValidating
	case PhaseInitialization:
		return DomainStatusInitializing
	case PhaseStorageProvisioning:
		return DomainStatusProvisioningStorage
	case PhaseSecretProvisioning:
		return DomainStatusProvisioningSecrets
	case PhaseDeployment:
		return DomainStatusDeploying
	case PhaseVerification:
		return DomainStatusVerifying
	default:
		return DomainStatusPending
	}
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseValidation, PhaseInitialization, PhaseStorageProvisioning,
		PhaseSecretProvisioning, PhaseDeployment, PhaseVerification:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// CoordinationPhase represents one of the four portfolio-level coordination phases.
type CoordinationPhase string

const (
	// CoordinationPhaseValidation runs cross-domain validation and compatibility checks.
	CoordinationPhaseValidation CoordinationPhase = "validation"

	// CoordinationPhasePreparation reconciles shared resources, secrets, and configs.
	CoordinationPhasePreparation CoordinationPhase = "preparation"

	// CoordinationPhaseDeployment runs the dependency-ordered batched deployment.
	CoordinationPhaseDeployment CoordinationPhase = "deployment"

	// CoordinationPhaseVerification runs health and cross-domain integration checks.
	CoordinationPhaseVerification CoordinationPhase = "verification"
)

// CoordinationPhases is the strict order of portfolio-level phases.
var CoordinationPhases = []CoordinationPhase{
	CoordinationPhaseValidation,
	CoordinationPhasePreparation,
	CoordinationPhaseDeployment,
	CoordinationPhaseVerification,
}

// CoordinationStatus represents the terminal status of a coordination run.
type CoordinationStatus string

const (
	// CoordinationStatusPending indicates the coordination has not started.
	CoordinationStatusPending CoordinationStatus = "pending"

	// CoordinationStatusRunning indicates the coordination is in progress.
	CoordinationStatusRunning CoordinationStatus = "running"

	// CoordinationStatusSuccess indicates every domain deployed successfully.
	CoordinationStatusSuccess CoordinationStatus = "success"

	// CoordinationStatusPartial indicates some domains succeeded and some failed.
	CoordinationStatusPartial CoordinationStatus = "partial"

	// CoordinationStatusFailed indicates the coordination failed.
	CoordinationStatusFailed CoordinationStatus = "failed"
)

// IsTerminal returns true if the coordination status represents a final state.
func (s CoordinationStatus) IsTerminal() bool {
	return s == CoordinationStatusSuccess || s == CoordinationStatusPartial ||
		s == CoordinationStatusFailed
}

// Validate checks if the coordination status is valid.
func (s CoordinationStatus) Validate() error {
	switch s {
	case CoordinationStatusPending, CoordinationStatusRunning,
		CoordinationStatusSuccess, CoordinationStatusPartial, CoordinationStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid coordination status: %s", s)
	}
}

// HealthStatus represents the outcome of a single health probe.
type HealthStatus string

const (
	// HealthStatusHealthy indicates the service answered and reported healthy.
	HealthStatusHealthy HealthStatus = "healthy"

	// HealthStatusDegraded indicates the service answered but reported problems.
	HealthStatusDegraded HealthStatus = "degraded"

	// HealthStatusUnhealthy indicates the probe failed or the service reported unhealthy.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)
