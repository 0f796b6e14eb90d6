package stores

import (
	"context"
	"time"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// RunSummary is one orchestration run as recorded in the store.
type RunSummary struct {
	OrchestrationID string    `json:"orchestration_id"`
	Domains         int       `json:"domains"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AuditStore durably records audit events and domain state snapshots per
// orchestration run.
type AuditStore interface {
	// Init opens the underlying database.
	Init(ctx context.Context) error

	// Close releases the underlying database.
	Close() error

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error

	// AppendAudit stores one audit event for a run.
	AppendAudit(ctx context.Context, orchestrationID string, event engine.AuditEvent) error

	// ListAudit returns a run's audit events in sequence order.
	ListAudit(ctx context.Context, orchestrationID string) ([]engine.AuditEvent, error)

	// SaveDomainState upserts the latest state snapshot for a domain.
	SaveDomainState(ctx context.Context, orchestrationID string, state *engine.DomainDeploymentState) error

	// GetDomainState returns the latest snapshot for one domain.
	GetDomainState(ctx context.Context, orchestrationID string, domain string) (*engine.DomainDeploymentState, error)

	// ListDomainStates returns the latest snapshots for every domain in a run.
	ListDomainStates(ctx context.Context, orchestrationID string) ([]*engine.DomainDeploymentState, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
