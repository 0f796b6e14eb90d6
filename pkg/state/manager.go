// Package state owns all per-run orchestration state: domain deployment
// records, the LIFO rollback plan, and the append-only audit log. Every run
// gets its own Manager; nothing in this package is process-global.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// Persister durably stores audit events and domain state snapshots outside
// the run's memory. The sqlite audit store implements it.
type Persister interface {
	AppendAudit(ctx context.Context, orchestrationID string, event engine.AuditEvent) error
	SaveDomainState(ctx context.Context, orchestrationID string, state *engine.DomainDeploymentState) error
}

// Manager is the single writer for one run's portfolio state. It enforces
// status transition legality, keeps the rollback plan in LIFO order, and
// recomputes aggregate metrics on every terminal transition.
type Manager struct {
	mu        sync.RWMutex
	portfolio *engine.PortfolioState
	persister Persister
	logger    zerolog.Logger
	seq       int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithPersister attaches a durable store; audit events and domain state
// snapshots are written through to it. Persistence failures are logged and
// never fail the in-memory update.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.persister = p }
}

// NewManager creates a state manager for a new run.
func NewManager(logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		portfolio: &engine.PortfolioState{
			OrchestrationID: NewOrchestrationID(),
			DomainStates:    make(map[string]*engine.DomainDeploymentState),
			RollbackPlan:    make([]engine.RollbackAction, 0),
			AuditLog:        make([]engine.AuditEvent, 0),
			StartedAt:       time.Now(),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.With().
		Str("component", "state").
		Str("orchestration_id", m.portfolio.OrchestrationID).
		Logger()
	return m
}

// OrchestrationID returns the run's identifier.
func (m *Manager) OrchestrationID() string {
	return m.portfolio.OrchestrationID
}

// InitializeDomainStates creates a pending state record for every domain.
// Idempotent: domains that already have a record are left untouched.
func (m *Manager) InitializeDomainStates(domains []engine.DomainDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range domains {
		name := domains[i].Name
		if _, exists := m.portfolio.DomainStates[name]; exists {
			continue
		}
		m.portfolio.DomainStates[name] = &engine.DomainDeploymentState{
			Domain:       name,
			Status:       engine.DomainStatusPending,
			DeploymentID: NewDeploymentID(),
		}
	}
	m.portfolio.Metrics.Total = len(m.portfolio.DomainStates)
}

// DomainState returns the state record for a domain. The returned pointer is
// the live record; callers outside the owning pipeline must not mutate it.
func (m *Manager) DomainState(domain string) (*engine.DomainDeploymentState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.portfolio.DomainStates[domain]
	return st, ok
}

// UpdateDomainState applies a patch to the domain's state record. Status
// changes are checked against the transition rules; regression is rejected.
func (m *Manager) UpdateDomainState(domain string, patch engine.StatePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.portfolio.DomainStates[domain]
	if !ok {
		return engine.NewValidationError(fmt.Sprintf("unknown domain: %s", domain), nil).
			WithCode(engine.ErrCodeUnknownDomain).WithDomain(domain)
	}

	if patch.Status != "" && patch.Status != st.Status {
		if err := patch.Status.Validate(); err != nil {
			return engine.NewValidationError("invalid status", err).
				WithCode(engine.ErrCodeIllegalTransition).WithDomain(domain)
		}
		if !st.Status.CanTransitionTo(patch.Status) {
			return engine.NewValidationError(
				fmt.Sprintf("illegal status transition %s -> %s", st.Status, patch.Status), nil,
			).WithCode(engine.ErrCodeIllegalTransition).WithDomain(domain)
		}
		if st.Status == engine.DomainStatusPending {
			st.StartedAt = time.Now()
		}
		st.Status = patch.Status
		if patch.Status.IsTerminal() {
			now := time.Now()
			st.CompletedAt = &now
			m.recomputeMetricsLocked()
		}
		m.appendAuditLocked("domain.status", domain, map[string]interface{}{
			"status": string(patch.Status),
		})
	}

	if patch.DeploymentID != "" {
		st.DeploymentID = patch.DeploymentID
	}
	if patch.FailedPhase != "" {
		st.FailedPhase = patch.FailedPhase
	}
	if patch.AppendError != "" {
		st.Errors = append(st.Errors, patch.AppendError)
	}
	if patch.AppendWarning != "" {
		st.Warnings = append(st.Warnings, patch.AppendWarning)
	}
	if patch.ResolvedConfig != nil {
		st.ResolvedConfig = patch.ResolvedConfig
	}
	if patch.DeployedURL != "" {
		st.DeployedURL = patch.DeployedURL
	}
	if patch.WorkerID != "" {
		st.WorkerID = patch.WorkerID
	}

	if m.persister != nil {
		if err := m.persister.SaveDomainState(context.Background(), m.portfolio.OrchestrationID, st); err != nil {
			m.logger.Warn().Err(err).Str("domain", domain).Msg("failed to persist domain state")
		}
	}
	return nil
}

// LogAuditEvent appends an event to the run's audit log.
func (m *Manager) LogAuditEvent(event string, domain string, details map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(event, domain, details)
}

// appendAuditLocked appends the event, writes through to the persister, and
// emits a structured log line. Caller holds mu.
func (m *Manager) appendAuditLocked(event string, domain string, details map[string]interface{}) {
	m.seq++
	entry := engine.AuditEvent{
		Sequence:  m.seq,
		Event:     event,
		Domain:    domain,
		Timestamp: time.Now(),
		Details:   details,
	}
	m.portfolio.AuditLog = append(m.portfolio.AuditLog, entry)

	if m.persister != nil {
		if err := m.persister.AppendAudit(context.Background(), m.portfolio.OrchestrationID, entry); err != nil {
			m.logger.Warn().Err(err).Str("event", event).Msg("failed to persist audit event")
		}
	}

	log := m.logger.Info().Str("event", event).Int64("sequence", m.seq)
	if domain != "" {
		log = log.Str("domain", domain)
	}
	log.Msg("audit")
}

// AuditLog returns a copy of the audit log in append order.
func (m *Manager) AuditLog() []engine.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.AuditEvent, len(m.portfolio.AuditLog))
	copy(out, m.portfolio.AuditLog)
	return out
}

// RecordRollbackAction records a reversible side effect. The newest action
// sits at the head of the plan so rollback walks in exact reverse order.
func (m *Manager) RecordRollbackAction(action engine.RollbackAction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}
	m.portfolio.RollbackPlan = append([]engine.RollbackAction{action}, m.portfolio.RollbackPlan...)

	if st, ok := m.portfolio.DomainStates[action.Domain]; ok {
		st.RollbackActions = append([]engine.RollbackAction{action}, st.RollbackActions...)
	}

	m.appendAuditLocked("rollback.recorded", action.Domain, map[string]interface{}{
		"type":        string(action.Type),
		"description": action.Description,
	})
}

// RollbackPlan returns a copy of the rollback plan, newest action first.
func (m *Manager) RollbackPlan() []engine.RollbackAction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.RollbackAction, len(m.portfolio.RollbackPlan))
	copy(out, m.portfolio.RollbackPlan)
	return out
}

// Portfolio returns the live portfolio state. Read-only for callers.
func (m *Manager) Portfolio() *engine.PortfolioState {
	return m.portfolio
}

// Metrics returns a copy of the aggregate metrics.
func (m *Manager) Metrics() engine.PortfolioMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio.Metrics
}

// recomputeMetricsLocked recounts terminal statuses. Caller holds mu.
func (m *Manager) recomputeMetricsLocked() {
	metrics := engine.PortfolioMetrics{Total: len(m.portfolio.DomainStates)}
	for _, st := range m.portfolio.DomainStates {
		switch st.Status {
		case engine.DomainStatusSucceeded:
			metrics.Completed++
		case engine.DomainStatusFailed:
			metrics.Failed++
		case engine.DomainStatusRolledBack:
			metrics.RolledBack++
		}
	}
	m.portfolio.Metrics = metrics
}

// ExecuteRollback reverses every recorded action, newest first. A failing
// action is logged and counted; it never stops reversal of the rest. Domains
// touched by executed actions are marked rolled-back.
func (m *Manager) ExecuteRollback(ctx context.Context, exec engine.RollbackExecutor) *engine.RollbackReport {
	return m.executeRollback(ctx, exec, "")
}

// ExecuteRollbackForDomain reverses only the actions recorded for one
// domain, newest first.
func (m *Manager) ExecuteRollbackForDomain(ctx context.Context, exec engine.RollbackExecutor, domain string) *engine.RollbackReport {
	return m.executeRollback(ctx, exec, domain)
}

func (m *Manager) executeRollback(ctx context.Context, exec engine.RollbackExecutor, onlyDomain string) *engine.RollbackReport {
	m.mu.Lock()
	var selected []engine.RollbackAction
	var remaining []engine.RollbackAction
	for _, action := range m.portfolio.RollbackPlan {
		if onlyDomain == "" || action.Domain == onlyDomain {
			selected = append(selected, action)
		} else {
			remaining = append(remaining, action)
		}
	}
	m.portfolio.RollbackPlan = remaining
	m.mu.Unlock()

	report := &engine.RollbackReport{
		Executed: make([]engine.RollbackActionResult, 0, len(selected)),
	}
	touched := make(map[string]bool)

	for _, action := range selected {
		m.LogAuditEvent("rollback.action.started", action.Domain, map[string]interface{}{
			"type": string(action.Type),
		})

		res := engine.RollbackActionResult{Action: action}
		if err := exec.ExecuteRollbackAction(ctx, action); err != nil {
			rbErr := engine.NewRollbackActionError(
				fmt.Sprintf("failed to reverse %s", action.Type), err,
			).WithDomain(action.Domain)
			res.Err = rbErr
			report.Failures++
			m.logger.Error().Err(rbErr).
				Str("domain", action.Domain).Str("type", string(action.Type)).
				Msg("rollback action failed")
			m.LogAuditEvent("rollback.action.failed", action.Domain, map[string]interface{}{
				"type":  string(action.Type),
				"error": rbErr.Error(),
			})
		} else {
			m.LogAuditEvent("rollback.action.completed", action.Domain, map[string]interface{}{
				"type": string(action.Type),
			})
		}
		report.Executed = append(report.Executed, res)
		touched[action.Domain] = true
	}

	for domain := range touched {
		if err := m.UpdateDomainState(domain, engine.StatePatch{Status: engine.DomainStatusRolledBack}); err != nil {
			m.logger.Warn().Err(err).Str("domain", domain).Msg("failed to mark domain rolled back")
			continue
		}
		report.Domains = append(report.Domains, domain)
	}
	return report
}
