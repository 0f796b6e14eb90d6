// Package crossdomain coordinates portfolio-scale deployments across many
// domains: discovery from multiple sources, policy and cycle validation,
// shared resource preparation, dependency-ordered deployment, and
// cross-domain verification, with reverse-order rollback on failure.
package crossdomain

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
	"github.com/wavedeploy/wavedeploy/pkg/orchestrator"
	"github.com/wavedeploy/wavedeploy/pkg/policy"
	"github.com/wavedeploy/wavedeploy/pkg/state"
)

// Options configures the cross-domain coordinator.
type Options struct {
	// Environment is the target environment recorded in policy context.
	Environment string

	// RollbackOnFailure rolls back successfully deployed domains when any
	// domain in the portfolio fails.
	RollbackOnFailure bool
}

// Coordinator runs the four coordination phases over a portfolio. The phase
// order is fixed: validation, preparation, deployment, verification; a phase
// only starts when the previous one completed.
type Coordinator struct {
	orch     *orchestrator.Orchestrator
	sources  []Source
	policies *policy.Engine
	health   engine.HealthChecker
	opts     Options
	logger   zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSources sets the discovery sources.
func WithSources(sources ...Source) Option {
	return func(c *Coordinator) { c.sources = sources }
}

// WithPolicyEngine sets the compatibility policy engine. Without one,
// validation skips policy checks.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(c *Coordinator) { c.policies = e }
}

// WithHealthChecker sets the checker used for cross-domain verification.
func WithHealthChecker(h engine.HealthChecker) Option {
	return func(c *Coordinator) { c.health = h }
}

// New creates a cross-domain coordinator around an orchestrator.
func New(orch *orchestrator.Orchestrator, opts Options, logger zerolog.Logger, options ...Option) (*Coordinator, error) {
	if orch == nil {
		return nil, engine.NewValidationError("nil orchestrator", nil).
			WithCode(engine.ErrCodePrerequisite)
	}
	c := &Coordinator{
		orch:   orch,
		opts:   opts,
		logger: logger.With().Str("component", "crossdomain").Logger(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// DiscoverPortfolio merges domains from every source. The first source to
// supply a domain name wins; later duplicates are skipped. A failing source
// is recorded in the error map and never aborts discovery.
func (c *Coordinator) DiscoverPortfolio(ctx context.Context) ([]engine.DomainDescriptor, map[string]error) {
	var merged []engine.DomainDescriptor
	seen := make(map[string]string)
	failures := make(map[string]error)

	for _, source := range c.sources {
		domains, err := source.Discover(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Str("source", source.Name()).Msg("discovery source failed")
			failures[source.Name()] = err
			continue
		}
		for _, d := range domains {
			if first, dup := seen[d.Name]; dup {
				c.logger.Warn().Str("domain", d.Name).
					Str("source", source.Name()).Str("kept_from", first).
					Msg("duplicate domain across sources, keeping first")
				continue
			}
			seen[d.Name] = source.Name()
			d.Source = source.Name()
			merged = append(merged, d)
		}
	}

	c.logger.Info().Int("domains", len(merged)).Int("sources", len(c.sources)).
		Int("failed_sources", len(failures)).Msg("portfolio discovered")
	return merged, failures
}

// BuildDependencyGraph builds the validated deployment graph for a
// portfolio.
func (c *Coordinator) BuildDependencyGraph(domains []engine.DomainDescriptor) (*engine.DependencyGraph, error) {
	return engine.NewGraphBuilder().Build(domains)
}

// CoordinateMultiDomainDeployment runs the four coordination phases over the
// given portfolio. Validation failures, including dependency cycles and
// policy violations, abort the run before any domain side effect.
func (c *Coordinator) CoordinateMultiDomainDeployment(ctx context.Context, domains []engine.DomainDescriptor) (*engine.Coordination, error) {
	names := make([]string, 0, len(domains))
	for i := range domains {
		names = append(names, domains[i].Name)
	}

	coordination := &engine.Coordination{
		CoordinationID: state.NewCoordinationID(),
		Domains:        names,
		Phases:         engine.CoordinationPhases,
		Status:         engine.CoordinationStatusRunning,
		Metrics:        engine.CoordinationMetrics{Total: len(domains)},
		StartedAt:      time.Now(),
	}
	logger := c.logger.With().Str("coordination_id", coordination.CoordinationID).Logger()
	logger.Info().Int("domains", len(domains)).Msg("starting multi-domain coordination")

	coordination.CurrentPhase = engine.CoordinationPhaseValidation
	if err := c.runValidation(ctx, domains); err != nil {
		return c.finish(coordination, engine.CoordinationStatusFailed), err
	}

	coordination.CurrentPhase = engine.CoordinationPhasePreparation
	if err := c.runPreparation(ctx); err != nil {
		if c.opts.RollbackOnFailure {
			c.rollbackAll(ctx, coordination)
		}
		return c.finish(coordination, engine.CoordinationStatusFailed), err
	}

	coordination.CurrentPhase = engine.CoordinationPhaseDeployment
	result, err := c.orch.DeployPortfolio(ctx)
	if err != nil {
		if c.opts.RollbackOnFailure {
			c.rollbackAll(ctx, coordination)
		}
		return c.finish(coordination, engine.CoordinationStatusFailed), err
	}
	for _, r := range result.Successful {
		coordination.Results.Successful = append(coordination.Results.Successful, r.Domain)
	}
	for _, r := range result.Failed {
		coordination.Results.Failed = append(coordination.Results.Failed, r.Domain)
	}

	coordination.CurrentPhase = engine.CoordinationPhaseVerification
	c.runVerification(ctx, result)

	if len(result.Failed) > 0 && c.opts.RollbackOnFailure {
		c.CoordinateRollback(ctx, coordination, result.Successful)
	}

	switch {
	case len(result.Failed) == 0:
		return c.finish(coordination, engine.CoordinationStatusSuccess), nil
	case len(coordination.Results.Successful) > 0 || len(coordination.Results.RolledBack) > 0:
		return c.finish(coordination, engine.CoordinationStatusPartial), nil
	default:
		return c.finish(coordination, engine.CoordinationStatusFailed), nil
	}
}

// runValidation checks policies and builds the dependency graph. No domain
// side effect happens before this phase completes.
func (c *Coordinator) runValidation(ctx context.Context, domains []engine.DomainDescriptor) error {
	if len(domains) == 0 {
		return engine.NewValidationError("empty portfolio", nil).
			WithCode(engine.ErrCodePrerequisite)
	}

	if c.policies != nil {
		result, err := c.policies.EvaluatePortfolio(ctx, domains, &policy.Context{
			Environment: c.opts.Environment,
			Operation:   "deploy",
		})
		if err != nil {
			return engine.NewValidationError("policy evaluation failed", err).
				WithCode(engine.ErrCodeIncompatible)
		}
		if !result.Allowed {
			messages := make([]string, 0, len(result.Violations))
			for _, v := range result.Violations {
				messages = append(messages, v.Message)
			}
			return engine.NewValidationError(
				fmt.Sprintf("portfolio blocked by %d policy violation(s)", len(result.Violations)), nil,
			).WithCode(engine.ErrCodeIncompatible).WithDetail("violations", messages)
		}
	}

	// Initialize builds the graph; a dependency cycle aborts here.
	return c.orch.Initialize(ctx, domains)
}

// runPreparation provisions shared resources and pre-resolves configuration.
func (c *Coordinator) runPreparation(ctx context.Context) error {
	if err := c.orch.ProvisionSharedResources(ctx); err != nil {
		return err
	}
	if failures := c.orch.PreResolveConfigs(ctx); len(failures) > 0 {
		for domain, err := range failures {
			c.logger.Warn().Err(err).Str("domain", domain).Msg("pre-resolution failed")
		}
	}
	return nil
}

// runVerification probes each successfully deployed domain once more.
// Findings become audit warnings; they never flip a deployed domain to
// failed.
func (c *Coordinator) runVerification(ctx context.Context, result *engine.PortfolioResult) {
	if c.health == nil {
		return
	}
	states := c.orch.States()
	for _, r := range result.Successful {
		st, ok := states.DomainState(r.Domain)
		if !ok || st.ResolvedConfig == nil || st.ResolvedConfig.HealthURL == "" {
			continue
		}
		report, err := c.health.CheckHealth(ctx, st.ResolvedConfig.HealthURL)
		if err != nil || report.Status != engine.HealthStatusHealthy {
			details := map[string]interface{}{}
			if err != nil {
				details["error"] = err.Error()
			} else {
				details["status"] = string(report.Status)
			}
			states.LogAuditEvent("coordination.verify.warning", r.Domain, details)
		}
	}
}

// CoordinateRollback rolls back successfully deployed domains in reverse
// deployment order. One domain's rollback failure never stops the rest.
func (c *Coordinator) CoordinateRollback(ctx context.Context, coordination *engine.Coordination, successful []*engine.DomainResult) {
	states := c.orch.States()
	states.LogAuditEvent("coordination.rollback.started", "", map[string]interface{}{
		"coordination_id": coordination.CoordinationID,
		"domains":         len(successful),
	})

	for i := len(successful) - 1; i >= 0; i-- {
		domain := successful[i].Domain
		report := c.orch.RollbackDomain(ctx, domain)
		if report.Failures > 0 {
			c.logger.Error().Str("domain", domain).Int("failures", report.Failures).
				Msg("rollback completed with failures")
		}
		coordination.Results.RolledBack = append(coordination.Results.RolledBack, domain)
	}

	// Rolled-back domains no longer count as successful.
	coordination.Results.Successful = nil

	states.LogAuditEvent("coordination.rollback.completed", "", map[string]interface{}{
		"coordination_id": coordination.CoordinationID,
		"rolled_back":     len(coordination.Results.RolledBack),
	})
}

// rollbackAll reverses every recorded action when a pre-deployment phase
// fails after causing side effects.
func (c *Coordinator) rollbackAll(ctx context.Context, coordination *engine.Coordination) {
	report := c.orch.ExecuteRollback(ctx)
	coordination.Results.RolledBack = append(coordination.Results.RolledBack, report.Domains...)
}

// finish stamps the terminal status and metrics on the coordination.
func (c *Coordinator) finish(coordination *engine.Coordination, status engine.CoordinationStatus) *engine.Coordination {
	now := time.Now()
	coordination.Status = status
	coordination.CompletedAt = &now
	coordination.Metrics.Succeeded = len(coordination.Results.Successful)
	coordination.Metrics.Failed = len(coordination.Results.Failed)
	coordination.Metrics.RolledBack = len(coordination.Results.RolledBack)
	coordination.Metrics.Duration = now.Sub(coordination.StartedAt)

	c.logger.Info().Str("status", string(status)).
		Int("succeeded", coordination.Metrics.Succeeded).
		Int("failed", coordination.Metrics.Failed).
		Int("rolled_back", coordination.Metrics.RolledBack).
		Dur("duration", coordination.Metrics.Duration).
		Msg("coordination finished")
	return coordination
}
