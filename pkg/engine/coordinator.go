package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DeploymentCoordinator drives domains through the fixed six-phase pipeline
// and runs portfolio deployments batch by batch. Phase behavior is supplied
// through PhaseHandlers; the coordinator owns ordering, timeouts, retry of
// health verification, and failure isolation.
type DeploymentCoordinator struct {
	opts     Options
	handlers PhaseHandlers
	recorder StateRecorder
	metrics  MetricsRecorder
	logger   zerolog.Logger

	// mu protects outcomes during batched execution.
	mu sync.RWMutex

	// outcomes tracks terminal statuses for dependency gating.
	outcomes map[string]DomainStatus
}

// NewDeploymentCoordinator creates a coordinator. Options are normalized
// here; every later read sees defaulted values.
func NewDeploymentCoordinator(
	opts Options,
	handlers PhaseHandlers,
	recorder StateRecorder,
	metrics MetricsRecorder,
	logger zerolog.Logger,
) *DeploymentCoordinator {
	return &DeploymentCoordinator{
		opts:     opts.Normalize(),
		handlers: handlers,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		outcomes: make(map[string]DomainStatus),
	}
}

// Options returns the normalized options the coordinator runs with.
func (c *DeploymentCoordinator) Options() Options {
	return c.opts
}

// DeploySingleDomain runs the full pipeline for one domain and returns a
// structured result. It never panics across the call boundary and never
// returns a Go error for a deployment failure; failures are carried in the
// result.
func (c *DeploymentCoordinator) DeploySingleDomain(ctx context.Context, domain string) *DomainResult {
	started := time.Now()
	logger := c.logger.With().Str("domain", domain).Logger()

	state, ok := c.recorder.DomainState(domain)
	if !ok {
		err := NewValidationError("domain has no state record", nil).
			WithCode(ErrCodeUnknownDomain).WithDomain(domain)
		c.setOutcome(domain, DomainStatusFailed)
		return &DomainResult{
			Domain:   domain,
			Status:   DomainStatusFailed,
			Err:      err,
			Duration: time.Since(started),
		}
	}

	if c.metrics != nil {
		c.metrics.DeploymentStarted(domain)
	}
	c.recorder.LogAuditEvent("domain.deploy.started", domain, nil)
	logger.Info().Msg("starting domain deployment")

	for _, phase := range Phases {
		if err := c.recorder.UpdateDomainState(domain, StatePatch{Status: phase.RunningStatus()}); err != nil {
			return c.finishFailed(domain, phase, started, classifyPhaseError(err, domain, phase))
		}

		phaseStart := time.Now()
		var err error
		if phase == PhaseVerification {
			err = c.runVerification(ctx, state)
		} else {
			err = c.runPhase(ctx, phase, state)
		}
		if c.metrics != nil {
			c.metrics.PhaseObserved(domain, phase, time.Since(phaseStart).Seconds())
		}

		if err != nil {
			// Exhausted health verification downgrades to a warning; the
			// domain still counts as deployed.
			if phase == PhaseVerification && IsVerification(err) {
				logger.Warn().Err(err).Msg("health verification unconfirmed")
				_ = c.recorder.UpdateDomainState(domain, StatePatch{AppendWarning: err.Error()})
				break
			}
			logger.Error().Err(err).Str("phase", string(phase)).Msg("phase failed")
			return c.finishFailed(domain, phase, started, classifyPhaseError(err, domain, phase))
		}

		logger.Debug().Str("phase", string(phase)).
			Dur("elapsed", time.Since(phaseStart)).Msg("phase completed")
	}

	_ = c.recorder.UpdateDomainState(domain, StatePatch{Status: DomainStatusSucceeded})
	c.recorder.LogAuditEvent("domain.deploy.succeeded", domain, map[string]interface{}{
		"duration": time.Since(started).String(),
	})
	c.setOutcome(domain, DomainStatusSucceeded)

	final, _ := c.recorder.DomainState(domain)
	result := &DomainResult{
		Domain:   domain,
		Status:   DomainStatusSucceeded,
		Duration: time.Since(started),
	}
	if final != nil {
		result.URL = final.DeployedURL
		result.Warnings = final.Warnings
	}
	if c.metrics != nil {
		c.metrics.DeploymentCompleted(domain, DomainStatusSucceeded, result.Duration.Seconds())
	}
	return result
}

// runPhase executes one phase handler under the phase timeout, converting a
// handler panic into a classified error.
func (c *DeploymentCoordinator) runPhase(ctx context.Context, phase Phase, state *DomainDeploymentState) (err error) {
	handler := c.handlers.Handler(phase)
	if handler == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = NewExecutionError(fmt.Sprintf("phase handler panicked: %v", r), nil).
				WithCode(ErrCodeInternal).WithDomain(state.Domain).WithPhase(phase)
		}
	}()

	phaseCtx, cancel := context.WithTimeout(ctx, c.opts.PhaseTimeout)
	defer cancel()

	if err := handler(phaseCtx, state); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewExecutionError(
				fmt.Sprintf("phase exceeded timeout of %s", c.opts.PhaseTimeout), err,
			).WithCode(ErrCodeTimeout)
		}
		return err
	}
	return nil
}

// runVerification probes health up to HealthRetries times at a fixed
// interval. Exhausting the budget yields a verification warning, not a
// failure; any other error from the handler is passed through as fatal.
func (c *DeploymentCoordinator) runVerification(ctx context.Context, state *DomainDeploymentState) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.HealthRetries; attempt++ {
		err := c.runPhase(ctx, PhaseVerification, state)
		if err == nil {
			return nil
		}
		if !IsVerification(err) {
			return err
		}
		lastErr = err

		c.logger.Warn().Str("domain", state.Domain).
			Int("attempt", attempt).Int("retries", c.opts.HealthRetries).
			Err(err).Msg("health probe failed")

		if attempt < c.opts.HealthRetries {
			select {
			case <-time.After(c.opts.HealthRetryInterval):
			case <-ctx.Done():
				return NewExecutionError("verification cancelled", ctx.Err()).
					WithCode(ErrCodeTimeout).WithDomain(state.Domain)
			}
		}
	}

	return NewVerificationWarning(
		fmt.Sprintf("health not verified after %d attempts", c.opts.HealthRetries), lastErr,
	).WithCode(ErrCodeHealthUnverified).WithDomain(state.Domain).WithPhase(PhaseVerification)
}

// finishFailed marks the domain failed and builds the failure result.
func (c *DeploymentCoordinator) finishFailed(domain string, phase Phase, started time.Time, err *OrchestrationError) *DomainResult {
	_ = c.recorder.UpdateDomainState(domain, StatePatch{
		Status:      DomainStatusFailed,
		FailedPhase: phase,
		AppendError: err.Error(),
	})
	c.recorder.LogAuditEvent("domain.deploy.failed", domain, map[string]interface{}{
		"phase": string(phase),
		"error": err.Error(),
	})
	c.setOutcome(domain, DomainStatusFailed)

	duration := time.Since(started)
	if c.metrics != nil {
		c.metrics.DeploymentCompleted(domain, DomainStatusFailed, duration.Seconds())
		c.metrics.ErrorRecorded(err.Class, err.Code)
	}
	return &DomainResult{
		Domain:      domain,
		Status:      DomainStatusFailed,
		FailedPhase: phase,
		Err:         err,
		Duration:    duration,
	}
}

// classifyPhaseError attaches domain and phase context, wrapping unclassified
// errors as execution failures.
func classifyPhaseError(err error, domain string, phase Phase) *OrchestrationError {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		if oe.Domain == "" {
			oe.Domain = domain
		}
		if oe.Phase == "" {
			oe.Phase = phase
		}
		return oe
	}
	return NewExecutionError("phase failed", err).
		WithCode(ErrCodeExecutorFailed).WithDomain(domain).WithPhase(phase)
}

// DeployPortfolio deploys every domain in the graph's topological order,
// split into batches of at most Parallelism domains. Batches run strictly in
// sequence with BatchPause between them; domains within a batch run
// concurrently. One domain's failure never aborts its batch, but domains
// whose dependencies did not succeed are failed without running their
// pipelines.
func (c *DeploymentCoordinator) DeployPortfolio(ctx context.Context, graph *DependencyGraph) (*PortfolioResult, error) {
	if graph == nil {
		return nil, NewValidationError("dependency graph is nil", nil).WithCode(ErrCodeInternal)
	}

	batches := CreateDeploymentBatches(graph.Order, c.opts.Parallelism)
	result := &PortfolioResult{
		Successful: make([]*DomainResult, 0, len(graph.Order)),
		Failed:     make([]*DomainResult, 0),
		Batches:    batches,
	}

	c.logger.Info().Int("domains", len(graph.Order)).Int("batches", len(batches)).
		Int("parallelism", c.opts.Parallelism).Msg("starting portfolio deployment")

	var mu sync.Mutex
	for i, batch := range batches {
		if i > 0 && c.opts.BatchPause > 0 {
			select {
			case <-time.After(c.opts.BatchPause):
			case <-ctx.Done():
				return result, NewExecutionError("portfolio deployment cancelled", ctx.Err()).
					WithCode(ErrCodeTimeout)
			}
		}

		c.logger.Info().Int("batch", i+1).Strs("domains", batch).Msg("deploying batch")

		// Topological slicing can place a domain and its dependency in the
		// same batch; the dependent must still wait for the dependency's
		// terminal outcome before it starts.
		done := make(map[string]chan struct{}, len(batch))
		for _, domain := range batch {
			done[domain] = make(chan struct{})
		}

		var wg sync.WaitGroup
		for _, domain := range batch {
			wg.Add(1)
			go func(domain string) {
				defer wg.Done()
				defer close(done[domain])

				if node, ok := graph.Nodes[domain]; ok {
					for _, dep := range node.Dependencies {
						ch, inBatch := done[dep]
						if !inBatch {
							continue
						}
						select {
						case <-ch:
						case <-ctx.Done():
						}
					}
				}

				var res *DomainResult
				if failedDep, ok := c.failedDependency(graph, domain); ok {
					res = c.failForDependency(domain, failedDep)
				} else {
					res = c.DeploySingleDomain(ctx, domain)
				}

				mu.Lock()
				if res.Status == DomainStatusSucceeded {
					result.Successful = append(result.Successful, res)
				} else {
					result.Failed = append(result.Failed, res)
				}
				mu.Unlock()
			}(domain)
		}
		wg.Wait()
	}

	c.logger.Info().Int("succeeded", len(result.Successful)).
		Int("failed", len(result.Failed)).Msg("portfolio deployment finished")
	return result, nil
}

// failedDependency reports the first in-scope dependency of the domain that
// did not reach succeeded.
func (c *DeploymentCoordinator) failedDependency(graph *DependencyGraph, domain string) (string, bool) {
	node, ok := graph.Nodes[domain]
	if !ok {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, dep := range node.Dependencies {
		if c.outcomes[dep] != DomainStatusSucceeded {
			return dep, true
		}
	}
	return "", false
}

// failForDependency marks a domain failed without running its pipeline
// because a dependency did not succeed.
func (c *DeploymentCoordinator) failForDependency(domain, dep string) *DomainResult {
	err := NewExecutionError(fmt.Sprintf("dependency %s did not deploy successfully", dep), nil).
		WithCode(ErrCodeDependencyFailed).WithDomain(domain)

	_ = c.recorder.UpdateDomainState(domain, StatePatch{
		Status:      DomainStatusFailed,
		AppendError: err.Error(),
	})
	c.recorder.LogAuditEvent("domain.deploy.skipped", domain, map[string]interface{}{
		"failed_dependency": dep,
	})
	c.setOutcome(domain, DomainStatusFailed)
	if c.metrics != nil {
		c.metrics.ErrorRecorded(err.Class, err.Code)
	}

	return &DomainResult{Domain: domain, Status: DomainStatusFailed, Err: err}
}

func (c *DeploymentCoordinator) setOutcome(domain string, status DomainStatus) {
	c.mu.Lock()
	c.outcomes[domain] = status
	c.mu.Unlock()
}
