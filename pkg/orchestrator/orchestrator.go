// Package orchestrator composes the resolver, state manager, coordinator,
// and platform collaborators into the multi-domain deployment engine. It
// owns the phase handler implementations, shared resource provisioning, and
// the reversal of recorded rollback actions.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
	"github.com/wavedeploy/wavedeploy/pkg/resolver"
	"github.com/wavedeploy/wavedeploy/pkg/state"
)

// FileUploader delivers secret distribution files to a drop host. The SFTP
// transport implements it; a nil uploader skips delivery.
type FileUploader interface {
	UploadDistributionFiles(ctx context.Context, remoteDir string, localPaths []string) error
}

// Collaborators are the external systems the orchestrator drives. Executor,
// Provisioner, Secrets, Health, and Manifests are required; Uploader is
// optional.
type Collaborators struct {
	Executor    engine.DeploymentExecutor
	Provisioner engine.ResourceProvisioner
	Secrets     engine.SecretDistributor
	Health      engine.HealthChecker
	Manifests   engine.ManifestStore
	Uploader    FileUploader

	// SecretDropDir is the remote directory distribution files are
	// delivered to, one subdirectory per domain.
	SecretDropDir string
}

// validate checks that all required collaborators are present.
func (c Collaborators) validate() error {
	missing := ""
	switch {
	case c.Executor == nil:
		missing = "deployment executor"
	case c.Provisioner == nil:
		missing = "resource provisioner"
	case c.Secrets == nil:
		missing = "secret distributor"
	case c.Health == nil:
		missing = "health checker"
	case c.Manifests == nil:
		missing = "manifest store"
	}
	if missing != "" {
		return engine.NewValidationError("missing collaborator: "+missing, nil).
			WithCode(engine.ErrCodePrerequisite)
	}
	return nil
}

// Rollback action payload keys.
const (
	payloadDeploymentID = "deployment_id"
	payloadInstance     = "instance"
	payloadSnapshot     = "snapshot"
	payloadExisted      = "existed"
)

// Orchestrator drives domains through the deployment pipeline. One
// orchestrator serves one run; its state manager carries all run state.
type Orchestrator struct {
	resolver    *resolver.Resolver
	states      *state.Manager
	collab      Collaborators
	opts        engine.Options
	coordinator *engine.DeploymentCoordinator
	metrics     engine.MetricsRecorder
	logger      zerolog.Logger

	mu sync.RWMutex

	// domains maps registered domain names to their descriptors.
	domains map[string]*engine.DomainDescriptor

	// graph is built at Initialize and fixed for the run.
	graph *engine.DependencyGraph

	// sharedProvisioned marks shared resources already provisioned for
	// this run. Per-domain pipelines only read it.
	sharedProvisioned map[string]bool
}

// New creates an orchestrator for one run.
func New(
	res *resolver.Resolver,
	states *state.Manager,
	collab Collaborators,
	opts engine.Options,
	metrics engine.MetricsRecorder,
	logger zerolog.Logger,
) (*Orchestrator, error) {
	if res == nil {
		return nil, engine.NewValidationError("nil resolver", nil).WithCode(engine.ErrCodePrerequisite)
	}
	if states == nil {
		return nil, engine.NewValidationError("nil state manager", nil).WithCode(engine.ErrCodePrerequisite)
	}
	if err := collab.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		resolver:          res,
		states:            states,
		collab:            collab,
		opts:              opts.Normalize(),
		metrics:           metrics,
		logger:            logger.With().Str("component", "orchestrator").Logger(),
		domains:           make(map[string]*engine.DomainDescriptor),
		sharedProvisioned: make(map[string]bool),
	}
	o.coordinator = engine.NewDeploymentCoordinator(opts, o.handlers(), states, metrics, logger)
	return o, nil
}

// handlers binds the pipeline phases to the orchestrator's collaborators.
func (o *Orchestrator) handlers() engine.PhaseHandlers {
	return engine.PhaseHandlers{
		Validate:         o.validatePhase,
		Initialize:       o.initializePhase,
		ProvisionStorage: o.provisionStoragePhase,
		ProvisionSecrets: o.provisionSecretsPhase,
		Deploy:           o.deployPhase,
		Verify:           o.verifyPhase,
	}
}

// Initialize registers the domains, builds the dependency graph, and creates
// pending state records. It must run before any deployment.
func (o *Orchestrator) Initialize(ctx context.Context, domains []engine.DomainDescriptor) error {
	graph, err := engine.NewGraphBuilder().Build(domains)
	if err != nil {
		return err
	}

	o.mu.Lock()
	for i := range domains {
		d := domains[i]
		o.domains[d.Name] = &d
	}
	o.graph = graph
	o.mu.Unlock()

	o.states.InitializeDomainStates(domains)
	o.states.LogAuditEvent("orchestration.initialized", "", map[string]interface{}{
		"domains": len(domains),
		"order":   graph.Order,
	})
	o.logger.Info().Int("domains", len(domains)).Strs("order", graph.Order).Msg("orchestration initialized")
	return nil
}

// Graph returns the dependency graph built at Initialize.
func (o *Orchestrator) Graph() *engine.DependencyGraph {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.graph
}

// States returns the run's state manager.
func (o *Orchestrator) States() *state.Manager {
	return o.states
}

// RollbackPlan returns the recorded rollback plan, newest action first.
func (o *Orchestrator) RollbackPlan() []engine.RollbackAction {
	return o.states.RollbackPlan()
}

// descriptor returns the registered descriptor for a domain.
func (o *Orchestrator) descriptor(domain string) (*engine.DomainDescriptor, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	desc, ok := o.domains[domain]
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("domain not registered: %s", domain), nil).
			WithCode(engine.ErrCodeUnknownDomain).WithDomain(domain)
	}
	return desc, nil
}

// DeploySingleDomain runs the full pipeline for one registered domain.
func (o *Orchestrator) DeploySingleDomain(ctx context.Context, domain string) *engine.DomainResult {
	return o.coordinator.DeploySingleDomain(ctx, domain)
}

// DeployPortfolio deploys all registered domains in dependency order.
func (o *Orchestrator) DeployPortfolio(ctx context.Context) (*engine.PortfolioResult, error) {
	o.mu.RLock()
	graph := o.graph
	o.mu.RUnlock()
	if graph == nil {
		return nil, engine.NewValidationError("orchestrator not initialized", nil).
			WithCode(engine.ErrCodePrerequisite)
	}
	return o.coordinator.DeployPortfolio(ctx, graph)
}

// PreResolveConfigs resolves configuration for every registered domain ahead
// of deployment, warming the resolver cache. Failures come back per domain;
// one failure never blocks the others.
func (o *Orchestrator) PreResolveConfigs(ctx context.Context) map[string]error {
	o.mu.RLock()
	descs := make([]engine.DomainDescriptor, 0, len(o.domains))
	for _, d := range o.domains {
		descs = append(descs, *d)
	}
	o.mu.RUnlock()

	_, failures := o.resolver.ResolveMultiple(ctx, descs, false)
	return failures
}

// ProvisionSharedResources provisions every shared resource referenced by
// the registered domains exactly once. It is the only writer of the shared
// provisioning set; per-domain pipelines treat shared resources as
// read-only.
func (o *Orchestrator) ProvisionSharedResources(ctx context.Context) error {
	o.mu.RLock()
	graph := o.graph
	o.mu.RUnlock()
	if graph == nil {
		return engine.NewValidationError("orchestrator not initialized", nil).
			WithCode(engine.ErrCodePrerequisite)
	}

	for _, domain := range graph.Order {
		desc, err := o.descriptor(domain)
		if err != nil {
			return err
		}
		for _, instance := range sharedInstances(desc) {
			o.mu.Lock()
			done := o.sharedProvisioned[instance]
			if !done {
				o.sharedProvisioned[instance] = true
			}
			o.mu.Unlock()
			if done {
				continue
			}

			if err := o.ensureInstance(ctx, domain, instance); err != nil {
				o.mu.Lock()
				delete(o.sharedProvisioned, instance)
				o.mu.Unlock()
				return err
			}
			o.states.LogAuditEvent("shared.provisioned", domain, map[string]interface{}{
				"instance": instance,
			})
		}
	}
	return nil
}

// sharedInstances lists the shared storage instances a descriptor
// references, explicit shared resources included.
func sharedInstances(desc *engine.DomainDescriptor) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, r := range desc.SharedResources {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, sb := range desc.Service.StorageBindings {
		if sb.Shared && !seen[sb.Instance] {
			seen[sb.Instance] = true
			out = append(out, sb.Instance)
		}
	}
	return out
}

// ensureInstance creates the instance if it does not exist and records the
// drop action for newly created instances.
func (o *Orchestrator) ensureInstance(ctx context.Context, domain, instance string) error {
	exists, err := o.collab.Provisioner.Exists(ctx, instance)
	if err != nil {
		return engine.NewProvisioningError("failed to check storage instance", err).
			WithCode(engine.ErrCodeStorageCreate).WithDomain(domain).WithDetail("instance", instance)
	}
	if exists {
		return nil
	}
	if o.opts.DryRun {
		o.logger.Info().Str("domain", domain).Str("instance", instance).Msg("dry run: would create storage instance")
		return nil
	}
	if err := o.collab.Provisioner.Create(ctx, instance); err != nil {
		return engine.NewProvisioningError("failed to create storage instance", err).
			WithCode(engine.ErrCodeStorageCreate).WithDomain(domain).WithDetail("instance", instance)
	}
	o.states.RecordRollbackAction(engine.RollbackAction{
		Type:        engine.RollbackActionDropStorage,
		Description: fmt.Sprintf("drop storage instance %s", instance),
		Domain:      domain,
		Payload:     map[string]interface{}{payloadInstance: instance},
	})
	return nil
}

// validatePhase checks prerequisites. It causes no side effects.
func (o *Orchestrator) validatePhase(ctx context.Context, st *engine.DomainDeploymentState) error {
	desc, err := o.descriptor(st.Domain)
	if err != nil {
		return err
	}
	report := o.resolver.ValidatePrerequisites(ctx, desc)
	if !report.Valid {
		return engine.NewValidationError(
			fmt.Sprintf("prerequisites not met: %d issue(s)", len(report.Issues)), nil,
		).WithCode(engine.ErrCodePrerequisite).WithDomain(st.Domain).
			WithDetail("issues", report.Issues)
	}
	return nil
}

// initializePhase resolves configuration and patches the manifest, recording
// the pre-patch snapshot for rollback.
func (o *Orchestrator) initializePhase(ctx context.Context, st *engine.DomainDeploymentState) error {
	desc, err := o.descriptor(st.Domain)
	if err != nil {
		return err
	}
	cfg, err := o.resolver.Resolve(ctx, desc, false)
	if err != nil {
		return err
	}
	if err := o.states.UpdateDomainState(st.Domain, engine.StatePatch{ResolvedConfig: cfg}); err != nil {
		return err
	}
	if o.opts.DryRun {
		o.logger.Info().Str("domain", st.Domain).Msg("dry run: would patch manifest")
		return nil
	}

	snapshot, err := o.collab.Manifests.Patch(ctx, st.Domain, cfg)
	if err != nil {
		return err
	}
	o.states.RecordRollbackAction(engine.RollbackAction{
		Type:        engine.RollbackActionRestoreManifest,
		Description: fmt.Sprintf("restore manifest for %s", st.Domain),
		Domain:      st.Domain,
		Payload: map[string]interface{}{
			payloadSnapshot: string(snapshot),
			payloadExisted:  snapshot != nil,
		},
	})
	return nil
}

// provisionStoragePhase creates dedicated storage and applies migrations.
// Shared instances must already exist; this phase never writes them.
func (o *Orchestrator) provisionStoragePhase(ctx context.Context, st *engine.DomainDeploymentState) error {
	cfg := o.resolvedConfig(st)
	if cfg == nil {
		return engine.NewProvisioningError("no resolved config for storage provisioning", nil).
			WithCode(engine.ErrCodeInternal).WithDomain(st.Domain)
	}

	for _, binding := range cfg.StorageBindings {
		if binding.Shared {
			exists, err := o.collab.Provisioner.Exists(ctx, binding.Instance)
			if err != nil {
				return engine.NewProvisioningError("failed to check shared instance", err).
					WithCode(engine.ErrCodeStorageCreate).WithDomain(st.Domain).
					WithDetail("instance", binding.Instance)
			}
			if !exists {
				return engine.NewProvisioningError(
					fmt.Sprintf("shared instance %s not provisioned", binding.Instance), nil,
				).WithCode(engine.ErrCodeStorageCreate).WithDomain(st.Domain)
			}
		} else if err := o.ensureInstance(ctx, st.Domain, binding.Instance); err != nil {
			return err
		}

		if o.opts.DryRun {
			o.logger.Info().Str("domain", st.Domain).Str("binding", binding.Binding).
				Msg("dry run: would apply migrations")
			continue
		}
		applied, err := o.collab.Provisioner.ApplyMigrations(ctx, binding, cfg.Environment, true)
		if err != nil {
			return engine.NewProvisioningError("migration failed", err).
				WithCode(engine.ErrCodeMigration).WithDomain(st.Domain).
				WithDetail("binding", binding.Binding)
		}
		if applied > 0 {
			o.logger.Info().Str("domain", st.Domain).Str("binding", binding.Binding).
				Int("applied", applied).Msg("migrations applied")
		}
	}
	return nil
}

// provisionSecretsPhase generates secrets, delivers distribution files, and
// records the revoke action.
func (o *Orchestrator) provisionSecretsPhase(ctx context.Context, st *engine.DomainDeploymentState) error {
	if o.opts.DryRun {
		o.logger.Info().Str("domain", st.Domain).Msg("dry run: would generate and distribute secrets")
		return nil
	}
	cfg := o.resolvedConfig(st)
	bundle, err := o.collab.Secrets.GenerateSecrets(ctx, st.Domain, cfg, engine.SecretOptions{})
	if err != nil {
		return engine.NewProvisioningError("secret generation failed", err).
			WithCode(engine.ErrCodeSecretDistribution).WithDomain(st.Domain)
	}

	if o.collab.Uploader != nil && len(bundle.DistributionFiles) > 0 {
		remoteDir := o.collab.SecretDropDir + "/" + st.Domain
		if err := o.collab.Uploader.UploadDistributionFiles(ctx, remoteDir, bundle.DistributionFiles); err != nil {
			return engine.NewProvisioningError("secret distribution failed", err).
				WithCode(engine.ErrCodeSecretDistribution).WithDomain(st.Domain)
		}
	}

	o.states.RecordRollbackAction(engine.RollbackAction{
		Type:        engine.RollbackActionRevokeSecrets,
		Description: fmt.Sprintf("revoke secrets for %s", st.Domain),
		Domain:      st.Domain,
	})
	return nil
}

// deployPhase publishes the artifact. A recognized storage binding mismatch
// triggers exactly one repair-and-retry: configuration is re-resolved with a
// forced refresh, the manifest re-patched, and the deploy retried. A second
// failure is final regardless of its code.
func (o *Orchestrator) deployPhase(ctx context.Context, st *engine.DomainDeploymentState) error {
	cfg := o.resolvedConfig(st)
	if cfg == nil {
		return engine.NewExecutionError("no resolved config for deployment", nil).
			WithCode(engine.ErrCodeInternal).WithDomain(st.Domain)
	}

	if o.opts.DryRun {
		o.logger.Info().Str("domain", st.Domain).Str("url", cfg.ServiceURL).Msg("dry run: would deploy")
		return o.states.UpdateDomainState(st.Domain, engine.StatePatch{DeployedURL: cfg.ServiceURL})
	}

	out, err := o.collab.Executor.Deploy(ctx, st.Domain, cfg)
	if err != nil && engine.IsRepairable(err) {
		o.states.LogAuditEvent("domain.deploy.repair", st.Domain, map[string]interface{}{
			"code": engine.CodeOf(err),
		})
		o.logger.Warn().Str("domain", st.Domain).Err(err).Msg("repairing storage bindings and retrying deploy")

		cfg, err = o.repairBindings(ctx, st)
		if err != nil {
			return err
		}
		out, err = o.collab.Executor.Deploy(ctx, st.Domain, cfg)
	}
	if err != nil {
		return engine.NewExecutionError("deployment failed", err).
			WithCode(engine.ErrCodeExecutorFailed).WithDomain(st.Domain)
	}

	if err := o.states.UpdateDomainState(st.Domain, engine.StatePatch{
		DeployedURL: out.URL,
		WorkerID:    out.WorkerID,
	}); err != nil {
		return err
	}
	o.states.RecordRollbackAction(engine.RollbackAction{
		Type:        engine.RollbackActionRemoveDeployment,
		Description: fmt.Sprintf("remove deployment for %s", st.Domain),
		Domain:      st.Domain,
		Payload:     map[string]interface{}{payloadDeploymentID: st.DeploymentID},
	})
	return nil
}

// repairBindings re-resolves configuration with a forced refresh and patches
// the manifest with the fresh bindings.
func (o *Orchestrator) repairBindings(ctx context.Context, st *engine.DomainDeploymentState) (*engine.ResolvedConfig, error) {
	desc, err := o.descriptor(st.Domain)
	if err != nil {
		return nil, err
	}
	cfg, err := o.resolver.Resolve(ctx, desc, true)
	if err != nil {
		return nil, err
	}
	if _, err := o.collab.Manifests.Patch(ctx, st.Domain, cfg); err != nil {
		return nil, err
	}
	if err := o.states.UpdateDomainState(st.Domain, engine.StatePatch{ResolvedConfig: cfg}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// verifyPhase runs a single health probe. The coordinator owns the retry
// budget; any unhealthy outcome here is reported as a verification warning.
func (o *Orchestrator) verifyPhase(ctx context.Context, st *engine.DomainDeploymentState) error {
	if o.opts.DryRun {
		return nil
	}
	cfg := o.resolvedConfig(st)
	if cfg == nil || cfg.HealthURL == "" {
		return engine.NewVerificationWarning("no health URL to probe", nil).
			WithCode(engine.ErrCodeHealthUnverified).WithDomain(st.Domain)
	}

	report, err := o.collab.Health.CheckHealth(ctx, cfg.HealthURL)
	if err != nil {
		return engine.NewVerificationWarning("health probe failed", err).
			WithCode(engine.ErrCodeHealthUnverified).WithDomain(st.Domain)
	}
	if report.Status != engine.HealthStatusHealthy {
		return engine.NewVerificationWarning(
			fmt.Sprintf("service reported %s", report.Status), nil,
		).WithCode(engine.ErrCodeHealthUnverified).WithDomain(st.Domain).
			WithDetail("report", report.Details)
	}
	return nil
}

// resolvedConfig returns the freshest resolved config for the domain.
func (o *Orchestrator) resolvedConfig(st *engine.DomainDeploymentState) *engine.ResolvedConfig {
	if current, ok := o.states.DomainState(st.Domain); ok && current.ResolvedConfig != nil {
		return current.ResolvedConfig
	}
	return st.ResolvedConfig
}

// ExecuteRollbackAction reverses one recorded action and records its outcome
// in the metrics. It implements engine.RollbackExecutor.
func (o *Orchestrator) ExecuteRollbackAction(ctx context.Context, action engine.RollbackAction) error {
	err := o.reverseAction(ctx, action)
	if o.metrics != nil {
		o.metrics.RollbackActionExecuted(action.Type, err == nil)
	}
	return err
}

// reverseAction dispatches one recorded action to the collaborator that can
// undo it.
func (o *Orchestrator) reverseAction(ctx context.Context, action engine.RollbackAction) error {
	switch action.Type {
	case engine.RollbackActionRemoveDeployment:
		deploymentID, _ := action.Payload[payloadDeploymentID].(string)
		return o.collab.Executor.Remove(ctx, action.Domain, deploymentID)

	case engine.RollbackActionDropStorage:
		instance, _ := action.Payload[payloadInstance].(string)
		if instance == "" {
			return engine.NewRollbackActionError("drop-storage action has no instance", nil).
				WithDomain(action.Domain)
		}
		return o.collab.Provisioner.Drop(ctx, instance)

	case engine.RollbackActionRevokeSecrets:
		return o.collab.Secrets.Revoke(ctx, action.Domain)

	case engine.RollbackActionRestoreManifest:
		existed, _ := action.Payload[payloadExisted].(bool)
		var snapshot []byte
		if existed {
			raw, _ := action.Payload[payloadSnapshot].(string)
			snapshot = []byte(raw)
		}
		return o.collab.Manifests.Restore(ctx, action.Domain, snapshot)

	default:
		return engine.NewRollbackActionError(
			fmt.Sprintf("unknown rollback action type: %s", action.Type), nil,
		).WithDomain(action.Domain)
	}
}

// ExecuteRollback reverses every recorded action, newest first.
func (o *Orchestrator) ExecuteRollback(ctx context.Context) *engine.RollbackReport {
	return o.states.ExecuteRollback(ctx, o)
}

// RollbackDomain reverses the actions recorded for one domain.
func (o *Orchestrator) RollbackDomain(ctx context.Context, domain string) *engine.RollbackReport {
	return o.states.ExecuteRollbackForDomain(ctx, o, domain)
}

var _ engine.RollbackExecutor = (*Orchestrator)(nil)
