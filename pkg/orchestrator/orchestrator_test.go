package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
	"github.com/wavedeploy/wavedeploy/pkg/resolver"
	"github.com/wavedeploy/wavedeploy/pkg/state"
)

// fakeExecutor counts deploys and can fail the first n attempts with a
// configurable error.
type fakeExecutor struct {
	mu       sync.Mutex
	deploys  int
	removed  []string
	failures int
	failErr  error
}

func (e *fakeExecutor) Deploy(ctx context.Context, domain string, cfg *engine.ResolvedConfig) (*engine.DeploymentOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deploys++
	if e.deploys <= e.failures {
		return nil, e.failErr
	}
	return &engine.DeploymentOutput{URL: cfg.ServiceURL, WorkerID: "worker-1"}, nil
}

func (e *fakeExecutor) Remove(ctx context.Context, domain string, deploymentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, domain)
	return nil
}

type fakeProvisioner struct {
	mu         sync.Mutex
	existing   map[string]bool
	created    []string
	migrations int
	dropped    []string
}

func newFakeProvisioner(existing ...string) *fakeProvisioner {
	p := &fakeProvisioner{existing: make(map[string]bool)}
	for _, name := range existing {
		p.existing[name] = true
	}
	return p
}

func (p *fakeProvisioner) Exists(ctx context.Context, instance string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.existing[instance], nil
}

func (p *fakeProvisioner) Create(ctx context.Context, instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.existing[instance] = true
	p.created = append(p.created, instance)
	return nil
}

func (p *fakeProvisioner) ApplyMigrations(ctx context.Context, binding engine.StorageBinding, environment string, remote bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.migrations++
	return 1, nil
}

func (p *fakeProvisioner) Drop(ctx context.Context, instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.existing, instance)
	p.dropped = append(p.dropped, instance)
	return nil
}

type fakeSecrets struct {
	mu        sync.Mutex
	generated []string
	revoked   []string
}

func (s *fakeSecrets) GenerateSecrets(ctx context.Context, domain string, cfg *engine.ResolvedConfig, opts engine.SecretOptions) (*engine.SecretBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generated = append(s.generated, domain)
	return &engine.SecretBundle{Secrets: map[string]string{"API_TOKEN": "x"}}, nil
}

func (s *fakeSecrets) Revoke(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = append(s.revoked, domain)
	return nil
}

type fakeHealth struct{}

func (fakeHealth) CheckHealth(ctx context.Context, url string) (*engine.HealthReport, error) {
	return &engine.HealthReport{Status: engine.HealthStatusHealthy}, nil
}

type fakeManifests struct {
	mu       sync.Mutex
	patches  int
	restored map[string][]byte
}

func (m *fakeManifests) Patch(ctx context.Context, domain string, cfg *engine.ResolvedConfig) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches++
	return nil, nil
}

func (m *fakeManifests) Snapshot(ctx context.Context, domain string) ([]byte, error) {
	return nil, nil
}

func (m *fakeManifests) Restore(ctx context.Context, domain string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restored == nil {
		m.restored = make(map[string][]byte)
	}
	m.restored[domain] = snapshot
	return nil
}

// fakeMetrics records rollback action outcomes by action type.
type fakeMetrics struct {
	mu       sync.Mutex
	rollback map[engine.RollbackActionType][]bool
}

func (f *fakeMetrics) DeploymentStarted(string)                                 {}
func (f *fakeMetrics) DeploymentCompleted(string, engine.DomainStatus, float64) {}
func (f *fakeMetrics) PhaseObserved(string, engine.Phase, float64)              {}
func (f *fakeMetrics) ErrorRecorded(engine.ErrorClass, string)                  {}

func (f *fakeMetrics) RollbackActionExecuted(actionType engine.RollbackActionType, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rollback == nil {
		f.rollback = make(map[engine.RollbackActionType][]bool)
	}
	f.rollback[actionType] = append(f.rollback[actionType], success)
}

type fixture struct {
	orch        *Orchestrator
	executor    *fakeExecutor
	provisioner *fakeProvisioner
	secrets     *fakeSecrets
	manifests   *fakeManifests
	states      *state.Manager
}

func testOptions() engine.Options {
	return engine.Options{
		Parallelism:         2,
		BatchPause:          time.Millisecond,
		PhaseTimeout:        time.Second,
		HealthRetries:       3,
		HealthRetryInterval: time.Millisecond,
	}
}

func newFixture(t *testing.T, opts engine.Options) *fixture {
	t.Helper()
	return newMeteredFixture(t, opts, nil)
}

func newMeteredFixture(t *testing.T, opts engine.Options, metrics engine.MetricsRecorder) *fixture {
	t.Helper()
	res, err := resolver.New(resolver.Config{Environment: "production"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}

	f := &fixture{
		executor:    &fakeExecutor{},
		provisioner: newFakeProvisioner(),
		secrets:     &fakeSecrets{},
		manifests:   &fakeManifests{},
		states:      state.NewManager(zerolog.Nop()),
	}
	collab := Collaborators{
		Executor:      f.executor,
		Provisioner:   f.provisioner,
		Secrets:       f.secrets,
		Health:        fakeHealth{},
		Manifests:     f.manifests,
		SecretDropDir: "/srv/secrets",
	}
	orch, err := New(res, f.states, collab, opts, metrics, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func shopDescriptor() engine.DomainDescriptor {
	return engine.DomainDescriptor{
		Name:        "shop.example.com",
		Environment: "production",
		Service: engine.ServiceConfig{
			Name: "shop",
			StorageBindings: []engine.StorageBinding{
				{Binding: "DB", Instance: "shop-db"},
			},
		},
	}
}

func TestDeploySingleDomainFullPipeline(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	if err := f.orch.Initialize(ctx, []engine.DomainDescriptor{shopDescriptor()}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	result := f.orch.DeploySingleDomain(ctx, "shop.example.com")
	if result.Status != engine.DomainStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (err: %v)", result.Status, result.Err)
	}

	if f.executor.deploys != 1 {
		t.Errorf("expected 1 deploy, got %d", f.executor.deploys)
	}
	if len(f.provisioner.created) != 1 || f.provisioner.created[0] != "shop-db" {
		t.Errorf("expected shop-db created, got %v", f.provisioner.created)
	}
	if f.provisioner.migrations != 1 {
		t.Errorf("expected 1 migration pass, got %d", f.provisioner.migrations)
	}
	if len(f.secrets.generated) != 1 {
		t.Errorf("expected secrets generated once, got %v", f.secrets.generated)
	}
	if f.manifests.patches != 1 {
		t.Errorf("expected 1 manifest patch, got %d", f.manifests.patches)
	}

	st, _ := f.states.DomainState("shop.example.com")
	if st.DeployedURL == "" {
		t.Error("expected deployed URL recorded")
	}
	// Every side effect must have a recorded reversal.
	if len(f.states.RollbackPlan()) < 4 {
		t.Errorf("expected rollback actions for all side effects, got %d", len(f.states.RollbackPlan()))
	}
}

// A storage binding mismatch triggers exactly one repair-and-retry: fresh
// resolution, manifest re-patch, one more deploy attempt.
func TestDeployRepairAndRetry(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	if err := f.orch.Initialize(ctx, []engine.DomainDescriptor{shopDescriptor()}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	f.executor.failures = 1
	f.executor.failErr = engine.NewExecutionError("binding drift", nil).
		WithCode(engine.ErrCodeStorageBindingMismatch)

	result := f.orch.DeploySingleDomain(ctx, "shop.example.com")
	if result.Status != engine.DomainStatusSucceeded {
		t.Fatalf("expected succeeded after repair, got %s (err: %v)", result.Status, result.Err)
	}
	if f.executor.deploys != 2 {
		t.Errorf("expected exactly 2 deploy attempts, got %d", f.executor.deploys)
	}
	// Initial patch plus the repair re-patch.
	if f.manifests.patches != 2 {
		t.Errorf("expected 2 manifest patches, got %d", f.manifests.patches)
	}

	var repaired bool
	for _, e := range f.states.AuditLog() {
		if e.Event == "domain.deploy.repair" {
			repaired = true
		}
	}
	if !repaired {
		t.Error("expected repair recorded in the audit log")
	}
}

// The repair runs once. A failure on the retry is final even if it carries
// the repairable code again.
func TestDeployRepairSecondFailureIsFinal(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	if err := f.orch.Initialize(ctx, []engine.DomainDescriptor{shopDescriptor()}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	f.executor.failures = 10
	f.executor.failErr = engine.NewExecutionError("binding drift", nil).
		WithCode(engine.ErrCodeStorageBindingMismatch)

	result := f.orch.DeploySingleDomain(ctx, "shop.example.com")
	if result.Status != engine.DomainStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if f.executor.deploys != 2 {
		t.Errorf("expected exactly 2 deploy attempts, got %d", f.executor.deploys)
	}
	if result.FailedPhase != engine.PhaseDeployment {
		t.Errorf("expected failed phase %s, got %s", engine.PhaseDeployment, result.FailedPhase)
	}
}

// A non-repairable deploy failure gets no retry at all.
func TestDeployFailureNotRepaired(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	if err := f.orch.Initialize(ctx, []engine.DomainDescriptor{shopDescriptor()}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	f.executor.failures = 10
	f.executor.failErr = engine.NewExecutionError("artifact missing", nil).
		WithCode(engine.ErrCodeExecutorFailed)

	result := f.orch.DeploySingleDomain(ctx, "shop.example.com")
	if result.Status != engine.DomainStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if f.executor.deploys != 1 {
		t.Errorf("expected exactly 1 deploy attempt, got %d", f.executor.deploys)
	}
}

func TestProvisionSharedResourcesOnce(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()

	first := engine.DomainDescriptor{
		Name:        "a.example.com",
		Environment: "production",
		Service: engine.ServiceConfig{
			StorageBindings: []engine.StorageBinding{
				{Binding: "DB", Instance: "shared-db", Shared: true},
			},
		},
	}
	second := engine.DomainDescriptor{
		Name:            "b.example.com",
		Environment:     "production",
		SharedResources: []string{"shared-db"},
	}
	if err := f.orch.Initialize(ctx, []engine.DomainDescriptor{first, second}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if err := f.orch.ProvisionSharedResources(ctx); err != nil {
		t.Fatalf("shared provisioning failed: %v", err)
	}
	if len(f.provisioner.created) != 1 || f.provisioner.created[0] != "shared-db" {
		t.Fatalf("expected shared-db created exactly once, got %v", f.provisioner.created)
	}

	// A second pass is a no-op.
	if err := f.orch.ProvisionSharedResources(ctx); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if len(f.provisioner.created) != 1 {
		t.Errorf("expected no further creates, got %v", f.provisioner.created)
	}
}

// The per-domain pipeline never creates shared instances; a missing one is a
// provisioning failure.
func TestMissingSharedInstanceFailsStoragePhase(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()

	desc := shopDescriptor()
	desc.Service.StorageBindings = []engine.StorageBinding{
		{Binding: "DB", Instance: "shared-db", Shared: true},
	}
	if err := f.orch.Initialize(ctx, []engine.DomainDescriptor{desc}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	result := f.orch.DeploySingleDomain(ctx, "shop.example.com")
	if result.Status != engine.DomainStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.FailedPhase != engine.PhaseStorageProvisioning {
		t.Errorf("expected failed phase %s, got %s", engine.PhaseStorageProvisioning, result.FailedPhase)
	}
	if engine.CodeOf(result.Err) != engine.ErrCodeStorageCreate {
		t.Errorf("expected code %s, got %s", engine.ErrCodeStorageCreate, engine.CodeOf(result.Err))
	}
	if len(f.provisioner.created) != 0 {
		t.Errorf("pipeline must not create shared instances, created %v", f.provisioner.created)
	}
}

func TestExecuteRollbackActionDispatch(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	f.provisioner.existing["shop-db"] = true

	tests := []struct {
		name   string
		action engine.RollbackAction
		check  func(t *testing.T)
	}{
		{
			name: "remove deployment",
			action: engine.RollbackAction{
				Type:    engine.RollbackActionRemoveDeployment,
				Domain:  "shop.example.com",
				Payload: map[string]interface{}{payloadDeploymentID: "dep-1"},
			},
			check: func(t *testing.T) {
				if len(f.executor.removed) != 1 {
					t.Errorf("expected removal dispatched, got %v", f.executor.removed)
				}
			},
		},
		{
			name: "drop storage",
			action: engine.RollbackAction{
				Type:    engine.RollbackActionDropStorage,
				Domain:  "shop.example.com",
				Payload: map[string]interface{}{payloadInstance: "shop-db"},
			},
			check: func(t *testing.T) {
				if len(f.provisioner.dropped) != 1 || f.provisioner.dropped[0] != "shop-db" {
					t.Errorf("expected shop-db dropped, got %v", f.provisioner.dropped)
				}
			},
		},
		{
			name: "revoke secrets",
			action: engine.RollbackAction{
				Type:   engine.RollbackActionRevokeSecrets,
				Domain: "shop.example.com",
			},
			check: func(t *testing.T) {
				if len(f.secrets.revoked) != 1 {
					t.Errorf("expected revoke dispatched, got %v", f.secrets.revoked)
				}
			},
		},
		{
			name: "restore manifest absence",
			action: engine.RollbackAction{
				Type:    engine.RollbackActionRestoreManifest,
				Domain:  "shop.example.com",
				Payload: map[string]interface{}{payloadExisted: false},
			},
			check: func(t *testing.T) {
				snapshot, ok := f.manifests.restored["shop.example.com"]
				if !ok {
					t.Fatal("expected restore dispatched")
				}
				if snapshot != nil {
					t.Errorf("expected nil snapshot for previously missing manifest, got %q", snapshot)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.orch.ExecuteRollbackAction(ctx, tt.action); err != nil {
				t.Fatalf("dispatch failed: %v", err)
			}
			tt.check(t)
		})
	}

	err := f.orch.ExecuteRollbackAction(ctx, engine.RollbackAction{Type: "bogus"})
	if err == nil {
		t.Error("expected error for unknown action type")
	}
}

// Every executed rollback action lands in the metrics, failures included.
func TestExecuteRollbackRecordsActionMetrics(t *testing.T) {
	metrics := &fakeMetrics{}
	f := newMeteredFixture(t, testOptions(), metrics)
	ctx := context.Background()
	if err := f.orch.Initialize(ctx, []engine.DomainDescriptor{shopDescriptor()}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	result := f.orch.DeploySingleDomain(ctx, "shop.example.com")
	if result.Status != engine.DomainStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (err: %v)", result.Status, result.Err)
	}

	report := f.orch.ExecuteRollback(ctx)
	if report.Failures != 0 {
		t.Fatalf("expected clean rollback, got %d failure(s)", report.Failures)
	}

	for _, actionType := range []engine.RollbackActionType{
		engine.RollbackActionRemoveDeployment,
		engine.RollbackActionRevokeSecrets,
		engine.RollbackActionDropStorage,
		engine.RollbackActionRestoreManifest,
	} {
		outcomes := metrics.rollback[actionType]
		if len(outcomes) != 1 {
			t.Errorf("expected 1 recorded outcome for %s, got %d", actionType, len(outcomes))
			continue
		}
		if !outcomes[0] {
			t.Errorf("expected success recorded for %s", actionType)
		}
	}

	// A failing action is recorded with a failure outcome.
	if err := f.orch.ExecuteRollbackAction(ctx, engine.RollbackAction{
		Type:   engine.RollbackActionDropStorage,
		Domain: "shop.example.com",
	}); err == nil {
		t.Fatal("expected error for drop-storage action without instance")
	}
	outcomes := metrics.rollback[engine.RollbackActionDropStorage]
	if len(outcomes) != 2 || outcomes[1] {
		t.Errorf("expected failure outcome recorded, got %v", outcomes)
	}
}

// The plan recorded during deployment is reachable on the orchestrator
// itself.
func TestRollbackPlanExposedOnOrchestrator(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	if err := f.orch.Initialize(ctx, []engine.DomainDescriptor{shopDescriptor()}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if len(f.orch.RollbackPlan()) != 0 {
		t.Fatalf("expected empty plan before deployment, got %d", len(f.orch.RollbackPlan()))
	}

	result := f.orch.DeploySingleDomain(ctx, "shop.example.com")
	if result.Status != engine.DomainStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (err: %v)", result.Status, result.Err)
	}

	plan := f.orch.RollbackPlan()
	if len(plan) != len(f.states.RollbackPlan()) {
		t.Fatalf("expected plan to match the state manager, got %d vs %d",
			len(plan), len(f.states.RollbackPlan()))
	}
	if len(plan) == 0 || plan[0].Type != engine.RollbackActionRemoveDeployment {
		t.Errorf("expected newest action first, got %+v", plan)
	}
}

func TestDropStorageWithoutInstanceFails(t *testing.T) {
	f := newFixture(t, testOptions())
	err := f.orch.ExecuteRollbackAction(context.Background(), engine.RollbackAction{
		Type:   engine.RollbackActionDropStorage,
		Domain: "shop.example.com",
	})
	if err == nil {
		t.Error("expected error for drop-storage action without instance")
	}
}

// Dry run walks the full pipeline without touching any collaborator.
func TestDryRunSkipsSideEffects(t *testing.T) {
	opts := testOptions()
	opts.DryRun = true
	f := newFixture(t, opts)
	ctx := context.Background()
	if err := f.orch.Initialize(ctx, []engine.DomainDescriptor{shopDescriptor()}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	result := f.orch.DeploySingleDomain(ctx, "shop.example.com")
	if result.Status != engine.DomainStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (err: %v)", result.Status, result.Err)
	}

	if f.executor.deploys != 0 {
		t.Errorf("dry run must not deploy, got %d deploys", f.executor.deploys)
	}
	if len(f.provisioner.created) != 0 || f.provisioner.migrations != 0 {
		t.Errorf("dry run must not provision storage, created %v migrations %d",
			f.provisioner.created, f.provisioner.migrations)
	}
	if len(f.secrets.generated) != 0 {
		t.Errorf("dry run must not generate secrets, got %v", f.secrets.generated)
	}
	if f.manifests.patches != 0 {
		t.Errorf("dry run must not patch manifests, got %d", f.manifests.patches)
	}

	st, _ := f.states.DomainState("shop.example.com")
	if st.DeployedURL == "" {
		t.Error("dry run still reports the URL it would deploy to")
	}
}

func TestDeployPortfolioRequiresInitialize(t *testing.T) {
	f := newFixture(t, testOptions())
	if _, err := f.orch.DeployPortfolio(context.Background()); err == nil {
		t.Fatal("expected error before Initialize")
	}
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	res, err := resolver.New(resolver.Config{Environment: "production"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	_, err = New(res, state.NewManager(zerolog.Nop()), Collaborators{}, testOptions(), nil, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for missing collaborators")
	}
	if engine.CodeOf(err) != engine.ErrCodePrerequisite {
		t.Errorf("expected code %s, got %s", engine.ErrCodePrerequisite, engine.CodeOf(err))
	}
}
