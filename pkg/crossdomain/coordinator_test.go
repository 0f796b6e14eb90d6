package crossdomain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
	"github.com/wavedeploy/wavedeploy/pkg/orchestrator"
	"github.com/wavedeploy/wavedeploy/pkg/policy"
	"github.com/wavedeploy/wavedeploy/pkg/resolver"
	"github.com/wavedeploy/wavedeploy/pkg/state"
)

// fakeExecutor deploys in memory and can fail configured domains.
type fakeExecutor struct {
	mu      sync.Mutex
	deploys map[string]int
	removed []string
	fail    map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{deploys: make(map[string]int), fail: make(map[string]error)}
}

func (e *fakeExecutor) Deploy(ctx context.Context, domain string, cfg *engine.ResolvedConfig) (*engine.DeploymentOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deploys[domain]++
	if err, ok := e.fail[domain]; ok {
		return nil, err
	}
	return &engine.DeploymentOutput{URL: cfg.ServiceURL}, nil
}

func (e *fakeExecutor) Remove(ctx context.Context, domain string, deploymentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, domain)
	return nil
}

type fakeProvisioner struct {
	mu       sync.Mutex
	existing map[string]bool
	created  []string
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
	return 0, nil
}

func (p *fakeProvisioner) Drop(ctx context.Context, instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.existing, instance)
	return nil
}

type fakeSecrets struct{}

func (fakeSecrets) GenerateSecrets(ctx context.Context, domain string, cfg *engine.ResolvedConfig, opts engine.SecretOptions) (*engine.SecretBundle, error) {
	return &engine.SecretBundle{Secrets: map[string]string{"API_TOKEN": "x"}}, nil
}

func (fakeSecrets) Revoke(ctx context.Context, domain string) error { return nil }

type fakeHealth struct{}

func (fakeHealth) CheckHealth(ctx context.Context, url string) (*engine.HealthReport, error) {
	return &engine.HealthReport{Status: engine.HealthStatusHealthy}, nil
}

type fakeManifests struct{}

func (fakeManifests) Patch(ctx context.Context, domain string, cfg *engine.ResolvedConfig) ([]byte, error) {
	return nil, nil
}

func (fakeManifests) Snapshot(ctx context.Context, domain string) ([]byte, error) { return nil, nil }

func (fakeManifests) Restore(ctx context.Context, domain string, snapshot []byte) error { return nil }

// failingSource always fails discovery.
type failingSource struct{}

func (failingSource) Name() string { return "broken" }

func (failingSource) Discover(ctx context.Context) ([]engine.DomainDescriptor, error) {
	return nil, errors.New("registry unreachable")
}

type fixture struct {
	coord    *Coordinator
	executor *fakeExecutor
	states   *state.Manager
}

func newFixture(t *testing.T, opts Options, options ...Option) *fixture {
	t.Helper()
	res, err := resolver.New(resolver.Config{Environment: "production"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}

	f := &fixture{
		executor: newFakeExecutor(),
		states:   state.NewManager(zerolog.Nop()),
	}
	collab := orchestrator.Collaborators{
		Executor:    f.executor,
		Provisioner: &fakeProvisioner{existing: make(map[string]bool)},
		Secrets:     fakeSecrets{},
		Health:      fakeHealth{},
		Manifests:   fakeManifests{},
	}
	engineOpts := engine.Options{
		Parallelism:         2,
		BatchPause:          time.Millisecond,
		PhaseTimeout:        time.Second,
		HealthRetries:       1,
		HealthRetryInterval: time.Millisecond,
	}
	orch, err := orchestrator.New(res, f.states, collab, engineOpts, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}

	coord, err := New(orch, opts, zerolog.Nop(), options...)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	f.coord = coord
	return f
}

func productionDomain(name string, deps ...string) engine.DomainDescriptor {
	return engine.DomainDescriptor{
		Name:        name,
		Environment: "production",
		Service:     engine.ServiceConfig{ArtifactVersion: "1.2.3"},
		DependsOn:   deps,
	}
}

// The first source to supply a domain wins; later duplicates are skipped and
// a failing source never aborts discovery.
func TestDiscoverPortfolioFirstSourceWins(t *testing.T) {
	primary := NewStaticSource("primary", []engine.DomainDescriptor{
		productionDomain("a.example.com"),
	})
	secondary := NewStaticSource("secondary", []engine.DomainDescriptor{
		productionDomain("a.example.com"),
		productionDomain("b.example.com"),
	})

	f := newFixture(t, Options{Environment: "production"},
		WithSources(primary, failingSource{}, secondary))

	domains, failures := f.coord.DiscoverPortfolio(context.Background())
	if len(domains) != 2 {
		t.Fatalf("expected 2 domains after dedup, got %d", len(domains))
	}
	for _, d := range domains {
		if d.Name == "a.example.com" && d.Source != "primary" {
			t.Errorf("expected a.example.com from primary, got %s", d.Source)
		}
	}
	if _, ok := failures["broken"]; !ok {
		t.Error("expected the failing source recorded")
	}
	if len(failures) != 1 {
		t.Errorf("expected 1 failure, got %d", len(failures))
	}
}

func TestFileSourceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.yaml")
	content := []byte("domains:\n  - name: a.example.com\n    environment: production\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	domains, err := NewFileSource(path).Discover(context.Background())
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	if len(domains) != 1 || domains[0].Name != "a.example.com" {
		t.Errorf("unexpected portfolio: %v", domains)
	}
}

func TestRegistrySourcePreservesOrder(t *testing.T) {
	reg := NewRegistrySource("registry")
	for _, name := range []string{"c.example.com", "a.example.com", "b.example.com"} {
		if err := reg.Register(productionDomain(name)); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	reg.Deregister("a.example.com")

	domains, err := reg.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	if len(domains) != 2 || domains[0].Name != "c.example.com" || domains[1].Name != "b.example.com" {
		t.Errorf("expected registration order preserved, got %v", domains)
	}
}

func TestCoordinateEmptyPortfolio(t *testing.T) {
	f := newFixture(t, Options{Environment: "production"})

	coordination, err := f.coord.CoordinateMultiDomainDeployment(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for empty portfolio")
	}
	if engine.CodeOf(err) != engine.ErrCodePrerequisite {
		t.Errorf("expected code %s, got %s", engine.ErrCodePrerequisite, engine.CodeOf(err))
	}
	if coordination.Status != engine.CoordinationStatusFailed {
		t.Errorf("expected failed coordination, got %s", coordination.Status)
	}
}

// A dependency cycle aborts validation before any domain side effect.
func TestCoordinateCycleAbortsBeforeSideEffects(t *testing.T) {
	f := newFixture(t, Options{Environment: "production"})

	domains := []engine.DomainDescriptor{
		productionDomain("a.example.com", "b.example.com"),
		productionDomain("b.example.com", "a.example.com"),
	}
	_, err := f.coord.CoordinateMultiDomainDeployment(context.Background(), domains)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !engine.IsCycle(err) {
		t.Errorf("expected cycle classification, got %v", err)
	}
	if len(f.executor.deploys) != 0 {
		t.Errorf("validation failure must precede side effects, deploys: %v", f.executor.deploys)
	}
}

// A blocking policy violation aborts before any domain side effect.
func TestCoordinatePolicyViolationAborts(t *testing.T) {
	policies, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	f := newFixture(t, Options{Environment: "production"}, WithPolicyEngine(policies))

	floating := productionDomain("a.example.com")
	floating.Service.ArtifactVersion = "latest"

	_, err = f.coord.CoordinateMultiDomainDeployment(context.Background(), []engine.DomainDescriptor{floating})
	if err == nil {
		t.Fatal("expected policy violation to abort")
	}
	if engine.CodeOf(err) != engine.ErrCodeIncompatible {
		t.Errorf("expected code %s, got %s", engine.ErrCodeIncompatible, engine.CodeOf(err))
	}
	if len(f.executor.deploys) != 0 {
		t.Errorf("policy failure must precede side effects, deploys: %v", f.executor.deploys)
	}
}

func TestCoordinateSuccess(t *testing.T) {
	f := newFixture(t, Options{Environment: "production"})

	domains := []engine.DomainDescriptor{
		productionDomain("a.example.com"),
		productionDomain("b.example.com", "a.example.com"),
	}
	coordination, err := f.coord.CoordinateMultiDomainDeployment(context.Background(), domains)
	if err != nil {
		t.Fatalf("coordination failed: %v", err)
	}

	if coordination.Status != engine.CoordinationStatusSuccess {
		t.Fatalf("expected success, got %s", coordination.Status)
	}
	if len(coordination.Results.Successful) != 2 {
		t.Errorf("expected 2 successful domains, got %v", coordination.Results.Successful)
	}
	if coordination.Metrics.Succeeded != 2 || coordination.Metrics.Failed != 0 {
		t.Errorf("unexpected metrics: %+v", coordination.Metrics)
	}
	if coordination.CompletedAt == nil {
		t.Error("expected CompletedAt stamped")
	}
	if f.executor.deploys["a.example.com"] != 1 || f.executor.deploys["b.example.com"] != 1 {
		t.Errorf("expected each domain deployed once, got %v", f.executor.deploys)
	}
}

// When a domain fails and rollback-on-failure is set, successfully deployed
// domains are removed in reverse order and no longer count as successful.
func TestCoordinateRollbackOnFailure(t *testing.T) {
	f := newFixture(t, Options{Environment: "production", RollbackOnFailure: true})
	f.executor.fail["b.example.com"] = engine.NewExecutionError("deploy failed", nil).
		WithCode(engine.ErrCodeExecutorFailed)

	domains := []engine.DomainDescriptor{
		productionDomain("a.example.com"),
		productionDomain("b.example.com", "a.example.com"),
	}
	coordination, err := f.coord.CoordinateMultiDomainDeployment(context.Background(), domains)
	if err != nil {
		t.Fatalf("coordination failed: %v", err)
	}

	if coordination.Status != engine.CoordinationStatusPartial {
		t.Fatalf("expected partial, got %s", coordination.Status)
	}
	if len(coordination.Results.Successful) != 0 {
		t.Errorf("rolled-back domains must not count as successful, got %v", coordination.Results.Successful)
	}
	if len(coordination.Results.RolledBack) != 1 || coordination.Results.RolledBack[0] != "a.example.com" {
		t.Errorf("expected a.example.com rolled back, got %v", coordination.Results.RolledBack)
	}
	if len(f.executor.removed) != 1 || f.executor.removed[0] != "a.example.com" {
		t.Errorf("expected deployment removal for a.example.com, got %v", f.executor.removed)
	}

	st, _ := f.states.DomainState("a.example.com")
	if st.Status != engine.DomainStatusRolledBack {
		t.Errorf("expected rolled-back state, got %s", st.Status)
	}
}

func TestCoordinateAllFailed(t *testing.T) {
	f := newFixture(t, Options{Environment: "production"})
	f.executor.fail["a.example.com"] = engine.NewExecutionError("deploy failed", nil).
		WithCode(engine.ErrCodeExecutorFailed)

	coordination, err := f.coord.CoordinateMultiDomainDeployment(context.Background(),
		[]engine.DomainDescriptor{productionDomain("a.example.com")})
	if err != nil {
		t.Fatalf("coordination failed: %v", err)
	}
	if coordination.Status != engine.CoordinationStatusFailed {
		t.Errorf("expected failed, got %s", coordination.Status)
	}
	if coordination.Metrics.Failed != 1 {
		t.Errorf("expected 1 failed domain, got %d", coordination.Metrics.Failed)
	}
}
