package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wavedeploy/wavedeploy/pkg/crossdomain"
	"github.com/wavedeploy/wavedeploy/pkg/engine"
	"github.com/wavedeploy/wavedeploy/pkg/manifest"
	"github.com/wavedeploy/wavedeploy/pkg/orchestrator"
	"github.com/wavedeploy/wavedeploy/pkg/platform"
	"github.com/wavedeploy/wavedeploy/pkg/policy"
	"github.com/wavedeploy/wavedeploy/pkg/resolver"
	"github.com/wavedeploy/wavedeploy/pkg/state"
	"github.com/wavedeploy/wavedeploy/pkg/stores"
	"github.com/wavedeploy/wavedeploy/pkg/telemetry"
	sshtransport "github.com/wavedeploy/wavedeploy/pkg/transports/ssh"
)

// defaultConfigFile is looked up in the working directory when --config is
// not given.
const defaultConfigFile = "wavedeploy.yaml"

// appConfig is the wavectl configuration file.
type appConfig struct {
	// Environment is the target deployment environment.
	Environment string `yaml:"environment"`

	// PortfolioFile is the YAML portfolio used for discovery.
	PortfolioFile string `yaml:"portfolio_file"`

	// ManifestDir holds per-domain deployment manifests.
	ManifestDir string `yaml:"manifest_dir"`

	// SecretsDir holds generated secret distribution files.
	SecretsDir string `yaml:"secrets_dir"`

	// SecretDropDir is the remote directory distribution files are
	// delivered to.
	SecretDropDir string `yaml:"secret_drop_dir,omitempty"`

	// StatePath is the SQLite database for audit events and state snapshots.
	StatePath string `yaml:"state_path"`

	// PolicyPaths are extra .rego policy files or directories.
	PolicyPaths []string `yaml:"policy_paths,omitempty"`

	// Deploy holds the deployment run options.
	Deploy deployConfig `yaml:"deploy"`

	// Resolver configures configuration resolution.
	Resolver resolver.Config `yaml:"resolver"`

	// Platform configures the platform CLI.
	Platform platform.CLIConfig `yaml:"platform"`

	// DropHost configures SFTP delivery of secret distribution files.
	// Omit it to keep distribution files local.
	DropHost *sshtransport.Config `yaml:"drop_host,omitempty"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry telemetryConfig `yaml:"telemetry"`
}

type deployConfig struct {
	Options           engine.Options `yaml:",inline"`
	RollbackOnFailure bool           `yaml:"rollback_on_failure"`
}

type telemetryConfig struct {
	LogLevel       string  `yaml:"log_level"`
	LogFormat      string  `yaml:"log_format"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	MetricsAddress string  `yaml:"metrics_address"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	TraceExporter  string  `yaml:"trace_exporter"`
	TraceEndpoint  string  `yaml:"trace_endpoint,omitempty"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// defaultAppConfig returns the configuration used when no file is found.
func defaultAppConfig() *appConfig {
	return &appConfig{
		Environment:   "development",
		PortfolioFile: "portfolio.yaml",
		ManifestDir:   "manifests",
		SecretsDir:    "secrets",
		StatePath:     "wavedeploy.db",
		Deploy: deployConfig{
			Options: engine.DefaultOptions(),
		},
		Telemetry: telemetryConfig{
			LogLevel:       "info",
			LogFormat:      "console",
			MetricsAddress: ":9090",
			TraceExporter:  "stdout",
			SamplingRate:   1.0,
		},
	}
}

// loadConfig reads the config file, falling back to defaults when the
// default file is absent. An explicit --config path must exist.
func loadConfig(path string) (*appConfig, error) {
	explicit := path != ""
	if path == "" {
		path = defaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Resolver.Environment == "" {
		cfg.Resolver.Environment = cfg.Environment
	}
	return cfg, nil
}

// runtime bundles the wired components behind one command invocation.
type runtime struct {
	cfg    *appConfig
	logger zerolog.Logger

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	store   *stores.SQLiteStore

	states      *state.Manager
	resolver    *resolver.Resolver
	orch        *orchestrator.Orchestrator
	policies    *policy.Engine
	coordinator *crossdomain.Coordinator
}

// newRuntime loads the config and wires every component for one run.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newRuntimeWith(ctx, cfg)
}

// newRuntimeWith wires every component from an already loaded (and possibly
// flag-adjusted) config.
func newRuntimeWith(ctx context.Context, cfg *appConfig) (*runtime, error) {
	if cfg.Resolver.Environment == "" {
		cfg.Resolver.Environment = cfg.Environment
	}

	logCfg := telemetry.LoggingConfig{
		Level:  cfg.Telemetry.LogLevel,
		Format: cfg.Telemetry.LogFormat,
		Output: "stderr",
	}
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := telemetry.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       cfg.Telemetry.MetricsEnabled,
		ListenAddress: cfg.Telemetry.MetricsAddress,
	})

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      cfg.Telemetry.TracingEnabled,
		Exporter:     cfg.Telemetry.TraceExporter,
		Endpoint:     cfg.Telemetry.TraceEndpoint,
		SamplingRate: cfg.Telemetry.SamplingRate,
		Insecure:     true,
	}, "wavectl", "dev", cfg.Environment)
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.StatePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	states := state.NewManager(logger, state.WithPersister(store))

	res, err := resolver.New(cfg.Resolver, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	manifests, err := manifest.NewStore(cfg.ManifestDir, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	secrets, err := platform.NewFileSecretDistributor(cfg.SecretsDir, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	health := platform.NewHTTPHealthChecker(0, logger)

	var uploader orchestrator.FileUploader
	if cfg.DropHost != nil {
		up, err := sshtransport.NewUploader(cfg.DropHost, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		uploader = up
	}

	collab := orchestrator.Collaborators{
		Executor:      platform.NewCLIExecutor(cfg.Platform, logger),
		Provisioner:   platform.NewCLIProvisioner(cfg.Platform, logger),
		Secrets:       secrets,
		Health:        health,
		Manifests:     manifests,
		Uploader:      uploader,
		SecretDropDir: cfg.SecretDropDir,
	}

	orch, err := orchestrator.New(res, states, collab, cfg.Deploy.Options, metrics, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	if len(cfg.PolicyPaths) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
			store.Close()
			return nil, err
		}
	}

	coordinator, err := crossdomain.New(orch, crossdomain.Options{
		Environment:       cfg.Environment,
		RollbackOnFailure: cfg.Deploy.RollbackOnFailure,
	}, logger,
		crossdomain.WithSources(crossdomain.NewFileSource(cfg.PortfolioFile)),
		crossdomain.WithPolicyEngine(policies),
		crossdomain.WithHealthChecker(health),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &runtime{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		store:       store,
		states:      states,
		resolver:    res,
		orch:        orch,
		policies:    policies,
		coordinator: coordinator,
	}, nil
}

// Close flushes telemetry and releases the state store.
func (r *runtime) Close(ctx context.Context) {
	if r.tracer != nil {
		if err := r.tracer.Shutdown(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("state store close failed")
		}
	}
}
