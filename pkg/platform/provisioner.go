package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// CLIProvisioner manages storage instances through the platform CLI.
type CLIProvisioner struct {
	cfg    CLIConfig
	logger zerolog.Logger
}

// NewCLIProvisioner returns a storage provisioner wrapping the platform CLI.
func NewCLIProvisioner(cfg CLIConfig, logger zerolog.Logger) *CLIProvisioner {
	cfg.normalize()
	return &CLIProvisioner{
		cfg:    cfg,
		logger: logger.With().Str("component", "cli-provisioner").Logger(),
	}
}

// Exists reports whether the named storage instance already exists.
func (p *CLIProvisioner) Exists(ctx context.Context, instance string) (bool, error) {
	stdout, err := runCLI(ctx, p.cfg, p.logger, "storage", "info", "--instance", instance, "--json")
	if err != nil {
		return false, err
	}
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal(stdout, &out); err != nil {
		return false, engine.NewProvisioningError(
			fmt.Sprintf("failed to parse storage info for %s", instance), err,
		).WithCode(engine.ErrCodeStorageCreate)
	}
	return out.Exists, nil
}

// Create creates the named storage instance.
func (p *CLIProvisioner) Create(ctx context.Context, instance string) error {
	if _, err := runCLI(ctx, p.cfg, p.logger, "storage", "create", "--instance", instance, "--json"); err != nil {
		return err
	}
	p.logger.Info().Str("instance", instance).Msg("storage instance created")
	return nil
}

// ApplyMigrations applies pending schema migrations to the bound instance
// and returns the number of migrations applied.
func (p *CLIProvisioner) ApplyMigrations(ctx context.Context, binding engine.StorageBinding, environment string, remote bool) (int, error) {
	args := []string{"storage", "migrate", "--instance", binding.Instance, "--environment", environment, "--json"}
	if remote {
		args = append(args, "--remote")
	}
	stdout, err := runCLI(ctx, p.cfg, p.logger, args...)
	if err != nil {
		return 0, err
	}
	var out struct {
		Applied int `json:"applied"`
	}
	if err := json.Unmarshal(stdout, &out); err != nil {
		return 0, engine.NewProvisioningError(
			fmt.Sprintf("failed to parse migration output for %s", binding.Instance), err,
		).WithCode(engine.ErrCodeMigration)
	}
	if out.Applied > 0 {
		p.logger.Info().Str("instance", binding.Instance).Int("applied", out.Applied).Msg("migrations applied")
	}
	return out.Applied, nil
}

// Drop destroys the named storage instance.
func (p *CLIProvisioner) Drop(ctx context.Context, instance string) error {
	if _, err := runCLI(ctx, p.cfg, p.logger, "storage", "drop", "--instance", instance, "--json"); err != nil {
		return err
	}
	p.logger.Info().Str("instance", instance).Msg("storage instance dropped")
	return nil
}

var _ engine.ResourceProvisioner = (*CLIProvisioner)(nil)
