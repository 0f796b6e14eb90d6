// Package platform provides the concrete collaborators the orchestrator
// drives: a CLI-backed deployment executor and storage provisioner, an HTTP
// health checker, and a file-based secret distributor.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// CLIConfig configures the external platform CLI invocation.
type CLIConfig struct {
	// Binary is the platform CLI executable name or path.
	Binary string `yaml:"binary"`

	// WorkDir is the working directory for CLI invocations.
	WorkDir string `yaml:"work_dir,omitempty"`

	// Env is extra environment variables passed to the CLI.
	Env map[string]string `yaml:"env,omitempty"`

	// CommandTimeout bounds a single CLI invocation.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

func (c *CLIConfig) normalize() {
	if c.Binary == "" {
		c.Binary = "wavedeploy-cli"
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 2 * time.Minute
	}
}

// cliError is the structured error the platform CLI prints on failure.
type cliError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCodeMap translates CLI error codes to orchestration error codes.
// Unknown codes fall through to ErrCodeExecutorFailed.
var errorCodeMap = map[string]string{
	"storage_binding_mismatch": engine.ErrCodeStorageBindingMismatch,
	"storage_create_failed":    engine.ErrCodeStorageCreate,
	"migration_failed":         engine.ErrCodeMigration,
	"secret_distribution":      engine.ErrCodeSecretDistribution,
}

// CLIExecutor publishes deployments through the platform CLI.
type CLIExecutor struct {
	cfg    CLIConfig
	logger zerolog.Logger
}

// NewCLIExecutor returns a deployment executor wrapping the platform CLI.
func NewCLIExecutor(cfg CLIConfig, logger zerolog.Logger) *CLIExecutor {
	cfg.normalize()
	return &CLIExecutor{
		cfg:    cfg,
		logger: logger.With().Str("component", "cli-executor").Logger(),
	}
}

// Deploy publishes the domain's artifact and parses the CLI's JSON output.
func (e *CLIExecutor) Deploy(ctx context.Context, domain string, cfg *engine.ResolvedConfig) (*engine.DeploymentOutput, error) {
	args := []string{"deploy", "--domain", domain, "--environment", cfg.Environment, "--service", cfg.ServiceName, "--json"}
	for _, route := range cfg.Routes {
		args = append(args, "--route", route)
	}
	for _, binding := range cfg.StorageBindings {
		args = append(args, "--bind", fmt.Sprintf("%s=%s", binding.Binding, binding.Instance))
	}

	stdout, err := runCLI(ctx, e.cfg, e.logger, args...)
	if err != nil {
		return nil, err
	}

	var out engine.DeploymentOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return nil, engine.NewExecutionError(
			fmt.Sprintf("failed to parse deploy output for %s", domain), err,
		).WithCode(engine.ErrCodeExecutorFailed)
	}
	e.logger.Info().Str("domain", domain).Str("url", out.URL).Str("worker_id", out.WorkerID).Msg("deployment published")
	return &out, nil
}

// Remove deletes a previously published deployment.
func (e *CLIExecutor) Remove(ctx context.Context, domain string, deploymentID string) error {
	_, err := runCLI(ctx, e.cfg, e.logger, "remove", "--domain", domain, "--deployment-id", deploymentID, "--json")
	if err != nil {
		return err
	}
	e.logger.Info().Str("domain", domain).Str("deployment_id", deploymentID).Msg("deployment removed")
	return nil
}

// runCLI invokes the platform CLI and converts structured failures into
// classified errors. The CLI reports failures as a JSON object with "code"
// and "message" fields on stderr.
func runCLI(ctx context.Context, cfg CLIConfig, logger zerolog.Logger, args ...string) ([]byte, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, cfg.Binary, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug().Strs("args", args).Msg("invoking platform cli")
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return nil, engine.NewExecutionError(
			fmt.Sprintf("platform cli timed out after %s", cfg.CommandTimeout), cmdCtx.Err(),
		).WithCode(engine.ErrCodeTimeout)
	}

	var ce cliError
	if jsonErr := json.Unmarshal(stderr.Bytes(), &ce); jsonErr == nil && ce.Code != "" {
		code, ok := errorCodeMap[ce.Code]
		if !ok {
			code = engine.ErrCodeExecutorFailed
		}
		return nil, engine.NewExecutionError(ce.Message, err).
			WithCode(code).
			WithDetail("cli_code", ce.Code)
	}

	return nil, engine.NewExecutionError(
		fmt.Sprintf("platform cli failed: %s", firstLine(stderr.String())), err,
	).WithCode(engine.ErrCodeExecutorFailed)
}

// firstLine trims CLI stderr down to its first line for error messages.
func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

var _ engine.DeploymentExecutor = (*CLIExecutor)(nil)
