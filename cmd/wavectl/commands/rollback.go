package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
	"github.com/wavedeploy/wavedeploy/pkg/platform"
	"github.com/wavedeploy/wavedeploy/pkg/stores"
	"github.com/wavedeploy/wavedeploy/pkg/telemetry"
)

func newRollbackCommand() *cobra.Command {
	var (
		runID  string
		domain string
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Remove deployments recorded for a past run",
		Long: `Remove deployments recorded in the state database for a finished run.

Deployed domains are removed in reverse of their recorded deployment
order and their secrets revoked. One domain's failure never stops the
rest.`,
		Example: `  # Roll back every deployed domain of a run
  wavectl rollback --run orch-20260824T101500-ab12cd34

  # Roll back a single domain
  wavectl rollback --run orch-20260824T101500-ab12cd34 --domain shop.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
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
				return err
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.StatePath})
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			var states []*engine.DomainDeploymentState
			if domain != "" {
				st, err := store.GetDomainState(ctx, runID, domain)
				if err != nil {
					return err
				}
				states = append(states, st)
			} else {
				states, err = store.ListDomainStates(ctx, runID)
				if err != nil {
					return err
				}
			}

			executor := platform.NewCLIExecutor(cfg.Platform, logger)
			secrets, err := platform.NewFileSecretDistributor(cfg.SecretsDir, logger)
			if err != nil {
				return err
			}

			// Latest deployments go first.
			removed, failed := 0, 0
			for i := len(states) - 1; i >= 0; i-- {
				st := states[i]
				if st.Status != engine.DomainStatusSucceeded || st.DeploymentID == "" {
					continue
				}
				if err := executor.Remove(ctx, st.Domain, st.DeploymentID); err != nil {
					logger.Error().Err(err).Str("domain", st.Domain).Msg("deployment removal failed")
					failed++
					continue
				}
				if err := secrets.Revoke(ctx, st.Domain); err != nil {
					logger.Warn().Err(err).Str("domain", st.Domain).Msg("secret revocation failed")
				}
				st.Status = engine.DomainStatusRolledBack
				if err := store.SaveDomainState(ctx, runID, st); err != nil {
					logger.Warn().Err(err).Str("domain", st.Domain).Msg("state update failed")
				}
				removed++
			}

			fmt.Printf("rolled back %d deployment(s), %d failure(s)\n", removed, failed)
			if failed > 0 {
				return fmt.Errorf("rollback finished with %d failure(s)", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "orchestration run identifier")
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "roll back a single domain")
	cmd.MarkFlagRequired("run")

	return cmd
}
