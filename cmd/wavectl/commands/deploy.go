package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
	"github.com/wavedeploy/wavedeploy/pkg/telemetry"
)

func newDeployCommand() *cobra.Command {
	var (
		portfolioFile     string
		domain            string
		parallelism       int
		dryRun            bool
		rollbackOnFailure bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a portfolio of domains",
		Long: `Deploy every domain in the portfolio in dependency order.

This command:
  - Discovers the portfolio from the configured sources
  - Validates policies and the dependency graph
  - Provisions shared resources once
  - Deploys domains in parallel batches
  - Verifies deployed domains and rolls back on failure (if enabled)`,
		Example: `  # Deploy the configured portfolio
  wavectl deploy

  # Deploy from an explicit portfolio file with limited parallelism
  wavectl deploy --portfolio portfolio.yaml --parallelism 2

  # Deploy a single domain
  wavectl deploy --domain shop.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if portfolioFile != "" {
				cfg.PortfolioFile = portfolioFile
			}
			if parallelism > 0 {
				cfg.Deploy.Options.Parallelism = parallelism
			}
			if cmd.Flags().Changed("rollback-on-failure") {
				cfg.Deploy.RollbackOnFailure = rollbackOnFailure
			}
			cfg.Deploy.Options.DryRun = dryRun

			rt, err := newRuntimeWith(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if rt.cfg.Telemetry.MetricsEnabled {
				go func() {
					if err := rt.metrics.Serve(ctx, rt.logger); err != nil {
						rt.logger.Warn().Err(err).Msg("metrics endpoint failed")
					}
				}()
			}

			domains, failures := rt.coordinator.DiscoverPortfolio(ctx)
			for source, err := range failures {
				rt.logger.Warn().Err(err).Str("source", source).Msg("discovery source failed")
			}

			if domain != "" {
				return runSingleDomainDeploy(cmd, rt, domains, domain)
			}

			spanCtx, span := rt.tracer.StartCoordinationSpan(ctx, rt.states.OrchestrationID(), len(domains))
			coordination, err := rt.coordinator.CoordinateMultiDomainDeployment(spanCtx, domains)
			if err != nil {
				telemetry.RecordError(span, err)
				span.End()
				printCoordination(coordination)
				return err
			}
			telemetry.RecordSuccess(span)
			span.End()
			printCoordination(coordination)

			if coordination.Status != engine.CoordinationStatusSuccess {
				return fmt.Errorf("deployment finished with status %s", coordination.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&portfolioFile, "portfolio", "p", "", "portfolio file (overrides config)")
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "deploy a single domain instead of the portfolio")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max domains deployed concurrently per batch")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "skip side effects")
	cmd.Flags().BoolVar(&rollbackOnFailure, "rollback-on-failure", false, "roll back deployed domains when any domain fails")

	return cmd
}

// runSingleDomainDeploy initializes the full portfolio (dependencies must be
// known) but runs only the requested domain's pipeline.
func runSingleDomainDeploy(cmd *cobra.Command, rt *runtime, domains []engine.DomainDescriptor, domain string) error {
	ctx := cmd.Context()

	if err := rt.orch.Initialize(ctx, domains); err != nil {
		return err
	}
	spanCtx, span := rt.tracer.StartDomainSpan(ctx, domain, "")
	result := rt.orch.DeploySingleDomain(spanCtx, domain)
	if result.Err != nil {
		telemetry.RecordError(span, result.Err)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()

	if jsonOutput {
		return printJSON(result)
	}
	if result.Err != nil {
		fmt.Printf("domain %s failed in phase %s: %v\n", result.Domain, result.FailedPhase, result.Err)
		return fmt.Errorf("deployment of %s failed", domain)
	}
	fmt.Printf("domain %s deployed: %s (%.1fs)\n", result.Domain, result.URL, result.Duration.Seconds())
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	return nil
}

// printCoordination renders the coordination outcome.
func printCoordination(c *engine.Coordination) {
	if c == nil {
		return
	}
	if jsonOutput {
		_ = printJSON(c)
		return
	}

	fmt.Printf("coordination %s: %s\n", c.CoordinationID, c.Status)
	fmt.Printf("  total:       %d\n", c.Metrics.Total)
	fmt.Printf("  succeeded:   %d\n", c.Metrics.Succeeded)
	fmt.Printf("  failed:      %d\n", c.Metrics.Failed)
	fmt.Printf("  rolled back: %d\n", c.Metrics.RolledBack)
	fmt.Printf("  duration:    %s\n", c.Metrics.Duration)
	for _, d := range c.Results.Failed {
		fmt.Printf("  failed domain: %s\n", d)
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
