package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wavedeploy/wavedeploy/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var portfolioFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the portfolio without deploying",
		Long: `Validate the portfolio against prerequisites and policies.

This command:
  - Discovers the portfolio from the configured sources
  - Checks per-domain prerequisites (descriptor shape, bindings, self-dependencies)
  - Builds the dependency graph and rejects cycles
  - Evaluates compatibility policies against the whole portfolio`,
		Example: `  # Validate the configured portfolio
  wavectl validate

  # Validate an explicit portfolio file
  wavectl validate --portfolio portfolio.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if portfolioFile != "" {
				cfg.PortfolioFile = portfolioFile
			}

			rt, err := newRuntimeWith(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			domains, failures := rt.coordinator.DiscoverPortfolio(ctx)
			for source, err := range failures {
				fmt.Printf("warning: source %s failed: %v\n", source, err)
			}
			if len(domains) == 0 {
				return fmt.Errorf("no domains discovered")
			}

			issues := 0
			for i := range domains {
				report := rt.resolver.ValidatePrerequisites(ctx, &domains[i])
				for _, issue := range report.Issues {
					fmt.Printf("  %s: %s\n", domains[i].Name, issue)
					issues++
				}
			}

			if _, err := rt.coordinator.BuildDependencyGraph(domains); err != nil {
				fmt.Printf("  graph: %v\n", err)
				issues++
			}

			result, err := rt.policies.EvaluatePortfolio(ctx, domains, &policy.Context{
				Environment: rt.cfg.Environment,
				Operation:   "validate",
			})
			if err != nil {
				return err
			}
			for _, v := range result.Violations {
				fmt.Printf("  policy %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
				if v.Severity == policy.SeverityError || v.Severity == policy.SeverityCritical {
					issues++
				}
			}

			if issues > 0 {
				return fmt.Errorf("validation failed with %d issue(s)", issues)
			}
			fmt.Println(validationSummary(len(domains), result.EvaluatedPolicies))
			return nil
		},
	}

	cmd.Flags().StringVarP(&portfolioFile, "portfolio", "p", "", "portfolio file (overrides config)")

	return cmd
}

// validationSummary renders the success line for a clean portfolio.
func validationSummary(domains int, evaluated []string) string {
	return fmt.Sprintf("portfolio valid: %d domain(s), %d policies evaluated", domains, len(evaluated))
}
