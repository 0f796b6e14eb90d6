package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newDiscoverCommand() *cobra.Command {
	var (
		portfolioFile string
		graphOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover the portfolio and show the deployment order",
		Long: `Discover domains from the configured sources and show the
dependency-ordered deployment plan without deploying anything.`,
		Example: `  # Show the portfolio and its deployment order
  wavectl discover

  # Emit the dependency graph as Graphviz DOT
  wavectl discover --graph | dot -Tsvg -o graph.svg`,
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

			graph, err := rt.coordinator.BuildDependencyGraph(domains)
			if err != nil {
				return err
			}

			if graphOutput {
				fmt.Println(graph.ToDOT())
				return nil
			}
			if jsonOutput {
				return printJSON(struct {
					Domains interface{} `json:"domains"`
					Order   []string    `json:"order"`
				}{domains, graph.Order})
			}

			fmt.Printf("discovered %d domain(s)\n", len(domains))
			for _, d := range domains {
				line := fmt.Sprintf("  %s [%s] source=%s", d.Name, d.Environment, d.Source)
				if len(d.DependsOn) > 0 {
					line += " depends_on=" + strings.Join(d.DependsOn, ",")
				}
				fmt.Println(line)
			}
			fmt.Printf("deployment order: %s\n", strings.Join(graph.Order, " -> "))
			return nil
		},
	}

	cmd.Flags().StringVarP(&portfolioFile, "portfolio", "p", "", "portfolio file (overrides config)")
	cmd.Flags().BoolVar(&graphOutput, "graph", false, "emit the dependency graph as Graphviz DOT")

	return cmd
}
