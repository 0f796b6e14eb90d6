package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wavedeploy/wavedeploy/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		runID     string
		showAudit bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded deployment state",
		Long: `Show orchestration runs recorded in the state database.

Without --run, recent runs are listed. With --run, the per-domain state
snapshots of that run are shown, optionally with the audit trail.`,
		Example: `  # List recent runs
  wavectl status

  # Show one run's domain states
  wavectl status --run orch-20260824T101500-ab12cd34

  # Include the audit trail
  wavectl status --run orch-20260824T101500-ab12cd34 --audit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(configPath)
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

			if runID == "" {
				runs, err := store.ListRuns(ctx, 20)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}
				if len(runs) == 0 {
					fmt.Println("no recorded runs")
					return nil
				}
				for _, run := range runs {
					fmt.Printf("%s  domains=%d  updated=%s\n",
						run.OrchestrationID, run.Domains, run.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			states, err := store.ListDomainStates(ctx, runID)
			if err != nil {
				return err
			}
			if jsonOutput && !showAudit {
				return printJSON(states)
			}

			if !jsonOutput {
				fmt.Printf("run %s: %d domain(s)\n", runID, len(states))
				for _, st := range states {
					line := fmt.Sprintf("  %-40s %s", st.Domain, st.Status)
					if st.FailedPhase != "" {
						line += fmt.Sprintf(" failed_phase=%s", st.FailedPhase)
					}
					if st.DeployedURL != "" {
						line += fmt.Sprintf(" url=%s", st.DeployedURL)
					}
					fmt.Println(line)
					for _, w := range st.Warnings {
						fmt.Printf("    warning: %s\n", w)
					}
					for _, e := range st.Errors {
						fmt.Printf("    error: %s\n", e)
					}
				}
			}

			if showAudit {
				events, err := store.ListAudit(ctx, runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(struct {
						States interface{} `json:"states"`
						Audit  interface{} `json:"audit"`
					}{states, events})
				}
				fmt.Printf("audit trail: %d event(s)\n", len(events))
				for _, ev := range events {
					domain := ev.Domain
					if domain == "" {
						domain = "-"
					}
					fmt.Printf("  %4d %-28s %-40s %s\n",
						ev.Sequence, ev.Event, domain, ev.Timestamp.Format("15:04:05.000"))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "orchestration run identifier")
	cmd.Flags().BoolVar(&showAudit, "audit", false, "include the audit trail")

	return cmd
}
