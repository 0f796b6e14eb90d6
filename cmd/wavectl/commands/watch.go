package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	wavepolicy "github.com/wavedeploy/wavedeploy/pkg/policy"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch policy files and hot-reload them",
		Long: `Watch the configured policy paths and reload policies on change.

Runs until interrupted. Loaded policies replace previously loaded ones;
built-in policies stay active throughout.`,
		Example: `  # Watch the configured policy paths
  wavectl watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if len(rt.cfg.PolicyPaths) == 0 {
				return fmt.Errorf("no policy paths configured")
			}

			loader := wavepolicy.NewLoader(rt.logger)
			defer loader.StopWatching()

			err = loader.Watch(ctx, rt.cfg.PolicyPaths, func(policies []wavepolicy.Policy) error {
				return rt.policies.ReplaceLoadedPolicies(policies)
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}

	return cmd
}
