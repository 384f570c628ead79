package cmd

import (
	"github.com/spf13/cobra"
)

func newCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Runs the archive collector until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			collector, err := appInstance.Collector()
			if err != nil {
				return err
			}
			collector.Run(cmd.Context())
			return nil
		},
	}
}
