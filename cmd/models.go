package cmd

import (
	"fmt"

	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/spf13/cobra"
)

func init() {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List the model ids clients can request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			svc, err := rt.Service()
			if err != nil {
				return err
			}
			for _, m := range svc.Models() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", m.ID, m.OwnedBy)
			}
			return nil
		},
	}
	modelsCmd.Flags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(modelsCmd)
}
