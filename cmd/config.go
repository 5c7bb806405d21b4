package cmd

import (
	"fmt"
	"os"

	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the server configuration",
	}
	configCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a config listing every built-in provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists", configPath)
			}
			if _, err := config.LoadOrCreateServerConfig(configPath, seedProviders); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets removed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv(".env")
			if err != nil {
				return err
			}
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return err
			}
			if err := env.Apply(cfg); err != nil {
				return err
			}
			for i := range cfg.Providers {
				p := &cfg.Providers[i]
				p.Password = redactSet(p.Password)
				p.Token = redactSet(p.Token)
				for k := range p.Cookies {
					p.Cookies[k] = redactSet(p.Cookies[k])
				}
			}
			if cfg.Credentials.DatabaseURL != "" {
				cfg.Credentials.DatabaseURL = redactSet(cfg.Credentials.DatabaseURL)
			}
			for i := range cfg.IncomingAPIKeys {
				cfg.IncomingAPIKeys[i] = redactSet(cfg.IncomingAPIKeys[i])
			}
			enc := toml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndentTables(true)
			return enc.Encode(cfg)
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath)
		},
	})

	rootCmd.AddCommand(configCmd)
}

func redactSet(s string) string {
	if s == "" {
		return ""
	}
	return "<redacted>"
}
