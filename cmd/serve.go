package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/logutil"
	"github.com/lkarlslund/chatbridge/pkg/proxy"
	"github.com/lkarlslund/chatbridge/pkg/version"
	"github.com/spf13/cobra"
)

const logTailBacklog = 500

var (
	serveListenAddrOverride   string
	serveAllowLocalhostNoAuth bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			overrides := func(cfg *config.ServerConfig) {
				if cmd.Flags().Changed("listen-addr") {
					cfg.ListenAddr = serveListenAddrOverride
				}
				if cmd.Flags().Changed("allow-localhost-no-auth") {
					cfg.AllowLocalhostNoAuth = serveAllowLocalhostNoAuth
				}
			}
			overrides(rt.cfg)

			svc, err := rt.Service()
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}
			hub := logutil.NewHub(logTailBacklog)
			logutil.SetOutputTee(hub)
			defer logutil.SetOutputTee(nil)

			store := config.NewServerConfigStore(configPath, rt.cfg)
			srv := proxy.NewServer(store, svc, hub)

			go func() {
				err := config.Watch(ctx, configPath, func(cfg *config.ServerConfig) {
					if err := rt.env.Apply(cfg); err != nil {
						log.Error("config reload rejected", "err", err)
						return
					}
					overrides(cfg)
					if err := svc.Reload(*cfg); err != nil {
						log.Error("config reload failed", "err", err)
						return
					}
					store.Replace(cfg)
					svc.Health().Trigger()
					log.Info("config reloaded", "providers", len(cfg.EnabledProviders()))
				})
				if err != nil && ctx.Err() == nil {
					log.Warn("config watcher stopped", "err", err)
				}
			}()

			log.Info("starting chatbridge", "version", version.String(), "config", configPath)
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().BoolVar(&serveAllowLocalhostNoAuth, "allow-localhost-no-auth", false, "Override allow_localhost_no_auth in config")
	rootCmd.AddCommand(serveCmd)
}
