package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/spf13/cobra"
)

func init() {
	credentialsCmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Inspect and manage cached provider credentials",
	}
	credentialsCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	var force bool
	loginCmd := &cobra.Command{
		Use:   "login <provider>",
		Short: "Acquire a credential for a provider and cache it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			svc, err := rt.Service()
			if err != nil {
				return err
			}
			if _, ok := svc.Registry().Get(args[0]); !ok {
				return fmt.Errorf("provider %q is not configured or not enabled", args[0])
			}
			c, err := rt.acquirer.Acquire(ctx, args[0], force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: token %s, %d cookie(s), acquired %s\n",
				args[0], credential.Redact(c.BearerToken), len(c.Cookies), c.AcquiredAt.Format(time.RFC3339))
			return nil
		},
	}
	loginCmd.Flags().BoolVar(&force, "force", false, "Log in even when the cached credential is still fresh")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "List cached credentials and their freshness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.Service(); err != nil {
				return err
			}
			return printCredentials(ctx, cmd, rt.store, rt.acquirer)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear [provider...]",
		Short: "Forget cached credentials (all when no provider is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			names := args
			if len(names) == 0 {
				names = rt.store.Providers(ctx)
			}
			for _, name := range names {
				rt.store.Clear(ctx, name)
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", name)
			}
			return nil
		},
	}

	credentialsCmd.AddCommand(loginCmd, showCmd, clearCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func printCredentials(ctx context.Context, cmd *cobra.Command, store *credential.Store, acq *credential.Acquirer) error {
	names := store.Providers(ctx)
	slices.Sort(names)
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tACQUIRED\tAGE\tFRESH\tTOKEN\tCOOKIES")
	now := store.Now()
	for _, name := range names {
		c, ok := store.Get(ctx, name)
		if !ok {
			continue
		}
		fresh := "?"
		if policy, ok := acq.Policy(name); ok {
			fresh = fmt.Sprint(c.Fresh(now, policy.MaxAge))
		}
		cookies := make([]string, 0, len(c.Cookies))
		for k := range c.Cookies {
			cookies = append(cookies, k)
		}
		slices.Sort(cookies)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			name,
			c.AcquiredAt.Format(time.RFC3339),
			now.Sub(c.AcquiredAt).Round(time.Second),
			fresh,
			credential.Redact(c.BearerToken),
			strings.Join(cookies, ","),
		)
	}
	return tw.Flush()
}
