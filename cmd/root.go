package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/chatbridge/pkg/logutil"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "OpenAI-compatible proxy for web chat providers",
	Long:  "chatbridge serves the OpenAI chat completions API on top of the Z.AI, Qwen, K2Think, Grok and LongCat web chats.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "", "Log level (trace, debug, info, warn, error); defaults to log_level from config")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := logutil.Configure(logLevel); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			log.Warn("running as root")
		}
		return nil
	}
}
