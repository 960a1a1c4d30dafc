package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metertun/metertun/internal/client"
	"github.com/metertun/metertun/internal/runtime"
	"github.com/metertun/metertun/internal/tunnel"
	"github.com/metertun/metertun/internal/version"
)

func Execute() error {
	opts := &runtime.Options{
		LogLevel: "info",
	}
	cmd := newRootCommand(opts)
	return cmd.Execute()
}

func newRootCommand(opts *runtime.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "metertun",
		Short:        "Authenticated, metered binary-protocol tunnel over WebSocket",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.SetupLogger()
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.JSONLogs, "json-logs", false, "emit logs in JSON format")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")

	cmd.AddCommand(tunnel.NewCommand(opts))
	cmd.AddCommand(client.NewCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	})

	return cmd
}
