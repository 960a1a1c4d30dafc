package client

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/metertun/metertun/internal/config"
	"github.com/metertun/metertun/internal/runtime"
	"github.com/metertun/metertun/internal/util"
)

type clientOptions struct {
	server     string
	account    string
	listen     string
	target     string
	socksProxy string
}

func NewCommand(globals *runtime.Options) *cobra.Command {
	opts := &clientOptions{
		server:  config.GetStringEnv("METERTUN_SERVER", "ws://127.0.0.1:8443/tunnel"),
		account: config.GetStringEnv("METERTUN_ACCOUNT", ""),
		listen:  "127.0.0.1:1080",
	}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Forward a local TCP port through a metertun server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globals.Logger() == nil {
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := util.WithSignalContext(ctx)
			defer stop()

			forwarder, err := NewForwarder(globals.Logger().With("component", "client"), opts)
			if err != nil {
				return err
			}
			return forwarder.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", opts.server, "tunnel endpoint URL (ws:// or wss://)")
	cmd.Flags().StringVar(&opts.account, "account", opts.account, "account id (UUID)")
	cmd.Flags().StringVar(&opts.listen, "listen", opts.listen, "local listen address")
	cmd.Flags().StringVar(&opts.target, "target", opts.target, "target host:port reached through the tunnel")
	cmd.Flags().StringVar(&opts.socksProxy, "socks-proxy", opts.socksProxy, "optional SOCKS5 proxy for reaching the server")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}
