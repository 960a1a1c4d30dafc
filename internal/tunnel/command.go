package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/metertun/metertun/internal/config"
	"github.com/metertun/metertun/internal/observability"
	"github.com/metertun/metertun/internal/runtime"
	"github.com/metertun/metertun/internal/store"
	"github.com/metertun/metertun/internal/util"
)

func NewCommand(globals *runtime.Options) *cobra.Command {
	opts := &serveOptions{
		listen:        config.GetStringEnv("METERTUN_LISTEN", ":8443"),
		tunnelPath:    "/tunnel",
		maxFrame:      32 * 1024,
		maxConns:      config.GetIntEnv("METERTUN_MAX_CONNS", 0),
		headerTimeout: config.GetDurationEnv("METERTUN_HEADER_TIMEOUT", 10*time.Second),
		dialTimeout:   10 * time.Second,
		flushInterval: config.GetDurationEnv("METERTUN_FLUSH_INTERVAL", 10*time.Second),
		sessionIDMode: "uuid",
		storeBackend:  config.GetStringEnv("METERTUN_STORE", "memory"),
		sqlitePath:    "metertun.db",
		redisAddr:     config.GetStringEnv("METERTUN_REDIS_ADDR", "127.0.0.1:6379"),
		redisPassword: config.GetStringEnv("METERTUN_REDIS_PASSWORD", ""),
		traceExporter: "stdout",
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the metered tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globals.Logger() == nil {
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}
			logger := globals.Logger().With("component", "tunnel")

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := util.WithSignalContext(ctx)
			defer stop()

			shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
				Enabled:     opts.traceEnabled,
				Exporter:    opts.traceExporter,
				ServiceName: "metertun",
				Endpoint:    opts.traceEndpoint,
				Insecure:    opts.traceInsecure,
			})
			if err != nil {
				return err
			}
			defer func() {
				_ = shutdownTracing(context.Background())
			}()

			st, err := openStore(ctx, opts, logger)
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			server, err := newServer(logger, opts, st, nil)
			if err != nil {
				return err
			}
			return server.run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", opts.listen, "listen address for the tunnel endpoint")
	cmd.Flags().StringVar(&opts.tunnelPath, "path", opts.tunnelPath, "HTTP path accepting tunnel upgrades")
	cmd.Flags().IntVar(&opts.maxFrame, "max-frame", opts.maxFrame, "relay buffer size in bytes")
	cmd.Flags().IntVar(&opts.maxConns, "max-conns", opts.maxConns, "maximum concurrent tunnel connections (0 disables)")
	cmd.Flags().DurationVar(&opts.headerTimeout, "header-timeout", opts.headerTimeout, "bounded wait for the first complete request header")
	cmd.Flags().DurationVar(&opts.dialTimeout, "dial-timeout", opts.dialTimeout, "timeout for upstream TCP dials")
	cmd.Flags().DurationVar(&opts.flushInterval, "flush-interval", opts.flushInterval, "interval between usage counter flushes")
	cmd.Flags().BoolVar(&opts.trustProxy, "trust-proxy", opts.trustProxy, "trust X-Forwarded-For for source address quotas")
	cmd.Flags().StringVar(&opts.sessionIDMode, "session-id-mode", opts.sessionIDMode, "session identifier generator (uuid or cuid)")

	cmd.Flags().StringVar(&opts.storeBackend, "store", opts.storeBackend, "account store backend (memory, sqlite or redis)")
	cmd.Flags().StringVar(&opts.accountsFile, "accounts", opts.accountsFile, "YAML file with account definitions to seed into the store")
	cmd.Flags().StringVar(&opts.sqlitePath, "sqlite-path", opts.sqlitePath, "path of the SQLite database for --store=sqlite")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", opts.redisAddr, "redis address for --store=redis")
	cmd.Flags().StringVar(&opts.redisUsername, "redis-username", opts.redisUsername, "redis username")
	cmd.Flags().StringVar(&opts.redisPassword, "redis-password", opts.redisPassword, "redis password")
	cmd.Flags().IntVar(&opts.redisDB, "redis-db", opts.redisDB, "redis database number")

	cmd.Flags().StringSliceVar(&opts.acmeHosts, "acme-host", nil, "hostnames for Let's Encrypt certificates (repeatable; enables TLS)")
	cmd.Flags().StringVar(&opts.acmeEmail, "acme-email", opts.acmeEmail, "contact email for Let's Encrypt registration")
	cmd.Flags().StringVar(&opts.acmeCache, "acme-cache", opts.acmeCache, "directory for ACME certificate cache")
	cmd.Flags().StringVar(&opts.acmeHTTPAddr, "acme-http", opts.acmeHTTPAddr, "optional listen address for ACME HTTP-01 challenges (e.g. :80)")

	cmd.Flags().BoolVar(&opts.traceEnabled, "trace", opts.traceEnabled, "enable OpenTelemetry tracing")
	cmd.Flags().StringVar(&opts.traceExporter, "trace-exporter", opts.traceExporter, "trace exporter (stdout, otlp-grpc or otlp-http)")
	cmd.Flags().StringVar(&opts.traceEndpoint, "trace-endpoint", opts.traceEndpoint, "OTLP endpoint override")
	cmd.Flags().BoolVar(&opts.traceInsecure, "trace-insecure", opts.traceInsecure, "disable TLS towards the OTLP endpoint")

	return cmd
}

type accountWriter interface {
	PutAccount(ctx context.Context, acct store.Account) error
}

func openStore(ctx context.Context, opts *serveOptions, logger *slog.Logger) (store.Store, error) {
	var seed []store.Account
	if opts.accountsFile != "" {
		accounts, err := store.LoadSeed(opts.accountsFile)
		if err != nil {
			return nil, err
		}
		seed = accounts
	}

	var (
		st  store.Store
		err error
	)
	switch opts.storeBackend {
	case "", "memory":
		return store.NewMemoryStore(seed...), nil
	case "sqlite":
		st, err = store.OpenSQLite(opts.sqlitePath)
	case "redis":
		st, err = store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     opts.redisAddr,
			Username: opts.redisUsername,
			Password: opts.redisPassword,
			DB:       opts.redisDB,
		})
	default:
		return nil, fmt.Errorf("unsupported store backend %q (use memory, sqlite or redis)", opts.storeBackend)
	}
	if err != nil {
		return nil, err
	}

	if len(seed) > 0 {
		writer, ok := st.(accountWriter)
		if !ok {
			_ = st.Close()
			return nil, fmt.Errorf("store backend %q cannot seed accounts", opts.storeBackend)
		}
		for _, acct := range seed {
			if err := writer.PutAccount(ctx, acct); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("seed account %s: %w", acct.ID, err)
			}
		}
		logger.Info("seeded accounts", "count", len(seed), "backend", opts.storeBackend)
	}

	return st, nil
}
