// Package main provides the CLI entry point for Tunnelbana.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/tunnelbana/internal/config"
	"github.com/postalsys/tunnelbana/internal/console"
	"github.com/postalsys/tunnelbana/internal/logging"
	"github.com/postalsys/tunnelbana/internal/metrics"
	"github.com/postalsys/tunnelbana/internal/relay"
	"github.com/postalsys/tunnelbana/internal/server"
	"github.com/postalsys/tunnelbana/internal/tunnel"
)

// Version is set at build time.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "tunnelbana",
		Short: "Tunnelbana - Reverse SOCKS5 proxy over a multiplexed tunnel",
		Long: `Tunnelbana turns one outbound connection into a SOCKS5 proxy at the
other end. The server listens for a relay to dial in, then serves SOCKS5
clients locally; every client session rides its own channel over the single
tunnel transport, and the relay dials the actual targets from its own
network position.`,
		Version: Version,
	}

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		tunnelAddr  string
		socksAddr   string
		transportK  string
		certFile    string
		keyFile     string
		metricsAddr string
		useConsole  bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the server role",
		Long: `Listen for a relay on the tunnel address and serve SOCKS5 clients on
the SOCKS address. The process exits when the tunnel tears down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			if cmd.Flags().Changed("tunnel-addr") {
				cfg.Server.TunnelAddress = tunnelAddr
			}
			if cmd.Flags().Changed("socks-addr") {
				cfg.Server.SOCKSAddress = socksAddr
			}
			if cmd.Flags().Changed("transport") {
				cfg.Server.Transport = transportK
			}
			if cmd.Flags().Changed("cert") {
				cfg.Server.TLS.Cert = certFile
			}
			if cmd.Flags().Changed("key") {
				cfg.Server.TLS.Key = keyFile
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Address = metricsAddr
			}
			if cmd.Flags().Changed("console") {
				cfg.Console.Enabled = useConsole
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			mx := metrics.Default()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Enabled {
				startMetrics(ctx, cfg.Metrics.Address, mx, logger)
			}

			srv := server.New(cfg, logger, mx)

			if cfg.Console.Enabled {
				go console.New(srv.Tunnel, logger, mx).Run(ctx)
			}

			return runResult(srv.Run(ctx))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	cmd.Flags().StringVar(&tunnelAddr, "tunnel-addr", ":4433", "Address to listen on for the relay")
	cmd.Flags().StringVar(&socksAddr, "socks-addr", "127.0.0.1:1080", "Address to serve SOCKS5 clients on")
	cmd.Flags().StringVar(&transportK, "transport", "tls", "Tunnel transport (tcp, tls, ws, quic)")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS private key file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&useConsole, "console", false, "Enable the SIGQUIT operator console")

	return cmd
}

func relayCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		serverAddr  string
		transportK  string
		caFile      string
		serverName  string
		insecure    bool
		dialTimeout time.Duration
		metricsAddr string
		useConsole  bool
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay role",
		Long: `Dial out to a server and serve its channels: negotiate SOCKS5 over
each channel and proxy to the requested targets from this host.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			if cmd.Flags().Changed("connect") {
				cfg.Relay.ServerAddress = serverAddr
			}
			if cmd.Flags().Changed("transport") {
				cfg.Relay.Transport = transportK
			}
			if cmd.Flags().Changed("ca") {
				cfg.Relay.TLS.CA = caFile
			}
			if cmd.Flags().Changed("server-name") {
				cfg.Relay.TLS.ServerName = serverName
			}
			if cmd.Flags().Changed("insecure") {
				cfg.Relay.TLS.InsecureSkipVerify = insecure
			}
			if cmd.Flags().Changed("dial-timeout") {
				cfg.Relay.DialTimeout = dialTimeout
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Address = metricsAddr
			}
			if cmd.Flags().Changed("console") {
				cfg.Console.Enabled = useConsole
			}
			if cfg.Relay.ServerAddress == "" {
				return fmt.Errorf("server address required (--connect or config)")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			mx := metrics.Default()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Enabled {
				startMetrics(ctx, cfg.Metrics.Address, mx, logger)
			}

			r := relay.New(cfg, logger, mx)

			if cfg.Console.Enabled {
				go console.New(func() *tunnel.Tunnel {
					return r.Tunnel(ctx)
				}, logger, mx).Run(ctx)
			}

			return runResult(r.Run(ctx))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	cmd.Flags().StringVar(&serverAddr, "connect", "", "Server address to dial")
	cmd.Flags().StringVar(&transportK, "transport", "tls", "Tunnel transport (tcp, tls, ws, quic)")
	cmd.Flags().StringVar(&caFile, "ca", "", "CA certificate for server verification")
	cmd.Flags().StringVar(&serverName, "server-name", "", "Expected server certificate name")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Skip server certificate verification")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 30*time.Second, "Timeout for server and target dials")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&useConsole, "console", false, "Enable the SIGQUIT operator console")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tunnelbana %s\n", Version)
		},
	}
}

// loadConfig reads the config file, or returns the defaults when none is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// runResult maps the expected shutdown path (SIGINT cancelling the context)
// to a clean exit.
func runResult(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startMetrics serves the Prometheus endpoint until ctx is cancelled.
func startMetrics(ctx context.Context, addr string, mx *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mx.Registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint listening", logging.KeyAddress, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", logging.KeyError, err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
