package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anyhost/sv2relay/internal/client"
	"github.com/anyhost/sv2relay/internal/common"
	"github.com/anyhost/sv2relay/internal/roles"
	"github.com/anyhost/sv2relay/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configFile    string
	logLevel      string
	listenAddr    string
	websocketAddr string
	securityMode  string
	staticKey     string
	upstreamAddr  string
	upstreamMode  string
	authorityKey  string
	databasePath  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sv2proxy",
	Short: "Mining proxy between downstreams and one upstream",
	Long: `sv2proxy pairs mining downstreams like a pool, and forwards their channel
opens to a single parent upstream, rewriting request ids so that requests
from different downstreams never collide on the shared connection.`,
	RunE: runProxy,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Address for downstream connections")
	rootCmd.Flags().StringVar(&websocketAddr, "websocket", "", "Address for WebSocket downstreams")
	rootCmd.Flags().StringVar(&securityMode, "security", "", "Downstream transport security (noise, plain)")
	rootCmd.Flags().StringVar(&staticKey, "static-key", "", "Hex encoded Noise private key")
	rootCmd.Flags().StringVarP(&upstreamAddr, "upstream", "u", "", "Parent address (host:port or ws:// URL)")
	rootCmd.Flags().StringVar(&upstreamMode, "upstream-security", "", "Parent transport security (noise, plain)")
	rootCmd.Flags().StringVar(&authorityKey, "authority-key", "", "Hex encoded public key the parent must present")
	rootCmd.Flags().StringVar(&databasePath, "db", "", "Path to the SQLite audit log")
}

func runProxy(cmd *cobra.Command, args []string) error {
	var cfg *common.ProxyConfig
	var err error

	if configFile != "" {
		cfg, err = common.LoadProxyConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = common.DefaultProxyConfig()
	}

	// Override with command line flags or environment variables
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if websocketAddr != "" {
		cfg.WebSocketAddr = websocketAddr
	}
	if securityMode != "" {
		cfg.Security.Mode = securityMode
	}
	if staticKey != "" {
		cfg.Security.StaticKey = staticKey
	}
	if envKey := os.Getenv("SV2_STATIC_KEY"); envKey != "" && cfg.Security.StaticKey == "" {
		cfg.Security.StaticKey = envKey
	}
	if upstreamAddr != "" {
		cfg.Upstream.Addr = upstreamAddr
	}
	if upstreamMode != "" {
		cfg.Upstream.Mode = upstreamMode
	}
	if authorityKey != "" {
		cfg.Upstream.AuthorityKey = authorityKey
	}
	if databasePath != "" {
		cfg.DatabasePath = databasePath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := common.NewLogger(cfg.LogLevel)
	if configFile != "" {
		logger.Info("loaded configuration", slog.String("file", configFile))
	}

	sec, err := server.SecurityFromConfig(cfg.Security, cfg.Timeouts.HandshakeTimeout)
	if err != nil {
		return err
	}

	upstreamCfg, err := client.ConfigFromProxy(cfg)
	if err != nil {
		return err
	}
	var reconnector *client.Reconnector
	if cfg.Reconnect.Enabled {
		reconnector = client.NewReconnector(cfg.Reconnect, logger)
	}
	upstream := client.NewUpstream(upstreamCfg, reconnector, logger)

	base, err := server.BaseUpstreamFromConfig(cfg.UpstreamID, cfg.Capabilities)
	if err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	proxy := server.NewProxy(base, server.NewRegistry(), roles.Some(upstream))

	srv, err := server.NewServer(server.Options{
		ListenAddr:    cfg.ListenAddr,
		WebSocketAddr: cfg.WebSocketAddr,
		Security:      sec,
		ControlPlane: server.ControlPlaneConfig{
			Security:         sec,
			HandshakeTimeout: cfg.Timeouts.HandshakeTimeout,
			IdleTimeout:      cfg.Timeouts.IdleTimeout,
			MaxInflightOpens: cfg.Limits.MaxInflightOpens,
		},
		DatabasePath: cfg.DatabasePath,
	}, proxy, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Losing the parent for good takes the proxy down with it.
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return upstream.Run(ctx)
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
