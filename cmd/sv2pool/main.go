package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anyhost/sv2relay/internal/common"
	"github.com/anyhost/sv2relay/internal/network"
	"github.com/anyhost/sv2relay/internal/server"
	"github.com/spf13/cobra"
)

var (
	configFile    string
	logLevel      string
	listenAddr    string
	websocketAddr string
	securityMode  string
	staticKey     string
	databasePath  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sv2pool",
	Short: "Terminal mining upstream",
	Long: `sv2pool accepts mining downstreams, negotiates protocol version and
feature flags with each of them, and answers their channel opens itself.`,
	RunE: runPool,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a Noise static key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := network.GenerateStaticKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "static_key:    %s\nauthority_key: %s\n", key.PrivateHex(), key.PublicHex())
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Address for downstream connections")
	rootCmd.Flags().StringVar(&websocketAddr, "websocket", "", "Address for WebSocket downstreams")
	rootCmd.Flags().StringVar(&securityMode, "security", "", "Transport security (noise, plain)")
	rootCmd.Flags().StringVar(&staticKey, "static-key", "", "Hex encoded Noise private key")
	rootCmd.Flags().StringVar(&databasePath, "db", "", "Path to the SQLite audit log")
	rootCmd.AddCommand(keygenCmd)
}

func runPool(cmd *cobra.Command, args []string) error {
	var cfg *common.PoolConfig
	var err error

	if configFile != "" {
		cfg, err = common.LoadPoolConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = common.DefaultPoolConfig()
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
	if sec.StaticKey != nil {
		logger.Info("noise authority key", slog.String("public_key", sec.StaticKey.PublicHex()))
	}

	base, err := server.BaseUpstreamFromConfig(cfg.UpstreamID, cfg.Capabilities)
	if err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	pool := server.NewPool(base, server.NewRegistry())

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
	}, pool, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
