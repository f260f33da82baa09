package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/anyhost/sv2relay/internal/common"
	"github.com/anyhost/sv2relay/internal/database"
	"github.com/anyhost/sv2relay/internal/network"
	"github.com/anyhost/sv2relay/internal/roles"
)

// Options configures the listeners and storage of a Server.
type Options struct {
	// ListenAddr serves TCP downstreams; empty disables it.
	ListenAddr string

	// WebSocketAddr serves WebSocket downstreams; empty disables it.
	WebSocketAddr string

	Security     network.Security
	ControlPlane ControlPlaneConfig

	// DatabasePath enables the SQLite audit log.
	DatabasePath string
}

// SecurityFromConfig turns the YAML security section into transport settings.
func SecurityFromConfig(cfg common.SecurityConfig, handshakeTimeout time.Duration) (network.Security, error) {
	sec := network.Security{
		Mode:             network.Mode(cfg.Mode),
		HandshakeTimeout: handshakeTimeout,
	}
	if cfg.StaticKey != "" {
		key, err := network.StaticKeyFromHex(cfg.StaticKey)
		if err != nil {
			return network.Security{}, fmt.Errorf("security.static_key: %w", err)
		}
		sec.StaticKey = key
	}
	return sec, nil
}

// BaseUpstreamFromConfig declares an upstream's capabilities from configuration.
func BaseUpstreamFromConfig(id uint32, cfg common.CapabilityConfig) (roles.BaseUpstream, error) {
	protocols, err := cfg.ParsedProtocols()
	if err != nil {
		return roles.BaseUpstream{}, err
	}
	return roles.NewBaseUpstream(id, cfg.Version, cfg.Flags, protocols...), nil
}

// Server wires a role to its listeners and audit log.
type Server struct {
	opts         Options
	role         Role
	controlPlane *ControlPlane
	httpServer   *http.Server
	listener     *network.Listener
	db           *database.DB
	logger       *slog.Logger
}

// NewServer creates a server for role.
func NewServer(opts Options, role Role, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.ControlPlane.Security.Mode == "" {
		opts.ControlPlane.Security = opts.Security
	}
	controlPlane, err := NewControlPlane(opts.ControlPlane, role, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:         opts,
		role:         role,
		controlPlane: controlPlane,
		logger:       logger.With(slog.String("component", "server")),
	}

	if opts.DatabasePath != "" {
		db, err := database.New(opts.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db
		controlPlane.SetAuditLog(db)
	}

	return s, nil
}

// Start starts all listeners.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		slog.String("listen_addr", s.opts.ListenAddr),
		slog.String("websocket_addr", s.opts.WebSocketAddr),
		slog.Any("version", s.role.Version()),
		slog.Any("flags", s.role.Flags()))

	if s.opts.ListenAddr != "" {
		ln, err := network.Listen(s.opts.ListenAddr, s.opts.Security)
		if err != nil {
			return fmt.Errorf("failed to start listener: %w", err)
		}
		s.listener = ln
		s.controlPlane.Serve(ln)
	}

	if s.opts.WebSocketAddr != "" {
		if err := s.opts.ControlPlane.Security.ValidateListener(); err != nil {
			s.controlPlane.Stop(time.Second)
			return fmt.Errorf("websocket security: %w", err)
		}
		ln, err := net.Listen("tcp", s.opts.WebSocketAddr)
		if err != nil {
			s.controlPlane.Stop(time.Second)
			return fmt.Errorf("failed to listen on %s: %w", s.opts.WebSocketAddr, err)
		}
		s.httpServer = &http.Server{
			Handler:           s.controlPlane.WebSocketHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("websocket server failed", slog.Any("error", err))
			}
		}()
		s.logger.Info("websocket listening", slog.String("addr", ln.Addr().String()))
	}

	s.logger.Info("server started")
	return nil
}

// Stop gracefully stops all server components.
func (s *Server) Stop(gracePeriod time.Duration) error {
	s.logger.Info("stopping server", slog.Duration("grace_period", gracePeriod))

	var errs []error

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("websocket server: %w", err))
		}
		cancel()
	}

	if err := s.controlPlane.Stop(gracePeriod); err != nil {
		errs = append(errs, fmt.Errorf("control plane: %w", err))
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	s.logger.Info("server stopped")
	return nil
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	s.logger.Info("context cancelled")

	return s.Stop(30 * time.Second)
}

// Addr returns the TCP listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ControlPlane returns the server's control plane.
func (s *Server) ControlPlane() *ControlPlane {
	return s.controlPlane
}

// DB returns the audit log, or nil when disabled.
func (s *Server) DB() *database.DB {
	return s.db
}

// GetStats returns server statistics.
func (s *Server) GetStats() ServerStats {
	return ServerStats{
		ActiveSessions: s.controlPlane.GetSessionCount(),
		TotalHashRate:  s.role.TotalHashRate(),
	}
}

// ServerStats holds server statistics.
type ServerStats struct {
	ActiveSessions int
	TotalHashRate  uint64
}
