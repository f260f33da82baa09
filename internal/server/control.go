package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/anyhost/sv2relay/internal/common"
	"github.com/anyhost/sv2relay/internal/database"
	"github.com/anyhost/sv2relay/internal/network"
	"github.com/anyhost/sv2relay/internal/protocol"
	"github.com/anyhost/sv2relay/internal/roles"
)

// ErrNullRole is returned when a control plane is built around a null
// capability provider.
var ErrNullRole = errors.New("server: control plane needs a real upstream role")

// DefaultMaxInflightOpens caps unanswered channel opens per session when
// ControlPlaneConfig leaves it unset.
const DefaultMaxInflightOpens = 16

// AuditLog receives negotiation and channel outcomes. *database.DB implements it.
type AuditLog interface {
	RecordNegotiation(n *database.Negotiation) error
	RecordChannel(c *database.Channel) error
}

// ControlPlaneConfig holds the timeouts a control plane enforces.
type ControlPlaneConfig struct {
	// Security secures connections arriving over WebSockets. TCP connections
	// use the security of the listener they were accepted on.
	Security network.Security

	// HandshakeTimeout bounds the SetupConnection exchange.
	HandshakeTimeout time.Duration

	// IdleTimeout closes sessions that send nothing. Zero disables it.
	IdleTimeout time.Duration

	// MaxInflightOpens caps the channel opens a session may have
	// unanswered. The session is not read while it is at the cap.
	MaxInflightOpens int
}

// ControlPlane accepts downstream connections, negotiates them against its
// role and dispatches their channel opens.
type ControlPlane struct {
	config   ControlPlaneConfig
	role     Role
	registry *Registry
	audit    AuditLog
	logger   *slog.Logger

	downstreamIDs common.IDAllocator

	mu        sync.Mutex
	listeners []*network.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewControlPlane creates a control plane serving role. The null capability
// provider is rejected.
func NewControlPlane(cfg ControlPlaneConfig, role Role, logger *slog.Logger) (*ControlPlane, error) {
	if role == nil || roles.IsNull(role) {
		return nil, ErrNullRole
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = network.DefaultHandshakeTimeout
	}
	if cfg.MaxInflightOpens <= 0 {
		cfg.MaxInflightOpens = DefaultMaxInflightOpens
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ControlPlane{
		config:   cfg,
		role:     role,
		registry: role.RemoteSelector(),
		logger:   logger.With(slog.String("component", "control_plane"), slog.Any("upstream_id", role.ID())),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetAuditLog records every negotiation and channel open to log.
func (cp *ControlPlane) SetAuditLog(log AuditLog) {
	cp.audit = log
}

// Serve starts accepting connections from ln in the background.
func (cp *ControlPlane) Serve(ln *network.Listener) {
	cp.mu.Lock()
	cp.listeners = append(cp.listeners, ln)
	cp.mu.Unlock()

	cp.logger.Info("control plane listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("security", string(ln.Security().Mode)))

	cp.wg.Add(1)
	go cp.acceptLoop(ln)
}

// Stop stops accepting, closes every session and waits up to gracePeriod
// for connection handlers to exit.
func (cp *ControlPlane) Stop(gracePeriod time.Duration) error {
	cp.logger.Info("stopping control plane", slog.Duration("grace_period", gracePeriod))

	cp.cancel()

	cp.mu.Lock()
	for _, ln := range cp.listeners {
		ln.Close()
	}
	cp.mu.Unlock()

	for _, session := range cp.registry.Downstreams() {
		_ = session.Close()
	}

	done := make(chan struct{})
	go func() {
		cp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cp.logger.Info("control plane stopped gracefully")
	case <-time.After(gracePeriod):
		cp.logger.Warn("control plane shutdown timed out")
	}

	return nil
}

// acceptLoop accepts incoming downstream connections.
func (cp *ControlPlane) acceptLoop(ln *network.Listener) {
	defer cp.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-cp.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			cp.logger.Error("failed to accept connection", slog.Any("error", err))
			continue
		}

		cp.wg.Add(1)
		go func() {
			defer cp.wg.Done()
			cp.handleConnection(conn, ln.Handshake)
		}()
	}
}

// handleConnection secures conn, negotiates the session and serves it
// until the downstream disconnects.
func (cp *ControlPlane) handleConnection(raw net.Conn, handshake func(net.Conn) (*network.Connection, error)) {
	remoteAddr := raw.RemoteAddr().String()
	logger := cp.logger.With(slog.String("remote_addr", remoteAddr))
	logger.Debug("new connection")

	conn, err := handshake(raw)
	if err != nil {
		logger.Warn("transport handshake failed", slog.Any("error", err))
		raw.Close()
		return
	}

	session, err := cp.negotiate(conn, logger)
	if err != nil {
		logger.Info("negotiation failed", slog.Any("error", err))
		conn.Close()
		return
	}

	if err := cp.registry.Add(session); err != nil {
		logger.Error("failed to register session", slog.Any("error", err))
		session.Close()
		return
	}
	session.SetState(SessionStateActive)

	data := session.DownstreamData()
	session.Logger().Info("session established",
		slog.String("protocol", session.Setup.Protocol.String()),
		slog.Bool("header_only", data.HeaderOnly),
		slog.Bool("work_selection", data.WorkSelection),
		slog.Bool("version_rolling", data.VersionRolling))

	cp.serveSession(session)

	cp.registry.Remove(session.ID)
	session.Close()
	session.inflight.Wait()
	session.Logger().Info("session ended",
		slog.Int64("channels_opened", session.Metrics().ChannelsOpened.Load()))
}

// negotiate reads SetupConnection and answers it. The returned error says
// why the downstream was turned away.
func (cp *ControlPlane) negotiate(conn *network.Connection, logger *slog.Logger) (*Session, error) {
	if err := conn.SetDeadline(time.Now().Add(cp.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	env, err := conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("read setup: %w", err)
	}
	if env.Type != protocol.MessageTypeSetupConnection {
		_ = conn.Codec().SendSetupConnectionError(0, protocol.ErrorCodeInvalidMessage)
		return nil, fmt.Errorf("%w: expected %s, got %s", protocol.ErrInvalidMessage, protocol.MessageTypeSetupConnection, env.Type)
	}

	var setup protocol.SetupConnection
	if err := env.DecodePayload(&setup); err != nil {
		_ = conn.Codec().SendSetupConnectionError(0, protocol.ErrorCodeInvalidMessage)
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
	}
	if err := setup.Validate(); err != nil {
		_ = conn.Codec().SendSetupConnectionError(setup.Flags, protocol.ErrorCodeInvalidMessage)
		return nil, err
	}

	downstreamID := cp.downstreamIDs.Next()
	record := &database.Negotiation{
		SessionID:    common.GenerateSessionID(),
		RemoteAddr:   conn.RemoteAddr().String(),
		UpstreamID:   cp.role.ID(),
		DownstreamID: downstreamID,
		Protocol:     setup.Protocol.String(),
		MinVersion:   setup.MinVersion,
		MaxVersion:   setup.MaxVersion,
		Flags:        setup.Flags,
	}

	if !cp.role.Supports(setup.Protocol) {
		record.Result = protocol.ErrorCodeUnsupportedProtocol
		cp.recordNegotiation(record, logger)
		_ = conn.Codec().SendSetupConnectionError(setup.Flags, protocol.ErrorCodeUnsupportedProtocol)
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedProtocol, setup.Protocol)
	}

	result := cp.role.Pair(roles.PairSettingsFromSetup(&setup))
	record.Result = result.String()

	switch result {
	case roles.Paired:
	case roles.VersionMismatch:
		cp.recordNegotiation(record, logger)
		_ = conn.Codec().SendSetupConnectionError(setup.Flags, protocol.ErrorCodeVersionMismatch)
		return nil, fmt.Errorf("%w: upstream speaks %d, downstream wants [%d, %d]",
			protocol.ErrVersionMismatch, cp.role.Version(), setup.MinVersion, setup.MaxVersion)
	default:
		cp.recordNegotiation(record, logger)
		// the differing bits are the ones that could not be satisfied
		_ = conn.Codec().SendSetupConnectionError(setup.Flags^cp.role.Flags(), protocol.ErrorCodeUnsupportedFeatureFlags)
		return nil, fmt.Errorf("%w: requested %#x, offered %#x",
			protocol.ErrUnsupportedFlags, setup.Flags, cp.role.Flags())
	}

	session := NewSession(&SessionConfig{
		Conn:   conn,
		Data:   roles.DownstreamDataFromSetup(downstreamID, &setup),
		Setup:  setup,
		Logger: cp.logger,
	})
	record.SessionID = session.ID

	if err := conn.Codec().SendSetupConnectionSuccess(&protocol.SetupConnectionSuccess{
		UsedVersion: cp.role.Version(),
		Flags:       cp.role.Flags(),
	}); err != nil {
		return nil, fmt.Errorf("send setup success: %w", err)
	}
	cp.recordNegotiation(record, logger)

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return session, nil
}

// serveSession reads messages until the downstream goes away. Channel opens
// are answered concurrently, up to MaxInflightOpens at a time.
func (cp *ControlPlane) serveSession(session *Session) {
	slots := make(chan struct{}, cp.config.MaxInflightOpens)

	for {
		env, err := session.Receive(cp.config.IdleTimeout)
		if err != nil {
			if !errors.Is(err, protocol.ErrConnectionClosed) && session.IsActive() {
				session.Logger().Info("session read ended", slog.Any("error", err))
			}
			return
		}

		switch env.Type {
		case protocol.MessageTypeOpenStandardMiningChannel:
			var req protocol.OpenStandardMiningChannel
			if err := env.DecodePayload(&req); err != nil {
				session.Logger().Warn("malformed channel request", slog.Any("error", err))
				continue
			}
			select {
			case slots <- struct{}{}:
			case <-session.Context().Done():
				return
			}
			session.inflight.Add(1)
			go func() {
				defer session.inflight.Done()
				defer func() { <-slots }()
				cp.handleOpenChannel(session, &req)
			}()

		default:
			session.Logger().Debug("ignoring message", slog.String("type", string(env.Type)))
		}
	}
}

func (cp *ControlPlane) handleOpenChannel(session *Session, req *protocol.OpenStandardMiningChannel) {
	logger := session.Logger().With(slog.Any("request_id", req.RequestID))

	record := &database.Channel{
		SessionID:       session.ID,
		DownstreamID:    session.DownstreamData().ID,
		RequestID:       req.RequestID,
		UserIdentity:    req.UserIdentity,
		NominalHashRate: req.NominalHashRate,
	}

	success, err := cp.role.OpenChannel(session.Context(), session, req)
	if err != nil {
		code := errorCode(err)
		record.ErrorCode = code
		session.Metrics().ChannelErrors.Add(1)
		logger.Info("channel open rejected", slog.String("error_code", code), slog.Any("error", err))
		if serr := session.Codec().SendOpenChannelError(req.RequestID, code); serr != nil {
			logger.Debug("failed to send channel error", slog.Any("error", serr))
		}
	} else {
		record.ChannelID = success.ChannelID
		session.Metrics().ChannelsOpened.Add(1)
		logger.Debug("channel opened", slog.Any("channel_id", success.ChannelID))
		if serr := session.Codec().SendOpenChannelSuccess(success); serr != nil {
			logger.Debug("failed to send channel success", slog.Any("error", serr))
		}
	}

	if cp.audit != nil {
		if err := cp.audit.RecordChannel(record); err != nil {
			logger.Warn("failed to record channel", slog.Any("error", err))
		}
	}
}

func (cp *ControlPlane) recordNegotiation(record *database.Negotiation, logger *slog.Logger) {
	if cp.audit == nil {
		return
	}
	if err := cp.audit.RecordNegotiation(record); err != nil {
		logger.Warn("failed to record negotiation", slog.Any("error", err))
	}
}

// errorCode picks the wire code for err, preferring the code a parent sent.
func errorCode(err error) string {
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) && perr.Code != "" {
		return perr.Code
	}
	return protocol.ErrorToCode(err)
}

// Registry returns the registry of paired sessions.
func (cp *ControlPlane) Registry() *Registry {
	return cp.registry
}

// GetSessionCount returns the number of paired sessions.
func (cp *ControlPlane) GetSessionCount() int {
	return cp.registry.GetSessionCount()
}
