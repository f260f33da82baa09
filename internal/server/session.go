package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anyhost/sv2relay/internal/common"
	"github.com/anyhost/sv2relay/internal/network"
	"github.com/anyhost/sv2relay/internal/protocol"
	"github.com/anyhost/sv2relay/internal/roles"
)

// SessionState represents the current state of a session.
type SessionState int32

const (
	// SessionStateConnecting indicates SetupConnection has not been answered yet.
	SessionStateConnecting SessionState = iota

	// SessionStateActive indicates the downstream is paired and may open channels.
	SessionStateActive

	// SessionStateClosing indicates the session is gracefully closing.
	SessionStateClosing

	// SessionStateClosed indicates the session has been closed.
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateConnecting:
		return "connecting"
	case SessionStateActive:
		return "active"
	case SessionStateClosing:
		return "closing"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents one paired downstream connection.
type Session struct {
	// ID is the unique session identifier.
	ID string

	// RemoteAddr is the remote address of the downstream.
	RemoteAddr string

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	// Setup is the SetupConnection the downstream paired with.
	Setup protocol.SetupConnection

	// data is fixed at pairing time.
	data roles.DownstreamData

	conn   *network.Connection
	state  atomic.Int32
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// inflight tracks channel opens still being answered.
	inflight sync.WaitGroup

	lastActivity atomic.Int64
	metrics      *SessionMetrics
}

// SessionMetrics tracks metrics for a session.
type SessionMetrics struct {
	MessagesReceived atomic.Int64
	ChannelsOpened   atomic.Int64
	ChannelErrors    atomic.Int64
}

// SessionConfig holds configuration for creating a new session.
type SessionConfig struct {
	Conn   *network.Connection
	Data   roles.DownstreamData
	Setup  protocol.SetupConnection
	Logger *slog.Logger
}

// NewSession creates a session for a downstream whose SetupConnection was accepted.
func NewSession(cfg *SessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	sessionID := common.GenerateSessionID()
	remoteAddr := ""
	if cfg.Conn != nil && cfg.Conn.RemoteAddr() != nil {
		remoteAddr = cfg.Conn.RemoteAddr().String()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("session_id", sessionID),
		slog.Any("downstream_id", cfg.Data.ID),
		slog.String("remote_addr", remoteAddr),
	)

	s := &Session{
		ID:         sessionID,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		Setup:      cfg.Setup,
		data:       cfg.Data,
		conn:       cfg.Conn,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		metrics:    &SessionMetrics{},
	}

	s.state.Store(int32(SessionStateConnecting))
	s.updateActivity()

	return s
}

// DownstreamData returns the capabilities the downstream declared.
func (s *Session) DownstreamData() roles.DownstreamData {
	return s.data
}

func (s *Session) MiningCapable() {}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// SetState sets the session state.
func (s *Session) SetState(state SessionState) {
	s.state.Store(int32(state))
}

// IsActive returns true if the session is in active state.
func (s *Session) IsActive() bool {
	return s.State() == SessionStateActive
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Metrics returns the session metrics.
func (s *Session) Metrics() *SessionMetrics {
	return s.metrics
}

// Receive reads the next message from the downstream. A positive idle
// timeout bounds the wait.
func (s *Session) Receive(idle time.Duration) (*protocol.Envelope, error) {
	if idle > 0 {
		if err := s.conn.SetDeadline(time.Now().Add(idle)); err != nil {
			return nil, err
		}
	}
	env, err := s.conn.Receive()
	if err != nil {
		return nil, err
	}
	s.metrics.MessagesReceived.Add(1)
	s.updateActivity()
	return env, nil
}

// Codec returns the codec used to answer the downstream.
func (s *Session) Codec() *protocol.Codec {
	return s.conn.Codec()
}

// Close closes the session and its connection.
func (s *Session) Close() error {
	prev := s.State()
	if prev == SessionStateClosing || prev == SessionStateClosed {
		return nil
	}
	if !s.state.CompareAndSwap(int32(prev), int32(SessionStateClosing)) {
		return nil
	}

	s.logger.Info("closing session")

	s.cancel()

	var err error
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil {
			err = fmt.Errorf("failed to close connection: %w", cerr)
		}
	}

	s.state.Store(int32(SessionStateClosed))
	return err
}

// updateActivity updates the last activity timestamp.
func (s *Session) updateActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last activity time.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleDuration returns how long the session has been idle.
func (s *Session) IdleDuration() time.Duration {
	return time.Since(s.LastActivity())
}
