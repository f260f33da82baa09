// Package client maintains the connection from a proxy to its parent
// upstream. Channel opens from many downstreams share that one connection;
// their request ids are rewritten on the way up and restored on the way
// back.
package client

import (
	"context"
	"errors"
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

// State represents the current state of the upstream connection.
type State int32

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota

	// StateConnecting indicates the connection and SetupConnection are in progress.
	StateConnecting

	// StateConnected indicates channel opens can be forwarded.
	StateConnected

	// StateReconnecting indicates a backoff delay before the next dial.
	StateReconnecting

	// StateClosed indicates the upstream has been permanently closed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSetupRejected is wrapped when the parent answers SetupConnection with an error.
var ErrSetupRejected = errors.New("client: upstream rejected setup")

// Config describes how to reach and negotiate with the parent.
type Config struct {
	Addr     string
	Security network.Security

	Protocol   protocol.Protocol
	MinVersion uint16
	MaxVersion uint16
	Flags      uint32
	Vendor     string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// RequestTimeout bounds OpenChannel when the caller's context has no deadline.
	RequestTimeout time.Duration
}

// ConfigFromProxy builds a Config from the proxy's YAML configuration.
func ConfigFromProxy(cfg *common.ProxyConfig) (Config, error) {
	sec := network.Security{
		Mode:             network.Mode(cfg.Upstream.Mode),
		HandshakeTimeout: cfg.Timeouts.HandshakeTimeout,
	}
	if cfg.Upstream.AuthorityKey != "" {
		key, err := network.PublicKeyFromHex(cfg.Upstream.AuthorityKey)
		if err != nil {
			return Config{}, fmt.Errorf("upstream.authority_key: %w", err)
		}
		sec.AuthorityKey = key
	}
	return Config{
		Addr:             cfg.Upstream.Addr,
		Security:         sec,
		Protocol:         protocol.MiningProtocol,
		MinVersion:       cfg.Upstream.MinVersion,
		MaxVersion:       cfg.Upstream.MaxVersion,
		Flags:            cfg.Upstream.Flags,
		Vendor:           "sv2proxy",
		DialTimeout:      cfg.Timeouts.DialTimeout,
		HandshakeTimeout: cfg.Timeouts.HandshakeTimeout,
		RequestTimeout:   cfg.Timeouts.RequestTimeout,
	}, nil
}

type channelReply struct {
	success *protocol.OpenStandardMiningChannelSuccess
	err     error
}

// Upstream is the proxy's connection to its parent. It owns the
// RequestIDMapper for that connection and serializes every access to it.
type Upstream struct {
	config Config
	logger *slog.Logger

	reconnect *Reconnector

	state atomic.Int32

	mu      sync.Mutex
	conn    *network.Connection
	setup   protocol.SetupConnectionSuccess
	mapper  *roles.SharedMapper
	pending map[uint32]chan channelReply
	lost    chan struct{}

	wg sync.WaitGroup
}

// NewUpstream creates a disconnected upstream. reconnect may be nil, in
// which case Run returns on the first failure.
func NewUpstream(cfg Config, reconnect *Reconnector, logger *slog.Logger) *Upstream {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Upstream{
		config:    cfg,
		logger:    logger.With(slog.String("component", "upstream"), slog.String("addr", cfg.Addr)),
		reconnect: reconnect,
		mapper:    roles.NewSharedMapper(),
		pending:   make(map[uint32]chan channelReply),
	}
	u.state.Store(int32(StateDisconnected))
	return u
}

// Connect dials the parent and negotiates the connection. The mapper
// is reset for every new connection.
func (u *Upstream) Connect(ctx context.Context) error {
	if u.State() == StateClosed {
		return protocol.ErrConnectionClosed
	}
	u.setState(StateConnecting)
	u.logger.Info("connecting to upstream")

	dialCtx := ctx
	if u.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, u.config.DialTimeout)
		defer cancel()
	}

	conn, err := network.Dial(dialCtx, u.config.Addr, u.config.Security)
	if err != nil {
		u.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", protocol.ErrUpstreamUnavailable, err)
	}

	setup, err := u.performSetup(conn)
	if err != nil {
		conn.Close()
		u.setState(StateDisconnected)
		return err
	}

	lost := make(chan struct{})

	u.mu.Lock()
	u.conn = conn
	u.setup = *setup
	u.mapper.Reset()
	u.lost = lost
	u.mu.Unlock()

	u.setState(StateConnected)
	u.logger.Info("connected to upstream",
		slog.Int("used_version", int(setup.UsedVersion)),
		slog.Any("flags", setup.Flags))

	u.wg.Add(1)
	go u.readLoop(conn, lost)

	return nil
}

func (u *Upstream) performSetup(conn *network.Connection) (*protocol.SetupConnectionSuccess, error) {
	timeout := u.config.HandshakeTimeout
	if timeout <= 0 {
		timeout = network.DefaultHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set setup deadline: %w", err)
	}

	req := &protocol.SetupConnection{
		Protocol:   u.config.Protocol,
		MinVersion: u.config.MinVersion,
		MaxVersion: u.config.MaxVersion,
		Flags:      u.config.Flags,
		Endpoint:   u.config.Addr,
		Vendor:     u.config.Vendor,
	}
	if err := conn.Codec().SendSetupConnection(req); err != nil {
		return nil, fmt.Errorf("send setup: %w", err)
	}

	env, err := conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("read setup reply: %w", err)
	}

	switch env.Type {
	case protocol.MessageTypeSetupConnectionSuccess:
		var ok protocol.SetupConnectionSuccess
		if err := env.DecodePayload(&ok); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("clear setup deadline: %w", err)
		}
		return &ok, nil
	case protocol.MessageTypeSetupConnectionError:
		var rej protocol.SetupConnectionError
		if err := env.DecodePayload(&rej); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSetupRejected,
			protocol.NewProtocolError(rej.ErrorCode, fmt.Sprintf("flags %#x", rej.Flags), protocol.CodeToError(rej.ErrorCode)))
	default:
		return nil, fmt.Errorf("%w: unexpected %s during setup", protocol.ErrInvalidMessage, env.Type)
	}
}

// Run keeps the upstream connected until ctx is cancelled, redialing with
// backoff after every failure.
func (u *Upstream) Run(ctx context.Context) error {
	for {
		err := u.Connect(ctx)
		if err == nil {
			if u.reconnect != nil {
				u.reconnect.Reset()
			}
			select {
			case <-ctx.Done():
				u.Close()
				return ctx.Err()
			case <-u.lostSignal():
			}
			err = protocol.ErrUpstreamUnavailable
			u.logger.Warn("upstream connection lost")
		} else {
			u.logger.Warn("upstream connection failed", slog.Any("error", err))
		}

		if ctx.Err() != nil {
			u.Close()
			return ctx.Err()
		}
		if u.reconnect == nil {
			return err
		}

		u.setState(StateReconnecting)
		if werr := u.reconnect.Wait(ctx); werr != nil {
			u.Close()
			if errors.Is(werr, ErrMaxAttempts) {
				return fmt.Errorf("%w: %w", werr, err)
			}
			return werr
		}
	}
}

func (u *Upstream) lostSignal() <-chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.lost == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return u.lost
}

// OpenChannel forwards a channel request upstream under a rewritten
// request id and waits for the answer. The returned success carries the
// caller's original request id. A rejection from the parent is returned
// as a *protocol.ProtocolError.
func (u *Upstream) OpenChannel(ctx context.Context, req *protocol.OpenStandardMiningChannel) (*protocol.OpenStandardMiningChannelSuccess, error) {
	if _, ok := ctx.Deadline(); !ok && u.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.config.RequestTimeout)
		defer cancel()
	}

	original := req.RequestID
	reply := make(chan channelReply, 1)

	u.mu.Lock()
	conn := u.conn
	if conn == nil {
		u.mu.Unlock()
		return nil, protocol.ErrUpstreamUnavailable
	}
	upstreamID := u.mapper.OnOpenChannel(original)
	u.pending[upstreamID] = reply
	u.mu.Unlock()

	forwarded := *req
	forwarded.RequestID = upstreamID
	if err := conn.Codec().SendOpenChannel(&forwarded); err != nil {
		u.forget(upstreamID, reply)
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamUnavailable, err)
	}

	u.logger.Debug("forwarded channel open",
		slog.Any("request_id", original),
		slog.Any("upstream_request_id", upstreamID))

	select {
	case r := <-reply:
		return r.success, r.err
	case <-ctx.Done():
		u.forget(upstreamID, reply)
		// the reply may have raced the cancellation
		select {
		case r := <-reply:
			return r.success, r.err
		default:
		}
		return nil, ctx.Err()
	}
}

// forget drops the mapping of an abandoned request, unless the request was
// already resolved or its connection already failed it.
func (u *Upstream) forget(upstreamID uint32, reply chan channelReply) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pending[upstreamID] == reply {
		delete(u.pending, upstreamID)
		_, _ = u.mapper.Remove(upstreamID)
	}
}

func (u *Upstream) readLoop(conn *network.Connection, lost chan struct{}) {
	defer u.wg.Done()
	defer u.connectionLost(conn, lost)

	for {
		env, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, protocol.ErrConnectionClosed) && u.State() != StateClosed {
				u.logger.Warn("upstream read failed", slog.Any("error", err))
			}
			return
		}

		switch env.Type {
		case protocol.MessageTypeOpenStandardMiningChannelSuccess:
			var msg protocol.OpenStandardMiningChannelSuccess
			if err := env.DecodePayload(&msg); err != nil {
				u.logger.Warn("dropping malformed channel success", slog.Any("error", err))
				continue
			}
			u.resolve(msg.RequestID, func(original uint32) channelReply {
				msg.RequestID = original
				return channelReply{success: &msg}
			})

		case protocol.MessageTypeOpenMiningChannelError:
			var msg protocol.OpenMiningChannelError
			if err := env.DecodePayload(&msg); err != nil {
				u.logger.Warn("dropping malformed channel error", slog.Any("error", err))
				continue
			}
			u.resolve(msg.RequestID, func(original uint32) channelReply {
				return channelReply{err: protocol.NewProtocolError(msg.ErrorCode,
					fmt.Sprintf("upstream rejected request %d", original), protocol.CodeToError(msg.ErrorCode))}
			})

		default:
			u.logger.Debug("ignoring upstream message", slog.String("type", string(env.Type)))
		}
	}
}

// resolve maps an upstream request id back through the mapper exactly once
// and hands the reply to the waiting caller. Unknown ids are dropped.
func (u *Upstream) resolve(upstreamID uint32, build func(original uint32) channelReply) {
	u.mu.Lock()
	original, err := u.mapper.Remove(upstreamID)
	reply := u.pending[upstreamID]
	delete(u.pending, upstreamID)
	u.mu.Unlock()

	if err != nil {
		u.logger.Warn("dropping response for unknown request id",
			slog.Any("upstream_request_id", upstreamID),
			slog.Any("error", err))
		return
	}
	if reply == nil {
		return
	}
	reply <- build(original)
}

// connectionLost fails every outstanding request and forgets the mapper
// of the dead connection.
func (u *Upstream) connectionLost(conn *network.Connection, lost chan struct{}) {
	conn.Close()

	u.mu.Lock()
	pending := u.pending
	if u.conn == conn {
		u.conn = nil
		u.mapper.Reset()
		u.pending = make(map[uint32]chan channelReply)
	} else {
		pending = nil
	}
	u.mu.Unlock()

	for _, reply := range pending {
		reply <- channelReply{err: protocol.ErrUpstreamUnavailable}
	}
	if len(pending) > 0 {
		u.logger.Warn("failed outstanding channel opens", slog.Int("count", len(pending)))
	}

	if u.State() != StateClosed {
		u.setState(StateDisconnected)
	}
	close(lost)
}

// Mapper returns the upstream's mapper handle. It stays valid across
// reconnects and is safe to read while channel opens are in flight.
func (u *Upstream) Mapper() *roles.SharedMapper {
	return u.mapper
}

// Outstanding returns the number of channel opens awaiting an answer.
func (u *Upstream) Outstanding() int {
	return u.mapper.Len()
}

// Setup returns what the parent accepted in SetupConnectionSuccess.
func (u *Upstream) Setup() (protocol.SetupConnectionSuccess, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.setup, u.conn != nil
}

// Close closes the connection and waits for the read loop to exit.
func (u *Upstream) Close() error {
	u.setState(StateClosed)

	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	u.wg.Wait()

	u.logger.Info("upstream closed")
	return err
}

// State returns the current connection state.
func (u *Upstream) State() State {
	return State(u.state.Load())
}

// Connected reports whether channel opens can be forwarded.
func (u *Upstream) Connected() bool {
	return u.State() == StateConnected
}

func (u *Upstream) setState(state State) {
	u.state.Store(int32(state))
}
