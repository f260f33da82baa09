// Package network produces framed connections between mining roles. A
// connection is either secured with a Noise NX handshake (the upstream
// authenticates with a static Curve25519 key) or plaintext, and may run
// over TCP or a WebSocket.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/anyhost/sv2relay/internal/protocol"
)

// Mode selects how a connection is secured.
type Mode string

const (
	ModeNoise Mode = "noise"
	ModePlain Mode = "plain"
)

// DefaultHandshakeTimeout bounds the Noise handshake when none is configured.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrInvalidMode indicates an unknown security mode.
	ErrInvalidMode = errors.New("network: invalid security mode")

	// ErrStaticKeyRequired indicates a noise responder without a static key.
	ErrStaticKeyRequired = errors.New("network: noise listener requires a static key")
)

// Security describes how to secure connections.
type Security struct {
	Mode Mode

	// StaticKey authenticates the responder (listening) side.
	StaticKey *StaticKey

	// AuthorityKey pins the expected responder public key on the dialing side.
	// Empty disables pinning.
	AuthorityKey []byte

	HandshakeTimeout time.Duration
}

func (s Security) mode() Mode {
	if s.Mode == "" {
		return ModeNoise
	}
	return s.Mode
}

func (s Security) handshakeTimeout() time.Duration {
	if s.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return s.HandshakeTimeout
}

// ValidateListener checks that s can be used to accept connections.
func (s Security) ValidateListener() error {
	switch s.mode() {
	case ModePlain:
		return nil
	case ModeNoise:
		if s.StaticKey == nil {
			return ErrStaticKeyRequired
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, s.Mode)
	}
}

// ValidateDialer checks that s can be used to dial.
func (s Security) ValidateDialer() error {
	switch s.mode() {
	case ModePlain, ModeNoise:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, s.Mode)
	}
}

// Connection is a bidirectional, message-framed channel to a peer.
type Connection struct {
	conn         net.Conn
	codec        *protocol.Codec
	secure       bool
	remoteStatic []byte

	closeOnce sync.Once
	closeErr  error
}

func newConnection(conn net.Conn) *Connection {
	c := &Connection{conn: conn, codec: protocol.NewCodec(conn, conn)}
	if sc, ok := conn.(*secureConn); ok {
		c.secure = true
		c.remoteStatic = sc.remoteStatic
	}
	return c
}

// Codec returns the framing codec bound to the connection.
func (c *Connection) Codec() *protocol.Codec { return c.codec }

// Send writes one message.
func (c *Connection) Send(msgType protocol.MessageType, payload interface{}) error {
	return c.codec.Send(msgType, payload)
}

// Receive reads one message.
func (c *Connection) Receive() (*protocol.Envelope, error) {
	return c.codec.ReadMessage()
}

// SetDeadline sets the read and write deadlines of the underlying connection.
func (c *Connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// RemoteAddr returns the peer's network address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Secure reports whether the connection is Noise encrypted.
func (c *Connection) Secure() bool { return c.secure }

// RemoteStatic returns the peer's static public key as seen by the dialer,
// or nil for plaintext connections and on the responder side.
func (c *Connection) RemoteStatic() []byte { return c.remoteStatic }

// Close closes the underlying connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Initiate secures an established connection from the dialing side.
func Initiate(conn net.Conn, sec Security) (*Connection, error) {
	switch sec.mode() {
	case ModePlain:
		return newConnection(conn), nil
	case ModeNoise:
		if err := conn.SetDeadline(time.Now().Add(sec.handshakeTimeout())); err != nil {
			return nil, fmt.Errorf("set handshake deadline: %w", err)
		}
		sc, err := noiseInitiate(conn, sec.AuthorityKey)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("clear handshake deadline: %w", err)
		}
		return newConnection(sc), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, sec.Mode)
	}
}

// Respond secures an accepted connection from the listening side.
func Respond(conn net.Conn, sec Security) (*Connection, error) {
	if err := sec.ValidateListener(); err != nil {
		return nil, err
	}
	if sec.mode() == ModePlain {
		return newConnection(conn), nil
	}
	if err := conn.SetDeadline(time.Now().Add(sec.handshakeTimeout())); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	sc, err := noiseRespond(conn, sec.StaticKey)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return newConnection(sc), nil
}

// Connect dials addr and runs a Noise handshake. Addresses starting with
// ws:// or wss:// are dialed as WebSockets.
func Connect(ctx context.Context, addr string, sec Security) (*Connection, error) {
	if sec.Mode == "" {
		sec.Mode = ModeNoise
	}
	return Dial(ctx, addr, sec)
}

// PlainConnect dials addr without encryption.
func PlainConnect(ctx context.Context, addr string) (*Connection, error) {
	return Dial(ctx, addr, Security{Mode: ModePlain})
}

// Dial connects to addr and secures the connection according to sec.
func Dial(ctx context.Context, addr string, sec Security) (*Connection, error) {
	if err := sec.ValidateDialer(); err != nil {
		return nil, err
	}

	var conn net.Conn
	var err error
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		conn, err = DialWebSocket(ctx, addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c, err := Initiate(conn, sec)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	return c, nil
}

// Listener accepts raw connections; Handshake turns each into a Connection.
// Handshakes are left to the caller so a slow peer cannot stall Accept.
type Listener struct {
	ln  net.Listener
	sec Security
}

// Listen listens on addr and secures accepted connections with Noise.
func Listen(addr string, sec Security) (*Listener, error) {
	if sec.Mode == "" {
		sec.Mode = ModeNoise
	}
	if err := sec.ValidateListener(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln, sec: sec}, nil
}

// PlainListen listens on addr without encryption.
func PlainListen(addr string) (*Listener, error) {
	return Listen(addr, Security{Mode: ModePlain})
}

// Accept waits for the next raw connection.
func (l *Listener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}

// Handshake secures a connection returned by Accept.
func (l *Listener) Handshake(conn net.Conn) (*Connection, error) {
	return Respond(conn, l.sec)
}

// Security returns the settings connections are secured with.
func (l *Listener) Security() Security { return l.sec }

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops listening.
func (l *Listener) Close() error { return l.ln.Close() }
