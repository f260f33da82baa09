package network

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// Noise records carry a 2-byte little-endian length, so a single sealed
// record is at most 65535 bytes including the 16-byte AEAD tag.
const (
	maxNoiseRecord    = 65535
	noiseTagSize      = 16
	maxNoisePlaintext = maxNoiseRecord - noiseTagSize
)

var (
	// ErrAuthorityMismatch means the responder's static key is not the pinned authority key.
	ErrAuthorityMismatch = errors.New("network: upstream static key does not match authority key")

	// ErrInvalidStaticKey means a configured static key could not be decoded.
	ErrInvalidStaticKey = errors.New("network: invalid static key")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// StaticKey is the long-lived Curve25519 keypair an upstream authenticates with.
type StaticKey struct {
	Private []byte
	Public  []byte
}

// GenerateStaticKey creates a fresh keypair.
func GenerateStaticKey() (*StaticKey, error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate static key: %w", err)
	}
	return &StaticKey{Private: kp.Private, Public: kp.Public}, nil
}

// StaticKeyFromHex decodes a hex private key and derives its public half.
func StaticKeyFromHex(s string) (*StaticKey, error) {
	priv, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStaticKey, err)
	}
	if len(priv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidStaticKey, curve25519.ScalarSize, len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStaticKey, err)
	}
	return &StaticKey{Private: priv, Public: pub}, nil
}

// PublicKeyFromHex decodes a pinned authority public key.
func PublicKeyFromHex(s string) ([]byte, error) {
	pub, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStaticKey, err)
	}
	if len(pub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidStaticKey, curve25519.PointSize, len(pub))
	}
	return pub, nil
}

// PrivateHex returns the hex encoding of the private half.
func (k *StaticKey) PrivateHex() string { return hex.EncodeToString(k.Private) }

// PublicHex returns the hex encoding of the public half.
func (k *StaticKey) PublicHex() string { return hex.EncodeToString(k.Public) }

// noiseInitiate runs the initiator side of a Noise NX handshake:
//
//	-> e
//	<- e, ee, s, es
//
// When authority is non-empty the responder's static key must equal it.
func noiseInitiate(conn net.Conn, authority []byte) (*secureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNX,
		Initiator:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("write handshake message: %w", err)
	}
	if err := writeRecord(conn, msg); err != nil {
		return nil, fmt.Errorf("send handshake message: %w", err)
	}

	reply, err := readRecord(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	_, send, recv, err := hs.ReadMessage(nil, reply)
	if err != nil {
		return nil, fmt.Errorf("process handshake reply: %w", err)
	}
	if send == nil || recv == nil {
		return nil, errors.New("handshake did not complete")
	}

	remote := hs.PeerStatic()
	if len(authority) > 0 && !bytes.Equal(remote, authority) {
		return nil, ErrAuthorityMismatch
	}

	return &secureConn{Conn: conn, send: send, recv: recv, remoteStatic: remote}, nil
}

// noiseRespond runs the responder side of a Noise NX handshake.
func noiseRespond(conn net.Conn, key *StaticKey) (*secureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeNX,
		Initiator:     false,
		StaticKeypair: noise.DHKey{Private: key.Private, Public: key.Public},
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	msg, err := readRecord(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake message: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, fmt.Errorf("process handshake message: %w", err)
	}

	reply, recv, send, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("write handshake reply: %w", err)
	}
	if send == nil || recv == nil {
		return nil, errors.New("handshake did not complete")
	}
	if err := writeRecord(conn, reply); err != nil {
		return nil, fmt.Errorf("send handshake reply: %w", err)
	}

	return &secureConn{Conn: conn, send: send, recv: recv}, nil
}

func writeRecord(w io.Writer, record []byte) error {
	if len(record) > maxNoiseRecord {
		return fmt.Errorf("noise record of %d bytes exceeds %d", len(record), maxNoiseRecord)
	}
	frame := make([]byte, 2+len(record))
	binary.LittleEndian.PutUint16(frame, uint16(len(record)))
	copy(frame[2:], record)
	_, err := w.Write(frame)
	return err
}

func readRecord(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	record := make([]byte, binary.LittleEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, record); err != nil {
		return nil, err
	}
	return record, nil
}

// secureConn encrypts every Write into one or more Noise transport records
// and decrypts records on Read.
type secureConn struct {
	net.Conn

	send *noise.CipherState
	recv *noise.CipherState

	remoteStatic []byte

	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf []byte
}

func (c *secureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) == 0 {
		record, err := readRecord(c.Conn)
		if err != nil {
			return 0, err
		}
		plaintext, err := c.recv.Decrypt(nil, nil, record)
		if err != nil {
			return 0, fmt.Errorf("decrypt: %w", err)
		}
		c.readBuf = plaintext
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *secureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxNoisePlaintext {
			chunk = chunk[:maxNoisePlaintext]
		}
		ciphertext, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return written, fmt.Errorf("encrypt: %w", err)
		}
		if err := writeRecord(c.Conn, ciphertext); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}
