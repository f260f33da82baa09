package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize is the maximum allowed size for a framed message.
const MaxMessageSize = 64 * 1024 // 64KB

// Codec handles encoding and decoding of protocol messages over a connection.
// It is safe for concurrent use - reads and writes are independently synchronized.
type Codec struct {
	reader *bufio.Reader
	writer io.Writer

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewCodec creates a new Codec for the given reader and writer.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{
		reader: bufio.NewReader(r),
		writer: w,
	}
}

// WriteMessage encodes and writes a message envelope to the underlying writer.
// The format is: [4-byte length (big-endian)][JSON payload]
func (c *Codec) WriteMessage(envelope *Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum of %d bytes", len(data), MaxMessageSize)
	}

	// Length prefix and payload go out in one write so a secure transport
	// seals them as a single record.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// ReadMessage reads and decodes a message envelope from the underlying reader.
func (c *Codec) ReadMessage() (*Envelope, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	// Read length prefix (4 bytes, big-endian)
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.reader, lengthBuf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum of %d bytes", length, MaxMessageSize)
	}

	if length == 0 {
		return nil, fmt.Errorf("message length cannot be zero")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return nil, fmt.Errorf("failed to read message payload: %w", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal envelope: %v", ErrInvalidMessage, err)
	}

	return &envelope, nil
}

// Send wraps payload in an envelope of the given type and writes it.
func (c *Codec) Send(msgType MessageType, payload interface{}) error {
	envelope, err := NewEnvelope(msgType, payload)
	if err != nil {
		return fmt.Errorf("failed to create %s envelope: %w", msgType, err)
	}
	return c.WriteMessage(envelope)
}

// SendSetupConnection sends a connection setup request.
func (c *Codec) SendSetupConnection(msg *SetupConnection) error {
	return c.Send(MessageTypeSetupConnection, msg)
}

// SendSetupConnectionSuccess accepts a connection setup.
func (c *Codec) SendSetupConnectionSuccess(msg *SetupConnectionSuccess) error {
	return c.Send(MessageTypeSetupConnectionSuccess, msg)
}

// SendSetupConnectionError rejects a connection setup.
func (c *Codec) SendSetupConnectionError(flags uint32, code string) error {
	return c.Send(MessageTypeSetupConnectionError, &SetupConnectionError{
		Flags:     flags,
		ErrorCode: code,
	})
}

// SendOpenChannel sends a standard channel request.
func (c *Codec) SendOpenChannel(msg *OpenStandardMiningChannel) error {
	return c.Send(MessageTypeOpenStandardMiningChannel, msg)
}

// SendOpenChannelSuccess answers a standard channel request.
func (c *Codec) SendOpenChannelSuccess(msg *OpenStandardMiningChannelSuccess) error {
	return c.Send(MessageTypeOpenStandardMiningChannelSuccess, msg)
}

// SendOpenChannelError rejects a channel request.
func (c *Codec) SendOpenChannelError(requestID uint32, code string) error {
	return c.Send(MessageTypeOpenMiningChannelError, &OpenMiningChannelError{
		RequestID: requestID,
		ErrorCode: code,
	})
}
