// Package wire implements the framed-connection primitive and command/reply
// codec for the broker's TCP protocol, exposed behind the Framer interface
// so conn.PubConnection/SubConnection never depend on the length-prefix
// encoding directly.
package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Frame is one length-prefixed record read from or written to a broker
// connection.
type Frame struct {
	Payload []byte
}

// Framer reads and writes whole frames over a broker connection. Production
// code uses NewLengthPrefixedFramer; tests substitute fakes.
type Framer interface {
	WriteFrame(payload []byte) error
	ReadFrame() ([]byte, error)
	SetDeadline(t time.Time) error
	Close() error
}

// maxFrameSize guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const maxFrameSize = 16 * 1024 * 1024

// lengthPrefixedFramer frames payloads as a big-endian uint32 length
// followed by that many bytes, the same shape the broker wire protocol
// uses for command and reply framing.
type lengthPrefixedFramer struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewLengthPrefixedFramer wraps an already-dialed net.Conn.
func NewLengthPrefixedFramer(conn net.Conn) Framer {
	return &lengthPrefixedFramer{conn: conn, r: bufio.NewReader(conn)}
}

func (f *lengthPrefixedFramer) WriteFrame(payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := f.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := f.conn.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

func (f *lengthPrefixedFramer) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("wire: frame size %d exceeds maximum %d", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return payload, nil
}

func (f *lengthPrefixedFramer) SetDeadline(t time.Time) error {
	return f.conn.SetDeadline(t)
}

func (f *lengthPrefixedFramer) Close() error {
	return f.conn.Close()
}

// Dial opens a TCP connection to addr and wraps it as a Framer. Bounded by
// the given context, in the style of aqm/preflight's net.Dialer usage.
func Dial(ctx context.Context, addr string, timeout time.Duration) (Framer, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return NewLengthPrefixedFramer(conn), nil
}
