package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aquamarinepk/flowmq/address"
	"github.com/aquamarinepk/flowmq/errs"
	"github.com/aquamarinepk/flowmq/log"
	"github.com/aquamarinepk/flowmq/wire"
)

// errConnClosed is the cause reported when a write is attempted on an
// already-closed connection.
var errConnClosed = errors.New("connection closed")

// SubConnection is a single subscribed connection to one broker node. It
// must receive SUB as the first stateful command after the handshake;
// inbound messages are dispatched to OnMessage, and terminal state (any
// transport failure, or a graceful CLS) invokes OnClose exactly once.
type SubConnection struct {
	Addr address.HostAndPort

	dial    Dialer
	timeout time.Duration
	log     log.Logger

	onMessage func(*wire.Message)
	onClose   func(cause error)

	writeMu sync.Mutex
	framer  wire.Framer

	mu     sync.Mutex
	closed bool
}

// NewSubConnection constructs a SubConnection. onMessage and onClose are
// registered at construction time, not discovered later via a type
// assertion on a handler value.
func NewSubConnection(addr address.HostAndPort, dial Dialer, timeout time.Duration, logger log.Logger, onMessage func(*wire.Message), onClose func(error)) *SubConnection {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &SubConnection{
		Addr:      addr,
		dial:      dial,
		timeout:   timeout,
		log:       logger.With("component", "sub_connection", "addr", addr.String()),
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// Open dials the node and performs the IDENTIFY handshake.
func (c *SubConnection) Open(ctx context.Context) error {
	framer, err := c.dial(ctx, c.Addr.String(), c.timeout)
	if err != nil {
		return &errs.TransportError{Op: "dial", Cause: err}
	}

	if err := framer.WriteFrame(wire.EncodeIdentify(identifyPayload(defaultClientID()))); err != nil {
		address.Util{}.QuietClose(framer)
		return &errs.TransportError{Op: "identify", Cause: err}
	}
	reply, err := readReply(framer)
	if err != nil {
		address.Util{}.QuietClose(framer)
		return &errs.TransportError{Op: "identify handshake", Cause: err}
	}
	if reply.Kind == wire.ReplyError {
		address.Util{}.QuietClose(framer)
		return &errs.ProtocolError{Detail: "identify rejected: " + reply.Error}
	}

	c.framer = framer
	go c.readLoop()

	c.log.Debugf("opened sub connection to %s", c.Addr)
	return nil
}

// Sub sends SUB and must be the first stateful command after Open.
func (c *SubConnection) Sub(topic, channel string) error {
	return c.write(wire.EncodeSub(topic, channel))
}

// RDY sets this connection's receive-ready credit.
func (c *SubConnection) RDY(n int) error {
	return c.write(wire.EncodeRdy(n))
}

// Fin acknowledges successful processing of msgId.
func (c *SubConnection) Fin(msgID string) error {
	return c.write(wire.EncodeFin(msgID))
}

// Req requeues msgId with the given delay.
func (c *SubConnection) Req(msgID string, delayMs int) error {
	return c.write(wire.EncodeReq(msgID, delayMs))
}

// Touch extends the broker's processing timeout for msgId.
func (c *SubConnection) Touch(msgID string) error {
	return c.write(wire.EncodeTouch(msgID))
}

// Cls initiates a graceful close: the broker stops delivering new messages
// on this connection so the caller can drain in-flight ones.
func (c *SubConnection) Cls() error {
	return c.write(wire.EncodeCls())
}

func (c *SubConnection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return &errs.TransportError{Op: "write", Cause: errConnClosed}
	}
	if err := c.framer.WriteFrame(frame); err != nil {
		return &errs.TransportError{Op: "write", Cause: err}
	}
	return nil
}

func (c *SubConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *SubConnection) readLoop() {
	for {
		reply, err := readReply(c.framer)
		if err != nil {
			c.terminate(err)
			return
		}

		switch reply.Kind {
		case wire.ReplyMessage:
			reply.Message.BindFinisher(c)
			if c.onMessage != nil {
				c.onMessage(reply.Message)
			}
		case wire.ReplyError:
			c.terminate(&errs.ProtocolError{Detail: reply.Error})
			return
		case wire.ReplyHeartbeat:
			// Answer the broker's heartbeat with NOP to keep the connection
			// alive.
			_ = c.write(wire.EncodeNop())
		case wire.ReplyOK:
			// Acknowledgement of SUB/RDY/CLS; nothing to dispatch.
		}
	}
}

// terminate transitions the connection to closed and invokes onClose
// exactly once.
func (c *SubConnection) terminate(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	address.Util{}.QuietClose(c.framer)
	if c.onClose != nil {
		c.onClose(cause)
	}
}

// Close is idempotent and releases all resources without reporting a
// cause through onClose (a caller-initiated close is not a failure).
func (c *SubConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	address.Util{}.QuietClose(c.framer)
	return nil
}
