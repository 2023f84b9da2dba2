// Package conn implements the two connection types this client needs:
// PubConnection (publish-only) and SubConnection (subscribe + flow control).
// Each owns exactly one TCP socket, one background reader goroutine, and one
// writer mutex serializing outbound frames.
package conn

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aquamarinepk/flowmq/address"
	"github.com/aquamarinepk/flowmq/errs"
	"github.com/aquamarinepk/flowmq/log"
	"github.com/aquamarinepk/flowmq/wire"
)

// defaultClientID generates a random client_id for the IDENTIFY handshake
// when the caller does not supply one of their own.
func defaultClientID() string {
	return uuid.New().String()
}

// Dialer opens a wire.Framer to addr. Production code uses wire.Dial;
// tests substitute a fake that never touches the network.
type Dialer func(ctx context.Context, addr string, timeout time.Duration) (wire.Framer, error)

// identifyPayload builds a minimal IDENTIFY JSON body. Kept intentionally
// small: capability negotiation beyond an opaque handshake is out of scope.
func identifyPayload(clientID string) []byte {
	return []byte(fmt.Sprintf(`{"client_id":%q}`, clientID))
}

// PubConnection is a single connection used to publish to one broker node.
type PubConnection struct {
	addr     address.HostAndPort
	dial     Dialer
	timeout  time.Duration
	clientID string
	log      log.Logger

	writeMu sync.Mutex
	framer  wire.Framer

	mu         sync.Mutex
	closed     bool
	replyCh    chan replyOrErr
	readerDone chan struct{}
}

type replyOrErr struct {
	reply *wire.Reply
	err   error
}

// NewPubConnection constructs a PubConnection bound to addr. It does not
// dial until Open is called.
func NewPubConnection(addr address.HostAndPort, dial Dialer, timeout time.Duration, logger log.Logger) *PubConnection {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &PubConnection{
		addr:     addr,
		dial:     dial,
		timeout:  timeout,
		clientID: defaultClientID(),
		log:      logger.With("component", "pub_connection", "addr", addr.String()),
	}
}

// Open dials the node and performs the IDENTIFY handshake.
func (c *PubConnection) Open(ctx context.Context) error {
	framer, err := c.dial(ctx, c.addr.String(), c.timeout)
	if err != nil {
		return &errs.TransportError{Op: "dial", Cause: err}
	}

	if err := framer.WriteFrame(wire.EncodeIdentify(identifyPayload(c.clientID))); err != nil {
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
	c.replyCh = make(chan replyOrErr, 1)
	c.readerDone = make(chan struct{})
	go c.readLoop()

	c.log.Debugf("opened pub connection to %s", c.addr)
	return nil
}

func (c *PubConnection) readLoop() {
	defer close(c.readerDone)
	for {
		reply, err := readReply(c.framer)
		if err != nil {
			select {
			case c.replyCh <- replyOrErr{err: err}:
			default:
			}
			return
		}
		select {
		case c.replyCh <- replyOrErr{reply: reply}:
		default:
			// No one is waiting (shouldn't happen: PubConnection is
			// strictly request/response), drop to avoid blocking forever.
		}
	}
}

// Publish sends a single PUB command and waits for the broker's reply.
func (c *PubConnection) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.roundTrip(ctx, topic, wire.EncodePub(topic, payload))
}

// PublishMulti sends a batched MPUB command and waits for the broker's
// single reply covering the whole batch.
func (c *PubConnection) PublishMulti(ctx context.Context, topic string, payloads [][]byte) error {
	return c.roundTrip(ctx, topic, wire.EncodeMPub(topic, payloads))
}

func (c *PubConnection) roundTrip(ctx context.Context, topic string, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return &errs.TransportError{Op: "publish", Cause: fmt.Errorf("connection closed")}
	}

	if err := c.framer.WriteFrame(frame); err != nil {
		return &errs.PublishError{Topic: topic, Cause: &errs.TransportError{Op: "write", Cause: err}}
	}

	select {
	case r := <-c.replyCh:
		if r.err != nil {
			return &errs.PublishError{Topic: topic, Cause: &errs.TransportError{Op: "read reply", Cause: r.err}}
		}
		switch r.reply.Kind {
		case wire.ReplyOK:
			return nil
		case wire.ReplyError:
			return &errs.PublishError{Topic: topic, Cause: fmt.Errorf("%s", r.reply.Error)}
		default:
			return &errs.PublishError{Topic: topic, Cause: fmt.Errorf("unexpected reply kind %v", r.reply.Kind)}
		}
	case <-ctx.Done():
		return &errs.PublishError{Topic: topic, Cause: ctx.Err()}
	}
}

func (c *PubConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close is idempotent and releases all resources.
func (c *PubConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.framer != nil {
		address.Util{}.QuietClose(c.framer)
	}
	return nil
}

// readReply reads one frame and decodes its leading 4-byte type tag.
func readReply(framer wire.Framer) (*wire.Reply, error) {
	raw, err := framer.ReadFrame()
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("wire: reply frame too short")
	}
	kind := int32(binary.BigEndian.Uint32(raw[:4]))
	return wire.DecodeReply(kind, raw[4:])
}
