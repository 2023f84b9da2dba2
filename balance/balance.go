// Package balance tracks the health of a publisher's broker nodes and picks
// which one to use for the next publish attempt.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/aquamarinepk/flowmq/address"
	"github.com/aquamarinepk/flowmq/conn"
	"github.com/aquamarinepk/flowmq/log"
)

// failureBackoff is how long a node is skipped after MarkFailure before it
// is eligible to be picked again.
const failureBackoff = 10 * time.Second

// NodeHealth owns the lazily-opened PubConnection to one broker node and
// tracks when it last failed.
type NodeHealth struct {
	Addr address.HostAndPort

	dial    conn.Dialer
	timeout time.Duration
	log     log.Logger

	mu            sync.Mutex
	pubConn       *conn.PubConnection
	lastFailureAt time.Time
}

// NewNodeHealth constructs a NodeHealth bound to addr. It does not dial
// until Conn is first called.
func NewNodeHealth(addr address.HostAndPort, dial conn.Dialer, timeout time.Duration, logger log.Logger) *NodeHealth {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &NodeHealth{
		Addr:    addr,
		dial:    dial,
		timeout: timeout,
		log:     logger.With("component", "node_health", "addr", addr.String()),
	}
}

// Conn returns the node's PubConnection, opening it on first use.
func (n *NodeHealth) Conn(ctx context.Context) (*conn.PubConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pubConn != nil {
		return n.pubConn, nil
	}

	c := conn.NewPubConnection(n.Addr, n.dial, n.timeout, n.log)
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	n.pubConn = c
	return n.pubConn, nil
}

// MarkFailure records that a publish attempt against this node just failed
// and closes the underlying connection so the next Conn call reopens it. It
// is idempotent: concurrent callers racing to report the same failure only
// pay the close once.
func (n *NodeHealth) MarkFailure() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastFailureAt = time.Now()
	if n.pubConn != nil {
		address.Util{}.QuietClose(closerFunc(n.pubConn.Close))
		n.pubConn = nil
	}
}

// closerFunc adapts a func() error to io.Closer so MarkFailure can reuse
// address.Util.QuietClose.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Healthy reports whether this node is outside its failure backoff window.
func (n *NodeHealth) Healthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastFailureAt.IsZero() || time.Since(n.lastFailureAt) >= failureBackoff
}

// LastFailureAt returns the last time MarkFailure was called, or the zero
// time if it never has been.
func (n *NodeHealth) LastFailureAt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastFailureAt
}

// IsConnected reports whether a PubConnection is currently open for this
// node. It is false before the first Conn() call and after any MarkFailure
// until the next successful Conn() reopens it.
func (n *NodeHealth) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pubConn != nil
}

// Close releases the node's connection, if one is open.
func (n *NodeHealth) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pubConn == nil {
		return nil
	}
	err := n.pubConn.Close()
	n.pubConn = nil
	return err
}

// Strategy picks the next node a publish attempt should use.
type Strategy interface {
	Pick(ctx context.Context) (*NodeHealth, error)
	Nodes() []*NodeHealth
}
