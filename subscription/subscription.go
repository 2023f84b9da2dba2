// Package subscription owns one (topic, channel) binding: a set of
// SubConnections reconciled against discovery, in-flight flow control, and
// the backoff/retry state machine.
package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aquamarinepk/flowmq/address"
	"github.com/aquamarinepk/flowmq/conn"
	"github.com/aquamarinepk/flowmq/log"
	"github.com/aquamarinepk/flowmq/wire"
)

// Id is an opaque, monotonically-increasing subscription identifier, stable
// across the subscription's lifetime.
type Id uint64

var idCounter uint64

func nextId() Id {
	return Id(atomic.AddUint64(&idCounter, 1))
}

// Handler processes one delivered message. Returning an error signals
// handler failure: the message is requeued and the subscription's backoff
// state machine advances.
type Handler interface {
	Handle(ctx context.Context, msg *wire.Message) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, msg *wire.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *wire.Message) error { return f(ctx, msg) }

// FailedMessageHandler is invoked at most once per message that exhausts
// MaxAttempts, just before it is FIN'd to stop further redelivery.
type FailedMessageHandler func(msg *wire.Message)

// Config carries the per-subscription retry/backoff knobs.
type Config struct {
	MaxFlushDelayMillis  int
	MaxAttempts          int // 0 means unbounded
	FailedMessageHandler FailedMessageHandler
}

type eventKind int

const (
	evMessage eventKind = iota
	evConnClosed
	evReconcile
	evSetMaxInFlight
	evHandlerResult
	evBackoffElapsed
	evStop
)

type subEvent struct {
	kind        eventKind
	addr        address.HostAndPort
	msg         *wire.Message
	cause       error
	nodes       map[address.HostAndPort]struct{}
	maxInFlight int
	success     bool
	done        chan struct{}
}

// Subscription is one (topic, channel) binding owning a set of
// SubConnections. A single control-loop goroutine owns maxInFlight, the
// backoff state and the RDY rotation; the reader callbacks and the public
// API both communicate with it only by pushing onto one event channel. The
// connection map and its order are additionally guarded by connMu, because
// Reconcile opens new connections on concurrent goroutines and
// ConnectionCount reads them from outside the loop.
type Subscription struct {
	id      Id
	topic   string
	channel string
	handler Handler
	cfg     Config

	dial    conn.Dialer
	timeout time.Duration
	log     log.Logger

	events chan subEvent
	doneC  chan struct{}
	wg     sync.WaitGroup // handler dispatch goroutines

	connMu      sync.RWMutex
	connections map[address.HostAndPort]*conn.SubConnection
	order       []address.HostAndPort

	maxInFlight  int
	rotateOffset int

	state    backoffState
	backoff  *backoffClock
	inFlight int64

	stopOnce sync.Once
}

// New constructs a Subscription. It does not dial any node until the first
// Reconcile call. defaultMaxInFlight seeds maxInFlight.
func New(id Id, topic, channel string, handler Handler, defaultMaxInFlight int, dial conn.Dialer, timeout time.Duration, cfg Config, logger log.Logger) *Subscription {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	s := &Subscription{
		id:          id,
		topic:       topic,
		channel:     channel,
		handler:     handler,
		cfg:         cfg,
		dial:        dial,
		timeout:     timeout,
		log:         logger.With("component", "subscription", "topic", topic, "channel", channel),
		events:      make(chan subEvent, 256),
		doneC:       make(chan struct{}),
		connections: make(map[address.HostAndPort]*conn.SubConnection),
		maxInFlight: defaultMaxInFlight,
		state:       stateNormal,
		backoff:     newBackoffClock(),
	}
	go s.run()
	return s
}

// NewId mints a fresh subscription identifier.
func NewId() Id { return nextId() }

func (s *Subscription) ID() Id          { return s.id }
func (s *Subscription) Topic() string   { return s.topic }
func (s *Subscription) Channel() string { return s.channel }

// ConnectionCount returns the number of currently-owned connections.
func (s *Subscription) ConnectionCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.connections)
}

// InFlightCount returns the number of messages currently owned by the
// handler (delivered but not yet Fin/Req'd).
func (s *Subscription) InFlightCount() int64 {
	return atomic.LoadInt64(&s.inFlight)
}

// SetMaxInFlight updates maxInFlight and triggers an RDY rebalance.
func (s *Subscription) SetMaxInFlight(n int) {
	s.send(subEvent{kind: evSetMaxInFlight, maxInFlight: n})
}

// Reconcile diffs nodes against the currently owned connections, opening
// new ones and gracefully closing removed ones, then rebalances RDY. It
// blocks until the reconciliation has been fully applied.
func (s *Subscription) Reconcile(ctx context.Context, nodes map[address.HostAndPort]struct{}) {
	done := make(chan struct{})
	s.send(subEvent{kind: evReconcile, nodes: nodes, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stop closes every connection and terminates the control loop. Idempotent.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		done := make(chan struct{})
		s.events <- subEvent{kind: evStop, done: done}
		<-done
	})
}

func (s *Subscription) send(e subEvent) {
	select {
	case s.events <- e:
	case <-s.doneC:
	}
}

// run is the subscription's single control-loop goroutine: it is the only
// goroutine that changes maxInFlight/state. connections/order are also
// written by the per-node goroutines a reconcile starts, under connMu.
func (s *Subscription) run() {
	defer close(s.doneC)
	for e := range s.events {
		switch e.kind {
		case evMessage:
			s.handleMessage(e.msg)
		case evConnClosed:
			s.handleConnClosed(e.addr, e.cause)
		case evReconcile:
			s.handleReconcile(e.nodes)
			if e.done != nil {
				close(e.done)
			}
		case evSetMaxInFlight:
			s.maxInFlight = e.maxInFlight
			if s.state == stateNormal {
				s.rebalanceRDY()
			}
		case evHandlerResult:
			s.handleResult(e.msg, e.success)
		case evBackoffElapsed:
			s.enterTest()
		case evStop:
			s.closeAll()
			if e.done != nil {
				close(e.done)
			}
			return
		}
	}
}

func (s *Subscription) onMessage(msg *wire.Message) {
	s.send(subEvent{kind: evMessage, msg: msg})
}

func (s *Subscription) onConnClosed(addr address.HostAndPort) func(error) {
	return func(cause error) {
		s.send(subEvent{kind: evConnClosed, addr: addr, cause: cause})
	}
}

func (s *Subscription) handleMessage(msg *wire.Message) {
	atomic.AddInt64(&s.inFlight, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		err := s.handler.Handle(ctx, msg)
		s.send(subEvent{kind: evHandlerResult, msg: msg, success: err == nil})
	}()
}

func (s *Subscription) handleResult(msg *wire.Message, success bool) {
	atomic.AddInt64(&s.inFlight, -1)

	if success {
		_ = msg.Finish()
		s.backoff.reset()
		// Backoff exits only via the armed timer firing into Test (see
		// enterBackoff/evBackoffElapsed); a sibling message dispatched
		// before the failure that triggered Backoff can still complete
		// successfully here and must not cancel it. Only the Test state's
		// probe message advances to Normal on success.
		if s.state == stateTest {
			s.enterNormal()
		}
		return
	}

	if s.cfg.MaxAttempts > 0 && int(msg.Attempts) >= s.cfg.MaxAttempts {
		if s.cfg.FailedMessageHandler != nil {
			s.cfg.FailedMessageHandler(msg)
		}
		_ = msg.Finish()
	} else {
		delay := requeueDelay(msg.Attempts, s.cfg.MaxFlushDelayMillis)
		_ = msg.Requeue(delay)
	}

	s.enterBackoff()
}

func (s *Subscription) handleConnClosed(addr address.HostAndPort, cause error) {
	s.connMu.Lock()
	delete(s.connections, addr)
	s.removeFromOrder(addr)
	s.connMu.Unlock()

	if cause != nil {
		s.log.Debugf("connection to %s closed: %v", addr, cause)
	}
}

func (s *Subscription) handleReconcile(nodes map[address.HostAndPort]struct{}) {
	s.connMu.Lock()
	var toAdd []address.HostAndPort
	for addr := range nodes {
		if _, ok := s.connections[addr]; !ok {
			toAdd = append(toAdd, addr)
		}
	}
	var toRemove []address.HostAndPort
	for addr := range s.connections {
		if _, ok := nodes[addr]; !ok {
			toRemove = append(toRemove, addr)
		}
	}
	s.connMu.Unlock()

	var wg sync.WaitGroup
	for _, addr := range toAdd {
		wg.Add(1)
		go func(addr address.HostAndPort) {
			defer wg.Done()
			s.openConnection(addr)
		}(addr)
	}
	wg.Wait()

	for _, addr := range toRemove {
		s.closeGracefully(addr)
	}

	if s.state == stateNormal {
		s.rebalanceRDY()
	}
}

func (s *Subscription) openConnection(addr address.HostAndPort) {
	c := conn.NewSubConnection(addr, s.dial, s.timeout, s.log, s.onMessage, s.onConnClosed(addr))
	if err := c.Open(context.Background()); err != nil {
		s.log.Errorf("open sub connection to %s failed: %v", addr, err)
		return
	}
	if err := c.Sub(s.topic, s.channel); err != nil {
		s.log.Errorf("SUB to %s failed: %v", addr, err)
		_ = c.Close()
		return
	}

	s.connMu.Lock()
	s.connections[addr] = c
	s.order = append(s.order, addr)
	s.connMu.Unlock()
}

func (s *Subscription) closeGracefully(addr address.HostAndPort) {
	s.connMu.Lock()
	c, ok := s.connections[addr]
	delete(s.connections, addr)
	s.removeFromOrder(addr)
	s.connMu.Unlock()
	if !ok {
		return
	}
	_ = c.Cls()
	_ = c.Close()
}

func (s *Subscription) closeAll() {
	s.connMu.Lock()
	conns := make([]*conn.SubConnection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connections = make(map[address.HostAndPort]*conn.SubConnection)
	s.order = nil
	s.connMu.Unlock()

	for _, c := range conns {
		_ = c.Cls()
		_ = c.Close()
	}
	s.wg.Wait()
}

// removeFromOrder must be called with connMu held.
func (s *Subscription) removeFromOrder(addr address.HostAndPort) {
	for i, a := range s.order {
		if a == addr {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
