// Package subscriber owns the subscription registry, the periodic
// topic→nodes discovery poll, and the public subscribe/unsubscribe/
// drain/await/stop surface.
package subscriber

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aquamarinepk/flowmq/address"
	"github.com/aquamarinepk/flowmq/conn"
	"github.com/aquamarinepk/flowmq/discovery"
	"github.com/aquamarinepk/flowmq/errs"
	"github.com/aquamarinepk/flowmq/log"
	"github.com/aquamarinepk/flowmq/subscription"
)

// Config carries the per-Subscriber knobs.
type Config struct {
	LookupHosts                  []string
	LookupIntervalSecs           int
	MaxLookupFailuresBeforeError int
	DefaultMaxInFlight           int
	MaxFlushDelayMillis          int
	MaxAttempts                  int
	DialTimeout                  time.Duration
	FailedMessageHandler         subscription.FailedMessageHandler
}

// Subscriber owns a registry of Subscriptions and the discovery poll that
// keeps each one's connections reconciled against its topic's current
// nodes.
type Subscriber struct {
	cfg       Config
	dial      conn.Dialer
	discovery *discovery.Client
	log       log.Logger

	mu   sync.Mutex
	subs map[subscription.Id]*subscription.Subscription

	failuresMu sync.Mutex
	failures   map[string]int

	stopC    chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New constructs a Subscriber and starts its discovery polling loop at
// cfg.LookupIntervalSecs.
func New(cfg Config, dial conn.Dialer, logger log.Logger) *Subscriber {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if cfg.LookupIntervalSecs <= 0 {
		cfg.LookupIntervalSecs = 60
	}
	if cfg.MaxLookupFailuresBeforeError <= 0 {
		cfg.MaxLookupFailuresBeforeError = 5
	}

	s := &Subscriber{
		cfg:       cfg,
		dial:      dial,
		discovery: discovery.New(logger),
		log:       logger.With("component", "subscriber"),
		subs:      make(map[subscription.Id]*subscription.Subscription),
		failures:  make(map[string]int),
		stopC:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.pollLoop()
	return s
}

// Subscribe binds topic/channel to handler using the configured
// DefaultMaxInFlight.
func (s *Subscriber) Subscribe(ctx context.Context, topic, channel string, handler subscription.Handler) subscription.Id {
	return s.SubscribeWithMaxInFlight(ctx, topic, channel, s.cfg.DefaultMaxInFlight, handler)
}

// SubscribeWithMaxInFlight binds topic/channel to handler with an explicit
// maxInFlight. The subscription's connections are reconciled against the
// topic's current nodes synchronously before this call returns, so a
// caller can publish immediately after Subscribe without racing the first
// discovery poll.
func (s *Subscriber) SubscribeWithMaxInFlight(ctx context.Context, topic, channel string, maxInFlight int, handler subscription.Handler) subscription.Id {
	id := subscription.NewId()
	subCfg := subscription.Config{
		MaxFlushDelayMillis:  s.cfg.MaxFlushDelayMillis,
		MaxAttempts:          s.cfg.MaxAttempts,
		FailedMessageHandler: s.cfg.FailedMessageHandler,
	}
	sub := subscription.New(id, topic, channel, handler, maxInFlight, s.dial, s.cfg.DialTimeout, subCfg, s.log)

	s.mu.Lock()
	s.subs[id] = sub
	s.mu.Unlock()

	nodes := s.lookupTopic(ctx, topic)
	sub.Reconcile(ctx, nodes)
	return id
}

// Unsubscribe stops and removes the subscription, closing every connection
// it owns. Returns false if id is unknown.
func (s *Subscriber) Unsubscribe(id subscription.Id) bool {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	sub.Stop()
	return true
}

// SetMaxInFlight applies n to every subscription currently bound to
// (topic, channel).
func (s *Subscriber) SetMaxInFlight(topic, channel string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.Topic() == topic && sub.Channel() == channel {
			sub.SetMaxInFlight(n)
		}
	}
}

// DrainInFlight sets maxInFlight=0 on every subscription. Nodes discovered
// afterward start at RDY=0 and stay there until SetMaxInFlight raises it
// above zero again: drain is sticky, not a one-shot pause.
func (s *Subscriber) DrainInFlight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.SetMaxInFlight(0)
	}
}

// GetCurrentInFlightCount sums in-flight (delivered, not yet Fin/Req'd)
// messages across every subscription.
func (s *Subscriber) GetCurrentInFlightCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, sub := range s.subs {
		total += sub.InFlightCount()
	}
	return total
}

// ConnectionCount sums the number of owned connections across every
// subscription.
func (s *Subscriber) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, sub := range s.subs {
		total += sub.ConnectionCount()
	}
	return total
}

// AwaitNoMessagesInFlight polls GetCurrentInFlightCount every 500ms until it
// reaches zero or timeout elapses, returning whether it reached zero.
func (s *Subscriber) AwaitNoMessagesInFlight(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	if s.GetCurrentInFlightCount() == 0 {
		return true
	}
	for {
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
		if s.GetCurrentInFlightCount() == 0 {
			return true
		}
	}
}

// Stop stops discovery polling and closes every subscription. Idempotent.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopC)
		s.wg.Wait()

		s.mu.Lock()
		subs := make([]*subscription.Subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.subs = make(map[subscription.Id]*subscription.Subscription)
		s.mu.Unlock()

		for _, sub := range subs {
			sub.Stop()
		}
	})
}

func (s *Subscriber) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.LookupIntervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopC:
			return
		case <-ticker.C:
			s.lookupAndReconcileAll(context.Background())
		}
	}
}

func (s *Subscriber) lookupAndReconcileAll(ctx context.Context) {
	s.mu.Lock()
	subs := make([]*subscription.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	topics := make(map[string]struct{})
	for _, sub := range subs {
		topics[sub.Topic()] = struct{}{}
	}

	nodesByTopic := make(map[string]map[address.HostAndPort]struct{}, len(topics))
	for topic := range topics {
		nodesByTopic[topic] = s.lookupTopic(ctx, topic)
	}

	for _, sub := range subs {
		sub.Reconcile(ctx, nodesByTopic[sub.Topic()])
	}
}

// lookupTopic fans the configured discovery hosts out through an errgroup so
// one hung host does not delay the others, and unions the producers each
// host reports. A failing host never aborts the others' lookups.
func (s *Subscriber) lookupTopic(ctx context.Context, topic string) map[address.HostAndPort]struct{} {
	nodes := make(map[address.HostAndPort]struct{})
	var mu sync.Mutex
	var g errgroup.Group

	for _, host := range s.cfg.LookupHosts {
		host := host
		g.Go(func() error {
			found, err := s.discovery.Lookup(ctx, host, topic)
			if err != nil {
				s.recordFailure(host, err)
				return nil
			}
			s.recordSuccess(host)

			mu.Lock()
			for _, n := range found {
				nodes[n] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return nodes
}

// recordFailure increments the per-URL consecutive failure counter and
// escalates the log level once it reaches MaxLookupFailuresBeforeError.
// Polling never stops because of this.
func (s *Subscriber) recordFailure(url string, cause error) {
	s.failuresMu.Lock()
	s.failures[url]++
	n := s.failures[url]
	s.failuresMu.Unlock()

	lf := &errs.LookupFailure{URL: url, Cause: cause}
	if n >= s.cfg.MaxLookupFailuresBeforeError {
		s.log.Errorf("%v (consecutive failure #%d)", lf, n)
	} else {
		s.log.Infof("%v (consecutive failure #%d)", lf, n)
	}
}

func (s *Subscriber) recordSuccess(url string) {
	s.failuresMu.Lock()
	s.failures[url] = 0
	s.failuresMu.Unlock()
}
