// Package flowmq is the client facade wiring a Publisher and a Subscriber
// over a shared configuration: an explicit, stoppable value plus a
// lazily-initialized convenience default for callers that just want a
// shared instance without managing lifetime themselves.
package flowmq

import (
	"fmt"
	"sync"
	"time"

	"github.com/aquamarinepk/flowmq/address"
	"github.com/aquamarinepk/flowmq/balance"
	"github.com/aquamarinepk/flowmq/config"
	"github.com/aquamarinepk/flowmq/log"
	"github.com/aquamarinepk/flowmq/publish"
	"github.com/aquamarinepk/flowmq/subscriber"
	"github.com/aquamarinepk/flowmq/wire"
)

// defaultPubPort is the broker's conventional TCP port, used when a
// publisher.nodes entry omits one.
const defaultPubPort = 4150

// Client owns one Publisher and one Subscriber built from the same Config.
type Client struct {
	Publisher  *publish.Publisher
	Subscriber *subscriber.Subscriber

	log log.Logger
}

// New builds a Client: a Publisher over cfg.Publisher's node list and
// atomicity policy, and a Subscriber polling cfg.Lookup's discovery hosts.
func New(cfg *config.Config, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	strategy, err := buildStrategy(cfg, logger)
	if err != nil {
		return nil, err
	}
	pub := publish.New(strategy, cfg.Publisher.Atomic, logger)

	sub := subscriber.New(subscriber.Config{
		LookupHosts:                  cfg.Lookup.Hosts,
		LookupIntervalSecs:           cfg.Lookup.IntervalSecs,
		MaxLookupFailuresBeforeError: cfg.Lookup.MaxFailuresBeforeError,
		DefaultMaxInFlight:           cfg.Subscriber.DefaultMaxInFlight,
		MaxFlushDelayMillis:          cfg.Subscriber.MaxFlushDelayMillis,
		MaxAttempts:                  cfg.Subscriber.MaxAttempts,
		DialTimeout:                  time.Duration(cfg.Subscriber.DialTimeoutMs) * time.Millisecond,
	}, wire.Dial, logger)

	return &Client{Publisher: pub, Subscriber: sub, log: logger}, nil
}

func buildStrategy(cfg *config.Config, logger log.Logger) (balance.Strategy, error) {
	dialTimeout := time.Duration(cfg.Publisher.DialTimeoutMs) * time.Millisecond

	nodes := make([]*balance.NodeHealth, 0, len(cfg.Publisher.Nodes))
	for _, n := range cfg.Publisher.Nodes {
		hp, err := address.ParseHostAndPort(n, defaultPubPort)
		if err != nil {
			return nil, fmt.Errorf("flowmq: parse publisher node %q: %w", n, err)
		}
		nodes = append(nodes, balance.NewNodeHealth(hp, wire.Dial, dialTimeout, logger))
	}

	if len(nodes) == 1 {
		return balance.NewSingleNode("*", nodes[0]), nil
	}
	return balance.NewRoundRobinFailover("*", nodes), nil
}

// Stop stops the Subscriber's discovery polling and closes every
// subscription. The Publisher holds no background goroutines of its own; its
// node connections close lazily as balance.NodeHealth.MarkFailure or process
// exit reclaim them.
func (c *Client) Stop() {
	c.Subscriber.Stop()
}

var (
	defaultOnce   sync.Once
	defaultClient *Client
	defaultErr    error
)

// Default lazily builds a process-wide shared Client from Config defaults
// (environment-less: no file, no env prefix) the first time it is called,
// and returns the same instance on every subsequent call. Callers that want
// custom configuration should use New directly; Default exists only for
// callers that want a shared instance with an explicit, stoppable lifetime
// instead of a bare package-level singleton.
func Default() (*Client, error) {
	defaultOnce.Do(func() {
		logger := log.NewLogger("info")
		cfg, err := config.New(logger)
		if err != nil {
			defaultErr = fmt.Errorf("flowmq: build default config: %w", err)
			return
		}
		defaultClient, defaultErr = New(cfg, logger)
	})
	return defaultClient, defaultErr
}
