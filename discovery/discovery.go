// Package discovery looks up the broker nodes currently hosting a topic
// from the HTTP discovery service.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aquamarinepk/flowmq/address"
	"github.com/aquamarinepk/flowmq/log"
)

// Client issues lookup requests against one discovery host. It never
// retries: a failed lookup is the subscriber's concern to count and log,
// not the transport's to paper over, since the per-URL failure counter
// depends on seeing every individual failure.
type Client struct {
	httpClient *http.Client
	log        log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default 30s connect+read timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// New builds a discovery Client.
func New(logger log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.With("component", "discovery_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup queries lookupdHost for the broker nodes currently hosting topic.
// A non-200 response is treated as "no producers", not an error — only a
// transport-level failure (the request never got a response) is returned
// as an error.
func (c *Client) Lookup(ctx context.Context, lookupdHost, topic string) ([]address.HostAndPort, error) {
	u := fmt.Sprintf("http://%s/lookup?topic=%s", lookupdHost, url.QueryEscape(topic))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: request to %s: %w", lookupdHost, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("discovery: read response from %s: %w", lookupdHost, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.log.Debugf("lookup %s topic=%q returned status %d, treating as no producers", lookupdHost, topic, resp.StatusCode)
		return nil, nil
	}

	return parseProducers(body), nil
}

// parseProducers reads the producers array from either the current
// {producers:[...]} shape or the legacy {status_code, data:{producers:[...]}}
// envelope, without maintaining two separate struct definitions.
func parseProducers(body []byte) []address.HostAndPort {
	producers := gjson.GetBytes(body, "producers")
	if !producers.Exists() {
		producers = gjson.GetBytes(body, "data.producers")
	}
	if !producers.Exists() || !producers.IsArray() {
		return nil
	}

	var nodes []address.HostAndPort
	for _, p := range producers.Array() {
		host := p.Get("broadcast_address").String()
		port := p.Get("tcp_port").Int()
		if host == "" || port <= 0 {
			continue
		}
		nodes = append(nodes, address.HostAndPort{Host: host, Port: uint16(port)})
	}
	return nodes
}
