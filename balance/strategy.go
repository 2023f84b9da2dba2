package balance

import (
	"context"
	"sync"

	"github.com/aquamarinepk/flowmq/errs"
)

// SingleNode always picks the same node. Useful for tests and for callers
// that intentionally publish to one broker.
type SingleNode struct {
	topic string
	node  *NodeHealth
}

// NewSingleNode wraps a single NodeHealth in a Strategy.
func NewSingleNode(topic string, node *NodeHealth) *SingleNode {
	return &SingleNode{topic: topic, node: node}
}

func (s *SingleNode) Pick(ctx context.Context) (*NodeHealth, error) {
	if s.node == nil {
		return nil, &errs.NoNodesAvailable{Topic: s.topic}
	}
	return s.node, nil
}

func (s *SingleNode) Nodes() []*NodeHealth {
	if s.node == nil {
		return nil
	}
	return []*NodeHealth{s.node}
}

// RoundRobinFailover cycles through a fixed set of nodes, skipping any that
// failed within failureBackoff. When every node is currently unhealthy it
// falls back to the least-recently-failed one instead of reporting
// NoNodesAvailable, since a recently-failed node still has the best chance
// of having recovered.
type RoundRobinFailover struct {
	topic string

	mu    sync.Mutex
	nodes []*NodeHealth
	next  int
}

// NewRoundRobinFailover builds a RoundRobinFailover over nodes. nodes must
// be non-empty; an empty slice makes every Pick call return
// NoNodesAvailable.
func NewRoundRobinFailover(topic string, nodes []*NodeHealth) *RoundRobinFailover {
	return &RoundRobinFailover{topic: topic, nodes: nodes}
}

func (r *RoundRobinFailover) Pick(ctx context.Context) (*NodeHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.nodes) == 0 {
		return nil, &errs.NoNodesAvailable{Topic: r.topic}
	}

	n := len(r.nodes)
	for i := 0; i < n; i++ {
		idx := (r.next + i) % n
		if r.nodes[idx].Healthy() {
			r.next = (idx + 1) % n
			return r.nodes[idx], nil
		}
	}

	// Every node is currently in its failure backoff window: fall back to
	// the one that failed longest ago, since it has the best chance of
	// having recovered.
	best := r.nodes[0]
	for _, node := range r.nodes[1:] {
		if node.LastFailureAt().Before(best.LastFailureAt()) {
			best = node
		}
	}
	r.next = (r.indexOf(best) + 1) % n
	return best, nil
}

func (r *RoundRobinFailover) indexOf(target *NodeHealth) int {
	for i, node := range r.nodes {
		if node == target {
			return i
		}
	}
	return 0
}

func (r *RoundRobinFailover) Nodes() []*NodeHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*NodeHealth, len(r.nodes))
	copy(out, r.nodes)
	return out
}
