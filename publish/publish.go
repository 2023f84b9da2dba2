// Package publish implements single- and multi-message publishing with an
// atomic-vs-fallback batch policy.
package publish

import (
	"context"
	"errors"

	"github.com/aquamarinepk/flowmq/address"
	"github.com/aquamarinepk/flowmq/balance"
	"github.com/aquamarinepk/flowmq/errs"
	"github.com/aquamarinepk/flowmq/log"
)

// Publisher publishes to a topic through a balance.Strategy, with an
// atomic-vs-fallback policy for multi-message batches.
type Publisher struct {
	strategy balance.Strategy
	atomic   bool
	log      log.Logger
}

// New builds a Publisher over strategy. atomic controls PublishMulti's
// failure policy: when true, a batch failure never falls back to
// per-message publishes.
func New(strategy balance.Strategy, atomic bool, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Publisher{
		strategy: strategy,
		atomic:   atomic,
		log:      logger.With("component", "publisher"),
	}
}

// Publish sends a single message, retrying once on a different node if the
// first attempt fails.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	node, err := p.strategy.Pick(ctx)
	if err != nil {
		return err
	}

	if err := p.attempt(ctx, node, topic, payload); err == nil {
		return nil
	} else {
		node.MarkFailure()
		p.log.Debugf("publish to %s failed, retrying on another node: %v", node.Addr, err)
	}

	retryNode, err := p.strategy.Pick(ctx)
	if err != nil {
		return err
	}
	if err := p.attempt(ctx, retryNode, topic, payload); err != nil {
		retryNode.MarkFailure()
		var pubErr *errs.PublishError
		if errors.As(err, &pubErr) {
			return err
		}
		return &errs.PublishError{Topic: topic, Cause: err}
	}
	return nil
}

func (p *Publisher) attempt(ctx context.Context, node *balance.NodeHealth, topic string, payload []byte) error {
	c, err := node.Conn(ctx)
	if err != nil {
		return err
	}
	return c.Publish(ctx, topic, payload)
}

func (p *Publisher) attemptMulti(ctx context.Context, node *balance.NodeHealth, topic string, payloads [][]byte) error {
	c, err := node.Conn(ctx)
	if err != nil {
		return err
	}
	return c.PublishMulti(ctx, topic, payloads)
}

// PublishMulti publishes a batch of payloads to topic in one MPUB attempt.
// On failure it either surfaces AtomicBatchPublishFailed (atomic=true) or
// falls back to per-message Publish calls in input order (atomic=false),
// absorbing any individual failures.
func (p *Publisher) PublishMulti(ctx context.Context, topic string, payloads [][]byte) error {
	if err := (address.Util{}).CheckNotEmpty("topic", topic); err != nil {
		return &errs.InvalidArgument{Reason: err.Error()}
	}
	if len(payloads) == 0 {
		return &errs.InvalidArgument{Reason: "payloads must not be empty"}
	}

	node, err := p.strategy.Pick(ctx)
	if err != nil {
		return err
	}

	if err := p.attemptMulti(ctx, node, topic, payloads); err == nil {
		return nil
	} else {
		node.MarkFailure()

		if p.atomic {
			return &errs.AtomicBatchPublishFailed{Topic: topic, BatchSize: len(payloads), Cause: err}
		}

		p.log.Debugf("MPUB to %s failed, falling back to %d single publishes: %v", node.Addr, len(payloads), err)
		for _, payload := range payloads {
			// A bare attempt, not the full Publish retry path: the MPUB
			// failure already marked the node once for this batch, and
			// per-message fallback failures are absorbed here rather than
			// triggering their own retry/markFailure cycle.
			fallbackNode, pickErr := p.strategy.Pick(ctx)
			if pickErr != nil {
				p.log.Errorf("fallback publish for topic %q failed: %v", topic, pickErr)
				continue
			}
			if attemptErr := p.attempt(ctx, fallbackNode, topic, payload); attemptErr != nil {
				p.log.Errorf("fallback publish for topic %q failed: %v", topic, attemptErr)
			}
		}
		return nil
	}
}
