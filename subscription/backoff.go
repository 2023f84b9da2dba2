package subscription

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffState is the subscription's handler-failure state machine:
// Normal → Backoff → Test → Normal/Backoff.
type backoffState int

const (
	stateNormal backoffState = iota
	stateBackoff
	stateTest
)

const backoffCeiling = 120 * time.Second

// backoffClock computes the doubling, capped backoff duration via
// cenkalti/backoff's exponential primitive, with randomization disabled so
// successive durations double deterministically (1s, 2s, 4s, ... capped at
// backoffCeiling) rather than jittering.
type backoffClock struct {
	b *backoff.ExponentialBackOff
}

func newBackoffClock() *backoffClock {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = backoffCeiling
	b.MaxElapsedTime = 0 // never stop producing backoffs
	b.RandomizationFactor = 0
	b.Reset()
	return &backoffClock{b: b}
}

// next returns the next backoff duration and advances the clock.
func (c *backoffClock) next() time.Duration {
	d := c.b.NextBackOff()
	if d == backoff.Stop {
		return backoffCeiling
	}
	return d
}

// reset returns the clock to its initial duration, called on any handler
// success.
func (c *backoffClock) reset() {
	c.b.Reset()
}

// enterBackoff transitions to the Backoff state: RDY is set to 0 on every
// connection, and a timer is armed to transition to Test once the computed
// duration elapses. If the subscription is already in Backoff it does
// nothing; each new entry (such as a failed Test probe) takes the clock's
// next, doubled duration.
func (s *Subscription) enterBackoff() {
	if s.state == stateBackoff {
		return
	}
	s.state = stateBackoff
	s.setAllRDYZero()

	d := s.backoff.next()
	time.AfterFunc(d, func() {
		s.send(subEvent{kind: evBackoffElapsed})
	})
}

// enterTest sets RDY=1 on exactly one connection to re-probe the broker.
func (s *Subscription) enterTest() {
	if s.state != stateBackoff {
		return
	}
	s.state = stateTest

	s.connMu.RLock()
	defer s.connMu.RUnlock()
	for i, addr := range s.order {
		c, ok := s.connections[addr]
		if !ok {
			continue
		}
		if i == 0 {
			_ = c.RDY(1)
		} else {
			_ = c.RDY(0)
		}
	}
}

// enterNormal resets the backoff clock and restores the full RDY
// distribution, called when the Test state's probe message succeeds.
func (s *Subscription) enterNormal() {
	s.state = stateNormal
	s.backoff.reset()
	s.rebalanceRDY()
}

func (s *Subscription) setAllRDYZero() {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	for _, c := range s.connections {
		_ = c.RDY(0)
	}
}

// requeueDelay computes the exponential requeue delay for a message with
// the given broker-reported attempt count, capped at maxFlushDelayMillis
// (0 means use the library's default cap).
func requeueDelay(attempts uint16, maxFlushDelayMillis int) int {
	delay := 100 * (1 << minInt(int(attempts), 10))
	ceilingMs := maxFlushDelayMillis
	if ceilingMs <= 0 {
		ceilingMs = 2000
	}
	if delay > ceilingMs {
		delay = ceilingMs
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
