package subscription

import "github.com/aquamarinepk/flowmq/address"

// rebalanceRDY recomputes and pushes RDY counts across all connections:
// floor(M/k) base share plus M mod k distributed to a rotating stable
// subset; M < k rotates a size-M RDY=1 subset; M == 0 drains every
// connection to RDY=0. Must be called from the control-loop goroutine (it
// reads/writes s.rotateOffset and reads s.maxInFlight without locking).
func (s *Subscription) rebalanceRDY() {
	s.connMu.RLock()
	addrs := make([]address.HostAndPort, len(s.order))
	copy(addrs, s.order)
	s.connMu.RUnlock()

	k := len(addrs)
	if k == 0 {
		return
	}

	m := s.maxInFlight
	rdy := make(map[address.HostAndPort]int, k)

	switch {
	case m <= 0:
		for _, a := range addrs {
			rdy[a] = 0
		}
	case m < k:
		start := s.rotateOffset % k
		for i := 0; i < k; i++ {
			rdy[addrs[i]] = 0
		}
		for i := 0; i < m; i++ {
			rdy[addrs[(start+i)%k]] = 1
		}
		s.rotateOffset = (s.rotateOffset + 1) % k
	default:
		base := m / k
		rem := m % k
		for _, a := range addrs {
			rdy[a] = base
		}
		start := s.rotateOffset % k
		for i := 0; i < rem; i++ {
			rdy[addrs[(start+i)%k]]++
		}
		if rem > 0 {
			s.rotateOffset = (s.rotateOffset + 1) % k
		}
	}

	s.connMu.RLock()
	defer s.connMu.RUnlock()
	for addr, n := range rdy {
		c, ok := s.connections[addr]
		if !ok {
			continue
		}
		if err := c.RDY(n); err != nil {
			s.log.Errorf("RDY(%d) to %s failed: %v", n, addr, err)
		}
	}
}
