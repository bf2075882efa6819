package loadbalance

import (
	"sync"

	"mini-packet/discovery"
)

// RoundRobinBalancer rotates through endpoints by address rather than by
// position, so a discovery refresh that drops or reorders servers neither
// skips nor repeats the survivors.
type RoundRobinBalancer struct {
	mu   sync.Mutex
	last string // address picked last time
}

// Pick returns the endpoint with the smallest address after the last pick,
// wrapping to the smallest address overall.
func (b *RoundRobinBalancer) Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	next, first := -1, 0
	for i := range endpoints {
		addr := endpoints[i].Addr
		if addr < endpoints[first].Addr {
			first = i
		}
		if addr > b.last && (next < 0 || addr < endpoints[next].Addr) {
			next = i
		}
	}
	if next < 0 {
		next = first
	}
	b.last = endpoints[next].Addr
	return &endpoints[next], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
