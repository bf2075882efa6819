// Package loadbalance picks which advertised server a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  heterogeneous servers (different CPU/memory)
//   - ConsistentHash:  sticky placement, e.g. one chat room per server
package loadbalance

import (
	"errors"

	"mini-packet/discovery"
)

var ErrNoEndpoints = discovery.ErrNoEndpoints

// Balancer selects a target before each connect. Pick must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error)
	Name() string
}

// New returns the balancer registered under name ("", "roundrobin", "weighted").
func New(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	default:
		return nil, errors.New("loadbalance: unknown strategy " + name)
	}
}
