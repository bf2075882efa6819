package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"mini-packet/discovery"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring, so the same key
// keeps landing on the same server until the ring changes.
//
// Each endpoint owns replicas virtual nodes to spread load evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32                       // sorted virtual node hashes
	nodes map[uint32]*discovery.Endpoint // virtual node hash → endpoint
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*discovery.Endpoint),
	}
}

func (b *ConsistentHashBalancer) Add(ep *discovery.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Remove takes an endpoint's virtual nodes off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring := b.ring[:0]
	for _, h := range b.ring {
		if n := b.nodes[h]; n == nil || n.Addr == addr {
			delete(b.nodes, h)
			continue
		}
		ring = append(ring, h)
	}
	b.ring = ring
}

// Pick returns the first virtual node clockwise from the key's hash.
// It takes a key rather than a list, so it does not implement Balancer directly;
// see KeyedBalancer.
func (b *ConsistentHashBalancer) Pick(key string) (*discovery.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// KeyedBalancer adapts consistent hashing to Balancer for a fixed key,
// rebuilding the ring from each discovered list.
type KeyedBalancer struct {
	Key string
}

func (k KeyedBalancer) Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error) {
	ring := NewConsistentHashBalancer()
	for i := range endpoints {
		ring.Add(&endpoints[i])
	}
	return ring.Pick(k.Key)
}

func (k KeyedBalancer) Name() string {
	return "ConsistentHash(" + k.Key + ")"
}
