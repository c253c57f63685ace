package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"hostcall/discovery"
)

// ConsistentHashBalancer maps a producer key to an endpoint using a hash ring.
// The same key always maps to the same endpoint until the endpoint set changes, so a
// producer keeps reusing the same pooled connections.
//
// Virtual nodes: each endpoint is mapped to N virtual nodes on the ring so that a small
// endpoint set still spreads keys evenly.
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
	key      string // Producer identity used by Pick
	replicas int    // Virtual nodes per endpoint

	mu      sync.Mutex
	members string                        // Sorted addresses the ring was built from
	ring    []uint32                      // Sorted hash values on the ring
	nodes   map[uint32]discovery.Endpoint // Hash value → endpoint
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint that
// routes every Pick by key.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]discovery.Endpoint),
	}
}

// Add places an endpoint onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(ep discovery.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(ep)
}

func (b *ConsistentHashBalancer) add(ep discovery.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
	slices.Sort(b.ring)
}

// Lookup finds the endpoint responsible for key: the first node clockwise from the
// key's hash, wrapping around to the first node.
func (b *ConsistentHashBalancer) Lookup(key string) (*discovery.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(key)
}

func (b *ConsistentHashBalancer) lookup(key string) (*discovery.Endpoint, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

// Pick rebuilds the ring when the endpoint set differs from the last call, then looks up
// the balancer's key.
func (b *ConsistentHashBalancer) Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	slices.Sort(addrs)
	members := strings.Join(addrs, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if members != b.members {
		b.ring = b.ring[:0]
		clear(b.nodes)
		for _, ep := range endpoints {
			b.add(ep)
		}
		b.members = members
	}
	return b.lookup(b.key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
