// Package loadbalance provides strategies for spreading a producer's hostcalls across
// the endpoints announced for its device session.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity dispatchers
//   - WeightedRandom:  dispatchers announced with different weights
//   - ConsistentHash:  pins one producer to one dispatcher while the endpoint set is stable
package loadbalance

import (
	"errors"
	"fmt"

	"hostcall/discovery"
)

// ErrNoEndpoints is returned by Pick when the session has no announced endpoint.
var ErrNoEndpoints = errors.New("no endpoints available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each hostcall to select a target endpoint.
type Balancer interface {
	// Pick selects one endpoint from the available list.
	// Called on every hostcall, must be goroutine-safe.
	Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. key is only used by "consistent_hash".
func New(name, key string) (Balancer, error) {
	switch name {
	case "round_robin", "":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("unknown load balancer %q", name)
}
