// Package loadbalance picks the server a client dials when a service has several instances.
//
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances of different capacity, by ServiceInstance.Weight
//   - ConsistentHash:  a stable instance per key, e.g. per user, while the instance set holds
package loadbalance

import (
	"errors"

	"streamrpc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance from the currently discovered list. Pick is called for
// every dial attempt and must be safe for concurrent use.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (registry.ServiceInstance, error)
	Name() string
}
