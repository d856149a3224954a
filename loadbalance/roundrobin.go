package loadbalance

import (
	"sync/atomic"

	"streamrpc/registry"
)

// RoundRobin cycles through the instances in order with a lock-free counter.
type RoundRobin struct {
	counter atomic.Uint64
}

func (b *RoundRobin) Pick(instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	n := b.counter.Add(1) - 1
	return instances[n%uint64(len(instances))], nil
}

func (b *RoundRobin) Name() string { return "RoundRobin" }
