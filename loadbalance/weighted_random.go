package loadbalance

import (
	"math/rand/v2"

	"streamrpc/registry"
)

// WeightedRandom picks an instance with probability proportional to its Weight.
// Instances with a weight of zero or less count as weight 1.
type WeightedRandom struct{}

func (WeightedRandom) Pick(instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	total := 0
	for _, inst := range instances {
		total += weight(inst)
	}
	r := rand.IntN(total)
	for _, inst := range instances {
		r -= weight(inst)
		if r < 0 {
			return inst, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (WeightedRandom) Name() string { return "WeightedRandom" }

func weight(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
