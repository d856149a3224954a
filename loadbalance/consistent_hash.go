package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"streamrpc/registry"
)

// DefaultReplicas is the number of virtual nodes per instance.
const DefaultReplicas = 100

// ConsistentHash maps keys onto a hash ring of instances. Each instance owns Replicas virtual
// nodes hashed from "{addr}#{i}", which keeps the load even when there are few instances.
//
//	               0
//	             ╱   ╲
//	        B ●         ● A
//	          │  key ◆──►   (clockwise to the nearest node: A)
//	        C ●         ● A'
//	             ╲   ╱
//
// The ring is rebuilt only when the instance set changes.
type ConsistentHash struct {
	key      string
	replicas int

	mu    sync.Mutex
	addrs string // signature of the instance set the ring was built from
	ring  []uint32
	nodes map[uint32]registry.ServiceInstance
}

// NewConsistentHash returns a balancer whose Pick always hashes key. Use PickKey to hash a
// different key per call.
func NewConsistentHash(key string, replicas int) *ConsistentHash {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &ConsistentHash{key: key, replicas: replicas}
}

func (b *ConsistentHash) Pick(instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	return b.PickKey(instances, b.key)
}

// PickKey returns the instance owning key on the ring built from instances.
func (b *ConsistentHash) PickKey(instances []registry.ServiceInstance, key string) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHash) Name() string { return "ConsistentHash" }

func (b *ConsistentHash) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.addrs && b.nodes != nil {
		return
	}

	b.addrs = sig
	b.ring = make([]uint32, 0, len(instances)*b.replicas)
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(inst.Addr + "#" + strconv.Itoa(i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}
