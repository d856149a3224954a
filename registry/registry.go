// Package registry lets servers advertise their endpoints and clients find them.
package registry

import "context"

// Protocols an instance can be reached with.
const (
	ProtocolTCP  = "tcp"  // framed stream transport
	ProtocolHTTP = "http" // HTTP poll transport; Addr is the session URL
)

// ServiceInstance is one reachable server of a service.
type ServiceInstance struct {
	Addr     string `json:"addr"`
	Weight   int    `json:"weight"` // for weighted load balancing
	Version  string `json:"version,omitempty"`
	Protocol string `json:"protocol,omitempty"` // ProtocolTCP when empty
}

// Network returns the instance's protocol, defaulting to TCP.
func (i ServiceInstance) Network() string {
	if i.Protocol == "" {
		return ProtocolTCP
	}
	return i.Protocol
}

type Registry interface {
	// Register advertises instance for ttl seconds, renewing until Deregister or Close.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list whenever it changes, until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
