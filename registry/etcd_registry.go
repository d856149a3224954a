package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultPrefix is the key prefix under which instances are stored:
//
//	Key:   /streamrpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
const DefaultPrefix = "/streamrpc/"

// EtcdRegistry implements Registry on etcd v3. Entries are attached to a lease with the
// registration's TTL, so a server that dies without deregistering disappears on its own.
type EtcdRegistry struct {
	client *clientv3.Client // safe for concurrent use
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister/Close
}

// EtcdOptions configures NewEtcdRegistry.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration // 5s
	Prefix      string        // DefaultPrefix
	Logger      *zap.Logger
}

// NewEtcdRegistry connects to etcd. The etcd client logs through the same zap logger.
func NewEtcdRegistry(opts EtcdOptions) (*EtcdRegistry, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Logger:      opts.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		prefix: opts.Prefix,
		log:    opts.Logger.Named("registry"),
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

// Register grants a lease of ttl seconds, stores the instance under it and keeps the lease
// alive in the background. A lease granted for a registration that then fails is revoked.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	key := r.key(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return multierr.Append(fmt.Errorf("storing %s: %w", key, err), r.revoke(ctx, lease.ID))
	}

	// The keep-alive must outlive ctx, which usually only covers the registration call.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return multierr.Append(fmt.Errorf("keeping %s alive: %w", key, err), r.revoke(ctx, lease.ID))
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keep-alive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	return nil
}

// revoke gives up a lease even when ctx has already ended.
func (r *EtcdRegistry) revoke(ctx context.Context, lease clientv3.LeaseID) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := r.client.Revoke(ctx, lease)
	return err
}

// Deregister deletes the instance and revokes its lease, which also stops the keep-alive.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	_, err := r.client.Delete(ctx, key)

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		_, rerr := r.client.Revoke(ctx, lease)
		err = multierr.Append(err, rerr)
	}
	return err
}

// Discover lists the instances currently registered for serviceName.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.prefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the full list after every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, r.prefix+serviceName+"/", clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.log.Warn("re-reading instances after change", zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes every lease this registry granted and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs error
	for _, lease := range leases {
		_, err := r.client.Revoke(ctx, lease)
		errs = multierr.Append(errs, err)
	}
	return multierr.Append(errs, r.client.Close())
}
