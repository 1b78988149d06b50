// Package registry tracks the set of devices allowed to participate in
// balancing markets. Balancing offers from an unregistered seller are
// rejected at submission; inter-market agents bypass the gate because the
// offer they mirror was already admitted at its origin.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryRegistry is an in-process device registry. It is safe for
// concurrent use and is the default for simulations.
type MemoryRegistry struct {
	mu      sync.RWMutex
	devices map[string]struct{}
}

func NewMemory(names ...string) *MemoryRegistry {
	r := &MemoryRegistry{devices: make(map[string]struct{}, len(names))}
	for _, n := range names {
		r.devices[n] = struct{}{}
	}
	return r
}

// Register admits a device by name.
func (r *MemoryRegistry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = struct{}{}
}

// Unregister removes a device by name.
func (r *MemoryRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, name)
}

// Clear removes every registered device.
func (r *MemoryRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]struct{})
}

func (r *MemoryRegistry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[name]
	return ok
}

// Names returns the registered device names.
func (r *MemoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.devices))
	for n := range r.devices {
		out = append(out, n)
	}
	return out
}

// RedisRegistry reads the registered device set from Redis, so that
// external tooling can admit and revoke devices while a simulation runs.
// Lookups fail closed: a Redis error counts as not registered.
type RedisRegistry struct {
	rdb     *redis.Client
	key     string
	timeout time.Duration
}

func NewRedis(rdb *redis.Client, key string, timeout time.Duration) *RedisRegistry {
	if key == "" {
		key = "balancing:devices"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisRegistry{rdb: rdb, key: key, timeout: timeout}
}

// Register admits a device by name.
func (r *RedisRegistry) Register(ctx context.Context, name string) error {
	return r.rdb.SAdd(ctx, r.key, name).Err()
}

// Unregister removes a device by name.
func (r *RedisRegistry) Unregister(ctx context.Context, name string) error {
	return r.rdb.SRem(ctx, r.key, name).Err()
}

func (r *RedisRegistry) IsRegistered(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ok, err := r.rdb.SIsMember(ctx, r.key, name).Result()
	if err != nil {
		slog.Error("registry lookup failed", "device", name, "err", err)
		return false
	}
	return ok
}
