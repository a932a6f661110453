// Package pool implements ResourcePool (§4.6): a counting semaphore for a
// named class of resources (e.g. linker slots), plus a registry that
// acquires several pools in a fixed order to avoid cross-pool deadlock.
package pool

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Unlimited marks a pool with no capacity bound, mirroring the original
// sw::builder::ResourcePool's `n == -1` sentinel (original_source/include/sw/builder/command.h).
const Unlimited = -1

// Pool is a counting semaphore with capacity N, or Unlimited.
type Pool struct {
	name string
	sem  *semaphore.Weighted
}

// New creates a Pool with the given capacity. capacity == Unlimited means
// acquire/release are no-ops.
func New(name string, capacity int) *Pool {
	p := &Pool{name: name}
	if capacity != Unlimited {
		p.sem = semaphore.NewWeighted(int64(capacity))
	}
	return p
}

// Name returns the pool's identifier, used to sort acquisition order.
func (p *Pool) Name() string { return p.name }

// Acquire blocks until a permit is free or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) error {
	if p.sem == nil {
		return nil
	}
	return p.sem.Acquire(ctx, 1)
}

// Release returns one permit.
func (p *Pool) Release() {
	if p.sem == nil {
		return
	}
	p.sem.Release(1)
}

// Registry owns the named pools a build declares (via the `pools` config
// map, §6) and resolves a command's resource_tags into Pools.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry builds a Registry from name->capacity pairs.
func NewRegistry(capacities map[string]int) *Registry {
	r := &Registry{pools: make(map[string]*Pool, len(capacities))}
	for name, capacity := range capacities {
		r.pools[name] = New(name, capacity)
	}
	return r
}

// Get returns the named pool, creating an Unlimited one on first reference
// if it wasn't declared in the config (a command may name a pool the
// driver didn't configure; treating it as unbounded rather than erroring
// keeps drivers that don't care about a given resource class simple).
func (r *Registry) Get(name string) *Pool {
	r.mu.RLock()
	p, ok := r.pools[name]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[name]; ok {
		return p
	}
	p = New(name, Unlimited)
	r.pools[name] = p
	return p
}

// AcquireAll acquires every named pool in sorted-by-identity order (§4.6,
// "wraps acquire of all declared pools in a fixed order ... to prevent
// deadlock between pools"). On failure (ctx cancellation) it releases any
// pools already acquired before returning the error.
func (r *Registry) AcquireAll(ctx context.Context, tags []string) ([]*Pool, error) {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)

	acquired := make([]*Pool, 0, len(sorted))
	for _, name := range sorted {
		p := r.Get(name)
		if err := p.Acquire(ctx); err != nil {
			ReleaseAll(acquired)
			return nil, err
		}
		acquired = append(acquired, p)
	}
	return acquired, nil
}

// ReleaseAll releases every pool in the slice, in reverse acquisition order.
func ReleaseAll(pools []*Pool) {
	for i := len(pools) - 1; i >= 0; i-- {
		pools[i].Release()
	}
}
