// Package ports assigns backend ports to launching applications.
package ports

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoPortsAvailable is returned when every port in range is taken.
	ErrNoPortsAvailable = errors.New("no available ports in range")
	// ErrPortUnavailable is returned by Claim when the port is held elsewhere.
	ErrPortUnavailable = errors.New("port unavailable")
)

// Source lists ports held by running applications.
type Source interface {
	ListActivePorts(ctx context.Context) ([]int, error)
}

// Range is an inclusive port range.
type Range struct {
	Start int
	End   int
}

// Allocator hands out ports under a single lock. Each allocation scans the
// store and also excludes ports leased to launches that have not yet
// committed, so concurrent pipelines never receive the same port.
type Allocator struct {
	mu     sync.Mutex
	source Source
	rng    Range
	leased map[int]string
}

// Lease is a port reserved for one application until Release.
type Lease struct {
	Port  int
	owner string
	alloc *Allocator
	once  sync.Once
}

// Release returns the port to the pool. Once the holder's registration is
// committed the store keeps the port out of later scans.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.alloc.mu.Lock()
		defer l.alloc.mu.Unlock()
		if l.alloc.leased[l.Port] == l.owner {
			delete(l.alloc.leased, l.Port)
		}
	})
}

// New returns an allocator over rng.
func New(source Source, rng Range) (*Allocator, error) {
	if source == nil {
		return nil, errors.New("nil port source")
	}
	if rng.Start <= 0 || rng.End > 65535 || rng.End < rng.Start {
		return nil, fmt.Errorf("invalid port range %d-%d", rng.Start, rng.End)
	}
	return &Allocator{source: source, rng: rng, leased: make(map[int]string)}, nil
}

// Allocate leases the lowest free port at or above the range start.
func (a *Allocator) Allocate(ctx context.Context, owner string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.usedLocked(ctx)
	if err != nil {
		return nil, err
	}
	port, err := lowestFree(used, a.rng)
	if err != nil {
		return nil, err
	}
	a.leased[port] = owner
	return &Lease{Port: port, owner: owner, alloc: a}, nil
}

// Claim leases a specific port, used when restarting a container whose host
// binding is fixed.
func (a *Allocator) Claim(ctx context.Context, port int, owner string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.usedLocked(ctx)
	if err != nil {
		return nil, err
	}
	if holder, ok := a.leased[port]; ok && holder != owner {
		return nil, fmt.Errorf("port %d: %w", port, ErrPortUnavailable)
	}
	if _, ok := used[port]; ok && a.leased[port] != owner {
		return nil, fmt.Errorf("port %d: %w", port, ErrPortUnavailable)
	}
	a.leased[port] = owner
	return &Lease{Port: port, owner: owner, alloc: a}, nil
}

func (a *Allocator) usedLocked(ctx context.Context) (map[int]struct{}, error) {
	active, err := a.source.ListActivePorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active ports: %w", err)
	}
	used := make(map[int]struct{}, len(active)+len(a.leased))
	for _, p := range active {
		used[p] = struct{}{}
	}
	for p := range a.leased {
		used[p] = struct{}{}
	}
	return used, nil
}

func lowestFree(used map[int]struct{}, rng Range) (int, error) {
	for port := rng.Start; port <= rng.End; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}
