package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gopsnet "github.com/shirou/gopsutil/v4/net"
)

// defaultPortRangeStart and defaultPortRangeEnd bound the half-open
// loopback range [10000, 50000) used when no explicit range is given.
const (
	defaultPortRangeStart = 10000
	defaultPortRangeEnd   = 50000
)

// PortAllocator leases loopback TCP port numbers from a half-open range,
// skipping ports already leased by the broker and ports bound anywhere
// else on the host.
type PortAllocator struct {
	logger *slog.Logger

	rangeStart int
	rangeEnd   int

	mu     sync.Mutex
	leased map[int]struct{}

	// hostBoundPorts is overridable in tests to avoid depending on real
	// host socket state.
	hostBoundPorts func(ctx context.Context) (map[int]struct{}, error)
}

// NewPortAllocator creates an allocator over the fixed loopback range
// [10000, 50000).
func NewPortAllocator(logger *slog.Logger) *PortAllocator {
	return NewPortAllocatorWithRange(logger, defaultPortRangeStart, defaultPortRangeEnd)
}

// NewPortAllocatorWithRange creates an allocator over the given half-open
// port range.
func NewPortAllocatorWithRange(logger *slog.Logger, rangeStart, rangeEnd int) *PortAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PortAllocator{
		logger:     logger,
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		leased:     make(map[int]struct{}),
	}
	p.hostBoundPorts = p.queryHostBoundPorts
	return p
}

// Lease atomically reserves the first qualifying port in the configured
// range, skipping ports already leased by this allocator and ports bound
// anywhere on the host. Returns ErrNoPortAvailable when the range is
// exhausted.
func (p *PortAllocator) Lease(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bound, err := p.hostBoundPorts(ctx)
	if err != nil {
		// Fail open on inspection failure: a misbehaving /proc or a
		// permissions issue should not wedge every Start call. We still
		// avoid our own leased set, which is the case that actually
		// matters for correctness within one broker instance.
		p.logger.Warn("port allocator: failed to query host listener table, continuing without it",
			slog.String("error", err.Error()))
		bound = map[int]struct{}{}
	}

	for port := p.rangeStart; port < p.rangeEnd; port++ {
		if _, taken := p.leased[port]; taken {
			continue
		}
		if _, taken := bound[port]; taken {
			continue
		}
		p.leased[port] = struct{}{}
		return port, nil
	}

	return 0, fmt.Errorf("%w: range [%d, %d) exhausted", ErrNoPortAvailable, p.rangeStart, p.rangeEnd)
}

// Release returns a port to the pool. Idempotent.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	delete(p.leased, port)
	p.mu.Unlock()
}

// LeasedCount returns the number of currently leased ports. Used by tests
// and Inspect-adjacent diagnostics to assert the leased set matches the
// live channel set.
func (p *PortAllocator) LeasedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

// LeasedPorts returns a snapshot of currently leased ports.
func (p *PortAllocator) LeasedPorts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ports := make([]int, 0, len(p.leased))
	for port := range p.leased {
		ports = append(ports, port)
	}
	return ports
}

// queryHostBoundPorts asks the OS for every port currently bound by any
// process, not just the broker's own leases.
func (p *PortAllocator) queryHostBoundPorts(ctx context.Context) (map[int]struct{}, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("querying host listener table: %w", err)
	}

	bound := make(map[int]struct{}, len(conns))
	for _, c := range conns {
		bound[int(c.Laddr.Port)] = struct{}{}
	}
	return bound, nil
}
