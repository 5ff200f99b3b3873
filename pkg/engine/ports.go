package engine

import (
	"fmt"
	"sync"

	"github.com/sandbay/sandbay/pkg/types"
)

// PortAllocator hands out host ports from a fixed range. Reservation is
// one atomic step under the allocator lock, so two concurrent creations
// can never pick the same port even before either has persisted a
// record. The store's live-port uniqueness check remains the backstop
// against allocations made outside this process.
type PortAllocator struct {
	mu       sync.Mutex
	base     int
	max      int
	reserved map[int]bool // ports handed out but not yet persisted or released
}

// NewPortAllocator creates an allocator over [base, max].
func NewPortAllocator(base, max int) *PortAllocator {
	return &PortAllocator{
		base:     base,
		max:      max,
		reserved: make(map[int]bool),
	}
}

// Reserve scans from the base port and claims the first port neither in
// use by a live record nor reserved by an in-flight creation. The
// returned release function clears the reservation; callers defer it so
// the reservation never outlives the creation attempt.
func (a *PortAllocator) Reserve(used map[int]bool) (int, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.base; port <= a.max; port++ {
		if used[port] || a.reserved[port] {
			continue
		}
		a.reserved[port] = true
		p := port
		release := func() {
			a.mu.Lock()
			delete(a.reserved, p)
			a.mu.Unlock()
		}
		return p, release, nil
	}

	return 0, nil, types.NewError(types.KindRuntimeError,
		fmt.Sprintf("no free host port in range %d-%d", a.base, a.max), nil)
}

// Reserved returns the number of in-flight reservations.
func (a *PortAllocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}
