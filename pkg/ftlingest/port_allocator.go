package ftlingest

import "sync"

// PortAllocator hands out unused UDP ports from [min, max), avoiding ports
// currently held by a live MediaConnection. A fixed range keeps the media
// ports behind one firewall rule instead of an OS-picked ephemeral port.
type PortAllocator struct {
	mu     sync.Mutex
	min    int
	max    int
	inUse  map[int]struct{}
	cursor int
}

// NewPortAllocator returns an allocator over [min, max).
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		min:    min,
		max:    max,
		inUse:  make(map[int]struct{}),
		cursor: min,
	}
}

// Allocate returns the next free port, or ErrPortsExhausted if every port
// in the range is held.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.max - a.min
	if span <= 0 {
		return 0, ErrPortsExhausted
	}

	for i := 0; i < span; i++ {
		port := a.min + (a.cursor-a.min+i)%span
		if _, held := a.inUse[port]; !held {
			a.inUse[port] = struct{}{}
			a.cursor = port + 1
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

// Release returns a port to the pool; it is immediately reusable.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}
