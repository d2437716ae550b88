// Package ports hands out host ports for container port bindings.
package ports

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"

	"github.com/vulnzero/machines/internal/domain"
)

// randomAttempts bounds the random draws before falling back to a scan.
const randomAttempts = 32

// ProbeFunc reports whether a host port can currently be bound.
type ProbeFunc func(port int) bool

// Allocator tracks in-use host ports within a fixed range. Reserving a port
// and marking it used happen under one lock.
type Allocator struct {
	mu    sync.Mutex
	start int
	end   int
	used  map[int]string // port -> owner
	probe ProbeFunc
	rng   func(n int) int
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbe rejects candidates the probe reports as unbindable.
func WithProbe(probe ProbeFunc) Option {
	return func(a *Allocator) { a.probe = probe }
}

// WithRand replaces the random source. rng(n) must return a value in [0, n).
func WithRand(rng func(n int) int) Option {
	return func(a *Allocator) { a.rng = rng }
}

// NewAllocator creates an allocator over the inclusive range [start, end].
func NewAllocator(start, end int, opts ...Option) (*Allocator, error) {
	if start < 1 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	a := &Allocator{
		start: start,
		end:   end,
		used:  make(map[int]string),
		rng:   rand.IntN,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Allocate reserves count distinct free ports for owner. Either all ports
// are reserved or none are.
func (a *Allocator) Allocate(count int, owner string) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.size()-len(a.used) < count {
		return nil, domain.NewError(domain.KindResourceExhausted, "no free host ports available", nil)
	}

	picked := make([]int, 0, count)
	for len(picked) < count {
		port, ok := a.pickLocked()
		if !ok {
			for _, p := range picked {
				delete(a.used, p)
			}
			return nil, domain.NewError(domain.KindResourceExhausted, "no free host ports available", nil)
		}
		a.used[port] = owner
		picked = append(picked, port)
	}
	return picked, nil
}

// pickLocked draws random candidates, retrying on collision, then scans the
// range from a random offset so a nearly full range still succeeds.
func (a *Allocator) pickLocked() (int, bool) {
	size := a.size()
	for i := 0; i < randomAttempts; i++ {
		port := a.start + a.rng(size)
		if a.available(port) {
			return port, true
		}
	}
	offset := a.rng(size)
	for i := 0; i < size; i++ {
		port := a.start + (offset+i)%size
		if a.available(port) {
			return port, true
		}
	}
	return 0, false
}

func (a *Allocator) available(port int) bool {
	if _, taken := a.used[port]; taken {
		return false
	}
	return a.probe == nil || a.probe(port)
}

// Release returns ports to the pool. Releasing a free port is a no-op.
func (a *Allocator) Release(ports []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		delete(a.used, p)
	}
}

// InUse returns the number of reserved ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Owner returns the owner a port is reserved for.
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.used[port]
	return owner, ok
}

func (a *Allocator) size() int {
	return a.end - a.start + 1
}

// ListenProbe reports whether a TCP listener can be opened on port.
func ListenProbe(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
