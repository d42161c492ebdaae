// Package ippool implements a finite pool of IPv4 leases drawn from a
// CIDR block or an explicit address range, as consumed by Gx bearer
// sessions (spec §4.1).
package ippool

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/diapcc/node/instrumentation"
)

// ErrExhausted is returned by Allocate when the pool has no free
// address and the caller asked for a non-blocking allocation.
var ErrExhausted = errors.New("ippool: exhausted")

// Pool is a thread-safe FIFO of IPv4 addresses. Addresses are handed
// out in ascending numeric order on first use, and on release are
// requeued at the tail, so a given address is reissued only after
// every other free address has been tried at least once.
type Pool struct {
	Name string

	// Metrics is nil unless the constructing façade wired an
	// instrumentation server.
	Metrics *instrumentation.Server

	mu        sync.Mutex
	free      []string
	freeCh    chan struct{} // signaled once per address added to free
	allocated map[string]struct{}
}

// NewFromCIDR builds a pool enumerating every address in cidr (a /32
// yields a pool of size 1, a /30 yields 4).
func NewFromCIDR(name string, cidr string) (*Pool, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("ippool: invalid CIDR %q: %w", cidr, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("ippool: %q is not an IPv4 CIDR", cidr)
	}

	first := binary.BigEndian.Uint32(ipnet.IP.To4())
	ones, bits := ipnet.Mask.Size()
	count := uint64(1) << uint(bits-ones)
	last := first + uint32(count) - 1

	return newRange(name, first, last)
}

// NewFromRange builds a pool enumerating every address between start
// and end inclusive.
func NewFromRange(name string, start, end string) (*Pool, error) {
	startIP := net.ParseIP(start).To4()
	endIP := net.ParseIP(end).To4()
	if startIP == nil || endIP == nil {
		return nil, fmt.Errorf("ippool: invalid address range %q-%q", start, end)
	}

	first := binary.BigEndian.Uint32(startIP)
	last := binary.BigEndian.Uint32(endIP)
	if last < first {
		return nil, fmt.Errorf("ippool: range %q-%q is empty", start, end)
	}

	return newRange(name, first, last)
}

func newRange(name string, first, last uint32) (*Pool, error) {
	p := &Pool{
		Name:      name,
		allocated: make(map[string]struct{}),
	}

	count := int(last-first) + 1
	p.free = make([]string, 0, count)
	p.freeCh = make(chan struct{}, count)

	for n := first; ; n++ {
		p.free = append(p.free, numToIP(n).String())
		p.freeCh <- struct{}{}
		if n == last {
			break
		}
	}

	return p, nil
}

func numToIP(n uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return net.IP(b)
}

// Allocate removes the address at the head of the free FIFO and marks
// it allocated. If the pool is empty, it blocks until ctx is done or an
// address is released when blocking is true; otherwise it returns
// ErrExhausted immediately.
func (p *Pool) Allocate(ctx context.Context, blocking bool) (string, error) {
	for {
		if ip, ok := p.tryDequeue(); ok {
			p.Metrics.PoolAllocated(p.Name, p.Available())
			return ip, nil
		}

		if !blocking {
			p.Metrics.PoolExhausted(p.Name)
			return "", ErrExhausted
		}

		select {
		case <-p.freeCh:
			// An address became available; loop and dequeue it.
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (p *Pool) tryDequeue() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return "", false
	}

	ip := p.free[0]
	p.free = p.free[1:]
	p.allocated[ip] = struct{}{}

	// Keep freeCh's token count from drifting above len(p.free): every
	// successful dequeue consumes one token, whether or not it actually
	// woke this call (a blocking caller may have been woken by a
	// different release and raced a direct dequeuer here).
	select {
	case <-p.freeCh:
	default:
	}

	return ip, true
}

// Release returns ip to the tail of the free FIFO if it was allocated;
// otherwise it is a no-op.
func (p *Pool) Release(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[ip]; !ok {
		return
	}

	delete(p.allocated, ip)
	p.free = append(p.free, ip)
	available := len(p.free)

	select {
	case p.freeCh <- struct{}{}:
	default:
	}

	p.Metrics.PoolReleased(p.Name, available)
}

// Available returns the number of free addresses.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Allocated returns a snapshot of the currently allocated addresses,
// sorted for deterministic reporting.
func (p *Pool) Allocated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.allocated))
	for ip := range p.allocated {
		out = append(out, ip)
	}
	slices.Sort(out)
	return out
}
