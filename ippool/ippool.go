// Package ippool hands out synthetic IPv4 addresses from a configured subnet
// and takes them back, preserving allocation order so a released address is
// not immediately reused ahead of addresses that have been free for longer.
package ippool

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned by Alloc when no free address remains in the pool
var ErrExhausted = errors.New("ippool: no free address available")

// ErrNotAllocated is returned by Release/ReleaseFront when the address is not currently allocated
var ErrNotAllocated = errors.New("ippool: address is not allocated")

// Pool hands out IPv4 addresses from a subnet on a FIFO basis: the address
// that has been free the longest is the next one allocated.
type Pool struct {
	mu sync.Mutex

	subnet   *net.IPNet
	free     *list.List // front = next to allocate
	elements map[string]*list.Element
	inUse    map[string]bool
}

// New builds a Pool over every usable host address in cidr (the subnet's own
// network and broadcast addresses are excluded, except for /31 and /32).
func New(cidr string) (*Pool, error) {
	ip, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("ippool: invalid subnet %q: %w", cidr, err)
	}

	if ip.To4() == nil {
		return nil, fmt.Errorf("ippool: subnet %q is not IPv4", cidr)
	}

	p := &Pool{
		free:     list.New(),
		elements: make(map[string]*list.Element),
		inUse:    make(map[string]bool),
		subnet:   subnet,
	}

	for a := cloneIP(subnet.IP); subnet.Contains(a); incIP(a) {
		if isNetworkOrBroadcast(subnet, a) {
			continue
		}

		ip := cloneIP(a)
		key := ip.String()
		p.elements[key] = p.free.PushBack(ip)
	}

	if p.free.Len() == 0 {
		return nil, fmt.Errorf("ippool: subnet %q contains no usable host addresses", cidr)
	}

	return p, nil
}

// Subnet returns the configured subnet
func (p *Pool) Subnet() *net.IPNet {
	return p.subnet
}

// Alloc removes and returns the address that has been free the longest
func (p *Pool) Alloc() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	front := p.free.Front()
	if front == nil {
		return nil, ErrExhausted
	}

	ip := front.Value.(net.IP)
	p.free.Remove(front)
	delete(p.elements, ip.String())
	p.inUse[ip.String()] = true

	return ip, nil
}

// Release returns ip to the pool at the back, so it is reused only after
// every address already free has been reallocated.
func (p *Pool) Release(ip net.IP) error {
	return p.release(ip, true)
}

// ReleaseFront returns ip to the pool at the front, so it is the very next
// address Alloc hands out. Used to undo a just-performed Alloc on a failed
// operation, without disturbing the FIFO order of addresses already free.
func (p *Pool) ReleaseFront(ip net.IP) error {
	return p.release(ip, false)
}

func (p *Pool) release(ip net.IP, back bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := ip.String()

	if !p.inUse[key] {
		return ErrNotAllocated
	}

	delete(p.inUse, key)

	stored := cloneIP(ip)

	var el *list.Element
	if back {
		el = p.free.PushBack(stored)
	} else {
		el = p.free.PushFront(stored)
	}

	p.elements[key] = el

	return nil
}

// Free returns the number of addresses currently available for Alloc
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.free.Len()
}

// InUse returns the number of addresses currently allocated
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.inUse)
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)

	return out
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

func isNetworkOrBroadcast(subnet *net.IPNet, ip net.IP) bool {
	ones, bits := subnet.Mask.Size()
	if bits-ones < 2 {
		// /31 and /32 subnets have no dedicated network/broadcast address
		return false
	}

	if ip.Equal(subnet.IP) {
		return true
	}

	broadcast := cloneIP(subnet.IP)
	for i := range broadcast {
		broadcast[i] |= ^subnet.Mask[i]
	}

	return ip.Equal(broadcast)
}
