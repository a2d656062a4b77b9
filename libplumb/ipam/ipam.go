// Package ipam hands out container addresses from a single IPv4 subnet in
// deterministic ascending order, so repeated provisioning runs produce the
// same assignments.
package ipam

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrPoolExhausted is returned when no free address remains in the subnet.
var ErrPoolExhausted = errors.New("address pool exhausted")

// Lease is one active address assignment.
type Lease struct {
	IP          net.IP     `json:"ip"`
	Subnet      *net.IPNet `json:"subnet"`
	ContainerID string     `json:"container_id"`
	AllocatedAt time.Time  `json:"allocated_at"`
}

// Allocator assigns addresses to containers and tracks active leases.
type Allocator interface {
	// Allocate returns the lowest free address in the subnet. Calling it
	// again for a container that already holds a lease returns that lease.
	Allocate(containerID string) (*Lease, error)

	// Release returns an address to the pool. Releasing an address that is
	// not leased is a no-op.
	Release(ip net.IP) error

	// Lookup reports the active lease for a container, if any.
	Lookup(containerID string) (*Lease, bool)
}

// Pool implements Allocator over one IPv4 subnet. The network address,
// broadcast address, and gateway are never leased.
type Pool struct {
	mu      sync.Mutex
	subnet  *net.IPNet
	gateway net.IP
	store   Store
	byIP    map[uint32]*Lease
	byID    map[string]*Lease
}

// NewPool builds a pool over subnet. A nil gateway reserves the first
// usable address for the bridge. store may be nil for a purely in-memory
// pool; when set, existing leases are loaded from it so separate
// provisioner processes share one view of the subnet.
func NewPool(subnet *net.IPNet, gateway net.IP, store Store) (*Pool, error) {
	if subnet == nil || subnet.IP.To4() == nil {
		return nil, fmt.Errorf("ipam: an IPv4 subnet is required")
	}
	ones, bits := subnet.Mask.Size()
	if bits-ones < 2 {
		return nil, fmt.Errorf("ipam: subnet %s has no usable addresses", subnet)
	}
	network := subnet.IP.Mask(subnet.Mask)
	if gateway == nil {
		gateway = u32ToIP(ipToU32(network) + 1)
	} else {
		gateway = gateway.To4()
		if gateway == nil || !subnet.Contains(gateway) {
			return nil, fmt.Errorf("ipam: gateway is not in subnet %s", subnet)
		}
	}
	p := &Pool{
		subnet:  &net.IPNet{IP: network, Mask: subnet.Mask},
		gateway: gateway,
		store:   store,
		byIP:    make(map[uint32]*Lease),
		byID:    make(map[string]*Lease),
	}
	if store != nil {
		if err := p.loadLeases(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Gateway returns the address reserved for the bridge.
func (p *Pool) Gateway() net.IP {
	return p.gateway
}

// Subnet returns the pool's subnet.
func (p *Pool) Subnet() *net.IPNet {
	return p.subnet
}

func (p *Pool) Allocate(containerID string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lease, ok := p.byID[containerID]; ok {
		return lease, nil
	}

	if p.store != nil {
		if err := p.store.Lock(); err != nil {
			return nil, fmt.Errorf("lock lease store: %w", err)
		}
		defer p.store.Unlock() //nolint:errcheck
	}

	first := ipToU32(p.subnet.IP) + 1
	last := p.broadcast() - 1
	gw := ipToU32(p.gateway)
	for n := first; n <= last; n++ {
		if n == gw {
			continue
		}
		if _, taken := p.byIP[n]; taken {
			continue
		}
		ip := u32ToIP(n)
		if p.store != nil {
			reserved, err := p.store.Reserve(containerID, ip)
			if err != nil {
				return nil, err
			}
			if !reserved {
				// Another process holds it; move on.
				continue
			}
		}
		lease := &Lease{IP: ip, Subnet: p.subnet, ContainerID: containerID, AllocatedAt: time.Now()}
		p.byIP[n] = lease
		p.byID[containerID] = lease
		return lease, nil
	}
	return nil, fmt.Errorf("subnet %s: %w", p.subnet, ErrPoolExhausted)
}

func (p *Pool) Release(ip net.IP) error {
	ip = ip.To4()
	if ip == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n := ipToU32(ip)
	lease, ok := p.byIP[n]
	if !ok {
		// Releasing an unallocated address is a no-op.
		return nil
	}
	if p.store != nil {
		if err := p.store.Lock(); err != nil {
			return fmt.Errorf("lock lease store: %w", err)
		}
		defer p.store.Unlock() //nolint:errcheck
		if err := p.store.Release(ip); err != nil {
			return err
		}
	}
	delete(p.byIP, n)
	delete(p.byID, lease.ContainerID)
	return nil
}

func (p *Pool) Lookup(containerID string) (*Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lease, ok := p.byID[containerID]
	return lease, ok
}

// loadLeases rebuilds the in-memory tables from the store after a restart.
func (p *Pool) loadLeases() error {
	if err := p.store.Lock(); err != nil {
		return fmt.Errorf("lock lease store: %w", err)
	}
	defer p.store.Unlock() //nolint:errcheck

	leases, err := p.store.Leases()
	if err != nil {
		return err
	}
	for ipStr, containerID := range leases {
		ip := net.ParseIP(ipStr)
		if ip == nil || ip.To4() == nil || !p.subnet.Contains(ip) {
			continue
		}
		lease := &Lease{IP: ip.To4(), Subnet: p.subnet, ContainerID: containerID}
		p.byIP[ipToU32(ip.To4())] = lease
		if containerID != "" {
			p.byID[containerID] = lease
		}
	}
	return nil
}

func (p *Pool) broadcast() uint32 {
	ones, bits := p.subnet.Mask.Size()
	return ipToU32(p.subnet.IP) | (1<<(bits-ones) - 1)
}

func ipToU32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func u32ToIP(n uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
