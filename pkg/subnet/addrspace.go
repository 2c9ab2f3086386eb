// Package subnet maps a local IPv4 address and its prefix length to the
// hosts that share its subnet.
package subnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrNotIPv4       = errors.New("address is not IPv4")
	ErrInvalidPrefix = errors.New("invalid prefix length")
)

// Range is the host range of one IPv4 subnet as seen from Self.
type Range struct {
	Self      netip.Addr
	Prefix    netip.Prefix
	Network   netip.Addr
	Broadcast netip.Addr
}

// NewRange derives the subnet of self for the given prefix length.
func NewRange(self netip.Addr, prefixLen int) (Range, error) {
	self = self.Unmap()
	if !self.Is4() {
		return Range{}, fmt.Errorf("%w: %s", ErrNotIPv4, self)
	}
	if prefixLen < 0 || prefixLen > 32 {
		return Range{}, fmt.Errorf("%w: %d", ErrInvalidPrefix, prefixLen)
	}

	prefix := netip.PrefixFrom(self, prefixLen).Masked()
	network := prefix.Addr()
	hostMask := uint32(uint64(1)<<(32-prefixLen) - 1)

	return Range{
		Self:      self,
		Prefix:    prefix,
		Network:   network,
		Broadcast: fromUint32(toUint32(network) | hostMask),
	}, nil
}

// HostBits is the number of host bits in the prefix.
func (r Range) HostBits() int {
	return 32 - r.Prefix.Bits()
}

// Size is the number of probe candidates: every host address except the
// network, broadcast and self addresses.
func (r Range) Size() int {
	if r.HostBits() < 2 {
		return 0
	}
	total := int(uint64(1)<<r.HostBits()) - 2
	if r.isHost(r.Self) {
		total--
	}
	return total
}

// Each calls fn for every candidate host in ascending order until fn
// returns false.
func (r Range) Each(fn func(netip.Addr) bool) {
	if r.HostBits() < 2 {
		return
	}
	self := toUint32(r.Self)
	last := toUint32(r.Broadcast)
	for n := toUint32(r.Network) + 1; n < last; n++ {
		if n == self {
			continue
		}
		if !fn(fromUint32(n)) {
			return
		}
	}
}

// Hosts returns every candidate host. Prefer Each for large subnets.
func (r Range) Hosts() []netip.Addr {
	hosts := make([]netip.Addr, 0, r.Size())
	r.Each(func(a netip.Addr) bool {
		hosts = append(hosts, a)
		return true
	})
	return hosts
}

// Contains reports whether addr is a candidate host of the range.
func (r Range) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.Is4() && addr != r.Self && r.isHost(addr)
}

func (r Range) isHost(addr netip.Addr) bool {
	if !r.Prefix.Contains(addr) {
		return false
	}
	return addr != r.Network && addr != r.Broadcast
}

// IsSiteLocal reports whether addr is in one of the private IPv4 blocks
// (10/8, 172.16/12, 192.168/16).
func IsSiteLocal(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.Is4() && addr.IsPrivate()
}

func toUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func fromUint32(n uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b)
}
