// Package netiface reads the host's network interfaces.
package netiface

import (
	"fmt"
	"net"
	"net/netip"

	"lanlink/internal/core/ports"
	"lanlink/pkg/subnet"
)

// System lists interfaces through the operating system.
type System struct{}

func (System) Interfaces() ([]ports.NetInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	out := make([]ports.NetInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := ports.NetInterface{
			Name:     iface.Name,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			Up:       iface.Flags&net.FlagUp != 0,
		}
		addrs, err := iface.Addrs()
		if err != nil {
			// one unreadable interface must not hide the others
			out = append(out, ni)
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			ones, _ := ipNet.Mask.Size()
			ni.Prefixes = append(ni.Prefixes, netip.PrefixFrom(addr.Unmap(), ones))
		}
		out = append(out, ni)
	}
	return out, nil
}

// BroadcastAddrs returns the directed broadcast address of every IPv4
// subnet on the up, non-loopback interfaces of src.
func BroadcastAddrs(src ports.InterfaceSource) ([]netip.Addr, error) {
	ifaces, err := src.Interfaces()
	if err != nil {
		return nil, err
	}
	seen := make(map[netip.Addr]struct{})
	var out []netip.Addr
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		for _, p := range iface.Prefixes {
			if !p.Addr().Is4() || p.Bits() >= 31 {
				continue
			}
			rng, err := subnet.NewRange(p.Addr(), p.Bits())
			if err != nil {
				continue
			}
			if _, ok := seen[rng.Broadcast]; ok {
				continue
			}
			seen[rng.Broadcast] = struct{}{}
			out = append(out, rng.Broadcast)
		}
	}
	return out, nil
}
